package consumer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"playlist-exporter/pkg/export"
	"playlist-exporter/pkg/mq"
)

type fakeAck struct {
	mu    sync.Mutex
	acks  int
	nacks []bool // requeue flag per nack
}

func (a *fakeAck) Ack(tag uint64, multiple bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acks++
	return nil
}

func (a *fakeAck) Nack(tag uint64, multiple bool, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nacks = append(a.nacks, requeue)
	return nil
}

func (a *fakeAck) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

type retryCall struct {
	body       []byte
	retryCount int
	messageID  string
}

type fakeQueue struct {
	deliveries chan amqp.Delivery
	retryErr   error
	retries    []retryCall
	closed     bool
}

func (q *fakeQueue) SetupTopology() error { return nil }

func (q *fakeQueue) Consume() (<-chan amqp.Delivery, error) { return q.deliveries, nil }

func (q *fakeQueue) PublishRetry(ctx context.Context, body []byte, retryCount int, messageID string) error {
	if q.retryErr != nil {
		return q.retryErr
	}
	q.retries = append(q.retries, retryCall{body: body, retryCount: retryCount, messageID: messageID})
	return nil
}

func (q *fakeQueue) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error { return receiver }

func (q *fakeQueue) Close() error {
	q.closed = true
	return nil
}

type fakeReader struct {
	fn    func(ctx context.Context, id string) (export.Playlist, error)
	calls int
}

func (r *fakeReader) GetPlaylistByID(ctx context.Context, id string) (export.Playlist, error) {
	r.calls++
	return r.fn(ctx, id)
}

type fakeSender struct {
	fn       func(ctx context.Context, recipient string, payload []byte) (string, error)
	payloads [][]byte
}

func (s *fakeSender) Send(ctx context.Context, recipient string, payload []byte) (string, error) {
	s.payloads = append(s.payloads, payload)
	return s.fn(ctx, recipient, payload)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConsumer(reader PlaylistReader, sender Sender) *Consumer {
	return New(Config{MaxRetries: 3, ConnectBackoff: time.Millisecond, CoolDown: time.Millisecond}, nil, reader, sender, quietLogger())
}

func delivery(ack *fakeAck, body string, retryCount int) amqp.Delivery {
	d := amqp.Delivery{
		Acknowledger: ack,
		MessageId:    "m1",
		Body:         []byte(body),
	}
	if retryCount > 0 {
		d.Headers = amqp.Table{mq.RetryCountHeader: int32(retryCount)}
	}
	return d
}

const validBody = `{"playlistId":"p1","targetEmail":"user@example.com"}`

func TestHandleSuccess(t *testing.T) {
	reader := &fakeReader{fn: func(ctx context.Context, id string) (export.Playlist, error) {
		if id != "p1" {
			t.Fatalf("unexpected playlist id %q", id)
		}
		return export.Playlist{ID: "p1", Name: "Mix", Songs: []export.Song{
			{ID: "s2", Title: "A", Performer: "Ann"},
			{ID: "s1", Title: "B", Performer: "Bob"},
		}}, nil
	}}
	sender := &fakeSender{fn: func(ctx context.Context, recipient string, payload []byte) (string, error) {
		if recipient != "user@example.com" {
			t.Fatalf("unexpected recipient %q", recipient)
		}
		return "<id@host>", nil
	}}
	c := testConsumer(reader, sender)
	ack := &fakeAck{}
	q := &fakeQueue{}

	c.handle(context.Background(), delivery(ack, validBody, 0), q)

	if ack.acks != 1 || len(ack.nacks) != 0 {
		t.Fatalf("expected exactly one ack, got acks=%d nacks=%v", ack.acks, ack.nacks)
	}
	if len(q.retries) != 0 {
		t.Fatalf("no retry expected, got %v", q.retries)
	}
	// The attachment carries the songs in catalog order, titles ascending.
	want := `{"playlist":{"id":"p1","name":"Mix","songs":[{"id":"s2","title":"A","performer":"Ann"},{"id":"s1","title":"B","performer":"Bob"}]}}`
	if got := string(sender.payloads[0]); got != want {
		t.Fatalf("unexpected snapshot:\n got %s\nwant %s", got, want)
	}
}

func TestHandlePlaylistNotFoundDeadLettersFirstAttempt(t *testing.T) {
	reader := &fakeReader{fn: func(ctx context.Context, id string) (export.Playlist, error) {
		return export.Playlist{}, export.Permanent(errors.New("playlist not found"))
	}}
	sender := &fakeSender{fn: func(ctx context.Context, recipient string, payload []byte) (string, error) {
		t.Fatal("send must not be attempted")
		return "", nil
	}}
	c := testConsumer(reader, sender)
	ack := &fakeAck{}
	q := &fakeQueue{}

	c.handle(context.Background(), delivery(ack, validBody, 0), q)

	if ack.acks != 0 {
		t.Fatalf("permanent failure must not ack, got %d", ack.acks)
	}
	if len(ack.nacks) != 1 || ack.nacks[0] != false {
		t.Fatalf("expected one nack without requeue, got %v", ack.nacks)
	}
	if len(q.retries) != 0 {
		t.Fatal("permanent failure must not be retried")
	}
}

func TestHandleTransientFailureSchedulesRetry(t *testing.T) {
	reader := &fakeReader{fn: func(ctx context.Context, id string) (export.Playlist, error) {
		return export.Playlist{}, export.Transient(errors.New("catalog query timeout"))
	}}
	sender := &fakeSender{fn: func(ctx context.Context, recipient string, payload []byte) (string, error) {
		return "", nil
	}}
	c := testConsumer(reader, sender)
	ack := &fakeAck{}
	q := &fakeQueue{}

	c.handle(context.Background(), delivery(ack, validBody, 1), q)

	if len(q.retries) != 1 {
		t.Fatalf("expected one retry publish, got %d", len(q.retries))
	}
	r := q.retries[0]
	if r.retryCount != 2 {
		t.Fatalf("retry count must increment by exactly 1, got %d", r.retryCount)
	}
	if string(r.body) != validBody {
		t.Fatalf("retry must carry the original body, got %s", r.body)
	}
	if r.messageID != "m1" {
		t.Fatalf("retry must preserve the message id, got %q", r.messageID)
	}
	if ack.acks != 1 || len(ack.nacks) != 0 {
		t.Fatalf("original must be acked after republish, got acks=%d nacks=%v", ack.acks, ack.nacks)
	}
}

func TestHandleRetriesExhaustedDeadLetters(t *testing.T) {
	reader := &fakeReader{fn: func(ctx context.Context, id string) (export.Playlist, error) {
		return export.Playlist{}, export.Transient(errors.New("catalog query timeout"))
	}}
	c := testConsumer(reader, &fakeSender{fn: func(ctx context.Context, r string, p []byte) (string, error) { return "", nil }})
	ack := &fakeAck{}
	q := &fakeQueue{}

	c.handle(context.Background(), delivery(ack, validBody, 3), q)

	if len(q.retries) != 0 {
		t.Fatal("exhausted job must not be republished")
	}
	if len(ack.nacks) != 1 || ack.nacks[0] != false {
		t.Fatalf("expected dead-letter nack, got %v", ack.nacks)
	}
}

func TestHandleMalformedPayloadDeadLetters(t *testing.T) {
	reader := &fakeReader{fn: func(ctx context.Context, id string) (export.Playlist, error) {
		t.Fatal("reader must not be called for a malformed payload")
		return export.Playlist{}, nil
	}}
	c := testConsumer(reader, &fakeSender{fn: func(ctx context.Context, r string, p []byte) (string, error) { return "", nil }})
	ack := &fakeAck{}
	q := &fakeQueue{}

	c.handle(context.Background(), delivery(ack, `{"playlistId":""}`, 0), q)

	if len(ack.nacks) != 1 || ack.nacks[0] != false {
		t.Fatalf("expected dead-letter nack, got %v", ack.nacks)
	}
	if len(q.retries) != 0 {
		t.Fatal("malformed payload must never be retried")
	}
}

func TestHandleRetryPublishFailureReleasesDelivery(t *testing.T) {
	reader := &fakeReader{fn: func(ctx context.Context, id string) (export.Playlist, error) {
		return export.Playlist{}, export.Transient(errors.New("timeout"))
	}}
	c := testConsumer(reader, &fakeSender{fn: func(ctx context.Context, r string, p []byte) (string, error) { return "", nil }})
	ack := &fakeAck{}
	q := &fakeQueue{retryErr: errors.New("channel gone")}

	c.handle(context.Background(), delivery(ack, validBody, 0), q)

	if ack.acks != 0 {
		t.Fatal("original must not be acked when the retry publish fails")
	}
	if len(ack.nacks) != 1 || ack.nacks[0] != true {
		t.Fatalf("expected nack with requeue as fallback, got %v", ack.nacks)
	}
}

func TestHandleShutdownLeavesMessageUnacknowledged(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	reader := &fakeReader{fn: func(ctx context.Context, id string) (export.Playlist, error) {
		return export.Playlist{ID: id, Name: "Mix"}, nil
	}}
	sender := &fakeSender{fn: func(ctx context.Context, recipient string, payload []byte) (string, error) {
		// Shutdown arrives mid-send.
		cancel()
		return "", export.Transient(ctx.Err())
	}}
	c := testConsumer(reader, sender)
	ack := &fakeAck{}
	q := &fakeQueue{}

	c.handle(ctx, delivery(ack, validBody, 0), q)

	if ack.acks != 0 || len(ack.nacks) != 0 {
		t.Fatalf("interrupted job must leave the message unsettled, got acks=%d nacks=%v", ack.acks, ack.nacks)
	}
	if len(q.retries) != 0 {
		t.Fatal("interrupted job must not be republished")
	}
}

func TestRunRecoversFromConnectFailures(t *testing.T) {
	ack := &fakeAck{}
	q := &fakeQueue{deliveries: make(chan amqp.Delivery, 1)}
	q.deliveries <- delivery(ack, validBody, 0)

	var connects int
	connect := func() (Queue, error) {
		connects++
		if connects <= 3 {
			return nil, errors.New("connection refused")
		}
		return q, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	processed := make(chan struct{})
	reader := &fakeReader{fn: func(ctx context.Context, id string) (export.Playlist, error) {
		return export.Playlist{ID: id, Name: "Mix"}, nil
	}}
	sender := &fakeSender{fn: func(ctx context.Context, recipient string, payload []byte) (string, error) {
		close(processed)
		return "<id@host>", nil
	}}

	cfg := Config{MaxRetries: 3, ConnectAttempts: 5, ConnectBackoff: time.Millisecond, CoolDown: time.Millisecond}
	c := New(cfg, connect, reader, sender, quietLogger())

	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	select {
	case <-processed:
	case <-time.After(5 * time.Second):
		t.Fatal("job was not processed after connect retries")
	}
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop on cancellation")
	}

	if connects != 4 {
		t.Fatalf("expected 3 failed connects then success, got %d", connects)
	}
	ack.mu.Lock()
	defer ack.mu.Unlock()
	if ack.acks != 1 {
		t.Fatalf("job must be acked exactly once, got %d", ack.acks)
	}
	if !q.closed {
		t.Fatal("queue must be closed on shutdown")
	}
}

func TestConnectCycleExhaustionReturnsError(t *testing.T) {
	var connects int
	connect := func() (Queue, error) {
		connects++
		return nil, errors.New("connection refused")
	}
	cfg := Config{MaxRetries: 3, ConnectAttempts: 3, ConnectBackoff: time.Millisecond, CoolDown: time.Millisecond}
	c := New(cfg, connect, nil, nil, quietLogger())

	_, err := c.connectCycle(context.Background())
	if err == nil || !strings.Contains(err.Error(), "connect attempts exhausted") {
		t.Fatalf("expected exhaustion error, got %v", err)
	}
	if connects != 3 {
		t.Fatalf("expected 3 bounded attempts, got %d", connects)
	}
}
