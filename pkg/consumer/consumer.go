// Package consumer drives the export pipeline: it supervises the broker
// connection, pulls one job at a time off the durable queue and decides per
// outcome whether to acknowledge, schedule a logical retry or dead-letter.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"playlist-exporter/pkg/export"
	"playlist-exporter/pkg/mq"
	"playlist-exporter/pkg/observability"
)

// jobTimeout bounds one processing attempt so a hung collaborator cannot
// stall the prefetch-1 loop forever.
const jobTimeout = 2 * time.Minute

// PlaylistReader loads the playlist snapshot attached to an export.
type PlaylistReader interface {
	GetPlaylistByID(ctx context.Context, id string) (export.Playlist, error)
}

// Sender mails the export to its recipient.
type Sender interface {
	Send(ctx context.Context, recipient string, payload []byte) (string, error)
}

// Queue is the broker surface the consumer drives. *mq.Client implements it.
type Queue interface {
	SetupTopology() error
	Consume() (<-chan amqp.Delivery, error)
	PublishRetry(ctx context.Context, body []byte, retryCount int, messageID string) error
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	Close() error
}

// Config tunes retry budgets and the connect cycle.
type Config struct {
	// MaxRetries is the number of logical retries a job gets before it is
	// dead-lettered.
	MaxRetries int
	// ConnectAttempts bounds one connect cycle; after exhaustion the
	// consumer cools down and starts a fresh cycle.
	ConnectAttempts int
	// ConnectBackoff is the base of the exponential backoff between
	// connect attempts.
	ConnectBackoff time.Duration
	// CoolDown separates exhausted connect cycles.
	CoolDown time.Duration
}

func (c Config) withDefaults() Config {
	if c.ConnectAttempts <= 0 {
		c.ConnectAttempts = 5
	}
	if c.ConnectBackoff <= 0 {
		c.ConnectBackoff = time.Second
	}
	if c.CoolDown <= 0 {
		c.CoolDown = 30 * time.Second
	}
	return c
}

// Consumer is the long-running export worker.
type Consumer struct {
	cfg     Config
	connect func() (Queue, error)
	reader  PlaylistReader
	mailer  Sender
	log     *slog.Logger
}

// New wires a consumer. connect is called for every (re)connect so each
// cycle gets a fresh connection and channel.
func New(cfg Config, connect func() (Queue, error), reader PlaylistReader, mailer Sender, log *slog.Logger) *Consumer {
	return &Consumer{
		cfg:     cfg.withDefaults(),
		connect: connect,
		reader:  reader,
		mailer:  mailer,
		log:     log,
	}
}

// Run supervises the connect/consume cycle until ctx is canceled. It never
// returns on broker failures; those restart the cycle.
func (c *Consumer) Run(ctx context.Context) {
	for {
		q, err := c.connectCycle(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.Error("broker unreachable, cooling down", "error", err, "cool_down", c.cfg.CoolDown)
			if !sleep(ctx, c.cfg.CoolDown) {
				return
			}
			continue
		}

		err = c.consume(ctx, q)
		q.Close()
		if ctx.Err() != nil {
			c.log.Info("consumer stopped")
			return
		}
		c.log.Warn("consume loop ended, reconnecting", "error", err)
	}
}

// connectCycle attempts a bounded number of connects with exponential
// backoff, declaring the topology on success.
func (c *Consumer) connectCycle(ctx context.Context) (Queue, error) {
	var lastErr error
	for attempt := 1; attempt <= c.cfg.ConnectAttempts; attempt++ {
		q, err := c.connect()
		if err == nil {
			if err = q.SetupTopology(); err == nil {
				return q, nil
			}
			q.Close()
		}
		lastErr = err
		delay := backoff(c.cfg.ConnectBackoff, attempt)
		c.log.Warn("broker connect failed", "attempt", attempt, "retry_in", delay, "error", err)
		if !sleep(ctx, delay) {
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("connect attempts exhausted: %w", lastErr)
}

func (c *Consumer) consume(ctx context.Context, q Queue) error {
	deliveries, err := q.Consume()
	if err != nil {
		return fmt.Errorf("start consuming: %w", err)
	}
	closed := q.NotifyClose(make(chan *amqp.Error, 1))

	c.log.Info("consumer ready, waiting for export jobs", "queue", mq.ExportQueue)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case amqpErr := <-closed:
			return fmt.Errorf("broker connection closed: %v", amqpErr)
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("delivery channel closed")
			}
			c.handle(ctx, d, q)
		}
	}
}

// handle processes one delivery and settles it. It is the only place the
// retry-versus-dead-letter decision is made.
func (c *Consumer) handle(ctx context.Context, d amqp.Delivery, q Queue) {
	attempt := mq.RetryCount(d)
	log := c.log.With("message_id", d.MessageId, "attempt", attempt)

	jobCtx, cancel := context.WithTimeout(ctx, jobTimeout)
	defer cancel()

	start := time.Now()
	err := c.process(jobCtx, log, d.Body)
	observability.ExportDuration.Observe(time.Since(start).Seconds())

	if err == nil {
		if ackErr := d.Ack(false); ackErr != nil {
			log.Error("failed to acknowledge delivery", "error", ackErr)
			return
		}
		observability.ExportsProcessed.WithLabelValues("delivered").Inc()
		return
	}

	// A shutdown that interrupted the job must not settle the message:
	// left unacknowledged, the broker redelivers it to another consumer.
	if ctx.Err() != nil {
		log.Warn("shutdown interrupted export, leaving message unacknowledged", "error", err)
		return
	}

	class := export.ClassOf(err)
	if class == export.ClassPermanent {
		log.Error("export failed permanently, dead-lettering", "error", err, "class", class.String())
		c.deadLetter(d, log)
		return
	}

	if attempt >= c.cfg.MaxRetries {
		log.Error("export retries exhausted, dead-lettering", "error", err, "max_retries", c.cfg.MaxRetries)
		c.deadLetter(d, log)
		return
	}

	if pubErr := q.PublishRetry(ctx, d.Body, attempt+1, d.MessageId); pubErr != nil {
		// Fall back to broker-level redelivery so the job is not lost.
		log.Error("failed to schedule retry, releasing for redelivery", "error", pubErr)
		if nackErr := d.Nack(false, true); nackErr != nil {
			log.Error("failed to release delivery", "error", nackErr)
		}
		return
	}
	if ackErr := d.Ack(false); ackErr != nil {
		log.Error("failed to acknowledge retried delivery", "error", ackErr)
		return
	}
	observability.ExportsProcessed.WithLabelValues("retried").Inc()
	log.Warn("export failed, retry scheduled", "error", err, "next_attempt", attempt+1)
}

func (c *Consumer) deadLetter(d amqp.Delivery, log *slog.Logger) {
	if err := d.Nack(false, false); err != nil {
		log.Error("failed to dead-letter delivery", "error", err)
		return
	}
	observability.ExportsProcessed.WithLabelValues("dead_lettered").Inc()
}

// process performs one export attempt: decode, fetch a fresh snapshot, mail
// it. The snapshot is re-read on every attempt so the export always reflects
// catalog state at send time.
func (c *Consumer) process(ctx context.Context, log *slog.Logger, body []byte) error {
	job, err := export.Decode(body)
	if err != nil {
		return err
	}
	log.Info("processing export", "playlist_id", job.PlaylistID)

	playlist, err := c.reader.GetPlaylistByID(ctx, job.PlaylistID)
	if err != nil {
		return err
	}

	snapshot, err := export.EncodeSnapshot(playlist)
	if err != nil {
		return export.Permanent(fmt.Errorf("encode snapshot: %w", err))
	}

	msgID, err := c.mailer.Send(ctx, job.TargetEmail, snapshot)
	if err != nil {
		return err
	}
	log.Info("export delivered", "playlist_id", job.PlaylistID, "smtp_message_id", msgID, "songs", len(playlist.Songs))
	return nil
}

// sleep waits for d or until ctx is canceled; it reports whether the full
// duration elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
