// Package mq owns the broker side of the export pipeline: topology
// declaration, publishing and consuming on the durable export queue.
package mq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"playlist-exporter/pkg/export"
)

const (
	// ExportQueue is the durable queue carrying export jobs. The name is
	// part of the wire contract with other producers.
	ExportQueue = "export:playlist"
	// RetryQueue holds failed jobs until their delay expires, then routes
	// them back to ExportQueue through the default exchange.
	RetryQueue = "export:playlist.retry"
	// DeadLetterQueue collects jobs rejected without requeue.
	DeadLetterQueue = "export:playlist.dead"

	dlxExchange = "export.dlx"

	// RetryCountHeader carries the logical retry counter across requeues.
	RetryCountHeader = "x-retry-count"
)

// ErrNotConnected indicates a publish was attempted before the broker
// connection and channel were established.
var ErrNotConnected = errors.New("broker channel not established")

// Client is one connection/channel pair against the broker.
type Client struct {
	conn       *amqp.Connection
	ch         *amqp.Channel
	retryDelay time.Duration
}

// Dial connects to the broker and opens a channel. retryDelay becomes the
// TTL of the retry queue declared by SetupTopology.
func Dial(url string, retryDelay time.Duration) (*Client, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}

	return &Client{conn: conn, ch: ch, retryDelay: retryDelay}, nil
}

// SetupTopology declares the export queue, its dead-letter exchange and the
// TTL retry queue. Idempotent; both producer and consumer call it so either
// side can start first.
func (c *Client) SetupTopology() error {
	if c.ch == nil {
		return ErrNotConnected
	}

	if err := c.ch.ExchangeDeclare(dlxExchange, "fanout", true, false, false, false, nil); err != nil {
		return err
	}
	if _, err := c.ch.QueueDeclare(DeadLetterQueue, true, false, false, false, nil); err != nil {
		return err
	}
	if err := c.ch.QueueBind(DeadLetterQueue, "", dlxExchange, false, nil); err != nil {
		return err
	}

	// Rejected messages (permanent failures, exhausted retries) route to
	// the dead-letter exchange instead of being dropped.
	if _, err := c.ch.QueueDeclare(ExportQueue, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange": dlxExchange,
	}); err != nil {
		return err
	}

	// The retry queue has no consumers: messages sit until the TTL expires,
	// then the broker dead-letters them back onto the export queue.
	_, err := c.ch.QueueDeclare(RetryQueue, true, false, false, false, amqp.Table{
		"x-message-ttl":             c.retryDelay.Milliseconds(),
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": ExportQueue,
	})
	return err
}

// Publish writes one persistent export job to the queue. Fire-and-forget:
// broker-level durability is the only guarantee on the publish side.
func (c *Client) Publish(ctx context.Context, job export.Job) error {
	if c == nil || c.ch == nil {
		return ErrNotConnected
	}
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode export job: %w", err)
	}
	return c.ch.PublishWithContext(ctx,
		"",          // default exchange
		ExportQueue, // routing key
		false,       // mandatory
		false,       // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    uuid.NewString(),
			Body:         body,
		})
}

// PublishRetry republishes a failed job body onto the retry queue with the
// incremented retry counter in its header. The MessageId is preserved so the
// whole retry chain of a logical job shares one id in the logs.
func (c *Client) PublishRetry(ctx context.Context, body []byte, retryCount int, messageID string) error {
	if c == nil || c.ch == nil {
		return ErrNotConnected
	}
	return c.ch.PublishWithContext(ctx,
		"",
		RetryQueue,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    messageID,
			Headers:      amqp.Table{RetryCountHeader: int32(retryCount)},
			Body:         body,
		})
}

// Consume starts delivering export jobs with manual acknowledgment and a
// prefetch of one, so a consumer instance holds at most one in-flight job.
func (c *Client) Consume() (<-chan amqp.Delivery, error) {
	if c.ch == nil {
		return nil, ErrNotConnected
	}
	if err := c.ch.Qos(1, 0, false); err != nil {
		return nil, fmt.Errorf("set prefetch: %w", err)
	}
	return c.ch.Consume(
		ExportQueue,
		"",    // consumer tag
		false, // auto-ack off; the processing outcome decides
		false,
		false,
		false,
		nil,
	)
}

// NotifyClose registers a listener for connection-level shutdown.
func (c *Client) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	return c.conn.NotifyClose(receiver)
}

func (c *Client) Close() error {
	if c.ch != nil {
		c.ch.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// RetryCount reads the logical retry counter from a delivery, tolerating the
// integer widths different publishers put on the wire.
func RetryCount(d amqp.Delivery) int {
	v, ok := d.Headers[RetryCountHeader]
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case int:
		return n
	case int8:
		return int(n)
	case int16:
		return int(n)
	case int32:
		return int(n)
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}
