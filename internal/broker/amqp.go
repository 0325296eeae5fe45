// Package broker connects the gateways to RabbitMQ: outbound OTP deliveries
// and payment commands, inbound payment confirmations and carrier events.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Queue names.
const (
	QueueOTPDelivery     = "otp.delivery"
	QueuePaymentRequests = "payment.requests"
	QueuePaymentRefunds  = "payment.refunds"
	QueueOrderEvents     = "order.events"
)

// Publisher sends one JSON message to a durable queue.
type Publisher interface {
	Publish(ctx context.Context, queue string, v any) error
}

// ErrPermanent marks a message that should be dropped rather than requeued.
var ErrPermanent = errors.New("broker: permanent failure")

// Handler processes one message body. Returning an error wrapping
// ErrPermanent drops the message; any other error requeues it.
type Handler func(ctx context.Context, body []byte) error

// Client holds one lazily dialled connection and publishing channel. A failed
// publish drops both so the next call reconnects.
type Client struct {
	url string
	log *zap.Logger

	mu       sync.Mutex
	conn     *amqp.Connection
	ch       *amqp.Channel
	declared map[string]bool

	maxBackoff time.Duration
}

// New returns a client for url. No connection is made until first use.
func New(url string, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{url: url, log: log, declared: make(map[string]bool), maxBackoff: 30 * time.Second}
}

func (c *Client) channel() (*amqp.Channel, error) {
	if c.ch != nil && !c.ch.IsClosed() {
		return c.ch, nil
	}
	if c.conn == nil || c.conn.IsClosed() {
		conn, err := amqp.Dial(c.url)
		if err != nil {
			return nil, fmt.Errorf("dial broker: %w", err)
		}
		c.conn = conn
		c.declared = make(map[string]bool)
	}
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("channel open: %w", err)
	}
	c.ch = ch
	return ch, nil
}

func (c *Client) reset() {
	if c.ch != nil {
		_ = c.ch.Close()
		c.ch = nil
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

// Publish marshals v and sends it as a persistent message.
func (c *Client) Publish(ctx context.Context, queue string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s message: %w", queue, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	ch, err := c.channel()
	if err != nil {
		return err
	}
	if !c.declared[queue] {
		if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
			c.reset()
			return fmt.Errorf("queue declare %s: %w", queue, err)
		}
		c.declared[queue] = true
	}
	err = ch.PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
	if err != nil {
		c.reset()
		return fmt.Errorf("publish %s: %w", queue, err)
	}
	return nil
}

// Consume reads queue until ctx ends, reconnecting with exponential backoff
// whenever the broker goes away.
func (c *Client) Consume(ctx context.Context, queue string, prefetch int, h Handler) error {
	backoff := time.Second
	for {
		conn, err := amqp.Dial(c.url)
		if err != nil {
			c.log.Warn("broker dial failed", zap.String("queue", queue), zap.Duration("retry_in", backoff), zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			if backoff < c.maxBackoff {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		err = c.consumeLoop(ctx, conn, queue, prefetch, h)
		_ = conn.Close()
		if ctx.Err() != nil {
			return nil
		}
		c.log.Warn("broker consume loop ended, reconnecting", zap.String("queue", queue), zap.Error(err))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(2 * time.Second):
		}
	}
}

func (c *Client) consumeLoop(ctx context.Context, conn *amqp.Connection, queue string, prefetch int, h Handler) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel open: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if prefetch > 0 {
		if err := ch.Qos(prefetch, 0, false); err != nil {
			c.log.Warn("broker qos failed", zap.Error(err))
		}
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("queue declare: %w", err)
	}
	msgs, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("queue consume: %w", err)
	}
	c.log.Info("broker consumer started", zap.String("queue", queue))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-msgs:
			if !ok {
				return errors.New("deliveries channel closed")
			}
			c.handle(ctx, queue, d, h)
		}
	}
}

func (c *Client) handle(ctx context.Context, queue string, d amqp.Delivery, h Handler) {
	err := h(ctx, d.Body)
	switch {
	case err == nil:
		_ = d.Ack(false)
	case errors.Is(err, ErrPermanent):
		c.log.Warn("broker message dropped", zap.String("queue", queue), zap.Error(err))
		_ = d.Nack(false, false)
	default:
		c.log.Warn("broker message requeued", zap.String("queue", queue), zap.Bool("redelivered", d.Redelivered), zap.Error(err))
		// a message that already failed once is dropped to avoid a hot loop
		_ = d.Nack(false, !d.Redelivered)
	}
}

// Close releases the publishing connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reset()
	return nil
}
