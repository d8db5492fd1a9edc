// Package amqp implements the queue.Broker contract over RabbitMQ.
package amqp

import (
	"context"
	"fmt"
	"time"

	amqp091 "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/entityworks/recordpump/internal/queue"
)

// Config identifies the broker and source queue.
type Config struct {
	URL string
	// Queue must already exist; it is declared passively.
	Queue string
	// Prefetch bounds unacknowledged deliveries; set it to the worker pool
	// capacity so every worker has one record staged.
	Prefetch int
}

// Broker is a RabbitMQ-backed queue.Broker. It is not safe for concurrent
// use; the consumer's single-writer discipline is a correctness requirement.
type Broker struct {
	conn    *amqp091.Connection
	channel *amqp091.Channel
	queue   string
	logger  *zap.Logger
	closes  chan *amqp091.Error
}

// Dial connects, opens a channel, verifies the queue exists and applies the
// prefetch window.
func Dial(cfg Config, logger *zap.Logger) (*Broker, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("queue url is required")
	}
	if cfg.Queue == "" {
		return nil, fmt.Errorf("queue name is required")
	}
	conn, err := amqp091.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if _, err := channel.QueueDeclarePassive(cfg.Queue, true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("queue %q does not exist: %w", cfg.Queue, err)
	}
	if cfg.Prefetch > 0 {
		if err := channel.Qos(cfg.Prefetch, 0, false); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("set prefetch: %w", err)
		}
	}
	b := &Broker{
		conn:    conn,
		channel: channel,
		queue:   cfg.Queue,
		logger:  logger,
		closes:  conn.NotifyClose(make(chan *amqp091.Error, 1)),
	}
	logger.Info("connected to amqp broker", zap.String("queue", cfg.Queue), zap.Int("prefetch", cfg.Prefetch))
	return b, nil
}

// Get attempts a non-blocking basic.get from the source queue.
func (b *Broker) Get(ctx context.Context) (queue.Delivery, bool, error) {
	if err := b.fatalErr(ctx); err != nil {
		return queue.Delivery{}, false, err
	}
	msg, ok, err := b.channel.Get(b.queue, false)
	if err != nil {
		return queue.Delivery{}, false, fmt.Errorf("basic.get: %w", err)
	}
	if !ok {
		return queue.Delivery{}, false, nil
	}
	return queue.Delivery{
		Tag:       msg.DeliveryTag,
		MessageID: msg.MessageId,
		Body:      msg.Body,
	}, true, nil
}

// Ack acknowledges a single delivery.
func (b *Broker) Ack(tag uint64) error {
	if err := b.channel.Ack(tag, false); err != nil {
		return fmt.Errorf("basic.ack %d: %w", tag, err)
	}
	return nil
}

// Reject dead-letters a delivery without requeue.
func (b *Broker) Reject(tag uint64) error {
	if err := b.channel.Reject(tag, false); err != nil {
		return fmt.Errorf("basic.reject %d: %w", tag, err)
	}
	return nil
}

// Recover redelivers all unacknowledged messages on this channel.
func (b *Broker) Recover() error {
	if err := b.channel.Recover(true); err != nil {
		return fmt.Errorf("basic.recover: %w", err)
	}
	return nil
}

// Tick waits out d while staying responsive to cancellation and asynchronous
// connection failure. The amqp091 client services heartbeats and control
// frames on its own goroutines, so no explicit protocol pump is needed here.
func (b *Broker) Tick(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return b.fatalErr(ctx)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case amqpErr := <-b.closes:
		if amqpErr == nil {
			return fmt.Errorf("amqp connection closed")
		}
		return fmt.Errorf("amqp connection closed: %w", amqpErr)
	case <-timer.C:
		return nil
	}
}

func (b *Broker) fatalErr(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case amqpErr := <-b.closes:
		if amqpErr == nil {
			return fmt.Errorf("amqp connection closed")
		}
		return fmt.Errorf("amqp connection closed: %w", amqpErr)
	default:
		return nil
	}
}

// Close tears down the channel and connection.
func (b *Broker) Close() error {
	if b.conn.IsClosed() {
		return nil
	}
	if err := b.conn.Close(); err != nil {
		return fmt.Errorf("close amqp connection: %w", err)
	}
	b.logger.Info("amqp broker closed")
	return nil
}
