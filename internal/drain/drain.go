// Package drain empties a queue into a writer, one message body per line.
// It is the recovery path for dead-letter queues: pull everything, persist
// it, and leave the queue empty for the next run.
package drain

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/entityworks/recordpump/internal/clock"
	"github.com/entityworks/recordpump/internal/queue"
	"github.com/entityworks/recordpump/internal/storage"
)

// Config tunes the drain loop.
type Config struct {
	// InactivityTimeout ends the drain after the queue stays empty this long.
	InactivityTimeout time.Duration
	// RateInterval is the message-count period for throughput reports.
	RateInterval int64
	// PollSleep is the pause between polls while the queue is empty.
	PollSleep time.Duration
}

func (c *Config) applyDefaults() {
	if c.InactivityTimeout <= 0 {
		c.InactivityTimeout = time.Second
	}
	if c.RateInterval <= 0 {
		c.RateInterval = 1_000
	}
	if c.PollSleep <= 0 {
		c.PollSleep = 50 * time.Millisecond
	}
}

// Drainer pulls every message off a queue and writes it out.
type Drainer struct {
	broker queue.Broker
	cfg    Config
	logger *zap.Logger
	clock  clock.Clock
}

// New wires a Drainer.
func New(broker queue.Broker, cfg Config, logger *zap.Logger, clk clock.Clock) *Drainer {
	cfg.applyDefaults()
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &Drainer{broker: broker, cfg: cfg, logger: logger, clock: clk}
}

// Run drains messages into w until the queue has been empty for the
// inactivity timeout, acknowledging each message only after its line has been
// written. It returns the number of messages drained.
func (d *Drainer) Run(ctx context.Context, w io.Writer) (int64, error) {
	var count int64
	lastActivity := d.clock.Now()
	rateMark := lastActivity

	for {
		if err := ctx.Err(); err != nil {
			return count, err
		}

		delivery, ok, err := d.broker.Get(ctx)
		if err != nil {
			return count, fmt.Errorf("fetch message: %w", err)
		}
		if !ok {
			if d.clock.Now().Sub(lastActivity) > d.cfg.InactivityTimeout {
				d.logger.Info("queue idle, drain complete", zap.Int64("messages", count))
				return count, nil
			}
			if err := d.broker.Tick(ctx, d.cfg.PollSleep); err != nil {
				return count, err
			}
			continue
		}

		if _, err := w.Write(append(delivery.Body, '\n')); err != nil {
			return count, fmt.Errorf("write message %s: %w", delivery.MessageID, err)
		}
		if err := d.broker.Ack(delivery.Tag); err != nil {
			return count, fmt.Errorf("ack message %s: %w", delivery.MessageID, err)
		}

		count++
		lastActivity = d.clock.Now()
		if count%d.cfg.RateInterval == 0 {
			now := d.clock.Now()
			elapsed := now.Sub(rateMark)
			if elapsed > 0 {
				d.logger.Info("draining",
					zap.Int64("messages", count),
					zap.Int64("messages_per_second", int64(float64(d.cfg.RateInterval)/elapsed.Seconds())),
				)
			}
			rateMark = now
		}
	}
}

// OpenOutput opens the drain output file for appending, creating it if
// needed. Re-running a drain against the same file must keep previously
// drained messages.
func OpenOutput(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open output file: %w", err)
	}
	return f, nil
}

// Archive uploads a drained output file under prefix and returns its URI.
func Archive(ctx context.Context, store storage.BlobStore, file, prefix, contentType string) (string, error) {
	f, err := os.Open(file)
	if err != nil {
		return "", fmt.Errorf("open drained output: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()
	return store.Put(ctx, path.Join(prefix, filepath.Base(file)), contentType, f)
}
