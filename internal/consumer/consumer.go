// Package consumer implements the governed control loop: pull records from
// the queue, dispatch them to the worker pool, dead-letter stuck or invalid
// work, and throttle the pull rate with the governor's recommendation.
//
// One goroutine runs the loop and is the only caller of queue protocol
// operations; transport clients are generally not safe for concurrent use, so
// this single-writer discipline is a correctness requirement.
package consumer

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/entityworks/recordpump/internal/clock"
	"github.com/entityworks/recordpump/internal/engine"
	"github.com/entityworks/recordpump/internal/metrics"
	"github.com/entityworks/recordpump/internal/pool"
	"github.com/entityworks/recordpump/internal/publisher"
	"github.com/entityworks/recordpump/internal/queue"
)

// Governor recommends a pause before pulling more work. Negative means hard
// pause, zero means proceed.
type Governor interface {
	Govern(ctx context.Context) (time.Duration, error)
}

// Config tunes the control loop.
type Config struct {
	// WithInfo requests an info payload from the engine per record.
	WithInfo bool
	// PollTimeout bounds the harvest wait for the first completed task.
	PollTimeout time.Duration
	// LongRunning is the age T at which an in-flight task is reported as
	// still processing; at 2T its message is dead-lettered. The stuck sweep
	// runs at most once per T/2.
	LongRunning time.Duration
	// IdleSleep is the pause taken when the queue is empty and nothing is
	// in flight.
	IdleSleep time.Duration
	// RateInterval is the processed-count period for throughput reports.
	RateInterval int64
	// StatsInterval is the processed-count period for engine stats dumps.
	StatsInterval int64
	// CloseGrace bounds how long shutdown waits for the pool to drain.
	CloseGrace time.Duration
}

func (c *Config) applyDefaults() {
	if c.PollTimeout <= 0 {
		c.PollTimeout = 10 * time.Second
	}
	if c.LongRunning <= 0 {
		c.LongRunning = 5 * time.Minute
	}
	if c.IdleSleep <= 0 {
		c.IdleSleep = 100 * time.Millisecond
	}
	if c.RateInterval <= 0 {
		c.RateInterval = 10_000
	}
	if c.StatsInterval <= 0 {
		c.StatsInterval = 100_000
	}
	if c.CloseGrace <= 0 {
		c.CloseGrace = 5 * time.Second
	}
}

// inFlightTask tracks one submitted record until its message is terminated.
// A message is acknowledged or rejected exactly once; the rejected flag
// guards double action between the sweep path and the harvest path.
type inFlightTask struct {
	delivery    queue.Delivery
	submittedAt time.Time
	rejected    bool
}

// Consumer ties the broker, pool, governor, engine and publisher together.
type Consumer struct {
	broker    queue.Broker
	pool      *pool.Pool
	governor  Governor
	engine    engine.Engine
	publisher publisher.Publisher
	cfg       Config
	logger    *zap.Logger
	clock     clock.Clock

	// inFlight is owned exclusively by the control goroutine.
	inFlight  map[pool.TaskID]*inFlightTask
	processed int64
	rateMark  time.Time
	nextSweep time.Time
}

// New wires a Consumer. The pool's capacity bounds the in-flight set.
func New(
	broker queue.Broker,
	p *pool.Pool,
	gov Governor,
	eng engine.Engine,
	pub publisher.Publisher,
	cfg Config,
	logger *zap.Logger,
	clk clock.Clock,
) *Consumer {
	metrics.Init()
	cfg.applyDefaults()
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &Consumer{
		broker:    broker,
		pool:      p,
		governor:  gov,
		engine:    eng,
		publisher: pub,
		cfg:       cfg,
		logger:    logger,
		clock:     clk,
		inFlight:  make(map[pool.TaskID]*inFlightTask),
		rateMark:  clk.Now(),
	}
}

// Run blocks, driving the control loop until a fatal condition or context
// cancellation. It always returns a non-nil error; the process exit status is
// the orchestrator's restart signal.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("consumer started",
		zap.Int("capacity", c.pool.Capacity()),
		zap.Bool("with_info", c.cfg.WithInfo),
	)
	for {
		select {
		case <-ctx.Done():
			return c.shutdown(ctx.Err())
		default:
		}

		if err := c.harvest(ctx); err != nil {
			return c.shutdown(err)
		}
		if err := c.sweep(); err != nil {
			return c.shutdown(err)
		}

		wait, err := c.governor.Govern(ctx)
		if err != nil {
			return c.shutdown(err)
		}
		if wait < 0 {
			// Hard pause: service the protocol only, pull nothing.
			if err := c.broker.Tick(ctx, time.Second); err != nil {
				return c.shutdown(err)
			}
			continue
		}
		if wait > 0 {
			if err := c.broker.Tick(ctx, wait); err != nil {
				return c.shutdown(err)
			}
		}

		if len(c.inFlight) >= c.pool.Capacity() {
			if err := c.broker.Tick(ctx, 0); err != nil {
				return c.shutdown(err)
			}
			continue
		}

		if err := c.pull(ctx); err != nil {
			return c.shutdown(err)
		}
	}
}

// harvest waits up to the poll timeout for completed tasks and terminates
// each one's message exactly once.
func (c *Consumer) harvest(ctx context.Context) error {
	if len(c.inFlight) == 0 {
		return nil
	}
	for _, id := range c.pool.PollCompleted(ctx, c.cfg.PollTimeout) {
		task, ok := c.inFlight[id]
		if !ok {
			c.logger.Error("completed task has no in-flight entry", zap.Uint64("task", uint64(id)))
			continue
		}
		if err := c.settle(ctx, id, task); err != nil {
			return err
		}
		delete(c.inFlight, id)
		metrics.SetInFlight(len(c.inFlight))
		c.processed++
		c.reportProgress(ctx)
	}
	return nil
}

func (c *Consumer) settle(ctx context.Context, id pool.TaskID, task *inFlightTask) error {
	payload, err := c.pool.Result(id)
	if err != nil {
		kind := engine.KindOf(err)
		switch kind {
		case engine.KindTransientTimeout, engine.KindInvalidInput:
			c.logger.Warn("dead-lettering record",
				zap.Uint64("tag", task.delivery.Tag),
				zap.String("reason", kind.String()),
				zap.Error(err),
			)
			if !task.rejected {
				if rejErr := c.broker.Reject(task.delivery.Tag); rejErr != nil {
					return fmt.Errorf("reject message: %w", rejErr)
				}
				metrics.ObserveDeadLetter(kind.String())
			}
			metrics.ObserveProcessed(kind.String())
			return nil
		default:
			return fmt.Errorf("record processing failed: %w", err)
		}
	}

	if payload != "" {
		if pubErr := c.publisher.Publish(ctx, []byte(payload)); pubErr != nil {
			return fmt.Errorf("publish with-info payload: %w", pubErr)
		}
	}
	if !task.rejected {
		if ackErr := c.broker.Ack(task.delivery.Tag); ackErr != nil {
			return fmt.Errorf("ack message: %w", ackErr)
		}
	}
	metrics.ObserveProcessed("success")
	return nil
}

func (c *Consumer) reportProgress(ctx context.Context) {
	if c.processed%c.cfg.RateInterval == 0 {
		now := c.clock.Now()
		elapsed := now.Sub(c.rateMark)
		if elapsed > 0 {
			c.logger.Info("throughput",
				zap.Int64("processed", c.processed),
				zap.Int64("records_per_second", int64(float64(c.cfg.RateInterval)/elapsed.Seconds())),
			)
		}
		c.rateMark = now
	}
	if c.processed%c.cfg.StatsInterval == 0 {
		stats, err := c.engine.Stats(ctx)
		if err != nil {
			c.logger.Warn("engine stats unavailable", zap.Error(err))
			return
		}
		c.logger.Info("engine stats", zap.String("stats", stats))
	}
}

// sweep dead-letters tasks older than 2T, reports tasks older than T and
// keeps the transport alive when rejected work saturates the prefetch
// window. It runs at most once per T/2.
func (c *Consumer) sweep() error {
	now := c.clock.Now()
	if now.Before(c.nextSweep) {
		return nil
	}
	c.nextSweep = now.Add(c.cfg.LongRunning / 2)

	var stuck, rejectedIncomplete int
	for id, task := range c.inFlight {
		age := now.Sub(task.submittedAt)
		if age > 2*c.cfg.LongRunning && !task.rejected {
			rec := bestEffortRecord(task.delivery.Body)
			c.logger.Warn("dead-lettering stuck task without waiting for completion",
				zap.Uint64("task", uint64(id)),
				zap.String("data_source", rec.DataSource),
				zap.String("record_id", rec.RecordID),
				zap.Duration("age", age),
			)
			if err := c.broker.Reject(task.delivery.Tag); err != nil {
				return fmt.Errorf("reject stuck message: %w", err)
			}
			task.rejected = true
			metrics.ObserveDeadLetter("stuck")
		}
		if age > c.cfg.LongRunning {
			stuck++
			c.logger.Warn("task still processing",
				zap.Uint64("task", uint64(id)),
				zap.Duration("age", age),
				zap.Bool("rejected", task.rejected),
			)
		}
		if task.rejected {
			rejectedIncomplete++
		}
	}

	if stuck > 0 && stuck >= c.pool.Capacity() {
		c.logger.Warn("all workers appear wedged", zap.Int("stuck", stuck))
	}
	if rejectedIncomplete > 0 && rejectedIncomplete >= c.pool.Capacity() {
		c.logger.Warn("recovering unacknowledged messages to avoid prefetch starvation",
			zap.Int("rejected_incomplete", rejectedIncomplete))
		if err := c.broker.Recover(); err != nil {
			return fmt.Errorf("recover unacked messages: %w", err)
		}
	}
	return nil
}

// pull fetches messages until the pool is full or the queue is empty.
func (c *Consumer) pull(ctx context.Context) error {
	for len(c.inFlight) < c.pool.Capacity() {
		delivery, ok, err := c.broker.Get(ctx)
		if err != nil {
			return fmt.Errorf("fetch message: %w", err)
		}
		if !ok {
			if len(c.inFlight) == 0 {
				if err := c.broker.Tick(ctx, c.cfg.IdleSleep); err != nil {
					return err
				}
			}
			return nil
		}
		id := c.pool.Submit(c.processTask(delivery.Body))
		c.inFlight[id] = &inFlightTask{
			delivery:    delivery,
			submittedAt: c.clock.Now(),
		}
		metrics.SetInFlight(len(c.inFlight))
	}
	return nil
}

// processTask builds the record-processing call run inside the pool. The
// engine call is the only work that happens off the control goroutine.
func (c *Consumer) processTask(body []byte) pool.Task {
	return func(ctx context.Context) (string, error) {
		start := time.Now()
		rec, err := engine.ParseRecord(body)
		if err != nil {
			metrics.ObserveEngineCall(engine.KindOf(err).String(), time.Since(start))
			return "", err
		}
		var payload string
		if c.cfg.WithInfo {
			payload, err = c.engine.AddRecordWithInfo(ctx, rec, body)
		} else {
			err = c.engine.AddRecord(ctx, rec, body)
		}
		outcome := "success"
		if err != nil {
			outcome = engine.KindOf(err).String()
		}
		metrics.ObserveEngineCall(outcome, time.Since(start))
		return payload, err
	}
}

// shutdown logs every incomplete in-flight task for operator-driven
// recovery, drains the pool and closes the transport. It returns cause so
// the process exits non-zero; restart is an orchestrator responsibility.
func (c *Consumer) shutdown(cause error) error {
	c.logger.Error("consumer shutting down", zap.Error(cause))
	now := c.clock.Now()
	for id, task := range c.inFlight {
		rec := bestEffortRecord(task.delivery.Body)
		c.logger.Error("still processing at shutdown",
			zap.Uint64("task", uint64(id)),
			zap.String("data_source", rec.DataSource),
			zap.String("record_id", rec.RecordID),
			zap.Duration("age", now.Sub(task.submittedAt)),
			zap.Bool("rejected", task.rejected),
		)
	}
	c.pool.Close(c.cfg.CloseGrace)
	if err := c.broker.Close(); err != nil {
		c.logger.Error("close broker", zap.Error(err))
	}
	c.logger.Info("processed total", zap.Int64("records", c.processed))
	return cause
}

func bestEffortRecord(body []byte) engine.Record {
	rec, err := engine.ParseRecord(body)
	if err != nil {
		return engine.Record{}
	}
	return rec
}
