// Package governor converts a sampled datastore congestion signal into a
// recommended pause duration for admission control.
//
// Govern is cheap on most calls: only one caller in check_interval calls (or
// one per check time interval, whichever comes first) pays for a sampling
// pass against the monitored targets. Callers sharing one Governor may invoke
// Govern concurrently.
package governor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/entityworks/recordpump/internal/clock"
	"github.com/entityworks/recordpump/internal/metrics"
	"github.com/entityworks/recordpump/internal/watermark"
)

// HardPause is returned when the congestion ratio exceeds the top step:
// callers must stop pulling work entirely and re-consult later rather than
// estimate a finite wait.
const HardPause = -1 * time.Second

// DefaultCheckInterval is the sampling call-count period used when a caller
// leaves CheckInterval unset.
const DefaultCheckInterval = 100_000

// Step maps a congestion ratio threshold to a wait duration. A negative wait
// is the hard-pause sentinel.
type Step struct {
	Threshold float64
	Wait      time.Duration
}

// DefaultSteps is the static backoff ladder. More steps can be added or times
// changed to fit required throughput characteristics.
var DefaultSteps = []Step{
	{1.0, HardPause},
	{0.8, 100 * time.Second},
	{0.4, 10 * time.Second},
	{0.2, time.Second},
	{0.1, 100 * time.Millisecond},
	{0.0, 10 * time.Millisecond},
}

// Config tunes the Governor.
type Config struct {
	HighWatermark     int64
	LowWatermark      int64
	CheckInterval     int64
	CheckTimeInterval time.Duration
	LogInterval       time.Duration
	Hint              string
	Steps             []Step
}

// Governor owns a set of watermark samplers and recommends pause durations.
type Governor struct {
	cfg      Config
	samplers []watermark.Sampler
	logger   *zap.Logger
	clock    clock.Clock
	logEvery *rate.Limiter

	counter   atomic.Int64
	lastWait  atomic.Int64 // nanoseconds
	nextCheck atomic.Int64 // unix nanoseconds

	mu     sync.Mutex // serializes the check-and-sample branch and Close
	closed bool
}

// New builds a Governor monitoring every parseable DSN in the separated list.
// An unparseable or non-postgres DSN is skipped with a warning, degrading
// monitoring coverage for that target; an unreachable target is fatal.
func New(ctx context.Context, cfg Config, databaseURLs, separator string, logger *zap.Logger, clk clock.Clock) (*Governor, error) {
	var samplers []watermark.Sampler
	for _, dsn := range strings.Split(databaseURLs, separator) {
		dsn = strings.TrimSpace(dsn)
		if dsn == "" {
			continue
		}
		sampler, err := watermark.NewPostgresSampler(ctx, dsn)
		if err != nil {
			var cfgErr *watermark.ConfigError
			if errors.As(err, &cfgErr) {
				logger.Warn("governor skipping unusable target", zap.String("dsn", cfgErr.DSN), zap.Error(cfgErr.Err))
				continue
			}
			for _, s := range samplers {
				s.Close()
			}
			return nil, fmt.Errorf("governor target %s: %w", watermark.Redact(dsn), err)
		}
		logger.Info("governor monitoring target", zap.String("target", sampler.Target()))
		samplers = append(samplers, sampler)
	}
	g, err := NewWithSamplers(cfg, samplers, logger, clk)
	if err != nil {
		for _, s := range samplers {
			s.Close()
		}
		return nil, err
	}
	return g, nil
}

// NewWithSamplers builds a Governor over pre-constructed samplers. The step
// ladder must satisfy ValidateSteps; a non-positive CheckInterval falls back
// to DefaultCheckInterval.
func NewWithSamplers(cfg Config, samplers []watermark.Sampler, logger *zap.Logger, clk clock.Clock) (*Governor, error) {
	metrics.Init()
	if len(cfg.Steps) == 0 {
		cfg.Steps = DefaultSteps
	}
	if err := ValidateSteps(cfg.Steps); err != nil {
		return nil, fmt.Errorf("governor steps: %w", err)
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = DefaultCheckInterval
	}
	if clk == nil {
		clk = clock.NewSystem()
	}
	every := rate.Inf
	if cfg.LogInterval > 0 {
		every = rate.Every(cfg.LogInterval)
	}
	g := &Governor{
		cfg:      cfg,
		samplers: samplers,
		logger:   logger,
		clock:    clk,
		logEvery: rate.NewLimiter(every, 1),
	}
	g.nextCheck.Store(clk.Now().Add(cfg.CheckTimeInterval).UnixNano())
	logger.Info("governor configured",
		zap.Int64("high_watermark", cfg.HighWatermark),
		zap.Int64("low_watermark", cfg.LowWatermark),
		zap.Int64("check_interval", cfg.CheckInterval),
		zap.Duration("check_time_interval", cfg.CheckTimeInterval),
		zap.String("hint", cfg.Hint),
		zap.Int("targets", len(samplers)),
	)
	return g, nil
}

// Govern returns the recommended pause before pulling more work. Zero means
// proceed, a positive duration means sleep that long first, and a negative
// duration means hard pause. A sampling failure is fatal for the caller.
func (g *Governor) Govern(ctx context.Context) (time.Duration, error) {
	n := g.counter.Add(1)
	if !g.checkDue(n) {
		return time.Duration(g.lastWait.Load()), nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	// Another caller may have completed a sampling pass while this one waited
	// for the lock; concurrent callers must not each trigger a sample.
	if !g.checkDue(n) {
		return time.Duration(g.lastWait.Load()), nil
	}
	g.nextCheck.Store(g.clock.Now().Add(g.cfg.CheckTimeInterval).UnixNano())

	worst, sampled, err := g.sampleWorst(ctx)
	if err != nil {
		return 0, err
	}
	if !sampled {
		return time.Duration(g.lastWait.Load()), nil
	}

	wait := g.waitFor(worst)
	prev := time.Duration(g.lastWait.Load())
	if wait == 0 {
		if prev != 0 {
			g.logger.Info("governor delay ended, returning to no wait")
		}
	} else if wait != prev || g.logEvery.Allow() {
		g.logger.Info("governor throttling pulls",
			zap.Duration("wait", wait),
			zap.String("target", worst.Target),
			zap.String("relation", worst.Relation),
			zap.Int64("value", worst.Value),
			zap.Int64("low_watermark", g.cfg.LowWatermark),
		)
	}
	g.lastWait.Store(int64(wait))
	metrics.SetGovernorWait(wait)
	return wait, nil
}

func (g *Governor) checkDue(n int64) bool {
	return n%g.cfg.CheckInterval == 0 || g.clock.Now().UnixNano() >= g.nextCheck.Load()
}

// sampleWorst fetches a fresh sample from every target and keeps the one with
// the highest congestion ratio, so the most congested database sets the pace.
func (g *Governor) sampleWorst(ctx context.Context) (watermark.Sample, bool, error) {
	var (
		worst   watermark.Sample
		sampled bool
	)
	for _, s := range g.samplers {
		sample, err := s.Sample(ctx)
		if err != nil {
			return watermark.Sample{}, false, fmt.Errorf("govern: %w", err)
		}
		metrics.SetWatermark(sample.Target, sample.Value)
		if g.logEvery.Allow() {
			g.logger.Info("governor checked transaction id age",
				zap.String("target", sample.Target),
				zap.String("relation", sample.Relation),
				zap.Int64("value", sample.Value),
				zap.String("size", sample.Size),
				zap.Int64("high_watermark", g.cfg.HighWatermark),
			)
		}
		if !sampled || g.ratio(sample.Value) > g.ratio(worst.Value) {
			worst = sample
			sampled = true
		}
	}
	return worst, sampled, nil
}

func (g *Governor) ratio(value int64) float64 {
	return float64(value-g.cfg.LowWatermark) / float64(g.cfg.HighWatermark-g.cfg.LowWatermark)
}

// waitFor scans the step ladder in descending-threshold order and returns the
// wait of the first step whose threshold the ratio exceeds. The boundary is
// exclusive: a ratio exactly at a threshold falls to the next lower step.
func (g *Governor) waitFor(sample watermark.Sample) time.Duration {
	if sample.Value <= g.cfg.LowWatermark {
		return 0
	}
	ratio := g.ratio(sample.Value)
	for _, step := range g.cfg.Steps {
		if ratio > step.Threshold {
			return step.Wait
		}
	}
	return 0
}

// Close releases every target's connection. It is idempotent; Govern must not
// be called afterwards.
func (g *Governor) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return
	}
	for _, s := range g.samplers {
		s.Close()
	}
	g.closed = true
	g.logger.Info("governor closed")
}

// ValidateSteps checks that a ladder is strictly descending, ends at zero and
// carries at most one hard-pause sentinel.
func ValidateSteps(steps []Step) error {
	if len(steps) == 0 {
		return fmt.Errorf("steps must not be empty")
	}
	sentinels := 0
	for i, step := range steps {
		if i > 0 && step.Threshold >= steps[i-1].Threshold {
			return fmt.Errorf("step thresholds must be strictly descending at index %d", i)
		}
		if step.Wait < 0 {
			sentinels++
		}
	}
	if steps[len(steps)-1].Threshold != 0 {
		return fmt.Errorf("last step threshold must be 0")
	}
	if sentinels > 1 {
		return fmt.Errorf("at most one step may carry the hard-pause sentinel")
	}
	return nil
}
