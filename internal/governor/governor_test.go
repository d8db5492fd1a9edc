package governor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/entityworks/recordpump/internal/watermark"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0).UTC()}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeSampler struct {
	mu     sync.Mutex
	values []int64
	calls  int
	err    error
	closed bool
}

func (s *fakeSampler) Sample(context.Context) (watermark.Sample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return watermark.Sample{}, s.err
	}
	idx := s.calls
	if idx >= len(s.values) {
		idx = len(s.values) - 1
	}
	s.calls++
	return watermark.Sample{
		Target:   "db1/g2",
		Relation: "public.dsrc_record",
		Value:    s.values[idx],
		At:       time.Now(),
	}, nil
}

func (s *fakeSampler) Target() string { return "db1/g2" }

func (s *fakeSampler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *fakeSampler) sampleCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func testConfig() Config {
	return Config{
		HighWatermark:     1_500_000_000,
		LowWatermark:      1_200_000_000,
		CheckInterval:     1,
		CheckTimeInterval: time.Hour,
		LogInterval:       time.Hour,
	}
}

func newTestGovernor(t *testing.T, cfg Config, samplers []watermark.Sampler, clk *fakeClock) *Governor {
	t.Helper()
	g, err := NewWithSamplers(cfg, samplers, zap.NewNop(), clk)
	require.NoError(t, err)
	return g
}

func TestWaitForStepFunction(t *testing.T) {
	t.Parallel()

	g := newTestGovernor(t, testConfig(), nil, newFakeClock())

	cases := []struct {
		name  string
		value int64
		want  time.Duration
	}{
		{"at low watermark", 1_200_000_000, 0},
		{"below low watermark", 900_000_000, 0},
		{"mid ladder", 1_400_000_000, 10 * time.Second}, // ratio 0.667
		{"at high watermark", 1_500_000_000, 100 * time.Second},
		{"exactly at threshold falls to lower step", 1_320_000_000, time.Second}, // ratio 0.4 exactly
		{"just above low", 1_215_000_000, 10 * time.Millisecond},                 // ratio 0.05
		{"beyond high watermark", 1_800_000_000, HardPause},                      // ratio 2.0
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := g.waitFor(watermark.Sample{Value: tc.value})
			require.Equal(t, tc.want, got)
		})
	}
}

func TestGovernSamplesOnlyWhenDue(t *testing.T) {
	t.Parallel()

	sampler := &fakeSampler{values: []int64{1_000_000_000}}
	cfg := testConfig()
	cfg.CheckInterval = 5
	g := newTestGovernor(t, cfg, []watermark.Sampler{sampler}, newFakeClock())

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		wait, err := g.Govern(ctx)
		require.NoError(t, err)
		require.Equal(t, time.Duration(0), wait)
	}
	require.Equal(t, 0, sampler.sampleCount())

	_, err := g.Govern(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, sampler.sampleCount())
}

func TestGovernSamplesWhenCheckTimeElapses(t *testing.T) {
	t.Parallel()

	sampler := &fakeSampler{values: []int64{1_000_000_000}}
	cfg := testConfig()
	cfg.CheckInterval = 1_000_000
	cfg.CheckTimeInterval = 5 * time.Second
	clk := newFakeClock()
	g := newTestGovernor(t, cfg, []watermark.Sampler{sampler}, clk)

	ctx := context.Background()
	_, err := g.Govern(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, sampler.sampleCount())

	clk.Advance(6 * time.Second)
	_, err = g.Govern(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, sampler.sampleCount())

	// Within the new window the cheap path is taken again.
	_, err = g.Govern(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, sampler.sampleCount())
}

func TestGovernDelayEndsWhenWatermarkDrains(t *testing.T) {
	t.Parallel()

	sampler := &fakeSampler{values: []int64{1_400_000_000, 1_100_000_000}}
	g := newTestGovernor(t, testConfig(), []watermark.Sampler{sampler}, newFakeClock())

	ctx := context.Background()
	wait, err := g.Govern(ctx)
	require.NoError(t, err)
	require.Equal(t, 10*time.Second, wait)

	wait, err = g.Govern(ctx)
	require.NoError(t, err)
	require.Equal(t, time.Duration(0), wait)
}

func TestGovernTakesWorstTarget(t *testing.T) {
	t.Parallel()

	healthy := &fakeSampler{values: []int64{1_000_000_000}}
	congested := &fakeSampler{values: []int64{1_500_000_000}}
	g := newTestGovernor(t, testConfig(), []watermark.Sampler{healthy, congested}, newFakeClock())

	wait, err := g.Govern(context.Background())
	require.NoError(t, err)
	require.Equal(t, 100*time.Second, wait)
}

func TestGovernHardPause(t *testing.T) {
	t.Parallel()

	sampler := &fakeSampler{values: []int64{1_900_000_000}}
	g := newTestGovernor(t, testConfig(), []watermark.Sampler{sampler}, newFakeClock())

	wait, err := g.Govern(context.Background())
	require.NoError(t, err)
	require.Negative(t, wait)
}

func TestGovernSampleFailureIsFatal(t *testing.T) {
	t.Parallel()

	sampler := &fakeSampler{err: errors.New("server closed the connection unexpectedly")}
	g := newTestGovernor(t, testConfig(), []watermark.Sampler{sampler}, newFakeClock())

	_, err := g.Govern(context.Background())
	require.Error(t, err)
}

func TestGovernCounterIsGaplessUnderContention(t *testing.T) {
	t.Parallel()

	sampler := &fakeSampler{values: []int64{1_000_000_000}}
	cfg := testConfig()
	cfg.CheckInterval = 10
	g := newTestGovernor(t, cfg, []watermark.Sampler{sampler}, newFakeClock())

	const callers = 50
	const perCaller = 40
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perCaller; j++ {
				if _, err := g.Govern(context.Background()); err != nil {
					t.Errorf("Govern() error = %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	require.Equal(t, int64(callers*perCaller), g.counter.Load())
	// Sampling is bounded by the check interval, not by caller count.
	require.LessOrEqual(t, sampler.sampleCount(), callers*perCaller/int(cfg.CheckInterval))
	require.Positive(t, sampler.sampleCount())
}

func TestCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	sampler := &fakeSampler{values: []int64{1_000_000_000}}
	g := newTestGovernor(t, testConfig(), []watermark.Sampler{sampler}, newFakeClock())

	g.Close()
	g.Close()
	require.True(t, sampler.closed)
}

func TestNewWithSamplersRejectsInvalidSteps(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Steps = []Step{{0.2, time.Second}, {0.4, time.Second}, {0, 0}}

	_, err := NewWithSamplers(cfg, nil, zap.NewNop(), newFakeClock())
	require.ErrorContains(t, err, "strictly descending")
}

func TestNewWithSamplersDefaultsCheckInterval(t *testing.T) {
	t.Parallel()

	sampler := &fakeSampler{values: []int64{1_000_000_000}}
	cfg := testConfig()
	cfg.CheckInterval = 0
	g := newTestGovernor(t, cfg, []watermark.Sampler{sampler}, newFakeClock())

	wait, err := g.Govern(context.Background())
	require.NoError(t, err)
	require.Equal(t, time.Duration(0), wait)
	require.Equal(t, int64(DefaultCheckInterval), g.cfg.CheckInterval)
}

func TestValidateSteps(t *testing.T) {
	t.Parallel()

	require.NoError(t, ValidateSteps(DefaultSteps))

	cases := []struct {
		name  string
		steps []Step
	}{
		{"empty", nil},
		{"ascending", []Step{{0.2, time.Second}, {0.4, time.Second}, {0, 0}}},
		{"missing catch-all", []Step{{0.4, time.Second}, {0.2, time.Second}}},
		{"two sentinels", []Step{{1.0, HardPause}, {0.5, HardPause}, {0, 0}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Error(t, ValidateSteps(tc.steps))
		})
	}
}
