package consumer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/entityworks/recordpump/internal/engine"
	"github.com/entityworks/recordpump/internal/pool"
	publishermemory "github.com/entityworks/recordpump/internal/publisher/memory"
	queuememory "github.com/entityworks/recordpump/internal/queue/memory"
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

type fakeGovernor struct {
	mu   sync.Mutex
	wait time.Duration
	err  error
}

func (g *fakeGovernor) Govern(context.Context) (time.Duration, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.wait, g.err
}

type fakeEngine struct {
	mu    sync.Mutex
	added []engine.Record
	info  string
	err   error
	block chan struct{}
}

func (e *fakeEngine) add(ctx context.Context, rec engine.Record) error {
	e.mu.Lock()
	block := e.block
	e.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return e.err
	}
	e.added = append(e.added, rec)
	return nil
}

func (e *fakeEngine) AddRecord(ctx context.Context, rec engine.Record, _ []byte) error {
	return e.add(ctx, rec)
}

func (e *fakeEngine) AddRecordWithInfo(ctx context.Context, rec engine.Record, _ []byte) (string, error) {
	if err := e.add(ctx, rec); err != nil {
		return "", err
	}
	return e.info, nil
}

func (e *fakeEngine) Stats(context.Context) (string, error) {
	return "{}", nil
}

func (e *fakeEngine) Close() error { return nil }

func (e *fakeEngine) addedCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.added)
}

type fixture struct {
	consumer  *Consumer
	broker    *queuememory.Broker
	engine    *fakeEngine
	publisher *publishermemory.Publisher
	governor  *fakeGovernor
	clock     *fakeClock
	pool      *pool.Pool
}

func newFixture(t *testing.T, capacity int, cfg Config) *fixture {
	t.Helper()
	broker := queuememory.NewBroker()
	eng := &fakeEngine{}
	pub := publishermemory.New()
	gov := &fakeGovernor{}
	clk := newFakeClock()
	p := pool.New(capacity)
	t.Cleanup(func() { p.Close(time.Second) })
	if cfg.PollTimeout == 0 {
		cfg.PollTimeout = 2 * time.Second
	}
	return &fixture{
		consumer:  New(broker, p, gov, eng, pub, cfg, zap.NewNop(), clk),
		broker:    broker,
		engine:    eng,
		publisher: pub,
		governor:  gov,
		clock:     clk,
		pool:      p,
	}
}

func record(id string) []byte {
	return []byte(`{"DATA_SOURCE":"CUSTOMERS","RECORD_ID":"` + id + `"}`)
}

func TestPullRespectsCapacity(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 2, Config{})
	f.broker.Publish(record("1"))
	f.broker.Publish(record("2"))
	f.broker.Publish(record("3"))

	require.NoError(t, f.consumer.pull(context.Background()))
	require.Len(t, f.consumer.inFlight, 2)
	require.Equal(t, 1, f.broker.Pending())
}

func TestInvalidInputIsDeadLetteredNeverAcked(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 2, Config{})
	f.broker.Publish([]byte("not-json"))

	ctx := context.Background()
	require.NoError(t, f.consumer.pull(ctx))
	require.NoError(t, f.consumer.harvest(ctx))

	require.Empty(t, f.consumer.inFlight)
	require.Len(t, f.broker.DeadLettered(), 1)
	require.Empty(t, f.broker.Acked())
}

func TestTransientTimeoutIsDeadLettered(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 1, Config{})
	f.engine.err = engine.NewError(engine.KindTransientTimeout, errors.New("budget exceeded"))
	f.broker.Publish(record("1"))

	ctx := context.Background()
	require.NoError(t, f.consumer.pull(ctx))
	require.NoError(t, f.consumer.harvest(ctx))

	require.Empty(t, f.consumer.inFlight)
	require.Len(t, f.broker.DeadLettered(), 1)
	require.Empty(t, f.broker.Acked())
}

func TestSuccessWithInfoPublishesAndAcks(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 1, Config{WithInfo: true})
	f.engine.info = `{"AFFECTED_ENTITIES":[{"ENTITY_ID":9}]}`
	f.broker.Publish(record("1"))

	ctx := context.Background()
	require.NoError(t, f.consumer.pull(ctx))
	require.NoError(t, f.consumer.harvest(ctx))

	require.Len(t, f.broker.Acked(), 1)
	require.Empty(t, f.broker.DeadLettered())
	payloads := f.publisher.Payloads()
	require.Len(t, payloads, 1)
	require.Contains(t, string(payloads[0]), "AFFECTED_ENTITIES")
	require.Equal(t, 1, f.engine.addedCount())
}

func TestSuccessWithoutInfoAcksQuietly(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 1, Config{})
	f.broker.Publish(record("1"))

	ctx := context.Background()
	require.NoError(t, f.consumer.pull(ctx))
	require.NoError(t, f.consumer.harvest(ctx))

	require.Len(t, f.broker.Acked(), 1)
	require.Empty(t, f.publisher.Payloads())
}

func TestStuckTaskIsSweptExactlyOnce(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 2, Config{LongRunning: time.Minute})
	f.engine.block = make(chan struct{})
	f.broker.Publish(record("1"))

	ctx := context.Background()
	require.NoError(t, f.consumer.pull(ctx))
	require.Len(t, f.consumer.inFlight, 1)

	// Past 2T the sweep dead-letters the message without waiting for the
	// wedged engine call.
	f.clock.Advance(3 * time.Minute)
	require.NoError(t, f.consumer.sweep())
	require.Len(t, f.broker.DeadLettered(), 1)
	for _, task := range f.consumer.inFlight {
		require.True(t, task.rejected)
	}

	// When the wedged call finally completes, the harvest path must not
	// ack or reject a second time.
	close(f.engine.block)
	require.NoError(t, f.consumer.harvest(ctx))
	require.Empty(t, f.consumer.inFlight)
	require.Len(t, f.broker.DeadLettered(), 1)
	require.Empty(t, f.broker.Acked())
}

func TestSweepIsRateLimited(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 1, Config{LongRunning: time.Minute})
	f.engine.block = make(chan struct{})
	defer close(f.engine.block)
	f.broker.Publish(record("1"))

	ctx := context.Background()
	require.NoError(t, f.consumer.pull(ctx))

	f.clock.Advance(3 * time.Minute)
	require.NoError(t, f.consumer.sweep())
	require.Len(t, f.broker.DeadLettered(), 1)

	// Within T/2 of the last sweep nothing runs, even with stuck tasks.
	next := f.consumer.nextSweep
	require.NoError(t, f.consumer.sweep())
	require.Equal(t, next, f.consumer.nextSweep)
}

func TestSaturatedRejectedTasksTriggerRecover(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 1, Config{LongRunning: time.Minute})
	f.engine.block = make(chan struct{})
	defer close(f.engine.block)
	f.broker.Publish(record("1"))

	ctx := context.Background()
	require.NoError(t, f.consumer.pull(ctx))

	f.clock.Advance(3 * time.Minute)
	require.NoError(t, f.consumer.sweep())
	require.Equal(t, 1, f.broker.Recovers())
}

func TestFatalEngineErrorStopsRun(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 1, Config{PollTimeout: 200 * time.Millisecond})
	f.engine.err = errors.New("engine connection lost")
	f.broker.Publish(record("1"))

	errCh := make(chan error, 1)
	go func() {
		errCh <- f.consumer.Run(context.Background())
	}()

	select {
	case err := <-errCh:
		require.Error(t, err)
		require.Contains(t, err.Error(), "record processing failed")
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop on fatal error")
	}
}

func TestHardPauseSkipsPulling(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 1, Config{})
	f.governor.wait = -time.Second
	f.broker.Publish(record("1"))

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	err := f.consumer.Run(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, 1, f.broker.Pending())
	require.Empty(t, f.consumer.inFlight)
}

func TestGovernorFailureIsFatal(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 1, Config{})
	f.governor.err = errors.New("watermark target unreachable")

	errCh := make(chan error, 1)
	go func() {
		errCh <- f.consumer.Run(context.Background())
	}()

	select {
	case err := <-errCh:
		require.ErrorContains(t, err, "watermark target unreachable")
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop on governor failure")
	}
}
