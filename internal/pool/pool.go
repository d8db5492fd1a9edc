// Package pool implements a fixed-capacity executor for record-processing
// calls. Submission never blocks as long as callers keep the number of
// outstanding tasks within Capacity; the pool itself does not enforce that
// bound.
package pool

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// TaskID identifies a submitted task. The caller's in-flight map is the
// arena; these handles are its indices.
type TaskID uint64

// Task is one record-processing call. The payload is non-empty only when the
// engine was asked for with-info output.
type Task func(ctx context.Context) (payload string, err error)

type submission struct {
	id   TaskID
	task Task
}

type outcome struct {
	payload string
	err     error
}

// Pool runs tasks on a fixed set of worker goroutines.
type Pool struct {
	capacity  int
	tasks     chan submission
	completed chan TaskID

	mu      sync.Mutex
	results map[TaskID]outcome

	nextID atomic.Uint64
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeOnce sync.Once
}

// New starts a pool of size workers. A non-positive size defaults to the
// available hardware parallelism.
func New(size int) *Pool {
	if size <= 0 {
		size = runtime.NumCPU()
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		capacity:  size,
		tasks:     make(chan submission, size),
		completed: make(chan TaskID, size),
		results:   make(map[TaskID]outcome),
		ctx:       ctx,
		cancel:    cancel,
	}
	for i := 0; i < size; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// Capacity reports the fixed worker count.
func (p *Pool) Capacity() int {
	return p.capacity
}

// Submit queues a task and returns its handle.
func (p *Pool) Submit(task Task) TaskID {
	id := TaskID(p.nextID.Add(1))
	p.tasks <- submission{id: id, task: task}
	return id
}

// PollCompleted blocks up to maxWait for at least one task to finish, then
// returns every task that has finished so far (first-completed-wins wake-up).
// It returns an empty slice on timeout or context cancellation.
func (p *Pool) PollCompleted(ctx context.Context, maxWait time.Duration) []TaskID {
	timer := time.NewTimer(maxWait)
	defer timer.Stop()

	var done []TaskID
	select {
	case id := <-p.completed:
		done = append(done, id)
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return nil
	}
	for {
		select {
		case id := <-p.completed:
			done = append(done, id)
		default:
			return done
		}
	}
}

// Result returns a completed task's payload or error, exactly once.
func (p *Pool) Result(id TaskID) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out, ok := p.results[id]
	if !ok {
		return "", fmt.Errorf("no result recorded for task %d", id)
	}
	delete(p.results, id)
	return out.payload, out.err
}

// Close stops intake and waits up to grace for workers to finish what they
// are running. Wedged tasks are abandoned rather than waited on forever;
// their goroutines are not interrupted.
func (p *Pool) Close(grace time.Duration) {
	p.closeOnce.Do(func() {
		p.cancel()
		close(p.tasks)
	})

	idle := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(idle)
	}()
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-idle:
	case <-timer.C:
	}
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for sub := range p.tasks {
		payload, err := sub.task(p.ctx)
		p.mu.Lock()
		p.results[sub.id] = outcome{payload: payload, err: err}
		p.mu.Unlock()
		p.completed <- sub.id
	}
}
