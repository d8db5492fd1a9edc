// Package memory provides an in-memory broker for tests and local runs.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/entityworks/recordpump/internal/queue"
)

// Broker is an in-memory queue.Broker. Unlike the transport clients it
// mimics, it is safe for concurrent use so tests can seed it freely.
type Broker struct {
	mu         sync.Mutex
	pending    []queue.Delivery
	unacked    map[uint64]queue.Delivery
	deadLetter []queue.Delivery
	acked      []queue.Delivery
	recovers   int
	nextTag    uint64
	closed     bool
}

// NewBroker constructs an empty broker.
func NewBroker() *Broker {
	return &Broker{unacked: make(map[uint64]queue.Delivery)}
}

// Publish appends a message body to the queue.
func (b *Broker) Publish(body []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextTag++
	b.pending = append(b.pending, queue.Delivery{
		Tag:       b.nextTag,
		MessageID: uuid.NewString(),
		Body:      body,
	})
}

// Get pops the next pending delivery, if any.
func (b *Broker) Get(ctx context.Context) (queue.Delivery, bool, error) {
	if err := ctx.Err(); err != nil {
		return queue.Delivery{}, false, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return queue.Delivery{}, false, fmt.Errorf("broker is closed")
	}
	if len(b.pending) == 0 {
		return queue.Delivery{}, false, nil
	}
	d := b.pending[0]
	b.pending = b.pending[1:]
	b.unacked[d.Tag] = d
	return d, true, nil
}

// Ack removes a delivery from the unacked ledger.
func (b *Broker) Ack(tag uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	d, ok := b.unacked[tag]
	if !ok {
		return fmt.Errorf("ack of unknown tag %d", tag)
	}
	delete(b.unacked, tag)
	b.acked = append(b.acked, d)
	return nil
}

// Reject dead-letters a delivery.
func (b *Broker) Reject(tag uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	d, ok := b.unacked[tag]
	if !ok {
		return fmt.Errorf("reject of unknown tag %d", tag)
	}
	delete(b.unacked, tag)
	b.deadLetter = append(b.deadLetter, d)
	return nil
}

// Recover requeues all unacknowledged deliveries.
func (b *Broker) Recover() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.recovers++
	for tag, d := range b.unacked {
		b.pending = append(b.pending, d)
		delete(b.unacked, tag)
	}
	return nil
}

// Tick sleeps for d, honoring cancellation.
func (b *Broker) Tick(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Close marks the broker closed.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// Pending reports how many messages remain unpulled.
func (b *Broker) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Acked returns the acknowledged deliveries in order.
func (b *Broker) Acked() []queue.Delivery {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]queue.Delivery(nil), b.acked...)
}

// DeadLettered returns the rejected deliveries in order.
func (b *Broker) DeadLettered() []queue.Delivery {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]queue.Delivery(nil), b.deadLetter...)
}

// Recovers reports how many times Recover was invoked.
func (b *Broker) Recovers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.recovers
}
