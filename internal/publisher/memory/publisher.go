// Package memory provides an in-memory publisher for tests.
package memory

import (
	"context"
	"sync"
)

// Publisher records published payloads.
type Publisher struct {
	mu       sync.Mutex
	payloads [][]byte
	err      error
}

// New creates an empty Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Fail makes every subsequent Publish return err.
func (p *Publisher) Fail(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

// Publish appends the payload.
func (p *Publisher) Publish(_ context.Context, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.payloads = append(p.payloads, append([]byte(nil), payload...))
	return nil
}

// Close is a no-op.
func (p *Publisher) Close() error { return nil }

// Payloads returns the published payloads in order.
func (p *Publisher) Payloads() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]byte, len(p.payloads))
	copy(out, p.payloads)
	return out
}
