// Package queue defines the interface for the message transport.
// The consumer needs only a FIFO-with-acknowledgment abstraction:
// fetch-one, acknowledge, reject-without-requeue, recover and heartbeat.
//
// Implementations are generally not safe for concurrent use; all protocol
// calls must be issued from the consumer's single control goroutine.
package queue

import (
	"context"
	"time"
)

// Delivery is one message pulled from the transport.
type Delivery struct {
	// Tag identifies the delivery for Ack/Reject.
	Tag uint64
	// MessageID is the transport-assigned message identifier, if any.
	MessageID string
	// Body is the raw record payload.
	Body []byte
}

// Broker is the transport contract used by the consumer and the drain tool.
type Broker interface {
	// Get attempts a non-blocking fetch from the source queue. ok is false
	// when no message is ready.
	Get(ctx context.Context) (d Delivery, ok bool, err error)

	// Ack marks a delivery as processed.
	Ack(tag uint64) error

	// Reject dead-letters a delivery: the transport must not redeliver it
	// for ordinary retry.
	Reject(tag uint64) error

	// Recover asks the transport to redeliver all unacknowledged messages,
	// freeing a prefetch window wedged by rejected-but-incomplete work.
	Recover() error

	// Tick services the transport protocol (keep-alives, control frames)
	// for up to d, returning early only on context cancellation or a fatal
	// transport error. A non-positive d performs a single brief service pass.
	Tick(ctx context.Context, d time.Duration) error

	// Close tears down the transport connection.
	Close() error
}
