// Package publisher hands with-info payloads off to downstream consumers.
package publisher

import (
	"context"
	"fmt"
	"io"
	"sync"
)

// Publisher receives one with-info payload per successfully processed record.
type Publisher interface {
	Publish(ctx context.Context, payload []byte) error
	Close() error
}

// Writer emits each payload as one line on an io.Writer, typically os.Stdout.
type Writer struct {
	mu  sync.Mutex
	out io.Writer
}

// NewWriter creates a line-oriented publisher.
func NewWriter(out io.Writer) *Writer {
	return &Writer{out: out}
}

// Publish writes the payload followed by a newline.
func (w *Writer) Publish(_ context.Context, payload []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.out.Write(payload); err != nil {
		return fmt.Errorf("write payload: %w", err)
	}
	if _, err := io.WriteString(w.out, "\n"); err != nil {
		return fmt.Errorf("write payload terminator: %w", err)
	}
	return nil
}

// Close is a no-op; the writer is owned by the caller.
func (w *Writer) Close() error { return nil }
