// Package storage defines the archive sink for drained queue output.
package storage

import (
	"context"
	"io"
)

// BlobStore persists a drained output file for later inspection.
type BlobStore interface {
	// Put uploads the content under path and returns its URI.
	Put(ctx context.Context, path, contentType string, r io.Reader) (string, error)
}
