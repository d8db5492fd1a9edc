// Package engine defines the boundary to the downstream record-processing
// engine: a black-box ingest call plus a closed error taxonomy the consumer
// uses to decide between dead-lettering a single record and shutting down.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Kind classifies a processing failure.
type Kind int

const (
	// KindFatal covers transport disconnects, unrecoverable engine errors and
	// anything else not explicitly classified. It aborts the whole consumer.
	KindFatal Kind = iota
	// KindTransientTimeout means the processing call exceeded its budget.
	// The single record is dead-lettered and processing continues.
	KindTransientTimeout
	// KindInvalidInput means the record was malformed or semantically invalid.
	// The single record is dead-lettered and processing continues.
	KindInvalidInput
)

func (k Kind) String() string {
	switch k {
	case KindTransientTimeout:
		return "transient_timeout"
	case KindInvalidInput:
		return "invalid_input"
	default:
		return "fatal"
	}
}

// Error is a classified processing failure.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError wraps err with a classification.
func NewError(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// KindOf extracts the classification from err. Unclassified errors are fatal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindFatal
}

// IsTransientTimeout reports whether err is a per-record timeout.
func IsTransientTimeout(err error) bool {
	return KindOf(err) == KindTransientTimeout
}

// IsInvalidInput reports whether err marks a bad record.
func IsInvalidInput(err error) bool {
	return KindOf(err) == KindInvalidInput
}

// Record is the minimum contract for a queue message body.
type Record struct {
	DataSource string `json:"DATA_SOURCE"`
	RecordID   string `json:"RECORD_ID"`
}

// ParseRecord decodes a message body. Malformed bodies and bodies missing the
// required identifier fields are invalid input.
func ParseRecord(body []byte) (Record, error) {
	var rec Record
	if err := json.Unmarshal(body, &rec); err != nil {
		return Record{}, NewError(KindInvalidInput, fmt.Errorf("decode record: %w", err))
	}
	if rec.DataSource == "" || rec.RecordID == "" {
		return Record{}, NewError(KindInvalidInput, errors.New("record is missing DATA_SOURCE or RECORD_ID"))
	}
	return rec, nil
}

// Engine ingests records. Implementations classify failures with *Error;
// anything else is treated as fatal by the consumer.
type Engine interface {
	// AddRecord ingests one record.
	AddRecord(ctx context.Context, rec Record, body []byte) error
	// AddRecordWithInfo ingests one record and returns the engine's info
	// payload describing the entity resolution outcome.
	AddRecordWithInfo(ctx context.Context, rec Record, body []byte) (string, error)
	// Stats returns the engine's operational statistics blob.
	Stats(ctx context.Context) (string, error)
	// Close releases engine resources.
	Close() error
}
