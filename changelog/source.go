package changelog

import (
	"context"
	"errors"
)

var (
	// ErrEndOfBatch signals that no more records are currently available.
	// More may arrive later; it is not end-of-stream.
	ErrEndOfBatch = errors.New("changelog: end of batch")
	// ErrUnknownConsumer is returned when the consumer id is not registered
	ErrUnknownConsumer = errors.New("changelog: consumer not registered")
	// ErrExtendedFields is returned when a session cannot enable extended fields
	ErrExtendedFields = errors.New("changelog: cannot enable extended fields")
	// ErrClosed is returned by operations on a closed log or finished session
	ErrClosed = errors.New("changelog: closed")
)

// Source is the upstream metadata service holding the changelog and the
// per-consumer checkpoints.
type Source interface {
	// Start opens a read session on device yielding records with
	// Index >= position, or from the oldest retained record when that is
	// greater.
	Start(ctx context.Context, consumer string, flags StartFlags, device string, position uint64) (Session, error)
	// Acknowledge advances the durable checkpoint of consumer to position.
	// It is monotonic and idempotent for the same or lower positions.
	Acknowledge(ctx context.Context, device, consumer string, position uint64) error
}

// Session is a single read session against a Source
type Session interface {
	// SetExtendedFields selects which extended fields records carry
	SetExtendedFields(mask ExtraFlags) error
	// Receive returns the next record or ErrEndOfBatch
	Receive(ctx context.Context) (*Record, error)
	// Release gives a received record back to the session
	Release(rec *Record)
	// Finish closes the session
	Finish() error
}

// CheckpointReader is implemented by sources that expose the current
// checkpoint of a consumer without opening a session.
type CheckpointReader interface {
	Checkpoint(device, consumer string) (uint64, error)
}
