package eventlog

import (
	"context"
	"errors"
)

// ErrNotFound is returned when an instance has no records in the active log.
var ErrNotFound = errors.New("not found")

// Store persists machine event batches.
//
// Append must be atomic: either every event of the batch is durable or none
// is. Writes are upserts keyed by event id, so retrying a batch never
// duplicates records. Load returns the full ordered history for one
// instance, or ErrNotFound when the active log holds nothing for it (the
// instance may still exist in the archive).
type Store interface {
	// Append durably upserts the batch in one atomic write.
	Append(ctx context.Context, events []*MachineEvent) error

	// Load returns all events for rootEventID ordered by sequence number.
	Load(ctx context.Context, rootEventID string) ([]*MachineEvent, error)

	// Close releases the store's resources.
	Close() error
}
