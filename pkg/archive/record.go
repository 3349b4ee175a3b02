package archive

import (
	"context"
	"errors"
	"time"

	"github.com/machinaio/machina/pkg/eventlog"
)

// ErrNotFound reports that no archive row exists for an instance.
var ErrNotFound = errors.New("archive: not found")

// ErrCorrupted reports that an archive blob could not be decoded back
// into its event history.
var ErrCorrupted = errors.New("archive: corrupted blob")

// Record is one archived machine history.
type Record struct {
	RootEventID      string     `json:"root_event_id"`
	MachineID        string     `json:"machine_id"`
	EventsData       []byte     `json:"-"`
	EventCount       int        `json:"event_count"`
	OriginalSize     int        `json:"original_size"`
	CompressedSize   int        `json:"compressed_size"`
	CompressionLevel int        `json:"compression_level"`
	ArchivedAt       time.Time  `json:"archived_at"`
	FirstEventAt     time.Time  `json:"first_event_at"`
	LastEventAt      time.Time  `json:"last_event_at"`
	RestoreCount     int        `json:"restore_count"`
	LastRestoredAt   *time.Time `json:"last_restored_at,omitempty"`
}

// DecodeFunc turns an archive row back into its ordered event history.
// Storage implementations call it inside their transaction so a decode
// failure aborts the whole operation.
type DecodeFunc func(*Record) ([]*eventlog.MachineEvent, error)

// Stats summarizes an archive store for status reporting.
type Stats struct {
	ArchiveCount    int64
	ActiveInstances int64
	OriginalBytes   int64
	CompressedBytes int64
	TotalRestores   int64
}

// Storage persists archive rows next to the active event log. The two
// tables share a database so moves between them can be transactional.
type Storage interface {
	// Eligible returns up to limit instance ids whose latest event is
	// older than cutoff, that have no archive row, and whose archive
	// bookkeeping shows no restore at or after cooldownCutoff. Oldest
	// first.
	Eligible(ctx context.Context, cutoff, cooldownCutoff time.Time, limit int) ([]string, error)

	// LoadActive reads the instance's ordered active history. Returns
	// eventlog.ErrNotFound when no rows exist.
	LoadActive(ctx context.Context, rootEventID string) ([]*eventlog.MachineEvent, error)

	// Archive inserts rec and deletes the instance's active rows in one
	// transaction.
	Archive(ctx context.Context, rec *Record) error

	// Get reads one archive row. Returns ErrNotFound when absent.
	Get(ctx context.Context, rootEventID string) (*Record, error)

	// Restore reads the archive row under a row lock and decodes it.
	// With keep=true it increments restore bookkeeping; otherwise it
	// deletes the row after a successful decode.
	Restore(ctx context.Context, rootEventID string, keep bool, restoredAt time.Time, decode DecodeFunc) ([]*eventlog.MachineEvent, error)

	// RestoreAndDelete decodes the row under a row lock, re-inserts the
	// history into the active log and deletes the archive row, all in
	// one transaction.
	RestoreAndDelete(ctx context.Context, rootEventID string, decode DecodeFunc) ([]*eventlog.MachineEvent, error)

	// DeleteOlderThan prunes rows archived before cutoff and reports how
	// many were removed.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)

	// Stats reports aggregate counters over both tables.
	Stats(ctx context.Context) (*Stats, error)

	Close() error
}
