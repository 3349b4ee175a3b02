// Package eventlog persists machine steps as an ordered, append-only log
// keyed by the instance's root event id. Each record stores an incremental
// context diff; readers reconstruct effective context by merging diffs in
// sequence order. Physical writes are idempotent upserts keyed by event id,
// so re-appending a batch after a partial failure is safe.
package eventlog

import (
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/machinaio/machina/pkg/core"
)

// Source marks where an event originated.
type Source string

const (
	// SourceExternal marks events sent by callers.
	SourceExternal Source = "external"
	// SourceInternal marks events emitted by the engine itself
	// (state enter/exit, transitions, action and guard bookkeeping).
	SourceInternal Source = "internal"
)

// MachineEvent is the durable unit: one record per step.
//
// The first record of an instance (sequence number 1) fixes RootEventID for
// the instance's lifetime and stores the full context; every later record
// stores only the recursive diff against the previous record's effective
// context. A JSON null value inside a diff is a tombstone: the merge removes
// that key.
type MachineEvent struct {
	ID             string                 `json:"id"`
	SequenceNumber int                    `json:"sequence_number"`
	CreatedAt      time.Time              `json:"created_at"`
	MachineID      string                 `json:"machine_id"`
	MachineValue   []string               `json:"machine_value"`
	RootEventID    string                 `json:"root_event_id"`
	Source         Source                 `json:"source"`
	Type           string                 `json:"type"`
	Payload        map[string]interface{} `json:"payload"`
	Version        int                    `json:"version"`
	Context        map[string]interface{} `json:"context"`
	Meta           map[string]interface{} `json:"meta"`
}

// NewID returns a new time-sortable event id (ULID). Ids generated within
// the same millisecond remain lexically ordered.
func NewID() string {
	return ulid.Make().String()
}

// Clone returns a deep copy of the event via a JSON round trip, matching
// what a store write/read cycle produces.
func (e *MachineEvent) Clone() (*MachineEvent, error) {
	data, err := core.JSONEncode(e)
	if err != nil {
		return nil, err
	}
	var out MachineEvent
	if err := core.JSONDecode(data, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
