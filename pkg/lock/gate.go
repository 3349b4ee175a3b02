// Package lock serializes event processing per machine instance.
//
// Every send against an existing instance runs under a named lock derived
// from the instance's root event id, so concurrent senders queue up instead
// of interleaving their steps. The first send of a fresh instance skips the
// gate because no other process can know its id yet.
package lock

import (
	"context"
	"errors"
	"time"
)

// DefaultTimeout bounds how long Acquire waits for a busy instance.
const DefaultTimeout = 60 * time.Second

// ErrAlreadyRunning reports that another process holds the instance lock
// and the wait timed out.
var ErrAlreadyRunning = errors.New("machine is already running")

// Name builds the lock name for a machine instance.
func Name(rootEventID string) string {
	return "mre:" + rootEventID
}

// Gate grants exclusive access to a named resource.
//
// Acquire blocks until the lock is held, the timeout elapses or ctx is
// cancelled. On success it returns a release function that must be called
// exactly once; calling it again is a no-op. A timeout surfaces as
// ErrAlreadyRunning via errors.Is.
type Gate interface {
	Acquire(ctx context.Context, name string, timeout time.Duration) (release func(), err error)
	Close() error
}
