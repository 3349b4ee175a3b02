package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryGate implements Gate within a single process. It is the default
// gate for in-memory machines and for tests.
type MemoryGate struct {
	mu      sync.Mutex
	locks   map[string]chan struct{}
	holders map[string]string
}

// NewMemoryGate returns an empty in-process gate.
func NewMemoryGate() *MemoryGate {
	return &MemoryGate{
		locks:   make(map[string]chan struct{}),
		holders: make(map[string]string),
	}
}

// Acquire takes the named lock, waiting up to timeout for the current
// holder to release it.
func (g *MemoryGate) Acquire(ctx context.Context, name string, timeout time.Duration) (func(), error) {
	if name == "" {
		return nil, fmt.Errorf("lock: name cannot be empty")
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	g.mu.Lock()
	ch, ok := g.locks[name]
	if !ok {
		ch = make(chan struct{}, 1)
		g.locks[name] = ch
	}
	g.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case ch <- struct{}{}:
	case <-timer.C:
		return nil, fmt.Errorf("lock %q: %w", name, ErrAlreadyRunning)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	token := uuid.NewString()
	g.mu.Lock()
	g.holders[name] = token
	g.mu.Unlock()

	var once sync.Once
	release := func() {
		once.Do(func() {
			g.mu.Lock()
			if g.holders[name] == token {
				delete(g.holders, name)
			}
			g.mu.Unlock()
			<-ch
		})
	}
	return release, nil
}

// Holder reports the opaque token of the current holder, if any. Useful
// when diagnosing a stuck instance.
func (g *MemoryGate) Holder(name string) (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	token, ok := g.holders[name]
	return token, ok
}

// Close releases the gate's bookkeeping. Held locks are abandoned.
func (g *MemoryGate) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.locks = make(map[string]chan struct{})
	g.holders = make(map[string]string)
	return nil
}

var _ Gate = (*MemoryGate)(nil)
