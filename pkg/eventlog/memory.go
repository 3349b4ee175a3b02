package eventlog

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and non-persistent machines.
// Events are deep-copied on write and read so callers never share state
// with the store.
type MemoryStore struct {
	mu     sync.RWMutex
	byID   map[string]*MachineEvent
	byRoot map[string][]string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:   make(map[string]*MachineEvent),
		byRoot: make(map[string][]string),
	}
}

// Append upserts the batch. The whole batch is applied under one lock, so
// concurrent readers never observe a partial write.
func (s *MemoryStore) Append(ctx context.Context, events []*MachineEvent) error {
	if len(events) == 0 {
		return nil
	}

	copies := make([]*MachineEvent, 0, len(events))
	for _, ev := range events {
		if ev.ID == "" {
			return fmt.Errorf("append: event without id (type %q)", ev.Type)
		}
		c, err := ev.Clone()
		if err != nil {
			return fmt.Errorf("append: %w", err)
		}
		copies = append(copies, c)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range copies {
		if _, exists := s.byID[c.ID]; !exists {
			s.byRoot[c.RootEventID] = append(s.byRoot[c.RootEventID], c.ID)
		}
		s.byID[c.ID] = c
	}
	return nil
}

// Load returns the ordered history for rootEventID.
func (s *MemoryStore) Load(ctx context.Context, rootEventID string) ([]*MachineEvent, error) {
	s.mu.RLock()
	ids := s.byRoot[rootEventID]
	events := make([]*MachineEvent, 0, len(ids))
	for _, id := range ids {
		if ev, ok := s.byID[id]; ok {
			events = append(events, ev)
		}
	}
	s.mu.RUnlock()

	if len(events) == 0 {
		return nil, fmt.Errorf("load %s: %w", rootEventID, ErrNotFound)
	}

	sort.Slice(events, func(i, j int) bool {
		return events[i].SequenceNumber < events[j].SequenceNumber
	})

	out := make([]*MachineEvent, 0, len(events))
	for _, ev := range events {
		c, err := ev.Clone()
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", rootEventID, err)
		}
		out = append(out, c)
	}
	return out, nil
}

// Roots returns every root event id with records in the store.
func (s *MemoryStore) Roots() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	roots := make([]string, 0, len(s.byRoot))
	for root, ids := range s.byRoot {
		if len(ids) > 0 {
			roots = append(roots, root)
		}
	}
	sort.Strings(roots)
	return roots
}

// LastEventAt returns the latest created-at timestamp for an instance.
func (s *MemoryStore) LastEventAt(rootEventID string) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var last time.Time
	found := false
	for _, id := range s.byRoot[rootEventID] {
		if ev, ok := s.byID[id]; ok {
			if !found || ev.CreatedAt.After(last) {
				last = ev.CreatedAt
			}
			found = true
		}
	}
	return last, found
}

// DeleteRoot removes every record of an instance.
func (s *MemoryStore) DeleteRoot(ctx context.Context, rootEventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.byRoot[rootEventID] {
		delete(s.byID, id)
	}
	delete(s.byRoot, rootEventID)
	return nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
