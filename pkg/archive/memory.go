package archive

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/machinaio/machina/pkg/eventlog"
)

// MemoryStorage implements Storage against an in-memory event log. It
// mirrors the SQL storage's semantics for tests and embedded use.
type MemoryStorage struct {
	store   *eventlog.MemoryStore
	mu      sync.Mutex
	records map[string]*Record
}

// NewMemoryStorage attaches archive bookkeeping to a memory event log.
func NewMemoryStorage(store *eventlog.MemoryStore) (*MemoryStorage, error) {
	if store == nil {
		return nil, fmt.Errorf("archive: event log store cannot be nil")
	}
	return &MemoryStorage{store: store, records: make(map[string]*Record)}, nil
}

func (s *MemoryStorage) Eligible(ctx context.Context, cutoff, cooldownCutoff time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}

	type candidate struct {
		id   string
		last time.Time
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var candidates []candidate
	for _, root := range s.store.Roots() {
		last, ok := s.store.LastEventAt(root)
		if !ok || !last.Before(cutoff) {
			continue
		}
		if _, archived := s.records[root]; archived {
			continue
		}
		candidates = append(candidates, candidate{id: root, last: last})
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].last.Before(candidates[j].last)
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	ids := make([]string, 0, len(candidates))
	for _, c := range candidates {
		ids = append(ids, c.id)
	}
	return ids, nil
}

func (s *MemoryStorage) LoadActive(ctx context.Context, rootEventID string) ([]*eventlog.MachineEvent, error) {
	return s.store.Load(ctx, rootEventID)
}

func (s *MemoryStorage) Archive(ctx context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[rec.RootEventID]; exists {
		return fmt.Errorf("archive %s: row already exists", rec.RootEventID)
	}
	clone := *rec
	s.records[rec.RootEventID] = &clone
	return s.store.DeleteRoot(ctx, rec.RootEventID)
}

func (s *MemoryStorage) Get(ctx context.Context, rootEventID string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[rootEventID]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *rec
	return &clone, nil
}

func (s *MemoryStorage) Restore(ctx context.Context, rootEventID string, keep bool, restoredAt time.Time, decode DecodeFunc) ([]*eventlog.MachineEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[rootEventID]
	if !ok {
		return nil, ErrNotFound
	}

	events, err := decode(rec)
	if err != nil {
		return nil, err
	}

	if keep {
		rec.RestoreCount++
		at := restoredAt
		rec.LastRestoredAt = &at
	} else {
		delete(s.records, rootEventID)
	}
	return events, nil
}

func (s *MemoryStorage) RestoreAndDelete(ctx context.Context, rootEventID string, decode DecodeFunc) ([]*eventlog.MachineEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[rootEventID]
	if !ok {
		return nil, ErrNotFound
	}

	events, err := decode(rec)
	if err != nil {
		return nil, err
	}

	if err := s.store.Append(ctx, events); err != nil {
		return nil, fmt.Errorf("failed to re-insert restored events: %w", err)
	}
	delete(s.records, rootEventID)
	return events, nil
}

func (s *MemoryStorage) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, rec := range s.records {
		if rec.ArchivedAt.Before(cutoff) {
			delete(s.records, id)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStorage) Stats(ctx context.Context) (*Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := &Stats{ActiveInstances: int64(len(s.store.Roots()))}
	for _, rec := range s.records {
		stats.ArchiveCount++
		stats.OriginalBytes += int64(rec.OriginalSize)
		stats.CompressedBytes += int64(rec.CompressedSize)
		stats.TotalRestores += int64(rec.RestoreCount)
	}
	return stats, nil
}

func (s *MemoryStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make(map[string]*Record)
	return nil
}

var _ Storage = (*MemoryStorage)(nil)
