// Package memory provides a non-durable dedup store for tests and dry runs.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/newsharvest/internal/harvest"
)

var _ harvest.DedupStore = (*Store)(nil)

// Store keeps dedup records in a mutex-guarded map.
type Store struct {
	mu      sync.RWMutex
	records map[string]harvest.DedupRecord
}

// New creates an empty store, optionally seeded with keys already seen.
func New(seed ...harvest.DedupRecord) *Store {
	s := &Store{records: make(map[string]harvest.DedupRecord, len(seed))}
	for _, rec := range seed {
		s.records[rec.Key] = rec
	}
	return s
}

// Exists reports whether key has been recorded.
func (s *Store) Exists(_ context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.records[key]
	return ok, nil
}

// Insert records key once.
func (s *Store) Insert(_ context.Context, record harvest.DedupRecord) error {
	if record.Key == "" {
		return fmt.Errorf("dedup key is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[record.Key]; ok {
		return harvest.ErrAlreadyRecorded
	}
	s.records[record.Key] = record
	return nil
}

// Count returns the number of recorded keys.
func (s *Store) Count(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records), nil
}

// Records returns a copy of every stored record.
func (s *Store) Records() []harvest.DedupRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]harvest.DedupRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	return out
}

// Close is a no-op.
func (s *Store) Close() error { return nil }
