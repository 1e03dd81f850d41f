package checkpoint

import (
	"context"
	"slices"
	"sync"

	"github.com/gurre/s3mpu/state"
)

// MemoryStore implements the Store interface using memory storage.
// It's primarily intended for testing purposes.
type MemoryStore struct {
	snap  state.Snapshot
	saves int
	mu    sync.RWMutex
}

// NewMemoryStore creates a new MemoryStore instance
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Load retrieves the current snapshot from memory
func (s *MemoryStore) Load(ctx context.Context) (state.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := s.snap
	snap.Parts = slices.Clone(s.snap.Parts)
	return snap, nil
}

// Save stores the snapshot in memory
func (s *MemoryStore) Save(ctx context.Context, snap state.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap.Parts = slices.Clone(snap.Parts)
	s.snap = snap
	s.saves++
	return nil
}

// Clear drops the stored snapshot
func (s *MemoryStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap = state.Snapshot{}
	return nil
}

// Saves returns how many times Save was called
func (s *MemoryStore) Saves() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.saves
}
