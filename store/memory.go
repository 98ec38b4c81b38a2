package store

import (
	"context"
	"sync"

	"github.com/soundloom/contextd/contexts"
)

// MemoryStore is a thread-safe in-memory snapshot store. Snapshots are
// deep-copied on both write and read so the store can never alias a live
// context's message slice.
type MemoryStore struct {
	snapshots sync.Map
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Write stores a copy of the state under key.
func (s *MemoryStore) Write(_ context.Context, key string, state *contexts.State) error {
	if state == nil {
		return contexts.ErrCache
	}
	s.snapshots.Store(key, state.Clone())
	return nil
}

// Read returns a copy of the stored state, or ErrSnapshotNotFound.
func (s *MemoryStore) Read(_ context.Context, key string) (*contexts.State, error) {
	value, ok := s.snapshots.Load(key)
	if !ok {
		return nil, contexts.ErrSnapshotNotFound
	}
	return value.(*contexts.State).Clone(), nil
}

// Remove deletes the snapshot for key. Removing an absent key is not an error.
func (s *MemoryStore) Remove(_ context.Context, key string) error {
	s.snapshots.Delete(key)
	return nil
}

// List returns all keys with a stored snapshot.
func (s *MemoryStore) List() ([]string, error) {
	var keys []string
	s.snapshots.Range(func(key, _ any) bool {
		keys = append(keys, key.(string))
		return true
	})
	return keys, nil
}

// CleanupAll drops every snapshot.
func (s *MemoryStore) CleanupAll() error {
	s.snapshots.Range(func(key, _ any) bool {
		s.snapshots.Delete(key)
		return true
	})
	return nil
}
