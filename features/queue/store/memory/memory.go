// Package memory provides an in-memory implementation of the queue store.
//
// This implementation is suitable for development, testing, and single-node
// deployments where persistence across restarts is not required.
package memory

import (
	"context"
	"sync"

	"github.com/irichard00/codex-study-sub000/features/queue/store"
)

// Store is an in-memory implementation of the store.Store interface.
// It is safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*store.Entry
	window  *store.Window
}

// Compile-time check that Store implements store.Store.
var _ store.Store = (*Store)(nil)

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		entries: make(map[string]*store.Entry),
	}
}

// SaveEntry stores or updates an entry.
func (s *Store) SaveEntry(ctx context.Context, entry *store.Entry) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[entry.ID] = entry
	return nil
}

// DeleteEntry removes an entry by ID.
func (s *Store) DeleteEntry(ctx context.Context, id string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.entries, id)
	return nil
}

// ListEntries returns all pending entries in no particular order.
func (s *Store) ListEntries(ctx context.Context) ([]*store.Entry, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := make([]*store.Entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	return entries, nil
}

// SaveWindow stores the admission window, replacing any previous one.
func (s *Store) SaveWindow(ctx context.Context, window *store.Window) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.window = window
	return nil
}

// LoadWindow retrieves the admission window.
func (s *Store) LoadWindow(ctx context.Context) (*store.Window, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.window == nil {
		return nil, store.ErrNotFound
	}
	return s.window, nil
}
