// Package redis provides a Redis implementation of the queue store.
//
// Entries are kept in a hash keyed by entry ID so single entries can be
// added and removed without rewriting the whole queue. The admission
// window lives under its own key with a TTL so stale rate accounting
// expires on its own when the queue stays down.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/irichard00/codex-study-sub000/features/queue/store"
)

// DefaultWindowTTL is the default expiry for the admission window key.
// It comfortably exceeds the hour the queue accounts for, and entries
// older than that are pruned on load anyway.
const DefaultWindowTTL = 2 * time.Hour

// DefaultNamespace prefixes all keys when no namespace is configured.
const DefaultNamespace = "queue"

// Options configures the Redis store.
type Options struct {
	// Namespace prefixes all keys written by the store. Defaults to
	// DefaultNamespace. Use distinct namespaces to run several queues
	// against one Redis database.
	Namespace string
	// WindowTTL is the expiry applied to the admission window key.
	// Defaults to DefaultWindowTTL.
	WindowTTL time.Duration
}

// Store is a Redis implementation of the store.Store interface.
// It persists pending entries and the admission window so a restarted
// queue can pick up where it left off.
type Store struct {
	rdb        *redis.Client
	entriesKey string
	windowKey  string
	windowTTL  time.Duration
}

// Compile-time check that Store implements store.Store.
var _ store.Store = (*Store)(nil)

// New creates a new Redis store using the provided client.
// The client should already be connected.
func New(rdb *redis.Client, opts Options) *Store {
	ns := opts.Namespace
	if ns == "" {
		ns = DefaultNamespace
	}
	ttl := opts.WindowTTL
	if ttl <= 0 {
		ttl = DefaultWindowTTL
	}
	return &Store{
		rdb:        rdb,
		entriesKey: fmt.Sprintf("%s:entries", ns),
		windowKey:  fmt.Sprintf("%s:window", ns),
		windowTTL:  ttl,
	}
}

// SaveEntry stores or updates an entry in the entries hash.
func (s *Store) SaveEntry(ctx context.Context, entry *store.Entry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("redis encode entry %q: %w", entry.ID, err)
	}
	if err := s.rdb.HSet(ctx, s.entriesKey, entry.ID, payload).Err(); err != nil {
		return fmt.Errorf("redis save entry %q: %w", entry.ID, err)
	}
	return nil
}

// DeleteEntry removes an entry by ID.
func (s *Store) DeleteEntry(ctx context.Context, id string) error {
	n, err := s.rdb.HDel(ctx, s.entriesKey, id).Result()
	if err != nil {
		return fmt.Errorf("redis delete entry %q: %w", id, err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// ListEntries returns all pending entries in no particular order.
func (s *Store) ListEntries(ctx context.Context) ([]*store.Entry, error) {
	fields, err := s.rdb.HGetAll(ctx, s.entriesKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list entries: %w", err)
	}
	entries := make([]*store.Entry, 0, len(fields))
	for id, payload := range fields {
		var entry store.Entry
		if err := json.Unmarshal([]byte(payload), &entry); err != nil {
			return nil, fmt.Errorf("redis decode entry %q: %w", id, err)
		}
		entries = append(entries, &entry)
	}
	return entries, nil
}

// SaveWindow stores the admission window with the configured TTL.
func (s *Store) SaveWindow(ctx context.Context, window *store.Window) error {
	payload, err := json.Marshal(window)
	if err != nil {
		return fmt.Errorf("redis encode window: %w", err)
	}
	if err := s.rdb.Set(ctx, s.windowKey, payload, s.windowTTL).Err(); err != nil {
		return fmt.Errorf("redis save window: %w", err)
	}
	return nil
}

// LoadWindow retrieves the admission window.
func (s *Store) LoadWindow(ctx context.Context) (*store.Window, error) {
	payload, err := s.rdb.Get(ctx, s.windowKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis load window: %w", err)
	}
	var window store.Window
	if err := json.Unmarshal(payload, &window); err != nil {
		return nil, fmt.Errorf("redis decode window: %w", err)
	}
	return &window, nil
}
