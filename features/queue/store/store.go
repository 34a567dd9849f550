// Package store defines the persistence layer interface for the request queue.
//
// The Store interface abstracts pending entry and admission window storage,
// allowing different backend implementations. Available implementations:
//
//   - memory: In-memory store for development and testing
//   - redis: Redis store for shared deployments with automatic window expiry
//   - mongo: MongoDB store for production persistence
//
// To add a new implementation, create a subpackage that implements the Store
// interface and returns store.ErrNotFound for missing entries and windows.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/irichard00/codex-study-sub000/runtime/model"
)

// ErrNotFound is returned when an entry or window is not found in the store.
var ErrNotFound = errors.New("queue entry not found")

type (
	// Entry is a pending model request awaiting admission. Entries are
	// persisted on enqueue and removed when the request is admitted, so
	// a restarted queue can restore whatever never ran.
	Entry struct {
		// ID uniquely identifies the entry.
		ID string `json:"id"`
		// Priority is the admission band. Higher values are admitted first.
		Priority int `json:"priority"`
		// Sequence orders entries within a priority band, lowest first.
		Sequence uint64 `json:"sequence"`
		// Request is the model request to stream once admitted.
		Request *model.Request `json:"request"`
		// MaxRetries bounds automatic re-enqueues after retryable failures.
		MaxRetries int `json:"max_retries"`
		// Attempts counts how many times the entry has been admitted.
		Attempts int `json:"attempts"`
		// EnqueuedAt records when the entry first entered the queue.
		EnqueuedAt time.Time `json:"enqueued_at"`
	}

	// Window holds the admission timestamps used for hourly rate
	// accounting. Timestamps older than the window length are pruned
	// by the queue before saving.
	Window struct {
		// Admissions are the admission times, oldest first.
		Admissions []time.Time `json:"admissions"`
	}
)

// Store defines the persistence layer for pending queue entries and the
// admission window. Implementations must be safe for concurrent use.
type Store interface {
	// SaveEntry stores or updates an entry. If an entry with the same ID
	// already exists, it is replaced.
	SaveEntry(ctx context.Context, entry *Entry) error

	// DeleteEntry removes an entry by ID. Returns ErrNotFound if the
	// entry does not exist.
	DeleteEntry(ctx context.Context, id string) error

	// ListEntries returns all pending entries in no particular order.
	// Returns an empty slice if the queue is empty.
	ListEntries(ctx context.Context) ([]*Entry, error)

	// SaveWindow stores the admission window, replacing any previous one.
	SaveWindow(ctx context.Context, window *Window) error

	// LoadWindow retrieves the admission window. Returns ErrNotFound if
	// no window has been saved.
	LoadWindow(ctx context.Context) (*Window, error)
}
