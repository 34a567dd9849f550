// Package mongo provides a MongoDB implementation of the queue store.
//
// This implementation persists pending entries and the admission window
// to MongoDB for durability across restarts, suitable for production
// deployments.
package mongo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/irichard00/codex-study-sub000/features/queue/store"
	"github.com/irichard00/codex-study-sub000/runtime/model"
)

// Collection names used within the configured database.
const (
	CollectionEntries = "queue_entries"
	CollectionWindow  = "queue_window"
)

// windowDocID is the fixed _id of the singleton admission window document.
const windowDocID = "admissions"

// Store is a MongoDB implementation of the store.Store interface.
// It persists pending entries and the admission window for durability
// across restarts.
type Store struct {
	entries *mongo.Collection
	window  *mongo.Collection
}

// Compile-time check that Store implements store.Store.
var _ store.Store = (*Store)(nil)

// entryDocument is the MongoDB document representation of an Entry.
// The request is stored as its JSON encoding so schema values survive
// the round trip unchanged.
type entryDocument struct {
	ID         string    `bson:"_id"`
	Priority   int       `bson:"priority"`
	Sequence   int64     `bson:"sequence"`
	Request    []byte    `bson:"request,omitempty"`
	MaxRetries int       `bson:"max_retries"`
	Attempts   int       `bson:"attempts"`
	EnqueuedAt time.Time `bson:"enqueued_at"`
}

// windowDocument is the MongoDB document representation of a Window.
type windowDocument struct {
	ID         string      `bson:"_id"`
	Admissions []time.Time `bson:"admissions"`
}

// New creates a new MongoDB store using the provided database.
// The database should be from a connected MongoDB client.
func New(db *mongo.Database) *Store {
	return &Store{
		entries: db.Collection(CollectionEntries),
		window:  db.Collection(CollectionWindow),
	}
}

// SaveEntry stores or updates an entry in MongoDB.
func (s *Store) SaveEntry(ctx context.Context, entry *store.Entry) error {
	doc, err := toDocument(entry)
	if err != nil {
		return err
	}
	opts := options.Replace().SetUpsert(true)
	if _, err := s.entries.ReplaceOne(ctx, bson.M{"_id": entry.ID}, doc, opts); err != nil {
		return fmt.Errorf("mongodb save entry %q: %w", entry.ID, err)
	}
	return nil
}

// DeleteEntry removes an entry by ID from MongoDB.
func (s *Store) DeleteEntry(ctx context.Context, id string) error {
	result, err := s.entries.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("mongodb delete entry %q: %w", id, err)
	}
	if result.DeletedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

// ListEntries returns all pending entries from MongoDB.
func (s *Store) ListEntries(ctx context.Context) ([]*store.Entry, error) {
	cursor, err := s.entries.Find(ctx, bson.M{})
	if err != nil {
		return nil, fmt.Errorf("mongodb list entries: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var docs []entryDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongodb list entries decode: %w", err)
	}

	result := make([]*store.Entry, len(docs))
	for i, doc := range docs {
		entry, err := fromDocument(&doc)
		if err != nil {
			return nil, err
		}
		result[i] = entry
	}
	return result, nil
}

// SaveWindow stores the admission window, replacing any previous one.
func (s *Store) SaveWindow(ctx context.Context, window *store.Window) error {
	doc := &windowDocument{ID: windowDocID, Admissions: window.Admissions}
	opts := options.Replace().SetUpsert(true)
	if _, err := s.window.ReplaceOne(ctx, bson.M{"_id": windowDocID}, doc, opts); err != nil {
		return fmt.Errorf("mongodb save window: %w", err)
	}
	return nil
}

// LoadWindow retrieves the admission window from MongoDB.
func (s *Store) LoadWindow(ctx context.Context) (*store.Window, error) {
	var doc windowDocument
	err := s.window.FindOne(ctx, bson.M{"_id": windowDocID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("mongodb load window: %w", err)
	}
	return &store.Window{Admissions: doc.Admissions}, nil
}

// toDocument converts an Entry to a MongoDB document.
func toDocument(entry *store.Entry) (*entryDocument, error) {
	var request []byte
	if entry.Request != nil {
		payload, err := json.Marshal(entry.Request)
		if err != nil {
			return nil, fmt.Errorf("mongodb encode request for entry %q: %w", entry.ID, err)
		}
		request = payload
	}
	return &entryDocument{
		ID:         entry.ID,
		Priority:   entry.Priority,
		Sequence:   int64(entry.Sequence),
		Request:    request,
		MaxRetries: entry.MaxRetries,
		Attempts:   entry.Attempts,
		EnqueuedAt: entry.EnqueuedAt,
	}, nil
}

// fromDocument converts a MongoDB document to an Entry.
func fromDocument(doc *entryDocument) (*store.Entry, error) {
	var request *model.Request
	if len(doc.Request) > 0 {
		request = &model.Request{}
		if err := json.Unmarshal(doc.Request, request); err != nil {
			return nil, fmt.Errorf("mongodb decode request for entry %q: %w", doc.ID, err)
		}
	}
	return &store.Entry{
		ID:         doc.ID,
		Priority:   doc.Priority,
		Sequence:   uint64(doc.Sequence),
		Request:    request,
		MaxRetries: doc.MaxRetries,
		Attempts:   doc.Attempts,
		EnqueuedAt: doc.EnqueuedAt,
	}, nil
}
