// Package rendezvous is the shared document store used as the signaling
// transport between independently running clients.
package rendezvous

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotFound           = errors.New("rendezvous: document not found")
	ErrAlreadyExists      = errors.New("rendezvous: document already exists")
	ErrPreconditionFailed = errors.New("rendezvous: precondition failed")
	ErrClosed             = errors.New("rendezvous: store closed")
)

// Fields is the JSON-shaped body of a document.
type Fields map[string]any

// ToFields converts a JSON-taggable value into document fields.
func ToFields(v any) (Fields, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode fields: %w", err)
	}
	var f Fields
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("decode fields: %w", err)
	}
	return f, nil
}

// Document is a snapshot of one stored document.
type Document struct {
	Collection string
	ID         string
	// Seq is assigned at creation and orders documents inside a collection.
	Seq int64
	// Version is assigned by every write, including deletes.
	Version   int64
	CreatedAt time.Time
	Data      Fields
}

// DataTo decodes the document body into v.
func (d Document) DataTo(v any) error {
	raw, err := json.Marshal(d.Data)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

// Path joins collection and document ids into a nested collection name,
// e.g. Path("rooms", id, "callerCandidates").
func Path(parts ...string) string {
	return strings.Join(parts, "/")
}

type ChangeKind int

const (
	Added ChangeKind = iota + 1
	Modified
	Removed
)

func (k ChangeKind) String() string {
	switch k {
	case Added:
		return "added"
	case Modified:
		return "modified"
	case Removed:
		return "removed"
	}
	return "unknown"
}

// Change is one delta delivered to a watcher.
type Change struct {
	Kind ChangeKind
	Doc  Document
}

// Filter is an equality predicate. A nil Value matches documents where the
// field is missing or null.
type Filter struct {
	Field string
	Value any
}

func Eq(field string, value any) Filter {
	return Filter{Field: field, Value: value}
}

// Subscription delivers changes in store order until closed. Changes is
// closed after Close or when the watch context ends.
type Subscription interface {
	Changes() <-chan Change
	Close()
}

// Store is the capability the signaling layer consumes. Single-document
// operations are atomic; there are no multi-document transactions.
type Store interface {
	// Create inserts a new document. An empty id asks the store to allocate one.
	Create(ctx context.Context, collection, id string, data Fields) (Document, error)
	// Set merges data into the document, creating it when absent.
	Set(ctx context.Context, collection, id string, data Fields) error
	Get(ctx context.Context, collection, id string) (Document, error)
	// Update merges fields into an existing document if every precondition
	// holds, otherwise it returns ErrPreconditionFailed.
	Update(ctx context.Context, collection, id string, fields Fields, preconds ...Filter) error
	// Delete removes a document. Deleting a missing document is not an error.
	Delete(ctx context.Context, collection, id string) error
	DeleteCollection(ctx context.Context, collection string) error
	Query(ctx context.Context, collection string, filters ...Filter) ([]Document, error)
	WatchDocument(ctx context.Context, collection, id string) (Subscription, error)
	WatchQuery(ctx context.Context, collection string, filters ...Filter) (Subscription, error)
	Close() error
}
