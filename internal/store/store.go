package store

import (
	"context"

	"govorilka/internal/models"

	"github.com/vmihailenco/msgpack/v5"
)

// Collection names follow the record shapes of the hosted backend.
const (
	CollUsers      = "users"
	CollUserChats  = "userChats"
	CollUserStatus = "userStatus"
	CollMessages   = "messages"
	CollTyping     = "typing"
	CollPush       = "pushSubs"
)

// ServerTimestamp is a sentinel value. When it appears in an Update or
// ArrayAppend payload it is replaced at commit time with a store-assigned
// timestamp that is strictly monotonic per document, so message order never
// depends on a client clock.
type ServerTimestamp struct{}

// Snapshot is one observed state of a document. Exists is false when the
// document has been queried or subscribed to before it was created.
type Snapshot struct {
	Collection string
	ID         string
	Exists     bool
	data       []byte
}

// Decode unmarshals the snapshot into out. Returns models.ErrNotFound for
// snapshots of missing documents.
func (s Snapshot) Decode(out any) error {
	if !s.Exists {
		return models.ErrNotFound
	}
	return msgpack.Unmarshal(s.data, out)
}

// Store is the document store collaborator: per-record reads and writes,
// field-equality queries and live snapshot streams, keyed by collection
// name and record id.
type Store interface {
	// Get reads one document. The snapshot has Exists=false when the
	// document is missing; no error is returned for that case.
	Get(ctx context.Context, collection, id string) (Snapshot, error)

	// Set fully replaces (or creates) a document.
	Set(ctx context.Context, collection, id string, value any) error

	// Update merges fields into an existing document. Returns
	// models.ErrNotFound when the document does not exist.
	Update(ctx context.Context, collection, id string, fields map[string]any) error

	// ArrayAppend atomically appends elements to one array field of an
	// existing document.
	ArrayAppend(ctx context.Context, collection, id, field string, elems ...any) error

	// Query returns snapshots of all documents in the collection whose
	// named field equals value.
	Query(ctx context.Context, collection, field string, value any) ([]Snapshot, error)

	// Subscribe returns a live snapshot stream for one document. The
	// current state is delivered first, then every committed change in
	// commit order. The release func must be called exactly once when
	// the owning scope is torn down or re-keyed.
	Subscribe(collection, id string) (<-chan Snapshot, func())

	Close() error
}
