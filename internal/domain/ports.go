package domain

import (
	"context"
	"encoding/json"
	"errors"
)

var (
	// ErrNotFound is returned by a DocumentStore when the target document
	// does not exist.
	ErrNotFound = errors.New("document not found")
	// ErrConflict is returned by UpdateOnce when the guard field is already set.
	ErrConflict = errors.New("document write conflict")
)

// Document is one stored JSON object.
type Document struct {
	Collection string          `json:"collection"`
	ID         string          `json:"id"`
	Exists     bool            `json:"exists"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// Decode unmarshals the document body into v.
func (d Document) Decode(v any) error {
	if !d.Exists || len(d.Data) == 0 {
		return ErrNotFound
	}
	return json.Unmarshal(d.Data, v)
}

// DocumentStore is the generic store the signaling channel runs on.
// Collections are slash-separated paths ("rooms", "rooms/<id>/callerCandidates").
// Watches stop and close their channel when ctx is cancelled.
type DocumentStore interface {
	// Add stores data under a freshly generated id and returns it.
	Add(ctx context.Context, collection string, data any) (string, error)
	Set(ctx context.Context, collection, id string, data any) error
	Get(ctx context.Context, collection, id string) (Document, error)
	// Update merges top-level fields into an existing document.
	Update(ctx context.Context, collection, id string, fields map[string]any) error
	// UpdateOnce merges fields only when guard is absent or null on the
	// stored document, otherwise it returns ErrConflict.
	UpdateOnce(ctx context.Context, collection, id, guard string, fields map[string]any) error
	// Delete removes a document; deleting a missing document is not an error.
	Delete(ctx context.Context, collection, id string) error
	// List returns documents in insertion order.
	List(ctx context.Context, collection string) ([]Document, error)
	// WatchDocument delivers the current snapshot followed by one snapshot
	// per change. A deleted document arrives with Exists=false.
	WatchDocument(ctx context.Context, collection, id string) (<-chan Document, error)
	// WatchCollection delivers every existing document and then each added
	// document, in insertion order.
	WatchCollection(ctx context.Context, collection string) (<-chan Document, error)
	Close() error
}

// BlobRef describes a file stored by the external blob service.
type BlobRef struct {
	Name string `json:"name"`
	URL  string `json:"url"`
	Size int64  `json:"size"`
	Type string `json:"type"`
}

// BlobUploader stores a file outside the session and returns a reference.
type BlobUploader interface {
	Upload(ctx context.Context, roomID, name, contentType string, data []byte) (BlobRef, error)
}
