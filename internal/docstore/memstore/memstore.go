// Package memstore is an in-process DocumentStore, used for tests and for
// the single-binary relay.
package memstore

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"roomcall/native/internal/docstore"
	"roomcall/native/internal/domain"
)

var errClosed = errors.New("memstore: closed")

type collection struct {
	order []string
	docs  map[string]json.RawMessage
}

// Store keeps every collection in memory.
type Store struct {
	mu     sync.Mutex
	cols   map[string]*collection
	hub    *docstore.Hub
	closed bool
}

// New creates an empty store.
func New() *Store {
	return &Store{
		cols: make(map[string]*collection),
		hub:  docstore.NewHub(),
	}
}

func (s *Store) col(name string) *collection {
	c, ok := s.cols[name]
	if !ok {
		c = &collection{docs: make(map[string]json.RawMessage)}
		s.cols[name] = c
	}
	return c
}

// put stores body and notifies watchers. Callers hold s.mu so watchers see
// changes in write order.
func (s *Store) put(name, id string, body json.RawMessage) {
	c := s.col(name)
	_, existed := c.docs[id]
	if !existed {
		c.order = append(c.order, id)
	}
	c.docs[id] = body
	s.hub.Changed(domain.Document{Collection: name, ID: id, Exists: true, Data: body}, !existed)
}

func (s *Store) Add(ctx context.Context, collection string, data any) (string, error) {
	body, err := docstore.Marshal(data)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", errClosed
	}
	id := docstore.NewID()
	s.put(collection, id, body)
	return id, nil
}

func (s *Store) Set(ctx context.Context, collection, id string, data any) error {
	body, err := docstore.Marshal(data)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosed
	}
	s.put(collection, id, body)
	return nil
}

func (s *Store) Get(ctx context.Context, collection, id string) (domain.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return domain.Document{}, errClosed
	}
	return s.getLocked(collection, id), nil
}

func (s *Store) getLocked(collection, id string) domain.Document {
	doc := domain.Document{Collection: collection, ID: id}
	if c, ok := s.cols[collection]; ok {
		if body, ok := c.docs[id]; ok {
			doc.Exists = true
			doc.Data = body
		}
	}
	return doc
}

func (s *Store) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	return s.update(collection, id, "", fields)
}

func (s *Store) UpdateOnce(ctx context.Context, collection, id, guard string, fields map[string]any) error {
	return s.update(collection, id, guard, fields)
}

func (s *Store) update(collection, id, guard string, fields map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosed
	}
	cur := s.getLocked(collection, id)
	if !cur.Exists {
		return domain.ErrNotFound
	}
	if guard != "" && docstore.FieldSet(cur.Data, guard) {
		return domain.ErrConflict
	}
	body, err := docstore.Merge(cur.Data, fields)
	if err != nil {
		return err
	}
	s.put(collection, id, body)
	return nil
}

func (s *Store) Delete(ctx context.Context, collection, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosed
	}
	c, ok := s.cols[collection]
	if !ok {
		return nil
	}
	if _, ok := c.docs[id]; !ok {
		return nil
	}
	delete(c.docs, id)
	for i, v := range c.order {
		if v == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	if len(c.docs) == 0 {
		delete(s.cols, collection)
	}
	s.hub.Changed(domain.Document{Collection: collection, ID: id}, false)
	return nil
}

func (s *Store) List(ctx context.Context, collection string) ([]domain.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errClosed
	}
	return s.listLocked(collection), nil
}

func (s *Store) listLocked(collection string) []domain.Document {
	c, ok := s.cols[collection]
	if !ok {
		return nil
	}
	out := make([]domain.Document, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, domain.Document{Collection: collection, ID: id, Exists: true, Data: c.docs[id]})
	}
	return out
}

func (s *Store) WatchDocument(ctx context.Context, collection, id string) (<-chan domain.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errClosed
	}
	live, stop := s.hub.Subscribe(docstore.DocKey(collection, id))
	snap := []domain.Document{s.getLocked(collection, id)}
	return docstore.Stream(ctx, snap, live, stop, false), nil
}

func (s *Store) WatchCollection(ctx context.Context, collection string) (<-chan domain.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errClosed
	}
	live, stop := s.hub.Subscribe(docstore.CollectionKey(collection))
	return docstore.Stream(ctx, s.listLocked(collection), live, stop, true), nil
}

// Close ends every watch. Later calls fail.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	s.hub.Close()
	return nil
}

var _ domain.DocumentStore = (*Store)(nil)
