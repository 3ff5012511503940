// Package docstore holds the pieces shared by the DocumentStore backends:
// JSON field merging, id generation and the watch fan-out hub.
package docstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"roomcall/native/internal/domain"
	"roomcall/native/internal/event"

	"github.com/google/uuid"
)

// NewID returns a fresh document id.
func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Marshal encodes a document body. Only JSON objects are accepted.
func Marshal(data any) (json.RawMessage, error) {
	var raw []byte
	switch v := data.(type) {
	case json.RawMessage:
		raw = v
	case []byte:
		raw = v
	default:
		b, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("marshal document: %w", err)
		}
		raw = b
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return nil, fmt.Errorf("document body must be a JSON object")
	}
	return json.RawMessage(raw), nil
}

// Merge sets top-level fields on an object body and returns the new body.
func Merge(body json.RawMessage, fields map[string]any) (json.RawMessage, error) {
	obj := map[string]json.RawMessage{}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &obj); err != nil {
			return nil, fmt.Errorf("decode document: %w", err)
		}
	}
	for k, v := range fields {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshal field %q: %w", k, err)
		}
		obj[k] = b
	}
	out, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	return out, nil
}

// FieldSet reports whether field is present and non-null on body.
func FieldSet(body json.RawMessage, field string) bool {
	obj := map[string]json.RawMessage{}
	if err := json.Unmarshal(body, &obj); err != nil {
		return false
	}
	v, ok := obj[field]
	return ok && !bytes.Equal(bytes.TrimSpace(v), []byte("null"))
}

// DocKey and CollectionKey name hub topics.
func DocKey(collection, id string) string { return "doc:" + collection + "/" + id }

func CollectionKey(collection string) string { return "col:" + collection }

// Hub fans store changes out to watchers, one bus per topic.
type Hub struct {
	mu     sync.Mutex
	topics map[string]*event.Bus[domain.Document]
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{topics: make(map[string]*event.Bus[domain.Document])}
}

// Subscribe attaches to topic. Cancel detaches and drops the topic once
// nobody listens anymore.
func (h *Hub) Subscribe(topic string) (<-chan domain.Document, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	bus, ok := h.topics[topic]
	if !ok {
		bus = event.NewBus[domain.Document]()
		h.topics[topic] = bus
	}
	ch, cancel := bus.Subscribe()
	return ch, func() {
		cancel()
		h.mu.Lock()
		if bus.Len() == 0 && h.topics[topic] == bus {
			delete(h.topics, topic)
		}
		h.mu.Unlock()
	}
}

// Publish delivers doc on topic, if anyone listens.
func (h *Hub) Publish(topic string, doc domain.Document) {
	h.mu.Lock()
	bus := h.topics[topic]
	h.mu.Unlock()
	if bus != nil {
		bus.Publish(doc)
	}
}

// Changed notifies document watchers, plus collection watchers when added.
func (h *Hub) Changed(doc domain.Document, added bool) {
	h.Publish(DocKey(doc.Collection, doc.ID), doc)
	if added {
		h.Publish(CollectionKey(doc.Collection), doc)
	}
}

// Close closes every topic; watchers see their channel close.
func (h *Hub) Close() {
	h.mu.Lock()
	topics := h.topics
	h.topics = make(map[string]*event.Bus[domain.Document])
	h.mu.Unlock()
	for _, bus := range topics {
		bus.Close()
	}
}

// Stream emits snapshot followed by live until ctx ends or live closes,
// then calls stop. With dedupe set, a document id is emitted only once,
// which covers the window between subscribing and reading the snapshot.
func Stream(ctx context.Context, snapshot []domain.Document, live <-chan domain.Document, stop func(), dedupe bool) <-chan domain.Document {
	out := make(chan domain.Document)
	go func() {
		defer close(out)
		defer stop()

		seen := map[string]struct{}{}
		emit := func(d domain.Document) bool {
			if dedupe {
				if _, dup := seen[d.ID]; dup {
					return true
				}
				seen[d.ID] = struct{}{}
			}
			select {
			case out <- d:
				return true
			case <-ctx.Done():
				return false
			}
		}

		for _, d := range snapshot {
			if !emit(d) {
				return
			}
		}
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-live:
				if !ok || !emit(d) {
					return
				}
			}
		}
	}()
	return out
}
