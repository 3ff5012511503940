package wsstore

import (
	"context"
	"encoding/json"
	"fmt"

	"roomcall/native/internal/docstore"
	"roomcall/native/internal/domain"
	"roomcall/native/internal/event"

	"go.uber.org/zap"
)

func encodeFields(fields map[string]any) (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage, len(fields))
	for k, v := range fields {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshal field %q: %w", k, err)
		}
		out[k] = b
	}
	return out, nil
}

func (c *Client) Add(ctx context.Context, collection string, data any) (string, error) {
	body, err := docstore.Marshal(data)
	if err != nil {
		return "", err
	}
	resp, err := c.call(ctx, docstore.Request{Op: docstore.OpAdd, Collection: collection, Data: body})
	if err != nil {
		return "", err
	}
	return resp.DocID, nil
}

func (c *Client) Set(ctx context.Context, collection, id string, data any) error {
	body, err := docstore.Marshal(data)
	if err != nil {
		return err
	}
	_, err = c.call(ctx, docstore.Request{Op: docstore.OpSet, Collection: collection, DocID: id, Data: body})
	return err
}

func (c *Client) Get(ctx context.Context, collection, id string) (domain.Document, error) {
	resp, err := c.call(ctx, docstore.Request{Op: docstore.OpGet, Collection: collection, DocID: id})
	if err != nil {
		return domain.Document{}, err
	}
	if resp.Doc == nil {
		return domain.Document{Collection: collection, ID: id}, nil
	}
	return *resp.Doc, nil
}

func (c *Client) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	enc, err := encodeFields(fields)
	if err != nil {
		return err
	}
	_, err = c.call(ctx, docstore.Request{Op: docstore.OpUpdate, Collection: collection, DocID: id, Fields: enc})
	return err
}

func (c *Client) UpdateOnce(ctx context.Context, collection, id, guard string, fields map[string]any) error {
	enc, err := encodeFields(fields)
	if err != nil {
		return err
	}
	_, err = c.call(ctx, docstore.Request{
		Op:         docstore.OpUpdateOnce,
		Collection: collection,
		DocID:      id,
		Guard:      guard,
		Fields:     enc,
	})
	return err
}

func (c *Client) Delete(ctx context.Context, collection, id string) error {
	_, err := c.call(ctx, docstore.Request{Op: docstore.OpDelete, Collection: collection, DocID: id})
	return err
}

func (c *Client) List(ctx context.Context, collection string) ([]domain.Document, error) {
	resp, err := c.call(ctx, docstore.Request{Op: docstore.OpList, Collection: collection})
	if err != nil {
		return nil, err
	}
	return resp.Docs, nil
}

func (c *Client) WatchDocument(ctx context.Context, collection, id string) (<-chan domain.Document, error) {
	return c.watch(ctx, docstore.Request{Op: docstore.OpWatchDocument, Collection: collection, DocID: id}, false)
}

func (c *Client) WatchCollection(ctx context.Context, collection string) (<-chan domain.Document, error) {
	return c.watch(ctx, docstore.Request{Op: docstore.OpWatchCollection, Collection: collection}, true)
}

// watch registers the event bus before sending the request so that no
// event racing the acknowledgement is lost.
func (c *Client) watch(ctx context.Context, req docstore.Request, dedupe bool) (<-chan domain.Document, error) {
	req.ID = c.nextID.Add(1)
	bus := event.NewBus[domain.Document]()
	live, cancel := bus.Subscribe()

	c.pmu.Lock()
	c.watches[req.ID] = bus
	c.pmu.Unlock()

	drop := func() {
		cancel()
		c.pmu.Lock()
		delete(c.watches, req.ID)
		c.pmu.Unlock()
	}

	if _, err := c.call(ctx, req); err != nil {
		drop()
		return nil, err
	}

	stop := func() {
		drop()
		select {
		case <-c.closed:
			return
		default:
		}
		if err := c.sendJSON(docstore.Request{ID: c.nextID.Add(1), Op: docstore.OpUnwatch, WatchID: req.ID}); err != nil {
			c.log.Debug("unwatch", zap.Uint64("watch", req.ID), zap.Error(err))
		}
	}
	return docstore.Stream(ctx, nil, live, stop, dedupe), nil
}

var _ domain.DocumentStore = (*Client)(nil)
