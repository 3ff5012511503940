// Package redisstore keeps documents in Redis so that two processes on
// different hosts can share rooms.
//
// Layout, all keys under Options.Prefix and expiring after Options.TTL:
//
//	doc:<collection>/<id>   JSON body
//	idx:<collection>        ZSET of ids scored by insertion sequence
//	seq                     global insertion counter
//
// Changes are announced on the pub/sub channels ev:doc:<collection>/<id>
// and ev:col:<collection> (additions only).
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"roomcall/native/internal/docstore"
	"roomcall/native/internal/domain"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const maxTxRetries = 16

// Options configure the store.
type Options struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	TTL      time.Duration
}

// Store is a DocumentStore on a Redis server.
type Store struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	log    *zap.Logger
}

// Connect dials Redis and checks the connection.
func Connect(ctx context.Context, opts Options, log *zap.Logger) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	if opts.TTL <= 0 {
		opts.TTL = 24 * time.Hour
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "roomcall:"
	}
	log.Named("redisstore").Info("connected", zap.String("addr", opts.Addr), zap.Int("db", opts.DB))
	return &Store{client: client, prefix: prefix, ttl: opts.TTL, log: log.Named("redisstore")}, nil
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) docKey(collection, id string) string {
	return s.prefix + "doc:" + collection + "/" + id
}

func (s *Store) idxKey(collection string) string { return s.prefix + "idx:" + collection }

func (s *Store) seqKey() string { return s.prefix + "seq" }

func (s *Store) channel(topic string) string { return s.prefix + "ev:" + topic }

// watchTx retries fn while another client modifies the watched keys.
func (s *Store) watchTx(ctx context.Context, fn func(tx *redis.Tx) error, keys ...string) error {
	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, fn, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			s.log.Debug("transaction retry", zap.Strings("keys", keys), zap.Int("attempt", i+1))
			continue
		}
		return err
	}
	return fmt.Errorf("redis transaction on %v: too much contention", keys)
}

func (s *Store) encodeEvent(doc domain.Document) string {
	b, _ := json.Marshal(doc)
	return string(b)
}

// store writes body inside the WATCH on docKey. existed comes from the
// read done before MULTI.
func (s *Store) store(ctx context.Context, tx *redis.Tx, collection, id string, body json.RawMessage, existed bool) error {
	var seq int64
	if !existed {
		var err error
		if seq, err = s.client.Incr(ctx, s.seqKey()).Result(); err != nil {
			return fmt.Errorf("next sequence: %w", err)
		}
	}
	doc := domain.Document{Collection: collection, ID: id, Exists: true, Data: body}
	_, err := tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, s.docKey(collection, id), string(body), s.ttl)
		if !existed {
			p.ZAdd(ctx, s.idxKey(collection), redis.Z{Score: float64(seq), Member: id})
			p.Publish(ctx, s.channel(docstore.CollectionKey(collection)), s.encodeEvent(doc))
		}
		p.Expire(ctx, s.idxKey(collection), s.ttl)
		p.Publish(ctx, s.channel(docstore.DocKey(collection, id)), s.encodeEvent(doc))
		return nil
	})
	return err
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *Store) read(ctx context.Context, c getter, collection, id string) (domain.Document, error) {
	doc := domain.Document{Collection: collection, ID: id}
	data, err := c.Get(ctx, s.docKey(collection, id)).Result()
	if errors.Is(err, redis.Nil) {
		return doc, nil
	}
	if err != nil {
		return doc, fmt.Errorf("get %s/%s: %w", collection, id, err)
	}
	doc.Exists = true
	doc.Data = json.RawMessage(data)
	return doc, nil
}

func (s *Store) Add(ctx context.Context, collection string, data any) (string, error) {
	id := docstore.NewID()
	if err := s.Set(ctx, collection, id, data); err != nil {
		return "", err
	}
	return id, nil
}

func (s *Store) Set(ctx context.Context, collection, id string, data any) error {
	body, err := docstore.Marshal(data)
	if err != nil {
		return err
	}
	key := s.docKey(collection, id)
	return s.watchTx(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		return s.store(ctx, tx, collection, id, body, n > 0)
	}, key)
}

func (s *Store) Get(ctx context.Context, collection, id string) (domain.Document, error) {
	return s.read(ctx, s.client, collection, id)
}

func (s *Store) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	return s.update(ctx, collection, id, "", fields)
}

func (s *Store) UpdateOnce(ctx context.Context, collection, id, guard string, fields map[string]any) error {
	return s.update(ctx, collection, id, guard, fields)
}

func (s *Store) update(ctx context.Context, collection, id, guard string, fields map[string]any) error {
	key := s.docKey(collection, id)
	return s.watchTx(ctx, func(tx *redis.Tx) error {
		cur, err := s.read(ctx, tx, collection, id)
		if err != nil {
			return err
		}
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
		return s.store(ctx, tx, collection, id, body, true)
	}, key)
}

func (s *Store) Delete(ctx context.Context, collection, id string) error {
	key := s.docKey(collection, id)
	return s.watchTx(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n == 0 {
			// drop a stale index entry left by an expired body
			return tx.ZRem(ctx, s.idxKey(collection), id).Err()
		}
		gone := domain.Document{Collection: collection, ID: id}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Del(ctx, key)
			p.ZRem(ctx, s.idxKey(collection), id)
			p.Publish(ctx, s.channel(docstore.DocKey(collection, id)), s.encodeEvent(gone))
			return nil
		})
		return err
	}, key)
}

func (s *Store) List(ctx context.Context, collection string) ([]domain.Document, error) {
	ids, err := s.client.ZRange(ctx, s.idxKey(collection), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", collection, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.docKey(collection, id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", collection, err)
	}
	out := make([]domain.Document, 0, len(ids))
	for i, v := range vals {
		data, ok := v.(string)
		if !ok {
			continue
		}
		out = append(out, domain.Document{Collection: collection, ID: ids[i], Exists: true, Data: json.RawMessage(data)})
	}
	return out, nil
}

// subscribe returns once the server confirmed the subscription, so a
// snapshot read afterwards cannot miss a change.
func (s *Store) subscribe(ctx context.Context, topic string) (<-chan domain.Document, func(), error) {
	ps := s.client.Subscribe(ctx, s.channel(topic))
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}

	out := make(chan domain.Document)
	go func() {
		defer close(out)
		for msg := range ps.Channel() {
			var doc domain.Document
			if err := json.Unmarshal([]byte(msg.Payload), &doc); err != nil {
				s.log.Warn("bad change event", zap.String("channel", msg.Channel), zap.Error(err))
				continue
			}
			select {
			case out <- doc:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, func() { ps.Close() }, nil
}

func (s *Store) WatchDocument(ctx context.Context, collection, id string) (<-chan domain.Document, error) {
	live, stop, err := s.subscribe(ctx, docstore.DocKey(collection, id))
	if err != nil {
		return nil, err
	}
	snap, err := s.Get(ctx, collection, id)
	if err != nil {
		stop()
		return nil, err
	}
	return docstore.Stream(ctx, []domain.Document{snap}, live, stop, false), nil
}

func (s *Store) WatchCollection(ctx context.Context, collection string) (<-chan domain.Document, error) {
	live, stop, err := s.subscribe(ctx, docstore.CollectionKey(collection))
	if err != nil {
		return nil, err
	}
	snap, err := s.List(ctx, collection)
	if err != nil {
		stop()
		return nil, err
	}
	return docstore.Stream(ctx, snap, live, stop, true), nil
}

var _ domain.DocumentStore = (*Store)(nil)
