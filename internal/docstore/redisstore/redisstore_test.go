package redisstore

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"roomcall/native/internal/docstore"
	"roomcall/native/internal/docstore/storetest"
	"roomcall/native/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// connect needs a live server; set REDIS_ADDR to run these tests.
func connect(t *testing.T, ttl time.Duration) *Store {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	prefix := "roomcall-test:" + docstore.NewID() + ":"
	s, err := Connect(context.Background(), Options{
		Addr:     addr,
		Password: os.Getenv("REDIS_PASSWORD"),
		Prefix:   prefix,
		TTL:      ttl,
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx := context.Background()
		keys, _ := s.client.Keys(ctx, prefix+"*").Result()
		if len(keys) > 0 {
			s.client.Del(ctx, keys...)
		}
		_ = s.Close()
	})
	return s
}

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) domain.DocumentStore { return connect(t, time.Hour) })
}

func TestKeysExpire(t *testing.T) {
	s := connect(t, time.Minute)
	ctx := context.Background()

	id, err := s.Add(ctx, "rooms", map[string]any{"offer": nil})
	require.NoError(t, err)

	ttl, err := s.client.TTL(ctx, s.docKey("rooms", id)).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
	assert.LessOrEqual(t, ttl, time.Minute)

	ttl, err = s.client.TTL(ctx, s.idxKey("rooms")).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
}

func TestList_SkipsExpiredBodies(t *testing.T) {
	s := connect(t, time.Hour)
	ctx := context.Background()

	a, err := s.Add(ctx, "c", map[string]any{"n": 1})
	require.NoError(t, err)
	b, err := s.Add(ctx, "c", map[string]any{"n": 2})
	require.NoError(t, err)
	require.NoError(t, s.client.Del(ctx, s.docKey("c", a)).Err())

	docs, err := s.List(ctx, "c")
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, b, docs[0].ID)

	require.NoError(t, s.Delete(ctx, "c", a))
	ids, err := s.client.ZRange(ctx, s.idxKey("c"), 0, -1).Result()
	require.NoError(t, err)
	assert.Equal(t, []string{b}, ids)
	assert.True(t, strings.HasPrefix(s.idxKey("c"), s.prefix))
}
