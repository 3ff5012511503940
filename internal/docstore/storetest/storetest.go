// Package storetest is the behaviour suite every DocumentStore backend runs.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"roomcall/native/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

// Run exercises a fresh store from newStore in each subtest.
func Run(t *testing.T, newStore func(t *testing.T) domain.DocumentStore) {
	t.Run("AddGet", func(t *testing.T) { testAddGet(t, newStore(t)) })
	t.Run("GetMissing", func(t *testing.T) { testGetMissing(t, newStore(t)) })
	t.Run("ListOrder", func(t *testing.T) { testListOrder(t, newStore(t)) })
	t.Run("Update", func(t *testing.T) { testUpdate(t, newStore(t)) })
	t.Run("UpdateOnce", func(t *testing.T) { testUpdateOnce(t, newStore(t)) })
	t.Run("UpdateOnceRace", func(t *testing.T) { testUpdateOnceRace(t, newStore(t)) })
	t.Run("DeleteIdempotent", func(t *testing.T) { testDelete(t, newStore(t)) })
	t.Run("WatchDocument", func(t *testing.T) { testWatchDocument(t, newStore(t)) })
	t.Run("WatchCollection", func(t *testing.T) { testWatchCollection(t, newStore(t)) })
	t.Run("WatchCancel", func(t *testing.T) { testWatchCancel(t, newStore(t)) })
}

type body struct {
	Name  string  `json:"name"`
	Value *string `json:"value"`
}

func testAddGet(t *testing.T, s domain.DocumentStore) {
	ctx := context.Background()
	id, err := s.Add(ctx, "rooms", body{Name: "a"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	doc, err := s.Get(ctx, "rooms", id)
	require.NoError(t, err)
	require.True(t, doc.Exists)
	var got body
	require.NoError(t, doc.Decode(&got))
	assert.Equal(t, "a", got.Name)

	_, err = s.Add(ctx, "rooms", []byte(`[1,2]`))
	assert.Error(t, err)
}

func testGetMissing(t *testing.T, s domain.DocumentStore) {
	doc, err := s.Get(context.Background(), "rooms", "nope")
	require.NoError(t, err)
	assert.False(t, doc.Exists)
	assert.ErrorIs(t, doc.Decode(&body{}), domain.ErrNotFound)
}

func testListOrder(t *testing.T, s domain.DocumentStore) {
	ctx := context.Background()
	col := "rooms/r1/callerCandidates"
	var ids []string
	for _, n := range []string{"c1", "c2", "c3", "c4"} {
		id, err := s.Add(ctx, col, body{Name: n})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	require.NoError(t, s.Set(ctx, col, ids[1], body{Name: "c2b"}))

	docs, err := s.List(ctx, col)
	require.NoError(t, err)
	require.Len(t, docs, 4)
	for i, d := range docs {
		assert.Equal(t, ids[i], d.ID)
	}

	empty, err := s.List(ctx, "rooms/none/callerCandidates")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func testUpdate(t *testing.T, s domain.DocumentStore) {
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "rooms", "r1", body{Name: "a"}))
	require.NoError(t, s.Update(ctx, "rooms", "r1", map[string]any{"value": "x"}))

	doc, err := s.Get(ctx, "rooms", "r1")
	require.NoError(t, err)
	var got body
	require.NoError(t, doc.Decode(&got))
	assert.Equal(t, "a", got.Name)
	require.NotNil(t, got.Value)
	assert.Equal(t, "x", *got.Value)

	err = s.Update(ctx, "rooms", "missing", map[string]any{"value": "x"})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func testUpdateOnce(t *testing.T, s domain.DocumentStore) {
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "rooms", "r1", body{Name: "a"}))

	require.NoError(t, s.UpdateOnce(ctx, "rooms", "r1", "value", map[string]any{"value": "first"}))
	err := s.UpdateOnce(ctx, "rooms", "r1", "value", map[string]any{"value": "second"})
	assert.ErrorIs(t, err, domain.ErrConflict)

	doc, err := s.Get(ctx, "rooms", "r1")
	require.NoError(t, err)
	var got body
	require.NoError(t, doc.Decode(&got))
	assert.Equal(t, "first", *got.Value)

	err = s.UpdateOnce(ctx, "rooms", "missing", "value", map[string]any{"value": "x"})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func testUpdateOnceRace(t *testing.T, s domain.DocumentStore) {
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "rooms", "r1", body{Name: "a"}))

	const writers = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ok       int
		conflict int
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.UpdateOnce(ctx, "rooms", "r1", "value", map[string]any{"value": "v"})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, domain.ErrConflict):
				conflict++
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, ok)
	assert.Equal(t, writers-1, conflict)
}

func testDelete(t *testing.T, s domain.DocumentStore) {
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "rooms", "r1", body{Name: "a"}))
	require.NoError(t, s.Delete(ctx, "rooms", "r1"))
	require.NoError(t, s.Delete(ctx, "rooms", "r1"))
	require.NoError(t, s.Delete(ctx, "never", "existed"))

	doc, err := s.Get(ctx, "rooms", "r1")
	require.NoError(t, err)
	assert.False(t, doc.Exists)
}

func next(t *testing.T, ch <-chan domain.Document) domain.Document {
	t.Helper()
	select {
	case d, ok := <-ch:
		require.True(t, ok, "watch closed")
		return d
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for watch event")
		return domain.Document{}
	}
}

func testWatchDocument(t *testing.T, s domain.DocumentStore) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, s.Set(ctx, "rooms", "r1", body{Name: "a"}))
	ch, err := s.WatchDocument(ctx, "rooms", "r1")
	require.NoError(t, err)

	snap := next(t, ch)
	assert.True(t, snap.Exists)

	require.NoError(t, s.Update(ctx, "rooms", "r1", map[string]any{"value": "x"}))
	upd := next(t, ch)
	var got body
	require.NoError(t, upd.Decode(&got))
	require.NotNil(t, got.Value)
	assert.Equal(t, "x", *got.Value)

	require.NoError(t, s.Delete(ctx, "rooms", "r1"))
	del := next(t, ch)
	assert.False(t, del.Exists)
}

func testWatchCollection(t *testing.T, s domain.DocumentStore) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	col := "rooms/r1/calleeCandidates"
	first, err := s.Add(ctx, col, body{Name: "c1"})
	require.NoError(t, err)

	ch, err := s.WatchCollection(ctx, col)
	require.NoError(t, err)
	assert.Equal(t, first, next(t, ch).ID)

	second, err := s.Add(ctx, col, body{Name: "c2"})
	require.NoError(t, err)
	third, err := s.Add(ctx, col, body{Name: "c3"})
	require.NoError(t, err)

	assert.Equal(t, second, next(t, ch).ID)
	assert.Equal(t, third, next(t, ch).ID)
}

func testWatchCancel(t *testing.T, s domain.DocumentStore) {
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := s.WatchCollection(ctx, "rooms/r1/callerCandidates")
	require.NoError(t, err)
	cancel()

	require.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, waitFor, 10*time.Millisecond)
}
