package signal

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"roomcall/native/internal/docstore/memstore"
	"roomcall/native/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newChannel(t *testing.T) (*Channel, *memstore.Store) {
	t.Helper()
	store := memstore.New()
	t.Cleanup(func() { _ = store.Close() })
	return New(store, zap.NewNop()), store
}

func strPtr(s string) *string { return &s }

func u16Ptr(v uint16) *uint16 { return &v }

var (
	offer  = domain.SessionDescription{Type: "offer", SDP: "v=0\r\noffer"}
	answer = domain.SessionDescription{Type: "answer", SDP: "v=0\r\nanswer"}
)

func TestRoomLifecycle_OfferThenSingleAnswer(t *testing.T) {
	ch, store := newChannel(t)
	ctx := context.Background()

	roomID, err := ch.PublishOffer(ctx, offer, nil)
	require.NoError(t, err)

	doc, err := store.Get(ctx, RoomsCollection, roomID)
	require.NoError(t, err)
	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(doc.Data, &raw))
	assert.JSONEq(t, `{"type":"offer","sdp":"v=0\r\noffer"}`, string(raw["offer"]))
	assert.Equal(t, "null", string(raw["answer"]))
	assert.Contains(t, raw, "createdAt")

	room, err := ch.FetchRoom(ctx, roomID)
	require.NoError(t, err)
	assert.Equal(t, roomID, room.ID)
	assert.Equal(t, offer, *room.Offer)

	require.NoError(t, ch.PublishAnswer(ctx, roomID, answer, &domain.MediaInfo{HasAudio: true, FallbackUsed: 4}))

	second := domain.SessionDescription{Type: "answer", SDP: "v=0\r\nintruder"}
	err = ch.PublishAnswer(ctx, roomID, second, nil)
	require.Error(t, err)
	assert.True(t, IsKind(err, KindWriteConflict))
	assert.ErrorIs(t, err, domain.ErrConflict)

	room, err = ch.FetchRoom(ctx, roomID)
	require.NoError(t, err)
	assert.Equal(t, offer, *room.Offer)
	assert.Equal(t, answer, *room.Answer)
	require.NotNil(t, room.JoinedAt)
	require.NotNil(t, room.CalleeMedia)
	assert.Equal(t, 4, room.CalleeMedia.FallbackUsed)
}

func TestFetchRoom_NotFound(t *testing.T) {
	ch, _ := newChannel(t)
	_, err := ch.FetchRoom(context.Background(), "missing")
	assert.True(t, IsKind(err, KindRoomNotFound))

	err = ch.PublishAnswer(context.Background(), "missing", answer, nil)
	assert.True(t, IsKind(err, KindRoomNotFound))
}

func TestWatchAnswer_EmitsOnceWhenAnswerAppears(t *testing.T) {
	ch, _ := newChannel(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	roomID, err := ch.PublishOffer(ctx, offer, nil)
	require.NoError(t, err)

	answers, err := ch.WatchAnswer(ctx, roomID)
	require.NoError(t, err)

	require.NoError(t, ch.PublishAnswer(ctx, roomID, answer, nil))

	select {
	case got := <-answers:
		assert.Equal(t, answer, got)
	case <-time.After(2 * time.Second):
		t.Fatal("answer not delivered")
	}

	select {
	case _, ok := <-answers:
		assert.False(t, ok, "watch must close after the answer")
	case <-time.After(2 * time.Second):
		t.Fatal("watch not closed")
	}
}

func TestWatchAnswer_ClosesWhenRoomDeleted(t *testing.T) {
	ch, _ := newChannel(t)
	ctx := context.Background()

	roomID, err := ch.PublishOffer(ctx, offer, nil)
	require.NoError(t, err)
	answers, err := ch.WatchAnswer(ctx, roomID)
	require.NoError(t, err)

	require.NoError(t, ch.Teardown(ctx, roomID))

	select {
	case _, ok := <-answers:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("watch not closed")
	}
}

func TestCandidates_ArriveInOrder(t *testing.T) {
	ch, _ := newChannel(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	roomID, err := ch.PublishOffer(ctx, offer, nil)
	require.NoError(t, err)

	early := domain.CandidateRecord{Candidate: "candidate:1", SDPMid: strPtr("0"), SDPMLineIndex: u16Ptr(0)}
	require.NoError(t, ch.PublishCandidate(ctx, roomID, domain.RoleCaller, early))

	recs, err := ch.WatchCandidates(ctx, roomID, domain.RoleCaller)
	require.NoError(t, err)

	for _, c := range []string{"candidate:2", "candidate:3"} {
		require.NoError(t, ch.PublishCandidate(ctx, roomID, domain.RoleCaller, domain.CandidateRecord{Candidate: c}))
	}
	// written by the other side, must not show up
	require.NoError(t, ch.PublishCandidate(ctx, roomID, domain.RoleCallee, domain.CandidateRecord{Candidate: "candidate:x"}))

	var got []string
	for len(got) < 3 {
		select {
		case rec := <-recs:
			got = append(got, rec.Candidate)
		case <-time.After(2 * time.Second):
			t.Fatalf("got only %v", got)
		}
	}
	assert.Equal(t, []string{"candidate:1", "candidate:2", "candidate:3"}, got)
}

func TestTeardown_DeletesEverythingAndIsRepeatable(t *testing.T) {
	ch, store := newChannel(t)
	ctx := context.Background()

	roomID, err := ch.PublishOffer(ctx, offer, nil)
	require.NoError(t, err)
	for _, role := range []domain.Role{domain.RoleCaller, domain.RoleCallee} {
		for i := 0; i < 3; i++ {
			require.NoError(t, ch.PublishCandidate(ctx, roomID, role, domain.CandidateRecord{Candidate: "c"}))
		}
	}

	require.NoError(t, ch.Teardown(ctx, roomID))
	require.NoError(t, ch.Teardown(ctx, roomID))

	for _, role := range []domain.Role{domain.RoleCaller, domain.RoleCallee} {
		docs, err := store.List(ctx, CandidatesCollection(roomID, role))
		require.NoError(t, err)
		assert.Empty(t, docs)
	}
	doc, err := store.Get(ctx, RoomsCollection, roomID)
	require.NoError(t, err)
	assert.False(t, doc.Exists)
}

// flakyStore fails deletes in one collection.
type flakyStore struct {
	domain.DocumentStore
	failCollection string
}

func (f *flakyStore) Delete(ctx context.Context, collection, id string) error {
	if collection == f.failCollection {
		return errors.New("boom")
	}
	return f.DocumentStore.Delete(ctx, collection, id)
}

func TestTeardown_ContinuesPastFailures(t *testing.T) {
	_, store := newChannel(t)
	ctx := context.Background()
	ch := New(store, zap.NewNop())

	roomID, err := ch.PublishOffer(ctx, offer, nil)
	require.NoError(t, err)
	require.NoError(t, ch.PublishCandidate(ctx, roomID, domain.RoleCaller, domain.CandidateRecord{Candidate: "a"}))
	require.NoError(t, ch.PublishCandidate(ctx, roomID, domain.RoleCallee, domain.CandidateRecord{Candidate: "b"}))

	flaky := New(&flakyStore{DocumentStore: store, failCollection: CandidatesCollection(roomID, domain.RoleCaller)}, zap.NewNop())
	err = flaky.Teardown(ctx, roomID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")

	// later steps still ran
	docs, err := store.List(ctx, CandidatesCollection(roomID, domain.RoleCallee))
	require.NoError(t, err)
	assert.Empty(t, docs)
	doc, err := store.Get(ctx, RoomsCollection, roomID)
	require.NoError(t, err)
	assert.False(t, doc.Exists)

	// and a clean retry finishes the job
	require.NoError(t, ch.Teardown(ctx, roomID))
	docs, err = store.List(ctx, CandidatesCollection(roomID, domain.RoleCaller))
	require.NoError(t, err)
	assert.Empty(t, docs)
}
