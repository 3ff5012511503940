package webrtc

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"roomcall/native/internal/domain"

	"github.com/benbjohnson/clock"
	pion "github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestPeer(t *testing.T, cfg Config) *Peer {
	t.Helper()
	p, err := NewPeer(cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

func videoTrack(t *testing.T) *pion.TrackLocalStaticSample {
	t.Helper()
	tr, err := pion.NewTrackLocalStaticSample(pion.RTPCodecCapability{MimeType: pion.MimeTypeVP8, ClockRate: 90000}, "video", "test")
	require.NoError(t, err)
	return tr
}

func waitFor[T Event](t *testing.T, ch <-chan Event, match func(T) bool) T {
	t.Helper()
	timeout := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			require.True(t, ok, "event stream closed")
			if e, ok := ev.(T); ok && match(e) {
				return e
			}
		case <-timeout:
			var zero T
			t.Fatalf("timed out waiting for %T", zero)
			return zero
		}
	}
}

func TestTransitions(t *testing.T) {
	cases := []struct {
		from, to domain.ConnectionState
		ok       bool
	}{
		{domain.StateNew, domain.StateConnecting, true},
		{domain.StateConnecting, domain.StateConnected, true},
		{domain.StateConnected, domain.StateDisconnected, true},
		{domain.StateDisconnected, domain.StateConnected, true},
		{domain.StateConnected, domain.StateConnecting, false},
		{domain.StateFailed, domain.StateConnected, false},
		{domain.StateFailed, domain.StateClosed, true},
		{domain.StateClosed, domain.StateNew, false},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("%s->%s", tc.from, tc.to), func(t *testing.T) {
			assert.Equal(t, tc.ok, allowed(tc.from, tc.to))
		})
	}
}

func TestNewPeer_RejectsRelayServers(t *testing.T) {
	_, err := NewPeer(Config{ICEServers: []domain.ICEServer{{URLs: []string{"turn:relay.example.com"}}}}, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "only STUN")
}

func TestNotOpen(t *testing.T) {
	p := newTestPeer(t, Config{})
	_, err := p.CreateOffer()
	assert.ErrorIs(t, err, ErrNotOpen)
	assert.ErrorIs(t, p.AddRemoteCandidate(domain.CandidateRecord{}), ErrNotOpen)
}

func TestRemoteCandidatesQueueUntilDescription(t *testing.T) {
	caller := newTestPeer(t, Config{})
	require.NoError(t, caller.Open(domain.RoleCaller, nil))
	offer, err := caller.CreateOffer()
	require.NoError(t, err)
	assert.Equal(t, "offer", offer.Type)

	callee := newTestPeer(t, Config{})
	var (
		mu      sync.Mutex
		applied []string
	)
	callee.addICE = func(c pion.ICECandidateInit) error {
		mu.Lock()
		applied = append(applied, c.Candidate)
		mu.Unlock()
		return nil
	}
	require.NoError(t, callee.Open(domain.RoleCallee, nil))

	for _, c := range []string{"c1", "c2", "c3"} {
		require.NoError(t, callee.AddRemoteCandidate(domain.CandidateRecord{Candidate: c}))
	}
	assert.Empty(t, applied)
	assert.False(t, callee.HasRemoteDescription())

	require.NoError(t, callee.SetRemoteDescription(offer))
	assert.Equal(t, []string{"c1", "c2", "c3"}, applied)

	require.NoError(t, callee.AddRemoteCandidate(domain.CandidateRecord{Candidate: "c4"}))
	assert.Equal(t, []string{"c1", "c2", "c3", "c4"}, applied)

	// A second description is ignored.
	require.NoError(t, callee.SetRemoteDescription(domain.SessionDescription{Type: "offer", SDP: "garbage"}))
	assert.Len(t, applied, 4)

	answer, err := callee.CreateAnswer()
	require.NoError(t, err)
	assert.Equal(t, "answer", answer.Type)
}

func TestNegotiationDeadline(t *testing.T) {
	mock := clock.NewMock()
	p := newTestPeer(t, Config{NegotiationTimeout: 5 * time.Second, Clock: mock})
	events, cancel := p.Events()
	defer cancel()
	require.NoError(t, p.Open(domain.RoleCaller, nil))

	mock.Add(5 * time.Second)

	ev := waitFor(t, events, func(e StateEvent) bool { return e.To == domain.StateFailed })
	var ne *NegotiationError
	require.ErrorAs(t, ev.Err, &ne)
	assert.Equal(t, 5*time.Second, ne.Timeout)
	assert.Equal(t, domain.StateFailed, p.State())
}

func TestSetTrackEnabled(t *testing.T) {
	p := newTestPeer(t, Config{})
	track := videoTrack(t)
	require.NoError(t, p.Open(domain.RoleCaller, []pion.TrackLocal{track}))

	assert.ErrorIs(t, p.SetTrackEnabled(pion.RTPCodecTypeAudio, false), ErrNoSender)

	sender := p.senders[pion.RTPCodecTypeVideo]
	require.NoError(t, p.SetTrackEnabled(pion.RTPCodecTypeVideo, false))
	assert.Nil(t, sender.Track())

	// Replacing while disabled keeps the sender muted.
	screen := videoTrack(t)
	require.NoError(t, p.ReplaceOutgoingTrack(screen))
	assert.Nil(t, sender.Track())

	require.NoError(t, p.SetTrackEnabled(pion.RTPCodecTypeVideo, true))
	assert.Equal(t, screen, sender.Track())
	assert.Equal(t, screen, p.Sending(pion.RTPCodecTypeVideo))
	assert.Nil(t, p.Sending(pion.RTPCodecTypeAudio))
}

func TestClose_Idempotent(t *testing.T) {
	p := newTestPeer(t, Config{})
	events, cancel := p.Events()
	defer cancel()
	require.NoError(t, p.Open(domain.RoleCaller, nil))

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
	waitFor(t, events, func(e StateEvent) bool { return e.To == domain.StateClosed })
	assert.Equal(t, domain.StateClosed, p.State())
}

func TestLoopbackCall(t *testing.T) {
	if testing.Short() {
		t.Skip("opens real peer connections")
	}
	cfg := Config{IncludeLoopback: true}
	caller := newTestPeer(t, cfg)
	callee := newTestPeer(t, cfg)
	callerEvents, cancelCaller := caller.Events()
	defer cancelCaller()
	calleeEvents, cancelCallee := callee.Events()
	defer cancelCallee()

	track := videoTrack(t)
	require.NoError(t, caller.Open(domain.RoleCaller, []pion.TrackLocal{track}))
	require.NoError(t, callee.Open(domain.RoleCallee, nil))
	dc, err := caller.OpenDataChannel("chat")
	require.NoError(t, err)

	relay := func(from <-chan Event, to *Peer) {
		for ev := range from {
			if c, ok := ev.(CandidateEvent); ok {
				_ = to.AddRemoteCandidate(c.Candidate)
			}
		}
	}
	callerCands, stopA := caller.Events()
	defer stopA()
	calleeCands, stopB := callee.Events()
	defer stopB()
	go relay(callerCands, callee)
	go relay(calleeCands, caller)

	offer, err := caller.CreateOffer()
	require.NoError(t, err)
	require.NoError(t, callee.SetRemoteDescription(offer))
	answer, err := callee.CreateAnswer()
	require.NoError(t, err)
	require.NoError(t, caller.SetRemoteDescription(answer))

	stopSamples := make(chan struct{})
	defer close(stopSamples)
	go func() {
		tick := time.NewTicker(33 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-stopSamples:
				return
			case <-tick.C:
				_ = track.WriteSample(media.Sample{Data: []byte{0x10, 0x02, 0x00, 0x9d, 0x01, 0x2a}, Duration: 33 * time.Millisecond})
			}
		}
	}()

	waitFor(t, callerEvents, func(e StateEvent) bool { return e.To == domain.StateConnected })
	waitFor(t, callerEvents, func(e ChannelEvent) bool { return e.Kind == ChannelOpen })
	require.NoError(t, dc.SendText("hello"))

	var sawTrack, sawMessage bool
	for !sawTrack || !sawMessage {
		ev := waitFor(t, calleeEvents, func(Event) bool { return true })
		switch e := ev.(type) {
		case TrackEvent:
			assert.Equal(t, pion.RTPCodecTypeVideo, e.Track.Kind())
			sawTrack = true
		case ChannelEvent:
			if e.Kind == ChannelMessage {
				assert.Equal(t, "hello", e.Data)
				sawMessage = true
			}
		}
	}
}
