// Package call drives one two-party session: local media, the peer
// connection, room signaling and the data channel protocol.
package call

import (
	"context"
	"fmt"
	"sync"
	"time"

	"roomcall/native/internal/domain"
	"roomcall/native/internal/event"
	"roomcall/native/internal/media"
	"roomcall/native/internal/webrtc"

	"github.com/benbjohnson/clock"
	pion "github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

const (
	// MaxMediaRetries is how many automatic acquisition retries run before
	// a manual RetryMedia is required.
	MaxMediaRetries = 3
	// MediaRetryDelay is the fixed delay between automatic retries.
	MediaRetryDelay = 2 * time.Second
	// ChatLabel is the data channel label opened by the caller.
	ChatLabel = "chat"
)

// MediaSource acquires local capture streams. *media.Service satisfies it.
type MediaSource interface {
	Supported() error
	Acquire(ctx context.Context) (*media.Result, error)
	Test(ctx context.Context) (*media.Result, error)
	AcquireDisplay(ctx context.Context) (*media.Stream, error)
	Release(stream *media.Stream)
}

// Signaling exchanges descriptions and candidates through the room
// document. *signal.Channel satisfies it.
type Signaling interface {
	PublishOffer(ctx context.Context, offer domain.SessionDescription, info *domain.MediaInfo) (string, error)
	FetchRoom(ctx context.Context, roomID string) (*domain.Room, error)
	PublishAnswer(ctx context.Context, roomID string, answer domain.SessionDescription, info *domain.MediaInfo) error
	WatchAnswer(ctx context.Context, roomID string) (<-chan domain.SessionDescription, error)
	PublishCandidate(ctx context.Context, roomID string, role domain.Role, rec domain.CandidateRecord) error
	WatchCandidates(ctx context.Context, roomID string, role domain.Role) (<-chan domain.CandidateRecord, error)
	Teardown(ctx context.Context, roomID string) error
}

// Peer is one side of the peer connection. *webrtc.Peer satisfies it.
type Peer interface {
	Events() (<-chan webrtc.Event, func())
	Open(role domain.Role, tracks []pion.TrackLocal) error
	CreateOffer() (domain.SessionDescription, error)
	CreateAnswer() (domain.SessionDescription, error)
	SetRemoteDescription(desc domain.SessionDescription) error
	AddRemoteCandidate(rec domain.CandidateRecord) error
	ReplaceOutgoingTrack(track pion.TrackLocal) error
	SetTrackEnabled(kind pion.RTPCodecType, enabled bool) error
	OpenDataChannel(label string) (*webrtc.DataChannel, error)
	StopRemoteTracks() error
	Close() error
}

// PeerFactory creates an unopened peer for a new session.
type PeerFactory func() (Peer, error)

// Config wires the orchestrator's collaborators.
type Config struct {
	Media     MediaSource
	Signaling Signaling
	NewPeer   PeerFactory
	// Uploader is optional; ShareFile fails without it.
	Uploader domain.BlobUploader
	// RecordDir, when set, records remote tracks there.
	RecordDir string
	Clock     clock.Clock
	Logger    *zap.Logger
}

// Orchestrator owns local media and at most one session.
type Orchestrator struct {
	media     MediaSource
	signal    Signaling
	newPeer   PeerFactory
	uploader  domain.BlobUploader
	recordDir string
	clk       clock.Clock
	log       *zap.Logger
	bus       *event.Bus[Event]

	unsupported error
	ctx         context.Context
	cancel      context.CancelFunc

	mu         sync.Mutex
	local      *media.Result
	mediaErr   error
	retries    int
	retryTimer *clock.Timer
	sess       *session
	screen     *media.Stream
}

// New checks capabilities once and returns an idle orchestrator.
func New(cfg Config) *Orchestrator {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		media:     cfg.Media,
		signal:    cfg.Signaling,
		newPeer:   cfg.NewPeer,
		uploader:  cfg.Uploader,
		recordDir: cfg.RecordDir,
		clk:       cfg.Clock,
		log:       cfg.Logger.Named("call"),
		bus:       event.NewBus[Event](),
		ctx:       ctx,
		cancel:    cancel,
	}
	switch {
	case cfg.Media == nil || cfg.NewPeer == nil || cfg.Signaling == nil:
		o.unsupported = fmt.Errorf("%w: missing media, peer or signaling backend", ErrUnsupported)
	default:
		if err := cfg.Media.Supported(); err != nil {
			o.unsupported = fmt.Errorf("%w: %v", ErrUnsupported, err)
		}
	}
	if o.unsupported != nil {
		o.log.Error("session features disabled", zap.Error(o.unsupported))
	}
	return o
}

// Supported returns the startup capability error, or nil.
func (o *Orchestrator) Supported() error { return o.unsupported }

// Subscribe returns every event published after the call.
func (o *Orchestrator) Subscribe() (<-chan Event, func()) {
	return o.bus.Subscribe()
}

// RetryCount is the number of automatic media retries scheduled since the
// last success or manual retry.
func (o *Orchestrator) RetryCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.retries
}

// AcquireMedia returns the current local media, acquiring it if needed.
// On failure up to MaxMediaRetries automatic retries are scheduled.
func (o *Orchestrator) AcquireMedia(ctx context.Context) (*media.Result, error) {
	if o.unsupported != nil {
		return nil, o.unsupported
	}
	o.mu.Lock()
	if o.local != nil {
		res := o.local
		o.mu.Unlock()
		return res, nil
	}
	o.stopRetryLocked()
	o.mu.Unlock()
	return o.acquire(ctx)
}

// RetryMedia cancels any pending retry, resets the counter and tries again.
func (o *Orchestrator) RetryMedia(ctx context.Context) (*media.Result, error) {
	if o.unsupported != nil {
		return nil, o.unsupported
	}
	o.mu.Lock()
	o.stopRetryLocked()
	o.retries = 0
	if o.local != nil {
		res := o.local
		o.mu.Unlock()
		return res, nil
	}
	o.mu.Unlock()
	return o.acquire(ctx)
}

// TestMedia acquires and releases media without keeping it.
func (o *Orchestrator) TestMedia(ctx context.Context) (*media.Result, error) {
	if o.unsupported != nil {
		return nil, o.unsupported
	}
	return o.media.Test(ctx)
}

func (o *Orchestrator) acquire(ctx context.Context) (*media.Result, error) {
	o.bus.Publish(MediaEvent{Acquiring: true, RetryCount: o.RetryCount()})
	res, err := o.media.Acquire(ctx)

	o.mu.Lock()
	if err == nil {
		o.local = res
		o.mediaErr = nil
		o.retries = 0
		o.mu.Unlock()
		o.bus.Publish(MediaEvent{Result: res})
		return res, nil
	}
	o.mediaErr = err
	scheduled := false
	if o.retries < MaxMediaRetries && o.ctx.Err() == nil {
		o.retries++
		scheduled = true
		o.retryTimer = o.clk.AfterFunc(MediaRetryDelay, o.retryFired)
	}
	count := o.retries
	o.mu.Unlock()

	o.log.Warn("media acquisition failed", zap.Error(err), zap.Int("retry", count), zap.Bool("scheduled", scheduled))
	o.bus.Publish(MediaEvent{Err: err, RetryCount: count, RetryScheduled: scheduled})
	return nil, err
}

func (o *Orchestrator) retryFired() {
	o.mu.Lock()
	o.retryTimer = nil
	done := o.local != nil || o.ctx.Err() != nil
	o.mu.Unlock()
	if done {
		return
	}
	_, _ = o.acquire(o.ctx)
}

func (o *Orchestrator) stopRetryLocked() {
	if o.retryTimer != nil {
		o.retryTimer.Stop()
		o.retryTimer = nil
	}
}

// ToggleAudio flips the local audio track and returns the new state.
func (o *Orchestrator) ToggleAudio() (bool, error) {
	return o.toggle(media.Audio)
}

// ToggleVideo flips the local video track and returns the new state.
func (o *Orchestrator) ToggleVideo() (bool, error) {
	return o.toggle(media.Video)
}

func (o *Orchestrator) toggle(kind media.Kind) (bool, error) {
	if o.unsupported != nil {
		return false, o.unsupported
	}
	o.mu.Lock()
	local := o.local
	sess := o.sess
	o.mu.Unlock()
	if local == nil {
		return false, ErrNoMedia
	}
	lt := local.Stream.Track(kind)
	if lt == nil {
		return false, ErrNoTrack
	}

	enabled := !lt.Enabled()
	if sess != nil {
		if err := sess.peer.SetTrackEnabled(codecType(kind), enabled); err != nil {
			return lt.Enabled(), fmt.Errorf("toggle %s: %w", kind, err)
		}
	}
	lt.SetEnabled(enabled)
	o.log.Info("track toggled", zap.String("kind", string(kind)), zap.Bool("enabled", enabled))
	o.bus.Publish(ToggleEvent{Kind: kind, Enabled: enabled})
	return enabled, nil
}

func codecType(k media.Kind) pion.RTPCodecType {
	if k == media.Video {
		return pion.RTPCodecTypeVideo
	}
	return pion.RTPCodecTypeAudio
}

// Snapshot is a point-in-time view of the orchestrator.
type Snapshot struct {
	HasMedia      bool
	ProfileIndex  int
	HasVideo      bool
	HasAudio      bool
	AudioEnabled  bool
	VideoEnabled  bool
	MediaErr      error
	RetryCount    int
	RoomID        string
	Role          domain.Role
	State         domain.ConnectionState
	ChannelOpen   bool
	PeerTyping    bool
	RemoteTracks  int
	ScreenSharing bool
}

// Snapshot returns the current state.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := Snapshot{
		MediaErr:      o.mediaErr,
		RetryCount:    o.retries,
		ProfileIndex:  -1,
		ScreenSharing: o.screen != nil,
	}
	if o.local != nil {
		s.HasMedia = true
		s.ProfileIndex = o.local.ProfileIndex
		s.HasVideo = o.local.HasVideo
		s.HasAudio = o.local.HasAudio
		if t := o.local.Stream.Track(media.Audio); t != nil {
			s.AudioEnabled = t.Enabled()
		}
		if t := o.local.Stream.Track(media.Video); t != nil {
			s.VideoEnabled = t.Enabled()
		}
	}
	if o.sess != nil {
		s.RoomID = o.sess.roomID()
		s.Role = o.sess.role
		s.State = o.sess.connState()
		s.ChannelOpen = o.sess.channelOpen()
		s.PeerTyping = o.sess.recv.Typing()
		s.RemoteTracks = o.sess.remoteCount()
	}
	return s
}

// Close hangs up and stops background work. The orchestrator is unusable
// afterwards.
func (o *Orchestrator) Close(ctx context.Context) error {
	err := o.HangUp(ctx)
	o.cancel()
	o.mu.Lock()
	o.stopRetryLocked()
	o.mu.Unlock()
	o.bus.Close()
	return err
}
