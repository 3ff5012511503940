package media

import (
	"sync"

	"github.com/google/uuid"
	pion "github.com/pion/webrtc/v4"
)

// Kind is the media type of a track.
type Kind string

const (
	Video Kind = "video"
	Audio Kind = "audio"
)

// KindOf converts a pion codec type.
func KindOf(t pion.RTPCodecType) Kind {
	if t == pion.RTPCodecTypeVideo {
		return Video
	}
	return Audio
}

// Track is a capture source that can be sent on a peer connection.
// pion/mediadevices tracks satisfy it directly.
type Track interface {
	pion.TrackLocal
	Close() error
	OnEnded(func(error))
}

// LocalTrack is a captured track plus the enabled flag the UI toggles.
type LocalTrack struct {
	Track

	kind Kind
	once sync.Once
	done chan struct{}

	mu      sync.Mutex
	enabled bool
}

func newLocalTrack(t Track) *LocalTrack {
	lt := &LocalTrack{
		Track:   t,
		kind:    KindOf(t.Kind()),
		done:    make(chan struct{}),
		enabled: true,
	}
	t.OnEnded(func(error) { lt.Stop() })
	return lt
}

// MediaKind reports whether this is a video or audio track.
func (t *LocalTrack) MediaKind() Kind { return t.kind }

// Enabled reports whether the track is currently sent.
func (t *LocalTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

// SetEnabled records the flag. Muting the outgoing sender is the peer's job.
func (t *LocalTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	t.enabled = enabled
	t.mu.Unlock()
}

// Stop releases the capture device. Safe to call more than once.
func (t *LocalTrack) Stop() {
	t.once.Do(func() {
		close(t.done)
		_ = t.Track.Close()
	})
}

// Done is closed once the track stopped, including when capture ended
// on its own.
func (t *LocalTrack) Done() <-chan struct{} { return t.done }

// Stopped reports whether Stop ran.
func (t *LocalTrack) Stopped() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Stream groups the tracks of one capture.
type Stream struct {
	id     string
	tracks []*LocalTrack
}

// NewStream wraps captured tracks.
func NewStream(tracks []Track) *Stream {
	s := &Stream{id: uuid.NewString()}
	for _, t := range tracks {
		s.tracks = append(s.tracks, newLocalTrack(t))
	}
	return s
}

func (s *Stream) ID() string { return s.id }

// Tracks returns every track.
func (s *Stream) Tracks() []*LocalTrack { return s.tracks }

// Track returns the first track of kind, or nil.
func (s *Stream) Track(kind Kind) *LocalTrack {
	if s == nil {
		return nil
	}
	for _, t := range s.tracks {
		if t.kind == kind {
			return t
		}
	}
	return nil
}

func (s *Stream) HasVideo() bool { return s.Track(Video) != nil }

func (s *Stream) HasAudio() bool { return s.Track(Audio) != nil }

// Stopped reports whether every track has stopped.
func (s *Stream) Stopped() bool {
	for _, t := range s.tracks {
		if !t.Stopped() {
			return false
		}
	}
	return true
}

func (s *Stream) stop() {
	for _, t := range s.tracks {
		t.Stop()
	}
}
