// Package mediatest provides an in-memory capture backend for tests.
package mediatest

import (
	"context"
	"sync"

	"roomcall/native/internal/media"

	"github.com/google/uuid"
	pion "github.com/pion/webrtc/v4"
)

// Track is a pion sample track that records Close and can end on demand.
type Track struct {
	*pion.TrackLocalStaticSample

	mu      sync.Mutex
	closed  bool
	onEnded func(error)
}

// NewTrack creates a VP8 or Opus sample track.
func NewTrack(kind media.Kind) *Track {
	codec := pion.RTPCodecCapability{MimeType: pion.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	if kind == media.Video {
		codec = pion.RTPCodecCapability{MimeType: pion.MimeTypeVP8, ClockRate: 90000}
	}
	t, err := pion.NewTrackLocalStaticSample(codec, string(kind)+"-"+uuid.NewString()[:8], "fake")
	if err != nil {
		panic(err)
	}
	return &Track{TrackLocalStaticSample: t}
}

func (t *Track) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *Track) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *Track) OnEnded(fn func(error)) {
	t.mu.Lock()
	t.onEnded = fn
	t.mu.Unlock()
}

// End simulates the source going away (unplugged camera, revoked share).
func (t *Track) End(err error) {
	t.mu.Lock()
	fn := t.onEnded
	t.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

// Devices is a scripted backend.
type Devices struct {
	mu sync.Mutex

	SupportErr error
	List       []media.DeviceInfo
	Perms      media.Permissions
	DisplayErr error
	// Fail decides the error for a profile; nil means success.
	Fail func(p media.Profile) error

	Calls        []string
	Tracks       []*Track
	DisplayCalls int
}

// WithCameraAndMic lists one device of each kind.
func WithCameraAndMic() *Devices {
	return &Devices{List: []media.DeviceInfo{
		{ID: "cam0", Label: "Camera", Kind: media.Video},
		{ID: "mic0", Label: "Microphone", Kind: media.Audio},
	}}
}

func (d *Devices) Supported() error { return d.SupportErr }

func (d *Devices) EnumerateDevices(ctx context.Context) ([]media.DeviceInfo, error) {
	return d.List, nil
}

func (d *Devices) QueryPermissions(ctx context.Context) (media.Permissions, error) {
	return d.Perms, nil
}

func (d *Devices) GetUserMedia(ctx context.Context, p media.Profile) ([]media.Track, error) {
	d.mu.Lock()
	d.Calls = append(d.Calls, p.Name)
	fail := d.Fail
	d.mu.Unlock()

	if fail != nil {
		if err := fail(p); err != nil {
			return nil, err
		}
	}
	var out []media.Track
	if p.WantsVideo() {
		out = append(out, d.newTrack(media.Video))
	}
	if p.WantsAudio() {
		out = append(out, d.newTrack(media.Audio))
	}
	return out, nil
}

func (d *Devices) GetDisplayMedia(ctx context.Context) ([]media.Track, error) {
	d.mu.Lock()
	d.DisplayCalls++
	d.mu.Unlock()
	if d.DisplayErr != nil {
		return nil, d.DisplayErr
	}
	return []media.Track{d.newTrack(media.Video)}, nil
}

func (d *Devices) newTrack(kind media.Kind) *Track {
	t := NewTrack(kind)
	d.mu.Lock()
	d.Tracks = append(d.Tracks, t)
	d.mu.Unlock()
	return t
}

// CallCount returns how many GetUserMedia calls were made.
func (d *Devices) CallCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.Calls)
}

// LastTrack returns the most recently created track.
func (d *Devices) LastTrack() *Track {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.Tracks) == 0 {
		return nil
	}
	return d.Tracks[len(d.Tracks)-1]
}

var _ media.Devices = (*Devices)(nil)
