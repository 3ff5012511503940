// Package media acquires local camera, microphone and display streams.
//
// Acquisition walks a fixed ladder of progressively less demanding
// profiles and keeps the log of every failed rung for diagnostics.
package media

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Result is a successful acquisition.
type Result struct {
	Stream       *Stream
	ProfileIndex int
	HasVideo     bool
	HasAudio     bool
}

// Diagnostics is a snapshot of what the service last observed.
type Diagnostics struct {
	Supported   bool
	SupportErr  string
	Devices     []DeviceInfo
	Attempts    []Attempt
	ActiveVideo int
	ActiveAudio int
}

// Service owns creation and release of local streams.
type Service struct {
	dev Devices
	log *zap.Logger

	mu       sync.Mutex
	devices  []DeviceInfo
	attempts []Attempt
	active   map[*Stream]struct{}
}

// NewService creates a service on backend dev.
func NewService(dev Devices, log *zap.Logger) *Service {
	return &Service{
		dev:    dev,
		log:    log.Named("media"),
		active: make(map[*Stream]struct{}),
	}
}

// Supported reports whether capture can work here at all.
func (s *Service) Supported() error {
	if err := s.dev.Supported(); err != nil {
		return &AccessError{Kind: Classify(err), Err: err}
	}
	return nil
}

// Acquire walks the ladder and returns the first stream obtained. Rungs
// that need a device kind with zero enumerated devices are skipped.
func (s *Service) Acquire(ctx context.Context) (*Result, error) {
	if err := s.Supported(); err != nil {
		return nil, err
	}

	devs, err := s.ListDevices(ctx)
	if err != nil {
		return nil, &AccessError{Kind: Classify(err), Err: fmt.Errorf("enumerate devices: %w", err)}
	}
	nVideo, nAudio := countKinds(devs)
	s.log.Info("devices enumerated", zap.Int("video", nVideo), zap.Int("audio", nAudio))
	if nVideo == 0 && nAudio == 0 {
		s.setAttempts(nil)
		return nil, &AccessError{Kind: KindNotFound, Err: errors.New("no camera or microphone found")}
	}

	var attempts []Attempt
	for i, p := range Ladder {
		if (p.WantsVideo() && nVideo == 0) || (p.WantsAudio() && nAudio == 0) {
			s.log.Debug("skipping profile", zap.Int("index", i), zap.String("profile", p.Name))
			continue
		}
		if err := ctx.Err(); err != nil {
			s.setAttempts(attempts)
			return nil, err
		}

		tracks, err := s.dev.GetUserMedia(ctx, p)
		if err == nil && len(tracks) == 0 {
			err = &DeviceError{Kind: KindNotFound, Op: "getUserMedia", Err: errors.New("no tracks returned")}
		}
		if err != nil {
			a := Attempt{Index: i, Profile: p.Name, Kind: Classify(err), Err: err}
			attempts = append(attempts, a)
			s.log.Warn("profile failed", zap.Int("index", i), zap.String("profile", p.Name),
				zap.String("kind", string(a.Kind)), zap.Error(err))
			continue
		}

		stream := s.track(NewStream(tracks))
		s.setAttempts(attempts)
		res := &Result{
			Stream:       stream,
			ProfileIndex: i,
			HasVideo:     stream.HasVideo(),
			HasAudio:     stream.HasAudio(),
		}
		s.log.Info("media acquired", zap.Int("profile", i), zap.String("name", p.Name),
			zap.Bool("video", res.HasVideo), zap.Bool("audio", res.HasAudio))
		return res, nil
	}

	s.setAttempts(attempts)
	kind := KindNotFound
	if n := len(attempts); n > 0 {
		kind = attempts[n-1].Kind
	}
	return nil, &AccessError{Kind: kind, Attempts: attempts}
}

// Test acquires and immediately releases a stream.
func (s *Service) Test(ctx context.Context) (*Result, error) {
	res, err := s.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	s.Release(res.Stream)
	return res, nil
}

// ListDevices enumerates capture devices.
func (s *Service) ListDevices(ctx context.Context) ([]DeviceInfo, error) {
	devs, err := s.dev.EnumerateDevices(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.devices = devs
	s.mu.Unlock()
	return devs, nil
}

// QueryPermissions reads the current permission states. Backend failures
// read as unknown.
func (s *Service) QueryPermissions(ctx context.Context) Permissions {
	p, err := s.dev.QueryPermissions(ctx)
	if err != nil {
		s.log.Debug("permission query failed", zap.Error(err))
		return Permissions{Camera: PermissionUnknown, Microphone: PermissionUnknown}
	}
	return p
}

// AcquireDisplay captures the screen for sharing.
func (s *Service) AcquireDisplay(ctx context.Context) (*Stream, error) {
	if err := s.Supported(); err != nil {
		return nil, err
	}
	tracks, err := s.dev.GetDisplayMedia(ctx)
	if err != nil {
		return nil, &AccessError{Kind: Classify(err), Err: fmt.Errorf("display capture: %w", err)}
	}
	if len(tracks) == 0 {
		return nil, &AccessError{Kind: KindNotFound, Err: errors.New("display capture returned no tracks")}
	}
	return s.track(NewStream(tracks)), nil
}

// Release stops every track of stream. Nil and repeated calls are no-ops.
func (s *Service) Release(stream *Stream) {
	if stream == nil {
		return
	}
	stream.stop()
	s.mu.Lock()
	delete(s.active, stream)
	s.mu.Unlock()
}

// Diagnostics reports the last enumeration and attempt log.
func (s *Service) Diagnostics() Diagnostics {
	d := Diagnostics{Supported: true}
	if err := s.dev.Supported(); err != nil {
		d.Supported = false
		d.SupportErr = err.Error()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	d.Devices = append(d.Devices, s.devices...)
	d.Attempts = append(d.Attempts, s.attempts...)
	for st := range s.active {
		if st.Stopped() {
			continue
		}
		if st.HasVideo() {
			d.ActiveVideo++
		}
		if st.HasAudio() {
			d.ActiveAudio++
		}
	}
	return d
}

func (s *Service) track(st *Stream) *Stream {
	s.mu.Lock()
	s.active[st] = struct{}{}
	s.mu.Unlock()
	return st
}

func (s *Service) setAttempts(a []Attempt) {
	s.mu.Lock()
	s.attempts = a
	s.mu.Unlock()
}
