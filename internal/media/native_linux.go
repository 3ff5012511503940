//go:build linux

package media

import (
	"context"
	"fmt"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	_ "github.com/pion/mediadevices/pkg/driver/screen"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	pion "github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// NativeDevices captures through pion/mediadevices (V4L2 cameras, malgo
// microphones, X11 screen) and encodes VP8 and Opus.
type NativeDevices struct {
	log           *zap.Logger
	codecSelector *mediadevices.CodecSelector
}

// NewNativeDevices prepares the encoders.
func NewNativeDevices(log *zap.Logger) (*NativeDevices, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("vp8 params: %w", err)
	}
	vpxParams.BitRate = 1_500_000 // 1.5 Mbps

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}

	return &NativeDevices{
		log: log.Named("devices"),
		codecSelector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

// RegisterCodecs puts the encoder codecs on the peer's media engine so
// negotiated payload types match what the tracks produce.
func (d *NativeDevices) RegisterCodecs(m *pion.MediaEngine) error {
	d.codecSelector.Populate(m)
	return nil
}

func (d *NativeDevices) Supported() error { return nil }

func (d *NativeDevices) EnumerateDevices(ctx context.Context) ([]DeviceInfo, error) {
	var out []DeviceInfo
	for _, info := range mediadevices.EnumerateDevices() {
		if info.DeviceType == "screen" {
			continue
		}
		var kind Kind
		switch info.Kind {
		case mediadevices.VideoInput:
			kind = Video
		case mediadevices.AudioInput:
			kind = Audio
		default:
			continue
		}
		out = append(out, DeviceInfo{ID: info.DeviceID, Label: info.Label, Kind: kind})
	}
	return out, nil
}

// QueryPermissions has no prompt to ask on Linux: a device that enumerates
// and opens is granted.
func (d *NativeDevices) QueryPermissions(ctx context.Context) (Permissions, error) {
	devs, err := d.EnumerateDevices(ctx)
	if err != nil {
		return Permissions{}, err
	}
	p := Permissions{Camera: PermissionUnknown, Microphone: PermissionUnknown}
	nVideo, nAudio := countKinds(devs)
	if nVideo > 0 {
		p.Camera = PermissionGranted
	}
	if nAudio > 0 {
		p.Microphone = PermissionGranted
	}
	return p, nil
}

func intProp(r IntRange) prop.IntConstraint {
	switch {
	case r.Exact > 0:
		return prop.IntExact(r.Exact)
	case r.Max > 0:
		return prop.IntRanged{Ideal: r.Ideal, Max: r.Max}
	case r.Ideal > 0:
		return prop.Int(r.Ideal)
	default:
		return nil
	}
}

func floatProp(r IntRange) prop.FloatConstraint {
	switch {
	case r.Exact > 0:
		return prop.FloatExact(float32(r.Exact))
	case r.Max > 0:
		return prop.FloatRanged{Ideal: float32(r.Ideal), Max: float32(r.Max)}
	case r.Ideal > 0:
		return prop.Float(float32(r.Ideal))
	default:
		return nil
	}
}

func (d *NativeDevices) GetUserMedia(ctx context.Context, p Profile) ([]Track, error) {
	constraints := mediadevices.MediaStreamConstraints{Codec: d.codecSelector}
	if v := p.Video; v != nil {
		constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
			// MJPEG nodes on some cameras emit frames that break the VP8 encoder
			c.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			if w := intProp(v.Width); w != nil {
				c.Width = w
			}
			if h := intProp(v.Height); h != nil {
				c.Height = h
			}
			if fr := floatProp(v.FrameRate); fr != nil {
				c.FrameRate = fr
			}
		}
	}
	if a := p.Audio; a != nil {
		constraints.Audio = func(c *mediadevices.MediaTrackConstraints) {
			// echo cancellation and friends have no driver knob here
			if a.SampleRate > 0 {
				c.SampleRate = prop.Int(a.SampleRate)
			}
		}
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, err
	}
	return d.wrap(stream), nil
}

func (d *NativeDevices) GetDisplayMedia(ctx context.Context) ([]Track, error) {
	stream, err := mediadevices.GetDisplayMedia(mediadevices.MediaStreamConstraints{
		Codec: d.codecSelector,
		Video: func(c *mediadevices.MediaTrackConstraints) {},
	})
	if err != nil {
		return nil, err
	}
	return d.wrap(stream), nil
}

func (d *NativeDevices) wrap(stream mediadevices.MediaStream) []Track {
	var out []Track
	for _, t := range stream.GetTracks() {
		d.log.Debug("track captured", zap.String("id", t.ID()), zap.String("kind", t.Kind().String()))
		out = append(out, t)
	}
	return out
}

var _ Devices = (*NativeDevices)(nil)
