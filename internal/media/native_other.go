//go:build !linux

package media

import (
	"context"
	"errors"

	pion "github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

var errNoDrivers = errors.New("native capture drivers are only built on linux")

// NativeDevices has no capture drivers on this platform.
type NativeDevices struct{}

// NewNativeDevices returns a backend whose Supported reports unsupported.
func NewNativeDevices(log *zap.Logger) (*NativeDevices, error) {
	log.Named("devices").Warn("no capture drivers on this platform")
	return &NativeDevices{}, nil
}

func (d *NativeDevices) RegisterCodecs(m *pion.MediaEngine) error {
	return m.RegisterDefaultCodecs()
}

func (d *NativeDevices) Supported() error {
	return &DeviceError{Kind: KindUnsupported, Op: "capture", Err: errNoDrivers}
}

func (d *NativeDevices) EnumerateDevices(ctx context.Context) ([]DeviceInfo, error) {
	return nil, nil
}

func (d *NativeDevices) QueryPermissions(ctx context.Context) (Permissions, error) {
	return Permissions{Camera: PermissionUnknown, Microphone: PermissionUnknown}, nil
}

func (d *NativeDevices) GetUserMedia(ctx context.Context, p Profile) ([]Track, error) {
	return nil, d.Supported()
}

func (d *NativeDevices) GetDisplayMedia(ctx context.Context) ([]Track, error) {
	return nil, d.Supported()
}

var _ Devices = (*NativeDevices)(nil)
