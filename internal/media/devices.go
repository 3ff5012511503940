package media

import "context"

// DeviceInfo describes one capture device.
type DeviceInfo struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	Kind  Kind   `json:"kind"`
}

// PermissionState is the access state of a device class.
type PermissionState string

const (
	PermissionGranted PermissionState = "granted"
	PermissionDenied  PermissionState = "denied"
	PermissionPrompt  PermissionState = "prompt"
	PermissionUnknown PermissionState = "unknown"
)

// Permissions holds the camera and microphone permission states.
type Permissions struct {
	Camera     PermissionState `json:"camera"`
	Microphone PermissionState `json:"microphone"`
}

// Devices is the capture backend.
type Devices interface {
	// Supported returns a *DeviceError (unsupported or insecure-context)
	// when capture cannot work at all.
	Supported() error
	EnumerateDevices(ctx context.Context) ([]DeviceInfo, error)
	QueryPermissions(ctx context.Context) (Permissions, error)
	GetUserMedia(ctx context.Context, p Profile) ([]Track, error)
	GetDisplayMedia(ctx context.Context) ([]Track, error)
}

func countKinds(devs []DeviceInfo) (video, audio int) {
	for _, d := range devs {
		switch d.Kind {
		case Video:
			video++
		case Audio:
			audio++
		}
	}
	return video, audio
}
