package media_test

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"syscall"
	"testing"

	"roomcall/native/internal/media"
	"roomcall/native/internal/media/mediatest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newService(d *mediatest.Devices) *media.Service {
	return media.NewService(d, zap.NewNop())
}

func TestAcquire_FirstRungWins(t *testing.T) {
	d := mediatest.WithCameraAndMic()
	res, err := newService(d).Acquire(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, res.ProfileIndex)
	assert.True(t, res.HasVideo)
	assert.True(t, res.HasAudio)
	assert.Equal(t, []string{"hd"}, d.Calls)
	assert.True(t, res.Stream.Track(media.Video).Enabled())
}

func TestAcquire_CameraDeniedFallsToAudioOnly(t *testing.T) {
	d := mediatest.WithCameraAndMic()
	d.Fail = func(p media.Profile) error {
		if p.WantsVideo() {
			return &media.DeviceError{Kind: media.KindPermissionDenied, Op: "camera"}
		}
		return nil
	}
	svc := newService(d)

	res, err := svc.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, res.ProfileIndex)
	assert.False(t, res.HasVideo)
	assert.True(t, res.HasAudio)

	diag := svc.Diagnostics()
	require.Len(t, diag.Attempts, 4)
	for i, a := range diag.Attempts {
		assert.Equal(t, i, a.Index)
		assert.Equal(t, media.KindPermissionDenied, a.Kind)
	}
	assert.Equal(t, 1, diag.ActiveAudio)
}

func TestAcquire_NeverPicksRungForMissingKind(t *testing.T) {
	cases := []struct {
		name       string
		devices    []media.DeviceInfo
		wantIndex  int
		wantCalled []string
	}{
		{
			name:       "camera only",
			devices:    []media.DeviceInfo{{ID: "cam", Kind: media.Video}},
			wantIndex:  3,
			wantCalled: []string{"video-only"},
		},
		{
			name:       "microphone only",
			devices:    []media.DeviceInfo{{ID: "mic", Kind: media.Audio}},
			wantIndex:  4,
			wantCalled: []string{"audio-only"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := &mediatest.Devices{List: tc.devices}
			res, err := newService(d).Acquire(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tc.wantIndex, res.ProfileIndex)
			assert.Equal(t, tc.wantCalled, d.Calls)
		})
	}
}

func TestAcquire_EveryRungFailingWithCameraOnly(t *testing.T) {
	d := &mediatest.Devices{List: []media.DeviceInfo{{ID: "cam", Kind: media.Video}}}
	d.Fail = func(media.Profile) error { return fmt.Errorf("open /dev/video0: %w", syscall.EBUSY) }

	_, err := newService(d).Acquire(context.Background())
	var ae *media.AccessError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, media.KindDeviceBusy, ae.Kind)
	// video-only and minimal are the only rungs that fit
	assert.Equal(t, []string{"video-only", "minimal"}, d.Calls)
	require.Len(t, ae.Attempts, 2)
	assert.Equal(t, 3, ae.Attempts[0].Index)
	assert.Equal(t, 5, ae.Attempts[1].Index)
	assert.Contains(t, ae.Error(), "attempt 6 (minimal)")
}

func TestAcquire_NoDevicesNeverCaptures(t *testing.T) {
	d := &mediatest.Devices{}
	_, err := newService(d).Acquire(context.Background())

	var ae *media.AccessError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, media.KindNotFound, ae.Kind)
	assert.Zero(t, d.CallCount())
}

func TestAcquire_Unsupported(t *testing.T) {
	d := mediatest.WithCameraAndMic()
	d.SupportErr = &media.DeviceError{Kind: media.KindInsecureContext, Op: "capture"}

	_, err := newService(d).Acquire(context.Background())
	var ae *media.AccessError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, media.KindInsecureContext, ae.Kind)
	assert.Zero(t, d.CallCount())
}

func TestTest_ReleasesTracks(t *testing.T) {
	d := mediatest.WithCameraAndMic()
	svc := newService(d)

	res, err := svc.Test(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Stream.Stopped())
	for _, tr := range d.Tracks {
		assert.True(t, tr.Closed())
	}
	assert.Zero(t, svc.Diagnostics().ActiveVideo)
}

func TestRelease_Idempotent(t *testing.T) {
	d := mediatest.WithCameraAndMic()
	svc := newService(d)
	res, err := svc.Acquire(context.Background())
	require.NoError(t, err)

	svc.Release(res.Stream)
	svc.Release(res.Stream)
	svc.Release(nil)
	assert.True(t, res.Stream.Stopped())
}

func TestTrackEndingStopsIt(t *testing.T) {
	d := mediatest.WithCameraAndMic()
	svc := newService(d)
	display, err := svc.AcquireDisplay(context.Background())
	require.NoError(t, err)

	lt := display.Track(media.Video)
	require.NotNil(t, lt)
	d.LastTrack().End(errors.New("revoked"))

	select {
	case <-lt.Done():
	default:
		t.Fatal("track not stopped after ending")
	}
	assert.True(t, d.LastTrack().Closed())
}

func TestAcquireDisplay_Error(t *testing.T) {
	d := mediatest.WithCameraAndMic()
	d.DisplayErr = fmt.Errorf("screen: %w", fs.ErrPermission)
	_, err := newService(d).AcquireDisplay(context.Background())

	var ae *media.AccessError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, media.KindPermissionDenied, ae.Kind)
}

func TestQueryPermissions(t *testing.T) {
	d := mediatest.WithCameraAndMic()
	d.Perms = media.Permissions{Camera: media.PermissionDenied, Microphone: media.PermissionGranted}
	p := newService(d).QueryPermissions(context.Background())
	assert.Equal(t, media.PermissionDenied, p.Camera)
	assert.Equal(t, media.PermissionGranted, p.Microphone)
}

func TestClassify(t *testing.T) {
	cases := map[string]struct {
		err  error
		want media.ErrorKind
	}{
		"typed":        {&media.DeviceError{Kind: media.KindOverconstrained}, media.KindOverconstrained},
		"permission":   {fmt.Errorf("open: %w", fs.ErrPermission), media.KindPermissionDenied},
		"busy":         {fmt.Errorf("open: %w", syscall.EBUSY), media.KindDeviceBusy},
		"missing":      {fmt.Errorf("open: %w", fs.ErrNotExist), media.KindNotFound},
		"driver fit":   {errors.New("failed to find the best driver that fits the constraints"), media.KindOverconstrained},
		"unclassified": {errors.New("weird"), media.KindNotFound},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, media.Classify(tc.err))
		})
	}
}
