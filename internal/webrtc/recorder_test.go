package webrtc

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	pion "github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeRemote struct {
	id    string
	kind  pion.RTPCodecType
	codec pion.RTPCodecParameters
	pkts  []*rtp.Packet
}

func (f *fakeRemote) ID() string                     { return f.id }
func (f *fakeRemote) Kind() pion.RTPCodecType        { return f.kind }
func (f *fakeRemote) SSRC() pion.SSRC                { return 42 }
func (f *fakeRemote) Codec() pion.RTPCodecParameters { return f.codec }

func (f *fakeRemote) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	if len(f.pkts) == 0 {
		return nil, nil, io.EOF
	}
	p := f.pkts[0]
	f.pkts = f.pkts[1:]
	return p, nil, nil
}

type countingRequester struct {
	mu    sync.Mutex
	ssrcs []uint32
}

func (c *countingRequester) RequestKeyFrame(ssrc uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ssrcs = append(c.ssrcs, ssrc)
	return nil
}

func TestRecorder_H264AnnexB(t *testing.T) {
	dir := t.TempDir()
	kf := &countingRequester{}
	r := NewRecorder(dir, kf, nil, zap.NewNop())

	track := &fakeRemote{
		id:    "video/cam",
		kind:  pion.RTPCodecTypeVideo,
		codec: pion.RTPCodecParameters{RTPCodecCapability: pion.RTPCodecCapability{MimeType: pion.MimeTypeH264, ClockRate: 90000}},
		pkts: []*rtp.Packet{
			{Header: rtp.Header{SequenceNumber: 1}, Payload: []byte{0x67, 0xAA}},
			{Header: rtp.Header{SequenceNumber: 2}, Payload: []byte{0x7C, 0x85, 0x01}},
			{Header: rtp.Header{SequenceNumber: 3}, Payload: []byte{0x7C, 0x45, 0x02}},
		},
	}
	path, err := r.Record(context.Background(), track)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "video_cam-42.h264"), path)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	want := bytes.Join([][]byte{
		{0, 0, 0, 1, 0x67, 0xAA},
		{0, 0, 0, 1, 0x65, 0x01, 0x02},
	}, nil)
	assert.Equal(t, want, got)

	kf.mu.Lock()
	defer kf.mu.Unlock()
	if len(kf.ssrcs) > 0 {
		assert.Equal(t, uint32(42), kf.ssrcs[0])
	}
}

func TestRecorder_OpusAndVP8Files(t *testing.T) {
	dir := t.TempDir()
	r := NewRecorder(dir, nil, nil, zap.NewNop())

	audio := &fakeRemote{
		id:    "mic",
		kind:  pion.RTPCodecTypeAudio,
		codec: pion.RTPCodecParameters{RTPCodecCapability: pion.RTPCodecCapability{MimeType: pion.MimeTypeOpus, ClockRate: 48000, Channels: 2}},
	}
	path, err := r.Record(context.Background(), audio)
	require.NoError(t, err)
	assert.Equal(t, ".ogg", filepath.Ext(path))
	assert.FileExists(t, path)

	video := &fakeRemote{
		id:    "cam",
		kind:  pion.RTPCodecTypeVideo,
		codec: pion.RTPCodecParameters{RTPCodecCapability: pion.RTPCodecCapability{MimeType: pion.MimeTypeVP8, ClockRate: 90000}},
	}
	path, err = r.Record(context.Background(), video)
	require.NoError(t, err)
	assert.Equal(t, ".ivf", filepath.Ext(path))
	assert.FileExists(t, path)
}

func TestRecorder_DrainsUnknownCodec(t *testing.T) {
	r := NewRecorder(t.TempDir(), nil, nil, zap.NewNop())
	track := &fakeRemote{
		id:    "x",
		kind:  pion.RTPCodecTypeAudio,
		codec: pion.RTPCodecParameters{RTPCodecCapability: pion.RTPCodecCapability{MimeType: pion.MimeTypePCMU, ClockRate: 8000}},
		pkts:  []*rtp.Packet{{Payload: []byte{1}}},
	}
	path, err := r.Record(context.Background(), track)
	require.NoError(t, err)
	assert.Empty(t, path)
	assert.Empty(t, track.pkts)
}
