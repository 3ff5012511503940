package webrtc

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pkt(seq uint16, payload ...byte) *rtp.Packet {
	return &rtp.Packet{Header: rtp.Header{SequenceNumber: seq}, Payload: payload}
}

// annexB runs packets through the recorder's H264 writer and returns the file.
func annexB(t *testing.T, pkts ...*rtp.Packet) []byte {
	t.Helper()
	path := filepath.Join(t.TempDir(), "out.h264")
	w, err := newAnnexBWriter(path)
	require.NoError(t, err)
	for _, p := range pkts {
		require.NoError(t, w.WriteRTP(p))
	}
	require.NoError(t, w.Close())
	out, err := os.ReadFile(path)
	require.NoError(t, err)
	return out
}

func nalus(units ...[]byte) []byte {
	var out []byte
	for _, u := range units {
		out = append(out, startCode...)
		out = append(out, u...)
	}
	return out
}

func TestAnnexBWriter(t *testing.T) {
	sps := []byte{0x67, 0x42, 0x00, 0x1f}
	pps := []byte{0x68, 0xce, 0x3c}
	idr := []byte{0x65, 0x01, 0x02, 0x03}

	tests := map[string]struct {
		pkts []*rtp.Packet
		want []byte
	}{
		"single NAL": {
			pkts: []*rtp.Packet{pkt(1, sps...)},
			want: nalus(sps),
		},
		"STAP-A": {
			pkts: []*rtp.Packet{pkt(1, 0x78, 0x00, 0x04, 0x67, 0x42, 0x00, 0x1f, 0x00, 0x03, 0x68, 0xce, 0x3c)},
			want: nalus(sps, pps),
		},
		"STAP-A stops at zero size": {
			pkts: []*rtp.Packet{pkt(1, 0x78, 0x00, 0x03, 0x68, 0xce, 0x3c, 0x00, 0x00, 0x00, 0x01, 0x09)},
			want: nalus(pps),
		},
		"STAP-A truncated entry": {
			pkts: []*rtp.Packet{pkt(1, 0x78, 0x00, 0x09, 0x67)},
			want: nil,
		},
		"FU-A reassembled": {
			pkts: []*rtp.Packet{
				pkt(10, 0x7c, 0x85, 0x01),
				pkt(11, 0x7c, 0x05, 0x02),
				pkt(12, 0x7c, 0x45, 0x03),
			},
			want: nalus(idr),
		},
		"FU-A across sequence wrap": {
			pkts: []*rtp.Packet{
				pkt(65535, 0x7c, 0x85, 0x01, 0x02),
				pkt(0, 0x7c, 0x45, 0x03),
			},
			want: nalus(idr),
		},
		"FU-A with a lost fragment is dropped": {
			pkts: []*rtp.Packet{
				pkt(10, 0x7c, 0x85, 0x01),
				pkt(12, 0x7c, 0x45, 0x03),
				pkt(13, sps...),
			},
			want: nalus(sps),
		},
		"FU-A fragments out of order": {
			pkts: []*rtp.Packet{
				pkt(10, 0x7c, 0x85, 0x01),
				pkt(12, 0x7c, 0x45, 0x03),
				pkt(11, 0x7c, 0x05, 0x02),
			},
			want: nil,
		},
		"orphan fragments ignored": {
			pkts: []*rtp.Packet{
				pkt(5, 0x7c, 0x05, 0x02),
				pkt(6, 0x7c, 0x45, 0x03),
			},
			want: nil,
		},
		"single NAL abandons open fragment": {
			pkts: []*rtp.Packet{
				pkt(1, 0x7c, 0x85, 0x01),
				pkt(2, pps...),
				pkt(3, 0x7c, 0x45, 0x03),
			},
			want: nalus(pps),
		},
		"new start restarts chain": {
			pkts: []*rtp.Packet{
				pkt(1, 0x7c, 0x85, 0xff),
				pkt(2, 0x7c, 0x85, 0x01, 0x02),
				pkt(3, 0x7c, 0x45, 0x03),
			},
			want: nalus(idr),
		},
		"empty and reserved payloads ignored": {
			pkts: []*rtp.Packet{pkt(1), pkt(2, 0x1e, 0x00), pkt(3, 0x7c)},
			want: nil,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			got := annexB(t, tc.pkts...)
			if tc.want == nil {
				assert.Empty(t, got)
				return
			}
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestDepacketizer_StatePerTrack(t *testing.T) {
	a, b := NewH264Depacketizer(), NewH264Depacketizer()

	assert.Nil(t, a.Depacketize(1, []byte{0x7c, 0x85, 0xaa}))
	// b never saw a start fragment.
	assert.Nil(t, b.Depacketize(2, []byte{0x7c, 0x45, 0xbb}))

	got := a.Depacketize(2, []byte{0x7c, 0x45, 0xbb})
	require.Len(t, got, 1)
	assert.True(t, bytes.Equal([]byte{0x65, 0xaa, 0xbb}, got[0]))
}
