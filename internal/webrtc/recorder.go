package webrtc

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	pion "github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/ivfwriter"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// KeyFrameInterval is how often a recorder asks for a video key frame.
const KeyFrameInterval = 3 * time.Second

// RemoteTrack is the read side of a remote track. *pion.TrackRemote
// satisfies it.
type RemoteTrack interface {
	ID() string
	Kind() pion.RTPCodecType
	SSRC() pion.SSRC
	Codec() pion.RTPCodecParameters
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// KeyFrameRequester sends a picture loss indication for ssrc.
type KeyFrameRequester interface {
	RequestKeyFrame(ssrc uint32) error
}

type rtpWriter interface {
	WriteRTP(pkt *rtp.Packet) error
	Close() error
}

// Recorder writes remote tracks to files: VP8 as IVF, Opus as Ogg and
// H264 as an Annex B elementary stream.
type Recorder struct {
	dir string
	kf  KeyFrameRequester
	clk clock.Clock
	log *zap.Logger
}

// NewRecorder records into dir. kf may be nil.
func NewRecorder(dir string, kf KeyFrameRequester, clk clock.Clock, log *zap.Logger) *Recorder {
	if clk == nil {
		clk = clock.New()
	}
	return &Recorder{dir: dir, kf: kf, clk: clk, log: log.Named("recorder")}
}

// Record reads track until it ends or ctx is done and returns the file
// written. Unsupported codecs are drained without a file.
func (r *Recorder) Record(ctx context.Context, track RemoteTrack) (string, error) {
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return "", fmt.Errorf("create record dir: %w", err)
	}
	codec := track.Codec()
	name := fmt.Sprintf("%s-%d", sanitize(track.ID()), uint32(track.SSRC()))
	log := r.log.With(zap.String("track", track.ID()), zap.String("codec", codec.MimeType))

	var (
		w    rtpWriter
		path string
		err  error
	)
	switch strings.ToLower(codec.MimeType) {
	case strings.ToLower(pion.MimeTypeVP8):
		path = filepath.Join(r.dir, name+".ivf")
		w, err = ivfwriter.New(path)
	case strings.ToLower(pion.MimeTypeOpus):
		path = filepath.Join(r.dir, name+".ogg")
		w, err = oggwriter.New(path, codec.ClockRate, codec.Channels)
	case strings.ToLower(pion.MimeTypeH264):
		path = filepath.Join(r.dir, name+".h264")
		w, err = newAnnexBWriter(path)
	default:
		log.Info("codec not recordable, draining")
		return "", drain(ctx, track)
	}
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}

	if track.Kind() == pion.RTPCodecTypeVideo && r.kf != nil {
		stop := r.requestKeyFrames(uint32(track.SSRC()), log)
		defer stop()
	}

	log.Info("recording", zap.String("path", path))
	readErr := r.copy(ctx, track, w)
	err = multierr.Append(readErr, w.Close())
	return path, err
}

func (r *Recorder) copy(ctx context.Context, track RemoteTrack, w rtpWriter) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read rtp: %w", err)
		}
		if err := w.WriteRTP(pkt); err != nil {
			return fmt.Errorf("write rtp: %w", err)
		}
	}
}

func (r *Recorder) requestKeyFrames(ssrc uint32, log *zap.Logger) func() {
	ticker := r.clk.Ticker(KeyFrameInterval)
	done := make(chan struct{})
	go func() {
		defer ticker.Stop()
		for {
			if err := r.kf.RequestKeyFrame(ssrc); err != nil {
				log.Debug("key frame request", zap.Error(err))
			}
			select {
			case <-done:
				return
			case <-ticker.C:
			}
		}
	}()
	return func() { close(done) }
}

func drain(ctx context.Context, track RemoteTrack) error {
	for ctx.Err() == nil {
		if _, _, err := track.ReadRTP(); err != nil {
			return nil
		}
	}
	return nil
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, s)
}

var startCode = []byte{0x00, 0x00, 0x00, 0x01}

// annexBWriter depacketizes H264 RTP into a start-code delimited stream.
type annexBWriter struct {
	f      *os.File
	w      *bufio.Writer
	depack *H264Depacketizer
}

func newAnnexBWriter(path string) (*annexBWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	return &annexBWriter{f: f, w: bufio.NewWriter(f), depack: NewH264Depacketizer()}, nil
}

func (a *annexBWriter) WriteRTP(pkt *rtp.Packet) error {
	for _, nalu := range a.depack.Depacketize(pkt.SequenceNumber, pkt.Payload) {
		if len(nalu) == 0 {
			continue
		}
		if _, err := a.w.Write(startCode); err != nil {
			return err
		}
		if _, err := a.w.Write(nalu); err != nil {
			return err
		}
	}
	return nil
}

func (a *annexBWriter) Close() error {
	return multierr.Append(a.w.Flush(), a.f.Close())
}
