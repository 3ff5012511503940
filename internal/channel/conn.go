package channel

import (
	"fmt"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// ChunkSize is the payload size of one file-chunk frame.
const ChunkSize = 16384

// ErrorKind classifies channel errors.
type ErrorKind string

// KindNotOpen means the transport is not in the open state.
const KindNotOpen ErrorKind = "not-open"

// Error is returned by Conn.Send.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("data channel %s: %v", e.Kind, e.Err)
	}
	return "data channel " + string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Transport sends text messages. The webrtc data channel satisfies it.
type Transport interface {
	IsOpen() bool
	SendText(s string) error
}

// Conn sends frames over a transport.
type Conn struct {
	t   Transport
	clk clock.Clock
	log *zap.Logger
}

// NewConn wraps t. clk stamps outgoing frames.
func NewConn(t Transport, clk clock.Clock, log *zap.Logger) *Conn {
	if clk == nil {
		clk = clock.New()
	}
	return &Conn{t: t, clk: clk, log: log.Named("channel")}
}

// IsOpen reports whether the transport can send.
func (c *Conn) IsOpen() bool {
	return c.t != nil && c.t.IsOpen()
}

// Send encodes and sends f.
func (c *Conn) Send(f Frame) error {
	if !c.IsOpen() {
		return &Error{Kind: KindNotOpen}
	}
	s, err := Encode(f)
	if err != nil {
		return fmt.Errorf("encode %s frame: %w", f.Type(), err)
	}
	if err := c.t.SendText(s); err != nil {
		if !c.t.IsOpen() {
			return &Error{Kind: KindNotOpen, Err: err}
		}
		return fmt.Errorf("send %s frame: %w", f.Type(), err)
	}
	return nil
}

// SendChat sends a chat frame stamped now and returns it.
func (c *Conn) SendChat(text string) (Chat, error) {
	f := Chat{Text: text, Timestamp: At(c.clk.Now())}
	return f, c.Send(f)
}

// SendTyping sends a typing frame.
func (c *Conn) SendTyping() error {
	return c.Send(Typing{Timestamp: At(c.clk.Now())})
}

// SendFileLink sends a file frame for an uploaded blob.
func (c *Conn) SendFileLink(name, url, mime string, size int64) (File, error) {
	f := File{FileName: name, FileURL: url, FileSize: size, FileType: mime, Timestamp: At(c.clk.Now())}
	return f, c.Send(f)
}

// SendFile sends data inline as file-chunk frames. It stops at the first
// failed frame.
func (c *Conn) SendFile(name, mime string, data []byte) error {
	chunks := Chunk(name, mime, data)
	for i, ch := range chunks {
		if err := c.Send(ch); err != nil {
			return fmt.Errorf("chunk %d/%d of %s: %w", i+1, len(chunks), name, err)
		}
	}
	c.log.Debug("file sent", zap.String("file", name), zap.Int("chunks", len(chunks)))
	return nil
}

// Chunk splits data into ChunkSize frames. An empty file is one empty
// final chunk.
func Chunk(name, mime string, data []byte) []FileChunk {
	size := int64(len(data))
	var out []FileChunk
	for off := int64(0); off < size || off == 0; off += ChunkSize {
		end := min(off+ChunkSize, size)
		out = append(out, FileChunk{
			FileName: name,
			FileType: mime,
			FileSize: size,
			Chunk:    data[off:end],
			Offset:   off,
			IsLast:   end == size,
		})
		if end == size {
			break
		}
	}
	return out
}
