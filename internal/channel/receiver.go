package channel

import (
	"bytes"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// TypingTimeout clears the remote typing flag when no typing frame follows.
const TypingTimeout = 3 * time.Second

// Event is produced by a Receiver.
type Event interface {
	isReceiverEvent()
}

// ChatReceived is a remote chat message. Raw is set when the payload was
// not a valid frame and Text holds it verbatim.
type ChatReceived struct {
	Chat Chat
	Raw  bool
}

// TypingChanged reports the remote typing flag.
type TypingChanged struct {
	Typing bool
}

// FileOffered is a remote link to an uploaded file.
type FileOffered struct {
	File File
}

// FileReceived is a fully reassembled inline file.
type FileReceived struct {
	Name string
	Type string
	Data []byte
}

func (ChatReceived) isReceiverEvent()  {}
func (TypingChanged) isReceiverEvent() {}
func (FileOffered) isReceiverEvent()   {}
func (FileReceived) isReceiverEvent()  {}

type assembly struct {
	fileType string
	size     int64
	chunks   map[int64][]byte
}

// Receiver turns incoming text into events. Events go to sink, which may
// be called from the typing timer goroutine.
type Receiver struct {
	clk  clock.Clock
	log  *zap.Logger
	sink func(Event)

	mu     sync.Mutex
	typing bool
	timer  *clock.Timer
	// gen identifies the live typing timer; older timers that already
	// fired are ignored.
	gen     uint64
	pending map[string]*assembly
	closed  bool
}

// NewReceiver creates a receiver publishing to sink.
func NewReceiver(clk clock.Clock, log *zap.Logger, sink func(Event)) *Receiver {
	if clk == nil {
		clk = clock.New()
	}
	return &Receiver{
		clk:     clk,
		log:     log.Named("channel"),
		sink:    sink,
		pending: make(map[string]*assembly),
	}
}

// Handle processes one incoming message.
func (r *Receiver) Handle(raw string) {
	f, ok := Decode(raw)
	if !ok {
		r.log.Debug("undecodable frame, showing as chat", zap.Int("len", len(raw)))
	}
	switch v := f.(type) {
	case Chat:
		if v.Timestamp.IsZero() {
			v.Timestamp = At(r.clk.Now())
		}
		r.sink(ChatReceived{Chat: v, Raw: !ok})
	case Typing:
		r.onTyping()
	case File:
		r.sink(FileOffered{File: v})
	case FileChunk:
		r.onChunk(v)
	}
}

func (r *Receiver) onTyping() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	if r.timer != nil {
		r.timer.Stop()
	}
	r.gen++
	gen := r.gen
	r.timer = r.clk.AfterFunc(TypingTimeout, func() { r.clearTyping(gen) })
	changed := !r.typing
	r.typing = true
	r.mu.Unlock()

	if changed {
		r.sink(TypingChanged{Typing: true})
	}
}

func (r *Receiver) clearTyping(gen uint64) {
	r.mu.Lock()
	if gen != r.gen {
		r.mu.Unlock()
		return
	}
	changed := r.typing
	r.typing = false
	r.mu.Unlock()
	if changed {
		r.sink(TypingChanged{Typing: false})
	}
}

// Typing reports whether the remote side is typing.
func (r *Receiver) Typing() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.typing
}

func (r *Receiver) onChunk(c FileChunk) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	a := r.pending[c.FileName]
	if a == nil {
		a = &assembly{chunks: make(map[int64][]byte)}
		r.pending[c.FileName] = a
	}
	a.fileType = c.FileType
	a.size = c.FileSize
	a.chunks[c.Offset] = c.Chunk
	if !c.IsLast {
		r.mu.Unlock()
		return
	}
	delete(r.pending, c.FileName)
	r.mu.Unlock()

	offsets := make([]int64, 0, len(a.chunks))
	for off := range a.chunks {
		offsets = append(offsets, off)
	}
	sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })
	parts := make([][]byte, len(offsets))
	for i, off := range offsets {
		parts[i] = a.chunks[off]
	}
	data := bytes.Join(parts, nil)
	if a.size > 0 && int64(len(data)) != a.size {
		r.log.Warn("reassembled file size mismatch",
			zap.String("file", c.FileName),
			zap.Int64("want", a.size),
			zap.Int("got", len(data)),
		)
	}
	r.sink(FileReceived{Name: c.FileName, Type: a.fileType, Data: data})
}

// Pending returns the names of files still being received.
func (r *Receiver) Pending() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.pending))
	for n := range r.pending {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Close discards partial files and clears the typing flag. Later
// messages are still decoded but chunks and typing are ignored.
func (r *Receiver) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	dropped := len(r.pending)
	r.pending = make(map[string]*assembly)
	if r.timer != nil {
		r.timer.Stop()
	}
	r.gen++
	gen := r.gen
	r.mu.Unlock()

	if dropped > 0 {
		r.log.Info("discarded partial files", zap.Int("count", dropped))
	}
	r.clearTyping(gen)
}
