package channel

import (
	"bytes"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeTransport struct {
	mu   sync.Mutex
	open bool
	fail error
	sent []string
}

func (f *fakeTransport) IsOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

func (f *fakeTransport) SendText(s string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.sent = append(f.sent, s)
	return nil
}

type sink struct {
	mu     sync.Mutex
	events []Event
}

func (s *sink) add(e Event) {
	s.mu.Lock()
	s.events = append(s.events, e)
	s.mu.Unlock()
}

func (s *sink) all() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

func TestEncode_WireShape(t *testing.T) {
	ts := At(time.Date(2024, 3, 1, 12, 0, 0, 5e6, time.FixedZone("CET", 3600)))
	s, err := Encode(Chat{Text: "hi", Timestamp: ts})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"chat","text":"hi","timestamp":"2024-03-01T11:00:00.005Z"}`, s)

	s, err = Encode(FileChunk{FileName: "a.bin", FileType: "application/octet-stream", FileSize: 3, Chunk: []byte{1, 2, 3}, IsLast: true})
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(s), &m))
	assert.Equal(t, "file-chunk", m["type"])
	assert.Equal(t, "AQID", m["chunk"])
	assert.Equal(t, true, m["isLast"])
	assert.NotContains(t, s, "\n")
}

func TestDecode(t *testing.T) {
	cases := map[string]struct {
		raw  string
		want Frame
		ok   bool
	}{
		"chat":        {`{"type":"chat","text":"hello","timestamp":null}`, Chat{Text: "hello"}, true},
		"typing":      {`{"type":"typing"}`, Typing{}, true},
		"file":        {`{"type":"file","fileName":"a.pdf","fileUrl":"https://x/a.pdf","fileSize":10,"fileType":"application/pdf"}`, File{FileName: "a.pdf", FileURL: "https://x/a.pdf", FileSize: 10, FileType: "application/pdf"}, true},
		"plain text":  {`hello there`, Chat{Text: "hello there"}, false},
		"unknown":     {`{"type":"wave"}`, Chat{Text: `{"type":"wave"}`}, false},
		"no text":     {`{"type":"chat"}`, Chat{Text: `{"type":"chat"}`}, false},
		"bad chunk":   {`{"type":"file-chunk","fileName":"x","chunk":"!!"}`, Chat{Text: `{"type":"file-chunk","fileName":"x","chunk":"!!"}`}, false},
		"json null":   {`null`, Chat{Text: `null`}, false},
		"wrong types": {`{"type":"file","fileName":7}`, Chat{Text: `{"type":"file","fileName":7}`}, false},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			got, ok := Decode(tc.raw)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestChunk_FortyThousandBytes(t *testing.T) {
	data := bytes.Repeat([]byte{7}, 40000)
	chunks := Chunk("photo.jpg", "image/jpeg", data)

	require.Len(t, chunks, 3)
	assert.Equal(t, []int64{0, 16384, 32768}, []int64{chunks[0].Offset, chunks[1].Offset, chunks[2].Offset})
	assert.False(t, chunks[0].IsLast)
	assert.False(t, chunks[1].IsLast)
	assert.True(t, chunks[2].IsLast)
	assert.Len(t, chunks[2].Chunk, 40000-32768)
	for _, c := range chunks {
		assert.Equal(t, int64(40000), c.FileSize)
	}
}

func TestChunk_Empty(t *testing.T) {
	chunks := Chunk("empty.txt", "text/plain", nil)
	require.Len(t, chunks, 1)
	assert.True(t, chunks[0].IsLast)
}

func TestSend_NotOpen(t *testing.T) {
	tr := &fakeTransport{}
	c := NewConn(tr, nil, zap.NewNop())
	_, err := c.SendChat("hi")

	var ce *Error
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, KindNotOpen, ce.Kind)
	assert.Empty(t, tr.sent)

	nilConn := NewConn(nil, nil, zap.NewNop())
	require.ErrorAs(t, nilConn.SendTyping(), &ce)
}

func TestSend_TransportError(t *testing.T) {
	tr := &fakeTransport{open: true, fail: errors.New("sctp gone")}
	err := NewConn(tr, nil, zap.NewNop()).SendTyping()
	require.Error(t, err)
	var ce *Error
	assert.False(t, errors.As(err, &ce))
}

func TestSendFile_RoundTrip(t *testing.T) {
	tr := &fakeTransport{open: true}
	data := bytes.Repeat([]byte("abcdefgh"), 5000)
	require.NoError(t, NewConn(tr, nil, zap.NewNop()).SendFile("notes.txt", "text/plain", data))
	require.Len(t, tr.sent, 3)

	s := &sink{}
	r := NewReceiver(nil, zap.NewNop(), s.add)
	// Deliver out of order; reassembly follows offsets.
	r.Handle(tr.sent[1])
	r.Handle(tr.sent[0])
	assert.Equal(t, []string{"notes.txt"}, r.Pending())
	r.Handle(tr.sent[2])

	events := s.all()
	require.Len(t, events, 1)
	got := events[0].(FileReceived)
	assert.Equal(t, "notes.txt", got.Name)
	assert.Equal(t, "text/plain", got.Type)
	assert.Equal(t, data, got.Data)
	assert.Empty(t, r.Pending())
}

func TestReceiver_CloseDiscardsPartialFiles(t *testing.T) {
	s := &sink{}
	r := NewReceiver(nil, zap.NewNop(), s.add)
	first := Chunk("big.bin", "application/octet-stream", make([]byte, ChunkSize*2))
	raw, err := Encode(first[0])
	require.NoError(t, err)
	r.Handle(raw)

	r.Close()
	assert.Empty(t, r.Pending())

	raw, err = Encode(first[1])
	require.NoError(t, err)
	r.Handle(raw)
	assert.Empty(t, s.all())
}

func TestReceiver_MalformedBecomesChat(t *testing.T) {
	mock := clock.NewMock()
	s := &sink{}
	r := NewReceiver(mock, zap.NewNop(), s.add)
	r.Handle("{not json")

	events := s.all()
	require.Len(t, events, 1)
	got := events[0].(ChatReceived)
	assert.True(t, got.Raw)
	assert.Equal(t, "{not json", got.Chat.Text)
	assert.Equal(t, mock.Now(), got.Chat.Timestamp.Time)
}

func TestReceiver_StaleTypingTimerIgnored(t *testing.T) {
	mock := clock.NewMock()
	s := &sink{}
	r := NewReceiver(mock, zap.NewNop(), s.add)
	typing, err := Encode(Typing{Timestamp: At(mock.Now())})
	require.NoError(t, err)

	r.Handle(typing)
	r.mu.Lock()
	first := r.gen
	r.mu.Unlock()
	r.Handle(typing)

	// The first timer fired just before the second frame re-armed it.
	r.clearTyping(first)
	assert.True(t, r.Typing())
	assert.Equal(t, []Event{TypingChanged{Typing: true}}, s.all())

	mock.Add(TypingTimeout)
	require.Eventually(t, func() bool { return !r.Typing() }, time.Second, 5*time.Millisecond)
}

func TestReceiver_TypingDecays(t *testing.T) {
	mock := clock.NewMock()
	s := &sink{}
	r := NewReceiver(mock, zap.NewNop(), s.add)
	typing, err := Encode(Typing{Timestamp: At(mock.Now())})
	require.NoError(t, err)

	r.Handle(typing)
	assert.True(t, r.Typing())

	mock.Add(2 * time.Second)
	r.Handle(typing)
	mock.Add(2 * time.Second)
	assert.True(t, r.Typing(), "second typing frame restarts the timer")

	mock.Add(time.Second)
	require.Eventually(t, func() bool { return !r.Typing() }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(s.all()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []Event{TypingChanged{Typing: true}, TypingChanged{Typing: false}}, s.all())
}
