// Package channel implements the framed text protocol spoken over the
// call's data channel: chat, typing notices, file links and inline file
// chunks.
package channel

import (
	"encoding/json"
	"time"
)

// FrameType is the required "type" field of every frame.
type FrameType string

const (
	TypeChat      FrameType = "chat"
	TypeTyping    FrameType = "typing"
	TypeFile      FrameType = "file"
	TypeFileChunk FrameType = "file-chunk"
)

// Frame is one of Chat, Typing, File or FileChunk.
type Frame interface {
	Type() FrameType
}

// TimeLayout is RFC 3339 with millisecond precision.
const TimeLayout = "2006-01-02T15:04:05.000Z07:00"

// Timestamp encodes as an RFC 3339 string with milliseconds in UTC.
type Timestamp struct {
	time.Time
}

// At wraps t.
func At(t time.Time) Timestamp { return Timestamp{Time: t} }

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(TimeLayout))
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		t.Time = time.Time{}
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return err
	}
	t.Time = parsed
	return nil
}

// Chat is a text message.
type Chat struct {
	Text      string    `json:"text"`
	Timestamp Timestamp `json:"timestamp"`
}

// Typing signals that the sender is typing.
type Typing struct {
	Timestamp Timestamp `json:"timestamp"`
}

// File links to a blob stored by the upload service.
type File struct {
	FileName  string    `json:"fileName"`
	FileURL   string    `json:"fileUrl"`
	FileSize  int64     `json:"fileSize"`
	FileType  string    `json:"fileType"`
	Timestamp Timestamp `json:"timestamp"`
}

// FileChunk carries part of a file inline. Chunk is base64 on the wire.
type FileChunk struct {
	FileName string `json:"fileName"`
	FileType string `json:"fileType"`
	FileSize int64  `json:"fileSize"`
	Chunk    []byte `json:"chunk"`
	Offset   int64  `json:"offset"`
	IsLast   bool   `json:"isLast"`
}

func (Chat) Type() FrameType      { return TypeChat }
func (Typing) Type() FrameType    { return TypeTyping }
func (File) Type() FrameType      { return TypeFile }
func (FileChunk) Type() FrameType { return TypeFileChunk }

func (f Chat) MarshalJSON() ([]byte, error) {
	type alias Chat
	return json.Marshal(struct {
		Type FrameType `json:"type"`
		alias
	}{TypeChat, alias(f)})
}

func (f Typing) MarshalJSON() ([]byte, error) {
	type alias Typing
	return json.Marshal(struct {
		Type FrameType `json:"type"`
		alias
	}{TypeTyping, alias(f)})
}

func (f File) MarshalJSON() ([]byte, error) {
	type alias File
	return json.Marshal(struct {
		Type FrameType `json:"type"`
		alias
	}{TypeFile, alias(f)})
}

func (f FileChunk) MarshalJSON() ([]byte, error) {
	type alias FileChunk
	return json.Marshal(struct {
		Type FrameType `json:"type"`
		alias
	}{TypeFileChunk, alias(f)})
}

// Encode renders f as a single line of JSON.
func Encode(f Frame) (string, error) {
	b, err := json.Marshal(f)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Decode parses raw. It never fails: anything that is not a well-formed
// frame comes back as a Chat holding raw, with ok false.
func Decode(raw string) (f Frame, ok bool) {
	f, err := decode([]byte(raw))
	if err != nil {
		return Chat{Text: raw}, false
	}
	return f, true
}

type malformed string

func (m malformed) Error() string { return string(m) }

func decode(b []byte) (Frame, error) {
	var head struct {
		Type FrameType `json:"type"`
	}
	if err := json.Unmarshal(b, &head); err != nil {
		return nil, err
	}
	switch head.Type {
	case TypeChat:
		var v struct {
			Text      *string   `json:"text"`
			Timestamp Timestamp `json:"timestamp"`
		}
		if err := json.Unmarshal(b, &v); err != nil {
			return nil, err
		}
		if v.Text == nil {
			return nil, malformed("chat without text")
		}
		return Chat{Text: *v.Text, Timestamp: v.Timestamp}, nil
	case TypeTyping:
		var v Typing
		if err := json.Unmarshal(b, &v); err != nil {
			return nil, err
		}
		return v, nil
	case TypeFile:
		var v File
		if err := json.Unmarshal(b, &v); err != nil {
			return nil, err
		}
		if v.FileName == "" || v.FileURL == "" {
			return nil, malformed("file without name or url")
		}
		return v, nil
	case TypeFileChunk:
		var v FileChunk
		if err := json.Unmarshal(b, &v); err != nil {
			return nil, err
		}
		if v.FileName == "" || v.Offset < 0 {
			return nil, malformed("file-chunk without name")
		}
		return v, nil
	}
	return nil, malformed("unknown frame type " + string(head.Type))
}
