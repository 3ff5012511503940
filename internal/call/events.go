package call

import (
	"errors"
	"fmt"
	"strings"

	"roomcall/native/internal/channel"
	"roomcall/native/internal/domain"
	"roomcall/native/internal/media"

	pion "github.com/pion/webrtc/v4"
)

var (
	// ErrUnsupported wraps the startup capability failure. Every session
	// operation returns it when capture or the peer stack is unavailable.
	ErrUnsupported = errors.New("calling is not supported on this system")
	// ErrNoMedia is returned by operations that need local media first.
	ErrNoMedia = errors.New("no local media; acquire media first")
	// ErrNoTrack is returned when toggling a kind that was never acquired.
	ErrNoTrack = errors.New("no local track of that kind")
	// ErrInSession is returned when a room is already active.
	ErrInSession = errors.New("already in a room; hang up first")
	// ErrNoSession is returned by operations that need an active room.
	ErrNoSession = errors.New("not in a room")
)

// StepError is one failed hang-up step.
type StepError struct {
	Step string
	Err  error
}

// TeardownError collects hang-up steps that failed. Later steps still ran.
type TeardownError struct {
	Steps []StepError
}

func (e *TeardownError) Error() string {
	parts := make([]string, len(e.Steps))
	for i, s := range e.Steps {
		parts[i] = fmt.Sprintf("%s: %v", s.Step, s.Err)
	}
	return "hang up: " + strings.Join(parts, "; ")
}

// Unwrap exposes every step error to errors.Is/As.
func (e *TeardownError) Unwrap() []error {
	errs := make([]error, len(e.Steps))
	for i, s := range e.Steps {
		errs[i] = s.Err
	}
	return errs
}

// Sender says which side produced a message.
type Sender string

const (
	Local  Sender = "local"
	Remote Sender = "remote"
)

// Event is published by the Orchestrator for presentation layers.
type Event interface {
	isCallEvent()
}

// MediaEvent reports local media acquisition progress.
type MediaEvent struct {
	Acquiring      bool
	Result         *media.Result
	Err            error
	RetryCount     int
	RetryScheduled bool
}

// RoomEvent reports the room the session is bound to.
type RoomEvent struct {
	RoomID string
	Role   domain.Role
}

// StateEvent reports a connection state change. Err is set on failure.
type StateEvent struct {
	State domain.ConnectionState
	Err   error
}

// RemoteTrackEvent announces remote media.
type RemoteTrackEvent struct {
	Kind  media.Kind
	Track *pion.TrackRemote
}

// ChannelStateEvent reports the data channel opening or closing.
type ChannelStateEvent struct {
	Open bool
}

// ChatEvent is a chat message from either side. Raw marks remote
// payloads that were not valid frames.
type ChatEvent struct {
	From Sender
	Chat channel.Chat
	Raw  bool
}

// TypingEvent reports the remote typing flag.
type TypingEvent struct {
	Typing bool
}

// FileEvent is a shared file link from either side.
type FileEvent struct {
	From Sender
	File channel.File
}

// FileReceivedEvent is an inline file from the remote side.
type FileReceivedEvent struct {
	Name string
	Type string
	Data []byte
}

// ToggleEvent reports a local track being enabled or disabled.
type ToggleEvent struct {
	Kind    media.Kind
	Enabled bool
}

// ScreenShareEvent reports screen sharing starting or stopping.
type ScreenShareEvent struct {
	Active bool
}

// HangUpEvent is published once teardown finished. Err is a
// *TeardownError when any step failed.
type HangUpEvent struct {
	RoomID string
	Err    error
}

func (MediaEvent) isCallEvent()        {}
func (RoomEvent) isCallEvent()         {}
func (StateEvent) isCallEvent()        {}
func (RemoteTrackEvent) isCallEvent()  {}
func (ChannelStateEvent) isCallEvent() {}
func (ChatEvent) isCallEvent()         {}
func (TypingEvent) isCallEvent()       {}
func (FileEvent) isCallEvent()         {}
func (FileReceivedEvent) isCallEvent() {}
func (ToggleEvent) isCallEvent()       {}
func (ScreenShareEvent) isCallEvent()  {}
func (HangUpEvent) isCallEvent()       {}
