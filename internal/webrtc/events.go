package webrtc

import (
	"errors"
	"fmt"
	"time"

	"roomcall/native/internal/domain"

	pion "github.com/pion/webrtc/v4"
)

// ErrNotOpen is returned by operations that need Open to have run.
var ErrNotOpen = errors.New("peer connection not open")

// ErrNoSender is returned when no outgoing track of that kind exists.
var ErrNoSender = errors.New("no sender for track kind")

// NegotiationError reports that the session could not be established.
type NegotiationError struct {
	Reason  string
	Timeout time.Duration
}

func (e *NegotiationError) Error() string {
	if e.Timeout > 0 {
		return fmt.Sprintf("negotiation failed: %s after %s", e.Reason, e.Timeout)
	}
	return "negotiation failed: " + e.Reason
}

// Event is emitted by a Peer. It is one of StateEvent, CandidateEvent,
// TrackEvent or ChannelEvent.
type Event interface {
	isPeerEvent()
}

// StateEvent is an accepted connection state transition. Err is a
// *NegotiationError when To is failed.
type StateEvent struct {
	From domain.ConnectionState
	To   domain.ConnectionState
	Err  error
}

// CandidateEvent carries a locally gathered ICE candidate.
type CandidateEvent struct {
	Candidate domain.CandidateRecord
}

// TrackEvent announces a remote track.
type TrackEvent struct {
	Track    *pion.TrackRemote
	Receiver *pion.RTPReceiver
}

// ChannelEventKind is what happened on a data channel.
type ChannelEventKind int

const (
	ChannelOpen ChannelEventKind = iota
	ChannelMessage
	ChannelClose
)

func (k ChannelEventKind) String() string {
	switch k {
	case ChannelOpen:
		return "open"
	case ChannelMessage:
		return "message"
	case ChannelClose:
		return "close"
	}
	return "unknown"
}

// ChannelEvent is a data channel lifecycle change or incoming text.
type ChannelEvent struct {
	Kind    ChannelEventKind
	Channel *DataChannel
	Data    string
}

func (StateEvent) isPeerEvent()     {}
func (CandidateEvent) isPeerEvent() {}
func (TrackEvent) isPeerEvent()     {}
func (ChannelEvent) isPeerEvent()   {}

var transitions = map[domain.ConnectionState][]domain.ConnectionState{
	domain.StateNew:          {domain.StateConnecting, domain.StateConnected, domain.StateDisconnected, domain.StateFailed, domain.StateClosed},
	domain.StateConnecting:   {domain.StateConnected, domain.StateDisconnected, domain.StateFailed, domain.StateClosed},
	domain.StateConnected:    {domain.StateDisconnected, domain.StateFailed, domain.StateClosed},
	domain.StateDisconnected: {domain.StateConnecting, domain.StateConnected, domain.StateFailed, domain.StateClosed},
	domain.StateFailed:       {domain.StateClosed},
}

// allowed reports whether from -> to is a legal transition.
func allowed(from, to domain.ConnectionState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func fromPion(s pion.PeerConnectionState) (domain.ConnectionState, bool) {
	switch s {
	case pion.PeerConnectionStateNew:
		return domain.StateNew, true
	case pion.PeerConnectionStateConnecting:
		return domain.StateConnecting, true
	case pion.PeerConnectionStateConnected:
		return domain.StateConnected, true
	case pion.PeerConnectionStateDisconnected:
		return domain.StateDisconnected, true
	case pion.PeerConnectionStateFailed:
		return domain.StateFailed, true
	case pion.PeerConnectionStateClosed:
		return domain.StateClosed, true
	}
	return "", false
}
