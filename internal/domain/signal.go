package domain

import "time"

// SessionDescription is the JSON structure for SDP offer/answer bodies as
// they are stored on a room document.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// IsZero reports whether no description is present.
func (d SessionDescription) IsZero() bool {
	return d.Type == "" && d.SDP == ""
}

// CandidateRecord is the JSON structure of one ICE candidate document.
// Optional fields are pointers so they serialize as null when absent.
type CandidateRecord struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex"`
	UsernameFragment *string `json:"usernameFragment"`
}

// MediaInfo describes what a participant managed to capture.
type MediaInfo struct {
	HasVideo     bool `json:"hasVideo"`
	HasAudio     bool `json:"hasAudio"`
	FallbackUsed int  `json:"fallbackUsed"`
}

// Room is the signaling document shared by caller and callee.
type Room struct {
	ID          string              `json:"-"`
	Offer       *SessionDescription `json:"offer"`
	Answer      *SessionDescription `json:"answer"`
	CreatedAt   time.Time           `json:"createdAt"`
	JoinedAt    *time.Time          `json:"joinedAt,omitempty"`
	CallerMedia *MediaInfo          `json:"callerMedia,omitempty"`
	CalleeMedia *MediaInfo          `json:"calleeMedia,omitempty"`
}

// Role is the side a participant plays in a room.
type Role string

const (
	RoleCaller Role = "caller"
	RoleCallee Role = "callee"
)

// Opposite returns the other role.
func (r Role) Opposite() Role {
	if r == RoleCaller {
		return RoleCallee
	}
	return RoleCaller
}

// ConnectionState mirrors the peer connection state machine.
type ConnectionState string

const (
	StateNew          ConnectionState = "new"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateDisconnected ConnectionState = "disconnected"
	StateFailed       ConnectionState = "failed"
	StateClosed       ConnectionState = "closed"
)

// Terminal reports whether no further transition (other than failed->closed)
// is possible.
func (s ConnectionState) Terminal() bool {
	return s == StateFailed || s == StateClosed
}
