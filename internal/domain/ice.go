package domain

import (
	"fmt"
	"strings"
)

// DefaultCandidatePoolSize is the ICE candidate pool size used for every
// peer connection.
const DefaultCandidatePoolSize = 10

// ICEServer holds one STUN server entry. Relay (TURN) servers are not
// supported, so there are no credentials.
type ICEServer struct {
	URLs []string `json:"urls"`
}

// DefaultICEServers are the public STUN endpoints used when none are configured.
var DefaultICEServers = []ICEServer{
	{URLs: []string{"stun:stun1.l.google.com:19302", "stun:stun2.l.google.com:19302"}},
}

// ValidateICEServers rejects anything other than stun:/stuns: URLs.
func ValidateICEServers(servers []ICEServer) error {
	for _, s := range servers {
		if len(s.URLs) == 0 {
			return fmt.Errorf("ice server without urls")
		}
		for _, u := range s.URLs {
			scheme, _, ok := strings.Cut(u, ":")
			if !ok {
				return fmt.Errorf("ice server url %q: missing scheme", u)
			}
			switch strings.ToLower(scheme) {
			case "stun", "stuns":
			default:
				return fmt.Errorf("ice server url %q: only STUN servers are supported", u)
			}
		}
	}
	return nil
}
