package docstore

import (
	"encoding/json"
	"errors"

	"roomcall/native/internal/domain"
)

// Operations understood by the docstored relay.
const (
	OpAdd             = "add"
	OpSet             = "set"
	OpGet             = "get"
	OpUpdate          = "update"
	OpUpdateOnce      = "updateOnce"
	OpDelete          = "delete"
	OpList            = "list"
	OpWatchDocument   = "watchDocument"
	OpWatchCollection = "watchCollection"
	OpUnwatch         = "unwatch"
)

// Error codes carried in Response.Code.
const (
	CodeNotFound = "not-found"
	CodeConflict = "conflict"
	CodeInvalid  = "invalid"
	CodeInternal = "internal"
)

// Request is one client-to-relay frame. Watch requests keep their ID as the
// watch handle until an unwatch names it in WatchID.
type Request struct {
	ID         uint64                     `json:"id"`
	Op         string                     `json:"op"`
	Collection string                     `json:"collection,omitempty"`
	DocID      string                     `json:"docId,omitempty"`
	Guard      string                     `json:"guard,omitempty"`
	Data       json.RawMessage            `json:"data,omitempty"`
	Fields     map[string]json.RawMessage `json:"fields,omitempty"`
	WatchID    uint64                     `json:"watchId,omitempty"`
}

// Response is one relay-to-client frame: either the reply to request ID or,
// with Watch set, a change event for that watch.
type Response struct {
	ID    uint64            `json:"id,omitempty"`
	Watch uint64            `json:"watch,omitempty"`
	Code  string            `json:"code,omitempty"`
	Error string            `json:"error,omitempty"`
	DocID string            `json:"docId,omitempty"`
	Doc   *domain.Document  `json:"doc,omitempty"`
	Docs  []domain.Document `json:"docs,omitempty"`
	// End marks the last frame of a watch.
	End bool `json:"end,omitempty"`
}

// CodeOf maps a store error onto a wire code.
func CodeOf(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, domain.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, domain.ErrConflict):
		return CodeConflict
	default:
		return CodeInternal
	}
}

// ErrorOf turns a response error back into a Go error, keeping the store
// sentinels matchable with errors.Is.
func ErrorOf(r Response) error {
	switch r.Code {
	case "":
		return nil
	case CodeNotFound:
		return domain.ErrNotFound
	case CodeConflict:
		return domain.ErrConflict
	default:
		return &RemoteError{Code: r.Code, Message: r.Error}
	}
}

// RemoteError is a relay failure that has no local sentinel.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return "docstore relay: " + e.Code + ": " + e.Message
}
