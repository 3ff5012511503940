package media

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"syscall"
)

// ErrorKind classifies why a capture attempt failed.
type ErrorKind string

const (
	KindPermissionDenied ErrorKind = "permission-denied"
	KindNotFound         ErrorKind = "not-found"
	KindDeviceBusy       ErrorKind = "device-busy"
	KindOverconstrained  ErrorKind = "overconstrained"
	KindUnsupported      ErrorKind = "unsupported"
	KindInsecureContext  ErrorKind = "insecure-context"
)

// DeviceError is what a Devices backend returns when it already knows the
// failure class.
type DeviceError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *DeviceError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

// Classify maps a backend error onto an ErrorKind.
func Classify(err error) ErrorKind {
	var de *DeviceError
	if errors.As(err, &de) {
		return de.Kind
	}
	if errors.Is(err, fs.ErrPermission) || errors.Is(err, syscall.EACCES) {
		return KindPermissionDenied
	}
	if errors.Is(err, syscall.EBUSY) {
		return KindDeviceBusy
	}
	if errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ENODEV) {
		return KindNotFound
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "permission denied"), strings.Contains(msg, "not allowed"):
		return KindPermissionDenied
	case strings.Contains(msg, "busy"), strings.Contains(msg, "in use"):
		return KindDeviceBusy
	case strings.Contains(msg, "constraint"):
		return KindOverconstrained
	case strings.Contains(msg, "not supported"), strings.Contains(msg, "unsupported"):
		return KindUnsupported
	default:
		return KindNotFound
	}
}

// Attempt records one failed rung of the fallback ladder.
type Attempt struct {
	Index   int
	Profile string
	Kind    ErrorKind
	Err     error
}

func (a Attempt) String() string {
	return fmt.Sprintf("attempt %d (%s): %s: %v", a.Index+1, a.Profile, a.Kind, a.Err)
}

// AccessError is returned when no usable stream could be acquired.
type AccessError struct {
	Kind     ErrorKind
	Attempts []Attempt
	Err      error
}

func (e *AccessError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "media access failed: %s", e.Kind)
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	for _, a := range e.Attempts {
		b.WriteString("\n  ")
		b.WriteString(a.String())
	}
	return b.String()
}

func (e *AccessError) Unwrap() error { return e.Err }
