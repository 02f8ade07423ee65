package models

import (
	"errors"
	"fmt"
)

// ErrorKind classifies control failures so callers can tell a network problem from a missing app.
type ErrorKind string

const (
	KindDaemonUnreachable     ErrorKind = "daemon_unreachable"
	KindDeviceUnreachable     ErrorKind = "device_unreachable"
	KindCommandTimedOut       ErrorKind = "command_timed_out"
	KindCommandFailed         ErrorKind = "command_failed"
	KindDuplicateSession      ErrorKind = "duplicate_session"
	KindSessionNotFound       ErrorKind = "session_not_found"
	KindAllFallbacksExhausted ErrorKind = "all_fallbacks_exhausted"
	KindInvalidRequest        ErrorKind = "invalid_request"
)

var (
	ErrDaemonUnreachable     = errors.New("debug bridge daemon unreachable")
	ErrDeviceUnreachable     = errors.New("device unreachable")
	ErrCommandTimedOut       = errors.New("command timed out")
	ErrCommandFailed         = errors.New("command failed")
	ErrDuplicateSession      = errors.New("session already exists")
	ErrSessionNotFound       = errors.New("session not found")
	ErrAllFallbacksExhausted = errors.New("all fallbacks exhausted")
	ErrInvalidRequest        = errors.New("invalid request")
)

var sentinels = map[ErrorKind]error{
	KindDaemonUnreachable:     ErrDaemonUnreachable,
	KindDeviceUnreachable:     ErrDeviceUnreachable,
	KindCommandTimedOut:       ErrCommandTimedOut,
	KindCommandFailed:         ErrCommandFailed,
	KindDuplicateSession:      ErrDuplicateSession,
	KindSessionNotFound:       ErrSessionNotFound,
	KindAllFallbacksExhausted: ErrAllFallbacksExhausted,
	KindInvalidRequest:        ErrInvalidRequest,
}

// ControlError is the typed error returned across every component boundary.
// errors.Is matches it against the sentinel of its kind.
type ControlError struct {
	Kind     ErrorKind
	Op       string
	Address  string
	Attempts int
	Err      error
}

// NewControlError builds a ControlError; err may be nil.
func NewControlError(kind ErrorKind, op, address string, err error) *ControlError {
	return &ControlError{Kind: kind, Op: op, Address: address, Err: err}
}

func (e *ControlError) Error() string {
	msg := string(e.Kind)
	if sentinel, ok := sentinels[e.Kind]; ok {
		msg = sentinel.Error()
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Address != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Address)
	}
	if e.Attempts > 1 {
		msg = fmt.Sprintf("%s after %d attempts", msg, e.Attempts)
	}
	if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *ControlError) Unwrap() error {
	return e.Err
}

func (e *ControlError) Is(target error) bool {
	sentinel, ok := sentinels[e.Kind]
	return ok && target == sentinel
}

// KindOf returns the ErrorKind carried by err, or "" when err is nil or untyped.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var ce *ControlError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	for kind, sentinel := range sentinels {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	return ""
}

// Unreachable reports whether kind means the device or its daemon could not be reached at all.
func (k ErrorKind) Unreachable() bool {
	return k == KindDaemonUnreachable || k == KindDeviceUnreachable
}
