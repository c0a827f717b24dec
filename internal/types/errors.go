package types

import (
	"errors"
	"fmt"
)

// ErrorCode classifies failures that cross the wire.
type ErrorCode string

const (
	CodeNotFound        ErrorCode = "not_found"
	CodeAlreadyExists   ErrorCode = "already_exists"
	CodeInvalidArgument ErrorCode = "invalid_argument"
	CodeUnauthenticated ErrorCode = "unauthenticated"
	CodeUnavailable     ErrorCode = "unavailable"
	CodeStreamReset     ErrorCode = "stream_reset"
	CodeInternal        ErrorCode = "internal"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrAlreadyExists   = errors.New("already exists")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrUnavailable     = errors.New("unavailable")
	// ErrStreamReset ends a single watch while the channel stays up: the
	// watcher fell behind or its context was reloaded. Resubscribe from the
	// last applied sequence.
	ErrStreamReset = errors.New("stream reset")
)

var codeSentinels = map[ErrorCode]error{
	CodeNotFound:        ErrNotFound,
	CodeAlreadyExists:   ErrAlreadyExists,
	CodeInvalidArgument: ErrInvalidArgument,
	CodeUnauthenticated: ErrUnauthenticated,
	CodeUnavailable:     ErrUnavailable,
	CodeStreamReset:     ErrStreamReset,
}

// RemoteError is a failure reported by the service. It matches the sentinel
// for its code under errors.Is, so callers can test errors.Is(err, ErrNotFound)
// regardless of which transport carried the call.
type RemoteError struct {
	Op      string
	Code    ErrorCode
	Message string
}

func (e *RemoteError) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *RemoteError) Is(target error) bool {
	sentinel, ok := codeSentinels[e.Code]
	return ok && sentinel == target
}

// CodeOf returns the wire code for err, defaulting to CodeInternal.
func CodeOf(err error) ErrorCode {
	var re *RemoteError
	if errors.As(err, &re) {
		return re.Code
	}
	for code, sentinel := range codeSentinels {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return CodeInternal
}

// IsPermanent reports whether retrying the same request cannot succeed.
// Transport and availability failures are transient; validation and lookup
// failures are not.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	switch CodeOf(err) {
	case CodeNotFound, CodeAlreadyExists, CodeInvalidArgument, CodeUnauthenticated:
		return true
	}
	return false
}
