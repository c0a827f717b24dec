package client

import (
	"errors"
	"fmt"

	"github.com/user/converge/internal/types"
)

var (
	// ErrNotConnected is returned by request/response calls made while the
	// client is Offline or Reconnecting. No network call was made.
	ErrNotConnected = errors.New("not connected")

	// ErrCancelled is returned when the caller's context ended during a call.
	// Whether a write reached the service is unknown.
	ErrCancelled = errors.New("cancelled")

	ErrSubscriptionActive = errors.New("subscription already active for this correlation")
	ErrTooManyWatches     = errors.New("too many active watches")
	ErrClosed             = errors.New("client closed")
)

func cancelled(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrCancelled, err)
}

// IsNotFound reports whether err is a not_found failure from the service.
func IsNotFound(err error) bool {
	return errors.Is(err, types.ErrNotFound)
}

// IsAlreadyExists reports whether err is an already_exists failure from the service.
func IsAlreadyExists(err error) bool {
	return errors.Is(err, types.ErrAlreadyExists)
}
