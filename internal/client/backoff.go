package client

import (
	"context"
	"math"
	"time"
)

// Backoff computes reconnect delays that grow exponentially up to a cap.
type Backoff struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
}

// DefaultBackoff starts at 1s, doubles, and caps at 30s.
func DefaultBackoff() Backoff {
	return Backoff{
		InitialDelay: 1 * time.Second,
		Multiplier:   2.0,
		MaxDelay:     30 * time.Second,
	}
}

// NextDelay returns the delay after the given number of consecutive
// failures (1-indexed): InitialDelay * Multiplier^(failures-1), capped at
// MaxDelay.
func (b Backoff) NextDelay(failures int) time.Duration {
	if failures < 1 {
		failures = 1
	}
	delay := float64(b.InitialDelay) * math.Pow(b.Multiplier, float64(failures-1))
	if delay > float64(b.MaxDelay) || math.IsInf(delay, 0) {
		return b.MaxDelay
	}
	return time.Duration(delay)
}

// Clock is the time source for timestamps and backoff sleeps.
type Clock interface {
	Now() time.Time
	// Sleep waits for d or until ctx is done, returning ctx.Err() in the latter case.
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
