package client

import (
	"fmt"
	"math/rand/v2"
	"time"
)

const unknownDevice = "unknown"

// GenerateKey returns "{deviceID}:{action}:{unixMillis}:{NNNN}" where NNNN
// is a uniformly random zero-padded suffix. Keys made in the same
// millisecond for the same action can collide.
func GenerateKey(deviceID, action string, now time.Time) string {
	if deviceID == "" {
		deviceID = unknownDevice
	}
	return fmt.Sprintf("%s:%s:%d:%04d", deviceID, action, now.UnixMilli(), rand.IntN(10000))
}

// NewIdempotencyKey makes a key for action attributed to the current actor.
// Callers that retry a write themselves pass the same key back in
// AppendRequest.IdempotencyKey.
func (c *Client) NewIdempotencyKey(action string) string {
	return GenerateKey(c.Actor().DeviceID, action, c.clock.Now())
}
