package client

import (
	"sync/atomic"

	"github.com/user/converge/internal/types"
)

// ResumeTracker records the highest sequence handed to application logic
// for one subscription. It only moves forward.
type ResumeTracker struct {
	last atomic.Int64
}

func NewResumeTracker(since int64) *ResumeTracker {
	t := &ResumeTracker{}
	if since > 0 {
		t.last.Store(since)
	}
	return t
}

func (t *ResumeTracker) LastKnownSequence() int64 {
	return t.last.Load()
}

// Advance raises the cursor to seq and reports whether it moved.
func (t *ResumeTracker) Advance(seq int64) bool {
	for {
		cur := t.last.Load()
		if seq <= cur {
			return false
		}
		if t.last.CompareAndSwap(cur, seq) {
			return true
		}
	}
}

// ResumeRequest builds the watch request that continues after the cursor.
func (t *ResumeTracker) ResumeRequest(contextID types.ContextID, correlationID types.CorrelationID) types.WatchRequest {
	return types.WatchRequest{
		ContextID:     contextID,
		CorrelationID: correlationID,
		SinceSequence: t.LastKnownSequence(),
	}
}
