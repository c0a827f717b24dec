package client

import (
	"encoding/json"
	"slices"
	"sync"

	"github.com/user/converge/internal/types"
)

// RunMarker is the payload of a trace entry that reports a run's outcome.
type RunMarker struct {
	Run        types.RunState `json:"run"`
	Reason     string         `json:"reason,omitempty"`
	WaitingFor []string       `json:"waiting_for,omitempty"`
}

// ParseRunMarker decodes a trace payload. ok is false when the payload is
// not a marker.
func ParseRunMarker(payload []byte) (RunMarker, bool) {
	var m RunMarker
	if len(payload) == 0 || json.Unmarshal(payload, &m) != nil {
		return RunMarker{}, false
	}
	switch m.Run {
	case types.RunRunning, types.RunConverged, types.RunHalted, types.RunWaiting:
		return m, true
	}
	return RunMarker{}, false
}

type runState struct {
	status    types.RunStatus
	proposals int
	decisions int
	converged bool
	halted    bool
	waiting   bool
}

func (r *runState) derive() {
	pending := r.proposals - r.decisions
	if pending < 0 {
		pending = 0
	}
	r.status.PendingProposals = pending
	switch {
	case r.halted:
		r.status.Status = types.RunHalted
	case r.converged:
		r.status.Status = types.RunConverged
	case pending > 0 || r.waiting:
		r.status.Status = types.RunWaiting
	default:
		r.status.Status = types.RunRunning
	}
}

func (r *runState) snapshot() types.RunStatus {
	s := r.status
	s.WaitingFor = slices.Clone(s.WaitingFor)
	return s
}

const defaultRunLimit = 1024

// runTracker derives RunStatus from applied entries. It keeps at most limit
// runs; past that, finished runs go first, then the least recently active.
type runTracker struct {
	mu       sync.Mutex
	runs     map[types.RunID]*runState
	limit    int
	watchers *watchers[types.RunStatus]
}

func newRunTracker() *runTracker {
	return &runTracker{
		runs:     make(map[types.RunID]*runState),
		limit:    defaultRunLimit,
		watchers: newWatchers[types.RunStatus](64),
	}
}

func (t *runTracker) observe(e *types.ContextEntry) {
	if e == nil || e.RunID == "" {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.runs[e.RunID]
	if !ok {
		if t.limit > 0 && len(t.runs) >= t.limit {
			t.evictLocked()
		}
		r = &runState{status: types.RunStatus{RunID: e.RunID}}
		t.runs[e.RunID] = r
	}
	if e.Timestamp.After(r.status.LastActivity) {
		r.status.LastActivity = e.Timestamp
	}

	switch e.EntryType {
	case types.EntryFact:
		r.status.FactsCount++
		r.converged = false
	case types.EntryProposal:
		r.proposals++
		r.converged = false
	case types.EntryDecision:
		r.decisions++
	case types.EntryTrace:
		m, ok := ParseRunMarker(e.Payload)
		if !ok {
			break
		}
		switch m.Run {
		case types.RunRunning:
			r.waiting = false
			r.status.WaitingFor = nil
		case types.RunWaiting:
			r.waiting = true
			r.status.WaitingFor = slices.Clone(m.WaitingFor)
		case types.RunConverged:
			r.converged = true
			r.waiting = false
			r.status.WaitingFor = nil
		case types.RunHalted:
			r.halted = true
			r.status.HaltReason = m.Reason
			r.status.HaltTruthID = e.TruthID
		}
	}

	r.derive()
	t.watchers.publish(r.snapshot())
}

// evictLocked removes one run, preferring converged or halted runs and,
// among equals, the one idle the longest.
func (t *runTracker) evictLocked() {
	var (
		victim   types.RunID
		best     *runState
		bestDone bool
	)
	for id, r := range t.runs {
		done := r.halted || r.converged
		switch {
		case best == nil,
			done && !bestDone,
			done == bestDone && r.status.LastActivity.Before(best.status.LastActivity):
			victim, best, bestDone = id, r, done
		}
	}
	if best != nil {
		delete(t.runs, victim)
	}
}

func (t *runTracker) get(id types.RunID) (types.RunStatus, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.runs[id]
	if !ok {
		return types.RunStatus{}, false
	}
	return r.snapshot(), true
}
