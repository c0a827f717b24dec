package types

import (
	"slices"
	"time"
)

// ConnectionState is the client's view of its link to the service.
type ConnectionState string

const (
	StateStreaming    ConnectionState = "streaming"
	StateReconnecting ConnectionState = "reconnecting"
	StateDegraded     ConnectionState = "degraded"
	StateOffline      ConnectionState = "offline"
)

func (s ConnectionState) String() string { return string(s) }

// Valid reports whether s is one of the four defined states.
func (s ConnectionState) Valid() bool {
	switch s {
	case StateStreaming, StateReconnecting, StateDegraded, StateOffline:
		return true
	}
	return false
}

// Writable reports whether a request/response call may be attempted in s.
func (s ConnectionState) Writable() bool {
	return s == StateStreaming || s == StateDegraded
}

type ActorKind string

const (
	ActorUser   ActorKind = "user"
	ActorAgent  ActorKind = "agent"
	ActorSystem ActorKind = "system"
)

// Actor identifies the originator of a write.
type Actor struct {
	Kind     ActorKind `json:"kind"`
	UserID   string    `json:"user_id,omitempty"`
	DeviceID string    `json:"device_id,omitempty"`
	OrgID    string    `json:"org_id,omitempty"`
	Roles    []string  `json:"roles,omitempty"`
}

// Clone returns a copy that shares no memory with a.
func (a Actor) Clone() Actor {
	a.Roles = slices.Clone(a.Roles)
	return a
}

type EntryType string

const (
	EntryFact     EntryType = "fact"
	EntryProposal EntryType = "proposal"
	EntryTrace    EntryType = "trace"
	EntryDecision EntryType = "decision"
)

func (t EntryType) Valid() bool {
	switch t {
	case EntryFact, EntryProposal, EntryTrace, EntryDecision:
		return true
	}
	return false
}

// ContextEntry is one immutable unit of remote state change. Sequence is
// assigned by the service; everything else is stamped by the writer.
type ContextEntry struct {
	EntryID        EntryID       `json:"entry_id"`
	EntryType      EntryType     `json:"entry_type"`
	Timestamp      time.Time     `json:"timestamp"`
	CorrelationID  CorrelationID `json:"correlation_id"`
	RunID          RunID         `json:"run_id,omitempty"`
	TruthID        string        `json:"truth_id,omitempty"`
	Actor          Actor         `json:"actor"`
	Sequence       int64         `json:"sequence"`
	Payload        []byte        `json:"payload,omitempty"`
	IdempotencyKey string        `json:"idempotency_key,omitempty"`
}

// SameEntry reports whether e and other are the same logical entry.
// Identity is keyed on EntryID alone so redelivered copies compare equal.
func (e *ContextEntry) SameEntry(other *ContextEntry) bool {
	if e == nil || other == nil {
		return e == other
	}
	return e.EntryID == other.EntryID
}

// ContextSnapshot is a point-in-time compaction of one context stream.
type ContextSnapshot struct {
	Data       []byte    `json:"data"`
	Sequence   int64     `json:"sequence"`
	EntryCount int64     `json:"entry_count"`
	CreatedAt  time.Time `json:"created_at"`
}

// Equal compares snapshots by the highest sequence they include.
func (s *ContextSnapshot) Equal(other *ContextSnapshot) bool {
	if s == nil || other == nil {
		return s == other
	}
	return s.Sequence == other.Sequence
}

type RunState string

const (
	RunRunning   RunState = "running"
	RunConverged RunState = "converged"
	RunHalted    RunState = "halted"
	RunWaiting   RunState = "waiting"
)

// RunStatus is derived from the entries of one run; it is never set directly.
type RunStatus struct {
	RunID            RunID     `json:"run_id"`
	Status           RunState  `json:"status"`
	FactsCount       int       `json:"facts_count"`
	PendingProposals int       `json:"pending_proposals"`
	WaitingFor       []string  `json:"waiting_for,omitempty"`
	HaltReason       string    `json:"halt_reason,omitempty"`
	HaltTruthID      string    `json:"halt_truth_id,omitempty"`
	LastActivity     time.Time `json:"last_activity"`
}

// WatchRequest opens a subscription that replays every entry with
// Sequence > SinceSequence and then follows the live stream.
type WatchRequest struct {
	ContextID     ContextID     `json:"context_id"`
	CorrelationID CorrelationID `json:"correlation_id,omitempty"`
	SinceSequence int64         `json:"since_sequence"`
}

type GetOptions struct {
	CorrelationID CorrelationID `json:"correlation_id,omitempty"`
	AfterSequence int64         `json:"after_sequence"`
	Limit         int           `json:"limit"`
}

type LoadRequest struct {
	Data           []byte `json:"data"`
	FailIfExists   bool   `json:"fail_if_exists"`
	Actor          Actor  `json:"actor"`
	IdempotencyKey string `json:"idempotency_key"`
}
