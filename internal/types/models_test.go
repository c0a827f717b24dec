package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestEntryIdentityIsEntryID(t *testing.T) {
	a := &ContextEntry{EntryID: "e-1", Sequence: 1, Payload: []byte("x")}
	b := &ContextEntry{EntryID: "e-1", Sequence: 7, Payload: []byte("y")}
	c := &ContextEntry{EntryID: "e-2", Sequence: 1, Payload: []byte("x")}

	if !a.SameEntry(b) {
		t.Error("entries with the same id must be the same entry")
	}
	if a.SameEntry(c) {
		t.Error("entries with different ids must differ")
	}
}

func TestEntryPayloadSurvivesJSON(t *testing.T) {
	entry := ContextEntry{
		EntryID:       NewEntryID(),
		EntryType:     EntryFact,
		Timestamp:     time.Now().UTC().Truncate(time.Millisecond),
		CorrelationID: NewCorrelationID(),
		Actor:         Actor{Kind: ActorUser, DeviceID: "dev-1"},
		Sequence:      3,
		Payload:       []byte{0x00, 0xff, 0x10},
	}

	data, err := json.Marshal(entry)
	if err != nil {
		t.Fatal(err)
	}
	var decoded ContextEntry
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}
	if string(decoded.Payload) != string(entry.Payload) {
		t.Errorf("payload mismatch: %v != %v", decoded.Payload, entry.Payload)
	}
	if !decoded.Timestamp.Equal(entry.Timestamp) {
		t.Errorf("timestamp mismatch: %v != %v", decoded.Timestamp, entry.Timestamp)
	}
}

func TestSnapshotEqualitySequenceOnly(t *testing.T) {
	a := &ContextSnapshot{Sequence: 10, EntryCount: 10, Data: []byte("a")}
	b := &ContextSnapshot{Sequence: 10, EntryCount: 4, Data: []byte("b")}
	c := &ContextSnapshot{Sequence: 11}

	if !a.Equal(b) {
		t.Error("snapshots with equal sequence must be equal")
	}
	if a.Equal(c) {
		t.Error("snapshots with different sequence must differ")
	}
}

func TestActorCloneIsIndependent(t *testing.T) {
	a := Actor{Kind: ActorAgent, Roles: []string{"reader", "writer"}}
	b := a.Clone()
	b.Roles[0] = "admin"
	if a.Roles[0] != "reader" {
		t.Errorf("clone shares roles with original: %v", a.Roles)
	}
}

func TestConnectionStateValid(t *testing.T) {
	for _, s := range []ConnectionState{StateStreaming, StateReconnecting, StateDegraded, StateOffline} {
		if !s.Valid() {
			t.Errorf("expected %s to be valid", s)
		}
	}
	if ConnectionState("connecting").Valid() {
		t.Error("unexpected state accepted")
	}
	if !StateDegraded.Writable() || !StateStreaming.Writable() {
		t.Error("streaming and degraded must be writable")
	}
	if StateOffline.Writable() || StateReconnecting.Writable() {
		t.Error("offline and reconnecting must not be writable")
	}
}

func TestRemoteErrorMatchesSentinel(t *testing.T) {
	err := fmt.Errorf("load: %w", &RemoteError{Op: "load", Code: CodeAlreadyExists, Message: "context has entries"})
	if !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("expected ErrAlreadyExists, got %v", err)
	}
	if errors.Is(err, ErrNotFound) {
		t.Error("unexpected match with ErrNotFound")
	}
	if !IsPermanent(err) {
		t.Error("already_exists must be permanent")
	}
	if IsPermanent(&RemoteError{Code: CodeUnavailable}) {
		t.Error("unavailable must be transient")
	}
	if CodeOf(fmt.Errorf("wrapped: %w", ErrNotFound)) != CodeNotFound {
		t.Error("expected sentinel to map to its code")
	}
	if CodeOf(errors.New("boom")) != CodeInternal {
		t.Error("expected unknown errors to map to internal")
	}
}

func TestStreamResetIsTransient(t *testing.T) {
	err := &RemoteError{Op: "watch", Code: CodeStreamReset, Message: "watcher fell behind"}
	if !errors.Is(err, ErrStreamReset) {
		t.Errorf("expected ErrStreamReset, got %v", err)
	}
	if errors.Is(err, ErrUnavailable) {
		t.Error("stream reset must not look like a lost channel")
	}
	if IsPermanent(err) {
		t.Error("stream reset must be transient")
	}
	if CodeOf(fmt.Errorf("watch: %w", ErrStreamReset)) != CodeStreamReset {
		t.Error("expected ErrStreamReset to map to stream_reset")
	}
}
