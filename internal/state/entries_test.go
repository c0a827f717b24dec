package state

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/user/converge/internal/types"
)

func newEntry(key string) *types.ContextEntry {
	return &types.ContextEntry{
		EntryID:        types.NewEntryID(),
		EntryType:      types.EntryFact,
		Timestamp:      time.Now().UTC().Truncate(time.Millisecond),
		CorrelationID:  "corr-1",
		Actor:          types.Actor{Kind: types.ActorUser, DeviceID: "dev-1", Roles: []string{"reader"}},
		Payload:        []byte(`{"k":"v"}`),
		IdempotencyKey: key,
	}
}

// testEntryStore runs the behaviour every EntryStore must share.
func testEntryStore(t *testing.T, store types.EntryStore) {
	ctx := context.Background()
	contextID := types.ContextID("ctx-1")

	first, created, err := store.Append(ctx, contextID, newEntry("dev-1:append:1:0001"))
	if err != nil {
		t.Fatal(err)
	}
	if !created || first.Sequence != 1 {
		t.Fatalf("expected created seq 1, got created=%v seq=%d", created, first.Sequence)
	}

	second := newEntry("dev-1:append:2:0002")
	second.CorrelationID = "corr-2"
	stored, _, err := store.Append(ctx, contextID, second)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Sequence != 2 {
		t.Errorf("expected seq 2, got %d", stored.Sequence)
	}

	// Retrying with the same key returns the original entry.
	retry := newEntry("dev-1:append:1:0001")
	again, created, err := store.Append(ctx, contextID, retry)
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Error("expected duplicate key not to create an entry")
	}
	if again.EntryID != first.EntryID || again.Sequence != 1 {
		t.Errorf("expected original entry back, got %s seq %d", again.EntryID, again.Sequence)
	}
	if again.Actor.DeviceID != "dev-1" || len(again.Actor.Roles) != 1 {
		t.Errorf("actor not preserved: %+v", again.Actor)
	}

	if _, _, err := store.Append(ctx, contextID, newEntry("")); err != nil {
		t.Fatal(err)
	}
	if _, _, err := store.Append(ctx, contextID, newEntry("")); err != nil {
		t.Fatal(err)
	}

	all, err := store.Range(ctx, contextID, types.RangeQuery{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 4 {
		t.Fatalf("expected 4 entries, got %d", len(all))
	}
	for i, e := range all {
		if e.Sequence != int64(i+1) {
			t.Errorf("entry %d has sequence %d", i, e.Sequence)
		}
	}
	if string(all[0].Payload) != `{"k":"v"}` {
		t.Errorf("payload not preserved: %q", all[0].Payload)
	}

	after, err := store.Range(ctx, contextID, types.RangeQuery{AfterSequence: 2, Limit: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(after) != 1 || after[0].Sequence != 3 {
		t.Errorf("expected only seq 3, got %v", after)
	}

	byCorr, err := store.Range(ctx, contextID, types.RangeQuery{CorrelationID: "corr-2"})
	if err != nil {
		t.Fatal(err)
	}
	if len(byCorr) != 1 || byCorr[0].Sequence != 2 {
		t.Errorf("expected only corr-2 entry, got %v", byCorr)
	}

	last, err := store.LastSequence(ctx, contextID)
	if err != nil {
		t.Fatal(err)
	}
	count, err := store.Count(ctx, contextID)
	if err != nil {
		t.Fatal(err)
	}
	if last != 4 || count != 4 {
		t.Errorf("expected last 4 count 4, got %d %d", last, count)
	}

	empty, err := store.LastSequence(ctx, "nothing-here")
	if err != nil {
		t.Fatal(err)
	}
	if empty != 0 {
		t.Errorf("expected 0 for empty context, got %d", empty)
	}

	if _, _, err := store.Append(ctx, "other", newEntry("")); err != nil {
		t.Fatal(err)
	}
	ids, err := store.Contexts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 {
		t.Errorf("expected 2 contexts, got %v", ids)
	}

	// Reset keeps the given sequences and the next append continues after them.
	replacement := []*types.ContextEntry{newEntry("k-a"), newEntry("k-b")}
	replacement[0].Sequence = 5
	replacement[1].Sequence = 9
	if err := store.Reset(ctx, contextID, replacement); err != nil {
		t.Fatal(err)
	}
	next, _, err := store.Append(ctx, contextID, newEntry(""))
	if err != nil {
		t.Fatal(err)
	}
	if next.Sequence != 10 {
		t.Errorf("expected seq 10 after reset, got %d", next.Sequence)
	}
	dup, created, err := store.Append(ctx, contextID, newEntry("k-b"))
	if err != nil {
		t.Fatal(err)
	}
	if created || dup.Sequence != 9 {
		t.Errorf("expected key from reset to dedupe to seq 9, got created=%v seq=%d", created, dup.Sequence)
	}

	bad := []*types.ContextEntry{newEntry(""), newEntry("")}
	bad[0].Sequence = 3
	bad[1].Sequence = 3
	if err := store.Reset(ctx, contextID, bad); !errors.Is(err, types.ErrInvalidArgument) {
		t.Errorf("expected invalid argument for repeated sequence, got %v", err)
	}

	if _, _, err := store.Append(ctx, "../escape", newEntry("")); !errors.Is(err, types.ErrInvalidArgument) {
		t.Errorf("expected invalid context id to be rejected, got %v", err)
	}
}

func TestEntryStore(t *testing.T) {
	testEntryStore(t, NewEntryStore(t.TempDir()))
}

func TestEntryStoreReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store := NewEntryStore(dir)
	for i := 0; i < 3; i++ {
		if _, _, err := store.Append(ctx, "ctx-1", newEntry(fmt.Sprintf("key-%d", i))); err != nil {
			t.Fatal(err)
		}
	}

	reopened := NewEntryStore(dir)
	e, created, err := reopened.Append(ctx, "ctx-1", newEntry("key-1"))
	if err != nil {
		t.Fatal(err)
	}
	if created || e.Sequence != 2 {
		t.Errorf("expected index rebuilt from disk, got created=%v seq=%d", created, e.Sequence)
	}
	e, _, err = reopened.Append(ctx, "ctx-1", newEntry(""))
	if err != nil {
		t.Fatal(err)
	}
	if e.Sequence != 4 {
		t.Errorf("expected seq 4, got %d", e.Sequence)
	}
}

func TestEntryStoreConcurrentAppends(t *testing.T) {
	store := NewEntryStore(t.TempDir())
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, err := store.Append(ctx, "ctx-1", newEntry("")); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	entries, err := store.Range(ctx, "ctx-1", types.RangeQuery{})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 20 {
		t.Fatalf("expected 20 entries, got %d", len(entries))
	}
	for i, e := range entries {
		if e.Sequence != int64(i+1) {
			t.Fatalf("gap or reorder at %d: seq %d", i, e.Sequence)
		}
	}
}

func TestSQLiteEntryStore(t *testing.T) {
	store, err := OpenSQLite(filepath.Join(t.TempDir(), "entries.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	testEntryStore(t, store)
}

func TestEncodeDecodeEntriesOrdersBySequence(t *testing.T) {
	a, b := newEntry(""), newEntry("")
	a.Sequence, b.Sequence = 2, 1

	data, err := EncodeEntries([]*types.ContextEntry{a, b})
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := DecodeEntries(data)
	if err != nil {
		t.Fatal(err)
	}
	if len(decoded) != 2 || decoded[0].Sequence != 1 || decoded[1].EntryID != a.EntryID {
		t.Errorf("unexpected decode: %+v", decoded)
	}

	if _, err := DecodeEntries([]byte("{not json")); !errors.Is(err, types.ErrInvalidArgument) {
		t.Errorf("expected invalid argument, got %v", err)
	}
}
