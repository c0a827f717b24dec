package compaction

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/user/converge/internal/service"
	"github.com/user/converge/internal/state"
	"github.com/user/converge/internal/types"
)

type countingCompactor struct {
	calls atomic.Int32
	block chan struct{}
}

func (c *countingCompactor) CompactAll(ctx context.Context) (int, error) {
	c.calls.Add(1)
	if c.block != nil {
		select {
		case <-c.block:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	return 1, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestValidateSchedule(t *testing.T) {
	for _, expr := range []string{"*/5 * * * *", "* * * * * *", "@hourly"} {
		if err := ValidateSchedule(expr); err != nil {
			t.Errorf("ValidateSchedule(%q): %v", expr, err)
		}
	}
	if err := ValidateSchedule("not a schedule"); err == nil {
		t.Error("expected error for invalid schedule")
	}
	if _, err := New(&countingCompactor{}, "bogus"); err == nil {
		t.Error("New should reject an invalid schedule")
	}
}

func TestSchedulerFires(t *testing.T) {
	c := &countingCompactor{}
	s, err := New(c, "* * * * * *", WithLogger(discardLogger()))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	deadline := time.After(2500 * time.Millisecond)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-deadline:
			t.Fatalf("compaction did not fire within 2.5s")
		case <-ticker.C:
			if c.calls.Load() > 0 {
				return
			}
		}
	}
}

func TestStopCancelsRunningPass(t *testing.T) {
	c := &countingCompactor{block: make(chan struct{})}
	s, err := New(c, "* * * * * *", WithLogger(discardLogger()))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2500 * time.Millisecond)
	for c.calls.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("compaction did not start")
		}
		time.Sleep(20 * time.Millisecond)
	}

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not cancel the running pass")
	}
}

func TestRunOnceSnapshotsAdvancedContexts(t *testing.T) {
	dir := t.TempDir()
	snaps := state.NewSnapshotStore(dir)
	svc := service.New(state.NewEntryStore(dir), snaps, service.WithLogger(discardLogger()))
	defer svc.Close()
	ctx := context.Background()

	for _, id := range []types.ContextID{"a", "b"} {
		_, err := svc.Append(ctx, id, &types.ContextEntry{
			EntryID:   types.NewEntryID(),
			EntryType: types.EntryFact,
			Actor:     types.Actor{Kind: types.ActorSystem},
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	s, err := New(svc, "@every 1h", WithLogger(discardLogger()), WithTimeout(time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if n := s.RunOnce(ctx); n != 2 {
		t.Fatalf("expected 2 contexts compacted, got %d", n)
	}
	if n := s.RunOnce(ctx); n != 0 {
		t.Fatalf("expected nothing to compact on second pass, got %d", n)
	}
	snap, err := snaps.Latest(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if snap.Sequence != 1 {
		t.Errorf("expected snapshot at sequence 1, got %d", snap.Sequence)
	}
}
