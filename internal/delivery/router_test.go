package delivery

import (
	"context"
	"errors"
	"testing"

	"github.com/user/converge/internal/types"
)

func entry(t types.EntryType) *types.ContextEntry {
	return &types.ContextEntry{EntryID: types.NewEntryID(), EntryType: t}
}

func TestRouterDeliver(t *testing.T) {
	r := NewRouter()

	var got *types.ContextEntry
	r.Handle(types.EntryFact, func(_ context.Context, e *types.ContextEntry) error {
		got = e
		return nil
	})

	want := entry(types.EntryFact)
	if err := r.Deliver(context.Background(), want); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != want {
		t.Errorf("handler received %v, want %v", got, want)
	}
}

func TestRouterNoRoute(t *testing.T) {
	r := NewRouter()

	err := r.Deliver(context.Background(), entry(types.EntryTrace))
	if !errors.Is(err, ErrNoRoute) {
		t.Fatalf("expected ErrNoRoute, got %v", err)
	}
}

func TestRouterFallback(t *testing.T) {
	r := NewRouter()

	var facts, others int
	r.Handle(types.EntryFact, func(context.Context, *types.ContextEntry) error {
		facts++
		return nil
	})
	r.Fallback(func(context.Context, *types.ContextEntry) error {
		others++
		return nil
	})

	for _, et := range []types.EntryType{types.EntryFact, types.EntryProposal, types.EntryDecision} {
		if err := r.Deliver(context.Background(), entry(et)); err != nil {
			t.Fatal(err)
		}
	}
	if facts != 1 || others != 2 {
		t.Errorf("expected 1 fact and 2 fallback deliveries, got %d and %d", facts, others)
	}
}

func TestRouterPropagatesHandlerError(t *testing.T) {
	r := NewRouter()
	boom := errors.New("boom")
	r.Handle(types.EntryProposal, func(context.Context, *types.ContextEntry) error { return boom })

	if err := r.Deliver(context.Background(), entry(types.EntryProposal)); !errors.Is(err, boom) {
		t.Fatalf("expected handler error, got %v", err)
	}
}
