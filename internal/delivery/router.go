// Package delivery routes applied context entries to application handlers.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/user/converge/internal/types"
)

// ErrNoRoute is returned when neither a type handler nor a fallback matches.
var ErrNoRoute = errors.New("no handler for entry type")

// Handler receives one applied entry. It has the same shape as
// client.EntryHandler so a Router can be passed to Client.Watch directly.
type Handler func(ctx context.Context, e *types.ContextEntry) error

// Router dispatches entries by EntryType.
type Router struct {
	mu       sync.RWMutex
	handlers map[types.EntryType]Handler
	fallback Handler
}

func NewRouter() *Router {
	return &Router{handlers: make(map[types.EntryType]Handler)}
}

// Handle registers h for entries of type t, replacing any earlier handler.
func (r *Router) Handle(t types.EntryType, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[t] = h
}

// Fallback registers h for entry types without their own handler.
func (r *Router) Fallback(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = h
}

// Deliver calls the handler registered for e.EntryType, or the fallback.
func (r *Router) Deliver(ctx context.Context, e *types.ContextEntry) error {
	r.mu.RLock()
	h, ok := r.handlers[e.EntryType]
	if !ok {
		h = r.fallback
	}
	r.mu.RUnlock()

	if h == nil {
		return fmt.Errorf("%w: %s", ErrNoRoute, e.EntryType)
	}
	return h(ctx, e)
}
