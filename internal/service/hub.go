package service

import (
	"fmt"
	"sync"

	"github.com/user/converge/internal/types"
)

var (
	errLagging  = fmt.Errorf("%w: watcher fell behind", types.ErrStreamReset)
	errReloaded = fmt.Errorf("%w: context reloaded", types.ErrStreamReset)
	errShutdown = fmt.Errorf("%w: service shutting down", types.ErrUnavailable)
)

// hub fans new entries out to live watchers of each context.
type hub struct {
	mu     sync.Mutex
	subs   map[types.ContextID]map[*watcher]struct{}
	buffer int
}

// watcher's channel is closed when it falls behind, its context is reset,
// or the hub shuts down. err says which, and is set before the close.
type watcher struct {
	correlationID types.CorrelationID
	ch            chan *types.ContextEntry
	closed        bool
	err           error
}

func newHub(buffer int) *hub {
	return &hub{
		subs:   make(map[types.ContextID]map[*watcher]struct{}),
		buffer: buffer,
	}
}

// subscribe registers a watcher for contextID. A non-empty correlationID
// limits it to entries of that correlation.
func (h *hub) subscribe(contextID types.ContextID, correlationID types.CorrelationID) *watcher {
	h.mu.Lock()
	defer h.mu.Unlock()

	w := &watcher{
		correlationID: correlationID,
		ch:            make(chan *types.ContextEntry, h.buffer),
	}
	set, ok := h.subs[contextID]
	if !ok {
		set = make(map[*watcher]struct{})
		h.subs[contextID] = set
	}
	set[w] = struct{}{}
	return w
}

func (h *hub) unsubscribe(contextID types.ContextID, w *watcher) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropLocked(contextID, w, nil)
}

func (h *hub) dropLocked(contextID types.ContextID, w *watcher, reason error) {
	if set, ok := h.subs[contextID]; ok {
		delete(set, w)
		if len(set) == 0 {
			delete(h.subs, contextID)
		}
	}
	if !w.closed {
		w.closed = true
		w.err = reason
		close(w.ch)
	}
}

// publish delivers e to every watcher of contextID whose correlation
// matches. A watcher whose buffer is full is dropped.
func (h *hub) publish(contextID types.ContextID, e *types.ContextEntry) (lagging int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for w := range h.subs[contextID] {
		if w.correlationID != "" && w.correlationID != e.CorrelationID {
			continue
		}
		select {
		case w.ch <- e:
		default:
			h.dropLocked(contextID, w, errLagging)
			lagging++
		}
	}
	return lagging
}

// reset drops every watcher of contextID.
func (h *hub) reset(contextID types.ContextID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for w := range h.subs[contextID] {
		h.dropLocked(contextID, w, errReloaded)
	}
}

func (h *hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, set := range h.subs {
		for w := range set {
			h.dropLocked(id, w, errShutdown)
		}
	}
}
