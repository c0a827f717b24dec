package client

import "sync"

// watchers fans values out to subscriber channels without ever blocking the
// publisher. When a subscriber's buffer is full the oldest pending value is
// discarded, so a buffer of one behaves as latest-value-wins.
type watchers[T any] struct {
	mu     sync.Mutex
	subs   map[int]chan T
	next   int
	size   int
	closed bool
}

func newWatchers[T any](size int) *watchers[T] {
	if size < 1 {
		size = 1
	}
	return &watchers[T]{subs: make(map[int]chan T), size: size}
}

// subscribe registers a channel, optionally primed with an initial value.
// The returned func unregisters and closes the channel.
func (w *watchers[T]) subscribe(initial *T) (<-chan T, func()) {
	w.mu.Lock()
	defer w.mu.Unlock()

	ch := make(chan T, w.size)
	if w.closed {
		close(ch)
		return ch, func() {}
	}
	if initial != nil {
		ch <- *initial
	}
	id := w.next
	w.next++
	w.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			w.mu.Lock()
			defer w.mu.Unlock()
			if c, ok := w.subs[id]; ok {
				delete(w.subs, id)
				close(c)
			}
		})
	}
}

func (w *watchers[T]) publish(v T) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, ch := range w.subs {
		select {
		case ch <- v:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- v:
		default:
		}
	}
}

func (w *watchers[T]) close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.closed = true
	for id, ch := range w.subs {
		delete(w.subs, id)
		close(ch)
	}
}
