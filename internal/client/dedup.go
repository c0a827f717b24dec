package client

import "github.com/user/converge/internal/types"

const defaultDedupWindow = 4096

// dedupWindow remembers the most recent entry ids applied by one
// subscription. It is owned by the subscription goroutine and not locked.
type dedupWindow struct {
	seen  map[types.EntryID]struct{}
	ring  []types.EntryID
	next  int
	count int
}

func newDedupWindow(size int) *dedupWindow {
	if size < 1 {
		size = defaultDedupWindow
	}
	return &dedupWindow{
		seen: make(map[types.EntryID]struct{}, size),
		ring: make([]types.EntryID, size),
	}
}

func (d *dedupWindow) contains(id types.EntryID) bool {
	_, ok := d.seen[id]
	return ok
}

func (d *dedupWindow) add(id types.EntryID) {
	if d.contains(id) {
		return
	}
	if d.count == len(d.ring) {
		delete(d.seen, d.ring[d.next])
	} else {
		d.count++
	}
	d.ring[d.next] = id
	d.seen[id] = struct{}{}
	d.next = (d.next + 1) % len(d.ring)
}
