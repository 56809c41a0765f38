package queuefabric

import "sync"

// dedupRing is a bounded, FIFO-evicting set of recently seen message ids,
// used to implement exactly-once delivery for one subscription. The ring
// size and retention window are configuration, not mandated by the fabric.
type dedupRing struct {
	mu    sync.Mutex
	size  int
	order []string
	seen  map[string]struct{}
}

func newDedupRing(size int) *dedupRing {
	if size <= 0 {
		size = 1
	}
	return &dedupRing{
		size: size,
		seen: make(map[string]struct{}, size),
	}
}

// seenBefore reports whether id was already delivered, and records it as
// delivered if not. Older ids are evicted in FIFO order beyond the cap.
func (d *dedupRing) seenBefore(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.seen[id]; ok {
		return true
	}

	d.seen[id] = struct{}{}
	d.order = append(d.order, id)
	if len(d.order) > d.size {
		oldest := d.order[0]
		d.order = d.order[1:]
		delete(d.seen, oldest)
	}
	return false
}
