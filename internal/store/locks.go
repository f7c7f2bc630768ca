// locks.go implements the per-space mutex registry. Every mutation of a
// space's document or audit chain takes the space's mutex for the whole
// read-modify-write cycle; operations on different spaces proceed in
// parallel. The registry uses a single atomic get-or-insert so there is no
// window between looking a lock up and acquiring it.
package store

import "sync"

// Locks hands out one mutex per space id, created lazily. The zero value is
// ready to use.
type Locks struct {
	m sync.Map // space id → *sync.Mutex
}

// ForSpace returns the mutex guarding the given space, creating it on first
// use. The caller locks and unlocks it around the full read-modify-write
// cycle; once acquired, an in-flight mutation must run to completion so the
// document and chain are never left half-written.
func (l *Locks) ForSpace(spaceID string) *sync.Mutex {
	if mu, ok := l.m.Load(spaceID); ok {
		return mu.(*sync.Mutex)
	}
	mu, _ := l.m.LoadOrStore(spaceID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}
