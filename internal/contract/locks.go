package contract

import (
	"sync"

	"github.com/google/uuid"
)

// keyedLocks serializes mutations per contract id. Entries are refcounted and
// removed once the last holder releases, so the map stays bounded by the
// number of contracts with in-flight operations.
type keyedLocks struct {
	mu sync.Mutex
	m  map[uuid.UUID]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{m: make(map[uuid.UUID]*lockEntry)}
}

// acquire blocks until the contract's exclusive section is free and returns
// the release func.
func (k *keyedLocks) acquire(id uuid.UUID) func() {
	k.mu.Lock()
	e, ok := k.m[id]
	if !ok {
		e = &lockEntry{}
		k.m[id] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.m, id)
		}
		k.mu.Unlock()
	}
}
