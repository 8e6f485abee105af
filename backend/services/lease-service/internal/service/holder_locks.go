package service

import "sync"

type holderLock struct {
	mu   sync.Mutex
	refs int
}

// holderLocks hands out one mutex per holder id. Entries are dropped once no
// caller holds or waits on them, so the map only grows with concurrency.
type holderLocks struct {
	mu    sync.Mutex
	locks map[string]*holderLock
}

func newHolderLocks() *holderLocks {
	return &holderLocks{locks: make(map[string]*holderLock)}
}

// Lock blocks until the holder's mutex is acquired and returns its release func.
func (h *holderLocks) Lock(holderID string) func() {
	h.mu.Lock()
	l, ok := h.locks[holderID]
	if !ok {
		l = &holderLock{}
		h.locks[holderID] = l
	}
	l.refs++
	h.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()

		h.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(h.locks, holderID)
		}
		h.mu.Unlock()
	}
}

func (h *holderLocks) size() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.locks)
}
