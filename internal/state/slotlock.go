package state

import (
	"context"
	"sync"

	"github.com/roach88/roomstate/internal/pdu"
)

// slotLocks serializes work per slot while letting different slots proceed
// in parallel. Entries exist only while some caller holds or waits on them.
type slotLocks struct {
	mu    sync.Mutex
	slots map[pdu.SlotKey]*slotLock
}

type slotLock struct {
	sem  chan struct{}
	refs int
}

func newSlotLocks() *slotLocks {
	return &slotLocks{slots: make(map[pdu.SlotKey]*slotLock)}
}

// acquire blocks until the slot is free or ctx is done. On success the
// returned func releases the slot and must be called exactly once.
func (l *slotLocks) acquire(ctx context.Context, key pdu.SlotKey) (func(), error) {
	l.mu.Lock()
	lock, ok := l.slots[key]
	if !ok {
		lock = &slotLock{sem: make(chan struct{}, 1)}
		l.slots[key] = lock
	}
	lock.refs++
	l.mu.Unlock()

	select {
	case lock.sem <- struct{}{}:
	case <-ctx.Done():
		l.unref(key, lock)
		return nil, ctx.Err()
	}

	return func() {
		<-lock.sem
		l.unref(key, lock)
	}, nil
}

func (l *slotLocks) unref(key pdu.SlotKey, lock *slotLock) {
	l.mu.Lock()
	defer l.mu.Unlock()

	lock.refs--
	if lock.refs == 0 {
		delete(l.slots, key)
	}
}

// size returns the number of slots with holders or waiters.
func (l *slotLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots)
}
