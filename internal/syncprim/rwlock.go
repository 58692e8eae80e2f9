package syncprim

import (
	"github.com/AndreaCadonna/taskpool/internal/atomics"
)

const rwWriterHeld int64 = -1

// RWLock is a sign-encoded reader-writer lock: the state word holds the
// number of active readers (>= 0) or rwWriterHeld (-1) while a writer owns
// it. A separate writersWaiting counter makes new readers yield to any
// writer already queued, so a steady stream of readers cannot starve a
// writer indefinitely.
type RWLock struct {
	state          *atomics.Word
	writersWaiting *atomics.Word
}

// NewRWLock carves an RWLock out of state and writersWaiting, both of
// which must start at 0.
func NewRWLock(state, writersWaiting *atomics.Word) *RWLock {
	return &RWLock{state: state, writersWaiting: writersWaiting}
}

// RLock acquires a read lock, yielding to any writer already waiting.
func (l *RWLock) RLock() {
	for {
		if l.writersWaiting.Load() > 0 {
			atomics.Wait(l.writersWaiting, l.writersWaiting.Load(), 0)
			continue
		}
		v := l.state.Load()
		if v == rwWriterHeld {
			atomics.Wait(l.state, rwWriterHeld, 0)
			continue
		}
		if l.state.CAS(v, v+1) {
			return
		}
	}
}

// RUnlock releases a read lock.
func (l *RWLock) RUnlock() {
	for {
		v := l.state.Load()
		if v <= 0 {
			panic("syncprim: runlock of rwlock with no readers")
		}
		if l.state.CAS(v, v-1) {
			if v-1 == 0 {
				atomics.Wake(l.state, 0)
			}
			return
		}
	}
}

// Lock acquires the exclusive write lock.
func (l *RWLock) Lock() {
	l.writersWaiting.Add(1)
	defer func() {
		if l.writersWaiting.Add(-1) == 0 {
			atomics.Wake(l.writersWaiting, 0)
		}
	}()

	for !l.state.CAS(0, rwWriterHeld) {
		atomics.Wait(l.state, l.state.Load(), 0)
	}
}

// Unlock releases the exclusive write lock.
func (l *RWLock) Unlock() {
	if !l.state.CAS(rwWriterHeld, 0) {
		panic("syncprim: unlock of rwlock not held for writing")
	}
	atomics.Wake(l.state, 0)
}
