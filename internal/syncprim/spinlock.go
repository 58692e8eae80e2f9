package syncprim

import (
	"runtime"

	"github.com/AndreaCadonna/taskpool/internal/atomics"
)

const (
	spinUnlocked int64 = 0
	spinLocked   int64 = 1
)

// Spinlock is a single-word mutual-exclusion lock that never parks the
// calling goroutine on a channel: a blocked Lock call busy-spins, yielding
// the processor between attempts. It is meant for sections so short that
// the cost of a real park/wake round trip would dwarf the critical section
// itself.
type Spinlock struct {
	word *atomics.Word
}

// NewSpinlock carves a Spinlock out of word, which must start at 0.
func NewSpinlock(word *atomics.Word) *Spinlock {
	return &Spinlock{word: word}
}

// TryLock attempts to acquire the lock without blocking.
func (s *Spinlock) TryLock() bool {
	return s.word.CAS(spinUnlocked, spinLocked)
}

// Lock spins until the lock is acquired.
func (s *Spinlock) Lock() {
	spins := 0
	for !s.TryLock() {
		spins++
		if spins%64 == 0 {
			runtime.Gosched()
		}
	}
}

// Unlock releases the lock. Unlock on an already-unlocked Spinlock is a
// programming error and panics, matching the precondition every other
// primitive in this package enforces on its release path.
func (s *Spinlock) Unlock() {
	if !s.word.CAS(spinLocked, spinUnlocked) {
		panic("syncprim: unlock of unlocked spinlock")
	}
}

// Locked reports whether the lock is currently held. It is a point-in-time
// snapshot, useful for metrics and tests, not for synchronization.
func (s *Spinlock) Locked() bool {
	return s.word.Load() == spinLocked
}
