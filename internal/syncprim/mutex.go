package syncprim

import (
	"errors"
	"time"

	"github.com/AndreaCadonna/taskpool/internal/atomics"
)

// ErrPoisoned is returned by Lock/TryLock/LockTimeout once a Mutex has been
// poisoned: a holder called Poison (typically from a panic-recovery path)
// instead of Unlock, and the lock can never again be safely acquired; every
// later acquisition attempt fails with this error.
var ErrPoisoned = errors.New("syncprim: mutex poisoned by a panicking holder")

// ErrTimeout is returned by LockTimeout when the timeout elapses before the
// lock becomes available.
var ErrTimeout = errors.New("syncprim: lock wait timed out")

const (
	mutexUnlocked int64 = 0
	mutexLocked   int64 = 1
	mutexPoisoned int64 = 2
)

// Mutex is a futex-style mutual-exclusion lock: contended Lock calls park
// on atomics.Wait instead of spinning, and Unlock calls atomics.Wake for one
// waiter on every release; with no waiter parked that wake is a no-op.
type Mutex struct {
	word *atomics.Word
}

// NewMutex carves a Mutex out of word, which must start at 0.
func NewMutex(word *atomics.Word) *Mutex {
	return &Mutex{word: word}
}

// TryLock attempts to acquire the lock without blocking.
func (m *Mutex) TryLock() (bool, error) {
	for {
		v := m.word.Load()
		switch v {
		case mutexPoisoned:
			return false, ErrPoisoned
		case mutexUnlocked:
			if m.word.CAS(mutexUnlocked, mutexLocked) {
				return true, nil
			}
		default:
			return false, nil
		}
	}
}

// Lock blocks until the lock is acquired or the Mutex is poisoned.
func (m *Mutex) Lock() error {
	return m.lock(0)
}

// LockTimeout blocks until the lock is acquired, the Mutex is poisoned, or
// timeout elapses.
func (m *Mutex) LockTimeout(timeout time.Duration) error {
	return m.lock(timeout)
}

func (m *Mutex) lock(timeout time.Duration) error {
	deadline := time.Time{}
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	for {
		ok, err := m.TryLock()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}

		remaining := timeout
		if !deadline.IsZero() {
			remaining = time.Until(deadline)
			if remaining <= 0 {
				return ErrTimeout
			}
		}

		switch atomics.Wait(m.word, mutexLocked, remaining) {
		case atomics.TimedOut:
			if !deadline.IsZero() {
				return ErrTimeout
			}
		}
	}
}

// Unlock releases the lock, waking one waiter if any are parked. Unlock on
// an unlocked or poisoned Mutex panics.
func (m *Mutex) Unlock() {
	if !m.word.CAS(mutexLocked, mutexUnlocked) {
		panic("syncprim: unlock of unlocked or poisoned mutex")
	}
	atomics.Wake(m.word, 1)
}

// Poison marks the Mutex permanently unusable. A holder's deferred recovery
// path calls this in place of Unlock when it catches a panic, so every
// future acquisition attempt fails loudly instead of silently granting
// access to a critical section left in an unknown state.
func (m *Mutex) Poison() {
	m.word.Store(mutexPoisoned)
	atomics.Wake(m.word, 0)
}

// Poisoned reports whether the Mutex has been poisoned.
func (m *Mutex) Poisoned() bool {
	return m.word.Load() == mutexPoisoned
}
