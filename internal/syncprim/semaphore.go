package syncprim

import (
	"time"

	"github.com/AndreaCadonna/taskpool/internal/atomics"
)

// Semaphore is a counting semaphore holding between 0 and max permits, its
// count kept in one Word of a Region.
type Semaphore struct {
	word *atomics.Word
	max  int64
}

// NewSemaphore carves a Semaphore out of word, initializing it to max
// available permits. word must start at 0 before this call.
func NewSemaphore(word *atomics.Word, max int) *Semaphore {
	word.Store(int64(max))
	return &Semaphore{word: word, max: int64(max)}
}

// TryAcquire takes one permit without blocking, reporting success.
func (s *Semaphore) TryAcquire() bool {
	for {
		v := s.word.Load()
		if v <= 0 {
			return false
		}
		if s.word.CAS(v, v-1) {
			return true
		}
	}
}

// Acquire blocks until a permit is available.
func (s *Semaphore) Acquire() {
	for !s.TryAcquire() {
		atomics.Wait(s.word, 0, 0)
	}
}

// AcquireTimeout blocks until a permit is available or timeout elapses.
func (s *Semaphore) AcquireTimeout(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if s.TryAcquire() {
			return true
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		atomics.Wait(s.word, 0, remaining)
	}
}

// Release returns one permit, waking a waiter if any is parked. Releasing
// past max is a programming error and panics rather than silently growing
// the semaphore's capacity.
func (s *Semaphore) Release() {
	for {
		v := s.word.Load()
		if v >= s.max {
			panic("syncprim: semaphore released above max")
		}
		if s.word.CAS(v, v+1) {
			atomics.Wake(s.word, 1)
			return
		}
	}
}

// Available reports the current permit count.
func (s *Semaphore) Available() int {
	return int(s.word.Load())
}
