package syncprim

import (
	"github.com/AndreaCadonna/taskpool/internal/atomics"
)

// Barrier is a reusable rendezvous point for a fixed number of
// participants: each call to Wait blocks until n participants have all
// called Wait, then releases all of them together and resets for the next
// round.
type Barrier struct {
	count      *atomics.Word
	generation *atomics.Word
	n          int64
}

// NewBarrier carves a Barrier for n participants out of count and
// generation, both of which must start at 0.
func NewBarrier(count, generation *atomics.Word, n int) *Barrier {
	return &Barrier{count: count, generation: generation, n: int64(n)}
}

// Wait blocks the calling goroutine until n participants, across however
// many Wait calls it takes to reach n, have all arrived, then releases
// them all simultaneously.
func (b *Barrier) Wait() {
	gen := b.generation.Load()
	arrived := b.count.Add(1)

	if arrived == b.n {
		b.count.Store(0)
		b.generation.Add(1)
		atomics.Wake(b.generation, 0)
		return
	}

	for b.generation.Load() == gen {
		atomics.Wait(b.generation, gen, 0)
	}
}

// N reports the number of participants this Barrier was sized for.
func (b *Barrier) N() int { return int(b.n) }
