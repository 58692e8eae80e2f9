package syncprim

import (
	"errors"

	"github.com/AndreaCadonna/taskpool/internal/atomics"
)

// ErrFull is returned by TryPush when the queue has no free slots.
var ErrFull = errors.New("syncprim: queue full")

// ErrEmpty is returned by TryPop when the queue has no items.
var ErrEmpty = errors.New("syncprim: queue empty")

// BoundedQueue is a fixed-capacity FIFO queue of generic items, with its
// head, tail and size counters carved out of a Region and its slot storage
// kept in an ordinary Go slice guarded by the queue's Mutex. Each Worker
// uses one as its assignment inbox, with a fixed capacity of 1.
type BoundedQueue[T any] struct {
	head *atomics.Word
	tail *atomics.Word
	size *atomics.Word
	lock *Mutex
	cap  int
	buf  []T
}

// NewBoundedQueue carves a BoundedQueue of the given capacity out of head,
// tail, size and a Mutex built on lockWord. head, tail, size and lockWord
// must all start at 0.
func NewBoundedQueue[T any](head, tail, size, lockWord *atomics.Word, capacity int) *BoundedQueue[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &BoundedQueue[T]{
		head: head,
		tail: tail,
		size: size,
		lock: NewMutex(lockWord),
		cap:  capacity,
		buf:  make([]T, capacity),
	}
}

// TryPush appends v to the tail without blocking, returning ErrFull if the
// queue is at capacity.
func (q *BoundedQueue[T]) TryPush(v T) error {
	if err := q.lock.Lock(); err != nil {
		return err
	}
	defer q.lock.Unlock()

	if q.size.Load() >= int64(q.cap) {
		return ErrFull
	}

	tail := q.tail.Load()
	q.buf[tail] = v
	q.tail.Store((tail + 1) % int64(q.cap))
	q.size.Add(1)
	atomics.Wake(q.size, 1)
	return nil
}

// TryPop removes and returns the item at the head without blocking,
// returning ErrEmpty if the queue has nothing buffered.
func (q *BoundedQueue[T]) TryPop() (T, error) {
	var zero T
	if err := q.lock.Lock(); err != nil {
		return zero, err
	}
	defer q.lock.Unlock()

	if q.size.Load() == 0 {
		return zero, ErrEmpty
	}

	head := q.head.Load()
	v := q.buf[head]
	q.buf[head] = zero
	q.head.Store((head + 1) % int64(q.cap))
	q.size.Add(-1)
	atomics.Wake(q.size, 1)
	return v, nil
}

// Pop blocks until an item is available, then removes and returns it.
func (q *BoundedQueue[T]) Pop() (T, error) {
	for {
		v, err := q.TryPop()
		if err == nil {
			return v, nil
		}
		if err != ErrEmpty {
			return v, err
		}
		atomics.Wait(q.size, 0, 0)
	}
}

// Len reports the number of items currently buffered.
func (q *BoundedQueue[T]) Len() int {
	return int(q.size.Load())
}

// Cap reports the queue's fixed capacity.
func (q *BoundedQueue[T]) Cap() int {
	return q.cap
}
