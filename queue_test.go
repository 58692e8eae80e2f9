package taskpool

import (
	"testing"
	"time"

	"github.com/zoobzio/clockz"
)

func TestPendingQueuePushAndPopFIFO(t *testing.T) {
	q := NewPendingQueue(8, clockz.NewFakeClock(), NewMetricsRegistry())
	t1 := &Task{ID: 1}
	t2 := &Task{ID: 2}
	if _, err := q.Push(t1); err != nil {
		t.Fatalf("Push() error: %v", err)
	}
	if _, err := q.Push(t2); err != nil {
		t.Fatalf("Push() error: %v", err)
	}

	got := q.PopNextFor(0, nil)
	if got.ID != 1 {
		t.Fatalf("PopNextFor() = task %d, want FIFO order task 1", got.ID)
	}
}

func TestPendingQueuePushFailsWhenFull(t *testing.T) {
	q := NewPendingQueue(1, clockz.NewFakeClock(), NewMetricsRegistry())
	if _, err := q.Push(&Task{ID: 1}); err != nil {
		t.Fatalf("Push() error: %v", err)
	}
	if _, err := q.Push(&Task{ID: 2}); err != ErrQueueFull {
		t.Fatalf("Push() on full queue = %v, want ErrQueueFull", err)
	}
}

func TestPendingQueuePushFailsWhileDraining(t *testing.T) {
	q := NewPendingQueue(8, clockz.NewFakeClock(), NewMetricsRegistry())
	q.Drain()
	if _, err := q.Push(&Task{ID: 1}); err != ErrShuttingDown {
		t.Fatalf("Push() while draining = %v, want ErrShuttingDown", err)
	}
}

func TestPendingQueuePushFrontPutsTaskAtHead(t *testing.T) {
	q := NewPendingQueue(8, clockz.NewFakeClock(), NewMetricsRegistry())
	q.Push(&Task{ID: 1})
	q.PushFront(&Task{ID: 2})

	got := q.PopNextFor(0, nil)
	if got.ID != 2 {
		t.Fatalf("PopNextFor() = task %d, want the pushed-to-front task 2", got.ID)
	}
}

func TestPendingQueuePopNextForSkipsNonMatchingSession(t *testing.T) {
	q := NewPendingQueue(8, clockz.NewFakeClock(), NewMetricsRegistry())
	q.Push(&Task{ID: 1, PreferredSession: "other"})
	q.Push(&Task{ID: 2, PreferredSession: "mine"})

	match := func(session string) bool { return session == "mine" }
	got := q.PopNextFor(7, match)
	if got == nil || got.ID != 2 {
		t.Fatalf("PopNextFor() should skip the non-matching session and return task 2, got %+v", got)
	}
	if q.Len() != 1 {
		t.Fatalf("Len() = %d, want 1, the non-matching task should remain queued", q.Len())
	}
}

func TestPendingQueuePopNextForUnownedSessionMatchesAnyWorker(t *testing.T) {
	q := NewPendingQueue(8, clockz.NewFakeClock(), NewMetricsRegistry())
	q.Push(&Task{ID: 1, PreferredSession: ""})

	got := q.PopNextFor(99, func(string) bool { return false })
	if got == nil || got.ID != 1 {
		t.Fatalf("PopNextFor() should match a task with no preferred session, got %+v", got)
	}
}

func TestPendingQueuePopNextForResolvesExpiredTasksAsTimeout(t *testing.T) {
	clock := clockz.NewFakeClock()
	q := NewPendingQueue(8, clock, NewMetricsRegistry())
	expired := &Task{ID: 1, Deadline: clock.Now().Add(-time.Second)}
	fresh := &Task{ID: 2}
	q.Push(expired)
	q.Push(fresh)

	got := q.PopNextFor(0, nil)
	if got == nil || got.ID != 2 {
		t.Fatalf("PopNextFor() should skip the expired task and return task 2, got %+v", got)
	}

	select {
	case <-expired.future.Done():
	default:
		t.Fatal("expired task's future should have been resolved")
	}
	if out := expired.future.Outcome(); out.Kind != OutcomeTimeout {
		t.Fatalf("expired task outcome = %v, want OutcomeTimeout", out.Kind)
	}
}

func TestPendingQueueRemoveAndCancelViaFutureCancel(t *testing.T) {
	q := NewPendingQueue(8, clockz.NewFakeClock(), NewMetricsRegistry())
	future, _ := q.Push(&Task{ID: 1})

	future.Cancel()

	if q.Len() != 0 {
		t.Fatalf("Len() = %d, want 0 after cancelling the only queued task", q.Len())
	}
	out := future.Outcome()
	if out.Kind != OutcomeCancelled {
		t.Fatalf("outcome = %v, want OutcomeCancelled", out.Kind)
	}
}

func TestPendingQueueDrainAllEmptiesQueue(t *testing.T) {
	q := NewPendingQueue(8, clockz.NewFakeClock(), NewMetricsRegistry())
	q.Push(&Task{ID: 1})
	q.Push(&Task{ID: 2})

	drained := q.DrainAll()
	if len(drained) != 2 {
		t.Fatalf("DrainAll() returned %d tasks, want 2", len(drained))
	}
	if q.Len() != 0 {
		t.Fatalf("Len() = %d, want 0 after DrainAll()", q.Len())
	}
}

func TestPendingQueueExpireStaleRemovesAndReturnsExpired(t *testing.T) {
	clock := clockz.NewFakeClock()
	q := NewPendingQueue(8, clock, NewMetricsRegistry())
	expired := &Task{ID: 1, Deadline: clock.Now().Add(-time.Second)}
	fresh := &Task{ID: 2}
	q.Push(expired)
	q.Push(fresh)

	got := q.expireStale(clock.Now())
	if len(got) != 1 || got[0].ID != 1 {
		t.Fatalf("expireStale() = %+v, want exactly task 1", got)
	}
	if q.Len() != 1 {
		t.Fatalf("Len() = %d, want 1 after sweeping the expired task", q.Len())
	}
}
