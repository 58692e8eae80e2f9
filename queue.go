package taskpool

import (
	"sync"
	"time"

	"github.com/zoobzio/clockz"
)

// PendingQueue is the bounded FIFO of pending Tasks. Per SPEC_FULL.md §4.D
// it needs arbitrary scan by preferred_session, not pure FIFO dequeue, so
// it is its own mutex-guarded slice rather than internal/syncprim's
// BoundedQueue (which stays pure FIFO and backs each Worker's inbox
// instead) — mirroring the teacher's preference for a mutex-guarded slice
// (Pipeline.processors under sync.RWMutex) over a lock-free structure.
type PendingQueue struct {
	mu        sync.Mutex
	tasks     []*Task
	maxSize   int
	draining  bool
	clock     clockz.Clock
	metrics   *MetricsRegistry
	onResolve func(taskID int64)
}

// NewPendingQueue builds an empty PendingQueue bounded at maxSize. metrics
// records the counters for tasks resolved without ever reaching a worker
// (pre-dispatch cancellation and deadline expiry).
func NewPendingQueue(maxSize int, clock clockz.Clock, metrics *MetricsRegistry) *PendingQueue {
	if maxSize < 1 {
		maxSize = 1
	}
	if clock == nil {
		clock = clockz.RealClock
	}
	if metrics == nil {
		metrics = NewMetricsRegistry()
	}
	return &PendingQueue{maxSize: maxSize, clock: clock, metrics: metrics}
}

// SetOnResolve registers a callback invoked whenever the queue resolves a
// task's future on its own (cancellation or deadline expiry while still
// queued), so the Supervisor can drop its per-task bookkeeping (submittedAt)
// the same way it does for a worker-resolved task.
func (q *PendingQueue) SetOnResolve(fn func(taskID int64)) {
	q.mu.Lock()
	q.onResolve = fn
	q.mu.Unlock()
}

// resolveOutcome records outcome against metrics and resolves task's future.
// Every resolution of a task's future performed by the queue itself — as
// opposed to one performed by a dispatched worker — goes through here, so
// tasks_timed_out/tasks_cancelled stay in step with tasks_resolved.
func (q *PendingQueue) resolveOutcome(t *Task, outcome TaskOutcome) {
	q.metrics.RecordOutcome(t.Kind, outcome.Kind, 0, 0)
	t.future.resolve(outcome)
	q.mu.Lock()
	fn := q.onResolve
	q.mu.Unlock()
	if fn != nil {
		fn(t.ID)
	}
}

// Push appends task and returns its Future, or fails with ErrQueueFull /
// ErrShuttingDown.
func (q *PendingQueue) Push(task *Task) (*Future, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.draining {
		return nil, ErrShuttingDown
	}
	if len(q.tasks) >= q.maxSize {
		return nil, ErrQueueFull
	}

	task.future = newFuture()
	task.future.setOnCancel(func() { q.removeAndCancel(task.ID) })
	q.tasks = append(q.tasks, task)
	return task.future, nil
}

// PushFront re-queues task at the head, used for retries and for a task
// bounced back after a failed re-selection. It re-arms onCancel to the
// queue's own removal path, overriding whatever the task's last dispatch
// pointed it at.
func (q *PendingQueue) PushFront(task *Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	task.future.setOnCancel(func() { q.removeAndCancel(task.ID) })
	q.tasks = append([]*Task{task}, q.tasks...)
}

func (q *PendingQueue) removeAndCancel(id int64) {
	q.mu.Lock()
	var removed *Task
	for i, t := range q.tasks {
		if t.ID == id {
			removed = t
			q.tasks = append(q.tasks[:i], q.tasks[i+1:]...)
			break
		}
	}
	q.mu.Unlock()
	if removed != nil {
		q.resolveOutcome(removed, TaskOutcome{Kind: OutcomeCancelled, Err: ErrCancelled})
	}
}

// PopNextFor returns the oldest task whose PreferredSession is either
// empty or maps to workerID, ties broken by FIFO, skipping and resolving
// any task whose deadline has already passed.
func (q *PendingQueue) PopNextFor(workerID int64, workerSessionMatch func(session string) bool) *Task {
	q.mu.Lock()

	now := q.clock.Now()
	var expired []*Task
	var result *Task
	for {
		idx := -1
		for i, t := range q.tasks {
			if t.Expired(now) {
				idx = i
				break
			}
			if t.PreferredSession == "" || (workerSessionMatch != nil && workerSessionMatch(t.PreferredSession)) {
				idx = i
				break
			}
		}
		if idx == -1 {
			break
		}
		t := q.tasks[idx]
		q.tasks = append(q.tasks[:idx], q.tasks[idx+1:]...)
		if t.Expired(now) {
			expired = append(expired, t)
			continue
		}
		result = t
		break
	}
	q.mu.Unlock()

	for _, t := range expired {
		q.resolveOutcome(t, TaskOutcome{Kind: OutcomeTimeout, Err: ErrTimeout})
	}
	return result
}

// Len reports the number of tasks currently queued.
func (q *PendingQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Drain marks the queue as shutting down: further Push calls fail with
// ErrShuttingDown. Already-queued tasks are left for the caller (the
// Supervisor) to resolve as part of graceful shutdown.
func (q *PendingQueue) Drain() {
	q.mu.Lock()
	q.draining = true
	q.mu.Unlock()
}

// DrainAll removes and returns every remaining task, used by the
// Supervisor during graceful shutdown to resolve them as Cancelled.
func (q *PendingQueue) DrainAll() []*Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	tasks := q.tasks
	q.tasks = nil
	return tasks
}

// expireStale scans the queue and resolves any task whose deadline has
// passed, removing it without ever dispatching it. Callers that don't want
// to wait for a PopNextFor pass can call this directly (e.g. a periodic
// sweep) to bound how long an expired task can linger visibly in Len(). It
// returns the expired tasks so a caller tracking per-task bookkeeping (the
// Supervisor's submittedAt map) can clean up after them.
func (q *PendingQueue) expireStale(now time.Time) []*Task {
	q.mu.Lock()
	var kept []*Task
	var expired []*Task
	for _, t := range q.tasks {
		if t.Expired(now) {
			expired = append(expired, t)
			continue
		}
		kept = append(kept, t)
	}
	q.tasks = kept
	q.mu.Unlock()

	for _, t := range expired {
		q.resolveOutcome(t, TaskOutcome{Kind: OutcomeTimeout, Err: ErrTimeout})
	}
	return expired
}
