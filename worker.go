package taskpool

import (
	"context"
	"fmt"
	"time"

	"github.com/zoobzio/capitan"
	"github.com/zoobzio/clockz"
	"github.com/zoobzio/tracez"

	"github.com/AndreaCadonna/taskpool/internal/atomics"
	"github.com/AndreaCadonna/taskpool/internal/syncprim"
)

// Trace span/tag keys for task execution, following the teacher's
// per-connector ProcessSpan/AttemptSpan naming convention.
const (
	TaskExecuteSpan  tracez.Key = "worker.execute"
	TaskDispatchSpan tracez.Key = "supervisor.dispatch"

	TagTaskID   tracez.Tag = "worker.task_id"
	TagWorkerID tracez.Tag = "worker.worker_id"
	TagOutcome  tracez.Tag = "worker.outcome"
)

// WorkerStatus is one state in the worker lifecycle state machine:
// Starting -> Idle <-> Busy -> Draining -> Dead.
type WorkerStatus int

const (
	WorkerStarting WorkerStatus = iota
	WorkerIdle
	WorkerBusy
	WorkerDraining
	WorkerDead
)

func (s WorkerStatus) String() string {
	switch s {
	case WorkerStarting:
		return "starting"
	case WorkerIdle:
		return "idle"
	case WorkerBusy:
		return "busy"
	case WorkerDraining:
		return "draining"
	case WorkerDead:
		return "dead"
	default:
		return "unknown"
	}
}

// Heartbeat carries one liveness/metrics sample from a Worker.
type Heartbeat struct {
	WorkerID       int64
	CurrentTaskID  int64 // 0 if idle
	CPUSample      float64
	RSSSample      float64
	SchedulingLag  time.Duration
	Timestamp      time.Time
}

// dispatchMeta travels alongside a dispatched task so the Supervisor gets
// back exactly what it needs to settle the breaker and record wait-in-queue
// latency, without re-deriving either from mutable shared state after the
// fact.
type dispatchMeta struct {
	token       generationToken
	waitInQueue time.Duration
}

// assignment is the message a Worker's inbox carries: a task to execute.
type assignment struct {
	task *Task
	meta dispatchMeta
}

// TaskHandler executes a Task's payload and produces the raw outcome
// bytes. It is supplied by the embedder; the pool never interprets
// payload or result bytes itself.
type TaskHandler func(ctx context.Context, task *Task) ([]byte, error)

// Worker is one executor goroutine plus its observable state. Grounded on
// workerpool.go's semaphore-gated goroutine pattern, generalized from "one
// goroutine per Process call, N concurrent" to "one long-lived goroutine
// per Worker consuming from an inbox," the way the pack's other
// worker-pool references structure their workers.
type Worker struct {
	ID        int64
	createdAt time.Time
	clock     clockz.Clock
	handler   TaskHandler
	tracer    *tracez.Tracer

	inbox  *syncprim.BoundedQueue[assignment]
	drain  chan struct{}
	cancel chan int64 // task ids the worker should try to cancel mid-flight

	lock *syncprim.Mutex // guards the mutable fields below

	status         WorkerStatus
	currentTask    *Task
	tasksCompleted int64
	tasksFailed    int64
	lastHeartbeat  time.Time
	restartCount   int

	breaker *Breaker

	heartbeats chan Heartbeat
	done       chan struct{}
}

// NewWorker constructs a Worker in the Starting state. handler runs task
// payloads; breaker gates whether the worker is eligible for routing.
func NewWorker(id int64, handler TaskHandler, breaker *Breaker, clock clockz.Clock, tracer *tracez.Tracer) *Worker {
	if clock == nil {
		clock = clockz.RealClock
	}
	if tracer == nil {
		tracer = tracez.New()
	}
	region := atomics.NewRegion(4)
	w := &Worker{
		ID:         id,
		createdAt:  clock.Now(),
		clock:      clock,
		handler:    handler,
		tracer:     tracer,
		inbox:      syncprim.NewBoundedQueue[assignment](region.MustWord(0), region.MustWord(1), region.MustWord(2), region.MustWord(3), 1),
		drain:      make(chan struct{}),
		cancel:     make(chan int64, 1),
		lock:       syncprim.NewMutex(atomics.NewRegion(1).MustWord(0)),
		status:     WorkerStarting,
		breaker:    breaker,
		heartbeats: make(chan Heartbeat, 8),
		done:       make(chan struct{}),
	}
	return w
}

// Status returns the worker's current status.
func (w *Worker) Status() WorkerStatus {
	_ = w.lock.Lock()
	defer w.lock.Unlock()
	return w.status
}

func (w *Worker) setStatus(s WorkerStatus) {
	_ = w.lock.Lock()
	w.status = s
	w.lock.Unlock()
}

// CurrentTask returns the task presently in flight, if any.
func (w *Worker) CurrentTask() *Task {
	_ = w.lock.Lock()
	defer w.lock.Unlock()
	return w.currentTask
}

// Counters returns the worker's lifetime completed/failed task counts.
func (w *Worker) Counters() (completed, failed int64) {
	_ = w.lock.Lock()
	defer w.lock.Unlock()
	return w.tasksCompleted, w.tasksFailed
}

// LastHeartbeat returns the time of the most recently recorded heartbeat.
func (w *Worker) LastHeartbeat() time.Time {
	_ = w.lock.Lock()
	defer w.lock.Unlock()
	return w.lastHeartbeat
}

// RestartCount returns how many times this worker slot has been restarted.
func (w *Worker) RestartCount() int {
	_ = w.lock.Lock()
	defer w.lock.Unlock()
	return w.restartCount
}

// Available reports whether the worker can currently accept a dispatch:
// Idle or Busy (queued into its single-slot inbox) and its breaker is not
// Open.
func (w *Worker) Available() bool {
	status := w.Status()
	if status != WorkerIdle && status != WorkerBusy {
		return false
	}
	return w.breaker.State() != BreakerOpen
}

// Assign hands task to the worker's inbox. Returns false if the inbox is
// full (the worker is already processing something and has no room to
// queue another), in which case the Supervisor must pick a different
// worker.
func (w *Worker) Assign(task *Task, meta dispatchMeta) bool {
	return w.inbox.TryPush(assignment{task: task, meta: meta}) == nil
}

// Drain requests that the worker finish its current task, if any, then
// exit cleanly.
func (w *Worker) Drain() {
	w.setStatus(WorkerDraining)
	select {
	case <-w.drain:
	default:
		close(w.drain)
	}
}

// CancelCurrent best-effort signals the worker to abandon the task with
// the given id if it is the one currently in flight.
func (w *Worker) CancelCurrent(taskID int64) {
	select {
	case w.cancel <- taskID:
	default:
	}
}

// Heartbeats exposes the channel of periodic liveness samples.
func (w *Worker) Heartbeats() <-chan Heartbeat {
	return w.heartbeats
}

// Done is closed once the worker's run loop has exited.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// Run is the worker's message loop: assignment -> execute -> outcome,
// interleaved with periodic heartbeats, until Drain is signaled and the
// inbox is empty. onOutcome is called by the Supervisor to record results
// and drive the breaker; it must not block for long.
func (w *Worker) Run(heartbeatPeriod time.Duration, onOutcome func(*Worker, *Task, TaskOutcome, time.Duration, dispatchMeta)) {
	defer close(w.done)
	w.setStatus(WorkerIdle)
	capitan.Info(context.Background(), SignalWorkerStarted, FieldWorkerID.Field(int(w.ID)))

	ticker := w.clock.After(heartbeatPeriod)

	for {
		select {
		case <-ticker:
			w.emitHeartbeat()
			ticker = w.clock.After(heartbeatPeriod)

		case <-w.drain:
			// Drain the inbox (capacity 1, so at most one pending task) before exiting.
			if a, err := w.inbox.TryPop(); err == nil {
				w.execute(a.task, a.meta, onOutcome)
			}
			w.setStatus(WorkerDead)
			return

		default:
			a, err := w.inbox.TryPop()
			if err != nil {
				select {
				case <-w.clock.After(5 * time.Millisecond):
				case <-w.drain:
				}
				continue
			}
			w.execute(a.task, a.meta, onOutcome)
		}
	}
}

func (w *Worker) execute(task *Task, meta dispatchMeta, onOutcome func(*Worker, *Task, TaskOutcome, time.Duration, dispatchMeta)) {
	w.setStatus(WorkerBusy)
	_ = w.lock.Lock()
	w.currentTask = task
	w.lock.Unlock()

	spanCtx, span := w.tracer.StartSpan(context.Background(), TaskExecuteSpan)
	span.SetTag(TagTaskID, fmt.Sprintf("%d", task.ID))
	span.SetTag(TagWorkerID, fmt.Sprintf("%d", w.ID))
	defer span.Finish()

	ctx := spanCtx
	var cancel context.CancelFunc
	if task.HasDeadline() {
		ctx, cancel = context.WithDeadline(ctx, task.Deadline)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}

	resultCh := make(chan TaskOutcome, 1)
	start := w.clock.Now()

	go func() {
		var value []byte
		var runErr error
		func() {
			defer recoverFromPanic("worker", &runErr)
			value, runErr = w.handler(ctx, task)
		}()
		if runErr != nil {
			resultCh <- TaskOutcome{Kind: OutcomeFailure, Err: runErr}
			return
		}
		resultCh <- TaskOutcome{Kind: OutcomeSuccess, Value: value}
	}()

	var outcome TaskOutcome
	select {
	case outcome = <-resultCh:
	case cancelID := <-w.cancel:
		if cancelID == task.ID {
			cancel()
			outcome = <-resultCh
			outcome = TaskOutcome{Kind: OutcomeCancelled, Err: ErrCancelled}
		} else {
			outcome = <-resultCh
		}
	case <-ctx.Done():
		cancel()
		<-resultCh
		outcome = TaskOutcome{Kind: OutcomeTimeout, Err: ErrTimeout}
	}
	cancel()

	elapsed := w.clock.Now().Sub(start)

	_ = w.lock.Lock()
	w.currentTask = nil
	if outcome.Kind == OutcomeSuccess {
		w.tasksCompleted++
	} else if outcome.Kind == OutcomeFailure || outcome.Kind == OutcomeTimeout {
		w.tasksFailed++
	}
	w.lock.Unlock()

	if w.Status() != WorkerDraining {
		w.setStatus(WorkerIdle)
	}

	span.SetTag(TagOutcome, outcome.Kind.String())
	onOutcome(w, task, outcome, elapsed, meta)
}

func (w *Worker) emitHeartbeat() {
	cur := w.CurrentTask()
	var taskID int64
	if cur != nil {
		taskID = cur.ID
	}
	now := w.clock.Now()
	_ = w.lock.Lock()
	w.lastHeartbeat = now
	w.lock.Unlock()

	hb := Heartbeat{
		WorkerID:      w.ID,
		CurrentTaskID: taskID,
		CPUSample:     0,
		RSSSample:     0,
		SchedulingLag: 0,
		Timestamp:     now,
	}
	select {
	case w.heartbeats <- hb:
	default:
	}
	capitan.Info(context.Background(), SignalWorkerHeartbeat,
		FieldWorkerID.Field(int(w.ID)),
		FieldTaskID.Field(int(taskID)),
		FieldTimestamp.Field(float64(now.Unix())),
	)
}

func (w *Worker) markRestarted() {
	_ = w.lock.Lock()
	w.restartCount++
	w.lock.Unlock()
}
