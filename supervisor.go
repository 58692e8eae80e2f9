package taskpool

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zoobzio/capitan"
	"github.com/zoobzio/clockz"
	"github.com/zoobzio/tracez"
	"golang.org/x/sync/errgroup"
)

// ShutdownReport is returned by Shutdown, idempotent across repeated calls.
// Err holds the first worker-drain error (a force-terminated worker past
// the shutdown deadline), nil on a clean drain.
type ShutdownReport struct {
	WorkersTerminated int
	WorkersForced     int
	TasksCancelled    int
	FinalMetrics      MetricsSnapshot
	Err               error
}

// Supervisor spawns workers, dispatches tasks, observes outcomes, recovers
// dead workers within a bounded restart budget, and drives graceful
// shutdown. Grounded on workerpool.go's sync.Once-guarded close path and
// semaphore-based concurrency cap, generalized to own the worker goroutines
// directly instead of bounding calls to externally-owned processors.
type Supervisor struct {
	cfg     Config
	clock   clockz.Clock
	handler TaskHandler

	queue    *PendingQueue
	balancer *LoadBalancer
	session  *SessionRouter
	metrics  *MetricsRegistry
	events   *EventBus
	debug    *Debugger
	tracer   *tracez.Tracer
	retry    RetryBackoff

	mu           sync.RWMutex
	workers      map[int64]*Worker
	nextWorkerID int64
	submittedAt  map[int64]time.Time // task id -> first submission time, cleared on terminal resolution

	retryWG sync.WaitGroup // pending delayed requeues, drained before Shutdown's final DrainAll

	shutdownOnce sync.Once
	shutdownRep  ShutdownReport
	shuttingDown chan struct{}

	stopMonitor chan struct{}
}

// NewSupervisor builds a Supervisor but does not spawn any workers; call
// Start to spawn InitialWorkers and begin the heartbeat monitor.
func NewSupervisor(cfg Config, handler TaskHandler, clock clockz.Clock, queue *PendingQueue, balancer *LoadBalancer, session *SessionRouter, metrics *MetricsRegistry, events *EventBus, debug *Debugger, tracer *tracez.Tracer) *Supervisor {
	if clock == nil {
		clock = clockz.RealClock
	}
	if tracer == nil {
		tracer = tracez.New()
	}
	return &Supervisor{
		cfg:          cfg,
		clock:        clock,
		handler:      handler,
		queue:        queue,
		balancer:     balancer,
		session:      session,
		metrics:      metrics,
		events:       events,
		debug:        debug,
		tracer:       tracer,
		retry:        NewRetryBackoff(cfg.RetryBaseDelay, cfg.RetryMaxDelay),
		workers:      make(map[int64]*Worker),
		submittedAt:  make(map[int64]time.Time),
		shuttingDown: make(chan struct{}),
		stopMonitor:  make(chan struct{}),
	}
}

// Start spawns cfg.InitialWorkers workers and begins the heartbeat monitor.
func (s *Supervisor) Start() {
	for i := 0; i < s.cfg.InitialWorkers; i++ {
		s.spawnWorker()
	}
	go s.monitorHeartbeats()
}

func (s *Supervisor) spawnWorker() *Worker {
	s.mu.Lock()
	id := s.nextWorkerID
	s.nextWorkerID++
	s.mu.Unlock()

	breaker := NewBreaker(id, s.cfg.Breaker, s.clock)
	w := NewWorker(id, s.handler, breaker, s.clock, s.tracer)

	s.mu.Lock()
	s.workers[id] = w
	s.mu.Unlock()

	go w.Run(s.cfg.HeartbeatPeriod, s.onOutcome)
	s.events.Emit(Event{Kind: EventWorkerStarted, WorkerID: id, Timestamp: s.clock.Now()})
	return w
}

// availableIdleWorkers returns the set of workers eligible for immediate
// (bypass-the-queue) dispatch: truly Idle and not breaker-Open.
func (s *Supervisor) availableIdleWorkers() []*Worker {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Worker
	for _, w := range s.workers {
		if w.Status() == WorkerIdle && w.breaker.State() != BreakerOpen {
			out = append(out, w)
		}
	}
	return out
}

// Submit enqueues or immediately dispatches task, returning its Future.
func (s *Supervisor) Submit(task *Task) (*Future, error) {
	select {
	case <-s.shuttingDown:
		return nil, ErrShuttingDown
	default:
	}

	s.metrics.RecordSubmitted()
	task.future = newFuture()

	s.mu.Lock()
	s.submittedAt[task.ID] = s.clock.Now()
	s.mu.Unlock()

	if worker, directive, token, ok := s.trySelectAndReserve(task); ok {
		if s.send(worker, task, token, directive) {
			return task.future, nil
		}
		// Breaker opened (or the inbox filled) between selection and send: re-select once.
		if worker2, directive2, token2, ok2 := s.trySelectAndReserve(task); ok2 {
			if s.send(worker2, task, token2, directive2) {
				return task.future, nil
			}
		}
	}

	fut, err := s.queue.Push(task)
	if err != nil {
		s.resolve(task, TaskOutcome{Kind: OutcomeFailure, Err: err}, 0, 0)
		capitan.Warn(context.Background(), SignalQueueRejected, FieldTaskID.Field(int(task.ID)), FieldError.Field(err.Error()))
		return nil, err
	}
	capitan.Info(context.Background(), SignalQueuePushed, FieldTaskID.Field(int(task.ID)))
	return fut, nil
}

func (s *Supervisor) forgetSubmission(taskID int64) {
	s.mu.Lock()
	delete(s.submittedAt, taskID)
	s.mu.Unlock()
}

// resolve is the Supervisor's single path for settling a task's future on a
// terminal outcome it reached outside the normal worker-execution loop
// (rejection, shutdown, crash, drain). It keeps tasks_resolved in step with
// the sum of the per-outcome counters the way onOutcome's worker-path
// resolution already does.
func (s *Supervisor) resolve(task *Task, outcome TaskOutcome, elapsed, waitInQueue time.Duration) {
	s.forgetSubmission(task.ID)
	s.metrics.RecordOutcome(task.Kind, outcome.Kind, elapsed, waitInQueue)
	task.future.resolve(outcome)
}

func (s *Supervisor) trySelectAndReserve(task *Task) (*Worker, sessionDirective, generationToken, bool) {
	candidates := s.availableIdleWorkers()
	worker, directive := s.balancer.Select(task, candidates)
	if worker == nil {
		return nil, sessionDirective{}, 0, false
	}
	token, ok := worker.breaker.Reserve()
	if !ok {
		return nil, sessionDirective{}, 0, false
	}
	return worker, directive, token, true
}

func (s *Supervisor) send(worker *Worker, task *Task, token generationToken, directive sessionDirective) bool {
	s.mu.RLock()
	submittedAt, hadSubmit := s.submittedAt[task.ID]
	s.mu.RUnlock()
	wait := time.Duration(0)
	if hadSubmit {
		wait = s.clock.Now().Sub(submittedAt)
	}

	_, span := s.tracer.StartSpan(context.Background(), TaskDispatchSpan)
	span.SetTag(TagTaskID, fmt.Sprintf("%d", task.ID))
	span.SetTag(TagWorkerID, fmt.Sprintf("%d", worker.ID))

	// Arm cancellation to reach this worker before Assign, not after: once
	// Assign succeeds the task can start executing immediately, and a
	// Cancel() landing in between would otherwise fire the stale onCancel
	// (the queue's now-no-op removal) instead of signaling the worker. A
	// failed Assign leaves this armed against a worker that never got the
	// task, which is harmless — CancelCurrent only acts on a worker's
	// actual current task, and the caller re-arms onCancel on every
	// subsequent dispatch attempt or queue requeue.
	task.future.setOnCancel(func() { worker.CancelCurrent(task.ID) })
	if !worker.Assign(task, dispatchMeta{token: token, waitInQueue: wait}) {
		span.SetTag(TagOutcome, "rejected")
		span.Finish()
		return false
	}
	span.Finish()
	worker.setStatus(WorkerBusy)
	s.applyDirective(directive)
	capitan.Info(context.Background(), SignalTaskDispatched, FieldTaskID.Field(int(task.ID)), FieldWorkerID.Field(int(worker.ID)))
	s.debug.Log("supervisor:dispatch", func() string {
		return fmt.Sprintf("task %d -> worker %d (waited %v)", task.ID, worker.ID, wait)
	})
	return true
}

// scheduleRequeue waits out the retry's backoff delay before pushing task
// back to the front of the queue, so a failing task doesn't hammer the pool
// with an immediate re-dispatch, then offers the queue to every idle worker
// so the retry does not wait for some other task to finish. If Shutdown starts while the delay is
// still running, the task resolves as cancelled instead of re-entering a
// draining queue.
func (s *Supervisor) scheduleRequeue(task *Task, delay time.Duration) {
	s.retryWG.Add(1)
	go func() {
		defer s.retryWG.Done()
		select {
		case <-s.clock.After(delay):
			s.queue.PushFront(task)
			for _, w := range s.availableIdleWorkers() {
				s.fillFromQueue(w)
			}
		case <-s.shuttingDown:
			s.resolve(task, TaskOutcome{Kind: OutcomeCancelled, Err: ErrCancelled}, 0, 0)
		}
	}()
}

func (s *Supervisor) applyDirective(d sessionDirective) {
	if d.assign {
		s.session.Assign(d.session, d.workerID)
	}
}

// onOutcome is called by a Worker's run loop once a task resolves. It
// drives the breaker, updates metrics, handles retry/requeue, resolves the
// Future on terminal outcomes, and pulls the next queued task (if any) for
// the now-idle worker.
func (s *Supervisor) onOutcome(w *Worker, task *Task, outcome TaskOutcome, elapsed time.Duration, meta dispatchMeta) {
	switch outcome.Kind {
	case OutcomeSuccess:
		w.breaker.OnSuccess(meta.token)
		if task.PreferredSession != "" {
			s.session.Assign(task.PreferredSession, w.ID)
		}
	case OutcomeFailure, OutcomeTimeout:
		w.breaker.OnFailure(meta.token)
		if w.breaker.State() == BreakerOpen {
			s.metrics.RecordBreakerOpen()
		}
	}

	task.AttemptsSoFar++
	if (outcome.Kind == OutcomeFailure || outcome.Kind == OutcomeTimeout) && task.AttemptsSoFar <= task.MaxRetries {
		s.metrics.RecordRetry()
		delay := s.retry.Delay(task.AttemptsSoFar)
		capitan.Info(context.Background(), SignalTaskRequeued, FieldTaskID.Field(int(task.ID)), FieldAttempt.Field(task.AttemptsSoFar))
		s.scheduleRequeue(task, delay)
	} else {
		s.metrics.RecordBusyTime(task.Kind, elapsed)
		if outcome.Err != nil {
			outcome.Err = wrapErr("worker", outcome.Err, s.clock.Now())
		}
		s.resolve(task, outcome, elapsed, meta.waitInQueue)
		capitan.Info(context.Background(), SignalTaskResolved, FieldTaskID.Field(int(task.ID)), FieldState.Field(outcome.Kind.String()))
	}

	s.fillFromQueue(w)
}

// fillFromQueue attempts to hand the now-idle worker w its next matching
// task straight from the pending queue, implementing the pull side of
// E's "consumes tasks" responsibility and keeping sticky-session FIFO
// order intact without going back through the load balancer.
func (s *Supervisor) fillFromQueue(w *Worker) {
	if w.Status() != WorkerIdle {
		return
	}
	if w.breaker.State() == BreakerOpen {
		return
	}

	task := s.queue.PopNextFor(w.ID, func(session string) bool {
		id, ok := s.session.Lookup(session)
		return ok && id == w.ID
	})
	if task == nil {
		return
	}

	token, ok := w.breaker.Reserve()
	if !ok {
		s.queue.PushFront(task)
		return
	}
	if !s.send(w, task, token, sessionDirective{}) {
		s.queue.PushFront(task)
	}
}

// monitorHeartbeats periodically checks every worker's last heartbeat and
// current-task deadline, declaring a worker Dead and replacing it when
// recovery conditions from spec.md §4.J are met.
func (s *Supervisor) monitorHeartbeats() {
	period := s.cfg.HeartbeatPeriod
	for {
		select {
		case <-s.stopMonitor:
			return
		case <-s.clock.After(period):
		}

		now := s.clock.Now()
		for _, t := range s.queue.expireStale(now) {
			s.forgetSubmission(t.ID)
			capitan.Info(context.Background(), SignalQueueExpired, FieldTaskID.Field(int(t.ID)))
		}

		s.mu.RLock()
		dead := make([]*Worker, 0)
		for _, w := range s.workers {
			if w.Status() == WorkerDead {
				continue
			}
			missedFor := now.Sub(w.LastHeartbeat())
			if !w.LastHeartbeat().IsZero() && missedFor > period*time.Duration(s.cfg.HeartbeatMissesAllowed) {
				dead = append(dead, w)
				continue
			}
			if cur := w.CurrentTask(); cur != nil && cur.HasDeadline() {
				grace := period
				if now.After(cur.Deadline.Add(grace)) {
					dead = append(dead, w)
				}
			}
		}
		s.mu.RUnlock()

		for _, w := range dead {
			s.declareDead(w, -1)
		}
	}
}

// declareDead marks w Dead, evicts its sessions, resolves its in-flight
// task as a Failure after exhausting retries, and replaces it if its
// restart budget allows.
func (s *Supervisor) declareDead(w *Worker, exitCode int) {
	if w.Status() == WorkerDead {
		return
	}
	w.setStatus(WorkerDead)
	s.session.WorkerDied(w.ID)
	s.metrics.RecordWorkerCrash()

	s.events.Emit(Event{Kind: EventWorkerDied, WorkerID: w.ID, ExitCode: exitCode, Timestamp: s.clock.Now()})
	capitan.Error(context.Background(), SignalWorkerDied, FieldWorkerID.Field(int(w.ID)))

	if cur := w.CurrentTask(); cur != nil {
		cur.AttemptsSoFar++
		if cur.AttemptsSoFar <= cur.MaxRetries {
			s.queue.PushFront(cur)
		} else {
			s.resolve(cur, TaskOutcome{Kind: OutcomeFailure, Err: wrapErr("supervisor", ErrWorkerCrashed, s.clock.Now())}, 0, 0)
		}
	}

	if w.RestartCount() < s.cfg.MaxRestarts {
		s.replaceWorker(w)
	} else {
		s.metrics.RecordInternalError()
		capitan.Error(context.Background(), SignalInternalError, FieldWorkerID.Field(int(w.ID)), FieldError.Field("restart budget exhausted"))
	}
}

func (s *Supervisor) replaceWorker(old *Worker) {
	breaker := NewBreaker(old.ID, s.cfg.Breaker, s.clock)
	w := NewWorker(old.ID, s.handler, breaker, s.clock, s.tracer)
	for i := 0; i <= old.RestartCount(); i++ {
		w.markRestarted()
	}

	s.mu.Lock()
	s.workers[old.ID] = w
	s.mu.Unlock()

	go w.Run(s.cfg.HeartbeatPeriod, s.onOutcome)
	capitan.Warn(context.Background(), SignalWorkerRestarted, FieldWorkerID.Field(int(w.ID)), FieldRestartCount.Field(w.RestartCount()))
}

// Workers returns a stable-ordered snapshot of every tracked worker.
func (s *Supervisor) Workers() []*Worker {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Worker, 0, len(s.workers))
	for _, w := range s.workers {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// PoolSize reports the number of tracked (non-Dead) workers.
func (s *Supervisor) PoolSize() int {
	n := 0
	for _, w := range s.Workers() {
		if w.Status() != WorkerDead {
			n++
		}
	}
	return n
}

// ScaleUp spawns one additional worker, respecting cfg.MaxWorkers.
func (s *Supervisor) ScaleUp() bool {
	if s.PoolSize() >= s.cfg.MaxWorkers {
		return false
	}
	s.spawnWorker()
	s.metrics.RecordScaleUp()
	s.events.Emit(Event{Kind: EventScaledUp, Timestamp: s.clock.Now()})
	return true
}

// ScaleDown drains and removes one idle worker, respecting cfg.MinWorkers.
func (s *Supervisor) ScaleDown() bool {
	if s.PoolSize() <= s.cfg.MinWorkers {
		return false
	}
	s.mu.RLock()
	var victim *Worker
	for _, w := range s.workers {
		if w.Status() == WorkerIdle {
			victim = w
			break
		}
	}
	s.mu.RUnlock()
	if victim == nil {
		return false
	}
	victim.Drain()
	s.metrics.RecordScaleDown()
	s.events.Emit(Event{Kind: EventScaledDown, WorkerID: victim.ID, Timestamp: s.clock.Now()})
	return true
}

// Shutdown performs graceful drain: reject new submissions, Drain every
// worker, wait up to deadline, force-terminate stragglers, and produce a
// final MetricsSnapshot. Idempotent: a second call returns the same report.
func (s *Supervisor) Shutdown(deadline time.Duration) ShutdownReport {
	s.shutdownOnce.Do(func() {
		close(s.shuttingDown)
		close(s.stopMonitor)
		s.queue.Drain()
		s.events.Emit(Event{Kind: EventShutdownInitiated, Timestamp: s.clock.Now()})
		capitan.Info(context.Background(), SignalShutdownInitiated)

		workers := s.Workers()
		for _, w := range workers {
			w.Drain()
		}

		ctx, cancel := s.clock.WithTimeout(context.Background(), deadline)
		defer cancel()

		var g errgroup.Group
		var forced int32
		for _, w := range workers {
			w := w
			g.Go(func() error {
				select {
				case <-w.Done():
					return nil
				case <-ctx.Done():
					w.setStatus(WorkerDead)
					atomic.AddInt32(&forced, 1)
					return fmt.Errorf("worker %d force-terminated after shutdown deadline", w.ID)
				}
			})
		}
		drainErr := g.Wait()

		s.retryWG.Wait()
		pending := s.queue.DrainAll()
		for _, t := range pending {
			s.resolve(t, TaskOutcome{Kind: OutcomeCancelled, Err: ErrCancelled}, 0, 0)
		}

		s.events.Emit(Event{Kind: EventShutdownComplete, Timestamp: s.clock.Now()})
		capitan.Info(context.Background(), SignalShutdownComplete)

		s.shutdownRep = ShutdownReport{
			WorkersTerminated: len(workers),
			WorkersForced:     int(atomic.LoadInt32(&forced)),
			TasksCancelled:    len(pending),
			FinalMetrics:      s.metrics.Snapshot(),
			Err:               drainErr,
		}
	})
	return s.shutdownRep
}

// Tracer exposes the Supervisor's tracez.Tracer for subscribing to task
// execution spans.
func (s *Supervisor) Tracer() *tracez.Tracer { return s.tracer }

// IsShuttingDown reports whether Shutdown has been called.
func (s *Supervisor) IsShuttingDown() bool {
	select {
	case <-s.shuttingDown:
		return true
	default:
		return false
	}
}
