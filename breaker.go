package taskpool

import (
	"context"
	"sync"
	"time"

	"github.com/zoobzio/capitan"
	"github.com/zoobzio/clockz"
	"github.com/zoobzio/hookz"
)

// BreakerState is one of the three circuit breaker states.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerEvent is emitted via hookz on every state transition.
type BreakerEvent struct {
	WorkerID  int64
	From      BreakerState
	To        BreakerState
	Timestamp time.Time
}

// Breaker is a per-worker three-state circuit breaker. The state machine,
// field names, and the generation-guard against races between "operation
// in flight" and "breaker transitioned" are lifted nearly verbatim from
// the teacher's CircuitBreaker connector, adapted from wrapping a single
// Chainable[T] to gating a *Worker: the Supervisor evaluates this around
// each task's outcome rather than the breaker calling a processor itself.
type Breaker struct {
	workerID int64
	clock    clockz.Clock
	hooks    *hookz.Hooks[BreakerEvent]

	mu               sync.Mutex
	state            BreakerState
	consecFailures   int
	consecSuccesses  int
	openedAt         time.Time
	generation       int
	failureThreshold int
	successThreshold int
	cooldown         time.Duration
}

// NewBreaker constructs a Breaker for workerID in the Closed state.
func NewBreaker(workerID int64, cfg BreakerConfig, clock clockz.Clock) *Breaker {
	if clock == nil {
		clock = clockz.RealClock
	}
	ft := cfg.FailureThreshold
	if ft < 1 {
		ft = 1
	}
	st := cfg.SuccessThreshold
	if st < 1 {
		st = 1
	}
	return &Breaker{
		workerID:         workerID,
		clock:            clock,
		hooks:            hookz.New[BreakerEvent](),
		state:            BreakerClosed,
		failureThreshold: ft,
		successThreshold: st,
		cooldown:         cfg.Cooldown,
	}
}

// State returns the breaker's current state, applying the automatic
// Open -> HalfOpen transition if the cooldown has elapsed.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpenLocked()
	return b.state
}

func (b *Breaker) maybeHalfOpenLocked() {
	if b.state == BreakerOpen && b.clock.Since(b.openedAt) > b.cooldown {
		b.transitionLocked(BreakerHalfOpen)
		b.consecFailures = 0
		b.consecSuccesses = 0
		b.generation++
	}
}

// generationToken is returned by Reserve and must be passed to OnSuccess/
// OnFailure so a result produced in a stale generation (the breaker
// transitioned while the task was in flight) is discarded rather than
// corrupting the new generation's counters.
type generationToken int

// Reserve records that a task is about to be dispatched to this breaker's
// worker, returning ok=false if the breaker is Open (the caller must pick
// a different worker) along with the generation token to pass to
// OnSuccess/OnFailure once the task resolves.
func (b *Breaker) Reserve() (token generationToken, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpenLocked()

	if b.state == BreakerOpen {
		capitan.Error(context.Background(), SignalBreakerRejected,
			FieldWorkerID.Field(int(b.workerID)),
			FieldState.Field(b.state.String()),
		)
		return 0, false
	}
	return generationToken(b.generation), true
}

// OnSuccess resets the failure counter to zero (the canonical rule: reset,
// not decrement-by-one) and, in HalfOpen, counts toward SuccessThreshold.
func (b *Breaker) OnSuccess(token generationToken) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if int(token) != b.generation {
		return
	}

	switch b.state {
	case BreakerClosed:
		b.consecFailures = 0
	case BreakerHalfOpen:
		b.consecSuccesses++
		if b.consecSuccesses >= b.successThreshold {
			b.transitionLocked(BreakerClosed)
			b.consecFailures = 0
			b.consecSuccesses = 0
		}
	}
}

// OnFailure records a failure, opening the breaker when the threshold is
// reached (Closed) or immediately (HalfOpen, any failure reopens).
func (b *Breaker) OnFailure(token generationToken) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if int(token) != b.generation {
		return
	}

	b.openedAt = b.clock.Now()
	switch b.state {
	case BreakerClosed:
		b.consecFailures++
		if b.consecFailures >= b.failureThreshold {
			b.transitionLocked(BreakerOpen)
		}
	case BreakerHalfOpen:
		b.transitionLocked(BreakerOpen)
		b.consecFailures = 0
		b.consecSuccesses = 0
	}
}

// transitionLocked must be called with b.mu held. It updates state and
// emits both a capitan signal and a hookz lifecycle event, matching the
// teacher's dual signal+hook emission pattern.
func (b *Breaker) transitionLocked(to BreakerState) {
	from := b.state
	b.state = to
	if from == to {
		return
	}

	var sig capitan.Signal
	switch to {
	case BreakerOpen:
		sig = SignalBreakerOpened
	case BreakerClosed:
		sig = SignalBreakerClosed
	case BreakerHalfOpen:
		sig = SignalBreakerHalfOpen
	}
	capitan.Warn(context.Background(), sig,
		FieldWorkerID.Field(int(b.workerID)),
		FieldState.Field(to.String()),
		FieldFailures.Field(b.consecFailures),
		FieldSuccesses.Field(b.consecSuccesses),
	)

	_ = b.hooks.Emit(context.Background(), breakerEventKeyFor(to), BreakerEvent{
		WorkerID:  b.workerID,
		From:      from,
		To:        to,
		Timestamp: b.clock.Now(),
	})
}

var (
	breakerEventOpened   = hookz.Key("breaker.opened")
	breakerEventClosed   = hookz.Key("breaker.closed")
	breakerEventHalfOpen = hookz.Key("breaker.half-open")
)

func breakerEventKeyFor(s BreakerState) hookz.Key {
	switch s {
	case BreakerOpen:
		return breakerEventOpened
	case BreakerClosed:
		return breakerEventClosed
	default:
		return breakerEventHalfOpen
	}
}

// OnOpen registers a handler invoked whenever this breaker opens.
func (b *Breaker) OnOpen(handler func(context.Context, BreakerEvent) error) error {
	_, err := b.hooks.Hook(breakerEventOpened, handler)
	return err
}

// OnClose registers a handler invoked whenever this breaker closes.
func (b *Breaker) OnClose(handler func(context.Context, BreakerEvent) error) error {
	_, err := b.hooks.Hook(breakerEventClosed, handler)
	return err
}

// Reset forces the breaker back to Closed, used by tests and operator tooling.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transitionLocked(BreakerClosed)
	b.consecFailures = 0
	b.consecSuccesses = 0
	b.generation++
}

// Close releases the breaker's hook registry.
func (b *Breaker) Close() error {
	b.hooks.Close()
	return nil
}
