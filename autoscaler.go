package taskpool

import (
	"context"
	"time"

	"github.com/zoobzio/capitan"
	"github.com/zoobzio/clockz"
)

// scalerSignals is the set of observations the AutoScaler reads each tick.
type scalerSignals struct {
	queueDepth     int
	idleWorkers    int
	healthyWorkers int
	poolSize       int
}

// scalerActions is what the Supervisor must do in response to one tick.
type scalerActions struct {
	scaleUp   bool
	scaleDown bool
}

// AutoScaler is the periodic control loop that grows/shrinks the pool
// within [min,max] using queue depth, idle-worker, and healthy-worker
// signals plus hysteresis delays. Grounded on backoff.go's delay/jitter
// bookkeeping style for the "don't act again until delay has elapsed"
// check, generalized from a single retry delay to two independent cooldown
// timers (scale up, scale down).
type AutoScaler struct {
	cfg   Config
	clock clockz.Clock

	lastScaleUp   time.Time
	lastScaleDown time.Time
}

// NewAutoScaler builds an AutoScaler from the pool's defaulted Config.
func NewAutoScaler(cfg Config, clock clockz.Clock) *AutoScaler {
	if clock == nil {
		clock = clockz.RealClock
	}
	return &AutoScaler{cfg: cfg, clock: clock}
}

// Evaluate applies spec.md §4.I's rules, including the Open Question's
// recommended guard: scale-up's signal is queue_depth, as the distilled
// spec requires, additionally gated on healthy_workers so the scaler never
// grows a pool that is already full of open breakers.
func (a *AutoScaler) Evaluate(s scalerSignals) scalerActions {
	now := a.clock.Now()
	var actions scalerActions

	// Never grow a pool that is already all open breakers.
	canScaleUp := s.queueDepth > a.cfg.ScaleUpThreshold &&
		s.poolSize < a.cfg.MaxWorkers &&
		now.Sub(a.lastScaleUp) > a.cfg.ScaleUpDelay &&
		(s.poolSize == 0 || s.healthyWorkers > 0)
	if canScaleUp {
		actions.scaleUp = true
		a.lastScaleUp = now
	}

	canScaleDown := s.idleWorkers > a.cfg.ScaleDownThreshold &&
		s.queueDepth == 0 &&
		s.poolSize > a.cfg.MinWorkers &&
		now.Sub(a.lastScaleDown) > a.cfg.ScaleDownDelay
	if canScaleDown {
		actions.scaleDown = true
		a.lastScaleDown = now
	}

	if actions.scaleUp {
		capitan.Info(context.Background(), SignalScaledUp,
			FieldQueueDepth.Field(s.queueDepth),
			FieldHealthyWorkers.Field(s.healthyWorkers),
			FieldPoolSize.Field(s.poolSize),
		)
	}
	if actions.scaleDown {
		capitan.Info(context.Background(), SignalScaledDown,
			FieldIdleWorkers.Field(s.idleWorkers),
			FieldPoolSize.Field(s.poolSize),
		)
	}

	return actions
}
