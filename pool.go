package taskpool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/zoobzio/clockz"
	"github.com/zoobzio/tracez"
)

// Pool is the public façade: construct one with NewPool, Submit/Route
// tasks into it, and Shutdown it when done. It wires together the queue,
// balancer, session router, metrics registry, event bus, debugger,
// autoscaler, health monitor, and supervisor built from the other files in
// this package, the way the teacher's top-level connectors compose smaller
// pieces behind one constructor rather than exposing them individually.
type Pool struct {
	cfg   Config
	clock clockz.Clock

	queue      *PendingQueue
	balancer   *LoadBalancer
	session    *SessionRouter
	metrics    *MetricsRegistry
	events     *EventBus
	debug      *Debugger
	supervisor *Supervisor
	scaler     *AutoScaler
	health     *HealthMonitor

	stopScaler   chan struct{}
	shutdownOnce sync.Once
}

// Option configures a Pool at construction time.
type Option func(*poolOptions)

type poolOptions struct {
	clock  clockz.Clock
	probes []Probe
}

// WithClock injects a clockz.Clock, used by tests to supply a fake clock.
func WithClock(c clockz.Clock) Option {
	return func(o *poolOptions) { o.clock = c }
}

// WithProbes registers additional health probes beyond the three standard
// ones NewPool always installs.
func WithProbes(probes ...Probe) Option {
	return func(o *poolOptions) { o.probes = append(o.probes, probes...) }
}

// NewPool builds and starts a Pool: it spawns cfg.InitialWorkers workers,
// begins the heartbeat monitor, and begins the autoscaler loop. handler is
// invoked for every dispatched task; it must not retain task.Payload past
// its own return.
func NewPool(cfg Config, handler TaskHandler, opts ...Option) (*Pool, error) {
	if handler == nil {
		return nil, fmt.Errorf("taskpool: handler must not be nil")
	}
	cfg = cfg.defaulted()

	var o poolOptions
	for _, opt := range opts {
		opt(&o)
	}
	clock := o.clock
	if clock == nil {
		clock = clockz.RealClock
	}

	metrics := NewMetricsRegistry()
	queue := NewPendingQueue(cfg.MaxQueueSize, clock, metrics)
	session := NewSessionRouter(cfg.SessionCapacity, clock)
	balancer := NewLoadBalancer(cfg.LoadBalancerPolicy, session)
	events := NewEventBus()
	debug := NewDebugger(cfg.DebugNamespaces)
	tracer := tracez.New()

	p := &Pool{
		cfg:        cfg,
		clock:      clock,
		queue:      queue,
		balancer:   balancer,
		session:    session,
		metrics:    metrics,
		events:     events,
		debug:      debug,
		stopScaler: make(chan struct{}),
	}

	p.supervisor = NewSupervisor(cfg, handler, clock, queue, balancer, session, metrics, events, debug, tracer)
	queue.SetOnResolve(p.supervisor.forgetSubmission)
	p.scaler = NewAutoScaler(cfg, clock)

	probes := append([]Probe{}, StandardProbes(
		cfg.HealthCacheTTL,
		func() bool { return p.countHealthyWorkers() > 0 },
		func() bool { return p.queue.Len() <= p.cfg.MaxQueueSize },
		func(ctx context.Context) error { return p.syntheticTaskProbe(ctx, handler) },
	)...)
	probes = append(probes, o.probes...)
	p.health = NewHealthMonitor(probes, cfg.HealthCacheTTL, clock)

	p.supervisor.Start()
	go p.runAutoScaler()

	return p, nil
}

// SubmitOptions tunes one Submit/Route call.
type SubmitOptions struct {
	Kind             string
	Deadline         time.Time
	MaxRetries       int
	PreferredSession string
}

// Submit enqueues payload for execution and returns a Future for its
// eventual TaskOutcome.
func (p *Pool) Submit(payload []byte, opts SubmitOptions) (*Future, error) {
	task := p.newTask(payload, opts)
	return p.supervisor.Submit(task)
}

// Route is Submit with an explicit session key, the sticky-routing entry
// point: opts.PreferredSession is overridden by session.
func (p *Pool) Route(session string, payload []byte, opts SubmitOptions) (*Future, error) {
	opts.PreferredSession = session
	task := p.newTask(payload, opts)
	return p.supervisor.Submit(task)
}

func (p *Pool) newTask(payload []byte, opts SubmitOptions) *Task {
	deadline := opts.Deadline
	if deadline.IsZero() && p.cfg.TaskTimeout > 0 {
		deadline = p.clock.Now().Add(p.cfg.TaskTimeout)
	}
	maxRetries := opts.MaxRetries
	if maxRetries == 0 {
		maxRetries = p.cfg.MaxRetries
	}
	return &Task{
		ID:               nextTaskID(),
		Kind:             opts.Kind,
		Payload:          payload,
		SubmittedAt:      p.clock.Now(),
		Deadline:         deadline,
		MaxRetries:       maxRetries,
		PreferredSession: opts.PreferredSession,
	}
}

// Metrics returns a point-in-time MetricsSnapshot.
func (p *Pool) Metrics() MetricsSnapshot {
	p.refreshGauges()
	return p.metrics.Snapshot()
}

func (p *Pool) refreshGauges() {
	workers := p.supervisor.Workers()
	busy := 0
	for _, w := range workers {
		if w.Status() == WorkerBusy {
			busy++
		}
	}
	p.metrics.SetGauges(len(workers), busy, p.queue.Len())
}

// Health runs (or returns the cached copy of) the pool's health probes.
func (p *Pool) Health(ctx context.Context) HealthReport {
	return p.health.Check(ctx, p.workerCounts(), p.queue.Len())
}

func (p *Pool) workerCounts() WorkerCounts {
	workers := p.supervisor.Workers()
	counts := WorkerCounts{Total: len(workers)}
	for _, w := range workers {
		switch {
		case w.Status() == WorkerDead:
			counts.Dead++
		case w.breaker.State() != BreakerClosed:
			counts.Degraded++
		default:
			counts.Healthy++
		}
	}
	return counts
}

func (p *Pool) countHealthyWorkers() int {
	return p.workerCounts().Healthy
}

func (p *Pool) syntheticTaskProbe(ctx context.Context, handler TaskHandler) error {
	task := &Task{ID: -1, Kind: "__health_probe__"}
	_, err := handler(ctx, task)
	return err
}

// Tracer exposes the pool's tracez.Tracer, carrying a span per task
// dispatch and execution. Subscribe to it the way you'd subscribe to any
// tracez.Tracer to build custom trace exporters.
func (p *Pool) Tracer() *tracez.Tracer { return p.supervisor.Tracer() }

// Subscribe registers handler against every lifecycle event kind.
func (p *Pool) Subscribe(handler func(Event)) error {
	return p.events.Subscribe(handler)
}

// Stats is a lightweight introspection snapshot, cheaper than Metrics when
// the caller only needs pool/queue sizing.
type Stats struct {
	PoolSize     int
	BusyWorkers  int
	IdleWorkers  int
	QueueLength  int
	SessionCount int
}

// Stats reports current pool/queue/session sizing without touching the
// metrics registry.
func (p *Pool) Stats() Stats {
	workers := p.supervisor.Workers()
	busy, idle := 0, 0
	for _, w := range workers {
		switch w.Status() {
		case WorkerBusy:
			busy++
		case WorkerIdle:
			idle++
		}
	}
	return Stats{
		PoolSize:     len(workers),
		BusyWorkers:  busy,
		IdleWorkers:  idle,
		QueueLength:  p.queue.Len(),
		SessionCount: p.session.Len(),
	}
}

// Len reports the number of tasks currently queued (not yet dispatched).
func (p *Pool) Len() int { return p.queue.Len() }

// ActiveWorkers reports the number of non-Dead workers currently tracked.
func (p *Pool) ActiveWorkers() int { return p.supervisor.PoolSize() }

// runAutoScaler is the periodic control loop: every ScalerPeriod, gather
// signals and apply the AutoScaler's decision via the Supervisor.
func (p *Pool) runAutoScaler() {
	for {
		select {
		case <-p.stopScaler:
			return
		case <-p.clock.After(p.cfg.ScalerPeriod):
		}

		counts := p.workerCounts()
		idle := 0
		for _, w := range p.supervisor.Workers() {
			if w.Status() == WorkerIdle {
				idle++
			}
		}

		actions := p.scaler.Evaluate(scalerSignals{
			queueDepth:     p.queue.Len(),
			idleWorkers:    idle,
			healthyWorkers: counts.Healthy,
			poolSize:       counts.Total,
		})
		if actions.scaleUp {
			p.supervisor.ScaleUp()
		}
		if actions.scaleDown {
			p.supervisor.ScaleDown()
		}
		p.refreshGauges()
	}
}

// Shutdown gracefully drains the pool: see Supervisor.Shutdown.
func (p *Pool) Shutdown(ctx context.Context) ShutdownReport {
	p.shutdownOnce.Do(func() { close(p.stopScaler) })
	deadline := p.cfg.ShutdownDeadline
	if d, ok := ctx.Deadline(); ok {
		if remaining := time.Until(d); remaining < deadline {
			deadline = remaining
		}
	}
	rep := p.supervisor.Shutdown(deadline)
	_ = p.events.Close()
	p.supervisor.Tracer().Close()
	return rep
}
