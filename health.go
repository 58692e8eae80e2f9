package taskpool

import (
	"context"
	"sync"
	"time"

	"github.com/zoobzio/capitan"
	"github.com/zoobzio/clockz"
	"golang.org/x/sync/errgroup"
)

// ProbeStatus is the outcome of one health probe run.
type ProbeStatus int

const (
	ProbeOk ProbeStatus = iota
	ProbeFail
)

// ProbeFunc is a health check. It should honor ctx's deadline.
type ProbeFunc func(ctx context.Context) (ProbeStatus, string)

// Probe is a named, optionally-critical health check with its own timeout.
type Probe struct {
	Name     string
	Check    ProbeFunc
	Timeout  time.Duration
	Critical bool
}

// ProbeResult is one probe's outcome from the most recent run.
type ProbeResult struct {
	Name     string
	Status   ProbeStatus
	Duration time.Duration
	Reason   string
}

// WorkerCounts breaks the pool's workers down by health for HealthReport.
type WorkerCounts struct {
	Total    int
	Healthy  int
	Degraded int
	Dead     int
}

// HealthReport is the façade's health() response.
type HealthReport struct {
	Status  string // "healthy" | "degraded" | "unhealthy"
	Uptime  time.Duration
	Probes  []ProbeResult
	Workers WorkerCounts
	Queue   int
}

// HealthMonitor runs registered probes concurrently with per-probe
// timeouts and exposes a TTL-cached composite report. Concurrent probe
// fan-out uses golang.org/x/sync/errgroup, grounded on the same
// clockz.WithTimeout seam timeout.go uses around a single processor,
// generalized to N concurrent probes instead of one wrapped processor.
type HealthMonitor struct {
	clock   clockz.Clock
	ttl     time.Duration
	probes  []Probe
	startAt time.Time

	mu       sync.Mutex
	cached   HealthReport
	cachedAt time.Time
}

// NewHealthMonitor builds a HealthMonitor with probes registered and the
// given cache TTL (3s when ttl <= 0).
func NewHealthMonitor(probes []Probe, ttl time.Duration, clock clockz.Clock) *HealthMonitor {
	if clock == nil {
		clock = clockz.RealClock
	}
	if ttl <= 0 {
		ttl = 3 * time.Second
	}
	return &HealthMonitor{clock: clock, ttl: ttl, probes: probes, startAt: clock.Now()}
}

// Check returns the cached report if still within TTL, otherwise runs
// every probe concurrently and caches the fresh result.
func (h *HealthMonitor) Check(ctx context.Context, workers WorkerCounts, queueLen int) HealthReport {
	h.mu.Lock()
	if h.clock.Since(h.cachedAt) < h.ttl && !h.cachedAt.IsZero() {
		report := h.cached
		h.mu.Unlock()
		return report
	}
	h.mu.Unlock()

	results := make([]ProbeResult, len(h.probes))
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range h.probes {
		i, p := i, p
		g.Go(func() error {
			probeCtx, cancel := h.clock.WithTimeout(gctx, p.Timeout)
			defer cancel()

			start := h.clock.Now()
			status, reason := h.runProbe(probeCtx, p)
			results[i] = ProbeResult{
				Name:     p.Name,
				Status:   status,
				Duration: h.clock.Since(start),
				Reason:   reason,
			}
			return nil
		})
	}
	_ = g.Wait()

	status := "healthy"
	for i, r := range results {
		if r.Status != ProbeFail {
			continue
		}
		capitan.Warn(context.Background(), SignalProbeFailed, FieldProbeName.Field(r.Name), FieldError.Field(r.Reason))
		if h.probes[i].Critical {
			status = "unhealthy"
		} else if status == "healthy" {
			status = "degraded"
		}
	}

	report := HealthReport{
		Status:  status,
		Uptime:  h.clock.Since(h.startAt),
		Probes:  results,
		Workers: workers,
		Queue:   queueLen,
	}

	h.mu.Lock()
	h.cached = report
	h.cachedAt = h.clock.Now()
	h.mu.Unlock()

	return report
}

type probeResult struct {
	status ProbeStatus
	reason string
}

func (h *HealthMonitor) runProbe(ctx context.Context, p Probe) (status ProbeStatus, reason string) {
	results := make(chan probeResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				results <- probeResult{status: ProbeFail, reason: sanitizePanicMessage(r)}
			}
		}()
		s, r := p.Check(ctx)
		results <- probeResult{status: s, reason: r}
	}()

	select {
	case res := <-results:
		return res.status, res.reason
	case <-ctx.Done():
		return ProbeFail, "timed out"
	}
}

// StandardProbes builds the three sample probes spec.md §4.K requires:
// at-least-one-responsive-worker, queue-depth-within-limit, and
// can-execute-synthetic-task.
func StandardProbes(timeout time.Duration, atLeastOneResponsive func() bool, queueWithinLimit func() bool, syntheticTask func(ctx context.Context) error) []Probe {
	return []Probe{
		{
			Name:     "at-least-one-responsive-worker",
			Critical: true,
			Timeout:  timeout,
			Check: func(ctx context.Context) (ProbeStatus, string) {
				if atLeastOneResponsive() {
					return ProbeOk, ""
				}
				return ProbeFail, "no responsive workers"
			},
		},
		{
			Name:     "queue-depth-within-limit",
			Critical: false,
			Timeout:  timeout,
			Check: func(ctx context.Context) (ProbeStatus, string) {
				if queueWithinLimit() {
					return ProbeOk, ""
				}
				return ProbeFail, "queue depth exceeds limit"
			},
		},
		{
			Name:     "can-execute-synthetic-task",
			Critical: true,
			Timeout:  timeout,
			Check: func(ctx context.Context) (ProbeStatus, string) {
				if err := syntheticTask(ctx); err != nil {
					return ProbeFail, err.Error()
				}
				return ProbeOk, ""
			},
		},
	}
}
