package taskpool

import (
	"sort"
	"sync"
	"time"

	"github.com/zoobzio/metricz"
)

// Metric keys, pre-registered in NewMetricsRegistry the way
// NewTimeout/NewRetry pre-register their keys in their constructors.
const (
	MetricTasksSubmitted = metricz.Key("tasks.submitted.total")
	MetricTasksCompleted = metricz.Key("tasks.completed.total")
	MetricTasksFailed    = metricz.Key("tasks.failed.total")
	MetricTasksRetried   = metricz.Key("tasks.retried.total")
	MetricTasksTimedOut  = metricz.Key("tasks.timed_out.total")
	MetricTasksCancelled = metricz.Key("tasks.cancelled.total")
	MetricBreakerOpens   = metricz.Key("breaker.opens.total")
	MetricScaleUps       = metricz.Key("scaler.scale_ups.total")
	MetricScaleDowns     = metricz.Key("scaler.scale_downs.total")
	MetricWorkerCrashes  = metricz.Key("worker.crashes.total")
	MetricInternalErrors = metricz.Key("internal.errors.total")

	MetricPoolSize    = metricz.Key("pool.size")
	MetricBusyWorkers = metricz.Key("pool.busy_workers")
	MetricQueueLength = metricz.Key("pool.queue_length")
)

// histogramBuckets are the default upper bounds (milliseconds) for the
// latency-shaped histograms. metricz.Registry only exposes counters and
// gauges, so histograms are this module's own code, documented in DESIGN.md
// as the one piece with no pack dependency to ground the math on; their
// counts live in memory here and are not stored in the metricz Registry.
var histogramBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

// Histogram is a mutex-guarded, in-memory bucketed counter: one cumulative
// count per bucket upper bound, plus a running sum/count/min/max, giving
// count/min/max/p50/p95/p99 from Summary without metricz needing to know
// about histograms at all.
type Histogram struct {
	mu      sync.Mutex
	buckets []float64
	counts  []int64
	sum     float64
	count   int64
	min     float64
	max     float64
}

// NewHistogram builds a Histogram with the default bucket boundaries.
func NewHistogram() *Histogram {
	return &Histogram{buckets: histogramBuckets, counts: make([]int64, len(histogramBuckets))}
}

// Observe records one sample.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.count == 0 || v < h.min {
		h.min = v
	}
	if h.count == 0 || v > h.max {
		h.max = v
	}
	h.sum += v
	h.count++
	for i, b := range h.buckets {
		if v <= b {
			h.counts[i]++
		}
	}
}

// HistogramSummary is a point-in-time snapshot of a Histogram.
type HistogramSummary struct {
	Count int64
	Min   float64
	Max   float64
	P50   float64
	P95   float64
	P99   float64
}

// Summary computes count/min/max/p50/p95/p99 from the bucket counts.
func (h *Histogram) Summary() HistogramSummary {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.count == 0 {
		return HistogramSummary{}
	}
	return HistogramSummary{
		Count: h.count,
		Min:   h.min,
		Max:   h.max,
		P50:   h.percentileLocked(0.50),
		P95:   h.percentileLocked(0.95),
		P99:   h.percentileLocked(0.99),
	}
}

func (h *Histogram) percentileLocked(p float64) float64 {
	target := float64(h.count) * p
	for i, c := range h.counts {
		if float64(c) >= target {
			return h.buckets[i]
		}
	}
	return h.max
}

// MetricsRegistry wraps one metricz.Registry per Pool with the counters,
// gauges, and histograms spec.md §4.L requires, labeled by task kind and/or
// worker id.
type MetricsRegistry struct {
	registry *metricz.Registry

	mu       sync.Mutex
	byKind   map[string]*perKindMetrics
	latency  *Histogram
	waitInQ  *Histogram
	busyTime *Histogram
}

type perKindMetrics struct {
	latency  *Histogram
	waitInQ  *Histogram
	busyTime *Histogram
}

// NewMetricsRegistry builds a MetricsRegistry with every counter and gauge
// pre-registered.
func NewMetricsRegistry() *MetricsRegistry {
	reg := metricz.New()
	for _, k := range []metricz.Key{
		MetricTasksSubmitted, MetricTasksCompleted, MetricTasksFailed,
		MetricTasksRetried, MetricTasksTimedOut, MetricTasksCancelled,
		MetricBreakerOpens, MetricScaleUps, MetricScaleDowns,
		MetricWorkerCrashes, MetricInternalErrors,
	} {
		reg.Counter(k)
	}
	for _, k := range []metricz.Key{MetricPoolSize, MetricBusyWorkers, MetricQueueLength} {
		reg.Gauge(k)
	}
	return &MetricsRegistry{
		registry: reg,
		byKind:   make(map[string]*perKindMetrics),
		latency:  NewHistogram(),
		waitInQ:  NewHistogram(),
		busyTime: NewHistogram(),
	}
}

// Registry exposes the underlying metricz.Registry for direct counter/gauge access.
func (m *MetricsRegistry) Registry() *metricz.Registry {
	return m.registry
}

func (m *MetricsRegistry) forKind(kind string) *perKindMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	pk, ok := m.byKind[kind]
	if !ok {
		pk = &perKindMetrics{latency: NewHistogram(), waitInQ: NewHistogram(), busyTime: NewHistogram()}
		m.byKind[kind] = pk
	}
	return pk
}

// RecordSubmitted increments tasks_submitted.
func (m *MetricsRegistry) RecordSubmitted() {
	m.registry.Counter(MetricTasksSubmitted).Inc()
}

// RecordOutcome records a terminal outcome's counters and latency/wait histograms.
func (m *MetricsRegistry) RecordOutcome(kind string, outcome TaskOutcomeKind, latency, waitInQueue time.Duration) {
	switch outcome {
	case OutcomeSuccess:
		m.registry.Counter(MetricTasksCompleted).Inc()
	case OutcomeFailure:
		m.registry.Counter(MetricTasksFailed).Inc()
	case OutcomeTimeout:
		m.registry.Counter(MetricTasksTimedOut).Inc()
	case OutcomeCancelled:
		m.registry.Counter(MetricTasksCancelled).Inc()
	}

	m.latency.Observe(float64(latency.Milliseconds()))
	m.waitInQ.Observe(float64(waitInQueue.Milliseconds()))

	pk := m.forKind(kind)
	pk.latency.Observe(float64(latency.Milliseconds()))
	pk.waitInQ.Observe(float64(waitInQueue.Milliseconds()))
}

// RecordRetry increments tasks_retried.
func (m *MetricsRegistry) RecordRetry() { m.registry.Counter(MetricTasksRetried).Inc() }

// RecordBreakerOpen increments breaker_opens.
func (m *MetricsRegistry) RecordBreakerOpen() { m.registry.Counter(MetricBreakerOpens).Inc() }

// RecordScaleUp increments scale_ups.
func (m *MetricsRegistry) RecordScaleUp() { m.registry.Counter(MetricScaleUps).Inc() }

// RecordScaleDown increments scale_downs.
func (m *MetricsRegistry) RecordScaleDown() { m.registry.Counter(MetricScaleDowns).Inc() }

// RecordWorkerCrash increments worker_crashes.
func (m *MetricsRegistry) RecordWorkerCrash() { m.registry.Counter(MetricWorkerCrashes).Inc() }

// RecordInternalError increments the internal-error counter.
func (m *MetricsRegistry) RecordInternalError() { m.registry.Counter(MetricInternalErrors).Inc() }

// RecordBusyTime observes how long a worker spent busy on one task.
func (m *MetricsRegistry) RecordBusyTime(kind string, d time.Duration) {
	m.busyTime.Observe(float64(d.Milliseconds()))
	m.forKind(kind).busyTime.Observe(float64(d.Milliseconds()))
}

// SetGauges updates the point-in-time pool-size/busy-workers/queue-length gauges.
func (m *MetricsRegistry) SetGauges(poolSize, busyWorkers, queueLength int) {
	m.registry.Gauge(MetricPoolSize).Set(float64(poolSize))
	m.registry.Gauge(MetricBusyWorkers).Set(float64(busyWorkers))
	m.registry.Gauge(MetricQueueLength).Set(float64(queueLength))
}

// MetricsSnapshot is a serializable view of the registry: counters, gauges,
// and per-label histogram summaries. Snapshot reads each counter, gauge and
// histogram one after another with no lock across them, so a snapshot taken
// while tasks are resolving is not captured atomically: two values in it
// can come from different instants.
type MetricsSnapshot struct {
	Counters       map[string]int64
	Gauges         map[string]float64
	TaskLatency    HistogramSummary
	WaitInQueue    HistogramSummary
	WorkerBusyTime HistogramSummary
	ByKind         map[string]KindSnapshot
}

// KindSnapshot is the histogram summary set for one task kind label.
type KindSnapshot struct {
	TaskLatency    HistogramSummary
	WaitInQueue    HistogramSummary
	WorkerBusyTime HistogramSummary
}

// Snapshot captures the registry's current state. Repeated snapshots are
// monotonic for every counter, per spec.md's MetricsSnapshot invariant.
func (m *MetricsRegistry) Snapshot() MetricsSnapshot {
	counters := map[string]int64{
		string(MetricTasksSubmitted): m.registry.Counter(MetricTasksSubmitted).Value(),
		string(MetricTasksCompleted): m.registry.Counter(MetricTasksCompleted).Value(),
		string(MetricTasksFailed):    m.registry.Counter(MetricTasksFailed).Value(),
		string(MetricTasksRetried):   m.registry.Counter(MetricTasksRetried).Value(),
		string(MetricTasksTimedOut):  m.registry.Counter(MetricTasksTimedOut).Value(),
		string(MetricTasksCancelled): m.registry.Counter(MetricTasksCancelled).Value(),
		string(MetricBreakerOpens):   m.registry.Counter(MetricBreakerOpens).Value(),
		string(MetricScaleUps):       m.registry.Counter(MetricScaleUps).Value(),
		string(MetricScaleDowns):     m.registry.Counter(MetricScaleDowns).Value(),
		string(MetricWorkerCrashes):  m.registry.Counter(MetricWorkerCrashes).Value(),
		string(MetricInternalErrors): m.registry.Counter(MetricInternalErrors).Value(),
	}
	gauges := map[string]float64{
		string(MetricPoolSize):    m.registry.Gauge(MetricPoolSize).Value(),
		string(MetricBusyWorkers): m.registry.Gauge(MetricBusyWorkers).Value(),
		string(MetricQueueLength): m.registry.Gauge(MetricQueueLength).Value(),
	}

	m.mu.Lock()
	byKind := make(map[string]KindSnapshot, len(m.byKind))
	kinds := make([]string, 0, len(m.byKind))
	for k := range m.byKind {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		pk := m.byKind[k]
		byKind[k] = KindSnapshot{
			TaskLatency:    pk.latency.Summary(),
			WaitInQueue:    pk.waitInQ.Summary(),
			WorkerBusyTime: pk.busyTime.Summary(),
		}
	}
	m.mu.Unlock()

	return MetricsSnapshot{
		Counters:       counters,
		Gauges:         gauges,
		TaskLatency:    m.latency.Summary(),
		WaitInQueue:    m.waitInQ.Summary(),
		WorkerBusyTime: m.busyTime.Summary(),
		ByKind:         byKind,
	}
}
