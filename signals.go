package taskpool

import "github.com/zoobzio/capitan"

// Signal constants for pool operational events. Signals follow the
// pattern <component>.<event>, the same convention the teacher's
// connectors use for their own signal vocabulary.
const (
	// Worker signals.
	SignalWorkerStarted   capitan.Signal = "worker.started"
	SignalWorkerIdle      capitan.Signal = "worker.idle"
	SignalWorkerBusy      capitan.Signal = "worker.busy"
	SignalWorkerDraining  capitan.Signal = "worker.draining"
	SignalWorkerDied      capitan.Signal = "worker.died"
	SignalWorkerHeartbeat capitan.Signal = "worker.heartbeat"
	SignalWorkerRestarted capitan.Signal = "worker.restarted"

	// Circuit breaker signals.
	SignalBreakerOpened   capitan.Signal = "breaker.opened"
	SignalBreakerClosed   capitan.Signal = "breaker.closed"
	SignalBreakerHalfOpen capitan.Signal = "breaker.half-open"
	SignalBreakerRejected capitan.Signal = "breaker.rejected"

	// Queue signals.
	SignalQueuePushed   capitan.Signal = "queue.pushed"
	SignalQueueRejected capitan.Signal = "queue.rejected"
	SignalQueueExpired  capitan.Signal = "queue.expired"

	// Scaler signals.
	SignalScaledUp   capitan.Signal = "scaler.scaled-up"
	SignalScaledDown capitan.Signal = "scaler.scaled-down"

	// Supervisor signals.
	SignalTaskDispatched capitan.Signal = "supervisor.dispatched"
	SignalTaskResolved   capitan.Signal = "supervisor.resolved"
	SignalTaskRequeued   capitan.Signal = "supervisor.requeued"

	// Health signals.
	SignalProbeFailed capitan.Signal = "health.probe-failed"

	// Shutdown signals.
	SignalShutdownInitiated capitan.Signal = "pool.shutdown-initiated"
	SignalShutdownComplete  capitan.Signal = "pool.shutdown-complete"

	// Internal invariant-violation signal.
	SignalInternalError capitan.Signal = "pool.internal-error"
)

// Field keys, all primitive-typed the way the teacher's capitan.Key
// vocabulary is.
var (
	FieldName       = capitan.NewStringKey("name")
	FieldError      = capitan.NewStringKey("error")
	FieldTimestamp  = capitan.NewFloat64Key("timestamp")
	FieldWorkerID   = capitan.NewIntKey("worker_id")
	FieldTaskID     = capitan.NewIntKey("task_id")
	FieldTaskKind   = capitan.NewStringKey("task_kind")
	FieldQueueDepth = capitan.NewIntKey("queue_depth")
	FieldPoolSize   = capitan.NewIntKey("pool_size")

	FieldState            = capitan.NewStringKey("state")
	FieldFailures         = capitan.NewIntKey("failures")
	FieldSuccesses        = capitan.NewIntKey("successes")
	FieldFailureThreshold = capitan.NewIntKey("failure_threshold")
	FieldSuccessThreshold = capitan.NewIntKey("success_threshold")
	FieldGeneration       = capitan.NewIntKey("generation")

	FieldCPUSample      = capitan.NewFloat64Key("cpu_sample")
	FieldRSSSample      = capitan.NewFloat64Key("rss_sample")
	FieldSchedulingLag  = capitan.NewFloat64Key("scheduling_lag_ms")
	FieldRestartCount   = capitan.NewIntKey("restart_count")
	FieldAttempt        = capitan.NewIntKey("attempt")
	FieldMaxRetries     = capitan.NewIntKey("max_retries")
	FieldSessionKey     = capitan.NewStringKey("session_key")
	FieldProbeName      = capitan.NewStringKey("probe_name")
	FieldHealthyWorkers = capitan.NewIntKey("healthy_workers")
	FieldIdleWorkers    = capitan.NewIntKey("idle_workers")
)
