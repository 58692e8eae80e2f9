// Package taskpool implements a bounded, auto-scaling worker pool: typed
// task submission with deadlines and retries, sticky-session routing,
// per-worker circuit breakers, heartbeat-based failure detection with
// bounded restarts, and an observable metrics/health/event surface.
//
// The pool owns no transport or persistence of its own — callers submit
// opaque payloads via Submit or Route and get back a Future resolving to a
// TaskOutcome once a worker (or the queue, on a deadline) settles it.
//
// # Usage
//
//	pool, err := taskpool.NewPool(taskpool.Config{
//	    MinWorkers: 2,
//	    MaxWorkers: 16,
//	}, func(ctx context.Context, t *taskpool.Task) ([]byte, error) {
//	    return process(t.Payload)
//	})
//	future, err := pool.Submit(payload, taskpool.SubmitOptions{Kind: "resize"})
//	outcome := future.Outcome()
//
// # Sync primitives
//
// internal/atomics and internal/syncprim implement the pool's own
// lock/queue/semaphore types from first principles (a shared-memory word
// abstraction plus a futex-style wait/wake registry) rather than reaching
// for sync.Mutex everywhere. The pool uses them for each Worker's inbox and
// for the lock guarding a Worker's mutable fields; the Breaker and the other
// components use the standard library's sync package.
package taskpool
