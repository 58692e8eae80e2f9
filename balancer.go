package taskpool

import "sync"

// balancerPolicy is the internal policy-selector contract. Grounded on
// ratelimiter.go's mode-constant pattern (modeWait/modeDrop selecting
// behavior inside one Process call), generalized here to a policy constant
// selecting one of three worker-selection strategies inside one Select
// call.
type balancerPolicy = LoadBalancerPolicy

// LoadBalancer picks a worker for a task from the set of workers whose
// status is Idle or Busy and whose breaker is not Open. Round-robin state
// (the rotation cursor) is the only thing that needs to persist between
// calls, so it alone is guarded by a mutex.
type LoadBalancer struct {
	policy  balancerPolicy
	mu      sync.Mutex
	cursor  int
	session *SessionRouter
}

// NewLoadBalancer builds a LoadBalancer using policy. session is consulted
// (and updated) only when policy is PolicySticky.
func NewLoadBalancer(policy LoadBalancerPolicy, session *SessionRouter) *LoadBalancer {
	if policy == "" {
		policy = PolicyRoundRobin
	}
	return &LoadBalancer{policy: policy, session: session}
}

// Select returns the worker chosen for task from candidates, plus a
// directive describing how the caller (the Supervisor) should update the
// session map. candidates must already be filtered to Available() workers.
func (b *LoadBalancer) Select(task *Task, candidates []*Worker) (*Worker, sessionDirective) {
	if len(candidates) == 0 {
		return nil, sessionDirective{}
	}

	switch b.policy {
	case PolicySticky:
		return b.selectSticky(task, candidates)
	case PolicyLeastConnections:
		return b.selectLeastConnections(candidates), sessionDirective{}
	default:
		return b.selectRoundRobin(candidates), sessionDirective{}
	}
}

// selectRoundRobin rotates stably across candidates, skipping Busy workers
// if at least one Idle exists; otherwise it falls back to the Busy worker
// with the smallest current load (inbox occupancy as a proxy for
// current_load, since Worker has no separate load counter).
func (b *LoadBalancer) selectRoundRobin(candidates []*Worker) *Worker {
	idle := filterWorkers(candidates, func(w *Worker) bool { return w.Status() == WorkerIdle })
	if len(idle) == 0 {
		var best *Worker
		for _, w := range candidates {
			if best == nil || w.inbox.Len() < best.inbox.Len() {
				best = w
			}
		}
		return best
	}
	pool := idle

	b.mu.Lock()
	defer b.mu.Unlock()
	if len(pool) == 0 {
		return nil
	}
	b.cursor = b.cursor % len(pool)
	w := pool[b.cursor]
	b.cursor++
	return w
}

// selectLeastConnections picks the candidate with the fewest in-flight
// tasks (0 or 1 given a single-slot inbox, so this reduces to "prefer
// Idle," with ties broken by lowest id).
func (b *LoadBalancer) selectLeastConnections(candidates []*Worker) *Worker {
	var best *Worker
	bestLoad := -1
	for _, w := range candidates {
		load := 0
		if w.Status() == WorkerBusy {
			load = 1
		}
		if best == nil || load < bestLoad || (load == bestLoad && w.ID < best.ID) {
			best = w
			bestLoad = load
		}
	}
	return best
}

// selectSticky defers to the session router; if the session maps to an
// unavailable worker (or has no mapping), it falls back to
// least-connections and returns a directive to (re)assign the session.
func (b *LoadBalancer) selectSticky(task *Task, candidates []*Worker) (*Worker, sessionDirective) {
	if task.PreferredSession == "" {
		w := b.selectLeastConnections(candidates)
		return w, sessionDirective{}
	}

	if id, ok := b.session.Lookup(task.PreferredSession); ok {
		for _, w := range candidates {
			if w.ID == id {
				return w, sessionDirective{}
			}
		}
	}

	w := b.selectLeastConnections(candidates)
	if w == nil {
		return nil, sessionDirective{}
	}
	return w, sessionDirective{session: task.PreferredSession, workerID: w.ID, assign: true}
}

// sessionDirective tells the caller whether (and how) to update the
// session map after a selection, per spec.md §4.H: "session reassignment
// is explicit... the policy returns both the chosen worker and a
// directive."
type sessionDirective struct {
	session  string
	workerID int64
	assign   bool
}

func filterWorkers(ws []*Worker, keep func(*Worker) bool) []*Worker {
	var out []*Worker
	for _, w := range ws {
		if keep(w) {
			out = append(out, w)
		}
	}
	return out
}
