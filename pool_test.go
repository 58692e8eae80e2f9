package taskpool

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/zoobzio/clockz"
)

func TestNewPoolRejectsNilHandler(t *testing.T) {
	if _, err := NewPool(Config{}, nil); err == nil {
		t.Fatal("NewPool() with a nil handler should return an error")
	}
}

func TestPoolSubmitAndStatsBasic(t *testing.T) {
	p, err := NewPool(Config{InitialWorkers: 2, MaxWorkers: 2}, func(ctx context.Context, task *Task) ([]byte, error) {
		return []byte("pong"), nil
	})
	if err != nil {
		t.Fatalf("NewPool() error: %v", err)
	}
	defer p.Shutdown(context.Background())

	future, err := p.Submit([]byte("ping"), SubmitOptions{})
	if err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	select {
	case <-future.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("task never resolved")
	}
	if out := future.Outcome(); out.Kind != OutcomeSuccess || string(out.Value) != "pong" {
		t.Fatalf("outcome = %+v, want success with value pong", out)
	}

	stats := p.Stats()
	if stats.PoolSize != 2 {
		t.Fatalf("Stats().PoolSize = %d, want 2", stats.PoolSize)
	}
}

func TestPoolScalesUpUnderQueueDepth(t *testing.T) {
	clock := clockz.NewFakeClock()
	block := make(chan struct{})
	cfg := Config{
		InitialWorkers:     1,
		MinWorkers:         1,
		MaxWorkers:         4,
		MaxQueueSize:       10,
		ScalerPeriod:       10 * time.Millisecond,
		ScaleUpThreshold:   1,
		ScaleDownThreshold: 0,
		ScaleUpDelay:       0,
	}
	p, err := NewPool(cfg, func(ctx context.Context, task *Task) ([]byte, error) {
		<-block
		return nil, nil
	}, WithClock(clock))
	if err != nil {
		t.Fatalf("NewPool() error: %v", err)
	}
	defer func() { close(block); p.Shutdown(context.Background()) }()

	for i := 0; i < 3; i++ {
		if _, err := p.Submit([]byte("x"), SubmitOptions{}); err != nil {
			t.Fatalf("Submit() error: %v", err)
		}
	}

	waitFor(t, time.Second, func() bool { return p.Len() >= 1 })

	for i := 0; i < 5; i++ {
		clock.Advance(cfg.ScalerPeriod)
		time.Sleep(10 * time.Millisecond)
		if p.ActiveWorkers() > 1 {
			break
		}
	}
	if p.ActiveWorkers() <= 1 {
		t.Fatalf("ActiveWorkers() = %d, want pool to have scaled up under queue backlog", p.ActiveWorkers())
	}
}

func TestPoolCircuitBreakerOpensAfterRepeatedFailures(t *testing.T) {
	cfg := Config{
		InitialWorkers: 1,
		MaxWorkers:     1,
		RetryBaseDelay: time.Millisecond,
		Breaker:        BreakerConfig{FailureThreshold: 2, SuccessThreshold: 1, Cooldown: time.Hour},
	}
	p, err := NewPool(cfg, func(ctx context.Context, task *Task) ([]byte, error) {
		return nil, errors.New("down")
	})
	if err != nil {
		t.Fatalf("NewPool() error: %v", err)
	}
	defer p.Shutdown(context.Background())

	future, err := p.Submit([]byte("x"), SubmitOptions{MaxRetries: 1})
	if err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	select {
	case <-future.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("task never resolved")
	}

	waitFor(t, time.Second, func() bool {
		for _, w := range p.supervisor.Workers() {
			if w.breaker.State() != BreakerClosed {
				return true
			}
		}
		return false
	})
}

func TestPoolStickySessionRouting(t *testing.T) {
	p, err := NewPool(Config{InitialWorkers: 3, MaxWorkers: 3, LoadBalancerPolicy: PolicySticky}, func(ctx context.Context, task *Task) ([]byte, error) {
		return nil, nil
	})
	if err != nil {
		t.Fatalf("NewPool() error: %v", err)
	}
	defer p.Shutdown(context.Background())

	var assignedWorker int64
	for i := 0; i < 3; i++ {
		future, err := p.Route("session-a", []byte("x"), SubmitOptions{})
		if err != nil {
			t.Fatalf("Route() error: %v", err)
		}
		select {
		case <-future.Done():
		case <-time.After(2 * time.Second):
			t.Fatal("task never resolved")
		}
		workerID, ok := p.session.Lookup("session-a")
		if !ok {
			t.Fatal("session router should retain a mapping for session-a")
		}
		if i == 0 {
			assignedWorker = workerID
		} else if workerID != assignedWorker {
			t.Fatalf("Route() reassigned session-a from worker %d to %d", assignedWorker, workerID)
		}
	}
}

func TestPoolTimeoutAndRetryEventuallySucceeds(t *testing.T) {
	var attempts int
	p, err := NewPool(Config{InitialWorkers: 1, MaxWorkers: 1, RetryBaseDelay: 5 * time.Millisecond}, func(ctx context.Context, task *Task) ([]byte, error) {
		attempts++
		if attempts < 2 {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return []byte("ok"), nil
	})
	if err != nil {
		t.Fatalf("NewPool() error: %v", err)
	}
	defer p.Shutdown(context.Background())

	future, err := p.Submit([]byte("x"), SubmitOptions{
		Deadline:   time.Now().Add(20 * time.Millisecond),
		MaxRetries: 3,
	})
	if err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	select {
	case <-future.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("task never resolved")
	}
	if out := future.Outcome(); out.Kind != OutcomeSuccess {
		t.Fatalf("outcome.Kind = %v, want eventual OutcomeSuccess after a retried timeout", out.Kind)
	}
}

func TestPoolShutdownDrainsAndRejectsFurtherSubmits(t *testing.T) {
	p, err := NewPool(Config{InitialWorkers: 2, MaxWorkers: 2}, func(ctx context.Context, task *Task) ([]byte, error) {
		return nil, nil
	})
	if err != nil {
		t.Fatalf("NewPool() error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	p.Shutdown(ctx)

	if _, err := p.Submit([]byte("x"), SubmitOptions{}); err == nil {
		t.Fatal("Submit() after Shutdown() should return an error")
	}
}

func TestPoolHealthReflectsWorkerState(t *testing.T) {
	p, err := NewPool(Config{InitialWorkers: 1, MaxWorkers: 1}, func(ctx context.Context, task *Task) ([]byte, error) {
		return nil, nil
	})
	if err != nil {
		t.Fatalf("NewPool() error: %v", err)
	}
	defer p.Shutdown(context.Background())

	report := p.Health(context.Background())
	if report.Status != "healthy" {
		t.Fatalf("Health().Status = %q, want healthy for a freshly started pool", report.Status)
	}
}

func TestPoolSubscribeReceivesLifecycleEvents(t *testing.T) {
	p, err := NewPool(Config{InitialWorkers: 1, MaxWorkers: 1}, func(ctx context.Context, task *Task) ([]byte, error) {
		return nil, nil
	})
	if err != nil {
		t.Fatalf("NewPool() error: %v", err)
	}
	defer p.Shutdown(context.Background())

	received := make(chan Event, 8)
	if err := p.Subscribe(func(e Event) { received <- e }); err != nil {
		t.Fatalf("Subscribe() error: %v", err)
	}

	future, err := p.Submit([]byte("x"), SubmitOptions{})
	if err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	select {
	case <-future.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("task never resolved")
	}

	select {
	case <-received:
	case <-time.After(time.Second):
		t.Fatal("Subscribe() handler never received an event")
	}
}
