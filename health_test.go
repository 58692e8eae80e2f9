package taskpool

import (
	"context"
	"testing"
	"time"

	"github.com/zoobzio/clockz"
)

func TestHealthMonitorHealthyWhenAllProbesPass(t *testing.T) {
	clock := clockz.NewFakeClock()
	probes := []Probe{
		{Name: "ok", Critical: true, Timeout: time.Second, Check: func(ctx context.Context) (ProbeStatus, string) { return ProbeOk, "" }},
	}
	h := NewHealthMonitor(probes, time.Second, clock)

	report := h.Check(context.Background(), WorkerCounts{Total: 1, Healthy: 1}, 0)
	if report.Status != "healthy" {
		t.Fatalf("Status = %q, want healthy", report.Status)
	}
}

func TestHealthMonitorUnhealthyOnCriticalFailure(t *testing.T) {
	clock := clockz.NewFakeClock()
	probes := []Probe{
		{Name: "critical", Critical: true, Timeout: time.Second, Check: func(ctx context.Context) (ProbeStatus, string) { return ProbeFail, "down" }},
	}
	h := NewHealthMonitor(probes, time.Second, clock)

	report := h.Check(context.Background(), WorkerCounts{}, 0)
	if report.Status != "unhealthy" {
		t.Fatalf("Status = %q, want unhealthy", report.Status)
	}
}

func TestHealthMonitorDegradedOnNonCriticalFailure(t *testing.T) {
	clock := clockz.NewFakeClock()
	probes := []Probe{
		{Name: "soft", Critical: false, Timeout: time.Second, Check: func(ctx context.Context) (ProbeStatus, string) { return ProbeFail, "meh" }},
	}
	h := NewHealthMonitor(probes, time.Second, clock)

	report := h.Check(context.Background(), WorkerCounts{}, 0)
	if report.Status != "degraded" {
		t.Fatalf("Status = %q, want degraded", report.Status)
	}
}

func TestHealthMonitorCachesWithinTTL(t *testing.T) {
	clock := clockz.NewFakeClock()
	calls := 0
	probes := []Probe{
		{Name: "counted", Critical: true, Timeout: time.Second, Check: func(ctx context.Context) (ProbeStatus, string) {
			calls++
			return ProbeOk, ""
		}},
	}
	h := NewHealthMonitor(probes, 5*time.Second, clock)

	h.Check(context.Background(), WorkerCounts{}, 0)
	h.Check(context.Background(), WorkerCounts{}, 0)
	if calls != 1 {
		t.Fatalf("probe ran %d times, want 1 within the cache TTL", calls)
	}

	clock.Advance(6 * time.Second)
	h.Check(context.Background(), WorkerCounts{}, 0)
	if calls != 2 {
		t.Fatalf("probe ran %d times, want 2 after the cache TTL elapsed", calls)
	}
}

func TestHealthMonitorRecoversFromPanickingProbe(t *testing.T) {
	clock := clockz.NewFakeClock()
	probes := []Probe{
		{Name: "panics", Critical: true, Timeout: time.Second, Check: func(ctx context.Context) (ProbeStatus, string) {
			panic("boom")
		}},
	}
	h := NewHealthMonitor(probes, time.Second, clock)

	report := h.Check(context.Background(), WorkerCounts{}, 0)
	if report.Status != "unhealthy" {
		t.Fatalf("Status = %q, want unhealthy after a panicking critical probe", report.Status)
	}
}
