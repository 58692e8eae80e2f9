package taskpool

import "testing"

func TestConfigDefaultedClampsInvalidValues(t *testing.T) {
	cfg := Config{MaxWorkers: 2, InitialWorkers: 50}.defaulted()

	if cfg.MinWorkers != 1 {
		t.Fatalf("MinWorkers = %d, want default 1", cfg.MinWorkers)
	}
	if cfg.InitialWorkers != cfg.MaxWorkers {
		t.Fatalf("InitialWorkers = %d, want clamped to MaxWorkers %d", cfg.InitialWorkers, cfg.MaxWorkers)
	}
	if cfg.Breaker.FailureThreshold < 1 {
		t.Fatal("Breaker.FailureThreshold must be clamped to at least 1")
	}
	if cfg.RetryMaxDelay < cfg.RetryBaseDelay {
		t.Fatal("RetryMaxDelay must never be clamped below RetryBaseDelay")
	}
}

func TestConfigDefaultedLeavesValidValuesUntouched(t *testing.T) {
	cfg := Config{
		MinWorkers:     2,
		MaxWorkers:     8,
		InitialWorkers: 4,
		MaxQueueSize:   100,
	}.defaulted()

	if cfg.MinWorkers != 2 || cfg.MaxWorkers != 8 || cfg.InitialWorkers != 4 || cfg.MaxQueueSize != 100 {
		t.Fatalf("defaulted() altered already-valid fields: %+v", cfg)
	}
}
