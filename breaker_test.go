package taskpool

import (
	"testing"
	"time"

	"github.com/zoobzio/clockz"
)

func TestBreakerOpensAfterThreshold(t *testing.T) {
	clock := clockz.NewFakeClock()
	b := NewBreaker(1, BreakerConfig{FailureThreshold: 3, SuccessThreshold: 2, Cooldown: 5 * time.Second}, clock)

	for i := 0; i < 2; i++ {
		tok, ok := b.Reserve()
		if !ok {
			t.Fatalf("Reserve() should allow dispatch before threshold")
		}
		b.OnFailure(tok)
	}
	if b.State() != BreakerClosed {
		t.Fatalf("state = %v, want Closed before threshold", b.State())
	}

	tok, ok := b.Reserve()
	if !ok {
		t.Fatalf("Reserve() should still allow dispatch on the threshold attempt")
	}
	b.OnFailure(tok)
	if b.State() != BreakerOpen {
		t.Fatalf("state = %v, want Open after threshold failures", b.State())
	}

	if _, ok := b.Reserve(); ok {
		t.Fatal("Reserve() should reject while Open")
	}
}

func TestBreakerHalfOpenAfterCooldown(t *testing.T) {
	clock := clockz.NewFakeClock()
	b := NewBreaker(1, BreakerConfig{FailureThreshold: 1, SuccessThreshold: 2, Cooldown: 5 * time.Second}, clock)

	tok, _ := b.Reserve()
	b.OnFailure(tok)
	if b.State() != BreakerOpen {
		t.Fatalf("state = %v, want Open", b.State())
	}

	clock.Advance(6 * time.Second)
	if b.State() != BreakerHalfOpen {
		t.Fatalf("state = %v, want HalfOpen after cooldown", b.State())
	}
}

func TestBreakerHalfOpenClosesAfterSuccessThreshold(t *testing.T) {
	clock := clockz.NewFakeClock()
	b := NewBreaker(1, BreakerConfig{FailureThreshold: 1, SuccessThreshold: 2, Cooldown: time.Second}, clock)

	tok, _ := b.Reserve()
	b.OnFailure(tok)
	clock.Advance(2 * time.Second)
	if b.State() != BreakerHalfOpen {
		t.Fatalf("state = %v, want HalfOpen", b.State())
	}

	for i := 0; i < 2; i++ {
		tok, ok := b.Reserve()
		if !ok {
			t.Fatalf("Reserve() should allow trial requests while HalfOpen")
		}
		b.OnSuccess(tok)
	}
	if b.State() != BreakerClosed {
		t.Fatalf("state = %v, want Closed after success threshold in HalfOpen", b.State())
	}
}

func TestBreakerHalfOpenReopensOnFailure(t *testing.T) {
	clock := clockz.NewFakeClock()
	b := NewBreaker(1, BreakerConfig{FailureThreshold: 1, SuccessThreshold: 2, Cooldown: time.Second}, clock)

	tok, _ := b.Reserve()
	b.OnFailure(tok)
	clock.Advance(2 * time.Second)
	if b.State() != BreakerHalfOpen {
		t.Fatalf("state = %v, want HalfOpen", b.State())
	}

	tok, _ = b.Reserve()
	b.OnFailure(tok)
	if b.State() != BreakerOpen {
		t.Fatalf("state = %v, want Open after any HalfOpen failure", b.State())
	}
}

func TestBreakerStaleGenerationIgnored(t *testing.T) {
	clock := clockz.NewFakeClock()
	b := NewBreaker(1, BreakerConfig{FailureThreshold: 1, SuccessThreshold: 1, Cooldown: time.Second}, clock)

	staleTok, _ := b.Reserve()

	clock.Advance(2 * time.Second)
	b.State() // no-op transition since still Closed; advance generation via Reset instead
	b.Reset()

	// staleTok belongs to the pre-Reset generation; it must not affect the
	// breaker the Reset just put in place.
	b.OnFailure(staleTok)
	if b.State() != BreakerClosed {
		t.Fatalf("stale-generation OnFailure should be ignored, state = %v", b.State())
	}
}

func TestBreakerOnSuccessResetsFailureCount(t *testing.T) {
	clock := clockz.NewFakeClock()
	b := NewBreaker(1, BreakerConfig{FailureThreshold: 3, SuccessThreshold: 1, Cooldown: time.Second}, clock)

	tok, _ := b.Reserve()
	b.OnFailure(tok)
	tok, _ = b.Reserve()
	b.OnFailure(tok)

	tok, _ = b.Reserve()
	b.OnSuccess(tok)

	for i := 0; i < 2; i++ {
		tok, _ = b.Reserve()
		b.OnFailure(tok)
	}
	if b.State() != BreakerClosed {
		t.Fatalf("state = %v, want Closed: OnSuccess should reset the failure streak", b.State())
	}
}
