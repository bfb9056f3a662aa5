package server

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func TestPINRetryAfterTracksRefillWithoutSpendingTokens(t *testing.T) {
	clock := clockwork.NewFakeClock()
	rl, err := newRateLimiter(RateLimitConfig{PINAttempts: 2, PINWindow: time.Minute, Clock: clock})
	if err != nil {
		t.Fatalf("newRateLimiter error: %v", err)
	}
	ctx := context.Background()
	attempt := func() (bool, time.Duration) {
		t.Helper()
		ok, wait, err := rl.AllowPINAttempt(ctx, "198.51.100.9")
		if err != nil {
			t.Fatalf("AllowPINAttempt error: %v", err)
		}
		return ok, wait
	}

	for i := 0; i < 2; i++ {
		if ok, _ := attempt(); !ok {
			t.Fatalf("attempt %d denied inside the budget", i+1)
		}
	}
	if ok, wait := attempt(); ok || wait != 30*time.Second {
		t.Fatalf("expected denial with 30s wait, got ok=%v wait=%s", ok, wait)
	}

	clock.Advance(10 * time.Second)
	if ok, wait := attempt(); ok || wait != 20*time.Second {
		t.Fatalf("expected denial with 20s wait, got ok=%v wait=%s", ok, wait)
	}

	clock.Advance(21 * time.Second)
	if ok, _ := attempt(); !ok {
		t.Fatal("expected one refilled attempt after the wait")
	}
	if ok, _ := attempt(); ok {
		t.Fatal("expected the refilled token to be the only one")
	}
}

func TestGlobalLimiterDisabledWithoutRPS(t *testing.T) {
	rl, err := newRateLimiter(RateLimitConfig{})
	if err != nil {
		t.Fatalf("newRateLimiter error: %v", err)
	}
	for i := 0; i < 100; i++ {
		if !rl.AllowRequest() {
			t.Fatalf("request %d throttled with no global limit", i)
		}
	}
}
