package security

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRateLimiter_PerKey(t *testing.T) {
	rl := NewRateLimiter(1, 2)

	if !rl.Allow("skiclubpro") || !rl.Allow("skiclubpro") {
		t.Fatal("burst should be allowed")
	}
	if rl.Allow("skiclubpro") {
		t.Error("third request should be limited")
	}
	if !rl.Allow("daysmart") {
		t.Error("other keys have their own bucket")
	}
}

func TestRateLimiter_WaitHonorsContext(t *testing.T) {
	rl := NewRateLimiter(0.001, 1)
	rl.Allow("k")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := rl.Wait(ctx, "k"); err == nil {
		t.Error("Wait should fail when the context expires first")
	}
}

func TestToolRateLimiter(t *testing.T) {
	trl := NewToolRateLimiter()
	trl.SetToolLimit("pay", 1, 1)

	if !trl.Allow("pay") {
		t.Fatal("first pay should be allowed")
	}
	if trl.Allow("pay") {
		t.Error("second pay should be limited")
	}
	for i := 0; i < 10; i++ {
		if !trl.Allow("discover_programs") {
			t.Fatal("unconfigured tool should never be limited")
		}
	}
}

func TestCircuitBreaker(t *testing.T) {
	cb := NewCircuitBreaker(2, time.Minute)
	now := time.Now()
	cb.now = func() time.Time { return now }
	boom := errors.New("boom")
	fail := func() error { return boom }

	_ = cb.Execute(fail, nil)
	if cb.State() != CircuitClosed {
		t.Fatalf("state = %v after one failure, want closed", cb.State())
	}
	_ = cb.Execute(fail, nil)
	if cb.State() != CircuitOpen {
		t.Fatalf("state = %v after two failures, want open", cb.State())
	}

	called := false
	err := cb.Execute(func() error { called = true; return nil }, nil)
	if !errors.Is(err, ErrCircuitOpen) || called {
		t.Fatalf("open circuit should short-circuit, err = %v called = %v", err, called)
	}

	now = now.Add(2 * time.Minute)
	if err := cb.Execute(func() error { return nil }, nil); err != nil {
		t.Fatalf("half-open probe: %v", err)
	}
	if cb.State() != CircuitClosed {
		t.Errorf("state = %v after successful probe, want closed", cb.State())
	}
}

func TestCircuitBreaker_IgnoresUncountedErrors(t *testing.T) {
	cb := NewCircuitBreaker(1, time.Minute)
	semantic := errors.New("program full")
	for i := 0; i < 3; i++ {
		_ = cb.Execute(func() error { return semantic }, func(err error) bool { return !errors.Is(err, semantic) })
	}
	if cb.State() != CircuitClosed {
		t.Errorf("state = %v, want closed", cb.State())
	}
}

func TestTimeoutManager(t *testing.T) {
	tm := NewTimeoutManager(30 * time.Second)
	tm.SetToolTimeout("pay", 45*time.Second)

	if got := tm.Timeout("login"); got != 30*time.Second {
		t.Errorf("default timeout = %v", got)
	}
	if got := tm.Timeout("pay"); got != 45*time.Second {
		t.Errorf("pay timeout = %v", got)
	}

	ctx, cancel := tm.WithTimeout(context.Background(), "pay")
	defer cancel()
	if _, ok := ctx.Deadline(); !ok {
		t.Error("context should carry a deadline")
	}
}
