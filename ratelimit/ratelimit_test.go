package ratelimit

import (
	"testing"
	"time"
)

func TestCheckAllowsUpToLimit(t *testing.T) {
	l := New(Config{Window: time.Minute, MaxRequests: 3, Enabled: true})

	for i := 0; i < 3; i++ {
		res := l.Check("k")
		if !res.Allowed {
			t.Fatalf("attempt %d: expected allowed", i)
		}
	}

	res := l.Check("k")
	if res.Allowed {
		t.Fatalf("expected 4th attempt to be denied")
	}
	if res.RetryAfterSeconds <= 0 {
		t.Fatalf("expected positive retry-after, got %d", res.RetryAfterSeconds)
	}
}

func TestCheckResetsAfterWindow(t *testing.T) {
	l := New(Config{Window: time.Millisecond, MaxRequests: 1, Enabled: true})

	if !l.Check("k").Allowed {
		t.Fatalf("expected first attempt to be allowed")
	}
	time.Sleep(5 * time.Millisecond)
	if !l.Check("k").Allowed {
		t.Fatalf("expected attempt after window elapsed to be allowed")
	}
}

func TestDisabledAlwaysAllows(t *testing.T) {
	l := New(Config{Window: time.Minute, MaxRequests: 1, Enabled: false})

	for i := 0; i < 5; i++ {
		res := l.Check("k")
		if !res.Allowed {
			t.Fatalf("disabled limiter should always allow")
		}
	}
}

func TestPeekDoesNotIncrement(t *testing.T) {
	l := New(Config{Window: time.Minute, MaxRequests: 2, Enabled: true})

	for i := 0; i < 5; i++ {
		l.Peek("k")
	}
	res := l.Check("k")
	if res.Remaining != 1 {
		t.Fatalf("expected remaining 1 after a single Check, got %d", res.Remaining)
	}
}

func TestResetAndResetAll(t *testing.T) {
	l := New(Config{Window: time.Minute, MaxRequests: 1, Enabled: true})

	l.Check("a")
	l.Check("b")

	l.Reset("a")
	if !l.Check("a").Allowed {
		t.Fatalf("expected reset key to be allowed again")
	}
	if l.Check("b").Allowed {
		t.Fatalf("expected untouched key to still be limited")
	}

	l.ResetAll()
	if !l.Check("b").Allowed {
		t.Fatalf("expected ResetAll to clear all keys")
	}
}

func TestCountNeverExceedsLimitWithinWindow(t *testing.T) {
	l := New(Config{Window: time.Hour, MaxRequests: 10, Enabled: true})

	for i := 0; i < 50; i++ {
		l.Check("k")
	}
	res := l.Peek("k")
	if res.Remaining != 0 {
		t.Fatalf("expected remaining to clamp at 0, got %d", res.Remaining)
	}
}
