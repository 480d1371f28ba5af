package token

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dbgate/dbgate/dbpool"
)

func TestCreateAndValidate(t *testing.T) {
	m := New(Config{MaxSessions: 10}, nil)

	sess, err := m.Create(dbpool.DatabaseConfig{Database: "d"}, 0)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(sess.Token) < 32 {
		t.Fatalf("expected a long, high-entropy token, got %q", sess.Token)
	}

	got, err := m.Validate(sess.Token)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if got.Token != sess.Token {
		t.Fatalf("validate returned wrong session")
	}
}

func TestValidateRejectsEmptyAndMissing(t *testing.T) {
	m := New(Config{}, nil)

	if _, err := m.Validate(""); err != ErrInvalidFormat {
		t.Fatalf("expected ErrInvalidFormat, got %v", err)
	}
	if _, err := m.Validate("nonexistent"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestExpiryDeletesAndInvokesCleanupExactlyOnce(t *testing.T) {
	m := New(Config{}, nil)
	var calls int32
	m.SetCleanupCallback(func(tok string) { atomic.AddInt32(&calls, 1) })

	fixed := time.Now()
	m.now = func() time.Time { return fixed }

	sess, err := m.Create(dbpool.DatabaseConfig{}, time.Second)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	m.now = func() time.Time { return fixed.Add(2 * time.Second) }

	if _, err := m.Validate(sess.Token); err != ErrExpired {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
	if _, err := m.Validate(sess.Token); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound on second validate, got %v", err)
	}

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected cleanup invoked exactly once, got %d", got)
	}
}

func TestRevokeInvokesCleanupAndReportsPresence(t *testing.T) {
	m := New(Config{}, nil)
	var calls int32
	m.SetCleanupCallback(func(tok string) { atomic.AddInt32(&calls, 1) })

	sess, _ := m.Create(dbpool.DatabaseConfig{}, 0)

	if !m.Revoke(sess.Token) {
		t.Fatalf("expected revoke to report true for a live token")
	}
	if m.Revoke(sess.Token) {
		t.Fatalf("expected second revoke to report false")
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected cleanup invoked exactly once, got %d", got)
	}
}

func TestAttachLastWriteWins(t *testing.T) {
	m := New(Config{}, nil)
	sess, _ := m.Create(dbpool.DatabaseConfig{}, 0)

	if err := m.Attach(sess.Token, "sess-1"); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if err := m.Attach(sess.Token, "sess-2"); err != nil {
		t.Fatalf("attach again: %v", err)
	}

	got, _ := m.Validate(sess.Token)
	if got.McpSessionID != "sess-2" {
		t.Fatalf("expected last-write-wins, got %q", got.McpSessionID)
	}
}

// TestAdmissionRaceNeverExceedsCap mirrors S1: with a cap of 2, ten
// concurrent Create calls must yield exactly 2 successes.
func TestAdmissionRaceNeverExceedsCap(t *testing.T) {
	m := New(Config{MaxSessions: 2}, nil)

	var wg sync.WaitGroup
	var successes int32
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Create(dbpool.DatabaseConfig{}, 0); err == nil {
				atomic.AddInt32(&successes, 1)
			}
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt32(&successes); got != 2 {
		t.Fatalf("expected exactly 2 successful creates, got %d", got)
	}
	if stats := m.Stats(); stats.Total != 2 {
		t.Fatalf("expected total sessions == 2, got %d", stats.Total)
	}
}

func TestShutdownInvokesCleanupForEveryRemainingToken(t *testing.T) {
	m := New(Config{}, nil)
	var calls int32
	m.SetCleanupCallback(func(tok string) { atomic.AddInt32(&calls, 1) })

	m.Create(dbpool.DatabaseConfig{}, 0)
	m.Create(dbpool.DatabaseConfig{}, 0)
	m.Create(dbpool.DatabaseConfig{}, 0)

	m.Shutdown()

	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("expected cleanup invoked for all 3 tokens, got %d", got)
	}
	if stats := m.Stats(); stats.Total != 0 {
		t.Fatalf("expected empty map after shutdown, got %d", stats.Total)
	}
}
