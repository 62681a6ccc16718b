package breaker

import (
	"errors"
	"testing"
	"time"

	"github.com/opspilot/opspilot/fault"
)

func TestTripsAfterConsecutiveFailures(t *testing.T) {
	b := New("test", Settings{FailureThreshold: 3, RecoveryTimeout: time.Minute, SuccessThreshold: 1})
	boom := errors.New("boom")

	for i := 0; i < 3; i++ {
		if err := b.Execute(func() error { return boom }); !errors.Is(err, boom) {
			t.Fatalf("attempt %d: got %v, want boom", i, err)
		}
	}
	if got := b.State(); got != "open" {
		t.Fatalf("state = %q, want open", got)
	}

	err := b.Execute(func() error {
		t.Fatal("fn must not run while open")
		return nil
	})
	if !errors.Is(err, ErrOpen) {
		t.Fatalf("got %v, want ErrOpen", err)
	}
	if !fault.IsTransient(err) {
		t.Error("open-circuit rejection should be transient")
	}
}

func TestSuccessResetsFailureCount(t *testing.T) {
	b := New("test", Settings{FailureThreshold: 3, RecoveryTimeout: time.Minute, SuccessThreshold: 1})
	boom := errors.New("boom")

	_ = b.Execute(func() error { return boom })
	_ = b.Execute(func() error { return boom })
	if err := b.Execute(func() error { return nil }); err != nil {
		t.Fatalf("success call failed: %v", err)
	}
	// Two more failures must not trip: the success broke the streak.
	_ = b.Execute(func() error { return boom })
	_ = b.Execute(func() error { return boom })
	if got := b.State(); got != "closed" {
		t.Fatalf("state = %q, want closed", got)
	}
}

func TestHalfOpenRecovery(t *testing.T) {
	b := New("test", Settings{FailureThreshold: 1, RecoveryTimeout: 20 * time.Millisecond, SuccessThreshold: 2})
	_ = b.Execute(func() error { return errors.New("boom") })
	if got := b.State(); got != "open" {
		t.Fatalf("state = %q, want open", got)
	}

	time.Sleep(30 * time.Millisecond)

	// Two half-open successes close the circuit.
	if err := b.Execute(func() error { return nil }); err != nil {
		t.Fatalf("first probe: %v", err)
	}
	if err := b.Execute(func() error { return nil }); err != nil {
		t.Fatalf("second probe: %v", err)
	}
	if got := b.State(); got != "closed" {
		t.Fatalf("state = %q, want closed", got)
	}
}

func TestHalfOpenFailureReopens(t *testing.T) {
	b := New("test", Settings{FailureThreshold: 1, RecoveryTimeout: 20 * time.Millisecond, SuccessThreshold: 2})
	_ = b.Execute(func() error { return errors.New("boom") })
	time.Sleep(30 * time.Millisecond)

	_ = b.Execute(func() error { return errors.New("still down") })
	if got := b.State(); got != "open" {
		t.Fatalf("state = %q, want open after failed probe", got)
	}
}
