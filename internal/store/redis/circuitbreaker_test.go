package redis

import (
	"errors"
	"testing"
	"time"
)

var errDown = errors.New("connection refused")

func TestBreakerStartsClosed(t *testing.T) {
	cb := NewCircuitBreaker(3, 100*time.Millisecond)
	if cb.CurrentState() != StateClosed {
		t.Errorf("expected closed, got %v", cb.CurrentState())
	}
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker(3, 100*time.Millisecond)

	for i := 0; i < 3; i++ {
		if err := cb.Execute(func() error { return errDown }); err != errDown {
			t.Fatalf("expected errDown, got %v", err)
		}
	}
	if cb.CurrentState() != StateOpen {
		t.Errorf("expected open after 3 failures, got %v", cb.CurrentState())
	}

	// While open, calls are rejected without running.
	ran := false
	err := cb.Execute(func() error { ran = true; return nil })
	if err != ErrCircuitOpen {
		t.Errorf("expected ErrCircuitOpen, got %v", err)
	}
	if ran {
		t.Error("rejected call must not run")
	}
}

func TestBreakerProbeRecovers(t *testing.T) {
	cb := NewCircuitBreaker(2, 50*time.Millisecond)
	for i := 0; i < 2; i++ {
		cb.Execute(func() error { return errDown })
	}
	if cb.CurrentState() != StateOpen {
		t.Fatal("expected open")
	}

	time.Sleep(60 * time.Millisecond)

	if err := cb.Execute(func() error { return nil }); err != nil {
		t.Fatalf("expected probe to run, got %v", err)
	}
	if cb.CurrentState() != StateClosed {
		t.Errorf("expected closed after successful probe, got %v", cb.CurrentState())
	}
}

func TestBreakerProbeFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker(2, 50*time.Millisecond)
	for i := 0; i < 2; i++ {
		cb.Execute(func() error { return errDown })
	}

	time.Sleep(60 * time.Millisecond)
	cb.Execute(func() error { return errDown })

	if cb.CurrentState() != StateOpen {
		t.Errorf("expected open after failed probe, got %v", cb.CurrentState())
	}
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	cb := NewCircuitBreaker(3, 100*time.Millisecond)

	cb.Execute(func() error { return errDown })
	cb.Execute(func() error { return errDown })
	cb.Execute(func() error { return nil })

	// Two more failures must not trip a freshly reset counter.
	cb.Execute(func() error { return errDown })
	cb.Execute(func() error { return errDown })

	if cb.CurrentState() != StateClosed {
		t.Errorf("expected closed after reset, got %v", cb.CurrentState())
	}
}

func TestBreakerStateHook(t *testing.T) {
	var transitions []State
	cb := NewCircuitBreaker(1, 50*time.Millisecond)
	cb.OnStateChange = func(from, to State) {
		transitions = append(transitions, to)
	}

	cb.Execute(func() error { return errDown })
	if len(transitions) != 1 || transitions[0] != StateOpen {
		t.Fatalf("expected [open], got %v", transitions)
	}

	time.Sleep(60 * time.Millisecond)
	cb.Execute(func() error { return nil })

	if len(transitions) != 3 {
		t.Fatalf("expected 3 transitions, got %d: %v", len(transitions), transitions)
	}
	if transitions[1] != StateHalfOpen || transitions[2] != StateClosed {
		t.Errorf("expected [open, half-open, closed], got %v", transitions)
	}
}

func TestWriterForwardsBreakerTransitions(t *testing.T) {
	w := &Writer{symbol: "SOLFDUSD"}
	w.breaker = newGuardedBreaker(w)

	var got []State
	w.OnStateChange = func(from, to State) { got = append(got, to) }

	for i := 0; i < 5; i++ {
		w.breaker.Execute(func() error { return errDown })
	}
	if len(got) != 1 || got[0] != StateOpen {
		t.Fatalf("expected forwarded [open], got %v", got)
	}
}
