package circuitbreaker

import (
	"sync"
	"testing"
	"time"
)

func TestBreaker_AllowWhenClosed(t *testing.T) {
	b := New(3, 100*time.Millisecond)
	if !b.Allow("gateway") {
		t.Fatal("expected closed circuit to allow")
	}
	if b.State("gateway") != StateClosed {
		t.Fatalf("expected StateClosed for untouched key, got %v", b.State("gateway"))
	}
}

func TestBreaker_TripsAtThreshold(t *testing.T) {
	b := New(3, 100*time.Millisecond)

	b.RecordFailure("gateway")
	b.RecordFailure("gateway")
	if !b.Allow("gateway") {
		t.Fatal("should still allow below threshold")
	}

	b.RecordFailure("gateway")
	if b.Allow("gateway") {
		t.Fatal("should reject once tripped")
	}
	if b.State("gateway") != StateOpen {
		t.Fatalf("expected StateOpen, got %v", b.State("gateway"))
	}
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b := New(3, 100*time.Millisecond)

	b.RecordFailure("marketplace")
	b.RecordFailure("marketplace")
	b.RecordSuccess("marketplace")
	b.RecordFailure("marketplace")

	if !b.Allow("marketplace") {
		t.Fatal("should still be closed, counter was reset")
	}
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	b := New(2, 50*time.Millisecond)

	trip := func() {
		b.RecordFailure("marketplace")
		b.RecordFailure("marketplace")
	}

	trip()
	if b.Allow("marketplace") {
		t.Fatal("should be open")
	}

	time.Sleep(60 * time.Millisecond)

	// First call after the open window is the probe.
	if !b.Allow("marketplace") {
		t.Fatal("should allow probe in half-open")
	}
	if b.State("marketplace") != StateHalfOpen {
		t.Fatalf("expected StateHalfOpen, got %v", b.State("marketplace"))
	}
	if b.Allow("marketplace") {
		t.Fatal("should reject while probe is outstanding")
	}

	// Probe succeeds: circuit closes.
	b.RecordSuccess("marketplace")
	if b.State("marketplace") != StateClosed {
		t.Fatalf("expected StateClosed after probe success, got %v", b.State("marketplace"))
	}

	// Trip again; this time the probe fails and the circuit reopens.
	trip()
	time.Sleep(60 * time.Millisecond)
	b.Allow("marketplace")
	b.RecordFailure("marketplace")
	if b.State("marketplace") != StateOpen {
		t.Fatalf("expected StateOpen after probe failure, got %v", b.State("marketplace"))
	}
}

func TestBreaker_KeysAreIndependent(t *testing.T) {
	b := New(2, 100*time.Millisecond)

	// Gateway outage must not suppress marketplace notifications.
	b.RecordFailure("gateway")
	b.RecordFailure("gateway")

	if b.Allow("gateway") {
		t.Fatal("gateway should be open")
	}
	if !b.Allow("marketplace") {
		t.Fatal("marketplace should be unaffected")
	}
}

func TestBreaker_ConcurrentRecording(t *testing.T) {
	b := New(5, 100*time.Millisecond)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.RecordFailure("gateway")
			b.Allow("gateway")
		}()
	}
	wg.Wait()

	// 20 consecutive failures well past the threshold: must be open.
	if b.State("gateway") != StateOpen {
		t.Fatalf("expected StateOpen, got %v", b.State("gateway"))
	}
}

func TestBreaker_OnTransitionCallback(t *testing.T) {
	b := New(2, 50*time.Millisecond)

	var mu sync.Mutex
	var transitions []struct{ from, to State }
	b.OnTransition(func(key string, from, to State) {
		mu.Lock()
		transitions = append(transitions, struct{ from, to State }{from, to})
		mu.Unlock()
	})

	b.RecordFailure("gateway")
	b.RecordFailure("gateway")

	// Callback fires on a goroutine.
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(transitions) != 1 {
		t.Fatalf("expected 1 transition, got %d", len(transitions))
	}
	if transitions[0].from != StateClosed || transitions[0].to != StateOpen {
		t.Fatalf("expected closed→open, got %v→%v", transitions[0].from, transitions[0].to)
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half_open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.s, got, tt.want)
		}
	}
}
