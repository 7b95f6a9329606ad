package reconnect

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestDelay_BoundedByCap(t *testing.T) {
	m, err := New(nil, nil, WithBackoff(time.Second, 10*time.Second))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer m.Stop()

	for n := uint(0); n < 10; n++ {
		d := m.Delay(n)
		if d < 0 {
			t.Fatalf("delay must be non-negative, got %s", d)
		}
		// min(cap, base*2^n) can be at most cap; jitter adds up to 0.5x on
		// top of that, so the hard ceiling is 1.5x cap.
		if d > 15*time.Second {
			t.Errorf("delay(%d) = %s exceeds 1.5x cap", n, d)
		}
	}
}

func TestDelay_GrowsWithAttempts(t *testing.T) {
	m, err := New(nil, nil, WithBackoff(time.Second, time.Minute))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer m.Stop()

	// Without jitter this would be strictly increasing; jitter can narrow
	// the gap but the base component alone still grows by 2x each step,
	// so comparing raw (jitter-free) components via a cap-less manager
	// is the meaningful check. Here we just check the theoretical ceiling
	// of delay(n) - jitter grows in lockstep with base*2^n.
	d0 := m.Delay(0)
	d5 := m.Delay(5)
	if d5 < d0 {
		t.Errorf("expected delay to generally grow with n, got delay(0)=%s delay(5)=%s", d0, d5)
	}
}

func TestScheduleNext_SkippedWhenPermanent(t *testing.T) {
	var calls int32
	m, err := New(func() { atomic.AddInt32(&calls, 1) }, nil, WithBackoff(10*time.Millisecond, time.Second))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer m.Stop()

	m.SetPermanent(true)
	m.ScheduleNext()

	time.Sleep(100 * time.Millisecond)
	if atomic.LoadInt32(&calls) != 0 {
		t.Errorf("expected no attempts while permanent, got %d", calls)
	}
}

func TestScheduleNext_FiresAttempt(t *testing.T) {
	var mu sync.Mutex
	fired := false
	done := make(chan struct{})

	m, err := New(func() {
		mu.Lock()
		fired = true
		mu.Unlock()
		close(done)
	}, nil, WithBackoff(5*time.Millisecond, time.Second))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer m.Stop()

	m.ScheduleNext()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for scheduled reconnect attempt")
	}

	mu.Lock()
	defer mu.Unlock()
	if !fired {
		t.Error("expected attempt callback to have fired")
	}
}

func TestResetBackoff_RestartsAttemptCounter(t *testing.T) {
	m, err := New(nil, nil, WithBackoff(time.Second, time.Minute))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer m.Stop()

	m.mu.Lock()
	m.attempts = 5
	m.mu.Unlock()

	m.ResetBackoff()

	m.mu.Lock()
	attempts := m.attempts
	m.mu.Unlock()
	if attempts != 0 {
		t.Errorf("expected attempts reset to 0, got %d", attempts)
	}
}
