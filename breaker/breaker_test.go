package breaker

import (
	"errors"
	"testing"
	"time"
)

// testBreaker returns a breaker with a controllable clock
func testBreaker(threshold int, cooling time.Duration) (*Breaker, *time.Time) {
	b := New(Config{Threshold: threshold, CoolingPeriod: cooling})
	current := time.Now()
	b.now = func() time.Time { return current }
	return b, &current
}

// TestAllowFreshKey verifies unknown keys are not rejected
func TestAllowFreshKey(t *testing.T) {
	b, _ := testBreaker(4, time.Minute)
	if err := b.Allow("fresh"); err != nil {
		t.Errorf("fresh key rejected: %v", err)
	}
}

// TestTripsAtThreshold verifies exactly threshold failures open the breaker
func TestTripsAtThreshold(t *testing.T) {
	b, _ := testBreaker(4, time.Minute)

	for i := 0; i < 3; i++ {
		if err := b.RecordFailure("ctx"); err != nil {
			t.Fatalf("failure %d tripped early: %v", i+1, err)
		}
		if err := b.Allow("ctx"); err != nil {
			t.Fatalf("breaker open after %d failures", i+1)
		}
	}

	// Fourth failure reaches the threshold
	if err := b.RecordFailure("ctx"); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("fourth failure returned %v, want ErrCircuitOpen", err)
	}
	if err := b.Allow("ctx"); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Allow after trip returned %v, want ErrCircuitOpen", err)
	}
}

// TestCoolingPeriodResets verifies the breaker closes after cooling elapses
func TestCoolingPeriodResets(t *testing.T) {
	b, clock := testBreaker(4, time.Minute)

	for i := 0; i < 4; i++ {
		b.RecordFailure("ctx")
	}
	if err := b.Allow("ctx"); !errors.Is(err, ErrCircuitOpen) {
		t.Fatal("breaker should be open")
	}

	// Just inside the cooling window: still open
	*clock = clock.Add(59 * time.Second)
	if err := b.Allow("ctx"); !errors.Is(err, ErrCircuitOpen) {
		t.Error("breaker closed before cooling period elapsed")
	}

	// Past the window: closed, count reset
	*clock = clock.Add(2 * time.Second)
	if err := b.Allow("ctx"); err != nil {
		t.Errorf("breaker still open after cooling period: %v", err)
	}
	if count := b.FailureCount("ctx"); count != 0 {
		t.Errorf("failure count = %d after reset, want 0", count)
	}
}

// TestFailureAfterExpiryStartsFreshWindow verifies stale windows do not
// accumulate across cooling periods
func TestFailureAfterExpiryStartsFreshWindow(t *testing.T) {
	b, clock := testBreaker(4, time.Minute)

	for i := 0; i < 3; i++ {
		b.RecordFailure("ctx")
	}
	*clock = clock.Add(2 * time.Minute)

	if err := b.RecordFailure("ctx"); err != nil {
		t.Errorf("failure in a fresh window tripped the breaker: %v", err)
	}
	if count := b.FailureCount("ctx"); count != 1 {
		t.Errorf("failure count = %d, want 1", count)
	}
}

// TestKeysIndependent verifies one key's open breaker does not affect others
func TestKeysIndependent(t *testing.T) {
	b, _ := testBreaker(2, time.Minute)

	b.RecordFailure("bad")
	b.RecordFailure("bad")
	if err := b.Allow("bad"); !errors.Is(err, ErrCircuitOpen) {
		t.Fatal("bad key should be open")
	}
	if err := b.Allow("good"); err != nil {
		t.Errorf("good key rejected: %v", err)
	}
}

// TestReset verifies explicit reset closes an open breaker
func TestReset(t *testing.T) {
	b, _ := testBreaker(2, time.Minute)

	b.RecordFailure("ctx")
	b.RecordFailure("ctx")
	b.Reset("ctx")

	if err := b.Allow("ctx"); err != nil {
		t.Errorf("key rejected after reset: %v", err)
	}
}

// TestLastFailureExtendsWindow verifies cooling is measured from the most
// recent failure, not the window start
func TestLastFailureExtendsWindow(t *testing.T) {
	b, clock := testBreaker(2, time.Minute)

	b.RecordFailure("ctx")
	*clock = clock.Add(30 * time.Second)
	b.RecordFailure("ctx") // trips

	// 50s after window start but only 20s after last failure: still open
	*clock = clock.Add(50 * time.Second)
	if err := b.Allow("ctx"); !errors.Is(err, ErrCircuitOpen) {
		t.Error("breaker closed measured from window start instead of last failure")
	}
}
