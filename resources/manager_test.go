package resources

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/soundloom/contextd/contexts"
	"github.com/soundloom/contextd/events"
	"github.com/soundloom/contextd/messages"
	"github.com/soundloom/contextd/store"
)

func roomyConstraints() contexts.ModelConstraints {
	return contexts.ModelConstraints{
		MaxTokens:     1 << 20,
		ContextWindow: 1 << 20,
	}
}

func testManager(t *testing.T, config Config) *Manager {
	t.Helper()
	m := NewManager(store.NewMemoryStore(), contexts.DefaultConfig(), config)
	t.Cleanup(func() { m.Close(context.Background()) })
	return m
}

// drain collects the events currently buffered on ch
func drain(ch <-chan events.Event) []events.Event {
	var got []events.Event
	for {
		select {
		case event, ok := <-ch:
			if !ok {
				return got
			}
			got = append(got, event)
		default:
			return got
		}
	}
}

// TestGetCurrentResourcesDefaults verifies a value is always returned
func TestGetCurrentResourcesDefaults(t *testing.T) {
	m := testManager(t, Config{})

	res := m.GetCurrentResources()
	if res.MemoryUsed != 0 || res.CPUUsed != 0 || res.MemoryPressure != 0 {
		t.Errorf("fresh snapshot = %+v, want zeros", res)
	}
	if res.TotalMemory <= 0 {
		t.Errorf("TotalMemory = %d, want a positive default", res.TotalMemory)
	}
}

// TestMemoryAccounting verifies the tracked estimate follows content size
func TestMemoryAccounting(t *testing.T) {
	m := testManager(t, Config{})
	ctx := context.Background()

	if _, err := m.InitializeContext(ctx, "ctx", roomyConstraints()); err != nil {
		t.Fatalf("InitializeContext failed: %v", err)
	}
	content := strings.Repeat("x", 100)
	if _, err := m.AddMessage(ctx, "ctx", messages.Message{Role: messages.RoleUser, Content: content}); err != nil {
		t.Fatalf("AddMessage failed: %v", err)
	}

	if used := m.GetCurrentResources().MemoryUsed; used != 100 {
		t.Errorf("MemoryUsed = %d, want 100", used)
	}

	if err := m.RemoveContext(ctx, "ctx"); err != nil {
		t.Fatalf("RemoveContext failed: %v", err)
	}
	if used := m.GetCurrentResources().MemoryUsed; used != 0 {
		t.Errorf("MemoryUsed = %d after removal, want 0", used)
	}
}

// TestMemoryLimitRejects verifies fail-fast admission above the hard limit
func TestMemoryLimitRejects(t *testing.T) {
	m := testManager(t, Config{MaxMemoryBytes: 50, TotalMemoryBytes: 1000})
	ctx := context.Background()
	ch, cancel := m.Events().Subscribe()
	defer cancel()

	if _, err := m.InitializeContext(ctx, "ctx", roomyConstraints()); err != nil {
		t.Fatalf("InitializeContext failed: %v", err)
	}
	// 60 tracked bytes exceeds the 50-byte limit for the next admission.
	if _, err := m.AddMessage(ctx, "ctx", messages.Message{Role: messages.RoleUser, Content: strings.Repeat("y", 60)}); err != nil {
		t.Fatalf("filling AddMessage failed: %v", err)
	}

	_, err := m.AddMessage(ctx, "ctx", messages.Message{Role: messages.RoleUser, Content: "one more"})
	if !errors.Is(err, ErrMemoryLimitExceeded) {
		t.Fatalf("AddMessage over limit = %v, want ErrMemoryLimitExceeded", err)
	}
	if _, err := m.InitializeContext(ctx, "other", roomyConstraints()); !errors.Is(err, ErrMemoryLimitExceeded) {
		t.Errorf("InitializeContext over limit = %v, want ErrMemoryLimitExceeded", err)
	}

	var sawExhausted bool
	for _, event := range drain(ch) {
		if exhausted, ok := event.(events.ResourceExhausted); ok && exhausted.Reason == "memory" {
			sawExhausted = true
		}
	}
	if !sawExhausted {
		t.Error("no resourceExhausted event for the memory limit")
	}
}

// TestCPULimitRejects verifies the advisory CPU gauge gates message adds
func TestCPULimitRejects(t *testing.T) {
	m := testManager(t, Config{MaxCPU: 0.5})
	ctx := context.Background()

	if _, err := m.InitializeContext(ctx, "ctx", roomyConstraints()); err != nil {
		t.Fatalf("InitializeContext failed: %v", err)
	}

	m.UpdateCPUUsage(0.75)
	_, err := m.AddMessage(ctx, "ctx", messages.Message{Role: messages.RoleUser, Content: "hi"})
	if !errors.Is(err, ErrCPULimitExceeded) {
		t.Fatalf("AddMessage = %v, want ErrCPULimitExceeded", err)
	}

	m.UpdateCPUUsage(0.1)
	if _, err := m.AddMessage(ctx, "ctx", messages.Message{Role: messages.RoleUser, Content: "hi"}); err != nil {
		t.Errorf("AddMessage after gauge drop = %v", err)
	}
}

// TestPressureEventsAndOptimization verifies crossing the thresholds emits
// pressure and triggers a reclaiming pass
func TestPressureEventsAndOptimization(t *testing.T) {
	m := testManager(t, Config{
		MaxMemoryBytes:    10000,
		TotalMemoryBytes:  1000,
		PressureHighWater: 0.9,
		OptimizeThreshold: 0.8,
	})
	ctx := context.Background()
	ch, cancel := m.Events().Subscribe()
	defer cancel()

	if _, err := m.InitializeContext(ctx, "ctx", roomyConstraints()); err != nil {
		t.Fatalf("InitializeContext failed: %v", err)
	}
	if _, err := m.AddMessage(ctx, "ctx", messages.Message{Role: messages.RoleUser, Content: strings.Repeat("z", 950)}); err != nil {
		t.Fatalf("AddMessage failed: %v", err)
	}

	var sawPressure, sawOptimized bool
	for _, event := range drain(ch) {
		switch e := event.(type) {
		case events.ResourcePressure:
			sawPressure = true
			if e.Pressure < 0.9 {
				t.Errorf("pressure event at %f", e.Pressure)
			}
		case events.MemoryOptimized:
			sawOptimized = true
			if e.BytesFreed != 950 {
				t.Errorf("BytesFreed = %d, want 950", e.BytesFreed)
			}
		}
	}
	if !sawPressure {
		t.Error("no resourcePressure event")
	}
	if !sawOptimized {
		t.Error("no memoryOptimized event")
	}

	// The context was spilled, so its estimate is released.
	if used := m.GetCurrentResources().MemoryUsed; used != 0 {
		t.Errorf("MemoryUsed = %d after optimization, want 0", used)
	}

	// The conversation survives the spill.
	state, err := m.GetContext(ctx, "ctx")
	if err != nil || state == nil {
		t.Fatalf("GetContext after spill = %v, %v", state, err)
	}
	if len(state.Messages) != 1 {
		t.Errorf("messages after rehydration = %d, want 1", len(state.Messages))
	}
}

// TestOptimizeIdempotent verifies a pass with nothing to reclaim is a no-op
func TestOptimizeIdempotent(t *testing.T) {
	m := testManager(t, Config{})
	ctx := context.Background()
	ch, cancel := m.Events().Subscribe()
	defer cancel()

	m.OptimizeResources(ctx)
	m.OptimizeResources(ctx)

	for _, event := range drain(ch) {
		if _, ok := event.(events.MemoryOptimized); ok {
			t.Error("memoryOptimized emitted with nothing reclaimed")
		}
	}
}

// TestIdleSpill verifies contexts idle past the TTL are spilled even when
// pressure is low
func TestIdleSpill(t *testing.T) {
	m := testManager(t, Config{ContextTTL: time.Minute})
	ctx := context.Background()

	if _, err := m.InitializeContext(ctx, "idle", roomyConstraints()); err != nil {
		t.Fatalf("InitializeContext failed: %v", err)
	}
	if _, err := m.AddMessage(ctx, "idle", messages.Message{Role: messages.RoleUser, Content: "left behind"}); err != nil {
		t.Fatalf("AddMessage failed: %v", err)
	}

	current := time.Now().Add(2 * time.Minute)
	m.now = func() time.Time { return current }

	m.OptimizeResources(ctx)

	if used := m.GetCurrentResources().MemoryUsed; used != 0 {
		t.Errorf("MemoryUsed = %d after idle spill, want 0", used)
	}
}

// TestCleanupTerminalState verifies cleanup always reaches an empty manager
func TestCleanupTerminalState(t *testing.T) {
	m := testManager(t, Config{})
	ctx := context.Background()

	for _, key := range []string{"a", "b"} {
		if _, err := m.InitializeContext(ctx, key, roomyConstraints()); err != nil {
			t.Fatalf("InitializeContext(%s) failed: %v", key, err)
		}
		if _, err := m.AddMessage(ctx, key, messages.Message{Role: messages.RoleUser, Content: "data"}); err != nil {
			t.Fatalf("AddMessage(%s) failed: %v", key, err)
		}
	}

	m.Cleanup(ctx)

	if used := m.GetCurrentResources().MemoryUsed; used != 0 {
		t.Errorf("MemoryUsed = %d after cleanup, want 0", used)
	}
	for _, key := range []string{"a", "b"} {
		if state, _ := m.GetContext(ctx, key); state != nil {
			t.Errorf("context %s survived cleanup", key)
		}
	}
}

// TestExhaustionReleasesAccounting verifies a poisoned context's estimate is
// dropped along with the context
func TestExhaustionReleasesAccounting(t *testing.T) {
	m := testManager(t, Config{})
	ctx := context.Background()

	tight := contexts.ModelConstraints{MaxTokens: 20, ContextWindow: 100}
	if _, err := m.InitializeContext(ctx, "ctx", tight); err != nil {
		t.Fatalf("InitializeContext failed: %v", err)
	}
	if _, err := m.AddMessage(ctx, "ctx", messages.Message{Role: messages.RoleUser, Content: "0123456789"}); err != nil {
		t.Fatalf("AddMessage failed: %v", err)
	}

	_, err := m.AddMessage(ctx, "ctx", messages.Message{Role: messages.RoleUser, Content: strings.Repeat("q", 100)})
	if !errors.Is(err, contexts.ErrResourceExhausted) {
		t.Fatalf("AddMessage = %v, want ErrResourceExhausted", err)
	}
	if used := m.GetCurrentResources().MemoryUsed; used != 0 {
		t.Errorf("MemoryUsed = %d after exhaustion, want 0", used)
	}
}
