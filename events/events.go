package events

import "time"

// Event is the closed set of notifications the resource manager emits.
// Consumers switch on the concrete type; there is no reflective dispatch.
type Event interface {
	eventKind() string
}

// ResourcePressure is emitted when tracked memory pressure crosses the
// configured high-water mark.
type ResourcePressure struct {
	Pressure  float64
	Threshold float64
	Source    string
}

// ResourceExhausted is emitted when an operation is rejected by a hard limit.
type ResourceExhausted struct {
	Reason  string
	Limit   float64
	Current float64
}

// MemoryOptimized is emitted after an optimization pass reclaims memory.
type MemoryOptimized struct {
	BytesFreed int64
}

// ContextCleanup is emitted when a context is removed, with enough detail
// for an observer to account for what was dropped.
type ContextCleanup struct {
	ModelID   string
	Reason    string
	Timestamp time.Time
	Messages  int
	Tokens    int
}

// Error is emitted for failures observers should see. Code is one of the
// stable error codes; Recoverable indicates whether retrying can help.
type Error struct {
	Code        string
	Message     string
	Recoverable bool
}

func (ResourcePressure) eventKind() string  { return "resourcePressure" }
func (ResourceExhausted) eventKind() string { return "resourceExhausted" }
func (MemoryOptimized) eventKind() string   { return "memoryOptimized" }
func (ContextCleanup) eventKind() string    { return "contextCleanup" }
func (Error) eventKind() string             { return "error" }

// Kind returns the wire name of an event, for logging.
func Kind(e Event) string { return e.eventKind() }
