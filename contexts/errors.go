package contexts

import "errors"

// Stable error values for the manager's taxonomy. Callers classify with
// errors.Is; wrapped variants carry detail.
var (
	// ErrDuplicateContext means initializeContext was called for a key that
	// already has a live context.
	ErrDuplicateContext = errors.New("context already exists")

	// ErrInvalidConstraints means the supplied ModelConstraints fail the
	// creation invariants.
	ErrInvalidConstraints = errors.New("invalid model constraints")

	// ErrContextNotFound means the keyed context does not exist.
	ErrContextNotFound = errors.New("context not found")

	// ErrInvalidMessage wraps a validation failure for a candidate message.
	ErrInvalidMessage = errors.New("invalid message")

	// ErrResourceExhausted means the context's token budget overflowed; the
	// offending context has been removed.
	ErrResourceExhausted = errors.New("context token budget exhausted")

	// ErrMessageProcessingFailed wraps an unexpected internal failure on the
	// add-message path.
	ErrMessageProcessingFailed = errors.New("message processing failed")

	// ErrCleanupFailed means a requested single-key cleanup could not complete.
	ErrCleanupFailed = errors.New("cleanup failed")

	// ErrSnapshotNotFound is returned by Store.Read when no snapshot exists
	// for the key (or the snapshot was unreadable and discarded).
	ErrSnapshotNotFound = errors.New("snapshot not found")

	// ErrCache wraps store read/write/lock failures.
	ErrCache = errors.New("context store error")

	// ErrLockTimeout means a per-key lock could not be acquired in time.
	ErrLockTimeout = errors.New("context lock timeout")
)
