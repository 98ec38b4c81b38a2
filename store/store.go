// Package store provides the durable and in-memory implementations of the
// context snapshot store. The two are interchangeable behind the
// contexts.Store contract; which one a deployment gets is a configuration
// switch, not a code branch visible to callers.
package store

import (
	"fmt"
	"time"

	"github.com/soundloom/contextd/contexts"
)

// Backend selects a store implementation.
type Backend string

const (
	// BackendMemory keeps snapshots in process memory. Used for ephemeral
	// and test deployments.
	BackendMemory Backend = "memory"
	// BackendFile persists snapshots as JSON files with advisory locking
	// and atomic replacement.
	BackendFile Backend = "file"
)

// Config selects and tunes a store backend. Zero values fall back to
// defaults (memory backend, 10s lock timeout, 100ms retry).
type Config struct {
	Backend Backend `yaml:"backend"`

	// Dir is the snapshot directory for the file backend. Empty means a
	// "contexts" directory under the user's home config dir.
	Dir string `yaml:"dir"`

	// LockTimeout bounds how long a file-backend operation waits for the
	// per-key advisory lock before failing with a cache error.
	LockTimeout time.Duration `yaml:"lock_timeout"`

	// LockRetry is the interval between lock acquisition attempts.
	LockRetry time.Duration `yaml:"lock_retry"`
}

// New constructs the configured store backend.
func New(config Config) (contexts.Store, error) {
	switch config.Backend {
	case BackendMemory, "":
		return NewMemoryStore(), nil
	case BackendFile:
		return NewFileStore(config)
	default:
		return nil, fmt.Errorf("unknown store backend %q", config.Backend)
	}
}
