package contexts

import "context"

// Store is the durable snapshot persistence the manager hydrates from and
// spills to. Implementations must make Write atomic with respect to
// concurrent readers: a reader observes either the previous snapshot or the
// new one, never a partial record.
//
// Read returns ErrSnapshotNotFound for missing keys and for snapshots that
// fail to deserialize (after logging), so callers can fall back to a fresh
// context instead of crashing. Remove is idempotent. CleanupAll is
// best-effort: individual record failures are logged and skipped.
type Store interface {
	Write(ctx context.Context, key string, state *State) error
	Read(ctx context.Context, key string) (*State, error)
	Remove(ctx context.Context, key string) error
	List() ([]string, error)
	CleanupAll() error
}
