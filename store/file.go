package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/soundloom/contextd/contexts"
	"go.uber.org/zap"
)

const (
	snapshotExt = ".json"
	metaExt     = ".meta.json"
	lockExt     = ".lock"

	defaultLockTimeout = 10 * time.Second
	defaultLockRetry   = 100 * time.Millisecond
)

// snapshotMeta is the companion record written next to each snapshot so
// observers can inspect recency and size without deserializing the snapshot.
type snapshotMeta struct {
	LastAccess   time.Time `json:"last_access"`
	SizeBytes    int64     `json:"size_bytes"`
	MessageCount int       `json:"message_count"`
}

// FileStore persists one JSON snapshot per context key. Writers replace the
// snapshot via a temp file and rename, so a concurrent reader sees either
// the old record or the new one, never a torn write. A per-key advisory
// flock serializes writers and readers on the same key; different keys never
// contend.
type FileStore struct {
	dir         string
	lockTimeout time.Duration
	lockRetry   time.Duration
}

// NewFileStore creates the snapshot directory if needed and returns a file
// backed store.
func NewFileStore(config Config) (*FileStore, error) {
	dir := config.Dir
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
		dir = filepath.Join(home, ".contextd", "contexts")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create snapshot directory: %w", err)
	}

	s := &FileStore{
		dir:         dir,
		lockTimeout: config.LockTimeout,
		lockRetry:   config.LockRetry,
	}
	if s.lockTimeout <= 0 {
		s.lockTimeout = defaultLockTimeout
	}
	if s.lockRetry <= 0 {
		s.lockRetry = defaultLockRetry
	}
	return s, nil
}

// validateKey rejects keys that cannot be used as filenames.
func validateKey(key string) error {
	if key == "" {
		return errors.New("context key cannot be empty")
	}
	if strings.ContainsAny(key, "/\\:*?\"<>|") {
		return errors.New("context key contains invalid characters")
	}
	if key == "." || key == ".." {
		return errors.New("context key cannot be '.' or '..'")
	}
	if strings.HasPrefix(key, ".") || strings.HasSuffix(key, ".") {
		return errors.New("context key cannot start or end with a dot")
	}
	for _, r := range key {
		if r < 32 || r == 127 {
			return errors.New("context key contains control characters")
		}
	}
	return nil
}

func (s *FileStore) snapshotPath(key string) string {
	return filepath.Join(s.dir, key+snapshotExt)
}

func (s *FileStore) metaPath(key string) string {
	return filepath.Join(s.dir, key+metaExt)
}

// acquireLock takes the per-key advisory lock, retrying until the store's
// lock timeout. The lock lives in a sidecar file: the snapshot itself is
// replaced by rename, which would orphan a lock held on its inode.
func (s *FileStore) acquireLock(ctx context.Context, key string) (*flock.Flock, error) {
	fileLock := flock.New(filepath.Join(s.dir, key+lockExt))

	lockCtx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	defer cancel()

	locked, err := fileLock.TryLockContext(lockCtx, s.lockRetry)
	if err != nil || !locked {
		return nil, fmt.Errorf("%w: acquire lock for %q: %w", contexts.ErrCache, key, contexts.ErrLockTimeout)
	}
	return fileLock, nil
}

// Write serializes state and atomically replaces the snapshot for key.
func (s *FileStore) Write(ctx context.Context, key string, state *contexts.State) error {
	if err := validateKey(key); err != nil {
		return fmt.Errorf("%w: %w", contexts.ErrCache, err)
	}
	if state == nil {
		return fmt.Errorf("%w: nil state for %q", contexts.ErrCache, key)
	}

	fileLock, err := s.acquireLock(ctx, key)
	if err != nil {
		return err
	}
	defer fileLock.Unlock()

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshal snapshot %q: %w", contexts.ErrCache, key, err)
	}
	if err := writeFileAtomic(s.snapshotPath(key), data); err != nil {
		return fmt.Errorf("%w: write snapshot %q: %w", contexts.ErrCache, key, err)
	}

	meta := snapshotMeta{
		LastAccess:   state.Metadata.LastAccessAt,
		SizeBytes:    int64(len(data)),
		MessageCount: len(state.Messages),
	}
	metaData, err := json.Marshal(meta)
	if err == nil {
		err = writeFileAtomic(s.metaPath(key), metaData)
	}
	if err != nil {
		// The snapshot is the record of truth; a failed companion write is
		// logged, not surfaced.
		zap.S().Warnw("store_meta_write_failed", "key", key, "error", err)
	}
	return nil
}

// writeFileAtomic writes data to a temp file in the target directory and
// renames it over path.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

// Read loads the snapshot for key. A missing file and a corrupt file both
// yield ErrSnapshotNotFound so the caller can start fresh; corruption is
// logged first.
func (s *FileStore) Read(ctx context.Context, key string) (*contexts.State, error) {
	if err := validateKey(key); err != nil {
		return nil, fmt.Errorf("%w: %w", contexts.ErrCache, err)
	}

	fileLock, err := s.acquireLock(ctx, key)
	if err != nil {
		return nil, err
	}
	defer fileLock.Unlock()

	data, err := os.ReadFile(s.snapshotPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, contexts.ErrSnapshotNotFound
		}
		return nil, fmt.Errorf("%w: read snapshot %q: %w", contexts.ErrCache, key, err)
	}

	var state contexts.State
	if err := json.Unmarshal(data, &state); err != nil {
		zap.S().Warnw("store_snapshot_corrupt", "key", key, "error", err)
		return nil, contexts.ErrSnapshotNotFound
	}
	return &state, nil
}

// Remove deletes the snapshot and its companion metadata. Absent files are
// not an error.
func (s *FileStore) Remove(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return fmt.Errorf("%w: %w", contexts.ErrCache, err)
	}

	fileLock, err := s.acquireLock(ctx, key)
	if err != nil {
		return err
	}
	defer fileLock.Unlock()

	if err := os.Remove(s.snapshotPath(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: remove snapshot %q: %w", contexts.ErrCache, key, err)
	}
	if err := os.Remove(s.metaPath(key)); err != nil && !os.IsNotExist(err) {
		zap.S().Debugw("store_meta_remove_failed", "key", key, "error", err)
	}
	return nil
}

// List returns every key with a snapshot on disk.
func (s *FileStore) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("%w: list snapshots: %w", contexts.ErrCache, err)
	}

	var keys []string
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasSuffix(name, metaExt) || !strings.HasSuffix(name, snapshotExt) {
			continue
		}
		if strings.Contains(name, ".tmp-") {
			continue
		}
		keys = append(keys, strings.TrimSuffix(name, snapshotExt))
	}
	return keys, nil
}

// CleanupAll removes every snapshot, metadata, and lock file in the store
// directory. Individual failures are logged and skipped so one bad entry
// cannot block teardown.
func (s *FileStore) CleanupAll() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		zap.S().Warnw("store_cleanup_list_failed", "dir", s.dir, "error", err)
		return nil
	}

	for _, entry := range entries {
		name := entry.Name()
		switch {
		case strings.HasSuffix(name, snapshotExt),
			strings.HasSuffix(name, lockExt),
			strings.Contains(name, ".tmp-"):
			if err := os.Remove(filepath.Join(s.dir, name)); err != nil && !os.IsNotExist(err) {
				zap.S().Warnw("store_cleanup_entry_failed", "entry", name, "error", err)
			}
		}
	}
	return nil
}
