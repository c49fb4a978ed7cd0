// Package state owns the replica's durable local storage: the snapshot
// document and the pending-conflict database.
//
// Only this package touches the state directory. All other packages receive
// a [*SnapshotFile] or [*ConflictStore] and call its methods.
package state

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
	"github.com/natefinch/atomic"

	"github.com/njoerd114/statemesh/internal/model"
)

const (
	// SnapshotFileName is the snapshot document inside the state directory.
	SnapshotFileName = "snapshot.json"

	// ConflictsFileName is the SQLite conflict database inside the state directory.
	ConflictsFileName = "conflicts.db"
)

// ErrLocked is returned when another process already holds the state directory.
var ErrLocked = errors.New("state directory is in use by another statemesh process")

// DefaultDir returns the default state directory:
// ~/.local/share/statemesh
func DefaultDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", "statemesh"), nil
}

// SnapshotFile loads and persists the replica's full snapshot. Saves are
// serialised and atomic: a crash leaves either the old or the new document,
// never a partial one.
type SnapshotFile struct {
	path string
	lock *flock.Flock
	log  *slog.Logger

	mu sync.Mutex // serialises Save
}

// OpenSnapshotFile prepares the snapshot document at path and takes an
// exclusive advisory lock on path+".lock" for the lifetime of the store.
func OpenSnapshotFile(path string, logger *slog.Logger) (*SnapshotFile, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	fl := flock.New(path + ".lock")
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("locking %s: %w", fl.Path(), err)
	}
	if !locked {
		return nil, fmt.Errorf("%w (lock file %s)", ErrLocked, fl.Path())
	}

	return &SnapshotFile{path: path, lock: fl, log: logger}, nil
}

// Path returns the location of the snapshot document.
func (s *SnapshotFile) Path() string {
	return s.path
}

// Close releases the directory lock.
func (s *SnapshotFile) Close() error {
	return s.lock.Unlock()
}

// Load returns the persisted snapshot. A missing or unreadable document is a
// cold start and yields an empty snapshot; the returned bool reports whether
// prior state was found.
func (s *SnapshotFile) Load() (model.Snapshot, bool) {
	snap, err := ReadSnapshot(s.path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.log.Warn("ignoring unreadable snapshot, starting cold", "path", s.path, "error", err)
		}
		return model.NewSnapshot(""), false
	}
	return snap, true
}

// Save replaces the persisted document with snap.
func (s *SnapshotFile) Save(snap model.Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := atomic.WriteFile(s.path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("writing snapshot %q: %w", s.path, err)
	}
	return nil
}

// ReadSnapshot decodes the snapshot document at path without taking the
// directory lock. Used by read-only commands such as status.
func ReadSnapshot(path string) (model.Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.Snapshot{}, err
	}
	var snap model.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return model.Snapshot{}, fmt.Errorf("decoding snapshot %q: %w", path, err)
	}
	snap.Normalize()
	return snap, nil
}
