package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/njoerd114/statemesh/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS conflicts (
    domain       TEXT NOT NULL,
    key          TEXT NOT NULL,
    local_hash   TEXT NOT NULL,
    remote_hash  TEXT NOT NULL,
    local_json   TEXT NOT NULL,
    remote_json  TEXT NOT NULL,
    detected_at  TEXT NOT NULL,
    PRIMARY KEY (domain, key)
);

CREATE INDEX IF NOT EXISTS idx_conflicts_detected ON conflicts (detected_at);
`

// ConflictStore is the SQLite-backed set of pending conflicts. It holds at
// most one conflict per domain and key.
type ConflictStore struct {
	db *sql.DB
}

// OpenConflictStore opens (or creates) the conflict database at path, applies
// the schema, and configures WAL mode.
func OpenConflictStore(path string) (*ConflictStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening database %q: %w", path, err)
	}

	// Single writer to avoid SQLITE_BUSY under WAL.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	return &ConflictStore{db: db}, nil
}

// Close releases the underlying database connection.
func (s *ConflictStore) Close() error {
	return s.db.Close()
}

// Put records c as pending, replacing any earlier conflict for the same key.
// created is false when an identical conflict (same local and remote hashes)
// was already pending, so repeated merges of one snapshot do not re-announce
// it.
func (s *ConflictStore) Put(ctx context.Context, c model.Conflict) (created bool, err error) {
	existing, err := s.Get(ctx, c.Domain, c.Key)
	if err != nil {
		return false, err
	}
	if existing != nil &&
		existing.Local.ContentHash == c.Local.ContentHash &&
		existing.Remote.ContentHash == c.Remote.ContentHash {
		return false, nil
	}

	localJSON, err := json.Marshal(c.Local)
	if err != nil {
		return false, fmt.Errorf("encoding local side of %s: %w", c.ID(), err)
	}
	remoteJSON, err := json.Marshal(c.Remote)
	if err != nil {
		return false, fmt.Errorf("encoding remote side of %s: %w", c.ID(), err)
	}

	const q = `
		INSERT INTO conflicts
		    (domain, key, local_hash, remote_hash, local_json, remote_json, detected_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(domain, key) DO UPDATE SET
		    local_hash  = excluded.local_hash,
		    remote_hash = excluded.remote_hash,
		    local_json  = excluded.local_json,
		    remote_json = excluded.remote_json,
		    detected_at = excluded.detected_at`

	if _, err := s.db.ExecContext(ctx, q,
		c.Domain,
		c.Key,
		c.Local.ContentHash,
		c.Remote.ContentHash,
		string(localJSON),
		string(remoteJSON),
		formatTime(c.DetectedAt),
	); err != nil {
		return false, fmt.Errorf("storing conflict %s: %w", c.ID(), err)
	}
	return true, nil
}

// Get returns the pending conflict for domain/key, or (nil, nil) if there is
// none.
func (s *ConflictStore) Get(ctx context.Context, domain, key string) (*model.Conflict, error) {
	const q = `
		SELECT domain, key, local_json, remote_json, detected_at
		FROM conflicts WHERE domain = ? AND key = ?`
	row := s.db.QueryRowContext(ctx, q, domain, key)
	return scanConflict(row)
}

// List returns every pending conflict, oldest first.
func (s *ConflictStore) List(ctx context.Context) ([]model.Conflict, error) {
	const q = `
		SELECT domain, key, local_json, remote_json, detected_at
		FROM conflicts ORDER BY detected_at, domain, key`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("querying conflicts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.Conflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// Delete removes the conflict for domain/key. Deleting an absent conflict is
// not an error.
func (s *ConflictStore) Delete(ctx context.Context, domain, key string) error {
	const q = `DELETE FROM conflicts WHERE domain = ? AND key = ?`
	if _, err := s.db.ExecContext(ctx, q, domain, key); err != nil {
		return fmt.Errorf("deleting conflict %s/%s: %w", domain, key, err)
	}
	return nil
}

// Count returns the number of pending conflicts.
func (s *ConflictStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM conflicts`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting conflicts: %w", err)
	}
	return n, nil
}

// --- helpers -----------------------------------------------------------------

// scanner matches both *sql.Row and *sql.Rows so scanConflict can be reused.
type scanner interface {
	Scan(dest ...any) error
}

func scanConflict(s scanner) (*model.Conflict, error) {
	var c model.Conflict
	var localJSON, remoteJSON, detectedAt string

	err := s.Scan(&c.Domain, &c.Key, &localJSON, &remoteJSON, &detectedAt)
	if err == sql.ErrNoRows {
		return nil, nil //nolint:nilnil // intentional: "not found" sentinel
	}
	if err != nil {
		return nil, fmt.Errorf("scanning conflict row: %w", err)
	}

	if err := json.Unmarshal([]byte(localJSON), &c.Local); err != nil {
		return nil, fmt.Errorf("decoding local side of %s: %w", c.ID(), err)
	}
	if err := json.Unmarshal([]byte(remoteJSON), &c.Remote); err != nil {
		return nil, fmt.Errorf("decoding remote side of %s: %w", c.ID(), err)
	}
	c.DetectedAt, _ = parseTime(detectedAt)

	return &c, nil
}

// timeLayout is fixed-width so that detected_at sorts chronologically as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(timeLayout, s)
}
