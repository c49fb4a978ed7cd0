// Package sync implements the statemesh replication engine. It owns the
// replica's in-memory snapshot, exchanges it with every configured provider
// on a heartbeat, folds remote snapshots in with [merge.Merge], persists the
// result, and exposes the mutation API used by the rest of the program.
//
// Every writer of the in-memory snapshot (a polled merge, a pushed snapshot,
// a local mutation or a conflict resolution) runs under one mutex, so two
// updates never interleave. Provider I/O always happens outside that lock.
package sync

import (
	"context"

	"github.com/njoerd114/statemesh/internal/model"
)

// SnapshotStore persists the replica's local snapshot.
// Implemented by [state.SnapshotFile].
type SnapshotStore interface {
	// Load returns the stored snapshot and whether one existed.
	Load() (model.Snapshot, bool)
	Save(snap model.Snapshot) error
}

// ConflictStore keeps pending conflicts until they are resolved.
// Implemented by [state.ConflictStore].
type ConflictStore interface {
	Put(ctx context.Context, c model.Conflict) (created bool, err error)
	Get(ctx context.Context, domain, key string) (*model.Conflict, error)
	List(ctx context.Context) ([]model.Conflict, error)
	Delete(ctx context.Context, domain, key string) error
	Count(ctx context.Context) (int, error)
}
