// Package provider defines the contract between the sync engine and the
// remote backends a replica exchanges snapshots with.
//
// Concrete backends live in sub-packages:
//
//   - dir: a shared directory (network mount, synced cloud folder)
//   - bolt: a bbolt database file
//   - memory: an in-process hub with push notifications
//   - relay: the statemesh relay server over HTTP, with long-poll push
//
// A provider only moves whole snapshots. Retry, backoff and timeouts are the
// engine's business.
package provider

import (
	"context"

	"github.com/njoerd114/statemesh/internal/model"
)

// Provider stores and returns the latest snapshot written by any replica.
type Provider interface {
	// Name identifies the provider in logs, events and device bookkeeping.
	Name() string

	// Read returns the latest snapshot, or (nil, nil) if none has been
	// written yet. Failures are always reported as a non-nil error.
	Read(ctx context.Context) (*model.Snapshot, error)

	// Write replaces the stored snapshot with snap.
	Write(ctx context.Context, snap model.Snapshot) error
}

// Subscriber is implemented by push-capable providers.
type Subscriber interface {
	// Subscribe invokes fn whenever another replica publishes a snapshot.
	// It blocks until ctx is cancelled or the subscription fails for good.
	Subscribe(ctx context.Context, fn func(model.Snapshot)) error
}

// DefaultSpace is the snapshot slot used when a provider is not given one.
const DefaultSpace = "default"
