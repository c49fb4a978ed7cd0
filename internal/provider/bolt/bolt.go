// Package bolt keeps snapshots in a bbolt database file, one key per space.
//
// [Store] is shared by the bolt provider and the relay server, which uses it
// to make the latest snapshot of every space survive restarts.
package bolt

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"

	"github.com/njoerd114/statemesh/internal/model"
	"github.com/njoerd114/statemesh/internal/provider"
)

var (
	bucketSnapshots = []byte("snapshots")
	bucketRevisions = []byte("revisions")
)

// Store is a bbolt-backed map from space name to snapshot.
type Store struct {
	db *bbolt.DB
}

// Open opens (or creates) the database at path and initialises its bucket.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating %s: %w", filepath.Dir(path), err)
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb %q: %w", path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketSnapshots, bucketRevisions} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialising bucket: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database file.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Get returns the snapshot stored for space, or (nil, nil) if there is none.
func (s *Store) Get(space string) (*model.Snapshot, error) {
	var data []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		if v := tx.Bucket(bucketSnapshots).Get([]byte(space)); v != nil {
			// v is only valid inside the transaction.
			data = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reading space %q: %w", space, err)
	}
	if data == nil {
		return nil, nil
	}

	var snap model.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decoding space %q: %w", space, err)
	}
	snap.Normalize()
	return &snap, nil
}

// Put replaces the snapshot stored for space.
func (s *Store) Put(space string, snap model.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSnapshots).Put([]byte(space), data)
	})
	if err != nil {
		return fmt.Errorf("writing space %q: %w", space, err)
	}
	return nil
}

// PutRevision replaces the snapshot for space and records rev with it in the
// same transaction.
func (s *Store) PutRevision(space string, snap model.Snapshot, rev uint64) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketSnapshots).Put([]byte(space), data); err != nil {
			return err
		}
		return tx.Bucket(bucketRevisions).Put([]byte(space), binary.BigEndian.AppendUint64(nil, rev))
	})
	if err != nil {
		return fmt.Errorf("writing space %q at revision %d: %w", space, rev, err)
	}
	return nil
}

// Revision returns the revision last recorded by [Store.PutRevision] for
// space, or 0 if there is none.
func (s *Store) Revision(space string) (uint64, error) {
	var rev uint64
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketRevisions).Get([]byte(space))
		if v == nil {
			return nil
		}
		if len(v) != 8 {
			return fmt.Errorf("malformed revision (%d bytes)", len(v))
		}
		rev = binary.BigEndian.Uint64(v)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("reading revision of space %q: %w", space, err)
	}
	return rev, nil
}

// Spaces lists the spaces that hold a snapshot.
func (s *Store) Spaces() ([]string, error) {
	var out []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSnapshots).ForEach(func(k, _ []byte) error {
			out = append(out, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("listing spaces: %w", err)
	}
	return out, nil
}

// Provider binds a [Store] to one space.
type Provider struct {
	name  string
	space string
	store *Store
	owned bool
}

var _ provider.Provider = (*Provider)(nil)

// New returns a provider for space inside an existing store. The caller keeps
// ownership of the store.
func New(name string, store *Store, space string) *Provider {
	if space == "" {
		space = provider.DefaultSpace
	}
	return &Provider{name: name, space: space, store: store}
}

// OpenProvider opens the database at path and returns a provider that closes
// it on [Provider.Close].
func OpenProvider(name, path, space string) (*Provider, error) {
	store, err := Open(path)
	if err != nil {
		return nil, err
	}
	p := New(name, store, space)
	p.owned = true
	return p, nil
}

// Name implements [provider.Provider].
func (p *Provider) Name() string { return p.name }

// Read implements [provider.Provider].
func (p *Provider) Read(ctx context.Context) (*model.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return p.store.Get(p.space)
}

// Write implements [provider.Provider].
func (p *Provider) Write(ctx context.Context, snap model.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return p.store.Put(p.space, snap)
}

// Close closes the underlying store if this provider opened it.
func (p *Provider) Close() error {
	if !p.owned {
		return nil
	}
	return p.store.Close()
}
