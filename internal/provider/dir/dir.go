// Package dir implements a provider backed by a shared directory: a network
// mount, a synced cloud folder, or anything else that looks like a local
// path to several machines. Each space is one JSON document, replaced
// atomically on write.
package dir

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/natefinch/atomic"

	"github.com/njoerd114/statemesh/internal/model"
	"github.com/njoerd114/statemesh/internal/provider"
)

// Provider stores the snapshot for one space under a directory.
type Provider struct {
	name string
	path string
}

var _ provider.Provider = (*Provider)(nil)

// New returns a provider writing <root>/<space>.json. An empty space uses
// [provider.DefaultSpace].
func New(name, root, space string) *Provider {
	if space == "" {
		space = provider.DefaultSpace
	}
	return &Provider{name: name, path: filepath.Join(root, space+".json")}
}

// Name implements [provider.Provider].
func (p *Provider) Name() string { return p.name }

// Path returns the snapshot file this provider reads and writes.
func (p *Provider) Path() string { return p.path }

// Read returns the stored snapshot, (nil, nil) if the file does not exist, or
// an error if it cannot be read or decoded.
func (p *Provider) Read(ctx context.Context) (*model.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", p.path, err)
	}

	var snap model.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", p.path, err)
	}
	snap.Normalize()
	return &snap, nil
}

// Write atomically replaces the stored snapshot.
func (p *Provider) Write(ctx context.Context, snap model.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(p.path), 0o700); err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Dir(p.path), err)
	}
	if err := atomic.WriteFile(p.path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("writing %s: %w", p.path, err)
	}
	return nil
}
