// Package identity supplies the replica id used to tag authored records.
//
// By default the id is generated once and persisted next to the local state
// so records from the same device stay attributable across restarts.
// Ephemeral mode generates a fresh id per process instead.
package identity

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/natefinch/atomic"
)

// FileName is the name of the persisted id file inside the state directory.
const FileName = "replica_id"

// Source holds the replica id for the lifetime of the process.
type Source struct {
	id string
}

// CurrentReplicaID returns this process's replica id. It never changes for a
// given Source.
func (s *Source) CurrentReplicaID() string {
	return s.id
}

// Resolve returns a Source for the id persisted at path, generating and
// persisting one on first run. With ephemeral set, path is ignored and a new
// id is generated.
func Resolve(path string, ephemeral bool) (*Source, error) {
	if ephemeral {
		id, err := Generate()
		if err != nil {
			return nil, err
		}
		return &Source{id: id}, nil
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if id := strings.TrimSpace(string(data)); id != "" {
			return &Source{id: id}, nil
		}
	case !errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("reading replica id %q: %w", path, err)
	}

	id, err := Generate()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating replica id directory: %w", err)
	}
	if err := atomic.WriteFile(path, strings.NewReader(id+"\n")); err != nil {
		return nil, fmt.Errorf("persisting replica id %q: %w", path, err)
	}
	return &Source{id: id}, nil
}

// Generate produces a new id of the form "<hostname>-<uuidv7>".
func Generate() (string, error) {
	u, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generating replica id: %w", err)
	}
	return hostLabel() + "-" + u.String(), nil
}

// hostLabel returns the lowercased hostname restricted to [a-z0-9-].
func hostLabel() string {
	host, err := os.Hostname()
	if err != nil {
		return "replica"
	}
	label := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		case r == '.':
			return '-'
		}
		return -1
	}, host)
	label = strings.Trim(label, "-")
	if label == "" {
		return "replica"
	}
	return label
}
