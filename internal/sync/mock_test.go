package sync

import (
	"context"
	"sync"

	"github.com/njoerd114/statemesh/internal/model"
)

// --- Mock Provider ----------------------------------------------------------

type mockProvider struct {
	name string

	mu          sync.Mutex
	snap        *model.Snapshot
	readErr     error
	writeErr    error
	panicOnRead bool
	reads       int
	writes      int
}

func newMockProvider(name string) *mockProvider {
	return &mockProvider{name: name}
}

// withSnapshot seeds the provider as if another replica had written snap.
func (m *mockProvider) withSnapshot(snap model.Snapshot) *mockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := snap.Clone()
	m.snap = &c
	return m
}

func (m *mockProvider) Name() string { return m.name }

func (m *mockProvider) Read(_ context.Context) (*model.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.reads++
	if m.panicOnRead {
		panic("provider exploded")
	}
	if m.readErr != nil {
		return nil, m.readErr
	}
	if m.snap == nil {
		return nil, nil
	}
	c := m.snap.Clone()
	return &c, nil
}

func (m *mockProvider) Write(_ context.Context, snap model.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.writes++
	if m.writeErr != nil {
		return m.writeErr
	}
	c := snap.Clone()
	m.snap = &c
	return nil
}

func (m *mockProvider) stored() *model.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.snap == nil {
		return nil
	}
	c := m.snap.Clone()
	return &c
}

func (m *mockProvider) writeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

// --- Mock Snapshot Store ----------------------------------------------------

type mockStore struct {
	mu      sync.Mutex
	snap    model.Snapshot
	found   bool
	saveErr error
	saves   int
}

func newMockStore() *mockStore {
	return &mockStore{snap: model.NewSnapshot("")}
}

func (m *mockStore) Load() (model.Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap.Clone(), m.found
}

func (m *mockStore) Save(snap model.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.saveErr != nil {
		return m.saveErr
	}
	m.saves++
	m.snap = snap.Clone()
	m.found = true
	return nil
}

func (m *mockStore) setSaveErr(err error) {
	m.mu.Lock()
	m.saveErr = err
	m.mu.Unlock()
}

func (m *mockStore) saved() model.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap.Clone()
}

// --- Mock Conflict Store ----------------------------------------------------

type mockConflicts struct {
	mu    sync.Mutex
	items map[string]model.Conflict
	order []string
}

func newMockConflicts() *mockConflicts {
	return &mockConflicts{items: make(map[string]model.Conflict)}
}

func (m *mockConflicts) Put(_ context.Context, c model.Conflict) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := c.ID()
	if old, ok := m.items[id]; ok {
		if old.Local.ContentHash == c.Local.ContentHash && old.Remote.ContentHash == c.Remote.ContentHash {
			return false, nil
		}
	} else {
		m.order = append(m.order, id)
	}
	m.items[id] = c
	return true, nil
}

func (m *mockConflicts) Get(_ context.Context, domain, key string) (*model.Conflict, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.items[model.Conflict{Domain: domain, Key: key}.ID()]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (m *mockConflicts) List(_ context.Context) ([]model.Conflict, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []model.Conflict
	for _, id := range m.order {
		if c, ok := m.items[id]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *mockConflicts) Delete(_ context.Context, domain, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := model.Conflict{Domain: domain, Key: key}.ID()
	delete(m.items, id)
	for i, o := range m.order {
		if o == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return nil
}

func (m *mockConflicts) Count(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items), nil
}

// --- Slow Provider ----------------------------------------------------------

// slowWriter holds its second Write open until release is closed or the
// call's context ends. started is closed once that write is in flight.
type slowWriter struct {
	*mockProvider

	started chan struct{}
	release chan struct{}

	mu      sync.Mutex
	calls   int
	aborted int
}

func newSlowWriter(name string) *slowWriter {
	return &slowWriter{
		mockProvider: newMockProvider(name),
		started:      make(chan struct{}),
		release:      make(chan struct{}),
	}
}

func (s *slowWriter) Write(ctx context.Context, snap model.Snapshot) error {
	s.mu.Lock()
	s.calls++
	n := s.calls
	s.mu.Unlock()

	if n == 2 {
		close(s.started)
		select {
		case <-s.release:
		case <-ctx.Done():
			s.mu.Lock()
			s.aborted++
			s.mu.Unlock()
			return ctx.Err()
		}
	}
	return s.mockProvider.Write(ctx, snap)
}

func (s *slowWriter) abortedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aborted
}
