// Package memory implements an in-process, push-capable provider. Several
// engines in one process share a [Hub]; every write is delivered to the other
// subscribers of the same space. Nothing crosses a process boundary, so it is
// not a configurable backend; the engine tests use it to exercise the push
// path.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/njoerd114/statemesh/internal/model"
	"github.com/njoerd114/statemesh/internal/provider"
)

// Hub holds one snapshot slot per space.
type Hub struct {
	mu     sync.Mutex
	spaces map[string]*slot
	nextID int
}

type slot struct {
	data []byte // encoded, so readers never alias a writer's maps
	subs map[int]chan []byte
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{spaces: make(map[string]*slot)}
}

func (h *Hub) slot(space string) *slot {
	s, ok := h.spaces[space]
	if !ok {
		s = &slot{subs: make(map[int]chan []byte)}
		h.spaces[space] = s
	}
	return s
}

// Provider returns a provider bound to space.
func (h *Hub) Provider(name, space string) *Provider {
	if space == "" {
		space = provider.DefaultSpace
	}
	return &Provider{name: name, space: space, hub: h}
}

// Provider is one replica's view of a hub space.
type Provider struct {
	name  string
	space string
	hub   *Hub
}

var (
	_ provider.Provider   = (*Provider)(nil)
	_ provider.Subscriber = (*Provider)(nil)
)

// Name implements [provider.Provider].
func (p *Provider) Name() string { return p.name }

// Read implements [provider.Provider].
func (p *Provider) Read(ctx context.Context) (*model.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.hub.mu.Lock()
	data := p.hub.slot(p.space).data
	p.hub.mu.Unlock()

	if data == nil {
		return nil, nil
	}
	snap, err := decode(data)
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

// Write implements [provider.Provider]. Subscribers are notified
// asynchronously; Write never runs their callbacks.
func (p *Provider) Write(ctx context.Context, snap model.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}

	p.hub.mu.Lock()
	defer p.hub.mu.Unlock()

	s := p.hub.slot(p.space)
	s.data = data
	for _, ch := range s.subs {
		// Latest wins: replace an undelivered snapshot rather than block.
		select {
		case <-ch:
		default:
		}
		ch <- data
	}
	return nil
}

// Subscribe implements [provider.Subscriber]. It returns nil once ctx is
// cancelled.
func (p *Provider) Subscribe(ctx context.Context, fn func(model.Snapshot)) error {
	ch := make(chan []byte, 1)

	p.hub.mu.Lock()
	p.hub.nextID++
	id := p.hub.nextID
	p.hub.slot(p.space).subs[id] = ch
	p.hub.mu.Unlock()

	defer func() {
		p.hub.mu.Lock()
		delete(p.hub.slot(p.space).subs, id)
		p.hub.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case data := <-ch:
			snap, err := decode(data)
			if err != nil {
				continue // Write only stores what it could encode
			}
			fn(snap)
		}
	}
}

func decode(data []byte) (model.Snapshot, error) {
	var snap model.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return model.Snapshot{}, fmt.Errorf("decoding snapshot: %w", err)
	}
	snap.Normalize()
	return snap, nil
}
