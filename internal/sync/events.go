package sync

import (
	"github.com/njoerd114/statemesh/internal/model"
)

// EventType names an observable engine event.
type EventType string

const (
	EventInitialized      EventType = "initialized"
	EventMemorySynced     EventType = "memory:synced"
	EventConflictDetected EventType = "conflict:detected"
	EventConflictResolved EventType = "conflict:resolved"
	EventSyncComplete     EventType = "sync:complete"
)

// Event is delivered to every [Engine.Subscribe] callback. Only the fields
// relevant to Type are set:
//
//	initialized        ReplicaID, Providers
//	memory:synced      Key, Memory
//	conflict:detected  Domain, Key
//	conflict:resolved  Conflict
//	sync:complete      Successful, Total
type Event struct {
	Type EventType

	ReplicaID string
	Providers []string

	Domain string
	Key    string
	Memory *model.MemoryRecord

	Conflict *model.Conflict

	Successful int
	Total      int
}

// Subscribe registers fn for every event emitted by the engine and returns a
// function that removes it. Callbacks run on the goroutine that produced the
// event, never while the engine lock is held; they must not block for long.
func (e *Engine) Subscribe(fn func(Event)) (cancel func()) {
	e.subMu.Lock()
	defer e.subMu.Unlock()

	e.nextSub++
	id := e.nextSub
	e.subs[id] = fn

	return func() {
		e.subMu.Lock()
		delete(e.subs, id)
		e.subMu.Unlock()
	}
}

func (e *Engine) emit(events ...Event) {
	if len(events) == 0 {
		return
	}

	e.subMu.Lock()
	fns := make([]func(Event), 0, len(e.subs))
	for _, fn := range e.subs {
		fns = append(fns, fn)
	}
	e.subMu.Unlock()

	for _, ev := range events {
		for _, fn := range fns {
			fn(ev)
		}
	}
}
