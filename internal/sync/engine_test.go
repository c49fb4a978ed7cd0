package sync

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jonboulle/clockwork"

	"github.com/njoerd114/statemesh/internal/merge"
	"github.com/njoerd114/statemesh/internal/model"
	"github.com/njoerd114/statemesh/internal/provider"
	"github.com/njoerd114/statemesh/internal/provider/memory"
)

var (
	testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))
	t0         = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
)

func newTestEngine(t *testing.T, opts Options) *Engine {
	t.Helper()
	if opts.ReplicaID == "" {
		opts.ReplicaID = "self"
	}
	if opts.Store == nil {
		opts.Store = newMockStore()
	}
	if opts.Conflicts == nil {
		opts.Conflicts = newMockConflicts()
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewFakeClockAt(t0)
	}
	if opts.RetryAttempts == 0 {
		opts.RetryAttempts = 1
	}
	opts.Logger = testLogger

	e, err := NewEngine(opts)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e
}

func sealedIntent(name string, version int64, origin string) model.IntentRecord {
	return model.IntentRecord{Name: name, Version: version, OriginReplica: origin, Timestamp: t0}.Seal()
}

// ---------------------------------------------------------------------------
// Construction
// ---------------------------------------------------------------------------

func TestNewEngine_RequiresCollaborators(t *testing.T) {
	tests := []struct {
		name string
		opts Options
	}{
		{"no replica id", Options{Store: newMockStore(), Conflicts: newMockConflicts()}},
		{"no store", Options{ReplicaID: "a", Conflicts: newMockConflicts()}},
		{"no conflict store", Options{ReplicaID: "a", Store: newMockStore()}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewEngine(tt.opts); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestNewEngine_LoadsPersistedSnapshot(t *testing.T) {
	store := newMockStore()
	store.snap = model.NewSnapshot("previous-id")
	store.snap.Memories["note"] = model.MemoryRecord{Content: "kept", Timestamp: t0}
	store.found = true

	e := newTestEngine(t, Options{Store: store})

	snap := e.Snapshot()
	if snap.ReplicaID != "self" {
		t.Errorf("ReplicaID = %q, want self", snap.ReplicaID)
	}
	if snap.Memories["note"].Content != "kept" {
		t.Errorf("memory not loaded: %+v", snap.Memories)
	}
}

func TestNewEngine_ProviderStatesStartIdle(t *testing.T) {
	e := newTestEngine(t, Options{Providers: []provider.Provider{newMockProvider("a"), newMockProvider("b")}})

	want := []ProviderStatus{{Name: "a", State: StateIdle}, {Name: "b", State: StateIdle}}
	if diff := cmp.Diff(want, e.ProviderStates()); diff != "" {
		t.Errorf("states mismatch (-want +got):\n%s", diff)
	}
}

// ---------------------------------------------------------------------------
// SyncAll
// ---------------------------------------------------------------------------

func TestSyncAll_NoProviders(t *testing.T) {
	e := newTestEngine(t, Options{})
	rec := record(e)

	res := e.SyncAll(context.Background())
	if res != (SyncResult{Successful: 0, Total: 0}) {
		t.Errorf("result = %+v, want {0 0}", res)
	}
	if rec.count(EventSyncComplete) != 1 {
		t.Errorf("sync:complete emitted %d times, want 1", rec.count(EventSyncComplete))
	}
}

func TestSyncAll_IsolatedProviderFailure(t *testing.T) {
	ctx := context.Background()
	p1 := newMockProvider("p1")
	p2 := newMockProvider("p2")
	p2.writeErr = errors.New("quota exceeded")
	p3 := newMockProvider("p3")

	e := newTestEngine(t, Options{Providers: []provider.Provider{p1, p2, p3}})
	rec := record(e)

	if _, err := e.AddMemory(ctx, "note", MemoryInput{Content: "hello"}); err != nil {
		t.Fatalf("AddMemory: %v", err)
	}

	res := e.SyncAll(ctx)
	if res != (SyncResult{Successful: 2, Total: 3}) {
		t.Fatalf("result = %+v, want {2 3}", res)
	}

	for _, p := range []*mockProvider{p1, p3} {
		got := p.stored()
		if got == nil {
			t.Fatalf("%s received nothing", p.name)
		}
		if got.Memories["note"].Content != "hello" {
			t.Errorf("%s memory = %+v", p.name, got.Memories["note"])
		}
	}
	if p2.stored() != nil {
		t.Error("p2 should hold nothing after a failed write")
	}

	states := e.ProviderStates()
	if states[1].State != StateFailed || !strings.Contains(states[1].LastError, "quota exceeded") {
		t.Errorf("p2 status = %+v, want failed with error", states[1])
	}
	if states[0].State != StateIdle || states[2].State != StateIdle {
		t.Errorf("healthy providers not idle: %+v", states)
	}
	if states[0].LastSuccess.IsZero() {
		t.Error("p1 LastSuccess not recorded")
	}

	ev := rec.last(EventSyncComplete)
	if ev.Successful != 2 || ev.Total != 3 {
		t.Errorf("sync:complete = %d/%d, want 2/3", ev.Successful, ev.Total)
	}
}

func TestSyncAll_PanicIsIsolated(t *testing.T) {
	bad := newMockProvider("bad")
	bad.panicOnRead = true
	good := newMockProvider("good")

	e := newTestEngine(t, Options{Providers: []provider.Provider{bad, good}})

	res := e.SyncAll(context.Background())
	if res != (SyncResult{Successful: 1, Total: 2}) {
		t.Errorf("result = %+v, want {1 2}", res)
	}
	if good.stored() == nil {
		t.Error("healthy provider was not written")
	}
	if st := e.ProviderStates()[0]; st.State != StateFailed || !strings.Contains(st.LastError, "panic") {
		t.Errorf("panicking provider status = %+v", st)
	}
}

func TestSyncAll_ReadFailureSkipsWrite(t *testing.T) {
	p := newMockProvider("p")
	p.readErr = errors.New("unreachable")
	e := newTestEngine(t, Options{Providers: []provider.Provider{p}})

	if res := e.SyncAll(context.Background()); res.Successful != 0 {
		t.Errorf("Successful = %d, want 0", res.Successful)
	}
	if p.writeCount() != 0 {
		t.Errorf("writes = %d, want 0 after failed read", p.writeCount())
	}
}

func TestSyncAll_StampsOwnDevice(t *testing.T) {
	p := newMockProvider("p")
	store := newMockStore()
	e := newTestEngine(t, Options{Providers: []provider.Provider{p}, Store: store})

	e.SyncAll(context.Background())

	got := p.stored()
	if got == nil {
		t.Fatal("nothing written")
	}
	if got.ReplicaID != "self" {
		t.Errorf("written ReplicaID = %q, want self", got.ReplicaID)
	}
	dev, ok := got.Devices["self"]
	if !ok || !dev.LastSeenAt.Equal(t0) {
		t.Errorf("own device = %+v (present %v), want LastSeenAt %v", dev, ok, t0)
	}
	if _, ok := store.saved().Devices["self"]; !ok {
		t.Error("device heartbeat not persisted locally")
	}
}

func TestSyncAll_AdoptsNewerRemoteMemory(t *testing.T) {
	remote := model.NewSnapshot("peer")
	remote.Memories["mood"] = model.MemoryRecord{Content: "sunny", Timestamp: t0.Add(time.Hour), OriginReplica: "peer"}
	remote.Devices["peer"] = model.DeviceInfo{ReplicaID: "peer", LastSeenAt: t0}
	p := newMockProvider("p").withSnapshot(remote)

	store := newMockStore()
	e := newTestEngine(t, Options{Providers: []provider.Provider{p}, Store: store})
	rec := record(e)

	e.SyncAll(context.Background())

	if got := e.Snapshot().Memories["mood"].Content; got != "sunny" {
		t.Errorf("local memory = %q, want sunny", got)
	}
	if got := store.saved().Memories["mood"].Content; got != "sunny" {
		t.Errorf("persisted memory = %q, want sunny", got)
	}
	written := p.stored()
	if _, ok := written.Devices["peer"]; !ok {
		t.Error("peer device lost on write-back")
	}

	ev := rec.last(EventMemorySynced)
	if ev.Key != "mood" || ev.Memory == nil || ev.Memory.Content != "sunny" {
		t.Errorf("memory:synced = %+v", ev)
	}
}

// ---------------------------------------------------------------------------
// Conflicts
// ---------------------------------------------------------------------------

func conflictingSetup(t *testing.T, providers ...*mockProvider) (*Engine, *mockConflicts, model.Snapshot) {
	t.Helper()
	store := newMockStore()
	store.snap.Intents["goal"] = sealedIntent("ship it", 1, "self")
	store.found = true

	remote := model.NewSnapshot("peer")
	remote.Intents["goal"] = sealedIntent("take a break", 1, "peer")

	ps := make([]provider.Provider, len(providers))
	for i, p := range providers {
		p.withSnapshot(remote)
		ps[i] = p
	}

	conflicts := newMockConflicts()
	e := newTestEngine(t, Options{Providers: ps, Store: store, Conflicts: conflicts})
	return e, conflicts, remote
}

func TestSyncAll_ConflictDetectedOnce(t *testing.T) {
	e, conflicts, _ := conflictingSetup(t, newMockProvider("a"), newMockProvider("b"))
	rec := record(e)

	e.SyncAll(context.Background())

	if n := rec.count(EventConflictDetected); n != 1 {
		t.Errorf("conflict:detected emitted %d times, want 1", n)
	}
	if n, _ := conflicts.Count(context.Background()); n != 1 {
		t.Errorf("pending conflicts = %d, want 1", n)
	}
	if got := e.Snapshot().Intents["goal"].Name; got != "ship it" {
		t.Errorf("local intent = %q, conflict must leave it untouched", got)
	}
	ev := rec.last(EventConflictDetected)
	if ev.Domain != model.DomainIntent || ev.Key != "goal" {
		t.Errorf("event = %+v", ev)
	}
}

func TestResolveConflict_LocalDominates(t *testing.T) {
	ctx := context.Background()
	p := newMockProvider("p")
	e, conflicts, remote := conflictingSetup(t, p)
	rec := record(e)

	e.SyncAll(ctx)
	pending, err := e.Conflicts(ctx)
	if err != nil || len(pending) != 1 {
		t.Fatalf("Conflicts = (%v, %v), want one", pending, err)
	}

	if err := e.ResolveConflict(ctx, pending[0], merge.StrategyLocal); err != nil {
		t.Fatalf("ResolveConflict: %v", err)
	}

	got := e.Snapshot().Intents["goal"]
	if got.Name != "ship it" || got.Version != 2 || !got.Verify() {
		t.Errorf("resolved intent = %+v, want local content at version 2 with valid hash", got)
	}
	if n, _ := conflicts.Count(ctx); n != 0 {
		t.Errorf("pending conflicts = %d, want 0", n)
	}
	ev := rec.last(EventConflictResolved)
	if ev.Conflict == nil || ev.Conflict.Key != "goal" {
		t.Errorf("conflict:resolved = %+v", ev)
	}

	// The provider still offers the losing version: it must not re-conflict.
	p.withSnapshot(remote)
	e.SyncAll(ctx)
	if n := rec.count(EventConflictDetected); n != 1 {
		t.Errorf("conflict re-detected after resolution (%d detections)", n)
	}
	if v := p.stored().Intents["goal"].Version; v != 2 {
		t.Errorf("provider intent version = %d, want 2", v)
	}
}

func TestResolveConflict_RemoteAdoptsVerbatim(t *testing.T) {
	ctx := context.Background()
	e, _, remote := conflictingSetup(t, newMockProvider("p"))
	e.SyncAll(ctx)
	pending, _ := e.Conflicts(ctx)

	if err := e.ResolveConflict(ctx, pending[0], merge.StrategyRemote); err != nil {
		t.Fatalf("ResolveConflict: %v", err)
	}
	if diff := cmp.Diff(remote.Intents["goal"], e.Snapshot().Intents["goal"]); diff != "" {
		t.Errorf("intent mismatch (-want +got):\n%s", diff)
	}
}

func TestResolveConflict_NotPendingIsNoop(t *testing.T) {
	store := newMockStore()
	e := newTestEngine(t, Options{Store: store})
	rec := record(e)

	c := model.Conflict{Domain: model.DomainIntent, Key: "ghost"}
	if err := e.ResolveConflict(context.Background(), c, merge.StrategyMerge); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if store.saves != 0 {
		t.Errorf("saves = %d, want 0", store.saves)
	}
	if rec.count(EventConflictResolved) != 0 {
		t.Error("conflict:resolved emitted for absent conflict")
	}
}

func TestResolveConflict_UnknownStrategy(t *testing.T) {
	e := newTestEngine(t, Options{})
	err := e.ResolveConflict(context.Background(), model.Conflict{Domain: model.DomainIntent, Key: "k"}, "coinflip")
	if !errors.Is(err, merge.ErrUnknownStrategy) {
		t.Errorf("err = %v, want ErrUnknownStrategy", err)
	}
}

// ---------------------------------------------------------------------------
// Mutation API
// ---------------------------------------------------------------------------

func TestMutations_RejectEmptyKey(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, Options{})

	if _, err := e.AddMemory(ctx, "", MemoryInput{}); !errors.Is(err, ErrEmptyKey) {
		t.Errorf("AddMemory err = %v", err)
	}
	if _, err := e.UpdateIntent(ctx, "", IntentInput{}); !errors.Is(err, ErrEmptyKey) {
		t.Errorf("UpdateIntent err = %v", err)
	}
	if _, err := e.AddGlyph(ctx, "", nil); !errors.Is(err, ErrEmptyKey) {
		t.Errorf("AddGlyph err = %v", err)
	}
}

func TestUpdateIntent_VersionIncrementsByOne(t *testing.T) {
	ctx := context.Background()
	store := newMockStore()
	e := newTestEngine(t, Options{Store: store})

	first, err := e.UpdateIntent(ctx, "goal", IntentInput{Name: "draft"})
	if err != nil {
		t.Fatalf("UpdateIntent: %v", err)
	}
	second, err := e.UpdateIntent(ctx, "goal", IntentInput{Name: "final", Attributes: map[string]any{"priority": "high"}})
	if err != nil {
		t.Fatalf("UpdateIntent: %v", err)
	}

	if first.Version != 1 || second.Version != 2 {
		t.Errorf("versions = %d, %d, want 1, 2", first.Version, second.Version)
	}
	if !second.Verify() {
		t.Error("content hash does not match record")
	}
	if second.OriginReplica != "self" {
		t.Errorf("OriginReplica = %q, want self", second.OriginReplica)
	}
	if diff := cmp.Diff(second, store.saved().Intents["goal"]); diff != "" {
		t.Errorf("persisted intent mismatch (-want +got):\n%s", diff)
	}
}

func TestAddMemoryAndGlyph_Persist(t *testing.T) {
	ctx := context.Background()
	store := newMockStore()
	e := newTestEngine(t, Options{Store: store})

	extra := map[string]any{"resonance": 0.7}
	mem, err := e.AddMemory(ctx, "note", MemoryInput{Content: "hi", Kind: "text", Extra: extra})
	if err != nil {
		t.Fatalf("AddMemory: %v", err)
	}
	if !mem.Timestamp.Equal(t0) || mem.OriginReplica != "self" {
		t.Errorf("memory = %+v", mem)
	}

	attrs := map[string]any{"shape": "spiral"}
	if _, err := e.AddGlyph(ctx, "g1", attrs); err != nil {
		t.Fatalf("AddGlyph: %v", err)
	}
	attrs["shape"] = "changed by caller"
	extra["resonance"] = 0.0

	saved := store.saved()
	if saved.Memories["note"].Content != "hi" {
		t.Errorf("memory not persisted: %+v", saved.Memories)
	}
	if saved.Glyphs["g1"].Attributes["shape"] != "spiral" {
		t.Errorf("glyph aliases caller map: %+v", saved.Glyphs["g1"])
	}
	if e.Snapshot().Memories["note"].Extra["resonance"] != 0.7 {
		t.Error("memory aliases caller Extra map")
	}
}

func TestMutation_RolledBackWhenSaveFails(t *testing.T) {
	ctx := context.Background()
	store := newMockStore()
	e := newTestEngine(t, Options{Store: store})

	diskFull := errors.New("disk full")
	store.setSaveErr(diskFull)

	if _, err := e.AddMemory(ctx, "note", MemoryInput{Content: "lost"}); !errors.Is(err, diskFull) {
		t.Fatalf("err = %v, want wrapped disk full", err)
	}
	if _, ok := e.Snapshot().Memories["note"]; ok {
		t.Error("in-memory change survived a failed save")
	}
}

// ---------------------------------------------------------------------------
// Discovery
// ---------------------------------------------------------------------------

func TestDiscoverDevices(t *testing.T) {
	a := model.NewSnapshot("peer1")
	a.Devices["self"] = model.DeviceInfo{ReplicaID: "self", LastSeenAt: t0}
	a.Devices["peer1"] = model.DeviceInfo{ReplicaID: "peer1", LastSeenAt: t0}
	b := model.NewSnapshot("peer2")
	b.Devices["peer2"] = model.DeviceInfo{ReplicaID: "peer2", LastSeenAt: t0}

	broken := newMockProvider("broken")
	broken.readErr = errors.New("offline")

	e := newTestEngine(t, Options{Providers: []provider.Provider{
		newMockProvider("a").withSnapshot(a),
		newMockProvider("b").withSnapshot(b),
		broken,
		newMockProvider("empty"),
	}})

	got := e.DiscoverDevices(context.Background())
	want := []model.DeviceInfo{
		{ReplicaID: "peer1", LastSeenAt: t0, ViaProvider: "a"},
		{ReplicaID: "peer2", LastSeenAt: t0, ViaProvider: "b"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("devices mismatch (-want +got):\n%s", diff)
	}
	if n := len(e.Snapshot().Devices); n != 0 {
		t.Errorf("discovery mutated local devices (%d entries)", n)
	}
}

// ---------------------------------------------------------------------------
// Scenarios across two replicas
// ---------------------------------------------------------------------------

func TestScenario_LastWriteWins(t *testing.T) {
	ctx := context.Background()
	shared := newMockProvider("shared")
	a := newTestEngine(t, Options{ReplicaID: "a", Providers: []provider.Provider{shared}, Clock: clockwork.NewFakeClockAt(t0)})
	b := newTestEngine(t, Options{ReplicaID: "b", Providers: []provider.Provider{shared}, Clock: clockwork.NewFakeClockAt(t0.Add(time.Minute))})

	if _, err := a.AddMemory(ctx, "mood", MemoryInput{Content: "calm"}); err != nil {
		t.Fatal(err)
	}
	if _, err := b.AddMemory(ctx, "mood", MemoryInput{Content: "stormy"}); err != nil {
		t.Fatal(err)
	}

	a.SyncAll(ctx)
	b.SyncAll(ctx)
	a.SyncAll(ctx)

	for name, e := range map[string]*Engine{"a": a, "b": b} {
		if got := e.Snapshot().Memories["mood"]; got.Content != "stormy" || got.OriginReplica != "b" {
			t.Errorf("replica %s memory = %+v, want b's later write", name, got)
		}
	}
}

func TestScenario_ConflictingIntents(t *testing.T) {
	ctx := context.Background()
	shared := newMockProvider("shared")
	ca, cb := newMockConflicts(), newMockConflicts()
	a := newTestEngine(t, Options{ReplicaID: "a", Providers: []provider.Provider{shared}, Conflicts: ca})
	b := newTestEngine(t, Options{ReplicaID: "b", Providers: []provider.Provider{shared}, Conflicts: cb})

	if _, err := a.UpdateIntent(ctx, "goal", IntentInput{Name: "ship"}); err != nil {
		t.Fatal(err)
	}
	if _, err := b.UpdateIntent(ctx, "goal", IntentInput{Name: "rest"}); err != nil {
		t.Fatal(err)
	}

	a.SyncAll(ctx)
	b.SyncAll(ctx)
	a.SyncAll(ctx)

	for name, cs := range map[string]*mockConflicts{"a": ca, "b": cb} {
		if n, _ := cs.Count(ctx); n != 1 {
			t.Errorf("replica %s pending conflicts = %d, want 1", name, n)
		}
	}
	if got := a.Snapshot().Intents["goal"].Name; got != "ship" {
		t.Errorf("a intent = %q, want its own", got)
	}
	if got := b.Snapshot().Intents["goal"].Name; got != "rest" {
		t.Errorf("b intent = %q, want its own", got)
	}
}

// ---------------------------------------------------------------------------
// Run loop
// ---------------------------------------------------------------------------

func TestRun_HeartbeatDebounceAndFinalFlush(t *testing.T) {
	fc := clockwork.NewFakeClockAt(t0)
	p := newMockProvider("p")
	e := newTestEngine(t, Options{
		Providers: []provider.Provider{p},
		Clock:     fc,
		Heartbeat: time.Minute,
		Debounce:  time.Second,
	})
	rec := record(e)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	ev := rec.wait(t, EventInitialized)
	if ev.ReplicaID != "self" || len(ev.Providers) != 1 || ev.Providers[0] != "p" {
		t.Errorf("initialized = %+v", ev)
	}
	rec.wait(t, EventSyncComplete)

	// Heartbeat.
	fc.BlockUntil(1)
	fc.Advance(time.Minute)
	rec.wait(t, EventSyncComplete)

	// Debounced mutation.
	if _, err := e.AddMemory(ctx, "note", MemoryInput{Content: "queued"}); err != nil {
		t.Fatalf("AddMemory: %v", err)
	}
	fc.BlockUntil(2)
	fc.Advance(time.Second)
	rec.wait(t, EventSyncComplete)
	if got := p.stored(); got == nil || got.Memories["note"].Content != "queued" {
		t.Errorf("mutation not pushed after debounce: %+v", got)
	}

	cancel()
	rec.wait(t, EventSyncComplete)
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRun_ImmediateSyncWithoutDebounce(t *testing.T) {
	p := newMockProvider("p")
	e := newTestEngine(t, Options{Providers: []provider.Provider{p}, Debounce: -1})
	rec := record(e)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = e.Run(ctx) }()
	rec.wait(t, EventSyncComplete)

	if _, err := e.AddMemory(ctx, "note", MemoryInput{Content: "now"}); err != nil {
		t.Fatalf("AddMemory: %v", err)
	}
	rec.wait(t, EventSyncComplete)
	if got := p.stored(); got == nil || got.Memories["note"].Content != "now" {
		t.Errorf("mutation not pushed: %+v", got)
	}
}

func TestRun_PushedSnapshotsAreMerged(t *testing.T) {
	hub := memory.NewHub()
	e := newTestEngine(t, Options{Providers: []provider.Provider{hub.Provider("hub", "team")}})
	rec := record(e)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = e.Run(ctx) }()
	rec.wait(t, EventSyncComplete)

	peer := hub.Provider("peer", "team")
	remote := model.NewSnapshot("peer")
	remote.Memories["news"] = model.MemoryRecord{Content: "pushed", Timestamp: t0.Add(time.Hour), OriginReplica: "peer"}

	// The subscription registers asynchronously; keep publishing until it lands.
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case ev := <-rec.ch:
			if ev.Type == EventMemorySynced && ev.Key == "news" {
				if got := e.Snapshot().Memories["news"].Content; got != "pushed" {
					t.Errorf("memory = %q, want pushed", got)
				}
				return
			}
		case <-tick.C:
			if err := peer.Write(ctx, remote); err != nil {
				t.Fatalf("Write: %v", err)
			}
		case <-deadline:
			t.Fatal("pushed snapshot never merged")
		}
	}
}

func TestRun_CancelLetsInFlightWriteFinish(t *testing.T) {
	p := newSlowWriter("slow")
	e := newTestEngine(t, Options{
		Providers:       []provider.Provider{p},
		Debounce:        -1,
		ProviderTimeout: 10 * time.Second,
	})
	rec := record(e)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()
	rec.wait(t, EventSyncComplete)

	if _, err := e.AddMemory(context.Background(), "note", MemoryInput{Content: "late"}); err != nil {
		t.Fatalf("AddMemory: %v", err)
	}
	select {
	case <-p.started:
	case <-time.After(5 * time.Second):
		t.Fatal("second write never started")
	}

	cancel()
	time.Sleep(50 * time.Millisecond)
	close(p.release)

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	if n := p.abortedCount(); n != 0 {
		t.Errorf("%d in-flight writes aborted by cancel, want 0", n)
	}
	if f := e.ProviderStates()[0].Failures; f != 0 {
		t.Errorf("failures = %d, want 0", f)
	}
	if got := p.stored(); got == nil || got.Memories["note"].Content != "late" {
		t.Errorf("write did not land: %+v", got)
	}
}

func TestEngine_ConcurrentWritersSerialised(t *testing.T) {
	const (
		workers = 4
		updates = 25
		pushes  = 30
	)
	hub := memory.NewHub()
	store := newMockStore()
	e := newTestEngine(t, Options{
		Providers: []provider.Provider{newMockProvider("disk"), hub.Provider("hub", "team")},
		Store:     store,
		Debounce:  -1,
	})

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- e.Run(ctx) }()

	stop := make(chan struct{})
	var bg sync.WaitGroup

	// Polled merges.
	bg.Add(1)
	go func() {
		defer bg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				e.SyncAll(context.Background())
			}
		}
	}()

	// A peer pushing snapshots that grow one memory at a time.
	peer := hub.Provider("peer", "team")
	remote := model.NewSnapshot("peer")
	bg.Add(1)
	go func() {
		defer bg.Done()
		for i := 0; i < pushes; i++ {
			key := "peer-" + strconv.Itoa(i)
			remote.Memories[key] = model.MemoryRecord{Content: key, Timestamp: t0, OriginReplica: "peer"}
			if err := peer.Write(context.Background(), remote); err != nil {
				t.Errorf("peer Write: %v", err)
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	var writers sync.WaitGroup
	for w := 0; w < workers; w++ {
		writers.Add(1)
		go func() {
			defer writers.Done()
			for i := 0; i < updates; i++ {
				if _, err := e.UpdateIntent(ctx, "goal", IntentInput{Name: "ship"}); err != nil {
					t.Errorf("UpdateIntent: %v", err)
				}
				key := "w" + strconv.Itoa(w) + "-" + strconv.Itoa(i)
				if _, err := e.AddMemory(ctx, key, MemoryInput{Content: key}); err != nil {
					t.Errorf("AddMemory: %v", err)
				}
			}
		}()
	}
	writers.Wait()
	close(stop)
	bg.Wait()

	cancel()
	select {
	case <-runDone:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	// Make the complete peer snapshot the last thing on the hub.
	if err := peer.Write(context.Background(), remote); err != nil {
		t.Fatalf("peer Write: %v", err)
	}
	e.SyncAll(context.Background())

	snap := e.Snapshot()
	if got := snap.Intents["goal"].Version; got != workers*updates {
		t.Errorf("intent version = %d, want %d", got, workers*updates)
	}
	for w := 0; w < workers; w++ {
		for i := 0; i < updates; i++ {
			key := "w" + strconv.Itoa(w) + "-" + strconv.Itoa(i)
			if _, ok := snap.Memories[key]; !ok {
				t.Errorf("memory %q lost", key)
			}
		}
	}
	for i := 0; i < pushes; i++ {
		key := "peer-" + strconv.Itoa(i)
		if _, ok := snap.Memories[key]; !ok {
			t.Errorf("peer memory %q lost", key)
		}
	}
	if diff := cmp.Diff(snap.Intents, store.saved().Intents); diff != "" {
		t.Errorf("persisted intents differ from memory (-mem +disk):\n%s", diff)
	}
}

// --- helpers ---

type recorder struct {
	ch chan Event

	mu  sync.Mutex
	log []Event
}

// record subscribes to e. Every event is appended to log and also fed to ch
// for wait.
func record(e *Engine) *recorder {
	r := &recorder{ch: make(chan Event, 256)}
	e.Subscribe(func(ev Event) {
		r.mu.Lock()
		r.log = append(r.log, ev)
		r.mu.Unlock()
		select {
		case r.ch <- ev:
		default:
		}
	})
	return r
}

func (r *recorder) count(typ EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.log {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func (r *recorder) last(typ EventType) Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out Event
	for _, ev := range r.log {
		if ev.Type == typ {
			out = ev
		}
	}
	return out
}

func (r *recorder) wait(t *testing.T, typ EventType) Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-r.ch:
			if ev.Type == typ {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", typ)
			return Event{}
		}
	}
}
