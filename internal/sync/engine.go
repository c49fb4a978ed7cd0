package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/njoerd114/statemesh/internal/merge"
	"github.com/njoerd114/statemesh/internal/model"
	"github.com/njoerd114/statemesh/internal/provider"
	"github.com/njoerd114/statemesh/internal/retry"
)

const (
	otelScope         = "statemesh/sync"
	spanRound         = "sync.round"
	spanProvider      = "sync.provider"
	metricRounds      = "statemesh.sync.rounds"
	metricFailures    = "statemesh.sync.provider.failures"
	metricConflicts   = "statemesh.sync.conflicts"
	metricAdopted     = "statemesh.sync.memories.adopted"
	metricMutations   = "statemesh.mutations"
	defaultHeartbeat  = 30 * time.Second
	defaultDebounce   = 2 * time.Second
	defaultProviderTO = 15 * time.Second
)

// ErrEmptyKey is returned by the mutation API for an empty record key.
var ErrEmptyKey = errors.New("record key must not be empty")

// Options configures an [Engine].
type Options struct {
	// ReplicaID tags every record this replica authors. Required.
	ReplicaID string

	// Store persists the local snapshot. Required.
	Store SnapshotStore

	// Conflicts holds pending conflicts. Required.
	Conflicts ConflictStore

	// Providers may be empty for a local-only replica.
	Providers []provider.Provider

	// Heartbeat is the interval between background sync rounds.
	Heartbeat time.Duration

	// Debounce delays the sync round triggered by a mutation so a burst of
	// edits is pushed once. Negative means immediately; zero means the default.
	Debounce time.Duration

	// ProviderTimeout bounds every single provider Read or Write.
	ProviderTimeout time.Duration

	// RetryAttempts is the number of tries per provider call.
	RetryAttempts int

	// Clock drives the heartbeat and debounce timers.
	Clock clockwork.Clock

	Logger *slog.Logger
}

// SyncResult summarises one [Engine.SyncAll] round.
type SyncResult struct {
	Successful int
	Total      int
}

// ProviderState is a step of one provider task within a round.
type ProviderState string

const (
	StateIdle    ProviderState = "idle"
	StateReading ProviderState = "reading"
	StateMerging ProviderState = "merging"
	StateWriting ProviderState = "writing"
	StateFailed  ProviderState = "failed"
)

// ProviderStatus reports what the engine last did with one provider.
type ProviderStatus struct {
	Name        string
	State       ProviderState
	LastSuccess time.Time
	LastError   string
	Failures    int
}

// Engine replicates one snapshot across a set of providers. Create one with
// [NewEngine]; call [Engine.Run] for the background loop or [Engine.SyncAll]
// for a single round.
type Engine struct {
	replicaID       string
	store           SnapshotStore
	conflicts       ConflictStore
	providers       []provider.Provider
	heartbeat       time.Duration
	debounce        time.Duration
	providerTimeout time.Duration
	retryAttempts   int
	clock           clockwork.Clock
	log             *slog.Logger

	// mu serialises every writer of snap.
	mu   sync.Mutex
	snap model.Snapshot

	statusMu sync.Mutex
	status   []ProviderStatus

	subMu   sync.Mutex
	subs    map[int]func(Event)
	nextSub int

	trigger chan struct{}

	// OTel instruments; no-ops when telemetry is disabled.
	tracer       trace.Tracer
	cntRounds    metric.Int64Counter
	cntFailures  metric.Int64Counter
	cntConflicts metric.Int64Counter
	cntAdopted   metric.Int64Counter
	cntMutations metric.Int64Counter
}

// NewEngine validates opts, applies defaults and loads the local snapshot.
func NewEngine(opts Options) (*Engine, error) {
	if opts.ReplicaID == "" {
		return nil, errors.New("replica id is required")
	}
	if opts.Store == nil {
		return nil, errors.New("snapshot store is required")
	}
	if opts.Conflicts == nil {
		return nil, errors.New("conflict store is required")
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = defaultHeartbeat
	}
	switch {
	case opts.Debounce == 0:
		opts.Debounce = defaultDebounce
	case opts.Debounce < 0:
		opts.Debounce = 0
	}
	if opts.ProviderTimeout <= 0 {
		opts.ProviderTimeout = defaultProviderTO
	}
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = retry.DefaultAttempts
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	logger := opts.Logger

	tracer := otel.Tracer(otelScope)
	meter := otel.Meter(otelScope)

	mustCounter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			logger.Error("creating OTel counter", "name", name, "error", err)
			return noop.Int64Counter{}
		}
		return c
	}

	snap, found := opts.Store.Load()
	snap.ReplicaID = opts.ReplicaID
	snap.Normalize()
	if found {
		c := snap.Counts()
		logger.Info("local snapshot loaded",
			"memories", c.Memories, "intents", c.Intents, "glyphs", c.Glyphs, "devices", c.Devices)
	} else {
		logger.Info("no local snapshot, starting empty")
	}

	status := make([]ProviderStatus, len(opts.Providers))
	for i, p := range opts.Providers {
		status[i] = ProviderStatus{Name: p.Name(), State: StateIdle}
	}

	return &Engine{
		replicaID:       opts.ReplicaID,
		store:           opts.Store,
		conflicts:       opts.Conflicts,
		providers:       slices.Clone(opts.Providers),
		heartbeat:       opts.Heartbeat,
		debounce:        opts.Debounce,
		providerTimeout: opts.ProviderTimeout,
		retryAttempts:   opts.RetryAttempts,
		clock:           opts.Clock,
		log:             logger,
		snap:            snap,
		status:          status,
		subs:            make(map[int]func(Event)),
		trigger:         make(chan struct{}, 1),

		tracer:       tracer,
		cntRounds:    mustCounter(metricRounds, "Number of sync rounds run"),
		cntFailures:  mustCounter(metricFailures, "Number of provider tasks that failed"),
		cntConflicts: mustCounter(metricConflicts, "Number of new conflicts detected"),
		cntAdopted:   mustCounter(metricAdopted, "Number of memory records adopted from remote"),
		cntMutations: mustCounter(metricMutations, "Number of local mutations applied"),
	}, nil
}

// ReplicaID returns the id this engine authors records under.
func (e *Engine) ReplicaID() string { return e.replicaID }

// Snapshot returns a copy of the current in-memory state.
func (e *Engine) Snapshot() model.Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snap.Clone()
}

// Conflicts lists pending conflicts, oldest first.
func (e *Engine) Conflicts(ctx context.Context) ([]model.Conflict, error) {
	return e.conflicts.List(ctx)
}

// ProviderStates reports the last known state of every provider, in
// configuration order.
func (e *Engine) ProviderStates() []ProviderStatus {
	e.statusMu.Lock()
	defer e.statusMu.Unlock()
	return slices.Clone(e.status)
}

func (e *Engine) setState(i int, s ProviderState) {
	e.statusMu.Lock()
	e.status[i].State = s
	e.statusMu.Unlock()
}

func (e *Engine) markSuccess(i int) {
	e.statusMu.Lock()
	defer e.statusMu.Unlock()
	e.status[i].State = StateIdle
	e.status[i].LastSuccess = e.clock.Now()
	e.status[i].LastError = ""
}

func (e *Engine) markFailed(i int, err error) {
	e.statusMu.Lock()
	defer e.statusMu.Unlock()
	e.status[i].State = StateFailed
	e.status[i].LastError = err.Error()
	e.status[i].Failures++
}

// SyncAll runs one round against every provider concurrently and waits for
// all of them. Provider failures are logged and counted, never returned.
func (e *Engine) SyncAll(ctx context.Context) SyncResult {
	ctx, span := e.tracer.Start(ctx, spanRound)
	defer span.End()

	var ok atomic.Int64
	var g errgroup.Group
	for i, p := range e.providers {
		g.Go(func() error {
			if e.syncProvider(ctx, i, p) {
				ok.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	res := SyncResult{Successful: int(ok.Load()), Total: len(e.providers)}
	e.cntRounds.Add(ctx, 1)
	span.SetAttributes(
		attribute.Int("sync.successful", res.Successful),
		attribute.Int("sync.total", res.Total),
	)

	if res.Successful < res.Total {
		e.log.Warn("sync round finished with failures", "successful", res.Successful, "total", res.Total)
	} else {
		e.log.Debug("sync round complete", "providers", res.Total)
	}
	e.emit(Event{Type: EventSyncComplete, Successful: res.Successful, Total: res.Total})
	return res
}

// syncProvider runs read, merge and write-back against one provider. It
// reports success; a panic inside the task counts as a failure.
func (e *Engine) syncProvider(ctx context.Context, i int, p provider.Provider) (ok bool) {
	name := p.Name()
	ctx, span := e.tracer.Start(ctx, spanProvider, trace.WithAttributes(attribute.String("provider", name)))
	defer span.End()

	fail := func(err error) {
		ok = false
		e.markFailed(i, err)
		e.cntFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", name)))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.log.Error("provider sync failed", "provider", name, "error", err)
	}

	defer func() {
		if r := recover(); r != nil {
			fail(fmt.Errorf("panic: %v", r))
		}
	}()

	e.setState(i, StateReading)
	var remote *model.Snapshot
	err := e.call(ctx, func(ctx context.Context) error {
		var err error
		remote, err = p.Read(ctx)
		return err
	})
	if err != nil {
		fail(fmt.Errorf("reading: %w", err))
		return false
	}

	if remote != nil {
		e.setState(i, StateMerging)
		events, err := e.apply(ctx, *remote)
		e.emit(events...)
		if err != nil {
			fail(fmt.Errorf("merging: %w", err))
			return false
		}
	}

	out, err := e.stampSelf()
	if err != nil {
		fail(err)
		return false
	}

	e.setState(i, StateWriting)
	err = e.call(ctx, func(ctx context.Context) error {
		return p.Write(ctx, out)
	})
	if err != nil {
		fail(fmt.Errorf("writing: %w", err))
		return false
	}

	e.markSuccess(i)
	return true
}

// call runs fn with the per-call timeout and the engine's retry policy.
func (e *Engine) call(ctx context.Context, fn func(context.Context) error) error {
	return retry.Do(ctx, e.retryAttempts, func() error {
		cctx, cancel := context.WithTimeout(ctx, e.providerTimeout)
		defer cancel()
		return fn(cctx)
	})
}

// apply merges remote into the local snapshot under the engine lock and
// persists the result. It returns the events to emit once the lock is
// released. On a persistence failure the in-memory state is left unchanged.
func (e *Engine) apply(ctx context.Context, remote model.Snapshot) ([]Event, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	res := merge.Merge(e.snap, remote, e.clock.Now().UTC())

	var events []Event
	for _, c := range res.Conflicts {
		created, err := e.conflicts.Put(ctx, c)
		if err != nil {
			return events, fmt.Errorf("recording conflict %s: %w", c.ID(), err)
		}
		if created {
			e.cntConflicts.Add(ctx, 1)
			e.log.Warn("conflict detected", "domain", c.Domain, "key", c.Key,
				"local_origin", c.Local.OriginReplica, "remote_origin", c.Remote.OriginReplica)
			events = append(events, Event{Type: EventConflictDetected, Domain: c.Domain, Key: c.Key})
		}
	}

	if err := e.store.Save(res.Snapshot); err != nil {
		return events, fmt.Errorf("persisting merged snapshot: %w", err)
	}
	e.snap = res.Snapshot

	if n := len(res.Memories); n > 0 {
		e.cntAdopted.Add(ctx, int64(n))
	}
	slices.Sort(res.Memories)
	for _, key := range res.Memories {
		rec := e.snap.Memories[key]
		events = append(events, Event{Type: EventMemorySynced, Key: key, Memory: &rec})
	}
	if res.Changed() {
		e.log.Info("remote changes merged",
			"from", remote.ReplicaID, "memories", len(res.Memories), "intents", len(res.Intents))
	}
	return events, nil
}

// stampSelf records this replica's own device entry, persists, and returns
// the copy to write to a provider.
func (e *Engine) stampSelf() (model.Snapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock.Now().UTC()
	next := e.snap.Clone()
	next.Devices[e.replicaID] = model.DeviceInfo{ReplicaID: e.replicaID, LastSeenAt: now}
	next.SavedAt = now

	if err := e.store.Save(next); err != nil {
		return model.Snapshot{}, fmt.Errorf("persisting device heartbeat: %w", err)
	}
	e.snap = next
	return next.Clone(), nil
}

// handlePush routes a snapshot delivered by a subscription through the same
// locked merge path as a polled read.
func (e *Engine) handlePush(ctx context.Context, via string, snap model.Snapshot) {
	if snap.ReplicaID == e.replicaID {
		e.log.Debug("ignoring own snapshot echoed by provider", "provider", via)
		return
	}
	events, err := e.apply(ctx, snap)
	e.emit(events...)
	if err != nil {
		e.log.Error("applying pushed snapshot", "provider", via, "error", err)
		return
	}
	e.log.Debug("pushed snapshot applied", "provider", via, "from", snap.ReplicaID)
}

// --- mutation API ---

// MemoryInput is the caller-supplied part of a memory record.
type MemoryInput struct {
	Content string
	Kind    string
	Extra   map[string]any
}

// IntentInput is the caller-supplied part of an intent record.
type IntentInput struct {
	Name        string
	Description string
	Attributes  map[string]any
}

// AddMemory stores a memory record under key, replacing any previous one.
func (e *Engine) AddMemory(ctx context.Context, key string, in MemoryInput) (model.MemoryRecord, error) {
	if key == "" {
		return model.MemoryRecord{}, ErrEmptyKey
	}
	rec := model.MemoryRecord{
		Content:       in.Content,
		Kind:          in.Kind,
		Timestamp:     e.clock.Now().UTC(),
		OriginReplica: e.replicaID,
		Extra:         maps.Clone(in.Extra),
	}
	err := e.mutate(ctx, "memory", func(s *model.Snapshot) {
		s.Memories[key] = rec
	})
	if err != nil {
		return model.MemoryRecord{}, err
	}
	return rec, nil
}

// UpdateIntent replaces the intent under key, bumping its version by one.
func (e *Engine) UpdateIntent(ctx context.Context, key string, in IntentInput) (model.IntentRecord, error) {
	if key == "" {
		return model.IntentRecord{}, ErrEmptyKey
	}
	var rec model.IntentRecord
	err := e.mutate(ctx, "intent", func(s *model.Snapshot) {
		rec = model.IntentRecord{
			Name:          in.Name,
			Description:   in.Description,
			Attributes:    maps.Clone(in.Attributes),
			Version:       s.Intents[key].Version + 1,
			OriginReplica: e.replicaID,
			Timestamp:     e.clock.Now().UTC(),
		}.Seal()
		s.Intents[key] = rec
	})
	if err != nil {
		return model.IntentRecord{}, err
	}
	return rec, nil
}

// AddGlyph stores glyph attributes under key, replacing any previous ones.
func (e *Engine) AddGlyph(ctx context.Context, key string, attrs map[string]any) (model.GlyphRecord, error) {
	if key == "" {
		return model.GlyphRecord{}, ErrEmptyKey
	}
	rec := model.GlyphRecord{
		Attributes:    maps.Clone(attrs),
		OriginReplica: e.replicaID,
		Timestamp:     e.clock.Now().UTC(),
	}
	err := e.mutate(ctx, "glyph", func(s *model.Snapshot) {
		s.Glyphs[key] = rec
	})
	if err != nil {
		return model.GlyphRecord{}, err
	}
	return rec, nil
}

// mutate applies fn to a copy of the snapshot, persists it and only then
// makes it current. A sync round is scheduled afterwards.
func (e *Engine) mutate(ctx context.Context, domain string, fn func(*model.Snapshot)) error {
	e.mu.Lock()
	next := e.snap.Clone()
	fn(&next)
	next.SavedAt = e.clock.Now().UTC()
	if err := e.store.Save(next); err != nil {
		e.mu.Unlock()
		return fmt.Errorf("persisting %s mutation: %w", domain, err)
	}
	e.snap = next
	e.mu.Unlock()

	e.cntMutations.Add(ctx, 1, metric.WithAttributes(attribute.String("domain", domain)))
	e.schedule()
	return nil
}

// ResolveConflict settles a pending conflict with strategy s. Resolving a
// conflict that is no longer pending is a no-op.
func (e *Engine) ResolveConflict(ctx context.Context, c model.Conflict, s merge.Strategy) error {
	if _, err := merge.ParseStrategy(string(s)); err != nil {
		return err
	}

	e.mu.Lock()
	pending, err := e.conflicts.Get(ctx, c.Domain, c.Key)
	if err != nil {
		e.mu.Unlock()
		return fmt.Errorf("looking up conflict %s: %w", c.ID(), err)
	}
	if pending == nil {
		e.mu.Unlock()
		e.log.Debug("conflict already resolved", "conflict", c.ID())
		return nil
	}

	rec, err := merge.Resolve(e.snap, *pending, s, e.replicaID, e.clock.Now())
	if err != nil {
		e.mu.Unlock()
		return fmt.Errorf("resolving conflict %s: %w", c.ID(), err)
	}

	next := e.snap.Clone()
	next.Intents[pending.Key] = rec
	next.SavedAt = e.clock.Now().UTC()
	if err := e.store.Save(next); err != nil {
		e.mu.Unlock()
		return fmt.Errorf("persisting resolution of %s: %w", c.ID(), err)
	}
	e.snap = next

	err = e.conflicts.Delete(ctx, pending.Domain, pending.Key)
	e.mu.Unlock()
	if err != nil {
		return fmt.Errorf("clearing conflict %s: %w", c.ID(), err)
	}

	e.log.Info("conflict resolved", "conflict", pending.ID(), "strategy", s, "version", rec.Version)
	e.emit(Event{Type: EventConflictResolved, Domain: pending.Domain, Key: pending.Key, Conflict: pending})
	e.schedule()
	return nil
}

// schedule asks the Run loop for a (debounced) sync round. Without a running
// loop the request stays pending until Run starts.
func (e *Engine) schedule() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

// DiscoverDevices reads every provider and returns the devices other than
// this replica that they know about. Unreachable providers are skipped.
// Local state is not modified.
func (e *Engine) DiscoverDevices(ctx context.Context) []model.DeviceInfo {
	found := make([][]model.DeviceInfo, len(e.providers))

	var g errgroup.Group
	for i, p := range e.providers {
		g.Go(func() error {
			var snap *model.Snapshot
			err := e.call(ctx, func(ctx context.Context) error {
				var err error
				snap, err = p.Read(ctx)
				return err
			})
			if err != nil {
				e.log.Warn("device discovery skipped provider", "provider", p.Name(), "error", err)
				return nil
			}
			if snap == nil {
				return nil
			}
			for _, key := range slices.Sorted(maps.Keys(snap.Devices)) {
				d := snap.Devices[key]
				if d.ReplicaID == e.replicaID || key == e.replicaID {
					continue
				}
				d.ViaProvider = p.Name()
				found[i] = append(found[i], d)
			}
			return nil
		})
	}
	_ = g.Wait()

	return slices.Concat(found...)
}

// Run drives background synchronisation until ctx is cancelled: it starts a
// listener for every push-capable provider, syncs immediately, then syncs on
// every heartbeat and after every (debounced) mutation. On cancellation it
// performs one final round on a fresh context and returns ctx.Err().
//
// Cancelling ctx stops the ticker and the subscriptions only. A round that is
// already running finishes, each provider call still bounded by
// ProviderTimeout.
func (e *Engine) Run(ctx context.Context) error {
	work := context.WithoutCancel(ctx)
	names := make([]string, len(e.providers))
	for i, p := range e.providers {
		names[i] = p.Name()
	}
	e.log.Info("sync engine started",
		"replica_id", e.replicaID, "providers", names, "heartbeat", e.heartbeat, "debounce", e.debounce)
	e.emit(Event{Type: EventInitialized, ReplicaID: e.replicaID, Providers: names})

	var wg sync.WaitGroup
	for _, p := range e.providers {
		sub, ok := p.(provider.Subscriber)
		if !ok {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := sub.Subscribe(ctx, func(snap model.Snapshot) {
				e.handlePush(work, p.Name(), snap)
			})
			if err != nil && ctx.Err() == nil {
				e.log.Error("provider subscription ended, falling back to polling", "provider", p.Name(), "error", err)
			}
		}()
	}

	ticker := e.clock.NewTicker(e.heartbeat)
	defer ticker.Stop()

	e.SyncAll(work)

	var (
		debounce   clockwork.Timer
		debounceCh <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			ticker.Stop()
			if debounce != nil {
				debounce.Stop()
			}
			wg.Wait()
			e.log.Info("sync engine shutting down, final flush")
			fctx, cancel := context.WithTimeout(context.Background(), e.providerTimeout)
			res := e.SyncAll(fctx)
			cancel()
			e.log.Info("final flush done", "successful", res.Successful, "total", res.Total)
			return ctx.Err()

		case <-ticker.Chan():
			e.SyncAll(work)

		case <-e.trigger:
			if e.debounce <= 0 {
				e.SyncAll(work)
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = e.clock.NewTimer(e.debounce)
			debounceCh = debounce.Chan()

		case <-debounceCh:
			debounce, debounceCh = nil, nil
			e.SyncAll(work)
		}
	}
}
