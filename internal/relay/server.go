// Package relay serves a minimal snapshot exchange point over HTTP so that
// replicas on different machines can sync through one shared endpoint.
//
// Each space holds the latest snapshot written by any replica plus a
// monotonically increasing revision, persisted with the snapshot when a
// [Store] is configured. Writers PUT whole snapshots; readers GET
// the latest one or long-poll the watch endpoint for the next revision, which
// gives the relay client provider push semantics.
//
//	GET  /healthz
//	GET  /v1/spaces/{space}/snapshot
//	PUT  /v1/spaces/{space}/snapshot
//	GET  /v1/spaces/{space}/watch?after=<revision>
package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/njoerd114/statemesh/internal/model"
)

const (
	// RevisionHeader carries the space revision on snapshot responses.
	RevisionHeader = "X-Statemesh-Revision"

	// DefaultPollWindow bounds how long a watch request is held open.
	DefaultPollWindow = 25 * time.Second

	// maxBodyBytes caps the size of an uploaded snapshot.
	maxBodyBytes = 8 << 20

	otelScope     = "statemesh/relay"
	metricWrites  = "statemesh.relay.writes"
	metricWatches = "statemesh.relay.watches"
)

// Store persists the latest snapshot and revision per space. Implemented by
// [bolt.Store].
type Store interface {
	Get(space string) (*model.Snapshot, error)
	Revision(space string) (uint64, error)
	PutRevision(space string, snap model.Snapshot, rev uint64) error
	Spaces() ([]string, error)
}

// Options configures a [Server].
type Options struct {
	// Store makes snapshots durable. Nil keeps them in memory only.
	Store Store

	// Token, when set, is required as a bearer token on every /v1 request.
	Token string

	// PollWindow bounds watch requests. Defaults to [DefaultPollWindow].
	PollWindow time.Duration

	Logger *slog.Logger
}

// Server holds the latest snapshot of every space.
type Server struct {
	store      Store
	token      string
	pollWindow time.Duration
	log        *slog.Logger

	mu     sync.Mutex
	spaces map[string]*space

	cntWrites  metric.Int64Counter
	cntWatches metric.Int64Counter
}

type space struct {
	data    []byte
	rev     uint64
	changed chan struct{} // closed and replaced on every write
}

// NewServer creates a Server, preloading every space found in opts.Store.
func NewServer(opts Options) (*Server, error) {
	if opts.PollWindow <= 0 {
		opts.PollWindow = DefaultPollWindow
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	s := &Server{
		store:      opts.Store,
		token:      opts.Token,
		pollWindow: opts.PollWindow,
		log:        opts.Logger,
		spaces:     make(map[string]*space),
	}

	meter := otel.Meter(otelScope)
	mustCounter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			s.log.Error("creating OTel counter", "name", name, "error", err)
			return noop.Int64Counter{}
		}
		return c
	}
	s.cntWrites = mustCounter(metricWrites, "Number of snapshots accepted")
	s.cntWatches = mustCounter(metricWatches, "Number of watch requests answered, by outcome")

	if s.store != nil {
		names, err := s.store.Spaces()
		if err != nil {
			return nil, fmt.Errorf("listing stored spaces: %w", err)
		}
		for _, name := range names {
			snap, err := s.store.Get(name)
			if err != nil {
				return nil, fmt.Errorf("loading space %q: %w", name, err)
			}
			if snap == nil {
				continue
			}
			data, err := json.Marshal(snap)
			if err != nil {
				return nil, fmt.Errorf("encoding space %q: %w", name, err)
			}
			rev, err := s.store.Revision(name)
			if err != nil {
				return nil, fmt.Errorf("loading space %q: %w", name, err)
			}
			sp := s.space(name)
			sp.data = data
			sp.rev = max(rev, 1)
		}
		s.log.Info("relay spaces loaded", "count", len(names))
	}
	return s, nil
}

// space returns the named space, creating it. Callers hold s.mu.
func (s *Server) space(name string) *space {
	sp, ok := s.spaces[name]
	if !ok {
		sp = &space{changed: make(chan struct{})}
		s.spaces[name] = sp
	}
	return sp
}

// Handler returns the HTTP handler serving the relay API.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(s.log))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "ok\n")
	})

	r.Route("/v1/spaces/{space}", func(r chi.Router) {
		r.Use(bearerAuth(s.token, s.log))
		r.Get("/snapshot", s.handleGet)
		r.Put("/snapshot", s.handlePut)
		r.Get("/watch", s.handleWatch)
	})
	return r
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "space")

	s.mu.Lock()
	sp := s.space(name)
	data, rev := sp.data, sp.rev
	s.mu.Unlock()

	if data == nil {
		http.Error(w, "no snapshot in space", http.StatusNotFound)
		return
	}
	writeSnapshot(w, data, rev)
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "space")

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "snapshot too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "reading body", http.StatusBadRequest)
		return
	}

	var snap model.Snapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		http.Error(w, "invalid snapshot document", http.StatusBadRequest)
		return
	}
	snap.Normalize()

	// Re-encode so every reader sees the canonical document.
	data, err := json.Marshal(snap)
	if err != nil {
		http.Error(w, "encoding snapshot", http.StatusInternalServerError)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sp := s.space(name)
	next := sp.rev + 1
	if s.store != nil {
		if err := s.store.PutRevision(name, snap, next); err != nil {
			s.log.Error("persisting snapshot", "space", name, "error", err)
			http.Error(w, "persisting snapshot", http.StatusInternalServerError)
			return
		}
	}

	sp.data = data
	sp.rev = next
	close(sp.changed)
	sp.changed = make(chan struct{})

	s.cntWrites.Add(r.Context(), 1, metric.WithAttributes(attribute.String("space", name)))
	s.log.Debug("snapshot stored", "space", name, "revision", sp.rev, "replica_id", snap.ReplicaID)
	w.Header().Set(RevisionHeader, strconv.FormatUint(sp.rev, 10))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "space")

	var after uint64
	if v := r.URL.Query().Get("after"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			http.Error(w, "after must be a revision number", http.StatusBadRequest)
			return
		}
		after = n
	}

	timer := time.NewTimer(s.pollWindow)
	defer timer.Stop()

	for {
		s.mu.Lock()
		sp := s.space(name)
		data, rev, changed := sp.data, sp.rev, sp.changed
		s.mu.Unlock()

		// A watcher ahead of us saw a previous relay incarnation; hand it the
		// current snapshot so it can resynchronise its revision.
		if data != nil && rev != after {
			s.cntWatches.Add(r.Context(), 1, metric.WithAttributes(attribute.String("outcome", "changed")))
			writeSnapshot(w, data, rev)
			return
		}

		select {
		case <-changed:
		case <-timer.C:
			s.cntWatches.Add(r.Context(), 1, metric.WithAttributes(attribute.String("outcome", "timeout")))
			w.Header().Set(RevisionHeader, strconv.FormatUint(rev, 10))
			w.WriteHeader(http.StatusNoContent)
			return
		case <-r.Context().Done():
			return
		}
	}
}

func writeSnapshot(w http.ResponseWriter, data []byte, rev uint64) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set(RevisionHeader, strconv.FormatUint(rev, 10))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
