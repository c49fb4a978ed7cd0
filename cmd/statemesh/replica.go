package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/njoerd114/statemesh/internal/config"
	"github.com/njoerd114/statemesh/internal/identity"
	"github.com/njoerd114/statemesh/internal/provider"
	"github.com/njoerd114/statemesh/internal/provider/bolt"
	"github.com/njoerd114/statemesh/internal/provider/dir"
	"github.com/njoerd114/statemesh/internal/provider/relay"
	"github.com/njoerd114/statemesh/internal/state"
	syncp "github.com/njoerd114/statemesh/internal/sync"
	"github.com/njoerd114/statemesh/internal/telemetry"
)

// newLogger returns the process logger and installs it as the slog default.
func newLogger(verbose bool) *slog.Logger {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)
	return logger
}

// loadConfig reads cfgPath. A missing file at the default location is not an
// error: the replica then runs local-only with default settings.
func loadConfig(cfgPath string, logger *slog.Logger) (*config.Config, error) {
	cfg, err := config.Load(cfgPath)
	if err == nil {
		return cfg, nil
	}
	defaultPath, _ := config.DefaultPath()
	if cfgPath == defaultPath && errors.Is(err, os.ErrNotExist) {
		logger.Warn("no config file found, running local-only with defaults", "path", cfgPath)
		return config.Default()
	}
	return nil, fmt.Errorf("loading config from %q: %w", cfgPath, err)
}

// setupTelemetry enables OTel export when configured. The returned function
// is always non-nil and must be called on exit.
func setupTelemetry(cfg *config.Config, instanceID string, logger *slog.Logger) func() {
	if cfg.Telemetry == nil {
		return func() {}
	}
	shutdownTel, err := telemetry.Setup(context.Background(), telemetry.Config{
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		Insecure:       cfg.Telemetry.Insecure,
		ServiceName:    cfg.Telemetry.ServiceName,
		InstanceID:     instanceID,
		ExportInterval: cfg.Telemetry.ExportInterval,
		Headers:        cfg.Telemetry.Headers,
	})
	if err != nil {
		logger.Error("telemetry setup failed, continuing without telemetry", "error", err)
		return func() {}
	}
	logger.Info("telemetry enabled", "endpoint", cfg.Telemetry.OTLPEndpoint)
	return func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTel(flushCtx); err != nil {
			logger.Error("telemetry shutdown error", "error", err)
		}
	}
}

// pollOnly hides a provider's Subscribe method so the engine polls it.
type pollOnly struct {
	provider.Provider
}

// buildProviders instantiates every configured provider. On error, providers
// opened so far are closed.
func buildProviders(cfg *config.Config, logger *slog.Logger) ([]provider.Provider, error) {
	out := make([]provider.Provider, 0, len(cfg.Providers))
	for _, pc := range cfg.Providers {
		var (
			p   provider.Provider
			err error
		)
		switch pc.Type {
		case config.ProviderDir:
			p = dir.New(pc.Name, pc.Path, pc.Space)
		case config.ProviderBolt:
			p, err = bolt.OpenProvider(pc.Name, pc.Path, pc.Space)
		case config.ProviderRelay:
			var rp *relay.Provider
			rp, err = relay.New(pc.Name, relay.Options{
				URL:    pc.URL,
				Space:  pc.Space,
				Token:  pc.Token,
				Logger: logger.With("provider", pc.Name),
			})
			if err == nil {
				p = rp
				if !pc.Watch {
					p = pollOnly{rp}
				}
			}
		default:
			err = fmt.Errorf("unknown provider type %q", pc.Type)
		}
		if err != nil {
			_ = closeProviders(out)
			return nil, fmt.Errorf("opening provider %q: %w", pc.Name, err)
		}
		out = append(out, p)
	}
	return out, nil
}

func closeProviders(ps []provider.Provider) error {
	var errs []error
	for _, p := range ps {
		if c, ok := p.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("closing provider %q: %w", p.Name(), err))
			}
		}
	}
	return errors.Join(errs...)
}

// replica bundles an engine with the resources it owns.
type replica struct {
	engine    *syncp.Engine
	snapshot  *state.SnapshotFile
	conflicts *state.ConflictStore
	providers []provider.Provider
}

// openReplica takes the state directory lock and wires an engine to the
// configured providers.
func openReplica(cfg *config.Config, logger *slog.Logger) (*replica, error) {
	r := &replica{}
	var err error
	r.snapshot, err = state.OpenSnapshotFile(filepath.Join(cfg.StateDir, state.SnapshotFileName), logger)
	if err != nil {
		if errors.Is(err, state.ErrLocked) {
			return nil, fmt.Errorf("%w\n\n  Stop the daemon first (systemctl --user stop statemesh)", err)
		}
		return nil, fmt.Errorf("opening snapshot: %w", err)
	}

	// Only the lock holder may create the id file.
	id, err := identity.Resolve(filepath.Join(cfg.StateDir, identity.FileName), cfg.EphemeralIdentity)
	if err != nil {
		_ = r.Close()
		return nil, fmt.Errorf("resolving replica id: %w", err)
	}

	r.conflicts, err = state.OpenConflictStore(filepath.Join(cfg.StateDir, state.ConflictsFileName))
	if err != nil {
		_ = r.Close()
		return nil, fmt.Errorf("opening conflict store: %w", err)
	}

	r.providers, err = buildProviders(cfg, logger)
	if err != nil {
		_ = r.Close()
		return nil, err
	}

	r.engine, err = syncp.NewEngine(syncp.Options{
		ReplicaID:       id.CurrentReplicaID(),
		Store:           r.snapshot,
		Conflicts:       r.conflicts,
		Providers:       r.providers,
		Heartbeat:       cfg.HeartbeatInterval,
		Debounce:        cfg.EngineDebounce(),
		ProviderTimeout: cfg.ProviderTimeout,
		RetryAttempts:   cfg.RetryAttempts,
		Logger:          logger,
	})
	if err != nil {
		_ = r.Close()
		return nil, fmt.Errorf("creating sync engine: %w", err)
	}
	return r, nil
}

// Close releases providers, the conflict store and the state lock.
func (r *replica) Close() error {
	var errs []error
	if err := closeProviders(r.providers); err != nil {
		errs = append(errs, err)
	}
	if r.conflicts != nil {
		if err := r.conflicts.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing conflict store: %w", err))
		}
	}
	if r.snapshot != nil {
		if err := r.snapshot.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing snapshot: %w", err))
		}
	}
	return errors.Join(errs...)
}

// attrFlag collects repeated key=value flags. Values that parse as JSON
// (numbers, booleans, arrays, objects, quoted strings) keep their type;
// anything else is a plain string.
type attrFlag map[string]any

func (a attrFlag) String() string {
	keys := make([]string, 0, len(a))
	for k := range a {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%v", k, a[k])
	}
	return strings.Join(parts, ",")
}

func (a attrFlag) Set(s string) error {
	key, raw, ok := strings.Cut(s, "=")
	if !ok || key == "" {
		return fmt.Errorf("expected key=value, got %q", s)
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		v = raw
	}
	a[key] = v
	return nil
}
