// statemesh replicates one keyed document of memories, intents, glyphs and
// devices across several storage providers, merging concurrent edits and
// surfacing conflicting intents for explicit resolution.
//
// Usage:
//
//	statemesh setup                          # interactive first-run wizard
//	statemesh daemon [--config <path>]       # background sync loop
//	statemesh sync-once [--config ...]       # single sync round then exit
//	statemesh status                         # show daemon, config and state
//	statemesh memory add KEY CONTENT         # write a memory record
//	statemesh intent set KEY NAME            # write a new intent version
//	statemesh glyph add KEY --attr k=v ...   # write a glyph
//	statemesh conflicts                      # list pending conflicts
//	statemesh resolve KEY local|remote|merge # settle a conflict
//	statemesh devices                        # list replicas seen by providers
//	statemesh relay [--listen :8470]         # run the relay server
//	statemesh uninstall [--purge]            # stop daemon and remove files
//	statemesh version                        # print version
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/njoerd114/statemesh/internal/config"
	"github.com/njoerd114/statemesh/internal/identity"
	"github.com/njoerd114/statemesh/internal/merge"
	"github.com/njoerd114/statemesh/internal/model"
	"github.com/njoerd114/statemesh/internal/provider/bolt"
	"github.com/njoerd114/statemesh/internal/relay"
	"github.com/njoerd114/statemesh/internal/setup"
	"github.com/njoerd114/statemesh/internal/state"
	syncp "github.com/njoerd114/statemesh/internal/sync"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

func main() {
	if err := run(os.Args[1:]); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

// run dispatches to the appropriate subcommand.
func run(args []string) error {
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "setup":
		return runSetup(rest)
	case "daemon":
		return runSync(rest, true)
	case "sync-once":
		return runSync(rest, false)
	case "status":
		return runStatus(rest)
	case "memory":
		return runSubcommand("memory", rest, map[string]func([]string) error{"add": runMemoryAdd})
	case "intent":
		return runSubcommand("intent", rest, map[string]func([]string) error{"set": runIntentSet})
	case "glyph":
		return runSubcommand("glyph", rest, map[string]func([]string) error{"add": runGlyphAdd})
	case "conflicts":
		return runConflicts(rest)
	case "resolve":
		return runResolve(rest)
	case "devices":
		return runDevices(rest)
	case "relay":
		return runRelay(rest)
	case "uninstall":
		return runUninstall(rest)
	case "version":
		fmt.Println("statemesh", version)
		return nil
	case "help", "-h", "--help":
		printUsage()
		return nil
	}

	return fmt.Errorf("unknown command %q, run 'statemesh help' for usage", cmd)
}

func runSubcommand(group string, args []string, subs map[string]func([]string) error) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: statemesh %s <subcommand>", group)
	}
	fn, ok := subs[args[0]]
	if !ok {
		return fmt.Errorf("unknown subcommand %q for %s", args[0], group)
	}
	return fn(args[1:])
}

// printUsage shows help and suggests setup if no config exists.
func printUsage() {
	cfgPath, _ := config.DefaultPath()
	_, cfgErr := os.Stat(cfgPath)

	fmt.Fprintln(os.Stderr, "statemesh: replicated memories, intents and glyphs")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  statemesh setup                       Interactive first-run wizard")
	fmt.Fprintln(os.Stderr, "  statemesh daemon [--config ...]       Run as continuous daemon")
	fmt.Fprintln(os.Stderr, "  statemesh sync-once [--config ...]    Single sync round then exit")
	fmt.Fprintln(os.Stderr, "  statemesh status                      Show daemon, config and state")
	fmt.Fprintln(os.Stderr, "  statemesh memory add KEY CONTENT      Write a memory record")
	fmt.Fprintln(os.Stderr, "  statemesh intent set KEY NAME         Write a new intent version")
	fmt.Fprintln(os.Stderr, "  statemesh glyph add KEY               Write a glyph (--attr k=v)")
	fmt.Fprintln(os.Stderr, "  statemesh conflicts                   List pending conflicts")
	fmt.Fprintln(os.Stderr, "  statemesh resolve KEY STRATEGY        Settle a conflict (local, remote, merge)")
	fmt.Fprintln(os.Stderr, "  statemesh devices                     List replicas seen by providers")
	fmt.Fprintln(os.Stderr, "  statemesh relay [--listen ...]        Run the relay server")
	fmt.Fprintln(os.Stderr, "  statemesh uninstall [--purge]         Stop daemon and remove files")
	fmt.Fprintln(os.Stderr, "  statemesh version                     Print version")
	fmt.Fprintln(os.Stderr, "")

	if cfgErr != nil {
		fmt.Fprintln(os.Stderr, "No config file found. Run 'statemesh setup' to get started.")
	}
}

// globalFlags are accepted by every command that touches the replica.
type globalFlags struct {
	cfgPath string
	verbose bool
}

func newFlagSet(name string) (*flag.FlagSet, *globalFlags) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	g := &globalFlags{}
	defaultCfg, _ := config.DefaultPath()
	fs.StringVar(&g.cfgPath, "config", defaultCfg, "path to config.yaml")
	fs.BoolVar(&g.verbose, "verbose", false, "enable debug logging")
	return fs, g
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
}

// withReplica loads the config, opens the replica and hands its engine to fn.
func withReplica(g *globalFlags, fn func(ctx context.Context, r *replica, logger *slog.Logger) error) error {
	logger := newLogger(g.verbose)

	cfg, err := loadConfig(g.cfgPath, logger)
	if err != nil {
		return err
	}

	r, err := openReplica(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := r.Close(); closeErr != nil {
			logger.Error("closing replica", "error", closeErr)
		}
	}()

	ctx, stop := signalContext()
	defer stop()

	return fn(ctx, r, logger)
}

// --- Subcommands -------------------------------------------------------------

// runSetup launches the interactive setup wizard.
func runSetup(args []string) error {
	fs, g := newFlagSet("setup")
	if err := fs.Parse(args); err != nil {
		return err
	}

	level := slog.LevelWarn
	if g.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signalContext()
	defer stop()

	wiz := setup.NewWizard(os.Stdin, os.Stdout, g.cfgPath, logger)
	return wiz.Run(ctx)
}

// runSync handles both "daemon" and "sync-once".
func runSync(args []string, daemon bool) error {
	fs, g := newFlagSet("sync")
	if err := fs.Parse(args); err != nil {
		return err
	}

	logger := newLogger(g.verbose)
	cfg, err := loadConfig(g.cfgPath, logger)
	if err != nil {
		return err
	}
	logger.Info("config loaded",
		"state_dir", cfg.StateDir,
		"providers", len(cfg.Providers),
		"heartbeat", cfg.HeartbeatInterval,
	)

	r, err := openReplica(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := r.Close(); closeErr != nil {
			logger.Error("closing replica", "error", closeErr)
		}
	}()

	shutdownTel := setupTelemetry(cfg, r.engine.ReplicaID(), logger)
	defer shutdownTel()

	ctx, stop := signalContext()
	defer stop()

	if !daemon {
		logger.Info("running single sync round")
		res := r.engine.SyncAll(ctx)
		printProviderStates(r.engine)
		fmt.Printf("\n%d of %d provider(s) synced\n", res.Successful, res.Total)
		if res.Total > 0 && res.Successful == 0 {
			return errors.New("no provider could be synced")
		}
		return nil
	}

	cancel := r.engine.Subscribe(func(ev syncp.Event) {
		switch ev.Type {
		case syncp.EventConflictDetected:
			logger.Warn("conflict detected, resolve with 'statemesh resolve'", "domain", ev.Domain, "key", ev.Key)
		case syncp.EventMemorySynced:
			logger.Debug("memory synced", "key", ev.Key)
		case syncp.EventSyncComplete:
			logger.Debug("sync round complete", "successful", ev.Successful, "total", ev.Total)
		}
	})
	defer cancel()

	if err := r.engine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("sync engine: %w", err)
	}
	logger.Info("shutdown complete")
	return nil
}

// runStatus prints the daemon, configuration and local state. It never takes
// the state directory lock, so it works while the daemon runs.
func runStatus(args []string) error {
	fs, g := newFlagSet("status")
	if err := fs.Parse(args); err != nil {
		return err
	}
	homeDir, _ := os.UserHomeDir()

	fmt.Println("statemesh status")
	fmt.Println("────────────────")

	if setup.IsDaemonActive() {
		fmt.Println("  Daemon:     running (systemd)")
	} else {
		fmt.Println("  Daemon:     not running")
	}

	cfg, loadErr := config.Load(g.cfgPath)
	switch {
	case loadErr == nil:
		fmt.Printf("  Config:     %s ✓\n", g.cfgPath)
	case errors.Is(loadErr, os.ErrNotExist):
		fmt.Printf("  Config:     not found (%s)\n", g.cfgPath)
	default:
		fmt.Printf("  Config:     %s (invalid: %v)\n", g.cfgPath, loadErr)
	}
	if cfg == nil {
		var err error
		if cfg, err = config.Default(); err != nil {
			return err
		}
	}

	fmt.Printf("  Heartbeat:  %s\n", cfg.HeartbeatInterval)
	fmt.Printf("  Providers:  %d\n", len(cfg.Providers))
	for _, p := range cfg.Providers {
		target := p.Path
		if p.Type == config.ProviderRelay {
			target = p.URL
		}
		fmt.Printf("    • %s (%s) %s\n", p.Name, p.Type, target)
	}

	if data, err := os.ReadFile(filepath.Join(cfg.StateDir, identity.FileName)); err == nil {
		fmt.Printf("  Replica:    %s\n", strings.TrimSpace(string(data)))
	}

	snapPath := filepath.Join(cfg.StateDir, state.SnapshotFileName)
	if info, err := os.Stat(snapPath); err == nil {
		fmt.Printf("  Snapshot:   %s (%s)\n", snapPath, humanSize(info.Size()))
		if snap, err := state.ReadSnapshot(snapPath); err == nil {
			c := snap.Counts()
			fmt.Printf("  Records:    %d memories, %d intents, %d glyphs, %d devices\n",
				c.Memories, c.Intents, c.Glyphs, c.Devices)
			if !snap.SavedAt.IsZero() {
				fmt.Printf("  Saved at:   %s\n", snap.SavedAt.Local().Format(time.RFC1123))
			}
		} else {
			fmt.Printf("  Records:    unreadable (%v)\n", err)
		}
	} else {
		fmt.Printf("  Snapshot:   not found\n")
	}

	conflictsPath := filepath.Join(cfg.StateDir, state.ConflictsFileName)
	if _, err := os.Stat(conflictsPath); err == nil {
		if cs, err := state.OpenConflictStore(conflictsPath); err == nil {
			if n, err := cs.Count(context.Background()); err == nil {
				fmt.Printf("  Conflicts:  %d pending\n", n)
			}
			_ = cs.Close()
		}
	}

	if _, err := os.Stat(setup.UnitPath(homeDir)); err == nil {
		fmt.Printf("  Unit:       %s\n", setup.UnitPath(homeDir))
	} else {
		fmt.Printf("  Unit:       not installed\n")
	}
	fmt.Printf("  Logs:       journalctl --user -u %s\n", setup.UnitName)

	return nil
}

// runMemoryAdd writes a memory record and pushes it to every provider.
func runMemoryAdd(args []string) error {
	fs, g := newFlagSet("memory add")
	kind := fs.String("kind", "", "memory kind")
	extra := attrFlag{}
	fs.Var(extra, "extra", "extra key=value field (repeatable)")
	noSync := fs.Bool("no-sync", false, "only write locally")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 2 {
		return errors.New("usage: statemesh memory add [flags] KEY CONTENT")
	}
	key, content := fs.Arg(0), fs.Arg(1)

	return withReplica(g, func(ctx context.Context, r *replica, logger *slog.Logger) error {
		rec, err := r.engine.AddMemory(ctx, key, syncp.MemoryInput{Content: content, Kind: *kind, Extra: extra})
		if err != nil {
			return err
		}
		fmt.Printf("✓ memory %q saved at %s\n", key, rec.Timestamp.Format(time.RFC3339))
		return pushAfterWrite(ctx, r, *noSync)
	})
}

// runIntentSet writes the next version of an intent.
func runIntentSet(args []string) error {
	fs, g := newFlagSet("intent set")
	description := fs.String("description", "", "intent description")
	attrs := attrFlag{}
	fs.Var(attrs, "attr", "attribute key=value (repeatable)")
	noSync := fs.Bool("no-sync", false, "only write locally")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 2 {
		return errors.New("usage: statemesh intent set [flags] KEY NAME")
	}
	key, name := fs.Arg(0), fs.Arg(1)

	return withReplica(g, func(ctx context.Context, r *replica, logger *slog.Logger) error {
		rec, err := r.engine.UpdateIntent(ctx, key, syncp.IntentInput{Name: name, Description: *description, Attributes: attrs})
		if err != nil {
			return err
		}
		fmt.Printf("✓ intent %q is now at version %d (%s)\n", key, rec.Version, rec.ContentHash[:12])
		return pushAfterWrite(ctx, r, *noSync)
	})
}

// runGlyphAdd writes a glyph.
func runGlyphAdd(args []string) error {
	fs, g := newFlagSet("glyph add")
	attrs := attrFlag{}
	fs.Var(attrs, "attr", "attribute key=value (repeatable)")
	noSync := fs.Bool("no-sync", false, "only write locally")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: statemesh glyph add [--attr k=v ...] KEY")
	}
	key := fs.Arg(0)

	return withReplica(g, func(ctx context.Context, r *replica, logger *slog.Logger) error {
		if _, err := r.engine.AddGlyph(ctx, key, attrs); err != nil {
			return err
		}
		fmt.Printf("✓ glyph %q saved with %d attribute(s)\n", key, len(attrs))
		return pushAfterWrite(ctx, r, *noSync)
	})
}

// pushAfterWrite runs one sync round so a CLI edit reaches the providers
// before the process exits.
func pushAfterWrite(ctx context.Context, r *replica, skip bool) error {
	if skip {
		return nil
	}
	res := r.engine.SyncAll(ctx)
	fmt.Printf("  pushed to %d of %d provider(s)\n", res.Successful, res.Total)
	return nil
}

// runConflicts lists pending conflicts. Like status, it reads the conflict
// database without taking the state directory lock.
func runConflicts(args []string) error {
	fs, g := newFlagSet("conflicts")
	if err := fs.Parse(args); err != nil {
		return err
	}
	logger := newLogger(g.verbose)
	cfg, err := loadConfig(g.cfgPath, logger)
	if err != nil {
		return err
	}

	cs, err := state.OpenConflictStore(filepath.Join(cfg.StateDir, state.ConflictsFileName))
	if err != nil {
		return fmt.Errorf("opening conflict store: %w", err)
	}
	defer cs.Close()

	conflicts, err := cs.List(context.Background())
	if err != nil {
		return fmt.Errorf("listing conflicts: %w", err)
	}
	if len(conflicts) == 0 {
		fmt.Println("No pending conflicts.")
		return nil
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tVERSION\tLOCAL\tREMOTE\tREMOTE ORIGIN\tDETECTED")
	for _, c := range conflicts {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%s\n",
			c.Key, c.Local.Version, describeIntent(c.Local), describeIntent(c.Remote),
			c.Remote.OriginReplica, c.DetectedAt.Local().Format(time.DateTime))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Println("\nResolve with: statemesh resolve KEY local|remote|merge")
	return nil
}

func describeIntent(r model.IntentRecord) string {
	if len(r.ContentHash) >= 8 {
		return fmt.Sprintf("%s (%s)", r.Name, r.ContentHash[:8])
	}
	return r.Name
}

// runResolve settles one pending conflict.
func runResolve(args []string) error {
	fs, g := newFlagSet("resolve")
	domain := fs.String("domain", model.DomainIntent, "conflict domain")
	noSync := fs.Bool("no-sync", false, "only write locally")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 2 {
		return errors.New("usage: statemesh resolve [flags] KEY local|remote|merge")
	}
	key := fs.Arg(0)
	strategy, err := merge.ParseStrategy(fs.Arg(1))
	if err != nil {
		return err
	}

	return withReplica(g, func(ctx context.Context, r *replica, logger *slog.Logger) error {
		conflicts, err := r.engine.Conflicts(ctx)
		if err != nil {
			return err
		}
		for _, c := range conflicts {
			if c.Domain != *domain || c.Key != key {
				continue
			}
			if err := r.engine.ResolveConflict(ctx, c, strategy); err != nil {
				return err
			}
			rec := r.engine.Snapshot().Intents[key]
			fmt.Printf("✓ %s resolved with %s, now at version %d\n", c.ID(), strategy, rec.Version)
			return pushAfterWrite(ctx, r, *noSync)
		}
		fmt.Printf("No pending conflict for %s/%s.\n", *domain, key)
		return nil
	})
}

// runDevices lists the other replicas recorded by every provider.
func runDevices(args []string) error {
	fs, g := newFlagSet("devices")
	if err := fs.Parse(args); err != nil {
		return err
	}

	return withReplica(g, func(ctx context.Context, r *replica, logger *slog.Logger) error {
		devices := r.engine.DiscoverDevices(ctx)
		fmt.Printf("This replica: %s\n\n", r.engine.ReplicaID())
		if len(devices) == 0 {
			fmt.Println("No other devices found.")
			return nil
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "REPLICA\tLAST SEEN\tVIA")
		for _, d := range devices {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", d.ReplicaID, d.LastSeenAt.Local().Format(time.DateTime), d.ViaProvider)
		}
		return tw.Flush()
	})
}

// runRelay serves the relay API until interrupted.
func runRelay(args []string) error {
	fs, g := newFlagSet("relay")
	listen := fs.String("listen", "", "listen address (overrides relay.listen)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	logger := newLogger(g.verbose)
	cfg, err := loadConfig(g.cfgPath, logger)
	if err != nil {
		return err
	}
	settings := cfg.RelaySettings()
	if *listen != "" {
		settings.Listen = *listen
	}

	shutdownTel := setupTelemetry(cfg, "relay", logger)
	defer shutdownTel()

	if err := os.MkdirAll(filepath.Dir(settings.StorePath), 0o700); err != nil {
		return fmt.Errorf("creating relay store directory: %w", err)
	}
	store, err := bolt.Open(settings.StorePath)
	if err != nil {
		return fmt.Errorf("opening relay store: %w", err)
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			logger.Error("closing relay store", "error", closeErr)
		}
	}()

	srv, err := relay.NewServer(relay.Options{
		Store:      store,
		Token:      settings.Token,
		PollWindow: settings.PollWindow,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	if settings.Token == "" {
		logger.Warn("relay running without a token, every client is accepted")
	}

	httpSrv := &http.Server{
		Addr:              settings.Listen,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signalContext()
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("relay listening", "addr", settings.Listen, "store", settings.StorePath)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("relay server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("relay shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("relay shutdown: %w", err)
	}
	return nil
}

// runUninstall stops the daemon and removes installed files.
func runUninstall(args []string) error {
	fs, g := newFlagSet("uninstall")
	purge := fs.Bool("purge", false, "also remove config, state and replica id")
	if err := fs.Parse(args); err != nil {
		return err
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("resolving home directory: %w", err)
	}

	fmt.Println("Uninstalling statemesh...")

	if setup.IsDaemonActive() {
		fmt.Println("  Stopping daemon...")
	}
	if err := setup.DisableDaemon(homeDir); err != nil {
		fmt.Printf("  ⚠ %v\n", err)
	} else {
		fmt.Println("  ✓ Daemon disabled")
	}

	if err := setup.RemoveUnit(homeDir); err != nil {
		fmt.Printf("  ⚠ %v\n", err)
	} else {
		fmt.Println("  ✓ Unit removed")
	}

	fmt.Println("  Removing binary...")
	if err := setup.RemoveBinary(homeDir); err != nil {
		fmt.Printf("  ⚠ %v\n", err)
	} else {
		fmt.Println("  ✓ Binary removed")
	}

	if *purge {
		stateDir := ""
		if cfg, err := config.Load(g.cfgPath); err == nil {
			stateDir = cfg.StateDir
		} else if cfg, err := config.Default(); err == nil {
			stateDir = cfg.StateDir
		}
		fmt.Println("  Purging config and state...")
		if err := setup.PurgeUserData(homeDir, stateDir); err != nil {
			fmt.Printf("  ⚠ %v\n", err)
		} else {
			fmt.Println("  ✓ User data purged")
		}
	} else {
		fmt.Println("")
		fmt.Println("  Config and state preserved.")
		fmt.Println("  Run with --purge to also remove them:")
		fmt.Println("    statemesh uninstall --purge")
	}

	fmt.Println("")
	fmt.Println("✓ statemesh uninstalled.")
	return nil
}

func printProviderStates(e *syncp.Engine) {
	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PROVIDER\tSTATE\tLAST SUCCESS\tFAILURES\tLAST ERROR")
	for _, s := range e.ProviderStates() {
		last := "never"
		if !s.LastSuccess.IsZero() {
			last = s.LastSuccess.Local().Format(time.TimeOnly)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", s.Name, s.State, last, s.Failures, s.LastError)
	}
	_ = tw.Flush()
}

// humanSize returns a human-readable file size string.
func humanSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
