package setup

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/njoerd114/statemesh/internal/config"
	"github.com/njoerd114/statemesh/internal/provider"
)

// Wizard guides the user through first-run configuration and installation.
type Wizard struct {
	prompt  *Prompter
	logger  *slog.Logger
	w       io.Writer
	cfgPath string

	// HTTPClient is used to probe relay providers. Defaults to a client with
	// a 10s timeout.
	HTTPClient *http.Client

	// SkipInstall suppresses the daemon install offer.
	SkipInstall bool
}

// NewWizard creates a Wizard that writes its result to cfgPath.
func NewWizard(r io.Reader, w io.Writer, cfgPath string, logger *slog.Logger) *Wizard {
	return &Wizard{
		prompt:     NewPrompter(r, w),
		logger:     logger,
		w:          w,
		cfgPath:    cfgPath,
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
	}
}

var providerChoices = []string{
	"Shared directory (NAS, Syncthing, Dropbox, ...)",
	"Local bbolt database file",
	"Relay server (HTTP)",
	"(done, finish provider list)",
}

// Run executes the interactive setup wizard. It walks the user through the
// state directory, providers, timing, config file creation, and optional
// daemon install.
func (wiz *Wizard) Run(ctx context.Context) error {
	fmt.Fprintf(wiz.w, "\nWelcome to statemesh setup!\n")
	fmt.Fprintf(wiz.w, "This wizard will help you configure and install statemesh.\n\n")

	if _, statErr := os.Stat(wiz.cfgPath); statErr == nil {
		fmt.Fprintf(wiz.w, "  Existing config found at %s\n", wiz.cfgPath)
		if !wiz.prompt.Confirm("Overwrite existing configuration?", false) {
			fmt.Fprintf(wiz.w, "\n  Keeping existing config.\n")
			return wiz.offerDaemonInstall()
		}
		fmt.Fprintf(wiz.w, "\n")
	}

	defaults, err := config.Default()
	if err != nil {
		return err
	}

	// Step 1: local replica.
	fmt.Fprintf(wiz.w, "Step 1/4: Local Replica\n")

	cfg := &config.Config{
		StateDir: wiz.prompt.String("State directory", defaults.StateDir),
	}
	cfg.EphemeralIdentity = wiz.prompt.Confirm("Generate a new replica id on every start?", false)
	fmt.Fprintf(wiz.w, "\n")

	// Step 2: providers.
	fmt.Fprintf(wiz.w, "Step 2/4: Providers\n")

	providers, err := wiz.buildProviders(ctx)
	if err != nil {
		return err
	}
	cfg.Providers = providers

	// Step 3: timing.
	fmt.Fprintf(wiz.w, "Step 3/4: Timing\n")

	cfg.HeartbeatInterval = wiz.prompt.Duration("Full sync interval", defaults.HeartbeatInterval, time.Second, time.Hour)
	debounce := wiz.prompt.Duration("Delay after a local edit (0s syncs immediately)", defaults.EngineDebounce(), 0, time.Minute)
	cfg.Debounce = &debounce
	fmt.Fprintf(wiz.w, "\n")

	// Step 4: write config.
	fmt.Fprintf(wiz.w, "Step 4/4: Save Configuration\n")

	if err := cfg.Write(wiz.cfgPath); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	fmt.Fprintf(wiz.w, "  ✓ Config written to %s\n\n", wiz.cfgPath)

	return wiz.offerDaemonInstall()
}

// buildProviders asks for providers until the user picks "done". Each one is
// probed before it is accepted; a failed probe can still be kept.
func (wiz *Wizard) buildProviders(ctx context.Context) ([]config.ProviderConfig, error) {
	var out []config.ProviderConfig
	names := make(map[string]bool)

	for {
		idx, err := wiz.prompt.Select("Add a provider", providerChoices)
		if err != nil {
			return nil, fmt.Errorf("selecting provider type: %w", err)
		}
		if idx == len(providerChoices)-1 {
			break
		}

		var p config.ProviderConfig
		switch idx {
		case 0:
			p.Type = config.ProviderDir
			p.Path = wiz.prompt.String("Shared directory", "")
		case 1:
			p.Type = config.ProviderBolt
			p.Path = wiz.prompt.String("Database file", "")
		case 2:
			p.Type = config.ProviderRelay
			p.URL = wiz.prompt.String("Relay URL", "http://localhost:8470")
			p.Token = wiz.prompt.Optional("Bearer token")
			p.Watch = wiz.prompt.Confirm("Watch for pushed changes?", true)
		}
		p.Name = wiz.prompt.String("Provider name", p.Type)
		if names[p.Name] {
			fmt.Fprintf(wiz.w, "  ✗ A provider named %q already exists, skipping.\n\n", p.Name)
			continue
		}
		if space := wiz.prompt.String("Space", provider.DefaultSpace); space != provider.DefaultSpace {
			p.Space = space
		}

		fmt.Fprintf(wiz.w, "  Checking %s...", p.Name)
		if err := wiz.probe(ctx, p); err != nil {
			fmt.Fprintf(wiz.w, " ✗\n")
			wiz.logger.Warn("provider probe failed", "provider", p.Name, "error", err)
			fmt.Fprintf(wiz.w, "  %v\n", err)
			if !wiz.prompt.Confirm("Keep this provider anyway?", false) {
				fmt.Fprintf(wiz.w, "\n")
				continue
			}
		} else {
			fmt.Fprintf(wiz.w, " ✓\n")
		}

		names[p.Name] = true
		out = append(out, p)
		fmt.Fprintf(wiz.w, "  ✓ Added %s provider %q\n\n", p.Type, p.Name)
	}

	if len(out) == 0 {
		fmt.Fprintf(wiz.w, "  No providers configured; this replica will stay local-only.\n")
	}
	fmt.Fprintf(wiz.w, "\n")
	return out, nil
}

func (wiz *Wizard) probe(ctx context.Context, p config.ProviderConfig) error {
	switch p.Type {
	case config.ProviderRelay:
		return ProbeRelay(ctx, wiz.HTTPClient, p.URL, p.Token, p.Space)
	case config.ProviderBolt:
		return ProbeDir(filepath.Dir(p.Path))
	default:
		return ProbeDir(p.Path)
	}
}

// offerDaemonInstall asks the user whether to install as a background daemon.
func (wiz *Wizard) offerDaemonInstall() error {
	if wiz.SkipInstall || !wiz.prompt.Confirm("Install as background daemon (starts on login)?", true) {
		fmt.Fprintf(wiz.w, "\n  Skipping daemon install.\n")
		fmt.Fprintf(wiz.w, "  You can run manually with: statemesh daemon\n")
		fmt.Fprintf(wiz.w, "  Or install later with:     statemesh setup\n\n")
		return nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("resolving home directory: %w", err)
	}

	fmt.Fprintf(wiz.w, "\n")

	fmt.Fprintf(wiz.w, "  Installing binary to %s...\n", BinaryInstallPath(homeDir))
	if err := InstallBinary(homeDir); err != nil {
		return fmt.Errorf("installing binary: %w", err)
	}
	fmt.Fprintf(wiz.w, "  ✓ Binary installed\n")

	if err := WriteUnit(homeDir, wiz.cfgPath); err != nil {
		return fmt.Errorf("writing unit: %w", err)
	}
	fmt.Fprintf(wiz.w, "  ✓ systemd unit written to %s\n", UnitPath(homeDir))

	if err := EnableDaemon(); err != nil {
		return fmt.Errorf("enabling daemon: %w", err)
	}
	fmt.Fprintf(wiz.w, "  ✓ Daemon enabled, running now\n")

	fmt.Fprintf(wiz.w, "\nSetup complete! statemesh is syncing in the background.\n")
	fmt.Fprintf(wiz.w, "  Config:  %s\n", wiz.cfgPath)
	fmt.Fprintf(wiz.w, "  Logs:    journalctl --user -u %s\n", UnitName)
	fmt.Fprintf(wiz.w, "  Status:  statemesh status\n")
	fmt.Fprintf(wiz.w, "  Remove:  statemesh uninstall\n\n")

	return nil
}
