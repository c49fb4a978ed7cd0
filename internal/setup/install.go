package setup

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/natefinch/atomic"

	"github.com/njoerd114/statemesh/internal/identity"
	"github.com/njoerd114/statemesh/internal/state"
)

//go:embed statemesh.service.tmpl
var unitTemplateStr string

const (
	// BinaryName is the name of the installed binary.
	BinaryName = "statemesh"

	// UnitName is the systemd user unit that runs the daemon.
	UnitName = "statemesh.service"
)

// unitData holds template values for the systemd unit.
type unitData struct {
	BinaryPath string
	ConfigPath string
	HomeDir    string
}

// BinaryInstallPath returns the full path to the installed binary,
// ~/.local/bin/statemesh.
func BinaryInstallPath(homeDir string) string {
	return filepath.Join(homeDir, ".local", "bin", BinaryName)
}

// UnitPath returns the systemd user unit destination path.
func UnitPath(homeDir string) string {
	return filepath.Join(homeDir, ".config", "systemd", "user", UnitName)
}

// InstallBinary copies the currently-running binary to ~/.local/bin.
func InstallBinary(homeDir string) error {
	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolving current executable path: %w", err)
	}

	// Resolve symlinks so we copy the actual binary.
	self, err = filepath.EvalSymlinks(self)
	if err != nil {
		return fmt.Errorf("resolving executable symlinks: %w", err)
	}

	dest := BinaryInstallPath(homeDir)
	if self == dest {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Dir(dest), err)
	}
	return copyFile(self, dest, 0o755)
}

// RenderUnit renders the systemd unit for the given binary and config paths.
func RenderUnit(homeDir, binaryPath, configPath string) ([]byte, error) {
	tmpl, err := template.New("unit").Parse(unitTemplateStr)
	if err != nil {
		return nil, fmt.Errorf("parsing unit template: %w", err)
	}

	var buf bytes.Buffer
	err = tmpl.Execute(&buf, unitData{
		BinaryPath: binaryPath,
		ConfigPath: configPath,
		HomeDir:    homeDir,
	})
	if err != nil {
		return nil, fmt.Errorf("executing unit template: %w", err)
	}
	return buf.Bytes(), nil
}

// WriteUnit renders the unit and writes it to ~/.config/systemd/user/.
func WriteUnit(homeDir, configPath string) error {
	data, err := RenderUnit(homeDir, BinaryInstallPath(homeDir), configPath)
	if err != nil {
		return err
	}

	dest := UnitPath(homeDir)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("creating systemd user directory: %w", err)
	}
	if err := atomic.WriteFile(dest, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("writing unit to %s: %w", dest, err)
	}
	return nil
}

// EnableDaemon reloads systemd and starts the unit now and on every login.
func EnableDaemon() error {
	if err := systemctl("daemon-reload"); err != nil {
		return err
	}
	return systemctl("enable", "--now", UnitName)
}

// DisableDaemon stops the unit and removes it from login start-up.
func DisableDaemon(homeDir string) error {
	if _, err := os.Stat(UnitPath(homeDir)); os.IsNotExist(err) {
		return nil // nothing to disable
	}
	return systemctl("disable", "--now", UnitName)
}

// IsDaemonActive reports whether the unit is currently running.
func IsDaemonActive() bool {
	return exec.Command("systemctl", "--user", "is-active", "--quiet", UnitName).Run() == nil
}

// RemoveUnit deletes the unit file.
func RemoveUnit(homeDir string) error {
	path := UnitPath(homeDir)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing unit %s: %w", path, err)
	}
	return nil
}

// RemoveBinary deletes the installed binary.
func RemoveBinary(homeDir string) error {
	path := BinaryInstallPath(homeDir)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing %s: %w", path, err)
	}
	return nil
}

// stateFiles lists what statemesh itself creates inside a state directory.
var stateFiles = []string{
	state.SnapshotFileName,
	state.SnapshotFileName + ".lock",
	state.ConflictsFileName,
	state.ConflictsFileName + "-wal",
	state.ConflictsFileName + "-shm",
	state.ConflictsFileName + "-journal",
	identity.FileName,
	"relay.db",
}

// PurgeUserData removes the config directory and the statemesh files inside
// stateDir. stateDir itself is removed only when nothing else is left in it,
// since it may be a directory the user also keeps other files in.
func PurgeUserData(homeDir, stateDir string) error {
	cfgDir := filepath.Join(homeDir, ".config", BinaryName)
	if err := os.RemoveAll(cfgDir); err != nil {
		return fmt.Errorf("removing %s: %w", cfgDir, err)
	}
	if stateDir == "" {
		return nil
	}

	for _, name := range stateFiles {
		path := filepath.Join(stateDir, name)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing %s: %w", path, err)
		}
	}

	left, err := os.ReadDir(stateDir)
	switch {
	case os.IsNotExist(err):
		return nil
	case err != nil:
		return fmt.Errorf("reading %s: %w", stateDir, err)
	case len(left) > 0:
		return nil
	}
	if err := os.Remove(stateDir); err != nil {
		return fmt.Errorf("removing %s: %w", stateDir, err)
	}
	return nil
}

// --- helpers -----------------------------------------------------------------

func systemctl(args ...string) error {
	//nolint:gosec // fixed arguments
	cmd := exec.Command("systemctl", append([]string{"--user"}, args...)...)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("systemctl %s: %s: %w", strings.Join(args, " "), strings.TrimSpace(string(output)), err)
	}
	return nil
}

// copyFile copies src to dst with the given permissions.
func copyFile(src, dst string, perm os.FileMode) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("reading %s: %w", src, err)
	}
	if err := os.WriteFile(dst, data, perm); err != nil {
		return fmt.Errorf("writing %s: %w", dst, err)
	}
	return nil
}
