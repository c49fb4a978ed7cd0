package identity

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
)

var idPattern = regexp.MustCompile(`^[a-z0-9-]+-[0-9a-f]{8}-[0-9a-f]{4}-7[0-9a-f]{3}-[0-9a-f]{4}-[0-9a-f]{12}$`)

func TestGenerate_Format(t *testing.T) {
	id, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if !idPattern.MatchString(id) {
		t.Errorf("id %q does not match %s", id, idPattern)
	}
}

func TestResolve_StableWithinRun(t *testing.T) {
	src, err := Resolve(filepath.Join(t.TempDir(), FileName), false)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if src.CurrentReplicaID() != src.CurrentReplicaID() {
		t.Error("CurrentReplicaID changed between calls")
	}
}

func TestResolve_PersistsAcrossRuns(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", FileName)

	first, err := Resolve(path, false)
	if err != nil {
		t.Fatalf("first Resolve: %v", err)
	}
	second, err := Resolve(path, false)
	if err != nil {
		t.Fatalf("second Resolve: %v", err)
	}
	if first.CurrentReplicaID() != second.CurrentReplicaID() {
		t.Errorf("id changed across runs: %q then %q", first.CurrentReplicaID(), second.CurrentReplicaID())
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading id file: %v", err)
	}
	if strings.TrimSpace(string(data)) != first.CurrentReplicaID() {
		t.Errorf("persisted id = %q, want %q", data, first.CurrentReplicaID())
	}
}

func TestResolve_ReusesExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	if err := os.WriteFile(path, []byte("  laptop-fixed  \n"), 0o600); err != nil {
		t.Fatalf("seeding id file: %v", err)
	}
	src, err := Resolve(path, false)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if src.CurrentReplicaID() != "laptop-fixed" {
		t.Errorf("id = %q, want laptop-fixed", src.CurrentReplicaID())
	}
}

func TestResolve_BlankFileRegenerates(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	if err := os.WriteFile(path, []byte("\n"), 0o600); err != nil {
		t.Fatalf("seeding id file: %v", err)
	}
	src, err := Resolve(path, false)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !idPattern.MatchString(src.CurrentReplicaID()) {
		t.Errorf("id %q was not regenerated", src.CurrentReplicaID())
	}
}

func TestResolve_EphemeralDoesNotPersist(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)

	a, err := Resolve(path, true)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	b, err := Resolve(path, true)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if a.CurrentReplicaID() == b.CurrentReplicaID() {
		t.Error("ephemeral ids should differ per resolution")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("ephemeral mode wrote %s", path)
	}
}
