package config

import (
	"path/filepath"
	"testing"
)

func TestMergePrecedence(t *testing.T) {
	dir := t.TempDir()
	userDir := filepath.Join(dir, "user")
	projectDir := filepath.Join(dir, "project", ".ah")

	if err := Save(userDir, Config{SocketPath: "/tmp/user.sock", ScrollbackLines: 5000}); err != nil {
		t.Fatal(err)
	}
	if err := Save(projectDir, Config{SocketPath: "/tmp/project.sock"}); err != nil {
		t.Fatal(err)
	}

	mgr := NewManager()
	if err := mgr.Load(userDir, filepath.Join(dir, "project")); err != nil {
		t.Fatal(err)
	}
	merged := mgr.Merged()

	if merged.SocketPath != "/tmp/project.sock" {
		t.Fatalf("expected project socket path to win, got %q", merged.SocketPath)
	}
	if merged.ScrollbackLines != 5000 {
		t.Fatalf("expected user-level scrollback_lines to carry through, got %d", merged.ScrollbackLines)
	}
}

func TestMergedAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	mgr := NewManager()
	if err := mgr.Load(filepath.Join(dir, "user"), filepath.Join(dir, "project")); err != nil {
		t.Fatal(err)
	}
	merged := mgr.Merged()
	if merged.Backstore != "memory" {
		t.Fatalf("expected default backstore memory, got %q", merged.Backstore)
	}
	if len(merged.ProviderOrder) == 0 {
		t.Fatal("expected default provider order")
	}
	if merged.BrotliQuality == 0 {
		t.Fatal("expected default brotli quality")
	}
}

func TestMissingFilesAreNotErrors(t *testing.T) {
	dir := t.TempDir()
	mgr := NewManager()
	if err := mgr.Load(filepath.Join(dir, "nope"), filepath.Join(dir, "also-nope")); err != nil {
		t.Fatalf("missing config files should not error: %v", err)
	}
}
