package fss

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
}

func initRepo(t *testing.T, dir string) {
	t.Helper()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=ah-test", "GIT_AUTHOR_EMAIL=ah-test@example.com",
			"GIT_COMMITTER_NAME=ah-test", "GIT_COMMITTER_EMAIL=ah-test@example.com")
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v: %s", args, err, out)
		}
	}
	run("init")
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	run("add", "-A")
	run("commit", "-m", "initial")
}

// TestGitProviderWorktreeSnapshotBranchCleanup covers S1: prepare a writable
// worktree, snapshot it, branch from the snapshot, then clean up both.
func TestGitProviderWorktreeSnapshotBranchCleanup(t *testing.T) {
	requireGit(t)
	repo := t.TempDir()
	initRepo(t, repo)

	p := NewGitProvider()
	caps := p.DetectCapabilities(RepoPath(repo))
	if caps.Score == 0 {
		t.Fatal("expected git provider to detect the repo")
	}
	if caps.SupportsCowOverlay {
		t.Error("git provider must not claim cow-overlay support")
	}

	ws, perr := p.PrepareWritableWorkspace(RepoPath(repo), Worktree)
	if perr != nil {
		t.Fatalf("PrepareWritableWorkspace: %v", perr)
	}
	if ws.CleanupToken == "" {
		t.Fatal("expected a non-empty cleanup token for a worktree workspace")
	}
	if _, err := os.Stat(ws.ExecPath); err != nil {
		t.Fatalf("expected worktree path to exist: %v", err)
	}

	snap, perr := p.SnapshotNow(ws, "checkpoint-1")
	if perr != nil {
		t.Fatalf("SnapshotNow: %v", perr)
	}
	if snap.Label != "checkpoint-1" {
		t.Errorf("expected label to round-trip, got %q", snap.Label)
	}

	branch, perr := p.BranchFromSnapshot(snap, Worktree)
	if perr != nil {
		t.Fatalf("BranchFromSnapshot: %v", perr)
	}
	if _, err := os.Stat(branch.ExecPath); err != nil {
		t.Fatalf("expected branched worktree path to exist: %v", err)
	}

	if perr := p.Cleanup(ws.CleanupToken); perr != nil {
		t.Fatalf("Cleanup(ws): %v", perr)
	}
	if perr := p.Cleanup(branch.CleanupToken); perr != nil {
		t.Fatalf("Cleanup(branch): %v", perr)
	}
	// Cleanup is idempotent: a second call on an already-cleaned token is a no-op.
	if perr := p.Cleanup(ws.CleanupToken); perr != nil {
		t.Fatalf("Cleanup(ws) second call should be a no-op, got: %v", perr)
	}
	if perr := p.Cleanup(""); perr != nil {
		t.Fatalf("Cleanup(\"\") should be a no-op, got: %v", perr)
	}
}

func TestGitProviderInPlaceModeSkipsWorktree(t *testing.T) {
	requireGit(t)
	repo := t.TempDir()
	initRepo(t, repo)

	p := NewGitProvider()
	ws, perr := p.PrepareWritableWorkspace(RepoPath(repo), InPlace)
	if perr != nil {
		t.Fatalf("PrepareWritableWorkspace(InPlace): %v", perr)
	}
	if ws.ExecPath != repo {
		t.Errorf("expected in-place workspace to reuse repo path, got %q", ws.ExecPath)
	}
	if ws.CleanupToken != "" {
		t.Error("expected in-place workspace to carry no cleanup token")
	}
}

func TestGitProviderRejectsCowOverlay(t *testing.T) {
	requireGit(t)
	repo := t.TempDir()
	initRepo(t, repo)

	p := NewGitProvider()
	if _, perr := p.PrepareWritableWorkspace(RepoPath(repo), CowOverlay); perr == nil {
		t.Fatal("expected an error requesting cow-overlay from the git provider")
	} else if perr.Kind != ErrNotSupported {
		t.Errorf("expected ErrNotSupported, got %v", perr.Kind)
	}
}

func TestGitProviderDetectCapabilitiesRejectsNonRepo(t *testing.T) {
	requireGit(t)
	dir := t.TempDir()
	p := NewGitProvider()
	caps := p.DetectCapabilities(RepoPath(dir))
	if caps.Score != 0 {
		t.Error("expected score 0 for a directory with no .git")
	}
}
