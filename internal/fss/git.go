package fss

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/agent-harbor/ah/internal/logger"
)

// GitProvider implements Worktree-mode workspaces via `git worktree add`,
// snapshots via detached tags, and branches via another worktree checkout
// of that tag. CowOverlay is unsupported.
type GitProvider struct {
	mu        sync.Mutex
	tokens    map[string]gitCleanup // cleanup_token -> what to reverse
	snapRepos map[string]string     // snapshot tag -> originating repo
}

type gitCleanup struct {
	repo     string
	worktree string // non-empty: `git worktree remove` this path
}

// NewGitProvider constructs a GitProvider.
func NewGitProvider() *GitProvider {
	return &GitProvider{
		tokens:    make(map[string]gitCleanup),
		snapRepos: make(map[string]string),
	}
}

func (p *GitProvider) Kind() ProviderKind { return KindGit }

func (p *GitProvider) DetectCapabilities(repo RepoPath) ProviderCapabilities {
	if _, err := os.Stat(filepath.Join(string(repo), ".git")); err != nil {
		return ProviderCapabilities{Kind: KindGit, Score: 0}
	}
	if _, err := exec.LookPath("git"); err != nil {
		return ProviderCapabilities{Kind: KindGit, Score: 0}
	}
	return ProviderCapabilities{
		Kind:                KindGit,
		Score:               50,
		SupportsCowOverlay:  false,
		SupportsReadonlyMnt: true,
		SupportsBranch:      true,
	}
}

func (p *GitProvider) runGit(repo string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = repo
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return strings.TrimSpace(string(out)), nil
}

func (p *GitProvider) PrepareWritableWorkspace(repo RepoPath, mode WorkspaceMode) (*WorkingCopy, *ProviderError) {
	if mode == CowOverlay {
		return nil, newErr(ErrNotSupported, "git provider does not support cow-overlay mode")
	}
	if _, err := os.Stat(string(repo)); err != nil {
		return nil, wrapErr(ErrNotFound, err, "repo %s does not exist", repo)
	}
	parent := filepath.Join(os.TempDir(), "ah-fss-git")
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return nil, wrapErr(ErrIO, err, "create worktree parent dir")
	}
	wt := filepath.Join(parent, "ws-"+uuid.NewString())
	if mode == InPlace {
		return &WorkingCopy{ExecPath: string(repo), ProviderKind: KindGit, CleanupToken: ""}, nil
	}
	if _, err := p.runGit(string(repo), "worktree", "add", "--detach", wt, "HEAD"); err != nil {
		return nil, wrapErr(ErrInternal, err, "git worktree add failed")
	}
	token := uuid.NewString()
	p.mu.Lock()
	p.tokens[token] = gitCleanup{repo: string(repo), worktree: wt}
	p.mu.Unlock()
	return &WorkingCopy{
		ExecPath:     wt,
		ProviderKind: KindGit,
		CleanupToken: token,
	}, nil
}

func (p *GitProvider) SnapshotNow(ws *WorkingCopy, label string) (*Snapshot, *ProviderError) {
	p.mu.Lock()
	cl, ok := p.tokens[ws.CleanupToken]
	p.mu.Unlock()
	repo := ws.ExecPath
	if ok {
		repo = cl.repo
	}
	tagName := "ah-snap-" + uuid.NewString()
	// Stage everything in the worktree and commit it so the tag captures
	// uncommitted changes too; the tag then points at that commit.
	if _, err := p.runGit(ws.ExecPath, "add", "-A"); err != nil {
		return nil, wrapErr(ErrInternal, err, "git add -A in worktree")
	}
	if _, err := p.runGit(ws.ExecPath, "commit", "--allow-empty", "-m", "ah snapshot "+label); err != nil {
		return nil, wrapErr(ErrInternal, err, "git commit snapshot")
	}
	head, err := p.runGit(ws.ExecPath, "rev-parse", "HEAD")
	if err != nil {
		return nil, wrapErr(ErrInternal, err, "resolve HEAD after snapshot commit")
	}
	if _, err := p.runGit(repo, "tag", tagName, head); err != nil {
		return nil, wrapErr(ErrInternal, err, "git tag snapshot")
	}
	p.mu.Lock()
	p.snapRepos[tagName] = repo
	p.mu.Unlock()
	return &Snapshot{
		ID:           tagName,
		ProviderKind: KindGit,
		CreatedAtNs:  nowNs(),
		Label:        label,
	}, nil
}

func (p *GitProvider) MountReadonly(snap *Snapshot) (string, *ProviderError) {
	// Git has no native readonly bind-mount; materialize a throwaway
	// worktree checkout at the tag and treat it as the readonly view. The
	// caller is responsible for treating it as readonly by convention.
	p.mu.Lock()
	repo := p.snapRepos[snap.ID]
	p.mu.Unlock()
	if repo == "" {
		return "", newErr(ErrNotFound, "no known repo for snapshot %s", snap.ID)
	}
	parent := filepath.Join(os.TempDir(), "ah-fss-git")
	dst := filepath.Join(parent, "ro-"+uuid.NewString())
	if _, err := p.runGit(repo, "worktree", "add", "--detach", dst, snap.ID); err != nil {
		return "", wrapErr(ErrInternal, err, "git worktree add for readonly mount")
	}
	return dst, nil
}

func (p *GitProvider) BranchFromSnapshot(snap *Snapshot, mode WorkspaceMode) (*WorkingCopy, *ProviderError) {
	p.mu.Lock()
	repo := p.snapRepos[snap.ID]
	p.mu.Unlock()
	if repo == "" {
		return nil, newErr(ErrNotFound, "no known repo for snapshot %s", snap.ID)
	}
	parent := filepath.Join(os.TempDir(), "ah-fss-git")
	wt := filepath.Join(parent, "branch-"+uuid.NewString())
	if _, err := p.runGit(repo, "worktree", "add", "--detach", wt, snap.ID); err != nil {
		return nil, wrapErr(ErrInternal, err, "git worktree add for branch")
	}
	token := uuid.NewString()
	p.mu.Lock()
	p.tokens[token] = gitCleanup{repo: repo, worktree: wt}
	p.mu.Unlock()
	return &WorkingCopy{ExecPath: wt, ProviderKind: KindGit, CleanupToken: token}, nil
}

func (p *GitProvider) Cleanup(token string) *ProviderError {
	if token == "" {
		return nil
	}
	p.mu.Lock()
	cl, ok := p.tokens[token]
	p.mu.Unlock()
	if !ok {
		return nil // idempotent: already cleaned or never valid
	}
	if cl.worktree != "" {
		if _, err := p.runGit(cl.repo, "worktree", "remove", "--force", cl.worktree); err != nil {
			// Log-and-continue per spec §4.1 failure semantics: cleanup
			// errors must not abort cleanup of other resources.
			logger.Warn("fss: git worktree remove failed", "worktree", cl.worktree, "error", err)
		}
	}
	if _, err := p.runGit(cl.repo, "worktree", "prune"); err != nil {
		_ = err
	}
	p.mu.Lock()
	delete(p.tokens, token)
	p.mu.Unlock()
	return nil
}
