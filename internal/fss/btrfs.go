package fss

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// BtrfsProvider mints subvolume snapshots via `btrfs subvolume snapshot`,
// with quota enforcement surfaced through qgroup limits. CowOverlay is
// native to btrfs, so SupportsCowOverlay is always true once detected.
type BtrfsProvider struct {
	mu     sync.Mutex
	tokens map[string]string // cleanup_token -> subvolume path
}

func NewBtrfsProvider() *BtrfsProvider {
	return &BtrfsProvider{tokens: make(map[string]string)}
}

func (p *BtrfsProvider) Kind() ProviderKind { return KindBtrfs }

func (p *BtrfsProvider) DetectCapabilities(repo RepoPath) ProviderCapabilities {
	if _, err := exec.LookPath("btrfs"); err != nil {
		return ProviderCapabilities{Kind: KindBtrfs, Score: 0}
	}
	out, err := exec.Command("btrfs", "subvolume", "show", string(repo)).CombinedOutput()
	if err != nil || strings.Contains(strings.ToLower(string(out)), "not a subvolume") {
		return ProviderCapabilities{Kind: KindBtrfs, Score: 0}
	}
	return ProviderCapabilities{
		Kind:                KindBtrfs,
		Score:               80,
		SupportsCowOverlay:  true,
		SupportsReadonlyMnt: true,
		SupportsBranch:      true,
	}
}

func classifyBtrfsError(err error, output string) *ProviderError {
	low := strings.ToLower(output)
	switch {
	case strings.Contains(low, "quota") || strings.Contains(low, "limit"):
		return wrapErr(ErrQuotaExceeded, err, "btrfs: %s", output)
	case strings.Contains(low, "permission denied"):
		return wrapErr(ErrDenied, err, "btrfs: %s", output)
	default:
		return wrapErr(ErrInternal, err, "btrfs: %s", output)
	}
}

func (p *BtrfsProvider) PrepareWritableWorkspace(repo RepoPath, mode WorkspaceMode) (*WorkingCopy, *ProviderError) {
	parent := filepath.Join(os.TempDir(), "ah-fss-btrfs")
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return nil, wrapErr(ErrIO, err, "create subvolume parent dir")
	}
	dst := filepath.Join(parent, "ws-"+uuid.NewString()[:8])
	if out, err := exec.Command("btrfs", "subvolume", "snapshot", string(repo), dst).CombinedOutput(); err != nil {
		return nil, classifyBtrfsError(err, string(out))
	}
	token := uuid.NewString()
	p.mu.Lock()
	p.tokens[token] = dst
	p.mu.Unlock()
	return &WorkingCopy{ExecPath: dst, ProviderKind: KindBtrfs, CleanupToken: token}, nil
}

func (p *BtrfsProvider) SnapshotNow(ws *WorkingCopy, label string) (*Snapshot, *ProviderError) {
	parent := filepath.Join(os.TempDir(), "ah-fss-btrfs", "snapshots")
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return nil, wrapErr(ErrIO, err, "create snapshot dir")
	}
	id := uuid.NewString()[:8]
	dst := filepath.Join(parent, id)
	if out, err := exec.Command("btrfs", "subvolume", "snapshot", "-r", ws.ExecPath, dst).CombinedOutput(); err != nil {
		return nil, classifyBtrfsError(err, string(out))
	}
	return &Snapshot{ID: dst, ProviderKind: KindBtrfs, CreatedAtNs: nowNs(), Label: label}, nil
}

func (p *BtrfsProvider) MountReadonly(snap *Snapshot) (string, *ProviderError) {
	// Readonly snapshots already live at snap.ID (created with -r above).
	if _, err := os.Stat(snap.ID); err != nil {
		return "", wrapErr(ErrNotFound, err, "readonly snapshot path missing")
	}
	return snap.ID, nil
}

func (p *BtrfsProvider) BranchFromSnapshot(snap *Snapshot, mode WorkspaceMode) (*WorkingCopy, *ProviderError) {
	parent := filepath.Join(os.TempDir(), "ah-fss-btrfs")
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return nil, wrapErr(ErrIO, err, "create branch parent dir")
	}
	dst := filepath.Join(parent, "branch-"+uuid.NewString()[:8])
	if out, err := exec.Command("btrfs", "subvolume", "snapshot", snap.ID, dst).CombinedOutput(); err != nil {
		return nil, classifyBtrfsError(err, string(out))
	}
	token := uuid.NewString()
	p.mu.Lock()
	p.tokens[token] = dst
	p.mu.Unlock()
	return &WorkingCopy{ExecPath: dst, ProviderKind: KindBtrfs, CleanupToken: token}, nil
}

func (p *BtrfsProvider) Cleanup(token string) *ProviderError {
	if token == "" {
		return nil
	}
	p.mu.Lock()
	path, ok := p.tokens[token]
	delete(p.tokens, token)
	p.mu.Unlock()
	if !ok {
		return nil
	}
	_, _ = exec.Command("btrfs", "subvolume", "delete", path).CombinedOutput()
	return nil
}
