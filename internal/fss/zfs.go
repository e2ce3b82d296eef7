package fss

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// ZFSProvider mints sibling dataset clones for Worktree mode and native
// CoW clones for CowOverlay mode, backed by the `zfs` CLI.
type ZFSProvider struct {
	mu     sync.Mutex
	tokens map[string]zfsCleanup
}

type zfsCleanup struct {
	dataset string // zfs dataset to destroy
	mount   string // mountpoint to remove after destroy
}

func NewZFSProvider() *ZFSProvider {
	return &ZFSProvider{tokens: make(map[string]zfsCleanup)}
}

func (p *ZFSProvider) Kind() ProviderKind { return KindZFS }

func (p *ZFSProvider) DetectCapabilities(repo RepoPath) ProviderCapabilities {
	if _, err := exec.LookPath("zfs"); err != nil {
		return ProviderCapabilities{Kind: KindZFS, Score: 0}
	}
	if os.Geteuid() != 0 {
		return ProviderCapabilities{Kind: KindZFS, Score: 0}
	}
	if _, err := p.datasetFor(string(repo)); err != nil {
		return ProviderCapabilities{Kind: KindZFS, Score: 0}
	}
	return ProviderCapabilities{
		Kind:                KindZFS,
		Score:               90,
		SupportsCowOverlay:  true,
		SupportsReadonlyMnt: true,
		SupportsBranch:      true,
	}
}

// datasetFor resolves the ZFS dataset whose mountpoint is a prefix of path.
func (p *ZFSProvider) datasetFor(path string) (string, error) {
	out, err := exec.Command("zfs", "list", "-H", "-o", "name,mountpoint").Output()
	if err != nil {
		return "", err
	}
	var best string
	var bestLen int
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		name, mnt := fields[0], fields[1]
		if mnt == "-" || mnt == "none" {
			continue
		}
		if strings.HasPrefix(path, mnt) && len(mnt) > bestLen {
			best, bestLen = name, len(mnt)
		}
	}
	if best == "" {
		return "", fmt.Errorf("no zfs dataset mounted under %s", path)
	}
	return best, nil
}

func (p *ZFSProvider) PrepareWritableWorkspace(repo RepoPath, mode WorkspaceMode) (*WorkingCopy, *ProviderError) {
	base, err := p.datasetFor(string(repo))
	if err != nil {
		return nil, wrapErr(ErrUnavailable, err, "resolve zfs dataset for %s", repo)
	}
	name := base + "/ah-ws-" + uuid.NewString()[:8]
	if out, err := exec.Command("zfs", "clone", base+"@now", name).CombinedOutput(); err != nil {
		// No existing @now snapshot: take one first, then clone.
		if _, serr := exec.Command("zfs", "snapshot", base+"@now").CombinedOutput(); serr != nil {
			return nil, wrapErr(ErrInternal, serr, "zfs snapshot base dataset")
		}
		if out2, err2 := exec.Command("zfs", "clone", base+"@now", name).CombinedOutput(); err2 != nil {
			return nil, classifyZFSError(err2, string(out2))
		}
	} else {
		_ = out
	}
	mnt, _ := exec.Command("zfs", "get", "-H", "-o", "value", "mountpoint", name).Output()
	mountpoint := strings.TrimSpace(string(mnt))
	token := uuid.NewString()
	p.mu.Lock()
	p.tokens[token] = zfsCleanup{dataset: name, mount: mountpoint}
	p.mu.Unlock()
	return &WorkingCopy{ExecPath: mountpoint, ProviderKind: KindZFS, CleanupToken: token}, nil
}

func classifyZFSError(err error, output string) *ProviderError {
	low := strings.ToLower(output)
	switch {
	case strings.Contains(low, "out of space") || strings.Contains(low, "no space"):
		return wrapErr(ErrQuotaExceeded, err, "zfs: %s", output)
	case strings.Contains(low, "quota"):
		return wrapErr(ErrQuotaExceeded, err, "zfs: %s", output)
	case strings.Contains(low, "permission denied"):
		return wrapErr(ErrDenied, err, "zfs: %s", output)
	default:
		return wrapErr(ErrInternal, err, "zfs: %s", output)
	}
}

func (p *ZFSProvider) SnapshotNow(ws *WorkingCopy, label string) (*Snapshot, *ProviderError) {
	p.mu.Lock()
	cl, ok := p.tokens[ws.CleanupToken]
	p.mu.Unlock()
	if !ok {
		return nil, newErr(ErrNotFound, "unknown workspace token")
	}
	snapName := label
	if snapName == "" {
		snapName = uuid.NewString()[:8]
	}
	full := cl.dataset + "@" + snapName
	if out, err := exec.Command("zfs", "snapshot", full).CombinedOutput(); err != nil {
		return nil, classifyZFSError(err, string(out))
	}
	return &Snapshot{ID: full, ProviderKind: KindZFS, CreatedAtNs: nowNs(), Label: label}, nil
}

func (p *ZFSProvider) MountReadonly(snap *Snapshot) (string, *ProviderError) {
	mnt := filepath.Join(os.TempDir(), "ah-fss-zfs-ro-"+uuid.NewString()[:8])
	if err := os.MkdirAll(mnt, 0o755); err != nil {
		return "", wrapErr(ErrIO, err, "mkdir readonly mount point")
	}
	if out, err := exec.Command("mount", "-t", "zfs", "-o", "ro", snap.ID, mnt).CombinedOutput(); err != nil {
		return "", wrapErr(ErrInternal, err, "mount zfs snapshot readonly: %s", out)
	}
	return mnt, nil
}

func (p *ZFSProvider) BranchFromSnapshot(snap *Snapshot, mode WorkspaceMode) (*WorkingCopy, *ProviderError) {
	name := strings.SplitN(snap.ID, "@", 2)[0] + "/ah-branch-" + uuid.NewString()[:8]
	if out, err := exec.Command("zfs", "clone", snap.ID, name).CombinedOutput(); err != nil {
		return nil, classifyZFSError(err, string(out))
	}
	mnt, _ := exec.Command("zfs", "get", "-H", "-o", "value", "mountpoint", name).Output()
	mountpoint := strings.TrimSpace(string(mnt))
	token := uuid.NewString()
	p.mu.Lock()
	p.tokens[token] = zfsCleanup{dataset: name, mount: mountpoint}
	p.mu.Unlock()
	return &WorkingCopy{ExecPath: mountpoint, ProviderKind: KindZFS, CleanupToken: token}, nil
}

func (p *ZFSProvider) Cleanup(token string) *ProviderError {
	if token == "" {
		return nil
	}
	p.mu.Lock()
	cl, ok := p.tokens[token]
	delete(p.tokens, token)
	p.mu.Unlock()
	if !ok {
		return nil
	}
	_, _ = exec.Command("zfs", "destroy", "-r", cl.dataset).CombinedOutput()
	return nil
}
