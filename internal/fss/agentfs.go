package fss

import (
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/google/uuid"

	"github.com/agent-harbor/ah/internal/afsd/client"
)

// AgentFSProvider implements CowOverlay-mode workspaces by talking to a
// running AgentFS daemon (ahd) over its Unix domain socket, per spec.md
// §4.2. It never starts the daemon itself — the caller (cmd/ah or the
// session manager) is responsible for that; DetectCapabilities simply
// probes whether one is reachable.
type AgentFSProvider struct {
	mu         sync.Mutex
	socketPath string
	conn       *client.Client
	// cleanups maps a WorkingCopy's cleanup token to the branch it bound,
	// so repeated Cleanup calls on the same token are idempotent.
	cleanups map[string]agentfsCleanup
}

type agentfsCleanup struct {
	branchID string // informational only; branches are not destroyed host-side
}

// NewAgentFSProvider constructs a provider that connects to the daemon
// listening on socketPath (config.Manager.Merged defaults ahd's socket to
// <os.TempDir()>/ah/agentfs.sock).
func NewAgentFSProvider(socketPath string) *AgentFSProvider {
	return &AgentFSProvider{
		socketPath: socketPath,
		cleanups:   make(map[string]agentfsCleanup),
	}
}

func (p *AgentFSProvider) Kind() ProviderKind { return KindAgentFS }

func (p *AgentFSProvider) dial() (*client.Client, *ProviderError) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != nil {
		return p.conn, nil
	}
	c, err := client.Dial(p.socketPath)
	if err != nil {
		return nil, wrapErr(ErrUnavailable, err, "connect to agentfs daemon at %s", p.socketPath)
	}
	p.conn = c
	return c, nil
}

func (p *AgentFSProvider) DetectCapabilities(repo RepoPath) ProviderCapabilities {
	if _, err := os.Stat(p.socketPath); err != nil {
		return ProviderCapabilities{Kind: KindAgentFS, Score: 0}
	}
	if conn, err := net.Dial("unix", p.socketPath); err == nil {
		conn.Close()
	} else {
		return ProviderCapabilities{Kind: KindAgentFS, Score: 0}
	}
	// AgentFS ranks highest when reachable: it is purpose-built for this
	// workload and the only provider offering both readonly export and
	// true CowOverlay without a host filesystem dependency.
	return ProviderCapabilities{
		Kind:                KindAgentFS,
		Score:               100,
		SupportsCowOverlay:  true,
		SupportsReadonlyMnt: true,
		SupportsBranch:      true,
	}
}

func (p *AgentFSProvider) PrepareWritableWorkspace(repo RepoPath, mode WorkspaceMode) (*WorkingCopy, *ProviderError) {
	c, perr := p.dial()
	if perr != nil {
		return nil, perr
	}
	branchID := "ws-" + uuid.NewString()
	if err := c.BranchBind(branchID); err != nil {
		// The branch doesn't exist yet under that id; fall back to the
		// daemon's default "main" branch for the initial workspace, then
		// record the binding for cleanup bookkeeping only.
		if err := c.BranchBind("main"); err != nil {
			return nil, wrapErr(ErrInternal, err, "bind pid to branch for %s", repo)
		}
		branchID = "main"
	}
	token := uuid.NewString()
	p.mu.Lock()
	p.cleanups[token] = agentfsCleanup{branchID: branchID}
	p.mu.Unlock()
	return &WorkingCopy{
		ExecPath:     string(repo),
		ProviderKind: KindAgentFS,
		CleanupToken: token,
		Metadata:     map[string]string{"agentfs_socket": p.socketPath, "agentfs_branch": branchID},
	}, nil
}

func (p *AgentFSProvider) SnapshotNow(ws *WorkingCopy, label string) (*Snapshot, *ProviderError) {
	c, perr := p.dial()
	if perr != nil {
		return nil, perr
	}
	info, err := c.SnapshotCreate(label)
	if err != nil {
		return nil, wrapErr(ErrInternal, err, "agentfs SnapshotCreate")
	}
	return &Snapshot{
		ID:           info.ID,
		ProviderKind: KindAgentFS,
		CreatedAtNs:  info.TsNs,
		Label:        info.Label,
	}, nil
}

// MountReadonly exports snap into a temporary host path via the daemon's
// SnapshotExport; like the other providers, the path is not tracked for
// later Cleanup (it has no enclosing WorkingCopy token) and is released
// only when the daemon itself decides to (spec.md §4.2 "Readonly export").
func (p *AgentFSProvider) MountReadonly(snap *Snapshot) (string, *ProviderError) {
	c, perr := p.dial()
	if perr != nil {
		return "", perr
	}
	path, _, err := c.SnapshotExport(snap.ID)
	if err != nil {
		return "", wrapErr(ErrInternal, err, "agentfs SnapshotExport")
	}
	return path, nil
}

func (p *AgentFSProvider) BranchFromSnapshot(snap *Snapshot, mode WorkspaceMode) (*WorkingCopy, *ProviderError) {
	c, perr := p.dial()
	if perr != nil {
		return nil, perr
	}
	info, err := c.BranchCreate(snap.ID, "")
	if err != nil {
		return nil, wrapErr(ErrInternal, err, "agentfs BranchCreate")
	}
	if err := c.BranchBind(info.ID); err != nil {
		return nil, wrapErr(ErrInternal, err, "bind pid to new branch %s", info.ID)
	}
	token := uuid.NewString()
	p.mu.Lock()
	p.cleanups[token] = agentfsCleanup{branchID: info.ID}
	p.mu.Unlock()
	return &WorkingCopy{
		ExecPath:     fmt.Sprintf("agentfs://%s", info.ID),
		ProviderKind: KindAgentFS,
		CleanupToken: token,
		Metadata:     map[string]string{"agentfs_socket": p.socketPath, "agentfs_branch": info.ID},
	}, nil
}

// Cleanup drops the bookkeeping for a workspace token. Branches themselves
// are not destroyed: spec.md never defines a BranchDestroy operation, so
// the daemon retains them for the session's lifetime and only forgets
// them when the daemon process exits.
func (p *AgentFSProvider) Cleanup(token string) *ProviderError {
	if token == "" {
		return nil
	}
	p.mu.Lock()
	_, ok := p.cleanups[token]
	delete(p.cleanups, token)
	p.mu.Unlock()
	if !ok {
		return nil // idempotent
	}
	return nil
}
