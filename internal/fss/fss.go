// Package fss provides the filesystem snapshot provider abstraction: a
// pluggable layer that mints isolated, writable workspaces over a host
// repository via copy-on-write snapshots.
package fss

import (
	"fmt"
	"time"
)

// ProviderKind identifies a concrete provider implementation.
type ProviderKind string

const (
	KindGit     ProviderKind = "git"
	KindZFS     ProviderKind = "zfs"
	KindBtrfs   ProviderKind = "btrfs"
	KindAgentFS ProviderKind = "agentfs"
)

// WorkspaceMode selects how a workspace should be materialized.
type WorkspaceMode int

const (
	Worktree WorkspaceMode = iota
	CowOverlay
	AutoDetect
	InPlace
	DisableSnapshots
)

func (m WorkspaceMode) String() string {
	switch m {
	case Worktree:
		return "worktree"
	case CowOverlay:
		return "cow-overlay"
	case AutoDetect:
		return "auto-detect"
	case InPlace:
		return "in-place"
	case DisableSnapshots:
		return "disable-snapshots"
	default:
		return "unknown"
	}
}

// RepoPath is the absolute path to a repository root a provider isolates.
type RepoPath string

// WorkingCopy is an ephemeral writable tree produced by a provider.
type WorkingCopy struct {
	ExecPath     string
	ProviderKind ProviderKind
	CleanupToken string
	Metadata     map[string]string
}

// Snapshot is a provider-issued, immutable handle to a point-in-time state.
type Snapshot struct {
	ID           string
	ProviderKind ProviderKind
	CreatedAtNs  int64
	Label        string
}

// ProviderCapabilities describes what a provider can do for a given repo.
// Score == 0 means the provider refuses to handle the repo.
type ProviderCapabilities struct {
	Kind                ProviderKind
	Score               uint32
	SupportsCowOverlay  bool
	SupportsReadonlyMnt bool
	SupportsBranch      bool
}

// ErrorKind is a machine-readable error category shared by every provider.
type ErrorKind string

const (
	ErrNotSupported   ErrorKind = "NotSupported"
	ErrUnavailable    ErrorKind = "Unavailable"
	ErrDenied         ErrorKind = "Denied"
	ErrQuotaExceeded  ErrorKind = "QuotaExceeded"
	ErrNotFound       ErrorKind = "NotFound"
	ErrConflict       ErrorKind = "Conflict"
	ErrIO             ErrorKind = "Io"
	ErrInternal       ErrorKind = "Internal"
)

// ProviderError is the structured error type every Provider method returns.
type ProviderError struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

func (e *ProviderError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *ProviderError) Unwrap() error { return e.Cause }

func newErr(kind ErrorKind, format string, args ...any) *ProviderError {
	return &ProviderError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func wrapErr(kind ErrorKind, cause error, format string, args ...any) *ProviderError {
	return &ProviderError{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// Provider is the pluggable contract implemented by each snapshot backend.
type Provider interface {
	Kind() ProviderKind
	DetectCapabilities(repo RepoPath) ProviderCapabilities
	PrepareWritableWorkspace(repo RepoPath, mode WorkspaceMode) (*WorkingCopy, *ProviderError)
	SnapshotNow(ws *WorkingCopy, label string) (*Snapshot, *ProviderError)
	MountReadonly(snap *Snapshot) (string, *ProviderError)
	BranchFromSnapshot(snap *Snapshot, mode WorkspaceMode) (*WorkingCopy, *ProviderError)
	Cleanup(token string) *ProviderError
}

func nowNs() int64 { return time.Now().UnixNano() }
