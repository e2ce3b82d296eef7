package fss

import "testing"

type fakeProvider struct {
	kind ProviderKind
	caps ProviderCapabilities
}

func (f *fakeProvider) Kind() ProviderKind { return f.kind }
func (f *fakeProvider) DetectCapabilities(RepoPath) ProviderCapabilities { return f.caps }
func (f *fakeProvider) PrepareWritableWorkspace(RepoPath, WorkspaceMode) (*WorkingCopy, *ProviderError) {
	return nil, newErr(ErrNotSupported, "fake")
}
func (f *fakeProvider) SnapshotNow(*WorkingCopy, string) (*Snapshot, *ProviderError) {
	return nil, newErr(ErrNotSupported, "fake")
}
func (f *fakeProvider) MountReadonly(*Snapshot) (string, *ProviderError) {
	return "", newErr(ErrNotSupported, "fake")
}
func (f *fakeProvider) BranchFromSnapshot(*Snapshot, WorkspaceMode) (*WorkingCopy, *ProviderError) {
	return nil, newErr(ErrNotSupported, "fake")
}
func (f *fakeProvider) Cleanup(string) *ProviderError { return nil }

func TestRegistrySelectHighestScoreWins(t *testing.T) {
	git := &fakeProvider{kind: KindGit, caps: ProviderCapabilities{Kind: KindGit, Score: 50, SupportsBranch: true}}
	agentfs := &fakeProvider{kind: KindAgentFS, caps: ProviderCapabilities{Kind: KindAgentFS, Score: 90, SupportsCowOverlay: true, SupportsBranch: true}}
	r := NewRegistry(git, agentfs)

	p, caps := r.Select("/repo", Worktree)
	if p.Kind() != KindAgentFS {
		t.Fatalf("expected agentfs (highest score) to win, got %v", p.Kind())
	}
	if caps.Score != 90 {
		t.Errorf("expected score 90, got %d", caps.Score)
	}
}

func TestRegistrySelectTieBrokenByFixedOrder(t *testing.T) {
	git := &fakeProvider{kind: KindGit, caps: ProviderCapabilities{Kind: KindGit, Score: 50, SupportsCowOverlay: true}}
	zfs := &fakeProvider{kind: KindZFS, caps: ProviderCapabilities{Kind: KindZFS, Score: 50, SupportsCowOverlay: true}}

	r := NewRegistry(git, zfs)
	p, _ := r.Select("/repo", CowOverlay)
	if p.Kind() != KindZFS {
		t.Fatalf("expected zfs to win the cow-overlay tie over git, got %v", p.Kind())
	}

	r2 := NewRegistry(git, zfs)
	p2, _ := r2.Select("/repo", Worktree)
	if p2.Kind() != KindGit {
		t.Fatalf("expected git to win the worktree tie over zfs, got %v", p2.Kind())
	}
}

func TestRegistrySelectExcludesNonCowOverlayCapableProviders(t *testing.T) {
	git := &fakeProvider{kind: KindGit, caps: ProviderCapabilities{Kind: KindGit, Score: 99, SupportsCowOverlay: false}}
	zfs := &fakeProvider{kind: KindZFS, caps: ProviderCapabilities{Kind: KindZFS, Score: 10, SupportsCowOverlay: true}}
	r := NewRegistry(git, zfs)
	p, _ := r.Select("/repo", CowOverlay)
	if p.Kind() != KindZFS {
		t.Fatalf("expected zfs (only cow-overlay-capable provider) to win despite lower score, got %v", p.Kind())
	}
}

func TestRegistrySelectReturnsNilWhenNoneQualify(t *testing.T) {
	r := NewRegistry(&fakeProvider{kind: KindGit, caps: ProviderCapabilities{Kind: KindGit, Score: 0}})
	p, _ := r.Select("/repo", Worktree)
	if p != nil {
		t.Fatal("expected nil provider when all candidates score 0")
	}
}

func TestRegistryAllReturnsCopy(t *testing.T) {
	git := &fakeProvider{kind: KindGit}
	r := NewRegistry(git)
	all := r.All()
	if len(all) != 1 || all[0].Kind() != KindGit {
		t.Fatal("expected All() to return the registered provider")
	}
	all[0] = &fakeProvider{kind: KindZFS}
	if r.providers[0].Kind() != KindGit {
		t.Fatal("All() must return a defensive copy, not the internal slice")
	}
}
