package fss

import "sort"

// Registry holds every provider available on the host and auto-selects the
// best match for a repo + mode, following the fixed tie-order documented in
// spec.md §4.1: AgentFS > ZFS > Btrfs > Git when CowOverlay is requested,
// Git > others when only Worktree is requested.
type Registry struct {
	providers []Provider
}

// NewRegistry builds a registry from the given providers, in no particular
// order — ranking happens at selection time.
func NewRegistry(providers ...Provider) *Registry {
	return &Registry{providers: providers}
}

func tieRank(mode WorkspaceMode, kind ProviderKind) int {
	var order []ProviderKind
	if mode == CowOverlay {
		order = []ProviderKind{KindAgentFS, KindZFS, KindBtrfs, KindGit}
	} else {
		order = []ProviderKind{KindGit, KindAgentFS, KindZFS, KindBtrfs}
	}
	for i, k := range order {
		if k == kind {
			return i
		}
	}
	return len(order)
}

// Select returns the highest-scoring provider (ties broken by tieRank) that
// supports the requested mode for repo, or nil if none qualify.
func (r *Registry) Select(repo RepoPath, mode WorkspaceMode) (Provider, ProviderCapabilities) {
	type candidate struct {
		p    Provider
		caps ProviderCapabilities
	}
	var cands []candidate
	for _, p := range r.providers {
		caps := p.DetectCapabilities(repo)
		if caps.Score == 0 {
			continue
		}
		if mode == CowOverlay && !caps.SupportsCowOverlay {
			continue
		}
		cands = append(cands, candidate{p, caps})
	}
	if len(cands) == 0 {
		return nil, ProviderCapabilities{}
	}
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].caps.Score != cands[j].caps.Score {
			return cands[i].caps.Score > cands[j].caps.Score
		}
		return tieRank(mode, cands[i].caps.Kind) < tieRank(mode, cands[j].caps.Kind)
	})
	return cands[0].p, cands[0].caps
}

// All returns every registered provider (used by test harnesses to run the
// fixed matrix from spec.md §8 against each provider present on the host).
func (r *Registry) All() []Provider {
	return append([]Provider(nil), r.providers...)
}
