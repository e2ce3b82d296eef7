package afsd

import "testing"

// TestSnapshotIsolationFromLaterWrites checks that writes made to a branch
// after a snapshot was taken must not be visible through the snapshot
// (structural COW, spec.md A3). See afsd_test.go for the full S4/S5
// end-to-end scenarios.
func TestSnapshotIsolationFromLaterWrites(t *testing.T) {
	b := newBranch("main")
	if derr := b.WriteFile("/a.txt", 0, 0, []byte("v1")); derr != nil {
		t.Fatalf("WriteFile: %v", derr)
	}

	snap := b.Snapshot("checkpoint-1")

	if derr := b.WriteFile("/a.txt", 0, 0, []byte("v2")); derr != nil {
		t.Fatalf("WriteFile (post-snapshot): %v", derr)
	}
	if _, derr := b.CreateFile("/b.txt", 0, 0, 0o644, true); derr != nil {
		t.Fatalf("CreateFile (post-snapshot): %v", derr)
	}

	got, derr := b.ReadFile("/a.txt")
	if derr != nil {
		t.Fatalf("ReadFile live branch: %v", derr)
	}
	if string(got) != "v2" {
		t.Fatalf("expected live branch to see v2, got %q", got)
	}

	// Branch from the snapshot and verify it's frozen at v1, with no b.txt.
	derived := NewBranchFromSnapshot(snap, "derived")
	derivedContent, derr := derived.ReadFile("/a.txt")
	if derr != nil {
		t.Fatalf("ReadFile derived branch: %v", derr)
	}
	if string(derivedContent) != "v1" {
		t.Fatalf("expected derived branch to see v1, got %q", derivedContent)
	}
	if _, derr := derived.Stat("/b.txt"); derr == nil {
		t.Fatal("expected b.txt to not exist in the branch derived from the pre-b.txt snapshot")
	}
}

// TestBranchFromSnapshotStartsByteIdentical checks that a branch derived
// from a snapshot starts byte-identical to the tree at capture time, and
// subsequent mutations on the derived branch do not affect the
// originating branch.
func TestBranchFromSnapshotStartsByteIdentical(t *testing.T) {
	b := newBranch("main")
	if _, derr := b.Mkdir("/dir", 0, 0, 0o755); derr != nil {
		t.Fatalf("Mkdir: %v", derr)
	}
	if derr := b.WriteFile("/dir/f.txt", 0, 0, []byte("shared")); derr != nil {
		t.Fatalf("WriteFile: %v", derr)
	}
	snap := b.Snapshot("base")

	derived := NewBranchFromSnapshot(snap, "feature")
	content, derr := derived.ReadFile("/dir/f.txt")
	if derr != nil || string(content) != "shared" {
		t.Fatalf("expected derived branch to start identical, got %q err=%v", content, derr)
	}

	if derr := derived.WriteFile("/dir/f.txt", 0, 0, []byte("mutated")); derr != nil {
		t.Fatalf("WriteFile on derived branch: %v", derr)
	}
	origContent, derr := b.ReadFile("/dir/f.txt")
	if derr != nil || string(origContent) != "shared" {
		t.Fatalf("expected originating branch unaffected by derived mutation, got %q err=%v", origContent, derr)
	}
}

func TestMkdirRejectsDuplicateAndMissingParent(t *testing.T) {
	b := newBranch("main")
	if _, derr := b.Mkdir("/x", 0, 0, 0o755); derr != nil {
		t.Fatalf("Mkdir: %v", derr)
	}
	if _, derr := b.Mkdir("/x", 0, 0, 0o755); derr == nil {
		t.Fatal("expected AlreadyExists mkdir'ing the same path twice")
	}
	if _, derr := b.Mkdir("/missing/child", 0, 0, 0o755); derr == nil {
		t.Fatal("expected an error creating a dir under a nonexistent parent")
	}
}

func TestRenameMovesEntryAcrossDirectories(t *testing.T) {
	b := newBranch("main")
	if _, derr := b.Mkdir("/src", 0, 0, 0o755); derr != nil {
		t.Fatal(derr)
	}
	if _, derr := b.Mkdir("/dst", 0, 0, 0o755); derr != nil {
		t.Fatal(derr)
	}
	if derr := b.WriteFile("/src/f.txt", 0, 0, []byte("payload")); derr != nil {
		t.Fatal(derr)
	}
	if derr := b.Rename("/src/f.txt", "/dst/f.txt"); derr != nil {
		t.Fatalf("Rename: %v", derr)
	}
	if _, derr := b.Stat("/src/f.txt"); derr == nil {
		t.Fatal("expected source path to no longer resolve after rename")
	}
	content, derr := b.ReadFile("/dst/f.txt")
	if derr != nil || string(content) != "payload" {
		t.Fatalf("expected renamed file content to survive the move, got %q err=%v", content, derr)
	}
}

func TestHardLinkSharesContentUntilUnlinked(t *testing.T) {
	b := newBranch("main")
	if derr := b.WriteFile("/orig.txt", 0, 0, []byte("linked")); derr != nil {
		t.Fatal(derr)
	}
	if derr := b.Link("/orig.txt", "/alias.txt"); derr != nil {
		t.Fatalf("Link: %v", derr)
	}
	content, derr := b.ReadFile("/alias.txt")
	if derr != nil || string(content) != "linked" {
		t.Fatalf("expected alias to read the same content, got %q err=%v", content, derr)
	}
	if derr := b.Unlink("/orig.txt"); derr != nil {
		t.Fatalf("Unlink: %v", derr)
	}
	if _, derr := b.Stat("/orig.txt"); derr == nil {
		t.Fatal("expected original path to be gone after unlink")
	}
	aliasContent, derr := b.ReadFile("/alias.txt")
	if derr != nil || string(aliasContent) != "linked" {
		t.Fatalf("expected alias to still resolve after unlinking the original name, got %q err=%v", aliasContent, derr)
	}
}
