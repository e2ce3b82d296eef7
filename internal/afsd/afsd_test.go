package afsd

import (
	"os"
	"path/filepath"
	"testing"
)

// TestAfsdDirXattrRoundTripAcrossClients is scenario S4 (spec.md §8): two
// clients bound to the same branch see each other's directory/xattr
// writes, a snapshot freezes the branch's state, and a branch created from
// that snapshot starts at the pre-write content.
func TestAfsdDirXattrRoundTripAcrossClients(t *testing.T) {
	d := New("", t.TempDir(), BackstoreInMemory)
	const pidA, pidB uint32 = 100, 200
	d.registry.register(&ProcessRegistration{Pid: pidA})
	d.registry.register(&ProcessRegistration{Pid: pidB})

	b0, derr := d.branch("main")
	if derr != nil {
		t.Fatalf("branch(main): %v", derr)
	}
	if !d.registry.bind(pidA, b0.ID()) {
		t.Fatal("expected bind(pidA) to succeed")
	}
	if !d.registry.bind(pidB, b0.ID()) {
		t.Fatal("expected bind(pidB) to succeed")
	}

	clientA, derr := d.boundBranch(pidA)
	if derr != nil {
		t.Fatalf("boundBranch(pidA): %v", derr)
	}
	if _, derr := clientA.Mkdir("/a", 0, 0, 0o755); derr != nil {
		t.Fatalf("Mkdir /a: %v", derr)
	}
	if _, derr := clientA.Mkdir("/a/b", 0, 0, 0o755); derr != nil {
		t.Fatalf("Mkdir /a/b: %v", derr)
	}
	if derr := clientA.WriteFile("/a/b/c.txt", 0, 0, []byte("hi")); derr != nil {
		t.Fatalf("WriteFile: %v", derr)
	}
	if derr := clientA.SetXattr("/a/b/c.txt", "user.note", []byte("x")); derr != nil {
		t.Fatalf("SetXattr: %v", derr)
	}

	clientB, derr := d.boundBranch(pidB)
	if derr != nil {
		t.Fatalf("boundBranch(pidB): %v", derr)
	}
	entries, derr := clientB.ReadDir("/a/b")
	if derr != nil {
		t.Fatalf("ReadDir: %v", derr)
	}
	found := false
	for _, e := range entries {
		if e.Name == "c.txt" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected client B to see c.txt in /a/b, got %+v", entries)
	}
	got, derr := clientB.ReadFile("/a/b/c.txt")
	if derr != nil || string(got) != "hi" {
		t.Fatalf("expected client B to read \"hi\", got %q err=%v", got, derr)
	}
	xv, derr := clientB.GetXattr("/a/b/c.txt", "user.note")
	if derr != nil || string(xv) != "x" {
		t.Fatalf("expected client B to read xattr \"x\", got %q err=%v", xv, derr)
	}

	snap := clientA.Snapshot("s")
	d.mu.Lock()
	d.snapshots[snap.ID] = snap
	d.mu.Unlock()

	if derr := clientA.WriteFile("/a/b/c.txt", 0, 0, []byte("bye")); derr != nil {
		t.Fatalf("WriteFile (post-snapshot): %v", derr)
	}
	got2, derr := clientB.ReadFile("/a/b/c.txt")
	if derr != nil || string(got2) != "bye" {
		t.Fatalf("expected client B to see \"bye\" after client A's write, got %q err=%v", got2, derr)
	}

	b1 := NewBranchFromSnapshot(snap, "b1")
	d.mu.Lock()
	d.branches[b1.ID()] = b1
	d.mu.Unlock()
	got3, derr := b1.ReadFile("/a/b/c.txt")
	if derr != nil || string(got3) != "hi" {
		t.Fatalf("expected branch from snapshot s to read \"hi\", got %q err=%v", got3, derr)
	}
}

// TestAfsdExportedSnapshotImmutability is scenario S5 (spec.md §8): a
// snapshot export is a byte-identical, immutable materialization that
// later writes to the live branch do not affect, and release removes it.
func TestAfsdExportedSnapshotImmutability(t *testing.T) {
	d := New("", t.TempDir(), BackstoreInMemory)
	b0 := d.DefaultBranch()

	if _, derr := b0.Mkdir("/a", 0, 0, 0o755); derr != nil {
		t.Fatalf("Mkdir /a: %v", derr)
	}
	if _, derr := b0.Mkdir("/a/b", 0, 0, 0o755); derr != nil {
		t.Fatalf("Mkdir /a/b: %v", derr)
	}
	if derr := b0.WriteFile("/a/b/c.txt", 0, 0, []byte("hi")); derr != nil {
		t.Fatalf("WriteFile: %v", derr)
	}

	snap := b0.Snapshot("s")
	d.mu.Lock()
	d.snapshots[snap.ID] = snap
	d.mu.Unlock()

	path, token, derr := d.SnapshotExport(snap.ID)
	if derr != nil {
		t.Fatalf("SnapshotExport: %v", derr)
	}

	if derr := b0.WriteFile("/a/b/c.txt", 0, 0, []byte("other")); derr != nil {
		t.Fatalf("WriteFile (post-export): %v", derr)
	}

	exported, err := os.ReadFile(filepath.Join(path, "a", "b", "c.txt"))
	if err != nil {
		t.Fatalf("read exported file: %v", err)
	}
	if string(exported) != "hi" {
		t.Fatalf("expected exported file to still read \"hi\", got %q", exported)
	}

	if derr := d.SnapshotExportRelease(token); derr != nil {
		t.Fatalf("SnapshotExportRelease: %v", derr)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected export dir %s to be removed, stat err=%v", path, err)
	}
}
