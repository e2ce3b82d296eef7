package interpose

import "testing"

func resetGlobalForTest(mountRoot string) {
	global.mu.Lock()
	global.mountRoot = mountRoot
	global.dirfds = newDirfdTable()
	global.mu.Unlock()
}

func TestUnderMount(t *testing.T) {
	resetGlobalForTest("/mnt/agentfs")
	cases := []struct {
		path string
		want bool
	}{
		{"/mnt/agentfs", true},
		{"/mnt/agentfs/a/b.txt", true},
		{"/mnt/agentfs-other/a.txt", false},
		{"/etc/passwd", false},
	}
	for _, c := range cases {
		if got := underMount(c.path); got != c.want {
			t.Errorf("underMount(%q) = %v, want %v", c.path, got, c.want)
		}
	}
}

func TestDirfdTableTrackDupRelease(t *testing.T) {
	tbl := newDirfdTable()
	tbl.track(3, "/mnt/agentfs/a")
	if base, ok := tbl.base(3); !ok || base != "/mnt/agentfs/a" {
		t.Fatalf("expected base /mnt/agentfs/a, got %q ok=%v", base, ok)
	}
	if !tbl.dup(3, 7) {
		t.Fatal("expected dup to succeed for tracked fd")
	}
	if base, ok := tbl.base(7); !ok || base != "/mnt/agentfs/a" {
		t.Fatalf("expected dup'd fd to share base, got %q ok=%v", base, ok)
	}
	tbl.release(3)
	if _, ok := tbl.base(3); ok {
		t.Fatal("expected released fd to be forgotten")
	}
	if _, ok := tbl.base(7); !ok {
		t.Fatal("expected dup'd fd to remain tracked after original released")
	}
}

func TestResolvePathRelativeViaDirfd(t *testing.T) {
	resetGlobalForTest("/mnt/agentfs")
	global.mu.Lock()
	global.dirfds.track(42, "/mnt/agentfs/sub")
	global.mu.Unlock()

	abs, inMount := resolvePath(42, "file.txt")
	if abs != "/mnt/agentfs/sub/file.txt" {
		t.Fatalf("expected resolved path, got %q", abs)
	}
	if !inMount {
		t.Fatal("expected resolved path to be reported in-mount")
	}
}

func TestResolvePathUnknownDirfd(t *testing.T) {
	resetGlobalForTest("/mnt/agentfs")
	if _, inMount := resolvePath(99, "file.txt"); inMount {
		t.Fatal("expected unknown dirfd to not resolve into the mount")
	}
}
