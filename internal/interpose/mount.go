// Package interpose holds the pure-Go logic behind the AgentFS interpose
// library described in spec.md §4.3: a process-wide, lazily-initialized
// daemon connection, a dirfd map reconstructing absolute paths for `*at()`
// calls, and the decision of whether a given path should be routed through
// the daemon or passed through to native libc. The actual POSIX symbol
// hooks (cgo `-buildmode=c-shared` exports) live in cmd/ah-interpose, which
// calls the Handle* functions in hooks.go; this package is kept cgo-free so
// its logic is unit-testable with `go test`.
//
// Grounded on the teacher's internal/sandbox command-interposition layer
// (global process-wide state guarded by a single mutex, env-var-driven
// configuration) generalized from command sandboxing to filesystem-call
// interposition.
package interpose

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/agent-harbor/ah/internal/afsd/client"
	"github.com/agent-harbor/ah/internal/logger"
)

const socketEnvVar = "AGENTFS_INTERPOSE_SOCKET"

// globalState is the process-wide state every hook consults; it is
// inherent to a preload library (spec.md §9 "Global state") and therefore
// deliberately a package-level singleton rather than threaded through call
// sites the way the rest of this module prefers.
type globalState struct {
	mu         sync.Mutex
	initDone   bool
	initFailed bool
	client     *client.Client
	mountRoot  string // absolute prefix this daemon serves; empty disables interpose

	dirfds dirfdTable
}

var global globalState

// ensureInit performs the library's one-time, lazily-triggered
// initialization (spec.md §4.3 "Opens the socket lazily on first
// intercepted call"), guarded by the global mutex. Every call takes the
// lock (there is no unlocked fast path), so repeated hook invocations
// after the first pay only the mutex cost.
func ensureInit() *client.Client {
	global.mu.Lock()
	defer global.mu.Unlock()
	if global.initDone {
		return global.client
	}
	global.initDone = true

	sock := os.Getenv(socketEnvVar)
	if sock == "" {
		global.initFailed = true
		return nil
	}
	c, err := client.Dial(sock)
	if err != nil {
		logger.Warn("interpose: failed to reach agentfs daemon, falling through to native libc", "socket", sock, "error", err)
		global.initFailed = true
		return nil
	}
	global.client = c
	global.mountRoot = mountRootFromSocket(sock)
	global.dirfds = newDirfdTable()
	return c
}

// mountRootFromSocket derives the mount prefix this daemon owns. Real
// deployments place the socket at <mount>/.agentfs.sock; tests may override
// via AGENTFS_INTERPOSE_MOUNT directly.
func mountRootFromSocket(sock string) string {
	if root := os.Getenv("AGENTFS_INTERPOSE_MOUNT"); root != "" {
		return root
	}
	return filepath.Dir(sock)
}

// shutdown closes the daemon connection. It runs only when Shutdown is
// called (cmd/ah-interpose exports that as ah_interpose_shutdown); the
// library registers no atexit handler, so process exit does not call it.
func shutdown() {
	global.mu.Lock()
	defer global.mu.Unlock()
	if global.client != nil {
		global.client.Close()
		global.client = nil
	}
	global.initDone = false
	global.initFailed = false
}

// activeClient returns the daemon client if interpose is usable for this
// process, or nil if it should fall through to native libc.
func activeClient() *client.Client {
	c := ensureInit()
	global.mu.Lock()
	failed := global.initFailed
	global.mu.Unlock()
	if failed {
		return nil
	}
	return c
}

// underMount reports whether an absolute path lies inside the daemon's
// mount prefix, per spec.md §4.3's routing rule.
func underMount(absPath string) bool {
	global.mu.Lock()
	root := global.mountRoot
	global.mu.Unlock()
	if root == "" {
		return false
	}
	rel, err := filepath.Rel(root, absPath)
	if err != nil {
		return false
	}
	return rel == "." || !strings.HasPrefix(rel, "..")
}

// resolvePath turns a possibly-relative path plus a dirfd (AT_FDCWD or a
// tracked daemon dirfd) into the absolute path the daemon should see.
func resolvePath(dirfd int32, path string) (string, bool) {
	if filepath.IsAbs(path) {
		return path, underMount(path)
	}
	base, ok := resolveDirfdBase(dirfd)
	if !ok {
		return "", false
	}
	abs := filepath.Join(base, path)
	return abs, underMount(abs)
}

func resolveDirfdBase(dirfd int32) (string, bool) {
	const atFDCWD int32 = -100 // matches Linux/macOS AT_FDCWD
	if dirfd == atFDCWD {
		cwd, err := os.Getwd()
		if err != nil {
			return "", false
		}
		return cwd, true
	}
	global.mu.Lock()
	defer global.mu.Unlock()
	return global.dirfds.base(dirfd)
}

// dirfdTable tracks daemon-issued directory handles so *at() calls can
// reconstruct absolute paths, per spec.md §4.3. Entries are refcounted:
// dup'ing a dirfd shares the same base path.
type dirfdTable struct {
	byFd map[int32]*dirfdEntry
}

type dirfdEntry struct {
	base string
	refs int32
}

func newDirfdTable() dirfdTable {
	return dirfdTable{byFd: make(map[int32]*dirfdEntry)}
}

func (t *dirfdTable) track(fd int32, base string) {
	t.byFd[fd] = &dirfdEntry{base: base, refs: 1}
}

func (t *dirfdTable) dup(oldFd, newFd int32) bool {
	e, ok := t.byFd[oldFd]
	if !ok {
		return false
	}
	e.refs++
	t.byFd[newFd] = e
	return true
}

func (t *dirfdTable) base(fd int32) (string, bool) {
	e, ok := t.byFd[fd]
	if !ok {
		return "", false
	}
	return e.base, true
}

func (t *dirfdTable) release(fd int32) {
	e, ok := t.byFd[fd]
	if !ok {
		return
	}
	e.refs--
	delete(t.byFd, fd)
	_ = e // refcount only gates cross-fd sharing; the map entry itself is per-fd
}

// trackDirfd registers a daemon-opened directory handle under its mount-
// relative path, resolved to an absolute path for later *at() calls.
func trackDirfd(fd int32, absPath string) {
	global.mu.Lock()
	defer global.mu.Unlock()
	global.dirfds.track(fd, absPath)
}

// dupDirfd shares an existing dirfd's base path under a new descriptor
// number, as produced by dup()/dup2().
func dupDirfd(oldFd, newFd int32) bool {
	global.mu.Lock()
	defer global.mu.Unlock()
	return global.dirfds.dup(oldFd, newFd)
}

// lookupDirfd returns the absolute path a tracked fd was opened against,
// used by the f*() hooks (fchmod, fchown, ftruncate, futimes) to translate
// a bare fd into the path-keyed PathOp RPC.
func lookupDirfd(fd int32) (string, bool) {
	global.mu.Lock()
	defer global.mu.Unlock()
	return global.dirfds.base(fd)
}

// releaseDirfd forgets a closed directory handle.
func releaseDirfd(fd int32) {
	global.mu.Lock()
	defer global.mu.Unlock()
	global.dirfds.release(fd)
}
