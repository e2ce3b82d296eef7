package interpose

import (
	"encoding/binary"

	"github.com/agent-harbor/ah/internal/afsd/client"
	"github.com/agent-harbor/ah/internal/logger"
)

const atFDCWD int32 = -100

// trackedFds records which fds this library handed back to the traced
// process, so HandleClose knows to release daemon-side state (dirfd
// tracking) rather than treating the close as a pass-through. Real kernel
// fds received via SCM_RIGHTS (not yet wired in internal/afsd/client — see
// spec.md §6.2) would bypass this table entirely, since the traced process
// then operates on them with unmodified syscalls.
var trackedFds = struct {
	open map[int32]bool
}{open: map[int32]bool{}}

func markTracked(fd int32) {
	global.mu.Lock()
	trackedFds.open[fd] = true
	global.mu.Unlock()
}

// HandleOpen implements the `open()` hook: ok reports whether interpose is
// active at all; handled reports whether this specific path was routed
// through the daemon (false ⇒ caller falls through to native libc).
func HandleOpen(path string, flags int32, mode uint32) (fd int32, handled bool, ok bool) {
	return HandleOpenAt(atFDCWD, path, flags, mode)
}

// HandleOpenAt implements the `openat()` hook, resolving dirfd-relative
// paths via the tracked dirfd table per spec.md §4.3.
func HandleOpenAt(dirfd int32, path string, flags int32, mode uint32) (fd int32, handled bool, ok bool) {
	c := activeClient()
	if c == nil {
		return 0, false, false
	}
	abs, inMount := resolvePath(dirfd, path)
	if !inMount {
		return 0, false, true
	}
	resp, err := c.FdOpen(abs, flags, mode)
	if err != nil {
		logger.Warn("interpose: FdOpen failed, falling through", "path", abs, "error", err)
		return 0, false, true
	}
	markTracked(resp.Fd)
	trackDirfd(resp.Fd, abs) // harmless for non-dir fds; only consulted by *at() calls on directories
	return resp.Fd, true, true
}

// HandleClose implements the `close()` hook. It always lets the real
// close() run afterward (the caller does this unconditionally), but
// releases any daemon-side state a surrogate fd was holding.
func HandleClose(fd int32) {
	global.mu.Lock()
	_, tracked := trackedFds.open[fd]
	delete(trackedFds.open, fd)
	global.mu.Unlock()
	if !tracked {
		return
	}
	releaseDirfd(fd)
}

// HandleMkdir implements the `mkdir()` hook via the daemon's generic
// PathOp RPC, per spec.md §4.2's tagged-union path-operation surface.
func HandleMkdir(path string, mode uint32) (errno int32, handled bool) {
	c := activeClient()
	if c == nil || !underMount(path) {
		return 0, false
	}
	var args [4]byte
	binary.LittleEndian.PutUint32(args[:], mode)
	if _, err := c.PathOp(path, "mkdir", args[:]); err != nil {
		return remoteErrno(err), true
	}
	return 0, true
}

// HandleUnlink implements the `unlink()` hook.
func HandleUnlink(path string) (errno int32, handled bool) {
	c := activeClient()
	if c == nil || !underMount(path) {
		return 0, false
	}
	if _, err := c.PathOp(path, "unlink", nil); err != nil {
		return remoteErrno(err), true
	}
	return 0, true
}

// HandleChmod implements the `chmod()` hook.
func HandleChmod(path string, mode uint32) (errno int32, handled bool) {
	c := activeClient()
	if c == nil || !underMount(path) {
		return 0, false
	}
	var args [4]byte
	binary.LittleEndian.PutUint32(args[:], mode)
	if _, err := c.PathOp(path, "chmod", args[:]); err != nil {
		return remoteErrno(err), true
	}
	return 0, true
}

// HandleFchmod implements the `fchmod()` hook, resolving fd to a path via
// the tracked dirfd table (the daemon has no concept of bare fds outside
// the surrogate handles it hands out itself).
func HandleFchmod(fd int32, mode uint32) (errno int32, handled bool) {
	c := activeClient()
	if c == nil {
		return 0, false
	}
	path, ok := lookupDirfd(fd)
	if !ok {
		return 0, false
	}
	var args [4]byte
	binary.LittleEndian.PutUint32(args[:], mode)
	if _, err := c.PathOp(path, "fchmod", args[:]); err != nil {
		return remoteErrno(err), true
	}
	return 0, true
}

// HandleChown implements the `chown()` hook.
func HandleChown(path string, uid, gid uint32) (errno int32, handled bool) {
	c := activeClient()
	if c == nil || !underMount(path) {
		return 0, false
	}
	var args [8]byte
	binary.LittleEndian.PutUint32(args[0:4], uid)
	binary.LittleEndian.PutUint32(args[4:8], gid)
	if _, err := c.PathOp(path, "chown", args[:]); err != nil {
		return remoteErrno(err), true
	}
	return 0, true
}

// HandleFchown implements the `fchown()` hook.
func HandleFchown(fd int32, uid, gid uint32) (errno int32, handled bool) {
	c := activeClient()
	if c == nil {
		return 0, false
	}
	path, ok := lookupDirfd(fd)
	if !ok {
		return 0, false
	}
	var args [8]byte
	binary.LittleEndian.PutUint32(args[0:4], uid)
	binary.LittleEndian.PutUint32(args[4:8], gid)
	if _, err := c.PathOp(path, "fchown", args[:]); err != nil {
		return remoteErrno(err), true
	}
	return 0, true
}

// HandleTruncate implements the `truncate()` hook.
func HandleTruncate(path string, size uint64) (errno int32, handled bool) {
	c := activeClient()
	if c == nil || !underMount(path) {
		return 0, false
	}
	var args [8]byte
	binary.LittleEndian.PutUint64(args[:], size)
	if _, err := c.PathOp(path, "truncate", args[:]); err != nil {
		return remoteErrno(err), true
	}
	return 0, true
}

// HandleFtruncate implements the `ftruncate()` hook.
func HandleFtruncate(fd int32, size uint64) (errno int32, handled bool) {
	c := activeClient()
	if c == nil {
		return 0, false
	}
	path, ok := lookupDirfd(fd)
	if !ok {
		return 0, false
	}
	var args [8]byte
	binary.LittleEndian.PutUint64(args[:], size)
	if _, err := c.PathOp(path, "ftruncate", args[:]); err != nil {
		return remoteErrno(err), true
	}
	return 0, true
}

// HandleUtimes implements the `utimes()`/`utimensat()` hook. A zero
// atimeNs/mtimeNs with its corresponding set flag false leaves that
// timestamp unchanged (UTIME_OMIT), matching decodeUtimesArgs on the
// daemon side.
func HandleUtimes(path string, atimeNs, mtimeNs int64, setAtime, setMtime bool) (errno int32, handled bool) {
	c := activeClient()
	if c == nil || !underMount(path) {
		return 0, false
	}
	args := encodeUtimesArgs(atimeNs, mtimeNs, setAtime, setMtime)
	if _, err := c.PathOp(path, "utimes", args); err != nil {
		return remoteErrno(err), true
	}
	return 0, true
}

// HandleFutimes implements the `futimes()` hook.
func HandleFutimes(fd int32, atimeNs, mtimeNs int64, setAtime, setMtime bool) (errno int32, handled bool) {
	c := activeClient()
	if c == nil {
		return 0, false
	}
	path, ok := lookupDirfd(fd)
	if !ok {
		return 0, false
	}
	args := encodeUtimesArgs(atimeNs, mtimeNs, setAtime, setMtime)
	if _, err := c.PathOp(path, "futimes", args); err != nil {
		return remoteErrno(err), true
	}
	return 0, true
}

func encodeUtimesArgs(atimeNs, mtimeNs int64, setAtime, setMtime bool) []byte {
	args := make([]byte, 17)
	binary.LittleEndian.PutUint64(args[0:8], uint64(atimeNs))
	binary.LittleEndian.PutUint64(args[8:16], uint64(mtimeNs))
	var flags byte
	if setAtime {
		flags |= 0x1
	}
	if setMtime {
		flags |= 0x2
	}
	args[16] = flags
	return args
}

// HandleReadlink implements the `readlink()` hook.
func HandleReadlink(path string) (target string, handled bool, ok bool) {
	c := activeClient()
	if c == nil {
		return "", false, false
	}
	if !underMount(path) {
		return "", false, true
	}
	t, err := c.Readlink(path)
	if err != nil {
		logger.Warn("interpose: Readlink failed, falling through", "path", path, "error", err)
		return "", false, true
	}
	return t, true, true
}

func remoteErrno(err error) int32 {
	if re, ok := err.(*client.RemoteError); ok {
		return re.Errno
	}
	return -1 // EPERM-equivalent fallback for transport-level failures
}

// Shutdown tears down the process-wide daemon connection. cmd/ah-interpose
// exports it to C as ah_interpose_shutdown; no atexit() handler calls it.
func Shutdown() {
	shutdown()
}
