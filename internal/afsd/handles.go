package afsd

import (
	"sync"

	"github.com/agent-harbor/ah/internal/afsd/wire"
)

// handleKey scopes a DirHandle or FileDescriptor to the PID that opened it
// (spec.md A1: only valid for the PID that opened it, or a PID it was
// fd_dup'd to).
type handleKey struct {
	pid    uint32
	handle int32
}

type dirHandleState struct {
	path string
}

// fdState backs a surrogate (non-SCM_RIGHTS) file descriptor: all I/O is
// proxied through the daemon rather than handed to the client as a real
// kernel fd. Chosen per spec.md §9 Open Questions: "surrogate FDs with
// full proxying" over refusing outright when SCM_RIGHTS is unavailable.
type fdState struct {
	branchID string
	ino      uint64
	offset   int64
	flags    int32
}

type handleTable struct {
	mu      sync.Mutex
	dirs    map[handleKey]*dirHandleState
	fds     map[handleKey]*fdState
	nextDir int32
	nextFd  int32
}

func newHandleTable() *handleTable {
	return &handleTable{
		dirs:    make(map[handleKey]*dirHandleState),
		fds:     make(map[handleKey]*fdState),
		nextDir: 1,
		nextFd:  1,
	}
}

func (t *handleTable) openDir(pid uint32, path string) int32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	h := t.nextDir
	t.nextDir++
	t.dirs[handleKey{pid, h}] = &dirHandleState{path: path}
	return h
}

func (t *handleTable) closeDir(pid uint32, h int32) *DaemonError {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := handleKey{pid, h}
	if _, ok := t.dirs[key]; !ok {
		return errf(wire.KindBadHandle, "dir handle %d not owned by pid %d", h, pid)
	}
	delete(t.dirs, key)
	return nil
}

func (t *handleTable) getDir(pid uint32, h int32) (*dirHandleState, *DaemonError) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.dirs[handleKey{pid, h}]
	if !ok {
		return nil, errf(wire.KindBadHandle, "dir handle %d not owned by pid %d", h, pid)
	}
	return d, nil
}

func (t *handleTable) openFd(pid uint32, branchID string, ino uint64, flags int32) int32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	h := t.nextFd
	t.nextFd++
	t.fds[handleKey{pid, h}] = &fdState{branchID: branchID, ino: ino, flags: flags}
	return h
}

func (t *handleTable) getFd(pid uint32, fd int32) (*fdState, *DaemonError) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.fds[handleKey{pid, fd}]
	if !ok {
		return nil, errf(wire.KindBadFd, "fd %d not owned by pid %d", fd, pid)
	}
	return s, nil
}

func (t *handleTable) dupFd(pid uint32, fd int32, toPid uint32) (int32, *DaemonError) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.fds[handleKey{pid, fd}]
	if !ok {
		return 0, errf(wire.KindBadFd, "fd %d not owned by pid %d", fd, pid)
	}
	cp := *s
	h := t.nextFd
	t.nextFd++
	t.fds[handleKey{toPid, h}] = &cp
	return h, nil
}

// releaseAll drops every handle owned by pid (connection close, spec.md
// "Closing" state: close any dir handles and surrogate FDs owned by the PID").
func (t *handleTable) releaseAll(pid uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k := range t.dirs {
		if k.pid == pid {
			delete(t.dirs, k)
		}
	}
	for k := range t.fds {
		if k.pid == pid {
			delete(t.fds, k)
		}
	}
}
