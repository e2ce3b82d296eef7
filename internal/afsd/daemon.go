// Package afsd implements the AgentFS daemon: a per-session branched,
// snapshot-capable virtual filesystem served over a Unix domain socket.
// Structure follows the teacher's internal/daemon.Run: a signal-aware
// main loop around long-lived listener/worker goroutines.
package afsd

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agent-harbor/ah/internal/afsd/watch"
	"github.com/agent-harbor/ah/internal/afsd/wire"
	"github.com/agent-harbor/ah/internal/logger"
)

// BackstoreMode selects where file content lives, per spec.md §3.2.
type BackstoreMode int

const (
	BackstoreInMemory BackstoreMode = iota
	BackstoreHostFs
	BackstoreRamDisk
)

// Daemon serves one session's branched filesystem over a UDS. Concurrency
// follows spec.md §5: one goroutine per connection, a single lock guarding
// the branch/snapshot maps, a separate fine-grained lock (inside watch.Service)
// for per-PID watch state.
type Daemon struct {
	mu            sync.Mutex
	branches      map[string]*Branch
	snapshots     map[string]*Snapshot
	registry      *registry
	handles       *handleTable
	exports       *exportTable
	watch         *watch.Service
	backstore     BackstoreMode
	exportBaseDir string
	socketPath    string
	listener      net.Listener
	stats         stats
}

type stats struct {
	mu          sync.Mutex
	cacheHits   uint64
	cacheMisses uint64
	counters    map[string]uint64
}

// New creates a Daemon with one initial empty branch named "main".
func New(socketPath, exportBaseDir string, backstore BackstoreMode) *Daemon {
	main := newBranch("main")
	return &Daemon{
		branches:      map[string]*Branch{"main": main},
		snapshots:     map[string]*Snapshot{},
		registry:      newRegistry(),
		handles:       newHandleTable(),
		exports:       newExportTable(),
		watch:         watch.New(),
		backstore:     backstore,
		exportBaseDir: exportBaseDir,
		socketPath:    socketPath,
		stats:         stats{counters: map[string]uint64{}},
	}
}

// DefaultBranch returns the daemon's initial branch, used by PID-less
// direct callers (e.g. the fss AgentFS provider in test harnesses).
func (d *Daemon) DefaultBranch() *Branch {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.branches["main"]
}

func (d *Daemon) branch(id string) (*Branch, *DaemonError) {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.branches[id]
	if !ok {
		return nil, errf(wire.KindNotFound, "branch %s not found", id)
	}
	return b, nil
}

// ListenAndServe binds socketPath and serves connections until ctx is
// canceled, mirroring internal/daemon.Run's signal+errCh shutdown shape.
func (d *Daemon) ListenAndServe(ctx context.Context) error {
	l, err := net.Listen("unix", d.socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", d.socketPath, err)
	}
	d.listener = l
	defer l.Close()

	go func() {
		<-ctx.Done()
		l.Close()
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("accept: %w", err)
		}
		go d.handleConn(conn)
	}
}

// connState mirrors spec.md §4.2's per-connection state machine:
// New -> Handshaking -> Registered -> Closing.
type connState int

const (
	stateNew connState = iota
	stateHandshaking
	stateRegistered
	stateClosing
)

func (d *Daemon) handleConn(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	state := stateHandshaking

	frame, err := wire.ReadFrame(r)
	if err != nil {
		return // framing error: abort, force Closing
	}
	env, derr := wire.Decode(frame)
	if derr != nil || env.Tag != "Handshake" {
		return
	}
	var hs wire.HandshakeMessage
	if err := wire.DecodePayload(env, &hs); err != nil {
		return
	}
	if hs.ClientVersion != wire.ProtocolVersion {
		return
	}
	reg := &ProcessRegistration{Pid: hs.ClientPid}
	d.registry.register(reg)
	if _, err := conn.Write(wire.HandshakeOK); err != nil {
		d.teardown(reg.Pid)
		return
	}
	state = stateRegistered

	for state == stateRegistered {
		frame, err := wire.ReadFrame(r)
		if err != nil {
			break
		}
		env, derr := wire.Decode(frame)
		if derr != nil {
			d.writeError(conn, wire.KindInvalid, "invalid encoding")
			continue
		}
		d.dispatch(conn, reg.Pid, env)
	}
	state = stateClosing
	d.teardown(reg.Pid)
}

func (d *Daemon) teardown(pid uint32) {
	d.handles.releaseAll(pid)
	d.watch.ReleaseAll(pid)
	d.registry.unregister(pid)
}

func (d *Daemon) writeError(conn net.Conn, kind wire.Kind, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	payload, err := wire.Encode(wire.TagError, wire.ErrorResponse{Message: msg, Errno: wire.Errno(kind)})
	if err != nil {
		logger.Error("afsd: encode error response", "error", err)
		return
	}
	if err := wire.WriteFrame(conn, payload); err != nil {
		logger.Error("afsd: write error response", "error", err)
	}
}

func (d *Daemon) writeOk(conn net.Conn, payload any) {
	buf, err := wire.Encode(wire.TagOk, payload)
	if err != nil {
		logger.Error("afsd: encode ok response", "error", err)
		return
	}
	if err := wire.WriteFrame(conn, buf); err != nil {
		logger.Error("afsd: write ok response", "error", err)
	}
}

// dispatch decodes and executes one request. A panic inside a handler is
// isolated to this connection's goroutine per spec.md §4.2 failure
// semantics ("the daemon logs and continues").
func (d *Daemon) dispatch(conn net.Conn, pid uint32, env wire.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("afsd: recovered panic handling request", "tag", env.Tag, "panic", r)
			d.writeError(conn, wire.KindInternal, "internal error")
		}
	}()

	switch env.Tag {
	case wire.TagSnapshotCreate:
		var req wire.SnapshotCreateReq
		_ = wire.DecodePayload(env, &req)
		d.handleSnapshotCreate(conn, pid, req)
	case wire.TagSnapshotList:
		d.handleSnapshotList(conn, pid)
	case wire.TagSnapshotExport:
		var req wire.SnapshotExportReq
		_ = wire.DecodePayload(env, &req)
		d.handleSnapshotExport(conn, req)
	case wire.TagSnapshotExportRelease:
		var req wire.SnapshotExportReleaseReq
		_ = wire.DecodePayload(env, &req)
		d.handleSnapshotExportRelease(conn, req)
	case wire.TagBranchCreate:
		var req wire.BranchCreateReq
		_ = wire.DecodePayload(env, &req)
		d.handleBranchCreate(conn, req)
	case wire.TagBranchBind:
		var req wire.BranchBindReq
		_ = wire.DecodePayload(env, &req)
		d.handleBranchBind(conn, pid, req)
	case wire.TagFdOpen:
		var req wire.FdOpenReq
		_ = wire.DecodePayload(env, &req)
		d.handleFdOpen(conn, pid, req)
	case wire.TagFdDup:
		var req wire.FdDupReq
		_ = wire.DecodePayload(env, &req)
		d.handleFdDup(conn, req)
	case wire.TagDirOpen:
		var req wire.DirOpenReq
		_ = wire.DecodePayload(env, &req)
		d.handleDirOpen(conn, pid, req)
	case wire.TagDirRead:
		var req wire.DirReadReq
		_ = wire.DecodePayload(env, &req)
		d.handleDirRead(conn, pid, req)
	case wire.TagDirClose:
		var req wire.DirCloseReq
		_ = wire.DecodePayload(env, &req)
		d.handleDirClose(conn, pid, req)
	case wire.TagReadlink:
		var req wire.ReadlinkReq
		_ = wire.DecodePayload(env, &req)
		d.handleReadlink(conn, pid, req)
	case wire.TagPathOp:
		var req wire.PathOpReq
		_ = wire.DecodePayload(env, &req)
		d.handlePathOp(conn, pid, req)
	case wire.TagDaemonStateProcesses:
		d.handleStateProcesses(conn)
	case wire.TagDaemonStateStats:
		d.handleStateStats(conn)
	case wire.TagDaemonStateFilesystem:
		var req wire.DaemonStateFilesystemReq
		_ = wire.DecodePayload(env, &req)
		d.handleStateFilesystem(conn, pid, req)
	case wire.TagWatchRegisterKqueue:
		var req wire.WatchRegisterKqueueReq
		_ = wire.DecodePayload(env, &req)
		d.handleWatchRegisterKqueue(conn, req)
	case wire.TagWatchRegisterFSEvents:
		var req wire.WatchRegisterFSEventsReq
		_ = wire.DecodePayload(env, &req)
		d.handleWatchRegisterFSEvents(conn, req)
	case wire.TagWatchRegisterFSEventsPort:
		var req wire.WatchRegisterFSEventsPortReq
		_ = wire.DecodePayload(env, &req)
		d.watch.RegisterMachPort(req.Pid, req.PortName)
		d.writeOk(conn, struct{}{})
	case wire.TagWatchUnregister:
		var req wire.WatchUnregisterReq
		_ = wire.DecodePayload(env, &req)
		d.watch.Unregister(req.RegistrationID)
		d.writeOk(conn, struct{}{})
	case wire.TagWatchDoorbell:
		var req wire.WatchDoorbellReq
		_ = wire.DecodePayload(env, &req)
		d.watch.UpdateDoorbellIdent(req.Pid, req.KqFd, req.DoorbellIdent)
		d.writeOk(conn, struct{}{})
	case wire.TagUpdateDoorbellIdent:
		var req wire.UpdateDoorbellIdentReq
		_ = wire.DecodePayload(env, &req)
		d.watch.UpdateDoorbellIdent(req.Pid, 0, req.NewIdent)
		d.writeOk(conn, struct{}{})
	case wire.TagQueryDoorbellIdent:
		var req wire.QueryDoorbellIdentReq
		_ = wire.DecodePayload(env, &req)
		ident, _ := d.watch.QueryDoorbellIdent(req.Pid, 0)
		d.writeOk(conn, wire.QueryDoorbellIdentResp{Ident: ident})
	case wire.TagWatchDrainEvents:
		var req wire.WatchDrainEventsReq
		_ = wire.DecodePayload(env, &req)
		d.handleWatchDrainEvents(conn, req)
	case wire.TagWatchUnregisterFd:
		var req wire.WatchUnregisterFdReq
		_ = wire.DecodePayload(env, &req)
		d.watch.UnregisterFdAnyKqueue(req.Pid, req.Fd)
		d.writeOk(conn, struct{}{})
	case wire.TagWatchUnregisterKqueue:
		var req wire.WatchUnregisterKqueueReq
		_ = wire.DecodePayload(env, &req)
		d.watch.UnregisterKqueueFd(req.Pid, req.KqFd)
		d.writeOk(conn, struct{}{})
	default:
		d.writeError(conn, wire.KindUnsupported, "unsupported request: %s", env.Tag)
	}
}

func (d *Daemon) boundBranch(pid uint32) (*Branch, *DaemonError) {
	reg, ok := d.registry.get(pid)
	if !ok || reg.BoundBranch == "" {
		return d.branch("main")
	}
	return d.branch(reg.BoundBranch)
}

func (d *Daemon) handleSnapshotCreate(conn net.Conn, pid uint32, req wire.SnapshotCreateReq) {
	b, derr := d.boundBranch(pid)
	if derr != nil {
		d.writeError(conn, derr.Kind, derr.Message)
		return
	}
	snap := b.Snapshot(req.Label)
	d.mu.Lock()
	d.snapshots[snap.ID] = snap
	d.mu.Unlock()
	d.writeOk(conn, wire.SnapshotInfo{ID: snap.ID, TsNs: snap.TsNs, Label: snap.Label})
}

func (d *Daemon) handleSnapshotList(conn net.Conn, pid uint32) {
	b, derr := d.boundBranch(pid)
	if derr != nil {
		d.writeError(conn, derr.Kind, derr.Message)
		return
	}
	b.mu.RLock()
	out := make([]wire.SnapshotInfo, 0, len(b.snapshots))
	for _, s := range b.snapshots {
		out = append(out, wire.SnapshotInfo{ID: s.ID, TsNs: s.TsNs, Label: s.Label})
	}
	b.mu.RUnlock()
	d.writeOk(conn, wire.SnapshotListResp{Snapshots: out})
}

func (d *Daemon) handleSnapshotExport(conn net.Conn, req wire.SnapshotExportReq) {
	path, token, derr := d.SnapshotExport(req.SnapshotID)
	if derr != nil {
		d.writeError(conn, derr.Kind, derr.Message)
		return
	}
	d.writeOk(conn, wire.SnapshotExportResp{ExportPath: path, CleanupToken: token})
}

func (d *Daemon) handleSnapshotExportRelease(conn net.Conn, req wire.SnapshotExportReleaseReq) {
	if derr := d.SnapshotExportRelease(req.CleanupToken); derr != nil {
		d.writeError(conn, derr.Kind, derr.Message)
		return
	}
	d.writeOk(conn, struct{}{})
}

func (d *Daemon) handleBranchCreate(conn net.Conn, req wire.BranchCreateReq) {
	d.mu.Lock()
	snap, ok := d.snapshots[req.FromSnapshotID]
	d.mu.Unlock()
	if !ok {
		d.writeError(conn, wire.KindNotFound, "snapshot %s not found", req.FromSnapshotID)
		return
	}
	id := "branch-" + uuid.NewString()
	nb := NewBranchFromSnapshot(snap, id)
	d.mu.Lock()
	d.branches[id] = nb
	d.mu.Unlock()
	d.writeOk(conn, wire.BranchInfo{ID: id, TsNs: time.Now().UnixNano(), Label: req.Label})
}

func (d *Daemon) handleBranchBind(conn net.Conn, pid uint32, req wire.BranchBindReq) {
	bindPid := pid
	if req.Pid != 0 {
		bindPid = req.Pid
	}
	if _, derr := d.branch(req.BranchID); derr != nil {
		d.writeError(conn, derr.Kind, derr.Message)
		return
	}
	if !d.registry.bind(bindPid, req.BranchID) {
		d.writeError(conn, wire.KindNotFound, "pid %d not registered", bindPid)
		return
	}
	d.writeOk(conn, struct{}{})
}

func (d *Daemon) handleFdOpen(conn net.Conn, pid uint32, req wire.FdOpenReq) {
	b, derr := d.boundBranch(pid)
	if derr != nil {
		d.writeError(conn, derr.Kind, derr.Message)
		return
	}
	const oExcl = 0x80
	excl := req.Oflags&oExcl != 0
	ino, derr := b.CreateFile(req.Path, req.CreatingPid, req.CreatingPid, req.Mode, excl)
	if derr != nil {
		d.writeError(conn, derr.Kind, derr.Message)
		return
	}
	fd := d.handles.openFd(pid, b.ID(), ino, req.Oflags)
	d.writeOk(conn, wire.FdOpenResp{Fd: fd, Surrogate: true})
}

func (d *Daemon) handleFdDup(conn net.Conn, req wire.FdDupReq) {
	fd, derr := d.handles.dupFd(req.Pid, req.Fd, req.Pid)
	if derr != nil {
		d.writeError(conn, derr.Kind, derr.Message)
		return
	}
	d.writeOk(conn, wire.FdDupResp{Fd: fd})
}

func (d *Daemon) handleDirOpen(conn net.Conn, pid uint32, req wire.DirOpenReq) {
	b, derr := d.boundBranch(pid)
	if derr != nil {
		d.writeError(conn, derr.Kind, derr.Message)
		return
	}
	if _, derr := b.Stat(req.Path); derr != nil {
		d.writeError(conn, derr.Kind, derr.Message)
		return
	}
	h := d.handles.openDir(pid, req.Path)
	d.writeOk(conn, wire.DirOpenResp{DirHandle: h})
}

func (d *Daemon) handleDirRead(conn net.Conn, pid uint32, req wire.DirReadReq) {
	st, derr := d.handles.getDir(pid, req.DirHandle)
	if derr != nil {
		d.writeError(conn, derr.Kind, derr.Message)
		return
	}
	b, derr := d.boundBranch(pid)
	if derr != nil {
		d.writeError(conn, derr.Kind, derr.Message)
		return
	}
	entries, derr := b.ReadDir(st.path)
	if derr != nil {
		d.writeError(conn, derr.Kind, derr.Message)
		return
	}
	d.writeOk(conn, wire.DirReadResp{Entries: entries})
}

func (d *Daemon) handleDirClose(conn net.Conn, pid uint32, req wire.DirCloseReq) {
	if derr := d.handles.closeDir(pid, req.DirHandle); derr != nil {
		d.writeError(conn, derr.Kind, derr.Message)
		return
	}
	d.writeOk(conn, struct{}{})
}

func (d *Daemon) handleReadlink(conn net.Conn, pid uint32, req wire.ReadlinkReq) {
	b, derr := d.boundBranch(pid)
	if derr != nil {
		d.writeError(conn, derr.Kind, derr.Message)
		return
	}
	target, derr := b.Readlink(req.Path)
	if derr != nil {
		d.writeError(conn, derr.Kind, derr.Message)
		return
	}
	d.writeOk(conn, wire.ReadlinkResp{Target: target})
}

// handlePathOp dispatches the generic path-operation RPC (spec.md §4.2's
// tagged-union request table) to the bound branch. Op-specific argument
// blobs are little-endian encoded by the interpose hooks that build them
// (internal/interpose/hooks.go), mirroring HandleMkdir's existing mode
// encoding.
func (d *Daemon) handlePathOp(conn net.Conn, pid uint32, req wire.PathOpReq) {
	b, derr := d.boundBranch(pid)
	if derr != nil {
		d.writeError(conn, derr.Kind, derr.Message)
		return
	}
	switch req.Op {
	case "mkdir":
		if len(req.Args) < 4 {
			d.writeError(conn, wire.KindInvalid, "mkdir: missing mode argument")
			return
		}
		mode := binary.LittleEndian.Uint32(req.Args[0:4])
		uid, gid := pathOpOwner(d, pid)
		if _, derr := b.Mkdir(req.Path, uid, gid, mode); derr != nil {
			d.writeError(conn, derr.Kind, derr.Message)
			return
		}
	case "unlink":
		if derr := b.Unlink(req.Path); derr != nil {
			d.writeError(conn, derr.Kind, derr.Message)
			return
		}
	case "chmod", "fchmod":
		if len(req.Args) < 4 {
			d.writeError(conn, wire.KindInvalid, "%s: missing mode argument", req.Op)
			return
		}
		mode := binary.LittleEndian.Uint32(req.Args[0:4])
		if derr := b.Chmod(req.Path, mode); derr != nil {
			d.writeError(conn, derr.Kind, derr.Message)
			return
		}
	case "chown", "fchown":
		if len(req.Args) < 8 {
			d.writeError(conn, wire.KindInvalid, "%s: missing uid/gid arguments", req.Op)
			return
		}
		uid := binary.LittleEndian.Uint32(req.Args[0:4])
		gid := binary.LittleEndian.Uint32(req.Args[4:8])
		if derr := b.Chown(req.Path, uid, gid); derr != nil {
			d.writeError(conn, derr.Kind, derr.Message)
			return
		}
	case "truncate", "ftruncate":
		if len(req.Args) < 8 {
			d.writeError(conn, wire.KindInvalid, "%s: missing size argument", req.Op)
			return
		}
		size := binary.LittleEndian.Uint64(req.Args[0:8])
		if derr := b.Truncate(req.Path, size); derr != nil {
			d.writeError(conn, derr.Kind, derr.Message)
			return
		}
	case "utimes", "futimes":
		atime, mtime, derr := decodeUtimesArgs(req.Args)
		if derr != nil {
			d.writeError(conn, derr.Kind, derr.Message)
			return
		}
		if derr := b.SetTimes(req.Path, atime, mtime); derr != nil {
			d.writeError(conn, derr.Kind, derr.Message)
			return
		}
	default:
		d.writeError(conn, wire.KindUnsupported, "unsupported path op: %s", req.Op)
		return
	}
	d.writeOk(conn, wire.PathOpResp{})
}

// pathOpOwner returns the uid/gid to attribute a new vnode to, preferring
// the connection's registered identity and falling back to pid itself
// (matching handleFdOpen's existing loose convention for unregistered
// callers).
func pathOpOwner(d *Daemon, pid uint32) (uid, gid uint32) {
	if reg, ok := d.registry.get(pid); ok {
		return reg.Uid, reg.Gid
	}
	return pid, pid
}

// decodeUtimesArgs unpacks utimes/futimes's wire argument blob: 8 bytes
// atime (unix nanoseconds), 8 bytes mtime, 1 trailing flags byte where bit
// 0 means "set atime" and bit 1 means "set mtime" (utimensat's UTIME_OMIT
// semantics collapsed to this wire shape).
func decodeUtimesArgs(args []byte) (atime, mtime *time.Time, derr *DaemonError) {
	if len(args) < 17 {
		return nil, nil, errf(wire.KindInvalid, "utimes: malformed argument blob")
	}
	atNs := int64(binary.LittleEndian.Uint64(args[0:8]))
	mtNs := int64(binary.LittleEndian.Uint64(args[8:16]))
	flags := args[16]
	if flags&0x1 != 0 {
		t := time.Unix(0, atNs)
		atime = &t
	}
	if flags&0x2 != 0 {
		t := time.Unix(0, mtNs)
		mtime = &t
	}
	return atime, mtime, nil
}

func (d *Daemon) handleStateProcesses(conn net.Conn) {
	regs := d.registry.all()
	out := make([]wire.ProcessInfo, 0, len(regs))
	for _, r := range regs {
		out = append(out, wire.ProcessInfo{Pid: r.Pid, Uid: r.Uid, Gid: r.Gid, Pgid: r.Pgid, BoundBranch: r.BoundBranch})
	}
	d.writeOk(conn, wire.DaemonStateProcessesResp{Processes: out})
}

func (d *Daemon) handleStateStats(conn net.Conn) {
	d.mu.Lock()
	branchCount := len(d.branches)
	d.mu.Unlock()
	d.stats.mu.Lock()
	resp := wire.DaemonStateStatsResp{
		Counters:    d.stats.counters,
		CacheHits:   d.stats.cacheHits,
		CacheMisses: d.stats.cacheMisses,
		BranchCount: uint32(branchCount),
	}
	d.stats.mu.Unlock()
	d.writeOk(conn, resp)
}

func (d *Daemon) handleStateFilesystem(conn net.Conn, pid uint32, req wire.DaemonStateFilesystemReq) {
	b, derr := d.boundBranch(pid)
	if derr != nil {
		d.writeError(conn, derr.Kind, derr.Message)
		return
	}
	b.mu.RLock()
	root := fsTree(b.tree, 1, "", req.MaxDepth)
	b.mu.RUnlock()
	d.writeOk(conn, wire.DaemonStateFilesystemResp{Root: root})
}

func fsTree(tree map[uint64]*vnode, ino uint64, name string, maxDepth uint32) wire.FsTreeNode {
	n := tree[ino]
	if n == nil {
		return wire.FsTreeNode{Name: name, Kind: "missing"}
	}
	node := wire.FsTreeNode{Name: name, Kind: kindName(n.Kind), Size: uint64(len(n.Content))}
	if n.Kind == KindDir && maxDepth != 1 {
		next := maxDepth
		if next > 0 {
			next--
		}
		for childName, childIno := range n.Entries {
			node.Children = append(node.Children, fsTree(tree, childIno, childName, next))
		}
	}
	return node
}

func (d *Daemon) handleWatchRegisterKqueue(conn net.Conn, req wire.WatchRegisterKqueueReq) {
	id := d.watch.RegisterKqueue(req.Pid, req.KqFd, req.WatchID, req.Fd, req.Fflags, nil)
	d.writeOk(conn, wire.WatchRegisterResp{RegistrationID: id})
}

func (d *Daemon) handleWatchRegisterFSEvents(conn net.Conn, req wire.WatchRegisterFSEventsReq) {
	id := d.watch.RegisterFSEvents(req.Pid, req.StreamID, req.Roots, req.Flags, time.Duration(req.LatencyMs)*time.Millisecond)
	d.writeOk(conn, wire.WatchRegisterResp{RegistrationID: id})
}

func (d *Daemon) handleWatchDrainEvents(conn net.Conn, req wire.WatchDrainEventsReq) {
	events := d.watch.DrainKqueue(req.Pid, req.KqFd, int(req.MaxEvents))
	out := make([]wire.WatchEvent, 0, len(events))
	for _, e := range events {
		out = append(out, wire.WatchEvent{Path: e.Path, Mask: e.Mask, TsNs: e.TsNs})
	}
	d.writeOk(conn, wire.WatchDrainEventsResp{Events: out})
}
