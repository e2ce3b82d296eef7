package wire

// Request tags, matching the table in spec.md §4.2.
const (
	TagSnapshotCreate         = "SnapshotCreate"
	TagSnapshotList           = "SnapshotList"
	TagSnapshotExport         = "SnapshotExport"
	TagSnapshotExportRelease  = "SnapshotExportRelease"
	TagBranchCreate           = "BranchCreate"
	TagBranchBind             = "BranchBind"
	TagFdOpen                 = "FdOpen"
	TagFdDup                  = "FdDup"
	TagDirOpen                = "DirOpen"
	TagDirRead                = "DirRead"
	TagDirClose               = "DirClose"
	TagReadlink               = "Readlink"
	TagPathOp                 = "PathOp"
	TagDaemonStateProcesses   = "DaemonStateProcesses"
	TagDaemonStateStats       = "DaemonStateStats"
	TagDaemonStateFilesystem  = "DaemonStateFilesystem"
	TagWatchRegisterKqueue    = "WatchRegisterKqueue"
	TagWatchRegisterFSEvents  = "WatchRegisterFSEvents"
	TagWatchRegisterFSEventsPort = "WatchRegisterFSEventsPort"
	TagWatchUnregister        = "WatchUnregister"
	TagWatchDoorbell          = "WatchDoorbell"
	TagUpdateDoorbellIdent    = "UpdateDoorbellIdent"
	TagQueryDoorbellIdent     = "QueryDoorbellIdent"
	TagWatchDrainEvents       = "WatchDrainEvents"
	TagWatchUnregisterFd      = "WatchUnregisterFd"
	TagWatchUnregisterKqueue  = "WatchUnregisterKqueue"

	TagOk    = "Ok"
	TagError = "Error"
)

// ErrorResponse is the shared failure envelope for every request.
type ErrorResponse struct {
	Message string `cbor:"message"`
	Errno   int32  `cbor:"errno,omitempty"`
}

// --- Snapshot / branch requests ---

type SnapshotCreateReq struct {
	Label string `cbor:"label,omitempty"`
}

type SnapshotInfo struct {
	ID    string `cbor:"id"`
	TsNs  int64  `cbor:"ts_ns"`
	Label string `cbor:"label,omitempty"`
}

type SnapshotListResp struct {
	Snapshots []SnapshotInfo `cbor:"snapshots"`
}

type SnapshotExportReq struct {
	SnapshotID string `cbor:"snapshot_id"`
}

type SnapshotExportResp struct {
	ExportPath   string `cbor:"export_path"`
	CleanupToken string `cbor:"cleanup_token"`
}

type SnapshotExportReleaseReq struct {
	CleanupToken string `cbor:"cleanup_token"`
}

type BranchCreateReq struct {
	FromSnapshotID string `cbor:"from_snapshot_id"`
	Label          string `cbor:"label,omitempty"`
}

type BranchInfo struct {
	ID    string `cbor:"id"`
	TsNs  int64  `cbor:"ts_ns"`
	Label string `cbor:"label,omitempty"`
}

type BranchBindReq struct {
	BranchID string `cbor:"branch_id"`
	Pid      uint32 `cbor:"pid,omitempty"`
}

// --- File / directory requests ---

type FdOpenReq struct {
	Path        string `cbor:"path"`
	Oflags      int32  `cbor:"oflags"`
	Mode        uint32 `cbor:"mode"`
	CreatingPid uint32 `cbor:"creating_pid"`
}

type FdOpenResp struct {
	Fd        int32 `cbor:"fd"`
	Surrogate bool  `cbor:"surrogate"`
}

type FdDupReq struct {
	Fd  int32  `cbor:"fd"`
	Pid uint32 `cbor:"pid"`
}

type FdDupResp struct {
	Fd int32 `cbor:"fd"`
}

type DirOpenReq struct {
	Path string `cbor:"path"`
	Pid  uint32 `cbor:"pid"`
}

type DirOpenResp struct {
	DirHandle int32 `cbor:"dir_handle"`
}

type DirReadReq struct {
	DirHandle int32  `cbor:"dir_handle"`
	Pid       uint32 `cbor:"pid"`
}

type DirEntry struct {
	Name string `cbor:"name"`
	Kind string `cbor:"kind"` // "file" | "dir" | "symlink" | "special"
	Ino  uint64 `cbor:"ino"`
}

type DirReadResp struct {
	Entries []DirEntry `cbor:"entries"`
}

type DirCloseReq struct {
	DirHandle int32  `cbor:"dir_handle"`
	Pid       uint32 `cbor:"pid"`
}

type ReadlinkReq struct {
	Path string `cbor:"path"`
	Pid  uint32 `cbor:"pid"`
}

type ReadlinkResp struct {
	Target string `cbor:"target"`
}

// PathOp carries less-common path-based operations as a generic op name +
// argument blob, mirroring spec.md §4.2's "op-specific blob" contract. The
// daemon handles mkdir, unlink, chmod/fchmod, chown/fchown,
// truncate/ftruncate and utimes/futimes; any other op name is answered with
// an Unsupported error.
type PathOpReq struct {
	Path string          `cbor:"path"`
	Op   string          `cbor:"op"`
	Args cborRawOrNil    `cbor:"args,omitempty"`
	Pid  uint32          `cbor:"pid"`
}

type cborRawOrNil = []byte

type PathOpResp struct {
	Result []byte `cbor:"result,omitempty"`
}

// --- Daemon state requests ---

type ProcessInfo struct {
	Pid          uint32 `cbor:"pid"`
	Uid          uint32 `cbor:"uid"`
	Gid          uint32 `cbor:"gid"`
	Pgid         uint32 `cbor:"pgid"`
	BoundBranch  string `cbor:"bound_branch,omitempty"`
}

type DaemonStateProcessesResp struct {
	Processes []ProcessInfo `cbor:"processes"`
}

type DaemonStateStatsResp struct {
	Counters     map[string]uint64 `cbor:"counters"`
	CacheHits    uint64            `cbor:"cache_hits"`
	CacheMisses  uint64            `cbor:"cache_misses"`
	BranchCount  uint32            `cbor:"branch_count"`
}

type DaemonStateFilesystemReq struct {
	MaxDepth       uint32 `cbor:"max_depth"`
	IncludeOverlay bool   `cbor:"include_overlay"`
	MaxFileSize    uint64 `cbor:"max_file_size"`
}

type FsTreeNode struct {
	Name     string       `cbor:"name"`
	Kind     string       `cbor:"kind"`
	Size     uint64       `cbor:"size,omitempty"`
	Children []FsTreeNode `cbor:"children,omitempty"`
}

type DaemonStateFilesystemResp struct {
	Root FsTreeNode `cbor:"root"`
}

// --- Watch requests ---

type WatchRegisterKqueueReq struct {
	Pid           uint32 `cbor:"pid"`
	KqFd          int32  `cbor:"kq_fd"`
	WatchID       uint64 `cbor:"watch_id"`
	Fd            int32  `cbor:"fd"`
	Fflags        uint32 `cbor:"fflags"`
}

type WatchRegisterResp struct {
	RegistrationID uint64 `cbor:"registration_id"`
}

type WatchRegisterFSEventsReq struct {
	Pid      uint32   `cbor:"pid"`
	StreamID uint64   `cbor:"stream_id"`
	Roots    []string `cbor:"roots"`
	Flags    uint32   `cbor:"flags"`
	LatencyMs uint32  `cbor:"latency_ms"`
}

type WatchRegisterFSEventsPortReq struct {
	Pid      uint32 `cbor:"pid"`
	PortName string `cbor:"port_name"`
}

type WatchUnregisterReq struct {
	Pid            uint32 `cbor:"pid"`
	RegistrationID uint64 `cbor:"registration_id"`
}

type WatchDoorbellReq struct {
	Pid           uint32 `cbor:"pid"`
	KqFd          int32  `cbor:"kq_fd"`
	DoorbellIdent uint64 `cbor:"doorbell_ident"`
}

type UpdateDoorbellIdentReq struct {
	Pid      uint32 `cbor:"pid"`
	OldIdent uint64 `cbor:"old_ident"`
	NewIdent uint64 `cbor:"new_ident"`
}

type QueryDoorbellIdentReq struct {
	Pid uint32 `cbor:"pid"`
}

type QueryDoorbellIdentResp struct {
	Ident uint64 `cbor:"ident"`
}

type WatchDrainEventsReq struct {
	Pid       uint32 `cbor:"pid"`
	KqFd      int32  `cbor:"kq_fd"`
	MaxEvents uint32 `cbor:"max_events"`
}

type WatchEvent struct {
	Path  string `cbor:"path"`
	Mask  uint32 `cbor:"mask"`
	TsNs  int64  `cbor:"ts_ns"`
}

type WatchDrainEventsResp struct {
	Events []WatchEvent `cbor:"events"`
}

type WatchUnregisterFdReq struct {
	Pid uint32 `cbor:"pid"`
	Fd  int32  `cbor:"fd"`
}

type WatchUnregisterKqueueReq struct {
	Pid  uint32 `cbor:"pid"`
	KqFd int32  `cbor:"kq_fd"`
}
