// Package client is a Go client for the AgentFS daemon's Unix-domain-socket
// wire protocol, used by internal/fss's AgentFS provider and by
// internal/interpose's hook table. Mirrors the teacher's internal/relay
// client wrapper: one connection, one request in flight at a time,
// reconnect left to the caller.
package client

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/agent-harbor/ah/internal/afsd/wire"
)

// Client is a single connection to an AFSD daemon.
type Client struct {
	mu   sync.Mutex
	conn net.Conn
	r    *bufio.Reader
}

// Dial connects to the daemon listening on socketPath and performs the
// handshake described in spec.md §6.2.
func Dial(socketPath string) (*Client, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", socketPath, err)
	}
	c := &Client{conn: conn, r: bufio.NewReader(conn)}
	if err := c.handshake(); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

func (c *Client) handshake() error {
	hs := wire.HandshakeMessage{
		ClientVersion: wire.ProtocolVersion,
		ClientPid:     uint32(os.Getpid()),
	}
	if cwd, err := os.Getwd(); err == nil {
		hs.Cwd = []byte(cwd)
	}
	payload, err := wire.Encode("Handshake", hs)
	if err != nil {
		return fmt.Errorf("encode handshake: %w", err)
	}
	if err := wire.WriteFrame(c.conn, payload); err != nil {
		return fmt.Errorf("write handshake: %w", err)
	}
	ack := make([]byte, len(wire.HandshakeOK))
	if _, err := c.r.Read(ack); err != nil {
		return fmt.Errorf("read handshake ack: %w", err)
	}
	if string(ack) != string(wire.HandshakeOK) {
		return fmt.Errorf("unexpected handshake ack %q", ack)
	}
	return nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Close()
}

// call sends a tagged request and decodes the matching response, or
// returns an error carrying the daemon's reported errno.
func (c *Client) call(tag string, req, resp any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	payload, err := wire.Encode(tag, req)
	if err != nil {
		return fmt.Errorf("encode %s: %w", tag, err)
	}
	if err := wire.WriteFrame(c.conn, payload); err != nil {
		return fmt.Errorf("write %s: %w", tag, err)
	}
	frame, err := wire.ReadFrame(c.r)
	if err != nil {
		return fmt.Errorf("read response to %s: %w", tag, err)
	}
	env, err := wire.Decode(frame)
	if err != nil {
		return fmt.Errorf("decode response to %s: %w", tag, err)
	}
	if env.Tag == wire.TagError {
		var errResp wire.ErrorResponse
		if err := wire.DecodePayload(env, &errResp); err != nil {
			return fmt.Errorf("decode error response to %s: %w", tag, err)
		}
		return &RemoteError{Tag: tag, Message: errResp.Message, Errno: errResp.Errno}
	}
	if resp == nil {
		return nil
	}
	return wire.DecodePayload(env, resp)
}

// RemoteError wraps a daemon-reported failure with the POSIX errno the
// caller should re-raise, per spec.md §4.2.
type RemoteError struct {
	Tag     string
	Message string
	Errno   int32
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("afsd: %s: %s (errno %d)", e.Tag, e.Message, e.Errno)
}

// --- Snapshot / branch operations ---

func (c *Client) SnapshotCreate(label string) (wire.SnapshotInfo, error) {
	var resp wire.SnapshotInfo
	err := c.call(wire.TagSnapshotCreate, wire.SnapshotCreateReq{Label: label}, &resp)
	return resp, err
}

func (c *Client) SnapshotList() ([]wire.SnapshotInfo, error) {
	var resp wire.SnapshotListResp
	err := c.call(wire.TagSnapshotList, struct{}{}, &resp)
	return resp.Snapshots, err
}

func (c *Client) SnapshotExport(snapshotID string) (path, token string, err error) {
	var resp wire.SnapshotExportResp
	err = c.call(wire.TagSnapshotExport, wire.SnapshotExportReq{SnapshotID: snapshotID}, &resp)
	return resp.ExportPath, resp.CleanupToken, err
}

func (c *Client) SnapshotExportRelease(token string) error {
	return c.call(wire.TagSnapshotExportRelease, wire.SnapshotExportReleaseReq{CleanupToken: token}, nil)
}

func (c *Client) BranchCreate(fromSnapshotID, label string) (wire.BranchInfo, error) {
	var resp wire.BranchInfo
	err := c.call(wire.TagBranchCreate, wire.BranchCreateReq{FromSnapshotID: fromSnapshotID, Label: label}, &resp)
	return resp, err
}

func (c *Client) BranchBind(branchID string) error {
	return c.call(wire.TagBranchBind, wire.BranchBindReq{BranchID: branchID}, nil)
}

// --- File / directory operations ---

func (c *Client) FdOpen(path string, oflags int32, mode uint32) (wire.FdOpenResp, error) {
	var resp wire.FdOpenResp
	err := c.call(wire.TagFdOpen, wire.FdOpenReq{Path: path, Oflags: oflags, Mode: mode, CreatingPid: uint32(os.Getpid())}, &resp)
	return resp, err
}

func (c *Client) DirOpen(path string) (int32, error) {
	var resp wire.DirOpenResp
	err := c.call(wire.TagDirOpen, wire.DirOpenReq{Path: path, Pid: uint32(os.Getpid())}, &resp)
	return resp.DirHandle, err
}

func (c *Client) DirRead(handle int32) ([]wire.DirEntry, error) {
	var resp wire.DirReadResp
	err := c.call(wire.TagDirRead, wire.DirReadReq{DirHandle: handle, Pid: uint32(os.Getpid())}, &resp)
	return resp.Entries, err
}

func (c *Client) DirClose(handle int32) error {
	return c.call(wire.TagDirClose, wire.DirCloseReq{DirHandle: handle, Pid: uint32(os.Getpid())}, nil)
}

func (c *Client) Readlink(path string) (string, error) {
	var resp wire.ReadlinkResp
	err := c.call(wire.TagReadlink, wire.ReadlinkReq{Path: path, Pid: uint32(os.Getpid())}, &resp)
	return resp.Target, err
}

func (c *Client) PathOp(path, op string, args []byte) ([]byte, error) {
	var resp wire.PathOpResp
	err := c.call(wire.TagPathOp, wire.PathOpReq{Path: path, Op: op, Args: args, Pid: uint32(os.Getpid())}, &resp)
	return resp.Result, err
}

// --- Daemon state ---

func (c *Client) StateProcesses() ([]wire.ProcessInfo, error) {
	var resp wire.DaemonStateProcessesResp
	err := c.call(wire.TagDaemonStateProcesses, struct{}{}, &resp)
	return resp.Processes, err
}

func (c *Client) StateStats() (wire.DaemonStateStatsResp, error) {
	var resp wire.DaemonStateStatsResp
	err := c.call(wire.TagDaemonStateStats, struct{}{}, &resp)
	return resp, err
}

func (c *Client) StateFilesystem(maxDepth uint32) (wire.FsTreeNode, error) {
	var resp wire.DaemonStateFilesystemResp
	err := c.call(wire.TagDaemonStateFilesystem, wire.DaemonStateFilesystemReq{MaxDepth: maxDepth}, &resp)
	return resp.Root, err
}
