package rec

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/agent-harbor/ah/internal/afsd/wire"
)

// ipcServer is the Recorder IPC socket (spec.md §6.3): a local UDS advertised
// to the spawned child via AH_RECORDER_IPC_SOCKET, accepting a Snapshot
// command and replying with the anchor_byte the pipeline writer assigned it.
// Framing reuses wire's generic length-prefix helpers; the payload itself is
// JSON per spec.md's "JSON-like tagged union" wording, not CBOR.
type ipcServer struct {
	socketPath string
	listener   net.Listener
	session    *RecordingSession
}

type ipcSnapshotReq struct {
	Type  string  `json:"type"`
	ID    string  `json:"id"`
	Label *string `json:"label,omitempty"`
}

type ipcShutdownReq struct {
	Type string `json:"type"`
}

type ipcSnapshotResp struct {
	ID         string `json:"id"`
	AnchorByte uint64 `json:"anchor_byte"`
	TsNs       int64  `json:"ts_ns"`
}

type ipcErrorResp struct {
	Msg string `json:"msg"`
}

func newIPCServer(s *RecordingSession) (*ipcServer, error) {
	dir, err := os.MkdirTemp("", "ah-rec-ipc-")
	if err != nil {
		return nil, fmt.Errorf("create ipc socket dir: %w", err)
	}
	path := filepath.Join(dir, uuid.NewString()+".sock")
	l, err := net.Listen("unix", path)
	if err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("listen on %s: %w", path, err)
	}
	return &ipcServer{socketPath: path, listener: l, session: s}, nil
}

// Serve accepts connections until the listener is closed (by Close, on
// shutdown) or ctx is canceled.
func (ipc *ipcServer) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		ipc.listener.Close()
	}()
	for {
		conn, err := ipc.listener.Accept()
		if err != nil {
			return nil
		}
		go ipc.handleConn(conn)
	}
}

func (ipc *ipcServer) handleConn(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	for {
		frame, err := wire.ReadFrame(r)
		if err != nil {
			return
		}
		var head struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(frame, &head); err != nil {
			ipc.writeError(conn, "malformed request")
			continue
		}
		switch head.Type {
		case "snapshot":
			var req ipcSnapshotReq
			if err := json.Unmarshal(frame, &req); err != nil {
				ipc.writeError(conn, "malformed snapshot request")
				continue
			}
			ack := ipc.session.recordSnapshot(req.ID, req.Label)
			resp, err := json.Marshal(ipcSnapshotResp{ID: req.ID, AnchorByte: ack.anchorByte, TsNs: ack.tsNs})
			if err != nil {
				ipc.writeError(conn, "encode response")
				continue
			}
			if err := wire.WriteFrame(conn, resp); err != nil {
				return
			}
		case "shutdown":
			ipc.session.Shutdown()
			return
		default:
			ipc.writeError(conn, "unknown command")
		}
	}
}

func (ipc *ipcServer) writeError(conn net.Conn, msg string) {
	resp, err := json.Marshal(ipcErrorResp{Msg: msg})
	if err != nil {
		return
	}
	_ = wire.WriteFrame(conn, resp)
}

// Close stops accepting connections and removes the socket file.
func (ipc *ipcServer) Close() {
	ipc.listener.Close()
	os.Remove(ipc.socketPath)
	os.Remove(filepath.Dir(ipc.socketPath))
}
