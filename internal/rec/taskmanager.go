package rec

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"

	"github.com/agent-harbor/ah/internal/afsd/wire"
)

// taskManagerClient forwards PTY activity to an external task manager over
// the socket described in spec.md §6.4 and relays InjectInput back into the
// recorded child. Framing reuses wire's length-prefix helpers; messages are
// JSON, matching the Recorder IPC's encoding choice.
type taskManagerClient struct {
	conn net.Conn
	r    *bufio.Reader
	mu   sync.Mutex
}

type tmSessionEvent struct {
	Type    string `json:"type"`
	Kind    string `json:"kind"` // status, log, tool_use, file_edit
	Payload string `json:"payload,omitempty"`
}

type tmPtyData struct {
	Type  string `json:"type"`
	Bytes []byte `json:"bytes"`
}

type tmPtyResize struct {
	Type string `json:"type"`
	Cols int    `json:"cols"`
	Rows int    `json:"rows"`
}

type tmInjectInput struct {
	Type  string `json:"type"`
	Bytes []byte `json:"bytes"`
}

func dialTaskManager(socketPath, sessionID string) (*taskManagerClient, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("dial task manager %s: %w", socketPath, err)
	}
	if err := wire.WriteFrame(conn, []byte(sessionID)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send session id: %w", err)
	}
	return &taskManagerClient{conn: conn, r: bufio.NewReader(conn)}, nil
}

// Run reads InjectInput messages from the task manager until the connection
// closes or ctx is canceled, applying each to session's PTY.
func (t *taskManagerClient) Run(ctx context.Context, session *RecordingSession) error {
	go func() {
		<-ctx.Done()
		t.conn.Close()
	}()
	for {
		frame, err := wire.ReadFrame(t.r)
		if err != nil {
			return nil
		}
		var head struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(frame, &head); err != nil {
			continue
		}
		if head.Type != "inject_input" {
			continue
		}
		var req tmInjectInput
		if err := json.Unmarshal(frame, &req); err != nil {
			continue
		}
		session.InjectInput(req.Bytes)
	}
}

func (t *taskManagerClient) send(v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	_ = wire.WriteFrame(t.conn, payload)
}

// SendPtyData forwards raw PTY output to the task manager.
func (t *taskManagerClient) SendPtyData(data []byte) {
	t.send(tmPtyData{Type: "pty_data", Bytes: data})
}

// SendPtyResize notifies the task manager of a resize.
func (t *taskManagerClient) SendPtyResize(cols, rows int) {
	t.send(tmPtyResize{Type: "pty_resize", Cols: cols, Rows: rows})
}

// SendSessionEvent reports a status/log/tool_use/file_edit event.
func (t *taskManagerClient) SendSessionEvent(kind, payload string) {
	t.send(tmSessionEvent{Type: "session_event", Kind: kind, Payload: payload})
}

// Close closes the task-manager connection.
func (t *taskManagerClient) Close() {
	t.conn.Close()
}
