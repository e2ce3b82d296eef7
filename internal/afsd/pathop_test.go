package afsd

import (
	"bufio"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/agent-harbor/ah/internal/afsd/wire"
)

// wireTestClient speaks the raw AFSD wire protocol directly (rather than
// going through internal/afsd/client, whose Client always stamps
// os.Getpid() as the client pid) so tests can exercise multiple distinct
// daemon-registered identities from within one test process.
type wireTestClient struct {
	conn net.Conn
	r    *bufio.Reader
}

func dialWireTestClient(t *testing.T, d *Daemon, pid uint32) *wireTestClient {
	t.Helper()
	client, server := net.Pipe()
	go d.handleConn(server)
	tc := &wireTestClient{conn: client, r: bufio.NewReader(client)}
	t.Cleanup(func() { tc.conn.Close() })

	hs := wire.HandshakeMessage{ClientVersion: wire.ProtocolVersion, ClientPid: pid}
	payload, err := wire.Encode("Handshake", hs)
	if err != nil {
		t.Fatalf("encode handshake: %v", err)
	}
	if err := wire.WriteFrame(tc.conn, payload); err != nil {
		t.Fatalf("write handshake: %v", err)
	}
	ack := make([]byte, len(wire.HandshakeOK))
	if _, err := tc.r.Read(ack); err != nil {
		t.Fatalf("read handshake ack: %v", err)
	}
	if string(ack) != string(wire.HandshakeOK) {
		t.Fatalf("unexpected handshake ack %q", ack)
	}
	return tc
}

func (tc *wireTestClient) call(t *testing.T, tag string, req, resp any) error {
	t.Helper()
	payload, err := wire.Encode(tag, req)
	if err != nil {
		t.Fatalf("encode %s: %v", tag, err)
	}
	if err := wire.WriteFrame(tc.conn, payload); err != nil {
		t.Fatalf("write %s: %v", tag, err)
	}
	frame, err := wire.ReadFrame(tc.r)
	if err != nil {
		t.Fatalf("read response to %s: %v", tag, err)
	}
	env, err := wire.Decode(frame)
	if err != nil {
		t.Fatalf("decode response to %s: %v", tag, err)
	}
	if env.Tag == wire.TagError {
		var errResp wire.ErrorResponse
		_ = wire.DecodePayload(env, &errResp)
		return &remoteErr{msg: errResp.Message}
	}
	if resp != nil {
		return wire.DecodePayload(env, resp)
	}
	return nil
}

type remoteErr struct{ msg string }

func (e *remoteErr) Error() string { return e.msg }

// TestHandlePathOpChmodChownTruncateUtimes drives the PathOp RPC end to
// end (dispatch -> handlePathOp -> Branch methods) for the ops that were
// previously unimplemented: chmod, chown, truncate, utimes.
func TestHandlePathOpChmodChownTruncateUtimes(t *testing.T) {
	d := New("", t.TempDir(), BackstoreInMemory)
	const pid uint32 = 42
	tc := dialWireTestClient(t, d, pid)

	b := d.DefaultBranch()
	if derr := b.WriteFile("/f.txt", 0, 0, []byte("0123456789")); derr != nil {
		t.Fatalf("WriteFile: %v", derr)
	}

	var modeArgs [4]byte
	binary.LittleEndian.PutUint32(modeArgs[:], 0o640)
	if err := tc.call(t, wire.TagPathOp, wire.PathOpReq{Path: "/f.txt", Op: "chmod", Args: modeArgs[:], Pid: pid}, nil); err != nil {
		t.Fatalf("PathOp chmod: %v", err)
	}
	n, derr := b.Stat("/f.txt")
	if derr != nil {
		t.Fatalf("Stat: %v", derr)
	}
	if n.Mode != 0o640 {
		t.Fatalf("expected mode 0o640 after chmod, got %o", n.Mode)
	}

	var ownerArgs [8]byte
	binary.LittleEndian.PutUint32(ownerArgs[0:4], 501)
	binary.LittleEndian.PutUint32(ownerArgs[4:8], 20)
	if err := tc.call(t, wire.TagPathOp, wire.PathOpReq{Path: "/f.txt", Op: "chown", Args: ownerArgs[:], Pid: pid}, nil); err != nil {
		t.Fatalf("PathOp chown: %v", err)
	}
	n, derr = b.Stat("/f.txt")
	if derr != nil {
		t.Fatalf("Stat: %v", derr)
	}
	if n.Uid != 501 || n.Gid != 20 {
		t.Fatalf("expected uid/gid 501/20 after chown, got %d/%d", n.Uid, n.Gid)
	}

	var sizeArgs [8]byte
	binary.LittleEndian.PutUint64(sizeArgs[:], 4)
	if err := tc.call(t, wire.TagPathOp, wire.PathOpReq{Path: "/f.txt", Op: "truncate", Args: sizeArgs[:], Pid: pid}, nil); err != nil {
		t.Fatalf("PathOp truncate: %v", err)
	}
	content, derr := b.ReadFile("/f.txt")
	if derr != nil || string(content) != "0123" {
		t.Fatalf("expected content truncated to \"0123\", got %q err=%v", content, derr)
	}

	mtime := time.Unix(0, 123456789000)
	utimesArgs := make([]byte, 17)
	binary.LittleEndian.PutUint64(utimesArgs[0:8], 0)
	binary.LittleEndian.PutUint64(utimesArgs[8:16], uint64(mtime.UnixNano()))
	utimesArgs[16] = 0x2 // set mtime only
	if err := tc.call(t, wire.TagPathOp, wire.PathOpReq{Path: "/f.txt", Op: "utimes", Args: utimesArgs, Pid: pid}, nil); err != nil {
		t.Fatalf("PathOp utimes: %v", err)
	}
	n, derr = b.Stat("/f.txt")
	if derr != nil {
		t.Fatalf("Stat: %v", derr)
	}
	if !n.Mtime.Equal(mtime) {
		t.Fatalf("expected mtime %v after utimes, got %v", mtime, n.Mtime)
	}
}

func TestHandlePathOpRejectsUnsupportedOp(t *testing.T) {
	d := New("", t.TempDir(), BackstoreInMemory)
	tc := dialWireTestClient(t, d, 1)
	err := tc.call(t, wire.TagPathOp, wire.PathOpReq{Path: "/f.txt", Op: "statfs", Pid: 1}, nil)
	if err == nil {
		t.Fatal("expected an error for an unsupported path op")
	}
}
