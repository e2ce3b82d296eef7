// Package wire implements the AgentFS daemon's on-the-wire framing and
// request/response encoding: a u32-LE length prefix followed by a
// CBOR-encoded payload (the SSZ-equivalent tagged binary encoding called
// for by spec.md §6.2 — see DESIGN.md for why CBOR was chosen).
package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

const maxFrameBytes = 64 << 20 // 64MiB guard against a corrupt length prefix

// WriteFrame writes a u32-LE length prefix followed by payload.
func WriteFrame(w io.Writer, payload []byte) error {
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame from r.
func ReadFrame(r *bufio.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(hdr[:])
	if n > maxFrameBytes {
		return nil, fmt.Errorf("frame length %d exceeds max %d", n, maxFrameBytes)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}
	return buf, nil
}

// Envelope is the tagged union wrapper for every request and response.
// Tag selects which concrete struct Payload decodes to; unknown tags are
// accepted and simply skipped by readers that don't understand them,
// because the length prefix makes that safe per spec.md §6.1/§6.2.
type Envelope struct {
	Tag     string          `cbor:"tag"`
	Payload cbor.RawMessage `cbor:"payload"`
}

// Encode marshals tag+payload into a single CBOR-encoded Envelope.
func Encode(tag string, payload any) ([]byte, error) {
	raw, err := cbor.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload for %s: %w", tag, err)
	}
	return cbor.Marshal(Envelope{Tag: tag, Payload: raw})
}

// Decode unmarshals an Envelope and returns its tag plus the still-encoded
// payload, which the caller decodes into the concrete type matching Tag.
func Decode(frame []byte) (Envelope, error) {
	var env Envelope
	if err := cbor.Unmarshal(frame, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	return env, nil
}

// DecodePayload decodes env.Payload into v.
func DecodePayload(env Envelope, v any) error {
	return cbor.Unmarshal(env.Payload, v)
}

// HandshakeMessage is the first frame a client sends after connecting.
type HandshakeMessage struct {
	ClientVersion uint16 `cbor:"client_version"`
	ClientPid     uint32 `cbor:"client_pid"`
	Cwd           []byte `cbor:"cwd"`
}

// HandshakeOK is the literal 3-byte reply on successful handshake — not
// framed, not CBOR, per spec.md §6.2: "daemon replies OK\n (3 raw bytes)".
var HandshakeOK = []byte("OK\n")

const ProtocolVersion uint16 = 1
