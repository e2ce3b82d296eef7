// Package ahr implements the .ahr recording file format: a Brotli-compressed
// stream of length-prefixed, tagged records (spec.md §6.1). Framing is a
// u32-LE length prefix written and read by this package itself (the same
// shape as internal/afsd/wire's frames); record tags are a closed set
// readers must skip unknown instances of (forward compatibility).
package ahr

import (
	"bufio"
	"fmt"
	"io"

	"github.com/andybalholm/brotli"
	"github.com/fxamacker/cbor/v2"
)

// Tag identifies a record's payload type.
type Tag uint8

const (
	TagHeader   Tag = 0
	TagResize   Tag = 1
	TagData     Tag = 2
	TagSnapshot Tag = 3
	TagFooter   Tag = 4
)

// Header is the first record in every .ahr stream.
type Header struct {
	Version     uint16   `cbor:"version"`
	Cols        uint16   `cbor:"cols"`
	Rows        uint16   `cbor:"rows"`
	StartedAtNs uint64   `cbor:"started_at_ns"`
	Command     []byte   `cbor:"command"`
	Args        [][]byte `cbor:"args"`
	Env         [][2][]byte `cbor:"env"`
}

// Resize records a controlling-terminal resize event.
type Resize struct {
	TsNs uint64 `cbor:"ts_ns"`
	Cols uint16 `cbor:"cols"`
	Rows uint16 `cbor:"rows"`
}

// Data records bytes written by the child to the PTY master.
type Data struct {
	TsNs  uint64 `cbor:"ts_ns"`
	Bytes []byte `cbor:"bytes"`
}

// Snapshot records a point-of-interest marker correlated to a byte offset
// in the (compressed) stream, for random access during replay.
type Snapshot struct {
	TsNs       uint64  `cbor:"ts_ns"`
	ID         []byte  `cbor:"id"`
	Label      *[]byte `cbor:"label,omitempty"`
	AnchorByte uint64  `cbor:"anchor_byte"`
	Line       uint64  `cbor:"line"`
	Column     uint32  `cbor:"column"`
}

// Footer is the final record, written on clean shutdown.
type Footer struct {
	EndedAtNs uint64 `cbor:"ended_at_ns"`
	ExitCode  *int32 `cbor:"exit_code,omitempty"`
}

type record struct {
	Tag     Tag             `cbor:"tag"`
	Payload cbor.RawMessage `cbor:"payload"`
}

// Writer appends records to a Brotli-compressed .ahr stream. It is not
// safe for concurrent use; the recorder serializes all writes through a
// single writer task per spec.md §4.4.1.
type Writer struct {
	bw  *brotli.Writer
	out *countingWriter // compressed bytes written so far (anchor_byte source)
}

// countingWriter counts the compressed bytes the Brotli encoder hands to the
// underlying writer.
type countingWriter struct {
	w io.Writer
	n uint64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += uint64(n)
	return n, err
}

// NewWriter wraps w with a Brotli encoder at the given quality (0-11).
func NewWriter(w io.Writer, quality int) *Writer {
	out := &countingWriter{w: w}
	return &Writer{bw: brotli.NewWriterLevel(out, quality), out: out}
}

// CurrentByteOffset returns the compressed byte position written so far,
// used to correlate a snapshot IPC acknowledgment with its anchor_byte.
// Output still buffered inside the encoder is not counted until flushed.
func (w *Writer) CurrentByteOffset() uint64 { return w.out.n }

func (w *Writer) writeRecord(tag Tag, payload any) error {
	raw, err := cbor.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode ahr record tag %d: %w", tag, err)
	}
	frame, err := cbor.Marshal(record{Tag: tag, Payload: raw})
	if err != nil {
		return fmt.Errorf("encode ahr envelope tag %d: %w", tag, err)
	}
	var hdr [4]byte
	n := len(frame)
	hdr[0] = byte(n)
	hdr[1] = byte(n >> 8)
	hdr[2] = byte(n >> 16)
	hdr[3] = byte(n >> 24)
	if _, err := w.bw.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := w.bw.Write(frame); err != nil {
		return err
	}
	return nil
}

func (w *Writer) WriteHeader(h Header) error     { return w.writeRecord(TagHeader, h) }
func (w *Writer) WriteResize(r Resize) error     { return w.writeRecord(TagResize, r) }
func (w *Writer) WriteData(d Data) error         { return w.writeRecord(TagData, d) }
func (w *Writer) WriteSnapshot(s Snapshot) error { return w.writeRecord(TagSnapshot, s) }
func (w *Writer) WriteFooter(f Footer) error     { return w.writeRecord(TagFooter, f) }

// Flush pushes buffered Brotli output to the underlying writer.
func (w *Writer) Flush() error { return w.bw.Flush() }

// Close finalizes the Brotli stream.
func (w *Writer) Close() error { return w.bw.Close() }

// Record is a decoded .ahr record with its tag resolved to a concrete
// payload accessible via the Header/Resize/Data/Snapshot/Footer fields
// (only the one matching Tag is populated).
type Record struct {
	Tag      Tag
	Header   *Header
	Resize   *Resize
	Data     *Data
	Snapshot *Snapshot
	Footer   *Footer
}

// Reader decodes records from a Brotli-compressed .ahr stream.
type Reader struct {
	r     *bufio.Reader
	bytes uint64
}

// NewReader wraps r, decompressing with Brotli.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(brotli.NewReader(r))}
}

// CurrentByteOffset returns the position (in the decompressed logical
// record stream) immediately after the last record read — distinct from
// the compressed anchor_byte a Snapshot record carries, which refers to
// the writer's compressed output position at record time.
func (r *Reader) CurrentByteOffset() uint64 { return r.bytes }

// Next reads and decodes the next record, or io.EOF at end of stream.
// Unknown tags are returned with all payload pointers nil so callers can
// skip them, per spec.md §6.1's forward-compatibility requirement.
func (r *Reader) Next() (Record, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r.r, hdr[:]); err != nil {
		return Record{}, err
	}
	n := uint32(hdr[0]) | uint32(hdr[1])<<8 | uint32(hdr[2])<<16 | uint32(hdr[3])<<24
	buf := make([]byte, n)
	if _, err := io.ReadFull(r.r, buf); err != nil {
		return Record{}, fmt.Errorf("read ahr record payload: %w", err)
	}
	r.bytes += uint64(4 + n)

	var env record
	if err := cbor.Unmarshal(buf, &env); err != nil {
		return Record{}, fmt.Errorf("decode ahr record envelope: %w", err)
	}
	out := Record{Tag: env.Tag}
	switch env.Tag {
	case TagHeader:
		var h Header
		if err := cbor.Unmarshal(env.Payload, &h); err != nil {
			return Record{}, fmt.Errorf("decode ahr header: %w", err)
		}
		out.Header = &h
	case TagResize:
		var v Resize
		if err := cbor.Unmarshal(env.Payload, &v); err != nil {
			return Record{}, fmt.Errorf("decode ahr resize: %w", err)
		}
		out.Resize = &v
	case TagData:
		var v Data
		if err := cbor.Unmarshal(env.Payload, &v); err != nil {
			return Record{}, fmt.Errorf("decode ahr data: %w", err)
		}
		out.Data = &v
	case TagSnapshot:
		var v Snapshot
		if err := cbor.Unmarshal(env.Payload, &v); err != nil {
			return Record{}, fmt.Errorf("decode ahr snapshot: %w", err)
		}
		out.Snapshot = &v
	case TagFooter:
		var v Footer
		if err := cbor.Unmarshal(env.Payload, &v); err != nil {
			return Record{}, fmt.Errorf("decode ahr footer: %w", err)
		}
		out.Footer = &v
	}
	return out, nil
}
