package ahr

import (
	"bytes"
	"io"
	"testing"
)

func TestWriterReaderRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, 4)

	if err := w.WriteHeader(Header{
		Version:     1,
		Cols:        80,
		Rows:        24,
		StartedAtNs: 100,
		Command:     []byte("/bin/sh"),
		Args:        [][]byte{[]byte("-c"), []byte("echo hi")},
		Env:         [][2][]byte{{[]byte("TERM"), []byte("xterm-256color")}},
	}); err != nil {
		t.Fatal(err)
	}
	if err := w.WriteResize(Resize{TsNs: 150, Cols: 100, Rows: 30}); err != nil {
		t.Fatal(err)
	}
	if err := w.WriteData(Data{TsNs: 200, Bytes: []byte("hello\n")}); err != nil {
		t.Fatal(err)
	}
	label := []byte("checkpoint")
	if err := w.WriteSnapshot(Snapshot{
		TsNs:       250,
		ID:         []byte("snap-1"),
		Label:      &label,
		AnchorByte: w.CurrentByteOffset(),
		Line:       1,
		Column:     6,
	}); err != nil {
		t.Fatal(err)
	}
	var exitCode int32 = 0
	if err := w.WriteFooter(Footer{EndedAtNs: 300, ExitCode: &exitCode}); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	r := NewReader(&buf)

	rec, err := r.Next()
	if err != nil {
		t.Fatalf("read header: %v", err)
	}
	if rec.Tag != TagHeader || rec.Header == nil || rec.Header.Cols != 80 || string(rec.Header.Command) != "/bin/sh" {
		t.Fatalf("unexpected header record: %+v", rec)
	}

	rec, err = r.Next()
	if err != nil || rec.Tag != TagResize || rec.Resize.Cols != 100 {
		t.Fatalf("unexpected resize record: %+v, err=%v", rec, err)
	}

	rec, err = r.Next()
	if err != nil || rec.Tag != TagData || string(rec.Data.Bytes) != "hello\n" {
		t.Fatalf("unexpected data record: %+v, err=%v", rec, err)
	}

	rec, err = r.Next()
	if err != nil || rec.Tag != TagSnapshot || rec.Snapshot.Line != 1 || string(*rec.Snapshot.Label) != "checkpoint" {
		t.Fatalf("unexpected snapshot record: %+v, err=%v", rec, err)
	}

	rec, err = r.Next()
	if err != nil || rec.Tag != TagFooter || rec.Footer.ExitCode == nil || *rec.Footer.ExitCode != 0 {
		t.Fatalf("unexpected footer record: %+v, err=%v", rec, err)
	}

	if _, err := r.Next(); err != io.EOF {
		t.Fatalf("expected io.EOF at end of stream, got %v", err)
	}
}

func TestReaderTracksByteOffset(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, 1)
	if err := w.WriteHeader(Header{Version: 1}); err != nil {
		t.Fatal(err)
	}
	if err := w.WriteData(Data{TsNs: 1, Bytes: []byte("x")}); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	r := NewReader(&buf)
	if r.CurrentByteOffset() != 0 {
		t.Fatalf("expected offset 0 before any reads, got %d", r.CurrentByteOffset())
	}
	if _, err := r.Next(); err != nil {
		t.Fatal(err)
	}
	afterFirst := r.CurrentByteOffset()
	if afterFirst == 0 {
		t.Fatal("expected byte offset to advance after reading a record")
	}
	if _, err := r.Next(); err != nil {
		t.Fatal(err)
	}
	if r.CurrentByteOffset() <= afterFirst {
		t.Fatal("expected byte offset to keep advancing")
	}
}
