package termstate

import "testing"

func TestTotalOutputLinesInMemoryIdentity(t *testing.T) {
	s := New(80, 5, 100, nil)
	defer s.Close()
	for i := 0; i < 20; i++ {
		s.ProcessData([]byte("line\r\n"))
	}
	if got, want := s.TotalOutputLinesInMemory(), s.UsedScrollbackLines()+s.rows; got != uint64(want) {
		t.Errorf("TotalOutputLinesInMemory() = %d, want used_scrollback_lines()+rows = %d", got, want)
	}
}

func TestTotalOutputLinesIncludesDropped(t *testing.T) {
	s := New(80, 5, 10, nil)
	defer s.Close()
	for i := 0; i < 30; i++ {
		s.ProcessData([]byte("line\r\n"))
	}
	if s.UsedScrollbackLines() != 10 {
		t.Fatalf("expected scrollback to be capped at 10, got %d", s.UsedScrollbackLines())
	}
	total := s.TotalOutputLines()
	inMemory := s.TotalOutputLinesInMemory()
	if total <= inMemory {
		t.Errorf("expected TotalOutputLines (%d) > TotalOutputLinesInMemory (%d) once scrollback has overflowed", total, inMemory)
	}
}

// TestSnapshotQueriesAgainstInterleavedLines covers S2: recording snapshots
// at specific lines and querying the sorted snapshot index around them.
func TestSnapshotQueriesAgainstInterleavedLines(t *testing.T) {
	s := New(80, 24, 1000, nil)
	defer s.Close()

	s.ProcessData([]byte("first\r\n"))
	snap1 := s.RecordSnapshot(1000, "checkpoint-1")
	s.ProcessData([]byte("second\r\n"))
	snap2 := s.RecordSnapshot(2000, "checkpoint-2")
	s.ProcessData([]byte("third\r\n"))

	if !s.HasSnapshotAtLine(snap1.Line) {
		t.Errorf("expected a snapshot at line %d", snap1.Line)
	}
	if s.HasSnapshotAtLine(snap1.Line + 1) && snap1.Line+1 != snap2.Line {
		t.Errorf("did not expect a snapshot at line %d", snap1.Line+1)
	}

	got := s.GetSnapshotsForLine(snap1.Line)
	if len(got) != 1 || got[0].Label != "checkpoint-1" {
		t.Fatalf("expected exactly checkpoint-1 at line %d, got %+v", snap1.Line, got)
	}

	before, ok := s.LastSnapshotBeforeLine(snap2.Line)
	if !ok || before.Label != "checkpoint-1" {
		t.Fatalf("expected checkpoint-1 as the last snapshot before line %d, got %+v ok=%v", snap2.Line, before, ok)
	}

	after, ok := s.NextSnapshotAfterLine(snap1.Line)
	if !ok || after.Label != "checkpoint-2" {
		t.Fatalf("expected checkpoint-2 as the next snapshot after line %d, got %+v ok=%v", snap1.Line, after, ok)
	}

	all := s.AllSnapshots()
	if len(all) != 2 || all[0].Label != "checkpoint-1" || all[1].Label != "checkpoint-2" {
		t.Fatalf("expected snapshots in recording order, got %+v", all)
	}
}

func TestNextSnapshotAfterLastLineReturnsFalse(t *testing.T) {
	s := New(80, 24, 1000, nil)
	defer s.Close()
	snap := s.RecordSnapshot(1, "only")
	if _, ok := s.NextSnapshotAfterLine(snap.Line); ok {
		t.Error("expected no snapshot after the only recorded line")
	}
}

func TestFeaturesTrackDecPrivateModes(t *testing.T) {
	s := New(80, 24, 100, nil)
	defer s.Close()
	s.ProcessData([]byte("\x1b[?1000h\x1b[?2004h"))
	f := s.Features()
	if !f.Mouse1000 || !f.BracketedPaste2004 {
		t.Errorf("expected mouse1000 and bracketed-paste modes set, got %+v", f)
	}
	s.ProcessData([]byte("\x1b[?1000l"))
	if s.Features().Mouse1000 {
		t.Error("expected mouse1000 to be reset")
	}
}

func TestLineContentByLineIndexOutOfRangeIsFalse(t *testing.T) {
	s := New(80, 24, 5, nil)
	defer s.Close()
	for i := 0; i < 50; i++ {
		s.ProcessData([]byte("x\r\n"))
	}
	if _, ok := s.LineContentByLineIndex(0); ok {
		t.Error("expected line 0 to have scrolled out of memory")
	}
}
