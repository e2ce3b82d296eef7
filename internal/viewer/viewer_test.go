package viewer

import (
	"fmt"
	"testing"

	"github.com/agent-harbor/ah/internal/termstate"
)

// TestAutoFollowSuppressionUnderTaskEntry is scenario S3: with 10 snapshots
// at lines 1..10, revealing the task entry must not be disturbed by
// subsequently appended output.
func TestAutoFollowSuppressionUnderTaskEntry(t *testing.T) {
	term := termstate.New(80, 24, 1_000_000, nil)
	defer term.Close()

	for i := 0; i < 10; i++ {
		term.ProcessData([]byte(fmt.Sprintf("line %d\r\n", i)))
		term.RecordSnapshot(int64(i), fmt.Sprintf("s%d", i))
	}

	m := New(term, 80, 24)
	if !m.AutoFollow() {
		t.Fatal("expected auto-follow enabled initially")
	}

	m.MoveToPreviousSnapshot()
	if !m.TaskEntryVisible() {
		t.Fatal("expected task entry visible after first MoveToPreviousSnapshot")
	}
	if m.CurrentSnapshotIndex() != 9 {
		t.Fatalf("expected snapshot index 9, got %d", m.CurrentSnapshotIndex())
	}
	offsetBefore := m.ScrollOffset()
	snaps := term.AllSnapshots()
	snapLine := snaps[9].Line

	for i := 0; i < 5; i++ {
		term.ProcessData([]byte(fmt.Sprintf("new line %d\r\n", i)))
		m.OnOutput()
	}

	if m.ScrollOffset() != offsetBefore {
		t.Fatalf("expected scroll offset unchanged, got %d want %d", m.ScrollOffset(), offsetBefore)
	}
	rows := termstate.LineIndex(24)
	if snapLine < m.ScrollOffset() || snapLine >= m.ScrollOffset()+rows {
		t.Fatalf("expected snapshot line %d inside viewport [%d, %d)", snapLine, m.ScrollOffset(), m.ScrollOffset()+rows)
	}
}

// TestMoveToPreviousSnapshotNoOpAtZero covers the boundary behavior: moving
// backward from the first snapshot does not change the selected index.
func TestMoveToPreviousSnapshotNoOpAtZero(t *testing.T) {
	term := termstate.New(80, 24, 1_000_000, nil)
	defer term.Close()

	term.ProcessData([]byte("line 0\r\n"))
	term.RecordSnapshot(0, "s0")
	term.ProcessData([]byte("line 1\r\n"))
	term.RecordSnapshot(1, "s1")

	m := New(term, 80, 24)
	m.MoveToPreviousSnapshot() // reveal at latest (index 1)
	m.MoveToPreviousSnapshot() // step to index 0
	if m.CurrentSnapshotIndex() != 0 {
		t.Fatalf("expected index 0, got %d", m.CurrentSnapshotIndex())
	}
	m.MoveToPreviousSnapshot() // no-op
	if m.CurrentSnapshotIndex() != 0 {
		t.Fatalf("expected index to stay 0, got %d", m.CurrentSnapshotIndex())
	}
}

func TestExitConfirmationDoubleEscape(t *testing.T) {
	term := termstate.New(80, 24, 1000, nil)
	defer term.Close()
	m := New(term, 80, 24)

	if quit := m.OnEscape(); quit {
		t.Fatal("first Esc should arm, not quit")
	}
	m.OnOtherKey()
	if m.ExitConfirmArmed() {
		t.Fatal("any other key should disarm exit confirmation")
	}
	m.OnEscape()
	if quit := m.OnEscape(); !quit {
		t.Fatal("second consecutive Esc should quit")
	}
}

func TestGoToEndAndStart(t *testing.T) {
	term := termstate.New(80, 5, 1000, nil)
	defer term.Close()
	for i := 0; i < 20; i++ {
		term.ProcessData([]byte(fmt.Sprintf("line %d\r\n", i)))
	}
	m := New(term, 80, 5)
	m.GoToStart()
	if m.ScrollOffset() != 0 || m.AutoFollow() {
		t.Fatalf("expected top of buffer with auto-follow disabled, got offset=%d follow=%v", m.ScrollOffset(), m.AutoFollow())
	}
	m.GoToEnd()
	if !m.AutoFollow() {
		t.Fatal("expected auto-follow re-enabled at bottom")
	}
}
