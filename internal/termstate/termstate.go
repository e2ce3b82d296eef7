// Package termstate wraps a VT100 screen parser with snapshot bookkeeping:
// an append-only, line-sorted index of points of interest recorded during a
// terminal session, queryable in O(log n). Grounded on the teacher's
// internal/egg/vterm.go VTerm (scrollback ring buffer over
// charmbracelet/x/vt, ScrollOut/AltScreen/CursorVisibility callbacks).
package termstate

import (
	"regexp"
	"sort"
	"strings"
	"sync"

	uv "github.com/charmbracelet/ultraviolet"
	"github.com/charmbracelet/x/vt"
)

// LineIndex is an absolute, monotonic count of screen lines emitted since
// terminal start; it never decreases and is never reassigned once a line
// has scrolled off.
type LineIndex uint64

// ColumnIndex is a 0-based column within a line.
type ColumnIndex uint32

// Snapshot records a point of interest: cursor position at the moment it
// was taken, converted to an absolute line index.
type Snapshot struct {
	TsNs   int64
	Label  string
	Line   LineIndex
	Column ColumnIndex
}

// TermFeatures mirrors the DEC private modes that change how input should
// be encoded before being written back to the PTY.
type TermFeatures struct {
	Mouse1000          bool
	Mouse1002          bool
	Mouse1003          bool
	Mouse1006          bool
	Focus1004          bool
	BracketedPaste2004 bool
	AppCursorDECCKM    bool
}

// decPrivateMode matches CSI ? Pm h (set) or CSI ? Pm l (reset) sequences,
// used to track DEC private modes the vt emulator callbacks don't surface.
var decPrivateMode = regexp.MustCompile(`\x1b\[\?([0-9;]+)([hl])`)

// State wraps a VT100 parser with a fixed (rows, cols, scrollback capacity)
// and a chronological, line-sorted vector of Snapshots.
type State struct {
	mu sync.Mutex

	emu  *vt.Emulator
	cols int
	rows int

	scrollbackCap int
	scrollback    []string // ring buffer, oldest overwritten first
	sbHead        int
	sbLen         int
	scrolledLines uint64 // total lines that have ever left the visible screen

	altScreen    bool
	cursorHidden bool

	snapshots []Snapshot
	features  TermFeatures

	// writeReply is the sink WriteReply forwards to. State never calls it
	// on its own: replies to device-status or device-attribute queries are
	// not routed from the parser to this sink.
	writeReply func([]byte)
}

// New creates a TerminalState sized cols x rows with the given scrollback
// capacity (in lines).
func New(cols, rows, scrollbackCapacity int, writeReply func([]byte)) *State {
	s := &State{
		emu:           vt.NewEmulator(cols, rows),
		cols:          cols,
		rows:          rows,
		scrollbackCap: scrollbackCapacity,
		scrollback:    make([]string, scrollbackCapacity),
		writeReply:    writeReply,
	}
	s.emu.SetCallbacks(vt.Callbacks{
		ScrollOut: func(lines []uv.Line) {
			if s.altScreen {
				return
			}
			for _, line := range lines {
				rendered := line.Render()
				if s.scrollbackCap > 0 {
					if s.sbLen == s.scrollbackCap {
						s.scrollback[s.sbHead] = ""
					}
					s.scrollback[s.sbHead] = rendered
					s.sbHead = (s.sbHead + 1) % s.scrollbackCap
					if s.sbLen < s.scrollbackCap {
						s.sbLen++
					}
				}
				s.scrolledLines++
			}
		},
		ScrollbackClear: func() {
			for i := range s.scrollback {
				s.scrollback[i] = ""
			}
			s.sbLen = 0
			s.sbHead = 0
		},
		AltScreen: func(on bool) {
			s.altScreen = on
		},
		CursorVisibility: func(visible bool) {
			s.cursorHidden = !visible
		},
	})
	return s
}

// ProcessData feeds bytes from the PTY master into the parser, then scans
// the same bytes for DEC private-mode toggles that the vt callbacks don't
// report directly.
func (s *State) ProcessData(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emu.Write(data)
	s.applyPrivateModes(data)
}

func (s *State) applyPrivateModes(data []byte) {
	for _, m := range decPrivateMode.FindAllSubmatch(data, -1) {
		set := string(m[2]) == "h"
		for _, code := range splitSemicolons(m[1]) {
			switch code {
			case "1":
				s.features.AppCursorDECCKM = set
			case "1000":
				s.features.Mouse1000 = set
			case "1002":
				s.features.Mouse1002 = set
			case "1003":
				s.features.Mouse1003 = set
			case "1006":
				s.features.Mouse1006 = set
			case "1004":
				s.features.Focus1004 = set
			case "2004":
				s.features.BracketedPaste2004 = set
			}
		}
	}
}

func splitSemicolons(b []byte) []string {
	var out []string
	start := 0
	for i, c := range b {
		if c == ';' {
			out = append(out, string(b[start:i]))
			start = i + 1
		}
	}
	out = append(out, string(b[start:]))
	return out
}

// Features returns the currently tracked DEC private-mode state.
func (s *State) Features() TermFeatures {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.features
}

// Resize resizes the underlying parser.
func (s *State) Resize(cols, rows int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emu.Resize(cols, rows)
	s.cols, s.rows = cols, rows
}

// RecordSnapshot captures the current cursor position as an absolute line
// and column, appends it to the (chronologically, hence line-)sorted
// snapshot vector, and returns it.
func (s *State) RecordSnapshot(tsNs int64, label string) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos := s.emu.CursorPosition()
	snap := Snapshot{
		TsNs:   tsNs,
		Label:  label,
		Line:   LineIndex(s.scrolledLines) + LineIndex(pos.Y),
		Column: ColumnIndex(pos.X),
	}
	s.snapshots = append(s.snapshots, snap)
	return snap
}

// AllSnapshots returns every recorded snapshot, oldest first.
func (s *State) AllSnapshots() []Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Snapshot, len(s.snapshots))
	copy(out, s.snapshots)
	return out
}

// droppedOffScrollbackLines returns how many lines have been evicted from
// the scrollback ring because capacity was exceeded. Must be called with
// mu held.
func (s *State) droppedOffScrollbackLines() uint64 {
	if s.scrollbackCap == 0 {
		return s.scrolledLines
	}
	if s.scrolledLines <= uint64(s.scrollbackCap) {
		return 0
	}
	return s.scrolledLines - uint64(s.scrollbackCap)
}

// UsedScrollbackLines returns the number of scrollback lines currently held
// in memory.
func (s *State) UsedScrollbackLines() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sbLen
}

// TotalOutputLinesInMemory satisfies the identity
// used_scrollback_lines() + screen_rows.
func (s *State) TotalOutputLinesInMemory() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return uint64(s.sbLen) + uint64(s.rows)
}

// TotalOutputLines is every line ever emitted: in-memory plus dropped.
func (s *State) TotalOutputLines() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return uint64(s.sbLen) + uint64(s.rows) + s.droppedOffScrollbackLines()
}

var ansiEscape = regexp.MustCompile(`\x1b\[[0-9;?]*[a-zA-Z]`)

// orderedMemoryLines returns, oldest-first, the scrollback ring contents
// followed by the current screen's rendered rows (derived from Render(),
// the same full-screen projection the teacher's Snapshot() embeds
// directly). Must be called with mu held.
func (s *State) orderedMemoryLines() []string {
	out := make([]string, 0, s.sbLen+s.rows)
	if s.sbLen > 0 {
		start := (s.sbHead - s.sbLen + s.scrollbackCap) % s.scrollbackCap
		for i := 0; i < s.sbLen; i++ {
			out = append(out, s.scrollback[(start+i)%s.scrollbackCap])
		}
	}
	plain := ansiEscape.ReplaceAllString(s.emu.Render(), "")
	rows := strings.Split(plain, "\n")
	for i := 0; i < s.rows; i++ {
		if i < len(rows) {
			out = append(out, rows[i])
		} else {
			out = append(out, "")
		}
	}
	return out
}

// LineContent returns the raw rendered line at an in-memory index (0 is the
// oldest line currently held, whether scrollback or on-screen).
func (s *State) LineContent(inMemoryIdx int) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lines := s.orderedMemoryLines()
	if inMemoryIdx < 0 || inMemoryIdx >= len(lines) {
		return "", false
	}
	return lines[inMemoryIdx], true
}

// LineContentByLineIndex converts an absolute LineIndex to the in-memory
// offset and returns its content, or false if the line has scrolled out of
// memory.
func (s *State) LineContentByLineIndex(abs LineIndex) (string, bool) {
	s.mu.Lock()
	dropped := s.droppedOffScrollbackLines()
	if uint64(abs) < dropped {
		s.mu.Unlock()
		return "", false
	}
	offset := int(uint64(abs) - dropped)
	lines := s.orderedMemoryLines()
	s.mu.Unlock()
	if offset < 0 || offset >= len(lines) {
		return "", false
	}
	return lines[offset], true
}

// HasSnapshotAtLine reports whether any recorded snapshot has exactly this
// line, independent of whether the line's content is still in memory.
func (s *State) HasSnapshotAtLine(line LineIndex) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := sort.Search(len(s.snapshots), func(i int) bool { return s.snapshots[i].Line >= line })
	return i < len(s.snapshots) && s.snapshots[i].Line == line
}

// GetSnapshotsForLine returns every snapshot recorded at exactly line, in
// recording order.
func (s *State) GetSnapshotsForLine(line LineIndex) []Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	lo := sort.Search(len(s.snapshots), func(i int) bool { return s.snapshots[i].Line >= line })
	hi := sort.Search(len(s.snapshots), func(i int) bool { return s.snapshots[i].Line > line })
	if lo >= hi {
		return nil
	}
	out := make([]Snapshot, hi-lo)
	copy(out, s.snapshots[lo:hi])
	return out
}

// LastSnapshotBeforeLine returns the latest-recorded snapshot whose line is
// strictly less than line.
func (s *State) LastSnapshotBeforeLine(line LineIndex) (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := sort.Search(len(s.snapshots), func(i int) bool { return s.snapshots[i].Line >= line })
	if i == 0 {
		return Snapshot{}, false
	}
	return s.snapshots[i-1], true
}

// NextSnapshotAfterLine returns the earliest-recorded snapshot whose line is
// strictly greater than line.
func (s *State) NextSnapshotAfterLine(line LineIndex) (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := sort.Search(len(s.snapshots), func(i int) bool { return s.snapshots[i].Line > line })
	if i == len(s.snapshots) {
		return Snapshot{}, false
	}
	return s.snapshots[i], true
}

// WriteReply passes p to the configured reply sink (the recorder's sink
// writes it into the PTY), a no-op if none is set. Nothing in this package
// calls it.
func (s *State) WriteReply(p []byte) {
	if s.writeReply != nil {
		s.writeReply(p)
	}
}

// Close releases the underlying emulator.
func (s *State) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.emu.Close()
}
