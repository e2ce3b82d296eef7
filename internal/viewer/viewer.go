// Package viewer implements the Session Viewer Model: a pure view-model
// over a termstate.State, with zero rendering. Grounded on the teacher's
// internal/egg viewer-adjacent scrollback bookkeeping (LineIndex-based
// navigation) generalized to task-entry (snapshot) navigation, exit
// confirmation, and incremental search as described by spec.md §4.4.3.
// Rendering is left to a caller that projects DisplayStructure onto a
// terminal.
package viewer

import (
	"strings"

	"github.com/agent-harbor/ah/internal/termstate"
)

const mouseScrollLines = 3

// Model is the viewer's entire state. All mutating methods are synchronous
// and side-effect free beyond the receiver, matching spec.md §5's
// single-threaded viewer event loop.
type Model struct {
	term *termstate.State

	displayCols int
	displayRows int

	scrollOffset termstate.LineIndex
	autoFollow   bool

	taskEntryVisible     bool
	currentSnapshotIndex int

	exitConfirmArmed bool

	search *SearchState
}

// SearchState holds an in-progress incremental search.
type SearchState struct {
	Query   string
	Matches []termstate.LineIndex
	Current int
}

// New builds a Model over term sized to displayCols×displayRows, following
// auto-follow by default.
func New(term *termstate.State, displayCols, displayRows int) *Model {
	return &Model{
		term:        term,
		displayCols: displayCols,
		displayRows: displayRows,
		autoFollow:  true,
	}
}

func (m *Model) totalLines() termstate.LineIndex {
	return termstate.LineIndex(m.term.TotalOutputLines())
}

func (m *Model) bottomOffset() termstate.LineIndex {
	total := m.totalLines()
	rows := termstate.LineIndex(m.displayRows)
	if total <= rows {
		return 0
	}
	return total - rows
}

// OnOutput is called whenever new PTY data has been fed into the terminal.
// Per spec.md §4.4.3 ("Auto-follow suppression"), output never scrolls the
// viewport while the task entry overlay is visible; otherwise an
// auto-following viewport tracks the bottom.
func (m *Model) OnOutput() {
	if m.taskEntryVisible {
		return
	}
	if m.autoFollow {
		m.scrollOffset = m.bottomOffset()
	}
}

// ScrollOffset returns the current top-of-viewport absolute line index.
func (m *Model) ScrollOffset() termstate.LineIndex { return m.scrollOffset }

// AutoFollow reports whether the viewport currently tracks new output.
func (m *Model) AutoFollow() bool { return m.autoFollow }

// TaskEntryVisible reports whether the task-entry overlay is shown.
func (m *Model) TaskEntryVisible() bool { return m.taskEntryVisible }

// CurrentSnapshotIndex returns the overlay's current snapshot, valid only
// while TaskEntryVisible is true.
func (m *Model) CurrentSnapshotIndex() int { return m.currentSnapshotIndex }

// taskEntryHeight is the overlay's fixed line count (summary + separator);
// a real renderer may size this from the snapshot's label, but the
// navigation rules only need a conservative upper bound to decide whether
// the overlay fits without scrolling.
const taskEntryHeight = 3

// MoveToPreviousSnapshot implements spec.md §4.4.3's task-entry navigation:
// first press reveals the overlay at the latest snapshot; subsequent
// presses step backward, saturating at index 0.
func (m *Model) MoveToPreviousSnapshot() {
	m.moveSnapshot(-1)
}

// MoveToNextSnapshot steps the overlay forward, saturating at the last
// snapshot index.
func (m *Model) MoveToNextSnapshot() {
	m.moveSnapshot(1)
}

func (m *Model) moveSnapshot(delta int) {
	snaps := m.term.AllSnapshots()
	if len(snaps) == 0 {
		return
	}
	if !m.taskEntryVisible {
		m.taskEntryVisible = true
		m.currentSnapshotIndex = len(snaps) - 1
	} else {
		idx := m.currentSnapshotIndex + delta
		if idx < 0 {
			idx = 0
		}
		if idx > len(snaps)-1 {
			idx = len(snaps) - 1
		}
		m.currentSnapshotIndex = idx
	}
	m.settleViewportOnSnapshot(snaps[m.currentSnapshotIndex].Line)
}

// settleViewportOnSnapshot applies the "does not scroll if it already fits"
// rule: if the snapshot's line is inside the current viewport and the
// overlay fits below it without spilling past the viewport's bottom, the
// viewport is left alone. Otherwise it centers on the snapshot's line.
func (m *Model) settleViewportOnSnapshot(line termstate.LineIndex) {
	rows := termstate.LineIndex(m.displayRows)
	viewportEnd := m.scrollOffset + rows
	inViewport := line >= m.scrollOffset && line < viewportEnd
	overlayFits := line+termstate.LineIndex(taskEntryHeight) <= viewportEnd
	if inViewport && overlayFits {
		m.autoFollow = false
		return
	}
	m.centerOn(line)
	m.autoFollow = false
}

func (m *Model) centerOn(line termstate.LineIndex) {
	half := termstate.LineIndex(m.displayRows / 2)
	if line < half {
		m.scrollOffset = 0
		return
	}
	offset := line - half
	if max := m.bottomOffset(); offset > max {
		offset = max
	}
	m.scrollOffset = offset
}

// HideTaskEntry dismisses the overlay without changing scroll state.
func (m *Model) HideTaskEntry() {
	m.taskEntryVisible = false
}

// MouseScrollUp/MouseScrollDown shift the viewport by a fixed delta,
// disabling auto-follow.
func (m *Model) MouseScrollUp()   { m.scrollBy(-mouseScrollLines) }
func (m *Model) MouseScrollDown() { m.scrollBy(mouseScrollLines) }

// PageUp/PageDown shift the viewport by a full display height.
func (m *Model) PageUp()   { m.scrollBy(-m.displayRows) }
func (m *Model) PageDown() { m.scrollBy(m.displayRows) }

func (m *Model) scrollBy(delta int) {
	m.autoFollow = false
	next := int64(m.scrollOffset) + int64(delta)
	if next < 0 {
		next = 0
	}
	if max := int64(m.bottomOffset()); next > max {
		next = max
	}
	m.scrollOffset = termstate.LineIndex(next)
}

// GoToEnd snaps the viewport to the bottom and re-enables auto-follow.
func (m *Model) GoToEnd() {
	m.scrollOffset = m.bottomOffset()
	m.autoFollow = true
}

// GoToStart snaps the viewport to the top and disables auto-follow.
func (m *Model) GoToStart() {
	m.scrollOffset = 0
	m.autoFollow = false
}

// OnEscape implements the double-Esc exit confirmation: the first press
// arms it and returns false; the second returns true (caller should quit).
func (m *Model) OnEscape() (shouldQuit bool) {
	if m.exitConfirmArmed {
		return true
	}
	m.exitConfirmArmed = true
	return false
}

// OnOtherKey disarms a pending exit confirmation, per spec.md §4.4.3.
func (m *Model) OnOtherKey() {
	m.exitConfirmArmed = false
}

// ExitConfirmArmed reports whether a quit would now take effect.
func (m *Model) ExitConfirmArmed() bool { return m.exitConfirmArmed }

// LineRange is an inclusive-exclusive [Start, End) span of absolute line
// indices.
type LineRange struct {
	Start termstate.LineIndex
	End   termstate.LineIndex
}

// DisplayStructure is the frame-shape projection described by spec.md
// §4.4.3: rendering is a trivial data projection of this struct.
type DisplayStructure struct {
	BeforeTaskEntry LineRange
	TaskEntryHeight uint16
	AfterTaskEntry  LineRange
}

// Layout computes the current frame's DisplayStructure. When the task
// entry is hidden, BeforeTaskEntry spans the whole viewport and
// AfterTaskEntry is empty.
func (m *Model) Layout() DisplayStructure {
	rows := termstate.LineIndex(m.displayRows)
	end := m.scrollOffset + rows
	if total := m.totalLines(); end > total {
		end = total
	}
	if !m.taskEntryVisible {
		return DisplayStructure{BeforeTaskEntry: LineRange{Start: m.scrollOffset, End: end}}
	}
	snaps := m.term.AllSnapshots()
	snapLine := snaps[m.currentSnapshotIndex].Line
	afterStart := snapLine
	if afterStart < m.scrollOffset {
		afterStart = m.scrollOffset
	}
	return DisplayStructure{
		BeforeTaskEntry: LineRange{Start: m.scrollOffset, End: afterStart},
		TaskEntryHeight: taskEntryHeight,
		AfterTaskEntry:  LineRange{Start: afterStart, End: end},
	}
}

// StartSearch begins an incremental search for query over in-memory lines.
func (m *Model) StartSearch(query string) {
	var matches []termstate.LineIndex
	total := m.totalLines()
	dropped := total - termstate.LineIndex(m.term.TotalOutputLinesInMemory())
	for line := dropped; line < total; line++ {
		content, ok := m.term.LineContentByLineIndex(line)
		if !ok {
			continue
		}
		if strings.Contains(content, query) {
			matches = append(matches, line)
		}
	}
	m.search = &SearchState{Query: query, Matches: matches, Current: -1}
}

// NextMatch advances the search to its next match and scrolls to it,
// disabling auto-follow. Returns false if there is no active search or no
// matches.
func (m *Model) NextMatch() bool {
	if m.search == nil || len(m.search.Matches) == 0 {
		return false
	}
	m.search.Current = (m.search.Current + 1) % len(m.search.Matches)
	m.centerOn(m.search.Matches[m.search.Current])
	m.autoFollow = false
	return true
}

// Search returns the active incremental-search state, or nil if none.
func (m *Model) Search() *SearchState { return m.search }

// EndSearch clears the active search.
func (m *Model) EndSearch() { m.search = nil }
