package viewer

import (
	"errors"
	"io"
	"os"
	"regexp"
	"strings"

	"github.com/agent-harbor/ah/internal/ahr"
	"github.com/agent-harbor/ah/internal/termstate"
)

// ItemKind tags a BranchPointItem's union variant.
type ItemKind int

const (
	ItemLine ItemKind = iota
	ItemSnapshot
)

// BranchPointItem is one entry of create_branch_points' interleaved
// sequence: either a completed line of text or a recorded snapshot marker.
type BranchPointItem struct {
	Kind ItemKind
	Text string // valid when Kind == ItemLine

	SnapshotID    string // valid when Kind == ItemSnapshot
	SnapshotLabel string
	Line          termstate.LineIndex
	Column        termstate.ColumnIndex
}

// BranchPoints is create_branch_points' result (spec.md §4.4.3).
type BranchPoints struct {
	Items      []BranchPointItem
	TotalBytes uint64
}

var branchPointAnsi = regexp.MustCompile(`\x1b\[[0-9;?]*[a-zA-Z]`)

// CreateBranchPoints replays ahrPath through a fresh termstate.State,
// interleaving lines (text up to each '\n', ANSI-stripped) and Snapshot
// records in the order the AHR stream emitted them; text still pending when
// a Snapshot, the Footer or the end of the stream arrives is emitted as a
// line of its own. maxBytes, if
// non-zero, stops replay once that many AHR bytes have been consumed,
// matching the partial-read use case (e.g. a viewer tailing a live
// recording).
func CreateBranchPoints(ahrPath string, maxBytes uint64) (BranchPoints, error) {
	f, err := os.Open(ahrPath)
	if err != nil {
		return BranchPoints{}, err
	}
	defer f.Close()
	return createBranchPoints(ahr.NewReader(f), maxBytes)
}

func createBranchPoints(r *ahr.Reader, maxBytes uint64) (BranchPoints, error) {
	var result BranchPoints
	var term *termstate.State
	var pending strings.Builder

	flush := func() {
		if pending.Len() == 0 {
			return
		}
		result.Items = append(result.Items, BranchPointItem{Kind: ItemLine, Text: pending.String()})
		pending.Reset()
	}

	defer func() {
		if term != nil {
			term.Close()
		}
	}()

	for {
		if maxBytes != 0 && r.CurrentByteOffset() >= maxBytes {
			break
		}
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return result, err
		}
		switch rec.Tag {
		case ahr.TagHeader:
			h := rec.Header
			term = termstate.New(int(h.Cols), int(h.Rows), 0, nil)
		case ahr.TagResize:
			if term != nil {
				term.Resize(int(rec.Resize.Cols), int(rec.Resize.Rows))
			}
		case ahr.TagData:
			if term != nil {
				term.ProcessData(rec.Data.Bytes)
			}
			clean := branchPointAnsi.ReplaceAllString(string(rec.Data.Bytes), "")
			for {
				idx := strings.IndexByte(clean, '\n')
				if idx < 0 {
					pending.WriteString(strings.TrimSuffix(clean, "\r"))
					break
				}
				pending.WriteString(strings.TrimSuffix(clean[:idx], "\r"))
				flush()
				clean = clean[idx+1:]
			}
		case ahr.TagSnapshot:
			flush()
			label := ""
			if rec.Snapshot.Label != nil {
				label = string(*rec.Snapshot.Label)
			}
			result.Items = append(result.Items, BranchPointItem{
				Kind:          ItemSnapshot,
				SnapshotID:    string(rec.Snapshot.ID),
				SnapshotLabel: label,
				Line:          termstate.LineIndex(rec.Snapshot.Line),
				Column:        termstate.ColumnIndex(rec.Snapshot.Column),
			})
		case ahr.TagFooter:
			flush()
		}
		result.TotalBytes = r.CurrentByteOffset()
	}
	flush()
	return result, nil
}
