package viewer

import (
	"bytes"
	"testing"

	"github.com/agent-harbor/ah/internal/ahr"
)

// TestCreateBranchPointsInterleaving is scenario S6: a session emitting
// "line-A\nline-B\n", a snapshot, then "line-C\n" must produce
// [Line(line-A), Line(line-B), Snapshot(s1), Line(line-C)] with the
// snapshot's line/column matching what the writer recorded.
func TestCreateBranchPointsInterleaving(t *testing.T) {
	var buf bytes.Buffer
	w := ahr.NewWriter(&buf, 1)
	if err := w.WriteHeader(ahr.Header{Version: 1, Cols: 80, Rows: 24}); err != nil {
		t.Fatal(err)
	}
	if err := w.WriteData(ahr.Data{TsNs: 1, Bytes: []byte("line-A\nline-B\n")}); err != nil {
		t.Fatal(err)
	}
	label := []byte("s1")
	if err := w.WriteSnapshot(ahr.Snapshot{TsNs: 2, ID: []byte("snap-1"), Label: &label, AnchorByte: w.CurrentByteOffset(), Line: 2, Column: 0}); err != nil {
		t.Fatal(err)
	}
	if err := w.WriteData(ahr.Data{TsNs: 3, Bytes: []byte("line-C\n")}); err != nil {
		t.Fatal(err)
	}
	if err := w.WriteFooter(ahr.Footer{EndedAtNs: 4}); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	bp, err := createBranchPoints(ahr.NewReader(&buf), 0)
	if err != nil {
		t.Fatal(err)
	}

	if len(bp.Items) != 4 {
		t.Fatalf("expected 4 items, got %d: %+v", len(bp.Items), bp.Items)
	}
	wantKinds := []ItemKind{ItemLine, ItemLine, ItemSnapshot, ItemLine}
	wantText := []string{"line-A", "line-B", "", "line-C"}
	for i, item := range bp.Items {
		if item.Kind != wantKinds[i] {
			t.Fatalf("item %d: expected kind %v, got %v", i, wantKinds[i], item.Kind)
		}
		if item.Kind == ItemLine && item.Text != wantText[i] {
			t.Fatalf("item %d: expected text %q, got %q", i, wantText[i], item.Text)
		}
	}
	snap := bp.Items[2]
	if snap.SnapshotLabel != "s1" {
		t.Fatalf("expected label s1, got %q", snap.SnapshotLabel)
	}
	if snap.Line != 2 || snap.Column != 0 {
		t.Fatalf("expected line=2 column=0, got line=%d column=%d", snap.Line, snap.Column)
	}
}
