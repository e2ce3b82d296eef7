package rec

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/agent-harbor/ah/internal/ahr"
)

func requirePTY(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	if _, err := os.Stat("/dev/ptmx"); err != nil {
		t.Skip("no /dev/ptmx available in this environment")
	}
}

// TestRecordCapturesOutputAndExitCode spawns a short-lived command and
// verifies the resulting .ahr file replays its output and exit code.
func TestRecordCapturesOutputAndExitCode(t *testing.T) {
	requirePTY(t)
	dir := t.TempDir()
	outPath := filepath.Join(dir, "session.ahr")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sess, err := Record(ctx, Options{
		Command:       "sh",
		Args:          []string{"-c", "echo marker-output; exit 7"},
		Cols:          80,
		Rows:          24,
		OutputPath:    outPath,
		BrotliQuality: 1,
	})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}

	code, err := sess.Wait()
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if code != 7 {
		t.Fatalf("expected exit code 7, got %d", code)
	}

	f, err := os.Open(outPath)
	if err != nil {
		t.Fatalf("open ahr file: %v", err)
	}
	defer f.Close()

	r := ahr.NewReader(f)
	var sawHeader, sawFooter bool
	var dataBytes bytes.Buffer
	var footerExit *int32
	for {
		rec, err := r.Next()
		if err != nil {
			break
		}
		switch rec.Tag {
		case ahr.TagHeader:
			sawHeader = true
			if rec.Header.Cols != 80 || rec.Header.Rows != 24 {
				t.Errorf("expected header cols/rows 80/24, got %d/%d", rec.Header.Cols, rec.Header.Rows)
			}
		case ahr.TagData:
			dataBytes.Write(rec.Data.Bytes)
		case ahr.TagFooter:
			sawFooter = true
			footerExit = rec.Footer.ExitCode
		}
	}
	if !sawHeader {
		t.Error("expected a header record")
	}
	if !sawFooter {
		t.Error("expected a footer record")
	}
	if footerExit == nil || *footerExit != 7 {
		t.Errorf("expected footer exit code 7, got %v", footerExit)
	}
	if !bytes.Contains(dataBytes.Bytes(), []byte("marker-output")) {
		t.Errorf("expected captured output to contain marker-output, got %q", dataBytes.String())
	}
}

func TestRecordRejectsNonPositiveSize(t *testing.T) {
	if _, err := Record(context.Background(), Options{Command: "sh", Cols: 0, Rows: 24}); err == nil {
		t.Fatal("expected an error for a non-positive terminal size")
	}
}
