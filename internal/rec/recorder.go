// Package rec implements the PTY recorder (spec.md §4.4.1): it spawns a
// command under a pseudoterminal, forwards local stdin/stdout when run
// interactively, and asynchronously captures PTY output, resizes, and
// snapshot markers into a single-writer pipeline that feeds an .ahr file.
// Grounded on the teacher's internal/egg/server.go session-spawn flow
// (pty.StartWithSize, cmd.Cancel/WaitDelay) and its replayBuffer's
// single-writer-with-backpressure shape, adapted here to drive
// internal/ahr instead of an in-memory replay ring.
package rec

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"golang.org/x/sync/errgroup"

	"github.com/agent-harbor/ah/internal/ahr"
	"github.com/agent-harbor/ah/internal/logger"
	"github.com/agent-harbor/ah/internal/termstate"
)

// Options configures a recording session.
type Options struct {
	Command string
	Args    []string
	Env     []string // additional env vars merged over os.Environ(), "K=V" form
	Dir     string

	Cols int
	Rows int

	OutputPath    string // empty disables .ahr capture
	BrotliQuality int

	TaskManagerSocket string // empty disables task-manager forwarding

	// Stdin/Stdout, when non-nil, are forwarded to/from the child's PTY for
	// interactive use. A headless recorder (e.g. under a supervisor) leaves
	// both nil.
	Stdin  io.Reader
	Stdout io.Writer

	ScrollbackLines int // 0 selects a sane default
}

// eventKind tags the single pipeline's event union.
type eventKind int

const (
	eventData eventKind = iota
	eventResize
	eventSnapshot
	eventExit
)

type pipelineEvent struct {
	kind eventKind
	tsNs int64

	data []byte

	cols, rows uint16

	snapID    string
	snapLabel *string
	ack       chan snapshotAck

	exitCode *int32
}

type snapshotAck struct {
	anchorByte uint64
	tsNs       int64
}

// RecordingSession owns a spawned child's PTY and the background goroutines
// that capture it.
type RecordingSession struct {
	opts Options

	cmd  *exec.Cmd
	ptmx *os.File

	term *termstate.State

	ipc *ipcServer

	taskConn *taskManagerClient

	events chan pipelineEvent

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	mu       sync.Mutex
	exitCode int32
	exitErr  error
	done     bool
	doneCh   chan struct{}
}

// Record spawns command under a newly allocated pseudoterminal sized
// cols×rows and begins asynchronous capture. It returns once the child has
// been started; call Wait to block until it (and capture) finishes.
func Record(ctx context.Context, opts Options) (*RecordingSession, error) {
	if opts.Cols <= 0 || opts.Rows <= 0 {
		return nil, fmt.Errorf("record: cols and rows must be positive")
	}
	if opts.BrotliQuality < 0 || opts.BrotliQuality > 11 {
		opts.BrotliQuality = 6
	}
	sbLines := opts.ScrollbackLines
	if sbLines <= 0 {
		sbLines = 10000
	}

	runCtx, cancel := context.WithCancel(ctx)
	s := &RecordingSession{
		opts:   opts,
		events: make(chan pipelineEvent, 256),
		ctx:    runCtx,
		cancel: cancel,
		doneCh: make(chan struct{}),
	}

	ipc, err := newIPCServer(s)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("record: start recorder ipc: %w", err)
	}
	s.ipc = ipc

	s.term = termstate.New(opts.Cols, opts.Rows, sbLines, func(reply []byte) {
		if s.ptmx != nil {
			_, _ = s.ptmx.Write(reply)
		}
	})

	cmd := exec.CommandContext(runCtx, opts.Command, opts.Args...)
	cmd.Env = append(os.Environ(), opts.Env...)
	cmd.Env = append(cmd.Env, "AH_RECORDER_IPC_SOCKET="+ipc.socketPath)
	if opts.Dir != "" {
		cmd.Dir = opts.Dir
	}
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = 5 * time.Second

	size := &pty.Winsize{Cols: uint16(opts.Cols), Rows: uint16(opts.Rows)}
	ptmx, err := pty.StartWithSize(cmd, size)
	if err != nil {
		ipc.Close()
		cancel()
		return nil, fmt.Errorf("record: start pty: %w", err)
	}
	s.cmd = cmd
	s.ptmx = ptmx

	if opts.TaskManagerSocket != "" {
		tc, err := dialTaskManager(opts.TaskManagerSocket, sessionIDFromOutputPath(opts.OutputPath))
		if err != nil {
			logger.Warn("rec: task-manager dial failed, continuing without it", "error", err)
		} else {
			s.taskConn = tc
		}
	}

	var writer *ahr.Writer
	var file *os.File
	if opts.OutputPath != "" {
		f, err := os.Create(opts.OutputPath)
		if err != nil {
			ptmx.Close()
			ipc.Close()
			cancel()
			return nil, fmt.Errorf("record: create output file: %w", err)
		}
		file = f
		writer = ahr.NewWriter(f, opts.BrotliQuality)
		var envPairs [][2][]byte
		for _, kv := range cmd.Env {
			envPairs = append(envPairs, splitEnvPair(kv))
		}
		var argBytes [][]byte
		for _, a := range opts.Args {
			argBytes = append(argBytes, []byte(a))
		}
		if err := writer.WriteHeader(ahr.Header{
			Version:     1,
			Cols:        uint16(opts.Cols),
			Rows:        uint16(opts.Rows),
			StartedAtNs: uint64(time.Now().UnixNano()),
			Command:     []byte(opts.Command),
			Args:        argBytes,
			Env:         envPairs,
		}); err != nil {
			logger.Error("rec: write ahr header", "error", err)
		}
	}

	g, gctx := errgroup.WithContext(runCtx)
	s.group = g

	g.Go(func() error { return s.runPtyReader(gctx) })
	g.Go(func() error { return s.runWriter(gctx, writer, file) })
	g.Go(func() error { return ipc.Serve(gctx) })
	if opts.Stdin != nil {
		g.Go(func() error { return s.runStdinForward(gctx) })
	}
	if s.taskConn != nil {
		g.Go(func() error { return s.taskConn.Run(gctx, s) })
	}
	g.Go(func() error { return s.runSignalShutdown(gctx) })
	g.Go(func() error { return s.runWait(gctx) })

	return s, nil
}

func splitEnvPair(kv string) [2][]byte {
	for i := 0; i < len(kv); i++ {
		if kv[i] == '=' {
			return [2][]byte{[]byte(kv[:i]), []byte(kv[i+1:])}
		}
	}
	return [2][]byte{[]byte(kv), nil}
}

func sessionIDFromOutputPath(p string) string {
	if p == "" {
		return "rec"
	}
	return p
}

// runPtyReader reads bytes the child writes to the PTY master, feeds them to
// the terminal state, forwards them to Stdout (if configured and the child
// isn't otherwise redirected), and emits Data pipeline events.
func (s *RecordingSession) runPtyReader(ctx context.Context) error {
	buf := make([]byte, 64*1024)
	for {
		n, err := s.ptmx.Read(buf)
		if n > 0 {
			data := append([]byte(nil), buf[:n]...)
			s.term.ProcessData(data)
			if s.opts.Stdout != nil {
				if _, werr := s.opts.Stdout.Write(data); werr != nil {
					logger.Error("rec: stdout forward", "error", werr)
				}
			}
			if s.taskConn != nil {
				s.taskConn.SendPtyData(data)
			}
			s.emit(pipelineEvent{kind: eventData, tsNs: time.Now().UnixNano(), data: data})
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			// A closed PTY master after the child exits is expected, not a
			// pipeline failure.
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		default:
		}
	}
}

func (s *RecordingSession) runStdinForward(ctx context.Context) error {
	buf := make([]byte, 4096)
	for {
		n, err := s.opts.Stdin.Read(buf)
		if n > 0 {
			if _, werr := s.ptmx.Write(buf[:n]); werr != nil {
				return nil
			}
		}
		if err != nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		default:
		}
	}
}

// Resize applies a controlling-terminal resize to the PTY and records it.
func (s *RecordingSession) Resize(cols, rows int) {
	pty.Setsize(s.ptmx, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
	s.term.Resize(cols, rows)
	if s.taskConn != nil {
		s.taskConn.SendPtyResize(cols, rows)
	}
	s.emit(pipelineEvent{kind: eventResize, tsNs: time.Now().UnixNano(), cols: uint16(cols), rows: uint16(rows)})
}

// InjectInput writes bytes directly into the child's PTY, as requested by
// the task-manager socket's InjectInput message.
func (s *RecordingSession) InjectInput(data []byte) {
	if _, err := s.ptmx.Write(data); err != nil {
		logger.Error("rec: inject input", "error", err)
	}
}

// recordSnapshot feeds a Recorder-IPC or task-manager snapshot request
// through the single-writer pipeline and blocks for its anchor_byte ack.
func (s *RecordingSession) recordSnapshot(id string, label *string) snapshotAck {
	ack := make(chan snapshotAck, 1)
	s.emit(pipelineEvent{
		kind:      eventSnapshot,
		tsNs:      time.Now().UnixNano(),
		snapID:    id,
		snapLabel: label,
		ack:       ack,
	})
	return <-ack
}

func (s *RecordingSession) emit(ev pipelineEvent) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

// runWriter is the pipeline's single writer: it serializes Data, Resize, and
// Snapshot events to the .ahr file in the exact order it received them
// (spec.md §4.4.1's event-ordering invariant), logging but not failing on
// individual write errors.
func (s *RecordingSession) runWriter(ctx context.Context, w *ahr.Writer, f *os.File) error {
	flushTicker := time.NewTicker(250 * time.Millisecond)
	defer flushTicker.Stop()
	defer func() {
		if w == nil {
			return
		}
		if err := w.Close(); err != nil {
			logger.Error("rec: close ahr writer", "error", err)
		}
		if f != nil {
			f.Close()
		}
	}()

	for {
		select {
		case ev, ok := <-s.events:
			if !ok {
				return nil
			}
			s.writeEvent(w, ev)
			if ev.kind == eventExit {
				return nil
			}
		case <-flushTicker.C:
			if w != nil {
				if err := w.Flush(); err != nil {
					logger.Error("rec: flush ahr writer", "error", err)
				}
			}
		case <-ctx.Done():
			s.drainRemaining(w)
			return nil
		}
	}
}

func (s *RecordingSession) drainRemaining(w *ahr.Writer) {
	for {
		select {
		case ev, ok := <-s.events:
			if !ok {
				return
			}
			s.writeEvent(w, ev)
			if ev.kind == eventExit {
				return
			}
		default:
			return
		}
	}
}

func (s *RecordingSession) writeEvent(w *ahr.Writer, ev pipelineEvent) {
	switch ev.kind {
	case eventData:
		if w != nil {
			if err := w.WriteData(ahr.Data{TsNs: uint64(ev.tsNs), Bytes: ev.data}); err != nil {
				logger.Error("rec: write ahr data", "error", err)
			}
		}
	case eventResize:
		if w != nil {
			if err := w.WriteResize(ahr.Resize{TsNs: uint64(ev.tsNs), Cols: ev.cols, Rows: ev.rows}); err != nil {
				logger.Error("rec: write ahr resize", "error", err)
			}
		}
	case eventSnapshot:
		snap := s.term.RecordSnapshot(ev.tsNs, labelOrEmpty(ev.snapLabel))
		var anchor uint64
		if w != nil {
			anchor = w.CurrentByteOffset()
			var labelBytes *[]byte
			if ev.snapLabel != nil {
				b := []byte(*ev.snapLabel)
				labelBytes = &b
			}
			if err := w.WriteSnapshot(ahr.Snapshot{
				TsNs:       uint64(ev.tsNs),
				ID:         []byte(ev.snapID),
				Label:      labelBytes,
				AnchorByte: anchor,
				Line:       uint64(snap.Line),
				Column:     uint32(snap.Column),
			}); err != nil {
				logger.Error("rec: write ahr snapshot", "error", err)
			}
		}
		if ev.ack != nil {
			ev.ack <- snapshotAck{anchorByte: anchor, tsNs: ev.tsNs}
		}
	case eventExit:
		if w != nil {
			if err := w.WriteFooter(ahr.Footer{EndedAtNs: uint64(ev.tsNs), ExitCode: ev.exitCode}); err != nil {
				logger.Error("rec: write ahr footer", "error", err)
			}
		}
	}
}

func labelOrEmpty(l *string) string {
	if l == nil {
		return ""
	}
	return *l
}

// runWait waits for the child to exit, then finalizes the pipeline: it
// emits an exit event (carrying the footer) and signals Wait's callers.
func (s *RecordingSession) runWait(ctx context.Context) error {
	waitErr := s.cmd.Wait()
	var code int32
	if s.cmd.ProcessState != nil {
		code = int32(s.cmd.ProcessState.ExitCode())
	}
	s.ptmx.Close()
	s.ipc.Close()
	if s.taskConn != nil {
		s.taskConn.Close()
	}

	exitCode := code
	s.emit(pipelineEvent{kind: eventExit, tsNs: time.Now().UnixNano(), exitCode: &exitCode})

	s.mu.Lock()
	s.exitCode = code
	s.exitErr = waitErr
	s.done = true
	s.mu.Unlock()
	close(s.doneCh)
	s.cancel()
	return nil
}

// runSignalShutdown honors SIGINT/SIGTERM by killing the child, which in
// turn unblocks runWait and finalizes the .ahr file with a footer.
func (s *RecordingSession) runSignalShutdown(ctx context.Context) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	select {
	case <-sigCh:
		if s.cmd.Process != nil {
			_ = s.cmd.Process.Signal(syscall.SIGTERM)
		}
	case <-ctx.Done():
	}
	return nil
}

// Wait blocks until the child has exited and the .ahr file (if any) has been
// finalized, returning the child's exit code.
func (s *RecordingSession) Wait() (int32, error) {
	<-s.doneCh
	_ = s.group.Wait()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitCode, s.exitErr
}

// Shutdown requests an orderly stop, as if SIGTERM had been received.
func (s *RecordingSession) Shutdown() {
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Signal(syscall.SIGTERM)
	}
}
