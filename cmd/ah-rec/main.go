// Command ah-rec records a command's PTY session to an .ahr file, forwarding
// the session live to the invoking terminal when run interactively. Terminal
// sizing and raw-mode handling follow the teacher's interactive-session
// entrypoints, which read the controlling tty via golang.org/x/term.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/agent-harbor/ah/internal/config"
	"github.com/agent-harbor/ah/internal/logger"
	"github.com/agent-harbor/ah/internal/rec"
)

func main() {
	var (
		output           string
		taskManagerSock  string
		brotliQuality    int
		scrollbackLines  int
		logLevel         string
		logFile          string
		noForwardStdio   bool
	)

	root := &cobra.Command{
		Use:   "ah-rec -- <command> [args...]",
		Short: "Record a PTY session to an .ahr file",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := logger.Init(logLevel, logFile); err != nil {
				return fmt.Errorf("init logger: %w", err)
			}

			userDir, err := config.GetUserConfigDir()
			if err == nil {
				projectDir, perr := config.GetProjectDir()
				if perr == nil {
					mgr := config.NewManager()
					if lerr := mgr.Load(userDir, projectDir); lerr == nil {
						cfg := mgr.Merged()
						if scrollbackLines == 0 {
							scrollbackLines = cfg.ScrollbackLines
						}
						if brotliQuality == 0 {
							brotliQuality = cfg.BrotliQuality
						}
						if taskManagerSock == "" {
							taskManagerSock = os.Getenv("AH_TASK_MANAGER_SOCKET")
						}
					}
				}
			}

			cols, rows := 80, 24
			interactive := !noForwardStdio && term.IsTerminal(int(os.Stdout.Fd()))
			if interactive {
				if w, h, err := term.GetSize(int(os.Stdout.Fd())); err == nil {
					cols, rows = w, h
				}
			}

			opts := rec.Options{
				Command:           args[0],
				Args:              args[1:],
				Dir:               ".",
				Cols:              cols,
				Rows:              rows,
				OutputPath:        output,
				BrotliQuality:     brotliQuality,
				TaskManagerSocket: taskManagerSock,
				ScrollbackLines:   scrollbackLines,
			}

			var restore func()
			if interactive {
				opts.Stdin = os.Stdin
				opts.Stdout = os.Stdout
				if state, err := term.MakeRaw(int(os.Stdin.Fd())); err == nil {
					restore = func() { term.Restore(int(os.Stdin.Fd()), state) }
				}
			}
			if restore != nil {
				defer restore()
			}

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			session, err := rec.Record(ctx, opts)
			if err != nil {
				return fmt.Errorf("start recording: %w", err)
			}

			if interactive {
				go forwardResize(session)
			}

			code, werr := session.Wait()
			if werr != nil {
				logger.Error("ah-rec: session ended with error", "error", werr)
			}
			os.Exit(int(code))
			return nil
		},
	}

	flags := root.Flags()
	flags.StringVarP(&output, "output", "o", "session.ahr", "path to write the .ahr recording")
	flags.StringVar(&taskManagerSock, "task-manager-socket", "", "UDS path of a task manager to stream events to")
	flags.IntVar(&brotliQuality, "brotli-quality", 0, "brotli compression quality (0 uses config default)")
	flags.IntVar(&scrollbackLines, "scrollback-lines", 0, "in-memory scrollback capacity (0 uses config default)")
	flags.StringVar(&logLevel, "log-level", "warn", "debug, info, warn, error")
	flags.StringVar(&logFile, "log-file", "", "optional log file path, in addition to stdout")
	flags.BoolVar(&noForwardStdio, "headless", false, "do not forward the local tty, even if one is attached")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// forwardResize watches the controlling terminal's SIGWINCH and propagates
// new dimensions into the recording session, following the teacher's
// interactive-session resize-forwarding pattern.
func forwardResize(session *rec.RecordingSession) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGWINCH)
	defer signal.Stop(ch)
	for range ch {
		if w, h, err := term.GetSize(int(os.Stdout.Fd())); err == nil {
			session.Resize(w, h)
		}
	}
}
