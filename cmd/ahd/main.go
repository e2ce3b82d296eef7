// Command ahd runs the AgentFS daemon: one Unix-socket server per session,
// serving the branched, snapshot-capable virtual filesystem described by
// internal/afsd. Flag/signal handling follows the teacher's cmd/wingthing
// daemon entrypoints (cobra root command, context canceled on SIGINT/SIGTERM).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/agent-harbor/ah/internal/afsd"
	"github.com/agent-harbor/ah/internal/config"
	"github.com/agent-harbor/ah/internal/logger"
)

func main() {
	var (
		socketPath    string
		exportBaseDir string
		backstoreFlag string
		logLevel      string
		logFile       string
	)

	root := &cobra.Command{
		Use:   "ahd",
		Short: "AgentFS daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := logger.Init(logLevel, logFile); err != nil {
				return fmt.Errorf("init logger: %w", err)
			}

			userDir, err := config.GetUserConfigDir()
			if err != nil {
				return err
			}
			projectDir, err := config.GetProjectDir()
			if err != nil {
				return err
			}
			mgr := config.NewManager()
			if err := mgr.Load(userDir, projectDir); err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			cfg := mgr.Merged()

			if socketPath == "" {
				socketPath = cfg.SocketPath
			}
			if exportBaseDir == "" {
				exportBaseDir = cfg.ExportBaseDir
			}
			if backstoreFlag == "" {
				backstoreFlag = cfg.Backstore
			}

			backstore, err := parseBackstore(backstoreFlag)
			if err != nil {
				return err
			}

			if err := os.MkdirAll(exportBaseDir, 0o755); err != nil {
				return fmt.Errorf("create export base dir: %w", err)
			}
			_ = os.Remove(socketPath)

			d := afsd.New(socketPath, exportBaseDir, backstore)

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			logger.Info("ahd: listening", "socket", socketPath, "backstore", backstoreFlag)
			err = d.ListenAndServe(ctx)
			if err != nil && ctx.Err() == nil {
				return err
			}
			return nil
		},
	}

	flags := root.Flags()
	flags.StringVar(&socketPath, "socket", "", "UDS path to listen on (default from settings.yaml)")
	flags.StringVar(&exportBaseDir, "export-dir", "", "base directory for readonly snapshot exports")
	flags.StringVar(&backstoreFlag, "backstore", "", "content backstore: memory, hostfs, ramdisk")
	flags.StringVar(&logLevel, "log-level", "info", "debug, info, warn, error")
	flags.StringVar(&logFile, "log-file", "", "optional log file path, in addition to stdout")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func parseBackstore(s string) (afsd.BackstoreMode, error) {
	switch s {
	case "", "memory":
		return afsd.BackstoreInMemory, nil
	case "hostfs":
		return afsd.BackstoreHostFs, nil
	case "ramdisk":
		return afsd.BackstoreRamDisk, nil
	default:
		return afsd.BackstoreInMemory, fmt.Errorf("unknown backstore %q", s)
	}
}
