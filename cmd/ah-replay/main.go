// Command ah-replay plays an .ahr recording back to the terminal, either in
// real time (respecting the original inter-event pacing) or instantly via
// --speed 0, and can list embedded snapshot markers for scripted seeking.
// This is the headless half of the session viewer (spec.md §4.4.3); the
// interactive scrollback/search UI lives in internal/viewer.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/agent-harbor/ah/internal/ahr"
)

func main() {
	var (
		speed          float64
		listSnapshots  bool
	)

	root := &cobra.Command{
		Use:   "ah-replay <file.ahr>",
		Short: "Replay or inspect an .ahr recording",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("open recording: %w", err)
			}
			defer f.Close()

			r := ahr.NewReader(f)
			if listSnapshots {
				return printSnapshots(r)
			}
			return play(r, os.Stdout, speed)
		},
	}

	flags := root.Flags()
	flags.Float64Var(&speed, "speed", 1.0, "playback speed multiplier; 0 plays as fast as possible")
	flags.BoolVar(&listSnapshots, "list-snapshots", false, "print snapshot markers instead of replaying output")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func play(r *ahr.Reader, out io.Writer, speed float64) error {
	var lastTsNs uint64
	havePrev := false
	for {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		switch rec.Tag {
		case ahr.TagData:
			if speed > 0 && havePrev {
				delta := time.Duration(rec.Data.TsNs-lastTsNs) / time.Duration(speed)
				if delta > 0 {
					time.Sleep(delta)
				}
			}
			lastTsNs = rec.Data.TsNs
			havePrev = true
			if _, err := out.Write(rec.Data.Bytes); err != nil {
				return err
			}
		case ahr.TagFooter:
			if rec.Footer.ExitCode != nil {
				fmt.Fprintf(os.Stderr, "\n[ah-replay] exited with code %d\n", *rec.Footer.ExitCode)
			}
			return nil
		}
	}
}

func printSnapshots(r *ahr.Reader) error {
	for {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if rec.Tag != ahr.TagSnapshot {
			continue
		}
		s := rec.Snapshot
		label := ""
		if s.Label != nil {
			label = string(*s.Label)
		}
		fmt.Printf("%-36s line=%-8d col=%-4d anchor=%-10d %s\n", string(s.ID), s.Line, s.Column, s.AnchorByte, label)
	}
}
