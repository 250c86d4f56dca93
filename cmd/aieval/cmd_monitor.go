package main

import (
	"fmt"
	"io"
	"path/filepath"

	"github.com/spf13/cobra"

	"aieval/pkg/protocol"
)

func newMonitorStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "monitor-start [path]",
		Short: "Monitor a directory for file changes and commits",
		Long: "Starts the file monitor on path (default: the current directory). Changes are\n" +
			"attributed to the active session and its open phase; commits are read from the\n" +
			"git log when path is inside a work tree.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, argv []string) error {
			p, err := newPrinter(cmd)
			if err != nil {
				return err
			}
			path := "."
			if len(argv) == 1 {
				path = argv[0]
			}
			abs, err := filepath.Abs(path)
			if err != nil {
				return fmt.Errorf("resolve watch path: %w", err)
			}
			var st protocol.MonitorStatus
			if err := call(cmd, protocol.OpMonitorStart, protocol.MonitorStartArgs{WatchPath: abs}, &st); err != nil {
				return err
			}
			return p.emit(st, func(w io.Writer) { printMonitor(p, w, st) })
		},
	}
}

func newMonitorStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "monitor-stop",
		Short: "Stop the file monitor",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := newPrinter(cmd)
			if err != nil {
				return err
			}
			var sum protocol.StopSummary
			if err := call(cmd, protocol.OpMonitorStop, nil, &sum); err != nil {
				return err
			}
			return p.emit(sum, func(w io.Writer) {
				fmt.Fprintf(w, "monitor stopped: %d changes recorded", sum.Changes)
				if sum.Dropped > 0 {
					fmt.Fprintf(w, ", %s", p.warn(fmt.Sprintf("%d events dropped", sum.Dropped)))
				}
				fmt.Fprintln(w)
				if sum.Warning != "" {
					fmt.Fprintf(w, "%s %s\n", p.warn("warning:"), sum.Warning)
				}
			})
		},
	}
}

func newMonitorStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "monitor-status",
		Short: "Show the file monitor state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := newPrinter(cmd)
			if err != nil {
				return err
			}
			var st protocol.MonitorStatus
			if err := call(cmd, protocol.OpMonitorStatus, nil, &st); err != nil {
				return err
			}
			return p.emit(st, func(w io.Writer) { printMonitor(p, w, st) })
		},
	}
}

func printMonitor(p *printer, w io.Writer, st protocol.MonitorStatus) {
	if !st.Running {
		fmt.Fprintln(w, p.muted("monitor is not running"))
		return
	}
	fmt.Fprintf(w, "%s %s (run %s)\n", p.good("watching"), st.WatchPath, st.RunID)
	fmt.Fprintf(w, "  changes %d, commits %d, dropped events %d\n", st.Changes, st.Commits, st.Dropped)
	if st.GitDisabled {
		fmt.Fprintln(w, "  "+p.muted("commit attribution disabled"))
	}
	if st.Warning != "" {
		fmt.Fprintf(w, "  %s %s\n", p.warn("warning:"), st.Warning)
	}
}
