package main

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"aieval/pkg/config"
	"aieval/pkg/protocol"
)

func newStartSessionCmd() *cobra.Command {
	var (
		args        protocol.StartSessionArgs
		interactive bool
	)
	cmd := &cobra.Command{
		Use:   "start-session",
		Short: "Start an evaluation session",
		Long: "Starts a session for one tool on one task. With --watch-path the daemon also\n" +
			"monitors that directory for file changes and commits.",
		Example: "  aieval start-session --name login-bug --tool cursor --type bug_fix --watch-path .",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := newPrinter(cmd)
			if err != nil {
				return err
			}
			if interactive {
				if err := promptSession(cmd, &args); err != nil {
					return err
				}
			}
			if args.WatchPath != "" {
				abs, err := filepath.Abs(args.WatchPath)
				if err != nil {
					return fmt.Errorf("resolve watch path: %w", err)
				}
				args.WatchPath = abs
			}

			var res protocol.StartSessionResult
			if err := call(cmd, protocol.OpStartSession, args, &res); err != nil {
				return err
			}
			return p.emit(res, func(w io.Writer) {
				fmt.Fprintf(w, "%s session %s\n", p.good("started"), p.bold(res.SessionID))
				if res.Monitor != nil && res.Monitor.Running {
					fmt.Fprintf(w, "monitoring %s (run %s)\n", res.Monitor.WatchPath, res.Monitor.RunID)
				}
				if res.Warning != "" {
					fmt.Fprintf(w, "%s %s\n", p.warn("warning:"), res.Warning)
				}
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&args.Name, "name", "", "session name")
	f.StringVar(&args.Tool, "tool", "", "AI tool under evaluation (cursor, github_copilot, ...)")
	f.StringVar(&args.TestCaseType, "type", "", "test case type: bug_fix, new_feature or refactoring")
	f.StringVar(&args.Developer, "developer", "", "developer identifier")
	f.StringVar(&args.WatchPath, "watch-path", "", "directory to monitor for changes")
	f.StringToStringVar(&args.Environment, "env", nil, "environment facts as key=value (repeatable)")
	f.BoolVarP(&interactive, "interactive", "i", false, "prompt for missing fields")
	return cmd
}

// promptSession asks for the fields left empty on the command line.
func promptSession(cmd *cobra.Command, a *protocol.StartSessionArgs) error {
	var history string
	if home, err := config.ResolveHome(); err == nil {
		history = filepath.Join(home, "prompt_history")
	}
	in := newLineInput(cmd.InOrStdin(), cmd.OutOrStdout(), history)
	defer func() { _ = in.Close() }()

	var err error
	if a.Name == "" {
		if a.Name, err = ask(in, "Session name", ""); err != nil {
			return err
		}
	}
	if a.Tool == "" {
		if a.Tool, err = ask(in, "AI tool", ""); err != nil {
			return err
		}
	}
	if a.TestCaseType == "" {
		types := make([]string, 0, 3)
		for _, t := range protocol.TestCaseTypes() {
			types = append(types, string(t))
		}
		label := "Test case type (" + strings.Join(types, ", ") + ")"
		if a.TestCaseType, err = ask(in, label, string(protocol.TestCaseBugFix)); err != nil {
			return err
		}
	}
	if a.Developer == "" {
		if a.Developer, err = ask(in, "Developer", "-"); err != nil {
			return err
		}
		if a.Developer == "-" {
			a.Developer = ""
		}
	}
	return nil
}

func newEndSessionCmd() *cobra.Command {
	var args protocol.EndSessionArgs
	cmd := &cobra.Command{
		Use:   "end-session",
		Short: "Complete the active session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := newPrinter(cmd)
			if err != nil {
				return err
			}
			var sum protocol.SessionSummary
			if err := call(cmd, protocol.OpEndSession, args, &sum); err != nil {
				return err
			}
			return p.emit(sum, func(w io.Writer) { printSummary(p, w, sum) })
		},
	}
	cmd.Flags().StringVar(&args.Notes, "notes", "", "completion notes")
	return cmd
}

func newFailSessionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fail-session <reason>",
		Short: "Mark the active session as failed",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, argv []string) error {
			p, err := newPrinter(cmd)
			if err != nil {
				return err
			}
			var sum protocol.SessionSummary
			if err := call(cmd, protocol.OpFailSession, protocol.FailSessionArgs{Reason: strings.Join(argv, " ")}, &sum); err != nil {
				return err
			}
			return p.emit(sum, func(w io.Writer) { printSummary(p, w, sum) })
		},
	}
}

func printSummary(p *printer, w io.Writer, s protocol.SessionSummary) {
	fmt.Fprintf(w, "session %s %s after %.1f min\n", p.bold(s.SessionID), statusColor(p, s.Status), s.DurationMinutes)
	fmt.Fprintf(w, "  phases %d, interactions %d, changes %d, milestones %d\n",
		s.Phases, s.Interactions, s.Changes, s.Milestones)
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the active session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := newPrinter(cmd)
			if err != nil {
				return err
			}
			var snap protocol.StatusSnapshot
			if err := call(cmd, protocol.OpStatus, nil, &snap); err != nil {
				return err
			}
			return p.emit(snap, func(w io.Writer) { printStatus(p, w, snap) })
		},
	}
}

func printStatus(p *printer, w io.Writer, snap protocol.StatusSnapshot) {
	s := snap.Session
	if s == nil {
		fmt.Fprintln(w, p.muted("no active session"))
		return
	}
	tw := newTabWriter(w)
	fmt.Fprintf(tw, "Session\t%s (%s)\n", p.bold(s.ID), s.Name)
	fmt.Fprintf(tw, "Tool\t%s / %s\n", s.Tool, s.TestCaseType)
	if s.Developer != "" {
		fmt.Fprintf(tw, "Developer\t%s\n", s.Developer)
	}
	fmt.Fprintf(tw, "Started\t%s (%.1f min ago)\n", s.StartedAt.Local().Format("2006-01-02 15:04"), snap.ElapsedMinutes)
	if ph := snap.OpenPhase; ph != nil {
		fmt.Fprintf(tw, "Phase\t%s since %s\n", p.warn(string(ph.Name)), ph.StartedAt.Local().Format("15:04:05"))
	} else {
		fmt.Fprintf(tw, "Phase\t%s\n", p.muted("none"))
	}
	fmt.Fprintf(tw, "Logged\t%d interactions, %d changes, %d milestones\n", snap.Interactions, snap.Changes, snap.Milestones)
	m := snap.Monitor
	switch {
	case m.Running:
		fmt.Fprintf(tw, "Monitor\t%s %s (%d changes, %d commits)\n", p.good("watching"), m.WatchPath, m.Changes, m.Commits)
	default:
		fmt.Fprintf(tw, "Monitor\t%s\n", p.muted("off"))
	}
	if m.Warning != "" {
		fmt.Fprintf(tw, "\t%s %s\n", p.warn("warning:"), m.Warning)
	}
	_ = tw.Flush()

	if len(snap.RecentChanges) > 0 {
		fmt.Fprintln(w, "\nRecent changes:")
		for _, c := range snap.RecentChanges {
			fmt.Fprintf(w, "  %s %-8s %s +%d -%d ~%d\n",
				p.muted(c.Timestamp.Local().Format("15:04:05")), c.Kind, c.Path, c.Delta.Added, c.Delta.Deleted, c.Delta.Modified)
		}
	}
}
