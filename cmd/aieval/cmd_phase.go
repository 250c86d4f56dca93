package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"aieval/pkg/protocol"
)

func newStartPhaseCmd() *cobra.Command {
	var notes string
	cmd := &cobra.Command{
		Use:       "start-phase <name>",
		Short:     "Open a development phase",
		Long:      "Opens a phase of the active session. Only one phase can be open at a time;\nrun `aieval phases` for the vocabulary.",
		Args:      cobra.ExactArgs(1),
		ValidArgs: phaseNames(),
		RunE: func(cmd *cobra.Command, argv []string) error {
			p, err := newPrinter(cmd)
			if err != nil {
				return err
			}
			var ph protocol.Phase
			if err := call(cmd, protocol.OpStartPhase, protocol.StartPhaseArgs{Name: argv[0], Notes: notes}, &ph); err != nil {
				return err
			}
			return p.emit(ph, func(w io.Writer) {
				fmt.Fprintf(w, "phase %s started at %s\n", p.bold(string(ph.Name)), ph.StartedAt.Local().Format("15:04:05"))
			})
		},
	}
	cmd.Flags().StringVar(&notes, "notes", "", "phase notes")
	return cmd
}

func newCompletePhaseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "complete-phase",
		Short: "Close the open phase",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := newPrinter(cmd)
			if err != nil {
				return err
			}
			var ph protocol.Phase
			if err := call(cmd, protocol.OpCompletePhase, nil, &ph); err != nil {
				return err
			}
			return p.emit(ph, func(w io.Writer) {
				minutes := 0.0
				if ph.DurationMinutes != nil {
					minutes = *ph.DurationMinutes
				}
				fmt.Fprintf(w, "phase %s completed (%.1f min)\n", p.bold(string(ph.Name)), minutes)
			})
		},
	}
}

func newMilestoneCmd() *cobra.Command {
	var args protocol.MilestoneArgs
	cmd := &cobra.Command{
		Use:   "milestone <name>",
		Short: "Mark a milestone in the active session",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, argv []string) error {
			p, err := newPrinter(cmd)
			if err != nil {
				return err
			}
			args.Name = strings.Join(argv, " ")
			var m protocol.Milestone
			if err := call(cmd, protocol.OpMilestone, args, &m); err != nil {
				return err
			}
			return p.emit(m, func(w io.Writer) {
				fmt.Fprintf(w, "milestone %q at %.1f min\n", m.Name, m.ElapsedMinutes)
			})
		},
	}
	cmd.Flags().StringVar(&args.Description, "description", "", "milestone description")
	cmd.Flags().StringVar(&args.Notes, "notes", "", "milestone notes")
	return cmd
}

// phaseInfo is one row of `aieval phases`.
type phaseInfo struct {
	Name        protocol.PhaseName `json:"name"`
	Description string             `json:"description"`
}

func newPhasesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "phases",
		Short: "List the development phase vocabulary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := newPrinter(cmd)
			if err != nil {
				return err
			}
			var rows []phaseInfo
			for _, ph := range protocol.Phases() {
				rows = append(rows, phaseInfo{Name: ph, Description: ph.Description()})
			}
			return p.emit(rows, func(w io.Writer) {
				tw := newTabWriter(w)
				for _, r := range rows {
					fmt.Fprintf(tw, "%s\t%s\n", p.bold(string(r.Name)), r.Description)
				}
				_ = tw.Flush()
			})
		},
	}
}

func phaseNames() []string {
	var out []string
	for _, ph := range protocol.Phases() {
		out = append(out, string(ph))
	}
	return out
}
