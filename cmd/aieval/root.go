package main

import (
	"github.com/spf13/cobra"

	"aieval/internal/version"
)

// newRootCmd creates the root aieval command with all subcommands attached.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "aieval",
		Short: "Evaluate AI coding assistants session by session",
		Long: "aieval records how a developer works with an AI coding assistant during a\n" +
			"bounded session (phases, prompts, file changes, feedback) and compares tools\n" +
			"on the derived metrics.\n\n" +
			"Mutating commands talk to the daemon (`aieval daemon start`); reports read\n" +
			"the database directly when no daemon is running.",
		Version:       version.Full(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetVersionTemplate("aieval {{.Version}}\n")

	cmd.PersistentFlags().StringP("output", "o", outputAuto, "output format: auto, text or json (auto is json when stdout is not a terminal)")
	cmd.PersistentFlags().Bool("json", false, "shorthand for --output json")

	cmd.AddGroup(
		&cobra.Group{ID: "session", Title: "Session commands:"},
		&cobra.Group{ID: "log", Title: "Logging commands:"},
		&cobra.Group{ID: "report", Title: "Report commands:"},
		&cobra.Group{ID: "admin", Title: "Administration commands:"},
	)

	add := func(group string, cmds ...*cobra.Command) {
		for _, c := range cmds {
			c.GroupID = group
			cmd.AddCommand(c)
		}
	}
	add("session",
		newStartSessionCmd(),
		newEndSessionCmd(),
		newFailSessionCmd(),
		newStatusCmd(),
		newStartPhaseCmd(),
		newCompletePhaseCmd(),
		newMilestoneCmd(),
		newPhasesCmd(),
		newMonitorStartCmd(),
		newMonitorStopCmd(),
		newMonitorStatusCmd(),
	)
	add("log",
		newLogInteractionCmd(),
		newLogChangeCmd(),
		newMarkAICmd(),
		newLogQualityCmd(),
		newLogBuildCmd(),
		newFeedbackCmd(),
	)
	add("report",
		newAggregateCmd(),
		newCompareCmd(),
		newSummaryCmd(),
		newReportCmd(),
		newSessionsCmd(),
		newSearchCmd(),
		newEventsCmd(),
		newDashCmd(),
	)
	add("admin",
		newDaemonCmd(),
		newInitCmd(),
		newConfigCmd(),
		newDeleteSessionCmd(),
	)
	return cmd
}
