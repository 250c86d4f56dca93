package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"aieval/pkg/protocol"
)

// Optional flag values: nil unless the flag was given.

func optInt(cmd *cobra.Command, name string) *int {
	if !cmd.Flags().Changed(name) {
		return nil
	}
	v, _ := cmd.Flags().GetInt(name)
	return &v
}

func optFloat(cmd *cobra.Command, name string) *float64 {
	if !cmd.Flags().Changed(name) {
		return nil
	}
	v, _ := cmd.Flags().GetFloat64(name)
	return &v
}

func optBool(cmd *cobra.Command, name string) *bool {
	if !cmd.Flags().Changed(name) {
		return nil
	}
	v, _ := cmd.Flags().GetBool(name)
	return &v
}

// readText returns s, the contents of stdin when s is "-", or the contents
// of file when set.
func readText(cmd *cobra.Command, s, file string) (string, error) {
	switch {
	case file != "":
		b, err := os.ReadFile(file) //nolint:gosec // operator-supplied path
		if err != nil {
			return "", fmt.Errorf("read %s: %w", file, err)
		}
		return string(b), nil
	case s == "-":
		b, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		return strings.TrimRight(string(b), "\n"), nil
	default:
		return s, nil
	}
}

func newLogInteractionCmd() *cobra.Command {
	var (
		args         protocol.LogInteractionArgs
		responseFile string
	)
	cmd := &cobra.Command{
		Use:   "log-interaction",
		Short: "Record a prompt/response exchange with the assistant",
		Long: "Records one interaction in the active session and its open phase. Pass\n" +
			"--prompt - to read the prompt from stdin. Without --tokens the daemon may\n" +
			"estimate tokens when tokens.estimate is enabled.",
		Example: "  aieval log-interaction --prompt 'why does login fail?' --type debug --rating 4 --helpful",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := newPrinter(cmd)
			if err != nil {
				return err
			}
			if args.Prompt, err = readText(cmd, args.Prompt, ""); err != nil {
				return err
			}
			if args.Response, err = readText(cmd, args.Response, responseFile); err != nil {
				return err
			}
			args.Rating = optInt(cmd, "rating")
			args.Helpful = optBool(cmd, "helpful")
			args.Tokens = optInt(cmd, "tokens")
			args.Cost = optFloat(cmd, "cost")

			var in protocol.Interaction
			if err := call(cmd, protocol.OpLogInteraction, args, &in); err != nil {
				return err
			}
			return p.emit(in, func(w io.Writer) {
				fmt.Fprintf(w, "interaction #%d logged (%s)", in.Sequence, in.Type)
				if in.Tokens != nil {
					est := ""
					if in.TokensEstimated {
						est = " estimated"
					}
					fmt.Fprintf(w, ", %d tokens%s", *in.Tokens, est)
				}
				fmt.Fprintln(w)
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&args.Prompt, "prompt", "", "prompt text, or - for stdin")
	f.StringVar(&args.Response, "response", "", "response text, or - for stdin")
	f.StringVar(&responseFile, "response-file", "", "read the response from a file")
	f.StringVar(&args.Type, "type", string(protocol.InteractionCodeGeneration), "code_generation, explanation, debug or refactor")
	f.Int("rating", 0, "quality rating 1-5")
	f.Bool("helpful", false, "whether the response helped (--helpful=false for no)")
	f.Int("tokens", 0, "tokens used")
	f.Float64("cost", 0, "cost in USD")
	f.BoolVar(&args.AIGenerated, "ai-generated", false, "the response produced code that was applied")
	f.StringVar(&args.Notes, "notes", "", "developer notes")
	_ = cmd.MarkFlagRequired("prompt")
	return cmd
}

func newLogChangeCmd() *cobra.Command {
	var args protocol.LogChangeArgs
	cmd := &cobra.Command{
		Use:   "log-change <path>",
		Short: "Record a file change by hand",
		Long:  "Records a code change directly, bypassing the file monitor.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, argv []string) error {
			p, err := newPrinter(cmd)
			if err != nil {
				return err
			}
			args.Path = argv[0]
			var c protocol.CodeChange
			if err := call(cmd, protocol.OpLogChange, args, &c); err != nil {
				return err
			}
			return p.emit(c, func(w io.Writer) {
				fmt.Fprintf(w, "change logged: %s %s +%d -%d ~%d\n", c.Kind, c.Path, c.Delta.Added, c.Delta.Deleted, c.Delta.Modified)
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&args.Kind, "kind", string(protocol.ChangeModify), "create, modify, delete or rename")
	f.IntVar(&args.Delta.Added, "added", 0, "lines added")
	f.IntVar(&args.Delta.Deleted, "deleted", 0, "lines deleted")
	f.IntVar(&args.Delta.Modified, "modified", 0, "lines modified")
	f.BoolVar(&args.AIGenerated, "ai-generated", false, "the change was written by the assistant")
	return cmd
}

func newMarkAICmd() *cobra.Command {
	var args protocol.MarkAIArgs
	cmd := &cobra.Command{
		Use:   "mark-ai <path>",
		Short: "Flag recent changes to a file as AI-generated",
		Long: "Flags the active session's changes to files whose path contains <path> as\n" +
			"written by the assistant. Without --commit only changes from the last five\n" +
			"minutes are flagged.",
		Example: "  aieval mark-ai auth/session.go\n  aieval mark-ai session.go --commit 3f2a9c1",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, argv []string) error {
			p, err := newPrinter(cmd)
			if err != nil {
				return err
			}
			args.Path = argv[0]
			var res protocol.MarkAIResult
			if err := call(cmd, protocol.OpMarkAI, args, &res); err != nil {
				return err
			}
			return p.emit(res, func(w io.Writer) {
				fmt.Fprintf(w, "marked %d changes to %s as AI-generated\n", res.Marked, args.Path)
			})
		},
	}
	cmd.Flags().StringVar(&args.CommitHash, "commit", "", "only flag changes attributed to this commit")
	return cmd
}

func newLogQualityCmd() *cobra.Command {
	var (
		point string
		q     protocol.QualityMetric
	)
	cmd := &cobra.Command{
		Use:   "log-quality",
		Short: "Record a code-quality snapshot",
		Long: "Records quality measurements at the baseline or at completion. Only the\n" +
			"given flags are stored; the rest count as not measured.",
		Example: "  aieval log-quality --point baseline --coverage 61.5 --bugs 4 --complexity 12",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := newPrinter(cmd)
			if err != nil {
				return err
			}
			if q.Point, err = protocol.ParseMeasurementPoint(point); err != nil {
				return err
			}
			q.CyclomaticComplexity = optFloat(cmd, "complexity")
			q.LinesOfCode = optInt(cmd, "loc")
			q.TestCoverage = optFloat(cmd, "coverage")
			q.TechnicalDebtMinutes = optInt(cmd, "debt-minutes")
			q.CodeSmells = optInt(cmd, "smells")
			q.Bugs = optInt(cmd, "bugs")
			q.Vulnerabilities = optInt(cmd, "vulnerabilities")
			q.BuildSuccess = optBool(cmd, "build-success")
			q.TestsPassed = optInt(cmd, "tests-passed")
			q.TestsFailed = optInt(cmd, "tests-failed")
			q.BuildTimeSeconds = optFloat(cmd, "build-time")

			var saved protocol.QualityMetric
			if err := call(cmd, protocol.OpLogQuality, q, &saved); err != nil {
				return err
			}
			return p.emit(saved, func(w io.Writer) {
				fmt.Fprintf(w, "%s quality snapshot recorded\n", saved.Point)
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&point, "point", "", "baseline or completion")
	f.Float64("complexity", 0, "cyclomatic complexity")
	f.Int("loc", 0, "lines of code")
	f.Float64("coverage", 0, "test coverage percent")
	f.StringVar(&q.MaintainabilityRating, "maintainability", "", "maintainability rating A-E")
	f.StringVar(&q.ReliabilityRating, "reliability", "", "reliability rating A-E")
	f.StringVar(&q.SecurityRating, "security", "", "security rating A-E")
	f.Int("debt-minutes", 0, "technical debt in minutes")
	f.Int("smells", 0, "code smells")
	f.Int("bugs", 0, "bugs")
	f.Int("vulnerabilities", 0, "vulnerabilities")
	f.Bool("build-success", false, "whether the build succeeded")
	f.Int("tests-passed", 0, "tests passed")
	f.Int("tests-failed", 0, "tests failed")
	f.Float64("build-time", 0, "build time in seconds")
	_ = cmd.MarkFlagRequired("point")
	return cmd
}

func newLogBuildCmd() *cobra.Command {
	var (
		b      protocol.BuildResult
		failed bool
	)
	cmd := &cobra.Command{
		Use:     "log-build",
		Short:   "Record a build or test run",
		Example: "  aieval log-build --type test --failed --errors 3 --duration 41.2",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := newPrinter(cmd)
			if err != nil {
				return err
			}
			b.Success = !failed
			b.DurationSeconds = optFloat(cmd, "duration")

			var saved protocol.BuildResult
			if err := call(cmd, protocol.OpLogBuild, b, &saved); err != nil {
				return err
			}
			return p.emit(saved, func(w io.Writer) {
				outcome := p.good("succeeded")
				if !saved.Success {
					outcome = p.bad("failed")
				}
				fmt.Fprintf(w, "%s run %s (%d warnings, %d errors)\n", saved.BuildType, outcome, saved.Warnings, saved.Errors)
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&b.BuildType, "type", protocol.BuildCompile, "compile, test or package")
	f.BoolVar(&failed, "failed", false, "the run failed")
	f.Float64("duration", 0, "duration in seconds")
	f.IntVar(&b.Warnings, "warnings", 0, "warning count")
	f.IntVar(&b.Errors, "errors", 0, "error count")
	return cmd
}

func newFeedbackCmd() *cobra.Command {
	var fb protocol.Feedback
	cmd := &cobra.Command{
		Use:   "feedback",
		Short: "Record the developer's assessment of the session",
		Long: "Records subjective ratings (1-5) for the active session. A session takes one\n" +
			"feedback record; a second one is rejected.",
		Example: "  aieval feedback --ease 4 --quality 3 --productivity 5 --satisfaction 4 --recommend",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := newPrinter(cmd)
			if err != nil {
				return err
			}
			fb.EaseOfUse = optInt(cmd, "ease")
			fb.CodeQuality = optInt(cmd, "quality")
			fb.Productivity = optInt(cmd, "productivity")
			fb.LearningCurve = optInt(cmd, "learning-curve")
			fb.OverallSatisfaction = optInt(cmd, "satisfaction")
			fb.WouldRecommend = optBool(cmd, "recommend")

			var saved protocol.Feedback
			if err := call(cmd, protocol.OpFeedback, fb, &saved); err != nil {
				return err
			}
			return p.emit(saved, func(w io.Writer) {
				fmt.Fprintf(w, "feedback recorded for session %s\n", saved.SessionID)
			})
		},
	}
	f := cmd.Flags()
	f.Int("ease", 0, "ease of use 1-5")
	f.Int("quality", 0, "code quality 1-5")
	f.Int("productivity", 0, "productivity 1-5")
	f.Int("learning-curve", 0, "learning curve 1-5")
	f.Int("satisfaction", 0, "overall satisfaction 1-5")
	f.Bool("recommend", false, "would recommend the tool (--recommend=false for no)")
	f.StringVar(&fb.Likes, "likes", "", "what worked well")
	f.StringVar(&fb.Dislikes, "dislikes", "", "what did not")
	f.StringVar(&fb.Suggestions, "suggestions", "", "suggested improvements")
	f.StringVar(&fb.Comments, "comments", "", "other comments")
	return cmd
}
