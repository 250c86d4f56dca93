package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"aieval/pkg/compare"
	"aieval/pkg/metrics"
	"aieval/pkg/protocol"
	"aieval/pkg/store"
)

// sessionFilterFlags are shared by the commands that select sessions.
type sessionFilterFlags struct {
	tool  string
	typ   string
	since string
}

func (f *sessionFilterFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.tool, "tool", "", "only sessions of this tool")
	cmd.Flags().StringVar(&f.typ, "type", "", "only sessions of this test case type")
	cmd.Flags().StringVar(&f.since, "since", "", "only sessions started within this duration (e.g. 168h) or after this date (2006-01-02)")
}

func (f *sessionFilterFlags) filter(now time.Time) (compare.Filter, error) {
	var out compare.Filter
	if f.tool != "" {
		tool, err := protocol.NormalizeTool(f.tool)
		if err != nil {
			return out, err
		}
		out.Tool = tool
	}
	if f.typ != "" {
		t, err := protocol.ParseTestCaseType(f.typ)
		if err != nil {
			return out, err
		}
		out.TestCaseType = t
	}
	if f.since != "" {
		since, err := parseSince(f.since, now)
		if err != nil {
			return out, err
		}
		out.Since = &since
	}
	return out, nil
}

// parseSince accepts a duration back from now or a date.
func parseSince(s string, now time.Time) (time.Time, error) {
	if d, err := time.ParseDuration(s); err == nil {
		return now.Add(-d), nil
	}
	if t, err := time.ParseInLocation("2006-01-02", s, time.Local); err == nil {
		return t, nil
	}
	return time.Time{}, protocol.NewValidation("since", s, "must be a duration like 72h or a date like 2006-01-02")
}

// writeOrPrint writes md to path when set and prints it otherwise.
func writeOrPrint(p *printer, md, path string) error {
	if path == "" {
		p.markdown(md)
		return nil
	}
	if err := os.WriteFile(path, []byte(md), 0o600); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	fmt.Fprintf(p.w, "report written to %s\n", path)
	return nil
}

func newAggregateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "aggregate [session-id]",
		Short: "Compute the metrics of a session",
		Long: "Computes the derived metrics of a session (default: the active one). Values\n" +
			"that cannot be computed are reported as unavailable.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, argv []string) error {
			p, err := newPrinter(cmd)
			if err != nil {
				return err
			}
			var args protocol.AggregateArgs
			if len(argv) == 1 {
				args.SessionID = argv[0]
			}
			var m metrics.SessionMetrics
			err = viaDaemonOr(cmd, protocol.OpAggregate, args, &m, func(ctx context.Context, st *store.Store) error {
				got, err := aggregateLocal(ctx, st, args.SessionID)
				if err != nil {
					return err
				}
				m = *got
				return nil
			})
			if err != nil {
				return err
			}
			return p.emit(m, func(w io.Writer) { printMetrics(p, w, m) })
		},
	}
}

// aggregateLocal reads a session straight from the database. Without an id
// the in-progress session is used.
func aggregateLocal(ctx context.Context, st *store.Store, id string) (*metrics.SessionMetrics, error) {
	if id == "" {
		active, err := st.ActiveSession(ctx)
		if err != nil {
			return nil, err
		}
		if active == nil {
			return nil, protocol.NewValidation("session id", "", "required when no session is active")
		}
		id = active.ID
	}
	return metrics.ForSession(ctx, st, id, time.Now())
}

func printMetrics(p *printer, w io.Writer, m metrics.SessionMetrics) {
	cell := func(v *float64, format string) string {
		if v == nil {
			return p.muted("n/a")
		}
		return fmt.Sprintf(format, *v)
	}
	tw := newTabWriter(w)
	fmt.Fprintf(tw, "Session\t%s (%s)\n", p.bold(m.SessionID), m.Name)
	fmt.Fprintf(tw, "Tool\t%s / %s, %s\n", m.Tool, m.TestCaseType, statusColor(p, m.Status))
	fmt.Fprintf(tw, "Duration\t%.1f min\n", m.DurationMinutes)
	fmt.Fprintf(tw, "Changes\t%d (+%d -%d ~%d) in %d files\n",
		m.Changes.Total, m.Changes.LinesAdded, m.Changes.LinesDeleted, m.Changes.LinesModified, m.Changes.UniqueFiles)
	fmt.Fprintf(tw, "Productivity\t%s lines/min\n", cell(m.Productivity, "%.2f"))
	fmt.Fprintf(tw, "Interactions\t%d, avg rating %s, helpful %s\n",
		m.Interactions.Total, cell(m.Interactions.AverageRating, "%.2f"), cell(m.Interactions.HelpfulPercent, "%.1f%%"))
	fmt.Fprintf(tw, "Tokens\t%d, cost $%.4f\n", m.Interactions.Tokens, m.Interactions.Cost)
	fmt.Fprintf(tw, "AI ratio\t%s\n", cell(m.AIAssistanceRatio, "%.2f"))
	fmt.Fprintf(tw, "Coverage delta\t%s\n", cell(m.Quality.TestCoverage, "%+.2f"))
	fmt.Fprintf(tw, "Build success\t%s\n", cell(m.Builds.SuccessRate, "%.1f%%"))
	fmt.Fprintf(tw, "Satisfaction\t%s\n", cell(m.Satisfaction, "%.1f"))
	_ = tw.Flush()
	if len(m.Unavailable) > 0 {
		fmt.Fprintf(w, "%s %s\n", p.muted("unavailable:"), p.muted(strings.Join(m.Unavailable, ", ")))
	}
}

func newReportCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "report <session-id>",
		Short: "Write a markdown report for one session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, argv []string) error {
			p, err := newPrinter(cmd)
			if err != nil {
				return err
			}
			var m metrics.SessionMetrics
			err = viaDaemonOr(cmd, protocol.OpAggregate, protocol.AggregateArgs{SessionID: argv[0]}, &m, func(ctx context.Context, st *store.Store) error {
				got, err := aggregateLocal(ctx, st, argv[0])
				if err != nil {
					return err
				}
				m = *got
				return nil
			})
			if err != nil {
				return err
			}
			if p.json && out == "" {
				return p.emit(m, nil)
			}
			return writeOrPrint(p, metrics.Markdown(m), out)
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "write the markdown to this file")
	return cmd
}

func newCompareCmd() *cobra.Command {
	var (
		typ string
		out string
	)
	cmd := &cobra.Command{
		Use:   "compare <tool-a> <tool-b>",
		Short: "Compare two tools over their completed sessions",
		Long: "Compares the mean of every metric between two tools. The percent difference\n" +
			"is (B - A) / A x 100 and is unavailable when A is 0. Restrict the comparison to\n" +
			"one task kind with --type.",
		Example: "  aieval compare cursor github_copilot --type bug_fix",
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, argv []string) error {
			p, err := newPrinter(cmd)
			if err != nil {
				return err
			}
			args := protocol.CompareArgs{ToolA: argv[0], ToolB: argv[1], TestCaseType: typ}
			var rep compare.Report
			err = viaDaemonOr(cmd, protocol.OpCompare, args, &rep, func(ctx context.Context, st *store.Store) error {
				got, err := compareLocal(ctx, st, args)
				if err != nil {
					return err
				}
				rep = *got
				return nil
			})
			if err != nil {
				return err
			}
			if p.json && out == "" {
				return p.emit(rep, nil)
			}
			return writeOrPrint(p, compare.Markdown(&rep), out)
		},
	}
	cmd.Flags().StringVar(&typ, "type", "", "test case type to compare on")
	cmd.Flags().StringVar(&out, "out", "", "write the markdown to this file")
	return cmd
}

func compareLocal(ctx context.Context, st *store.Store, a protocol.CompareArgs) (*compare.Report, error) {
	var typ protocol.TestCaseType
	if a.TestCaseType != "" {
		t, err := protocol.ParseTestCaseType(a.TestCaseType)
		if err != nil {
			return nil, err
		}
		typ = t
	}
	sessions, err := compare.Load(ctx, st, compare.Filter{TestCaseType: typ}, time.Now())
	if err != nil {
		return nil, err
	}
	return compare.Compare(sessions, a.ToolA, a.ToolB, typ)
}

func newSummaryCmd() *cobra.Command {
	var (
		flags sessionFilterFlags
		out   string
	)
	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Summarize completed sessions per tool and test case type",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := newPrinter(cmd)
			if err != nil {
				return err
			}
			now := time.Now()
			f, err := flags.filter(now)
			if err != nil {
				return err
			}
			groups, err := withReader(cmd, func(ctx context.Context, st *store.Store) ([]compare.GroupSummary, error) {
				sessions, err := compare.Load(ctx, st, f, now)
				if err != nil {
					return nil, err
				}
				return compare.Summarize(sessions), nil
			})
			if err != nil {
				return err
			}
			if p.json && out == "" {
				return p.emit(groups, nil)
			}
			return writeOrPrint(p, compare.SummaryMarkdown(groups), out)
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&out, "out", "", "write the markdown to this file")
	return cmd
}

// withReader runs fn against a read-only store.
func withReader[T any](cmd *cobra.Command, fn func(ctx context.Context, st *store.Store) (T, error)) (T, error) {
	var zero T
	cfg, err := loadConfig()
	if err != nil {
		return zero, err
	}
	st, err := openReader(cmd.Context(), cfg)
	if err != nil {
		return zero, err
	}
	defer func() { _ = st.Close() }()
	return fn(cmd.Context(), st)
}

func newSessionsCmd() *cobra.Command {
	var (
		flags  sessionFilterFlags
		status string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List sessions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := newPrinter(cmd)
			if err != nil {
				return err
			}
			f, err := flags.filter(time.Now())
			if err != nil {
				return err
			}
			sf := store.SessionFilter{Tool: f.Tool, TestCaseType: f.TestCaseType, Since: f.Since, Limit: limit}
			if status != "" {
				sf.Status = protocol.SessionStatus(status)
				if !sf.Status.Valid() {
					return protocol.NewValidation("status", status, "must be in_progress, completed or failed")
				}
			}
			sessions, err := withReader(cmd, func(ctx context.Context, st *store.Store) ([]protocol.Session, error) {
				return st.ListSessions(ctx, sf)
			})
			if err != nil {
				return err
			}
			return p.emit(sessions, func(w io.Writer) {
				if len(sessions) == 0 {
					fmt.Fprintln(w, p.muted("no sessions"))
					return
				}
				tw := newTabWriter(w)
				fmt.Fprintln(tw, "ID\tNAME\tTOOL\tTYPE\tSTATUS\tSTARTED\tMINUTES")
				for _, s := range sessions {
					minutes := "-"
					if s.EndedAt != nil {
						minutes = fmt.Sprintf("%.1f", protocol.Minutes(s.StartedAt, *s.EndedAt))
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n", s.ID, s.Name, s.Tool, s.TestCaseType,
						statusColor(p, s.Status), s.StartedAt.Local().Format("2006-01-02 15:04"), minutes)
				}
				_ = tw.Flush()
			})
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&status, "status", "", "only sessions in this status")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum sessions to list (0 for all)")
	return cmd
}

func newSearchCmd() *cobra.Command {
	var opts store.SearchOpts
	cmd := &cobra.Command{
		Use:     "search <query>",
		Short:   "Full-text search over logged prompts and responses",
		Example: "  aieval search 'race condition' --tool cursor",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, argv []string) error {
			p, err := newPrinter(cmd)
			if err != nil {
				return err
			}
			if opts.Tool != "" {
				if opts.Tool, err = protocol.NormalizeTool(opts.Tool); err != nil {
					return err
				}
			}
			query := strings.Join(argv, " ")
			hits, err := withReader(cmd, func(ctx context.Context, st *store.Store) ([]store.SearchHit, error) {
				return st.SearchInteractions(ctx, query, opts)
			})
			if err != nil {
				return err
			}
			return p.emit(hits, func(w io.Writer) {
				if len(hits) == 0 {
					fmt.Fprintln(w, p.muted("no matches"))
					return
				}
				for _, h := range hits {
					fmt.Fprintf(w, "%s %s #%d %s\n", p.bold(h.SessionID), h.Tool, h.Sequence, p.muted(string(h.Type)))
					fmt.Fprintf(w, "  %s\n", h.Snippet)
				}
			})
		},
	}
	cmd.Flags().StringVar(&opts.Tool, "tool", "", "only interactions of this tool")
	cmd.Flags().IntVar(&opts.Limit, "limit", 20, "maximum matches")
	cmd.Flags().BoolVar(&opts.MatchAny, "any", false, "match any term instead of all")
	return cmd
}

func newEventsCmd() *cobra.Command {
	var (
		q     store.EventQuery
		since string
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show the system event log, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := newPrinter(cmd)
			if err != nil {
				return err
			}
			if since != "" {
				t, err := parseSince(since, time.Now())
				if err != nil {
					return err
				}
				q.After = &t
			}
			events, err := withReader(cmd, func(ctx context.Context, st *store.Store) ([]protocol.Event, error) {
				return st.QueryEvents(ctx, q)
			})
			if err != nil {
				return err
			}
			return p.emit(events, func(w io.Writer) {
				for _, e := range events {
					fmt.Fprintf(w, "%s %-8s %-20s %s %s\n", p.muted(e.CreatedAt), e.Source, e.Type, e.SessionID, e.Payload)
				}
			})
		},
	}
	cmd.Flags().StringVar(&q.SessionID, "session", "", "only events of this session")
	cmd.Flags().StringVar(&q.Type, "type", "", "only events of this type")
	cmd.Flags().StringVar(&since, "since", "", "only events after this duration ago or date")
	cmd.Flags().IntVar(&q.Limit, "limit", 50, "maximum events")
	return cmd
}

func newDeleteSessionCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "delete-session <session-id>",
		Short: "Delete a finished session and everything it recorded",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, argv []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st, err := store.Open(cmd.Context(), cfg.DBPath)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			sess, err := st.GetSession(cmd.Context(), argv[0])
			if err != nil {
				return err
			}
			if !yes {
				in := newLineInput(cmd.InOrStdin(), cmd.OutOrStdout(), "")
				answer, err := in.ReadLine(fmt.Sprintf("delete session %s (%s, %s)? [y/N] ", sess.ID, sess.Name, sess.Tool))
				_ = in.Close()
				if err != nil || !strings.EqualFold(strings.TrimSpace(answer), "y") {
					fmt.Fprintln(cmd.OutOrStdout(), "aborted")
					return nil
				}
			}
			if err := st.DeleteSession(cmd.Context(), sess.ID); err != nil {
				return err
			}
			if err := st.LogEvent(cmd.Context(), protocol.EventSessionDeleted, protocol.SourceOperator, sess.ID, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted session %s\n", sess.ID)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "do not ask for confirmation")
	return cmd
}
