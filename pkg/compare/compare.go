// Package compare turns many sessions' metrics into per-group summaries and
// pairwise tool comparisons.
//
// Groups are keyed by (tool, test case type). Every statistic tolerates
// small groups: a single session yields means equal to its own values and no
// spread, and a metric no session in the group measured is reported as
// unavailable instead of zero.
package compare

import (
	"cmp"
	"context"
	"fmt"
	"math"
	"slices"
	"time"

	"aieval/pkg/metrics"
	"aieval/pkg/protocol"
	"aieval/pkg/store"
)

// Metric extracts one comparable number from a session's metrics.
type Metric struct {
	Name string
	// LowerIsBetter marks metrics where a smaller value favors the tool,
	// such as duration and cost.
	LowerIsBetter bool
	Value         func(metrics.SessionMetrics) *float64
}

// Metrics is the fixed set of compared metrics, in report order.
func Metrics() []Metric {
	return []Metric{
		{Name: "duration_minutes", LowerIsBetter: true, Value: func(m metrics.SessionMetrics) *float64 {
			return &m.DurationMinutes
		}},
		{Name: "productivity", Value: func(m metrics.SessionMetrics) *float64 { return m.Productivity }},
		{Name: "code_quality_score", Value: func(m metrics.SessionMetrics) *float64 { return m.CodeQualityScore }},
		{Name: "test_coverage_delta", Value: func(m metrics.SessionMetrics) *float64 { return m.Quality.TestCoverage }},
		{Name: "build_success_rate", Value: func(m metrics.SessionMetrics) *float64 { return m.Builds.SuccessRate }},
		{Name: "satisfaction", Value: func(m metrics.SessionMetrics) *float64 { return m.Satisfaction }},
		{Name: "interactions", Value: func(m metrics.SessionMetrics) *float64 {
			return ptr(float64(m.Interactions.Total))
		}},
		{Name: "tokens", LowerIsBetter: true, Value: func(m metrics.SessionMetrics) *float64 {
			return ptr(float64(m.Interactions.Tokens))
		}},
		{Name: "cost", LowerIsBetter: true, Value: func(m metrics.SessionMetrics) *float64 {
			return &m.Interactions.Cost
		}},
		{Name: "ai_assistance_ratio", Value: func(m metrics.SessionMetrics) *float64 { return m.AIAssistanceRatio }},
	}
}

// values collects the defined values of metric over sessions.
func values(sessions []metrics.SessionMetrics, metric Metric) []float64 {
	var out []float64
	for _, s := range sessions {
		if v := metric.Value(s); v != nil {
			out = append(out, *v)
		}
	}
	return out
}

// GroupSummary describes the sessions of one (tool, test case type) group.
type GroupSummary struct {
	Tool         string                `json:"tool"`
	TestCaseType protocol.TestCaseType `json:"test_case_type"`
	Sessions     int                   `json:"sessions"`
	Stats        map[string]*Stats     `json:"stats"`
	// Unavailable names metrics no session measured, and "<metric>.std_dev"
	// for metrics with fewer than two samples.
	Unavailable []string `json:"unavailable,omitempty"`
}

// Stat returns the statistics of the named metric, or nil.
func (g GroupSummary) Stat(name string) *Stats { return g.Stats[name] }

// Summarize groups sessions by tool and test case type. Groups are sorted by
// tool, then type.
func Summarize(sessions []metrics.SessionMetrics) []GroupSummary {
	type key struct {
		tool string
		typ  protocol.TestCaseType
	}
	groups := make(map[key][]metrics.SessionMetrics)
	for _, s := range sessions {
		k := key{s.Tool, s.TestCaseType}
		groups[k] = append(groups[k], s)
	}

	out := make([]GroupSummary, 0, len(groups))
	for k, members := range groups {
		out = append(out, summarize(k.tool, k.typ, members))
	}
	slices.SortFunc(out, func(a, b GroupSummary) int {
		return cmp.Or(cmp.Compare(a.Tool, b.Tool), cmp.Compare(a.TestCaseType, b.TestCaseType))
	})
	return out
}

func summarize(tool string, typ protocol.TestCaseType, members []metrics.SessionMetrics) GroupSummary {
	g := GroupSummary{Tool: tool, TestCaseType: typ, Sessions: len(members), Stats: make(map[string]*Stats)}
	for _, metric := range Metrics() {
		s := Describe(values(members, metric))
		if s == nil {
			g.Unavailable = append(g.Unavailable, metric.Name)
			continue
		}
		g.Stats[metric.Name] = s
		if s.StdDev == nil {
			g.Unavailable = append(g.Unavailable, metric.Name+".std_dev")
		}
	}
	return g
}

// Winner values of MetricComparison.Better and Report.PreferenceWinner.
const (
	WinnerA   = "a"
	WinnerB   = "b"
	WinnerTie = "tie"
)

// preferenceMargin is the satisfaction gap below which neither tool is
// preferred.
const preferenceMargin = 0.5

// MetricComparison compares the group means of one metric.
type MetricComparison struct {
	Metric        string   `json:"metric"`
	LowerIsBetter bool     `json:"lower_is_better,omitempty"`
	A             *Stats   `json:"a,omitempty"`
	B             *Stats   `json:"b,omitempty"`
	Difference    *float64 `json:"difference,omitempty"`
	// PercentDiff is (B - A) / A * 100, nil when A is zero or unmeasured.
	PercentDiff *float64 `json:"percent_diff,omitempty"`
	Better      string   `json:"better,omitempty"`
}

// Report is a pairwise comparison of two tools.
type Report struct {
	ToolA        string                `json:"tool_a"`
	ToolB        string                `json:"tool_b"`
	TestCaseType protocol.TestCaseType `json:"test_case_type,omitempty"`
	SamplesA     int                   `json:"samples_a"`
	SamplesB     int                   `json:"samples_b"`
	Metrics      []MetricComparison    `json:"metrics"`

	// SatisfactionDifference is mean(A) - mean(B).
	SatisfactionDifference *float64 `json:"satisfaction_difference,omitempty"`
	PreferenceWinner       string   `json:"preference_winner,omitempty"`
	// DurationWelch is a descriptive t statistic on duration, present when
	// both tools have at least two sessions.
	DurationWelch *WelchT `json:"duration_welch,omitempty"`

	Unavailable []string `json:"unavailable,omitempty"`
}

// Metric returns the comparison of the named metric, or nil.
func (r *Report) Metric(name string) *MetricComparison {
	for i := range r.Metrics {
		if r.Metrics[i].Metric == name {
			return &r.Metrics[i]
		}
	}
	return nil
}

// Compare compares toolA against toolB over sessions, restricted to typ when
// it is not empty. Each tool needs at least one session.
func Compare(sessions []metrics.SessionMetrics, toolA, toolB string, typ protocol.TestCaseType) (*Report, error) {
	a, err := protocol.NormalizeTool(toolA)
	if err != nil {
		return nil, err
	}
	b, err := protocol.NormalizeTool(toolB)
	if err != nil {
		return nil, err
	}
	if a == b {
		return nil, protocol.NewValidation("tool b", toolB, "must differ from tool a")
	}
	if typ != "" && !typ.Valid() {
		return nil, protocol.NewValidation("test case type", string(typ), "unknown test case type")
	}

	var sa, sb []metrics.SessionMetrics
	for _, s := range sessions {
		if typ != "" && s.TestCaseType != typ {
			continue
		}
		switch s.Tool {
		case a:
			sa = append(sa, s)
		case b:
			sb = append(sb, s)
		}
	}
	if len(sa) == 0 {
		return nil, protocol.NewNotFound("sessions for tool", a)
	}
	if len(sb) == 0 {
		return nil, protocol.NewNotFound("sessions for tool", b)
	}

	r := &Report{ToolA: a, ToolB: b, TestCaseType: typ, SamplesA: len(sa), SamplesB: len(sb)}
	for _, metric := range Metrics() {
		mc := compareMetric(metric, Describe(values(sa, metric)), Describe(values(sb, metric)))
		if mc.PercentDiff == nil {
			r.Unavailable = append(r.Unavailable, metric.Name+".percent_diff")
		}
		r.Metrics = append(r.Metrics, mc)
	}

	if sat := r.Metric("satisfaction"); sat.A != nil && sat.B != nil {
		d := round2(sat.A.Mean - sat.B.Mean)
		r.SatisfactionDifference = &d
		switch {
		case d > preferenceMargin:
			r.PreferenceWinner = a
		case d < -preferenceMargin:
			r.PreferenceWinner = b
		default:
			r.PreferenceWinner = WinnerTie
		}
	} else {
		r.Unavailable = append(r.Unavailable, "preference_winner")
	}

	duration := Metrics()[0]
	if r.DurationWelch = Welch(values(sa, duration), values(sb, duration)); r.DurationWelch == nil {
		r.Unavailable = append(r.Unavailable, "duration_welch")
	}
	return r, nil
}

func compareMetric(metric Metric, a, b *Stats) MetricComparison {
	mc := MetricComparison{Metric: metric.Name, LowerIsBetter: metric.LowerIsBetter, A: a, B: b}
	if a == nil || b == nil {
		return mc
	}
	diff := b.Mean - a.Mean
	mc.Difference = ptr(round2(diff))
	if a.Mean != 0 {
		mc.PercentDiff = ptr(round1(diff / a.Mean * 100))
	}
	switch {
	case diff == 0:
		mc.Better = WinnerTie
	case (diff < 0) == metric.LowerIsBetter:
		mc.Better = WinnerB
	default:
		mc.Better = WinnerA
	}
	return mc
}

// Source lists sessions and reads their facts. *store.Store satisfies it.
type Source interface {
	metrics.FactSource
	ListSessions(ctx context.Context, f store.SessionFilter) ([]protocol.Session, error)
}

// Filter narrows the sessions Load aggregates.
type Filter struct {
	Tool         string
	TestCaseType protocol.TestCaseType
	Since        *time.Time
}

// Load aggregates every completed session matching f. Failed and in-progress
// sessions are not comparable and are skipped.
func Load(ctx context.Context, src Source, f Filter, now time.Time) ([]metrics.SessionMetrics, error) {
	sessions, err := src.ListSessions(ctx, store.SessionFilter{
		Tool:         f.Tool,
		TestCaseType: f.TestCaseType,
		Status:       protocol.StatusCompleted,
		Since:        f.Since,
	})
	if err != nil {
		return nil, fmt.Errorf("list completed sessions: %w", err)
	}
	out := make([]metrics.SessionMetrics, 0, len(sessions))
	for _, s := range sessions {
		m, err := metrics.ForSession(ctx, src, s.ID, now)
		if err != nil {
			return nil, fmt.Errorf("aggregate session %s: %w", s.ID, err)
		}
		out = append(out, *m)
	}
	return out, nil
}

func ptr[T any](v T) *T { return &v }

func round1(v float64) float64 { return math.Round(v*10) / 10 }

func round2(v float64) float64 { return math.Round(v*100) / 100 }
