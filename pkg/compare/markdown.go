package compare

import (
	"fmt"
	"strings"
)

const na = "n/a"

// Markdown renders r as a markdown document.
func Markdown(r *Report) string {
	var b strings.Builder
	scope := "all test case types"
	if r.TestCaseType != "" {
		scope = string(r.TestCaseType)
	}
	fmt.Fprintf(&b, "# %s vs %s\n\n", r.ToolA, r.ToolB)
	fmt.Fprintf(&b, "Scope: %s. Sessions: %s = %d, %s = %d.\n\n", scope, r.ToolA, r.SamplesA, r.ToolB, r.SamplesB)

	fmt.Fprintf(&b, "| Metric | %s | %s | Difference | %% change | Better |\n", r.ToolA, r.ToolB)
	b.WriteString("|---|---:|---:|---:|---:|---|\n")
	for _, m := range r.Metrics {
		fmt.Fprintf(&b, "| %s | %s | %s | %s | %s | %s |\n",
			m.Metric, meanCell(m.A), meanCell(m.B), num(m.Difference), pct(m.PercentDiff), better(r, m.Better))
	}

	b.WriteString("\n## Developer preference\n\n")
	switch {
	case r.SatisfactionDifference == nil:
		b.WriteString("Satisfaction was not rated for both tools.\n")
	case r.PreferenceWinner == WinnerTie:
		fmt.Fprintf(&b, "Tie (satisfaction difference %.2f).\n", *r.SatisfactionDifference)
	default:
		fmt.Fprintf(&b, "%s preferred (satisfaction difference %.2f).\n", r.PreferenceWinner, *r.SatisfactionDifference)
	}

	if r.DurationWelch != nil {
		fmt.Fprintf(&b, "\nDuration Welch t = %.3f (df %.1f). Descriptive only.\n", r.DurationWelch.T, r.DurationWelch.DF)
	} else {
		b.WriteString("\nDuration spread needs at least two sessions per tool.\n")
	}
	return b.String()
}

// SummaryMarkdown renders group summaries as a markdown table.
func SummaryMarkdown(groups []GroupSummary) string {
	var b strings.Builder
	b.WriteString("# Session summary\n\n")
	if len(groups) == 0 {
		b.WriteString("No completed sessions.\n")
		return b.String()
	}
	b.WriteString("| Tool | Test case | Sessions | Duration mean | Median | Min | Max | Std dev | Productivity | Quality | Satisfaction | Cost |\n")
	b.WriteString("|---|---|---:|---:|---:|---:|---:|---:|---:|---:|---:|---:|\n")
	for _, g := range groups {
		d := g.Stat("duration_minutes")
		row := []string{g.Tool, string(g.TestCaseType), fmt.Sprint(g.Sessions)}
		if d != nil {
			row = append(row, num(&d.Mean), num(&d.Median), num(&d.Min), num(&d.Max), num(d.StdDev))
		} else {
			row = append(row, na, na, na, na, na)
		}
		row = append(row,
			meanCell(g.Stat("productivity")),
			meanCell(g.Stat("code_quality_score")),
			meanCell(g.Stat("satisfaction")),
			meanCell(g.Stat("cost")),
		)
		b.WriteString("| " + strings.Join(row, " | ") + " |\n")
	}
	return b.String()
}

func meanCell(s *Stats) string {
	if s == nil {
		return na
	}
	return num(&s.Mean)
}

func num(v *float64) string {
	if v == nil {
		return na
	}
	return fmt.Sprintf("%.2f", *v)
}

func pct(v *float64) string {
	if v == nil {
		return na
	}
	return fmt.Sprintf("%+.1f%%", *v)
}

func better(r *Report, w string) string {
	switch w {
	case WinnerA:
		return r.ToolA
	case WinnerB:
		return r.ToolB
	case WinnerTie:
		return "tie"
	}
	return na
}
