package metrics

import (
	"fmt"
	"strings"
)

const na = "n/a"

// Markdown renders the metrics of one session as a markdown document.
func Markdown(m SessionMetrics) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", m.Name)
	fmt.Fprintf(&b, "Session `%s`: %s on %s, %s.", m.SessionID, m.Tool, m.TestCaseType, m.Status)
	if m.Developer != "" {
		fmt.Fprintf(&b, " Developer: %s.", m.Developer)
	}
	b.WriteString("\n\n")

	b.WriteString("## Time\n\n")
	fmt.Fprintf(&b, "- Started: %s\n", m.StartedAt.Local().Format("2006-01-02 15:04"))
	if m.InProgress {
		fmt.Fprintf(&b, "- Duration so far: %.1f min\n", m.DurationMinutes)
	} else {
		fmt.Fprintf(&b, "- Duration: %.1f min\n", m.DurationMinutes)
	}
	fmt.Fprintf(&b, "- Milestones: %d\n", m.Milestones)
	if len(m.Phases) > 0 {
		b.WriteString("\n| Phase | Runs | Minutes | Share | Interactions | Changes |\n")
		b.WriteString("|---|---:|---:|---:|---:|---:|\n")
		for _, p := range m.Phases {
			name := string(p.Name)
			if p.Open {
				name += " (open)"
			}
			fmt.Fprintf(&b, "| %s | %d | %.1f | %s | %d | %d |\n",
				name, p.Occurrences, p.DurationMinutes, percent(p.SharePercent), p.Interactions, p.Changes)
		}
		fmt.Fprintf(&b, "\nOutside any phase: %.1f min.\n", m.UnaccountedMinutes)
	}

	c := m.Changes
	b.WriteString("\n## Code changes\n\n")
	fmt.Fprintf(&b, "- Changes: %d (%d created, %d modified, %d deleted, %d renamed) over %d files\n",
		c.Total, c.Created, c.Modified, c.Deleted, c.Renamed, c.UniqueFiles)
	fmt.Fprintf(&b, "- Lines: +%d -%d ~%d\n", c.LinesAdded, c.LinesDeleted, c.LinesModified)
	fmt.Fprintf(&b, "- AI generated: %d, commits: %d, uncommitted: %d\n", c.AIGenerated, c.Commits, c.Uncommitted)
	fmt.Fprintf(&b, "- Productivity: %s lines/min, %s files/hour\n", number(m.Productivity), number(m.FilesPerHour))

	in := m.Interactions
	b.WriteString("\n## Assistant\n\n")
	fmt.Fprintf(&b, "- Interactions: %d (%s per hour)\n", in.Total, number(in.PerHour))
	fmt.Fprintf(&b, "- Average rating: %s over %d rated, helpful: %s\n", number(in.AverageRating), in.Rated, percent(in.HelpfulPercent))
	tokens := fmt.Sprintf("%d", in.Tokens)
	if in.EstimatedTokens > 0 {
		tokens += fmt.Sprintf(" (%d estimated)", in.EstimatedTokens)
	}
	fmt.Fprintf(&b, "- Tokens: %s, cost: $%.4f\n", tokens, in.Cost)
	fmt.Fprintf(&b, "- AI assistance ratio: %s\n", number(m.AIAssistanceRatio))

	q := m.Quality
	b.WriteString("\n## Quality\n\n")
	if !q.Baseline || !q.Completion {
		b.WriteString("Quality delta needs both a baseline and a completion snapshot.\n\n")
	}
	b.WriteString("| Measure | Change |\n|---|---:|\n")
	for _, row := range []struct {
		name string
		v    *float64
	}{
		{"cyclomatic complexity", q.CyclomaticComplexity},
		{"lines of code", q.LinesOfCode},
		{"test coverage", q.TestCoverage},
		{"technical debt minutes", q.TechnicalDebtMinutes},
		{"code smells", q.CodeSmells},
		{"bugs", q.Bugs},
		{"vulnerabilities", q.Vulnerabilities},
		{"tests passed", q.TestsPassed},
		{"tests failed", q.TestsFailed},
		{"build time seconds", q.BuildTimeSeconds},
	} {
		fmt.Fprintf(&b, "| %s | %s |\n", row.name, signed(row.v))
	}
	fmt.Fprintf(&b, "\n- Builds: %d, %d succeeded (%s)\n", m.Builds.Total, m.Builds.Succeeded, percent(m.Builds.SuccessRate))
	fmt.Fprintf(&b, "- Test pass rate: %s\n", percent(m.TestPassRate))
	fmt.Fprintf(&b, "- Code quality score: %s\n", number(m.CodeQualityScore))

	b.WriteString("\n## Feedback\n\n")
	if m.Satisfaction == nil && m.EaseOfUse == nil && m.LearningCurve == nil && m.WouldRecommend == nil {
		b.WriteString("No feedback recorded.\n")
	} else {
		fmt.Fprintf(&b, "- Satisfaction: %s, ease of use: %s, learning curve: %s\n",
			number(m.Satisfaction), number(m.EaseOfUse), number(m.LearningCurve))
		if m.WouldRecommend != nil {
			fmt.Fprintf(&b, "- Would recommend: %t\n", *m.WouldRecommend)
		}
	}

	if len(m.Unavailable) > 0 {
		fmt.Fprintf(&b, "\nUnavailable: %s.\n", strings.Join(m.Unavailable, ", "))
	}
	return b.String()
}

func number(v *float64) string {
	if v == nil {
		return na
	}
	return fmt.Sprintf("%.2f", *v)
}

func percent(v *float64) string {
	if v == nil {
		return na
	}
	return fmt.Sprintf("%.1f%%", *v)
}

func signed(v *float64) string {
	if v == nil {
		return na
	}
	return fmt.Sprintf("%+.2f", *v)
}
