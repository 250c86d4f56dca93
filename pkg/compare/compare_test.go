package compare_test

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aieval/pkg/compare"
	"aieval/pkg/metrics"
	"aieval/pkg/protocol"
	"aieval/pkg/store"
)

var t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func ptr[T any](v T) *T { return &v }

func session(tool string, typ protocol.TestCaseType, duration float64) metrics.SessionMetrics {
	return metrics.SessionMetrics{
		SessionID:       tool + "-" + string(typ),
		Tool:            tool,
		TestCaseType:    typ,
		Status:          protocol.StatusCompleted,
		DurationMinutes: duration,
	}
}

func TestDescribe(t *testing.T) {
	assert.Nil(t, compare.Describe(nil))

	one := compare.Describe([]float64{12.5})
	require.NotNil(t, one)
	assert.Equal(t, 1, one.N)
	assert.InDelta(t, 12.5, one.Mean, 1e-9)
	assert.InDelta(t, 12.5, one.Median, 1e-9)
	assert.Nil(t, one.StdDev, "variance is undefined for one sample")

	s := compare.Describe([]float64{4, 1, 3, 2})
	assert.InDelta(t, 2.5, s.Mean, 1e-9)
	assert.InDelta(t, 2.5, s.Median, 1e-9)
	assert.InDelta(t, 1.0, s.Min, 1e-9)
	assert.InDelta(t, 4.0, s.Max, 1e-9)
	require.NotNil(t, s.StdDev)
	assert.InDelta(t, math.Sqrt(5.0/3.0), *s.StdDev, 1e-9)
}

func TestWelch(t *testing.T) {
	assert.Nil(t, compare.Welch([]float64{1}, []float64{1, 2}))
	assert.Nil(t, compare.Welch([]float64{2, 2}, []float64{2, 2}), "zero variance on both sides")

	w := compare.Welch([]float64{10, 12, 14}, []float64{20, 22, 24})
	require.NotNil(t, w)
	// Equal variances 4 and n=3: se = sqrt(4/3 + 4/3), df = 4.
	assert.InDelta(t, -10/math.Sqrt(8.0/3.0), w.T, 1e-9)
	assert.InDelta(t, 4.0, w.DF, 1e-9)
}

func TestSummarize_GroupsAndSingleSession(t *testing.T) {
	cursorBug := session("cursor", protocol.TestCaseBugFix, 20)
	cursorBug.Productivity = ptr(3.0)
	cursorBug.Satisfaction = ptr(4.0)
	cursorBug.Interactions.Cost = 0.5

	groups := compare.Summarize([]metrics.SessionMetrics{
		session("windsurf", protocol.TestCaseBugFix, 30),
		cursorBug,
		session("cursor", protocol.TestCaseNewFeature, 40),
		session("cursor", protocol.TestCaseNewFeature, 50),
	})

	require.Len(t, groups, 3)
	assert.Equal(t, "cursor", groups[0].Tool)
	assert.Equal(t, protocol.TestCaseBugFix, groups[0].TestCaseType)
	assert.Equal(t, "cursor", groups[1].Tool)
	assert.Equal(t, protocol.TestCaseNewFeature, groups[1].TestCaseType)
	assert.Equal(t, "windsurf", groups[2].Tool)

	single := groups[0]
	assert.Equal(t, 1, single.Sessions)
	d := single.Stat("duration_minutes")
	require.NotNil(t, d)
	assert.InDelta(t, 20.0, d.Mean, 1e-9)
	assert.InDelta(t, 20.0, d.Median, 1e-9)
	assert.Nil(t, d.StdDev)
	assert.Contains(t, single.Unavailable, "duration_minutes.std_dev")
	assert.InDelta(t, 3.0, single.Stat("productivity").Mean, 1e-9)
	assert.InDelta(t, 4.0, single.Stat("satisfaction").Mean, 1e-9)
	assert.InDelta(t, 0.5, single.Stat("cost").Mean, 1e-9)

	pair := groups[1]
	assert.Nil(t, pair.Stat("satisfaction"))
	assert.Contains(t, pair.Unavailable, "satisfaction")
	require.NotNil(t, pair.Stat("duration_minutes").StdDev)
	assert.NotContains(t, pair.Unavailable, "duration_minutes.std_dev")
}

func TestCompare_PercentDifference(t *testing.T) {
	a := session("cursor", protocol.TestCaseBugFix, 20)
	a.Productivity = ptr(2.0)
	a.Satisfaction = ptr(5.0)
	a.Interactions.Cost = 0
	b := session("windsurf", protocol.TestCaseBugFix, 30)
	b.Productivity = ptr(3.0)
	b.Satisfaction = ptr(3.0)
	b.Interactions.Cost = 0.4
	other := session("windsurf", protocol.TestCaseNewFeature, 90)

	r, err := compare.Compare([]metrics.SessionMetrics{a, b, other}, "Cursor", "windsurf", protocol.TestCaseBugFix)
	require.NoError(t, err)

	assert.Equal(t, "cursor", r.ToolA)
	assert.Equal(t, 1, r.SamplesA)
	assert.Equal(t, 1, r.SamplesB, "other test case types are excluded")

	dur := r.Metric("duration_minutes")
	require.NotNil(t, dur.PercentDiff)
	assert.InDelta(t, 50.0, *dur.PercentDiff, 1e-9)
	assert.Equal(t, compare.WinnerA, dur.Better, "shorter duration wins")

	prod := r.Metric("productivity")
	require.NotNil(t, prod.PercentDiff)
	assert.InDelta(t, 50.0, *prod.PercentDiff, 1e-9)
	assert.Equal(t, compare.WinnerB, prod.Better)

	cost := r.Metric("cost")
	assert.Nil(t, cost.PercentDiff, "A is zero")
	require.NotNil(t, cost.Difference)
	assert.InDelta(t, 0.4, *cost.Difference, 1e-9)
	assert.Contains(t, r.Unavailable, "cost.percent_diff")

	quality := r.Metric("code_quality_score")
	assert.Nil(t, quality.A)
	assert.Nil(t, quality.PercentDiff)

	require.NotNil(t, r.SatisfactionDifference)
	assert.InDelta(t, 2.0, *r.SatisfactionDifference, 1e-9)
	assert.Equal(t, "cursor", r.PreferenceWinner)
	assert.Nil(t, r.DurationWelch)
	assert.Contains(t, r.Unavailable, "duration_welch")
}

func TestCompare_PreferenceTieAndWelch(t *testing.T) {
	var sessions []metrics.SessionMetrics
	for i, d := range []float64{20, 24} {
		s := session("cursor", protocol.TestCaseRefactoring, d)
		s.SessionID += string(rune('0' + i))
		s.Satisfaction = ptr(4.0)
		sessions = append(sessions, s)
	}
	for i, d := range []float64{30, 36} {
		s := session("copilot", protocol.TestCaseRefactoring, d)
		s.SessionID += string(rune('0' + i))
		s.Satisfaction = ptr(3.6)
		sessions = append(sessions, s)
	}

	r, err := compare.Compare(sessions, "cursor", "copilot", "")
	require.NoError(t, err)

	assert.Equal(t, compare.WinnerTie, r.PreferenceWinner)
	require.NotNil(t, r.DurationWelch)
	assert.Less(t, r.DurationWelch.T, 0.0)
}

func TestCompare_Errors(t *testing.T) {
	sessions := []metrics.SessionMetrics{session("cursor", protocol.TestCaseBugFix, 10)}

	_, err := compare.Compare(sessions, "cursor", "cursor", "")
	assert.ErrorIs(t, err, protocol.ErrValidation)

	_, err = compare.Compare(sessions, "cursor", "", "")
	assert.ErrorIs(t, err, protocol.ErrValidation)

	_, err = compare.Compare(sessions, "cursor", "copilot", "bogus")
	assert.ErrorIs(t, err, protocol.ErrValidation)

	_, err = compare.Compare(sessions, "cursor", "copilot", "")
	var nf *protocol.NotFoundError
	require.True(t, errors.As(err, &nf), "got %v", err)
}

func TestMarkdown(t *testing.T) {
	a := session("cursor", protocol.TestCaseBugFix, 20)
	b := session("windsurf", protocol.TestCaseBugFix, 25)
	r, err := compare.Compare([]metrics.SessionMetrics{a, b}, "cursor", "windsurf", protocol.TestCaseBugFix)
	require.NoError(t, err)

	md := compare.Markdown(r)
	assert.Contains(t, md, "# cursor vs windsurf")
	assert.Contains(t, md, "| duration_minutes | 20.00 | 25.00 | 5.00 | +25.0% | cursor |")
	assert.Contains(t, md, "Satisfaction was not rated")

	summary := compare.SummaryMarkdown(compare.Summarize([]metrics.SessionMetrics{a, b}))
	assert.Contains(t, summary, "| cursor | bug_fix | 1 | 20.00 | 20.00 | 20.00 | 20.00 | n/a |")
	assert.True(t, strings.HasPrefix(compare.SummaryMarkdown(nil), "# Session summary"))
}

func TestLoad_CompletedSessionsOnly(t *testing.T) {
	ctx := context.Background()
	st, err := store.Open(ctx, store.MemoryPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	create := func(id, tool string, status protocol.SessionStatus, minutes int) {
		require.NoError(t, st.CreateSession(ctx, protocol.Session{
			ID: id, Name: id, Tool: tool, TestCaseType: protocol.TestCaseBugFix,
			Status: protocol.StatusInProgress, StartedAt: t0,
		}))
		if status.Terminal() {
			require.NoError(t, st.FinishSession(ctx, id, status, t0.Add(time.Duration(minutes)*time.Minute), "", "reason"))
		}
	}
	create("c1", "cursor", protocol.StatusCompleted, 10)
	create("c2", "cursor", protocol.StatusFailed, 5)
	create("w1", "windsurf", protocol.StatusCompleted, 20)
	create("c3", "cursor", protocol.StatusInProgress, 0)

	all, err := compare.Load(ctx, st, compare.Filter{}, t0.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, all, 2)

	cursor, err := compare.Load(ctx, st, compare.Filter{Tool: "cursor"}, t0.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, cursor, 1)
	assert.Equal(t, "c1", cursor[0].SessionID)
	assert.InDelta(t, 10.0, cursor[0].DurationMinutes, 1e-9)

	r, err := compare.Compare(all, "cursor", "windsurf", protocol.TestCaseBugFix)
	require.NoError(t, err)
	assert.InDelta(t, 100.0, *r.Metric("duration_minutes").PercentDiff, 1e-9)
}
