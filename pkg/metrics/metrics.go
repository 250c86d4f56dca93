// Package metrics derives per-session statistics from stored facts.
//
// Aggregate is a pure function: it reads a Facts value and never touches the
// store. Values that cannot be computed from the facts at hand are nil and
// their names are listed in SessionMetrics.Unavailable, so a missing value is
// never confused with a zero.
package metrics

import (
	"context"
	"fmt"
	"math"
	"time"

	"aieval/pkg/protocol"
)

// Facts is everything stored for one session.
type Facts struct {
	Session      protocol.Session
	Phases       []protocol.Phase
	Interactions []protocol.Interaction
	Changes      []protocol.CodeChange
	Quality      []protocol.QualityMetric
	Builds       []protocol.BuildResult
	Milestones   []protocol.Milestone
	Feedback     *protocol.Feedback
}

// FactSource reads session facts. *store.Store satisfies it.
type FactSource interface {
	GetSession(ctx context.Context, id string) (*protocol.Session, error)
	ListPhases(ctx context.Context, sessionID string) ([]protocol.Phase, error)
	ListInteractions(ctx context.Context, sessionID string) ([]protocol.Interaction, error)
	ListChanges(ctx context.Context, sessionID string) ([]protocol.CodeChange, error)
	ListQuality(ctx context.Context, sessionID string) ([]protocol.QualityMetric, error)
	ListBuilds(ctx context.Context, sessionID string) ([]protocol.BuildResult, error)
	ListMilestones(ctx context.Context, sessionID string) ([]protocol.Milestone, error)
	GetFeedback(ctx context.Context, sessionID string) (*protocol.Feedback, error)
}

// LoadFacts reads every fact of session id. An unknown id yields the
// source's *protocol.NotFoundError.
func LoadFacts(ctx context.Context, src FactSource, id string) (*Facts, error) {
	sess, err := src.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	f := &Facts{Session: *sess}
	if f.Phases, err = src.ListPhases(ctx, id); err != nil {
		return nil, fmt.Errorf("load phases: %w", err)
	}
	if f.Interactions, err = src.ListInteractions(ctx, id); err != nil {
		return nil, fmt.Errorf("load interactions: %w", err)
	}
	if f.Changes, err = src.ListChanges(ctx, id); err != nil {
		return nil, fmt.Errorf("load changes: %w", err)
	}
	if f.Quality, err = src.ListQuality(ctx, id); err != nil {
		return nil, fmt.Errorf("load quality: %w", err)
	}
	if f.Builds, err = src.ListBuilds(ctx, id); err != nil {
		return nil, fmt.Errorf("load builds: %w", err)
	}
	if f.Milestones, err = src.ListMilestones(ctx, id); err != nil {
		return nil, fmt.Errorf("load milestones: %w", err)
	}
	if f.Feedback, err = src.GetFeedback(ctx, id); err != nil {
		return nil, fmt.Errorf("load feedback: %w", err)
	}
	return f, nil
}

// ForSession loads and aggregates session id. now bounds sessions and phases
// that are still open.
func ForSession(ctx context.Context, src FactSource, id string, now time.Time) (*SessionMetrics, error) {
	f, err := LoadFacts(ctx, src, id)
	if err != nil {
		return nil, err
	}
	m := Aggregate(f, now)
	return &m, nil
}

// SessionMetrics is the derived view of one session.
type SessionMetrics struct {
	SessionID    string                 `json:"session_id"`
	Name         string                 `json:"name"`
	Tool         string                 `json:"tool"`
	TestCaseType protocol.TestCaseType  `json:"test_case_type"`
	Developer    string                 `json:"developer,omitempty"`
	Status       protocol.SessionStatus `json:"status"`
	StartedAt    time.Time              `json:"started_at"`
	EndedAt      time.Time              `json:"ended_at"`
	InProgress   bool                   `json:"in_progress,omitempty"`

	DurationMinutes    float64        `json:"duration_minutes"`
	Phases             []PhaseMetrics `json:"phases,omitempty"`
	UnaccountedMinutes float64        `json:"unaccounted_minutes"`
	Milestones         int            `json:"milestones"`

	Changes ChangeMetrics `json:"changes"`
	// Productivity is (lines added + lines modified) per minute.
	Productivity *float64 `json:"productivity,omitempty"`
	FilesPerHour *float64 `json:"files_per_hour,omitempty"`

	Interactions      InteractionMetrics `json:"interactions"`
	AIAssistanceRatio *float64           `json:"ai_assistance_ratio,omitempty"`

	Quality          QualityDelta `json:"quality"`
	Builds           BuildMetrics `json:"builds"`
	TestPassRate     *float64     `json:"test_pass_rate,omitempty"`
	CodeQualityScore *float64     `json:"code_quality_score,omitempty"`

	Satisfaction   *float64 `json:"satisfaction,omitempty"`
	EaseOfUse      *float64 `json:"ease_of_use,omitempty"`
	LearningCurve  *float64 `json:"learning_curve,omitempty"`
	WouldRecommend *bool    `json:"would_recommend,omitempty"`

	Unavailable []string `json:"unavailable,omitempty"`
}

// PhaseMetrics totals every occurrence of one phase name.
type PhaseMetrics struct {
	Name            protocol.PhaseName `json:"name"`
	Occurrences     int                `json:"occurrences"`
	DurationMinutes float64            `json:"duration_minutes"`
	Open            bool               `json:"open,omitempty"`
	Interactions    int                `json:"interactions"`
	Changes         int                `json:"changes"`
	// SharePercent is the phase's share of the session duration.
	SharePercent *float64 `json:"share_percent,omitempty"`
}

// ChangeMetrics summarizes the change log.
type ChangeMetrics struct {
	Total         int `json:"total"`
	Created       int `json:"created"`
	Modified      int `json:"modified"`
	Deleted       int `json:"deleted"`
	Renamed       int `json:"renamed"`
	LinesAdded    int `json:"lines_added"`
	LinesDeleted  int `json:"lines_deleted"`
	LinesModified int `json:"lines_modified"`
	UniqueFiles   int `json:"unique_files"`
	AIGenerated   int `json:"ai_generated"`
	Commits       int `json:"commits"`
	Uncommitted   int `json:"uncommitted"`
}

// InteractionMetrics summarizes the assistant interactions.
type InteractionMetrics struct {
	Total           int      `json:"total"`
	PerHour         *float64 `json:"per_hour,omitempty"`
	AverageRating   *float64 `json:"average_rating,omitempty"`
	Rated           int      `json:"rated"`
	HelpfulPercent  *float64 `json:"helpful_percent,omitempty"`
	Tokens          int      `json:"tokens"`
	EstimatedTokens int      `json:"estimated_tokens,omitempty"`
	Cost            float64  `json:"cost"`
	AIGenerated     int      `json:"ai_generated"`
}

// QualityDelta is completion minus baseline for every field measured at both
// points.
type QualityDelta struct {
	Baseline             bool     `json:"baseline"`
	Completion           bool     `json:"completion"`
	CyclomaticComplexity *float64 `json:"cyclomatic_complexity,omitempty"`
	LinesOfCode          *float64 `json:"lines_of_code,omitempty"`
	TestCoverage         *float64 `json:"test_coverage,omitempty"`
	TechnicalDebtMinutes *float64 `json:"technical_debt_minutes,omitempty"`
	CodeSmells           *float64 `json:"code_smells,omitempty"`
	Bugs                 *float64 `json:"bugs,omitempty"`
	Vulnerabilities      *float64 `json:"vulnerabilities,omitempty"`
	TestsPassed          *float64 `json:"tests_passed,omitempty"`
	TestsFailed          *float64 `json:"tests_failed,omitempty"`
	BuildTimeSeconds     *float64 `json:"build_time_seconds,omitempty"`
}

// BuildMetrics summarizes recorded builds.
type BuildMetrics struct {
	Total       int      `json:"total"`
	Succeeded   int      `json:"succeeded"`
	SuccessRate *float64 `json:"success_rate,omitempty"`
}

type qualityField struct {
	name  string
	get   func(protocol.QualityMetric) *float64
	delta func(*QualityDelta) **float64
}

func intField(get func(protocol.QualityMetric) *int) func(protocol.QualityMetric) *float64 {
	return func(q protocol.QualityMetric) *float64 {
		if v := get(q); v != nil {
			return ptr(float64(*v))
		}
		return nil
	}
}

//nolint:gochecknoglobals // read-only field table
var qualityFields = []qualityField{
	{"cyclomatic_complexity", func(q protocol.QualityMetric) *float64 { return q.CyclomaticComplexity },
		func(d *QualityDelta) **float64 { return &d.CyclomaticComplexity }},
	{"lines_of_code", intField(func(q protocol.QualityMetric) *int { return q.LinesOfCode }),
		func(d *QualityDelta) **float64 { return &d.LinesOfCode }},
	{"test_coverage", func(q protocol.QualityMetric) *float64 { return q.TestCoverage },
		func(d *QualityDelta) **float64 { return &d.TestCoverage }},
	{"technical_debt_minutes", intField(func(q protocol.QualityMetric) *int { return q.TechnicalDebtMinutes }),
		func(d *QualityDelta) **float64 { return &d.TechnicalDebtMinutes }},
	{"code_smells", intField(func(q protocol.QualityMetric) *int { return q.CodeSmells }),
		func(d *QualityDelta) **float64 { return &d.CodeSmells }},
	{"bugs", intField(func(q protocol.QualityMetric) *int { return q.Bugs }),
		func(d *QualityDelta) **float64 { return &d.Bugs }},
	{"vulnerabilities", intField(func(q protocol.QualityMetric) *int { return q.Vulnerabilities }),
		func(d *QualityDelta) **float64 { return &d.Vulnerabilities }},
	{"tests_passed", intField(func(q protocol.QualityMetric) *int { return q.TestsPassed }),
		func(d *QualityDelta) **float64 { return &d.TestsPassed }},
	{"tests_failed", intField(func(q protocol.QualityMetric) *int { return q.TestsFailed }),
		func(d *QualityDelta) **float64 { return &d.TestsFailed }},
	{"build_time_seconds", func(q protocol.QualityMetric) *float64 { return q.BuildTimeSeconds },
		func(d *QualityDelta) **float64 { return &d.BuildTimeSeconds }},
}

// Aggregate derives the metrics of f. Sessions and phases without an end
// time are measured up to now.
func Aggregate(f *Facts, now time.Time) SessionMetrics {
	s := f.Session
	end := now
	if s.EndedAt != nil {
		end = *s.EndedAt
	}
	m := SessionMetrics{
		SessionID:       s.ID,
		Name:            s.Name,
		Tool:            s.Tool,
		TestCaseType:    s.TestCaseType,
		Developer:       s.Developer,
		Status:          s.Status,
		StartedAt:       s.StartedAt,
		EndedAt:         end,
		InProgress:      s.Active(),
		DurationMinutes: protocol.Minutes(s.StartedAt, end),
		Milestones:      len(f.Milestones),
	}
	a := &aggregator{m: &m}

	a.phases(f, end)
	a.changes(f.Changes)
	a.interactions(f.Interactions)
	a.quality(f.Quality)
	a.builds(f.Builds)
	a.feedback(f.Feedback)
	return m
}

type aggregator struct {
	m          *SessionMetrics
	completion *protocol.QualityMetric
}

func (a *aggregator) missing(name string) {
	a.m.Unavailable = append(a.m.Unavailable, name)
}

// perMinute returns n per minute of session, or nil for a zero duration.
func (a *aggregator) perMinute(n float64) *float64 {
	if a.m.DurationMinutes <= 0 {
		return nil
	}
	return ptr(round2(n / a.m.DurationMinutes))
}

func (a *aggregator) perHour(n float64) *float64 {
	if a.m.DurationMinutes <= 0 {
		return nil
	}
	return ptr(round2(n / (a.m.DurationMinutes / 60)))
}

func (a *aggregator) phases(f *Facts, end time.Time) {
	byName := make(map[protocol.PhaseName]*PhaseMetrics)
	phaseName := make(map[int64]protocol.PhaseName, len(f.Phases))
	var order []protocol.PhaseName
	var total float64

	for _, p := range f.Phases {
		pm, ok := byName[p.Name]
		if !ok {
			pm = &PhaseMetrics{Name: p.Name}
			byName[p.Name] = pm
			order = append(order, p.Name)
		}
		phaseName[p.ID] = p.Name
		pm.Occurrences++

		var minutes float64
		switch {
		case p.DurationMinutes != nil:
			minutes = *p.DurationMinutes
		case p.EndedAt != nil:
			minutes = protocol.Minutes(p.StartedAt, *p.EndedAt)
		default:
			minutes = protocol.Minutes(p.StartedAt, end)
			pm.Open = true
		}
		pm.DurationMinutes = round1(pm.DurationMinutes + minutes)
		total += minutes
	}
	for _, in := range f.Interactions {
		if in.PhaseID != nil {
			if name, ok := phaseName[*in.PhaseID]; ok {
				byName[name].Interactions++
			}
		}
	}
	for _, c := range f.Changes {
		if c.PhaseID != nil {
			if name, ok := phaseName[*c.PhaseID]; ok {
				byName[name].Changes++
			}
		}
	}

	for _, name := range order {
		pm := byName[name]
		if a.m.DurationMinutes > 0 {
			pm.SharePercent = ptr(round1(pm.DurationMinutes / a.m.DurationMinutes * 100))
		}
		a.m.Phases = append(a.m.Phases, *pm)
	}
	a.m.UnaccountedMinutes = round1(math.Max(0, a.m.DurationMinutes-total))
}

func (a *aggregator) changes(changes []protocol.CodeChange) {
	c := &a.m.Changes
	files := make(map[string]struct{})
	commits := make(map[string]struct{})
	for _, ch := range changes {
		c.Total++
		switch ch.Kind {
		case protocol.ChangeCreate:
			c.Created++
		case protocol.ChangeModify:
			c.Modified++
		case protocol.ChangeDelete:
			c.Deleted++
		case protocol.ChangeRename:
			c.Renamed++
		}
		c.LinesAdded += ch.Delta.Added
		c.LinesDeleted += ch.Delta.Deleted
		c.LinesModified += ch.Delta.Modified
		files[ch.Path] = struct{}{}
		if ch.AIGenerated {
			c.AIGenerated++
		}
		if ch.CommitHash == "" {
			c.Uncommitted++
		} else {
			commits[ch.CommitHash] = struct{}{}
		}
	}
	c.UniqueFiles = len(files)
	c.Commits = len(commits)

	if a.m.Productivity = a.perMinute(float64(c.LinesAdded + c.LinesModified)); a.m.Productivity == nil {
		a.missing("productivity")
	}
	if a.m.FilesPerHour = a.perHour(float64(c.UniqueFiles)); a.m.FilesPerHour == nil {
		a.missing("files_per_hour")
	}
}

func (a *aggregator) interactions(interactions []protocol.Interaction) {
	im := &a.m.Interactions
	var ratingSum, helpful, judged int
	for _, in := range interactions {
		im.Total++
		if in.Rating != nil {
			ratingSum += *in.Rating
			im.Rated++
		}
		if in.Helpful != nil {
			judged++
			if *in.Helpful {
				helpful++
			}
		}
		if in.Tokens != nil {
			im.Tokens += *in.Tokens
			if in.TokensEstimated {
				im.EstimatedTokens += *in.Tokens
			}
		}
		if in.Cost != nil {
			im.Cost += *in.Cost
		}
		if in.AIGenerated {
			im.AIGenerated++
		}
	}
	im.Cost = math.Round(im.Cost*1e6) / 1e6

	if im.PerHour = a.perHour(float64(im.Total)); im.PerHour == nil {
		a.missing("interactions_per_hour")
	}
	if im.Rated > 0 {
		im.AverageRating = ptr(round2(float64(ratingSum) / float64(im.Rated)))
	} else {
		a.missing("average_rating")
	}
	if judged > 0 {
		im.HelpfulPercent = ptr(round1(float64(helpful) / float64(judged) * 100))
	} else {
		a.missing("helpful_percent")
	}

	if actions := im.Total + a.m.Changes.Total; actions > 0 {
		a.m.AIAssistanceRatio = ptr(round2(float64(im.Total) / float64(actions)))
	} else {
		a.missing("ai_assistance_ratio")
	}
}

func (a *aggregator) quality(snapshots []protocol.QualityMetric) {
	var baseline, completion *protocol.QualityMetric
	for i := range snapshots {
		q := &snapshots[i]
		switch q.Point {
		case protocol.MeasurementBaseline:
			if baseline == nil || q.Timestamp.After(baseline.Timestamp) {
				baseline = q
			}
		case protocol.MeasurementCompletion:
			if completion == nil || q.Timestamp.After(completion.Timestamp) {
				completion = q
			}
		}
	}

	a.completion = completion
	d := &a.m.Quality
	d.Baseline = baseline != nil
	d.Completion = completion != nil
	if baseline == nil {
		a.missing("quality.baseline")
	}
	if completion == nil {
		a.missing("quality.completion")
	}
	if baseline == nil || completion == nil {
		return
	}
	for _, f := range qualityFields {
		before, after := f.get(*baseline), f.get(*completion)
		if before == nil || after == nil {
			a.missing("quality." + f.name)
			continue
		}
		*f.delta(d) = ptr(round2(*after - *before))
	}
}

func (a *aggregator) builds(builds []protocol.BuildResult) {
	b := &a.m.Builds
	var testRuns, testPasses int
	for _, r := range builds {
		b.Total++
		if r.Success {
			b.Succeeded++
		}
		if r.BuildType == protocol.BuildTest {
			testRuns++
			if r.Success {
				testPasses++
			}
		}
	}
	if b.Total > 0 {
		b.SuccessRate = ptr(round1(float64(b.Succeeded) / float64(b.Total) * 100))
	} else {
		a.missing("build_success_rate")
	}

	// Test counts from the completion snapshot win over test-build outcomes.
	a.m.TestPassRate = a.completionPassRate()
	if a.m.TestPassRate == nil && testRuns > 0 {
		a.m.TestPassRate = ptr(round1(float64(testPasses) / float64(testRuns) * 100))
	}
	if a.m.TestPassRate == nil {
		a.missing("test_pass_rate")
	}

	var parts []float64
	if b.SuccessRate != nil {
		parts = append(parts, *b.SuccessRate)
	}
	if a.m.TestPassRate != nil {
		parts = append(parts, *a.m.TestPassRate)
	}
	if len(parts) == 0 {
		a.missing("code_quality_score")
		return
	}
	var sum float64
	for _, p := range parts {
		sum += p
	}
	a.m.CodeQualityScore = ptr(round1(sum / float64(len(parts))))
}

func (a *aggregator) completionPassRate() *float64 {
	if a.completion == nil || a.completion.TestsPassed == nil || a.completion.TestsFailed == nil {
		return nil
	}
	run := *a.completion.TestsPassed + *a.completion.TestsFailed
	if run == 0 {
		return nil
	}
	return ptr(round1(float64(*a.completion.TestsPassed) / float64(run) * 100))
}

func (a *aggregator) feedback(f *protocol.Feedback) {
	if f == nil {
		a.missing("satisfaction")
		return
	}
	a.m.Satisfaction = ratingPtr(f.OverallSatisfaction)
	a.m.EaseOfUse = ratingPtr(f.EaseOfUse)
	a.m.LearningCurve = ratingPtr(f.LearningCurve)
	a.m.WouldRecommend = f.WouldRecommend
	if a.m.Satisfaction == nil {
		a.missing("satisfaction")
	}
}

func ratingPtr(r *int) *float64 {
	if r == nil {
		return nil
	}
	return ptr(float64(*r))
}

func ptr[T any](v T) *T { return &v }

func round1(v float64) float64 { return math.Round(v*10) / 10 }

func round2(v float64) float64 { return math.Round(v*100) / 100 }
