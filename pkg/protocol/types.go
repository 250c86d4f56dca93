package protocol

import (
	"math"
	"time"
)

// Session is the aggregate root of one evaluation run.
type Session struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	Tool          string            `json:"tool"`
	TestCaseType  TestCaseType      `json:"test_case_type"`
	Developer     string            `json:"developer,omitempty"`
	Status        SessionStatus     `json:"status"`
	StartedAt     time.Time         `json:"started_at"`
	EndedAt       *time.Time        `json:"ended_at,omitempty"`
	Environment   map[string]string `json:"environment,omitempty"`
	WatchPath     string            `json:"watch_path,omitempty"`
	Notes         string            `json:"notes,omitempty"`
	FailureReason string            `json:"failure_reason,omitempty"`
}

// Active reports whether the session still accepts mutations.
func (s Session) Active() bool { return s.Status == StatusInProgress }

// Phase is a named sub-interval of a session.
type Phase struct {
	ID              int64      `json:"id"`
	SessionID       string     `json:"session_id"`
	Name            PhaseName  `json:"name"`
	StartedAt       time.Time  `json:"started_at"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	DurationMinutes *float64   `json:"duration_minutes,omitempty"`
	Notes           string     `json:"notes,omitempty"`
}

// Open reports whether the phase has not been completed yet.
func (p Phase) Open() bool { return p.EndedAt == nil }

// Contains reports whether t falls in [start, end). An open phase extends
// to infinity.
func (p Phase) Contains(t time.Time) bool {
	if t.Before(p.StartedAt) {
		return false
	}
	return p.EndedAt == nil || t.Before(*p.EndedAt)
}

// Interaction is one prompt/response cycle with the assistant.
type Interaction struct {
	ID              int64           `json:"id"`
	SessionID       string          `json:"session_id"`
	PhaseID         *int64          `json:"phase_id,omitempty"`
	Sequence        int             `json:"sequence"`
	Timestamp       time.Time       `json:"timestamp"`
	Prompt          string          `json:"prompt"`
	Response        string          `json:"response,omitempty"`
	Type            InteractionType `json:"type"`
	Rating          *int            `json:"rating,omitempty"`
	Helpful         *bool           `json:"helpful,omitempty"`
	Tokens          *int            `json:"tokens,omitempty"`
	TokensEstimated bool            `json:"tokens_estimated,omitempty"`
	Cost            *float64        `json:"cost,omitempty"`
	AIGenerated     bool            `json:"ai_generated"`
	Notes           string          `json:"notes,omitempty"`
}

// LineDelta is the line-level size of one change.
type LineDelta struct {
	Added    int `json:"added"`
	Deleted  int `json:"deleted"`
	Modified int `json:"modified"`
}

// Validate rejects negative counts.
func (d LineDelta) Validate() error {
	switch {
	case d.Added < 0:
		return NewValidation("lines added", "", "must be >= 0")
	case d.Deleted < 0:
		return NewValidation("lines deleted", "", "must be >= 0")
	case d.Modified < 0:
		return NewValidation("lines modified", "", "must be >= 0")
	}
	return nil
}

// Plus returns the field-wise sum of d and o.
func (d LineDelta) Plus(o LineDelta) LineDelta {
	return LineDelta{
		Added:    d.Added + o.Added,
		Deleted:  d.Deleted + o.Deleted,
		Modified: d.Modified + o.Modified,
	}
}

// Change sources.
const (
	ChangeSourceMonitor = "monitor"
	ChangeSourceManual  = "manual"
)

// CodeChange is one (possibly coalesced) file-system change in a session.
type CodeChange struct {
	ID          int64      `json:"id"`
	SessionID   string     `json:"session_id"`
	PhaseID     *int64     `json:"phase_id,omitempty"`
	Path        string     `json:"path"`
	OldPath     string     `json:"old_path,omitempty"`
	Kind        ChangeKind `json:"kind"`
	Timestamp   time.Time  `json:"timestamp"`
	Delta       LineDelta  `json:"delta"`
	CommitHash  string     `json:"commit_hash,omitempty"`
	AIGenerated bool       `json:"ai_generated"`
	Source      string     `json:"source"`
	Diff        string     `json:"diff,omitempty"`
}

// QualityMetric is a code-quality snapshot taken at a measurement point.
// Nil fields were not measured.
type QualityMetric struct {
	ID                    int64            `json:"id"`
	SessionID             string           `json:"session_id"`
	Point                 MeasurementPoint `json:"point"`
	Timestamp             time.Time        `json:"timestamp"`
	CyclomaticComplexity  *float64         `json:"cyclomatic_complexity,omitempty"`
	LinesOfCode           *int             `json:"lines_of_code,omitempty"`
	TestCoverage          *float64         `json:"test_coverage,omitempty"`
	MaintainabilityRating string           `json:"maintainability_rating,omitempty"`
	ReliabilityRating     string           `json:"reliability_rating,omitempty"`
	SecurityRating        string           `json:"security_rating,omitempty"`
	TechnicalDebtMinutes  *int             `json:"technical_debt_minutes,omitempty"`
	CodeSmells            *int             `json:"code_smells,omitempty"`
	Bugs                  *int             `json:"bugs,omitempty"`
	Vulnerabilities       *int             `json:"vulnerabilities,omitempty"`
	BuildSuccess          *bool            `json:"build_success,omitempty"`
	TestsPassed           *int             `json:"tests_passed,omitempty"`
	TestsFailed           *int             `json:"tests_failed,omitempty"`
	BuildTimeSeconds      *float64         `json:"build_time_seconds,omitempty"`
}

// Validate checks the ranges of the measured fields.
func (q QualityMetric) Validate() error {
	if !q.Point.Valid() {
		return NewValidation("measurement point", string(q.Point), "must be baseline or completion")
	}
	if q.TestCoverage != nil && (*q.TestCoverage < 0 || *q.TestCoverage > 100) {
		return NewValidation("test coverage", "", "must be between 0 and 100")
	}
	for _, r := range []struct {
		name  string
		value string
	}{
		{"maintainability rating", q.MaintainabilityRating},
		{"reliability rating", q.ReliabilityRating},
		{"security rating", q.SecurityRating},
	} {
		if r.value == "" {
			continue
		}
		if len(r.value) != 1 || r.value[0] < 'A' || r.value[0] > 'E' {
			return NewValidation(r.name, r.value, "must be one of A-E")
		}
	}
	for _, f := range []struct {
		name  string
		value *int
	}{
		{"lines of code", q.LinesOfCode},
		{"technical debt minutes", q.TechnicalDebtMinutes},
		{"code smells", q.CodeSmells},
		{"bugs", q.Bugs},
		{"vulnerabilities", q.Vulnerabilities},
		{"tests passed", q.TestsPassed},
		{"tests failed", q.TestsFailed},
	} {
		if f.value != nil && *f.value < 0 {
			return NewValidation(f.name, "", "must be >= 0")
		}
	}
	return nil
}

// Build types recorded by log-build.
const (
	BuildCompile = "compile"
	BuildTest    = "test"
	BuildPackage = "package"
)

// BuildResult is the outcome of one build or test run during a session.
type BuildResult struct {
	ID              int64     `json:"id"`
	SessionID       string    `json:"session_id"`
	PhaseID         *int64    `json:"phase_id,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
	BuildType       string    `json:"build_type"`
	Success         bool      `json:"success"`
	DurationSeconds *float64  `json:"duration_seconds,omitempty"`
	Warnings        int       `json:"warnings"`
	Errors          int       `json:"errors"`
}

// Validate checks the build type and counters.
func (b BuildResult) Validate() error {
	switch b.BuildType {
	case BuildCompile, BuildTest, BuildPackage:
	default:
		return NewValidation("build type", b.BuildType, "must be one of compile, test, package")
	}
	if b.Warnings < 0 || b.Errors < 0 {
		return NewValidation("build counters", "", "must be >= 0")
	}
	return nil
}

// Milestone marks a notable moment of a session.
type Milestone struct {
	ID             int64     `json:"id"`
	SessionID      string    `json:"session_id"`
	Name           string    `json:"name"`
	Description    string    `json:"description,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
	ElapsedMinutes float64   `json:"elapsed_minutes"`
	Notes          string    `json:"notes,omitempty"`
}

// Feedback is the developer's subjective assessment. At most one per session.
type Feedback struct {
	ID                  int64     `json:"id"`
	SessionID           string    `json:"session_id"`
	Timestamp           time.Time `json:"timestamp"`
	EaseOfUse           *int      `json:"ease_of_use,omitempty"`
	CodeQuality         *int      `json:"code_quality,omitempty"`
	Productivity        *int      `json:"productivity,omitempty"`
	LearningCurve       *int      `json:"learning_curve,omitempty"`
	OverallSatisfaction *int      `json:"overall_satisfaction,omitempty"`
	WouldRecommend      *bool     `json:"would_recommend,omitempty"`
	Likes               string    `json:"likes,omitempty"`
	Dislikes            string    `json:"dislikes,omitempty"`
	Suggestions         string    `json:"suggestions,omitempty"`
	Comments            string    `json:"comments,omitempty"`
}

// Validate checks every rating is unset or within 1-5.
func (f Feedback) Validate() error {
	for _, r := range []struct {
		name  string
		value *int
	}{
		{"ease of use rating", f.EaseOfUse},
		{"code quality rating", f.CodeQuality},
		{"productivity rating", f.Productivity},
		{"learning curve rating", f.LearningCurve},
		{"overall satisfaction", f.OverallSatisfaction},
	} {
		if err := ValidateRating(r.name, r.value); err != nil {
			return err
		}
	}
	return nil
}

// FileDelta is one change notification after diffing, as handed from the
// correlator to the engine.
type FileDelta struct {
	Path      string     `json:"path"`
	OldPath   string     `json:"old_path,omitempty"`
	Kind      ChangeKind `json:"kind"`
	Timestamp time.Time  `json:"timestamp"`
	Delta     LineDelta  `json:"delta"`
	Diff      string     `json:"diff,omitempty"`
}

// Commit is one version-control commit read from the log.
type Commit struct {
	Hash        string    `json:"hash"`
	Author      string    `json:"author"`
	AuthoredAt  time.Time `json:"authored_at"`
	CommittedAt time.Time `json:"committed_at"`
	Subject     string    `json:"subject"`
}

// SessionSummary is returned when a session reaches a terminal state.
type SessionSummary struct {
	SessionID       string        `json:"session_id"`
	Status          SessionStatus `json:"status"`
	DurationMinutes float64       `json:"duration_minutes"`
	Phases          int           `json:"phases"`
	Interactions    int           `json:"interactions"`
	Changes         int           `json:"changes"`
	Milestones      int           `json:"milestones"`
}

// StatusSnapshot is the read-only projection of the engine state. Session is
// nil when no session is active.
type StatusSnapshot struct {
	Session        *Session      `json:"session,omitempty"`
	OpenPhase      *Phase        `json:"open_phase,omitempty"`
	ElapsedMinutes float64       `json:"elapsed_minutes"`
	Interactions   int           `json:"interactions"`
	Changes        int           `json:"changes"`
	Milestones     int           `json:"milestones"`
	RecentChanges  []CodeChange  `json:"recent_changes,omitempty"`
	Monitor        MonitorStatus `json:"monitor"`
}

// MonitorStatus describes the correlator. SessionID is the session its
// snapshots are bound to.
type MonitorStatus struct {
	Running     bool       `json:"running"`
	RunID       string     `json:"run_id,omitempty"`
	SessionID   string     `json:"session_id,omitempty"`
	WatchPath   string     `json:"watch_path,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	Changes     int        `json:"changes"`
	Dropped     int64      `json:"dropped"`
	Commits     int        `json:"commits"`
	Warning     string     `json:"warning,omitempty"`
	GitDisabled bool       `json:"git_disabled,omitempty"`
}

// StopSummary is returned by monitor-stop.
type StopSummary struct {
	RunID   string `json:"run_id"`
	Changes int    `json:"changes"`
	Dropped int64  `json:"dropped"`
	Warning string `json:"warning,omitempty"`
}

// Minutes returns the minutes between from and to, rounded to one decimal.
// A negative span is clamped to zero.
func Minutes(from, to time.Time) float64 {
	d := to.Sub(from)
	if d < 0 {
		return 0
	}
	return math.Round(d.Minutes()*10) / 10
}
