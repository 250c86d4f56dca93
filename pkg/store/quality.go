package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"aieval/pkg/protocol"
)

// InsertQuality records a quality snapshot. A second snapshot for the same
// measurement point yields a *protocol.ConflictError.
func (s *Store) InsertQuality(ctx context.Context, q protocol.QualityMetric) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO quality_metrics (session_id, point, timestamp, cyclomatic_complexity, lines_of_code,
			test_coverage, maintainability_rating, reliability_rating, security_rating,
			technical_debt_minutes, code_smells, bugs, vulnerabilities, build_success,
			tests_passed, tests_failed, build_time_seconds)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		q.SessionID, string(q.Point), formatTime(q.Timestamp), nullFloat(q.CyclomaticComplexity),
		nullInt(q.LinesOfCode), nullFloat(q.TestCoverage), nullString(q.MaintainabilityRating),
		nullString(q.ReliabilityRating), nullString(q.SecurityRating), nullInt(q.TechnicalDebtMinutes),
		nullInt(q.CodeSmells), nullInt(q.Bugs), nullInt(q.Vulnerabilities), nullBool(q.BuildSuccess),
		nullInt(q.TestsPassed), nullInt(q.TestsFailed), nullFloat(q.BuildTimeSeconds),
	)
	if err != nil {
		return 0, classify("insert quality", err)
	}
	return res.LastInsertId()
}

// ListQuality returns a session's quality snapshots, baseline first.
func (s *Store) ListQuality(ctx context.Context, sessionID string) ([]protocol.QualityMetric, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, point, timestamp, cyclomatic_complexity, lines_of_code, test_coverage,
			maintainability_rating, reliability_rating, security_rating, technical_debt_minutes,
			code_smells, bugs, vulnerabilities, build_success, tests_passed, tests_failed, build_time_seconds
		 FROM quality_metrics WHERE session_id = ? ORDER BY timestamp, id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list quality: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []protocol.QualityMetric
	for rows.Next() {
		var q protocol.QualityMetric
		var point, ts string
		var complexity, coverage, buildTime sql.NullFloat64
		var loc, debt, smells, bugs, vulns, passed, failed sql.NullInt64
		var maint, rel, sec sql.NullString
		var buildOK sql.NullBool
		err := rows.Scan(&q.ID, &q.SessionID, &point, &ts, &complexity, &loc, &coverage,
			&maint, &rel, &sec, &debt, &smells, &bugs, &vulns, &buildOK, &passed, &failed, &buildTime)
		if err != nil {
			return nil, fmt.Errorf("scan quality: %w", err)
		}
		if q.Timestamp, err = parseTime(ts); err != nil {
			return nil, err
		}
		q.Point = protocol.MeasurementPoint(point)
		q.CyclomaticComplexity = floatPtr(complexity)
		q.LinesOfCode = intPtr(loc)
		q.TestCoverage = floatPtr(coverage)
		q.MaintainabilityRating = maint.String
		q.ReliabilityRating = rel.String
		q.SecurityRating = sec.String
		q.TechnicalDebtMinutes = intPtr(debt)
		q.CodeSmells = intPtr(smells)
		q.Bugs = intPtr(bugs)
		q.Vulnerabilities = intPtr(vulns)
		q.BuildSuccess = boolPtr(buildOK)
		q.TestsPassed = intPtr(passed)
		q.TestsFailed = intPtr(failed)
		q.BuildTimeSeconds = floatPtr(buildTime)
		out = append(out, q)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate quality: %w", err)
	}
	return out, nil
}

// InsertBuild records a build or test run.
func (s *Store) InsertBuild(ctx context.Context, b protocol.BuildResult) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO build_results (session_id, phase_id, timestamp, build_type, success, duration_seconds, warnings, errors)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		b.SessionID, nullID(b.PhaseID), formatTime(b.Timestamp), b.BuildType, b.Success, nullFloat(b.DurationSeconds),
		b.Warnings, b.Errors,
	)
	if err != nil {
		return 0, classify("insert build", err)
	}
	return res.LastInsertId()
}

// ListBuilds returns a session's build results in time order.
func (s *Store) ListBuilds(ctx context.Context, sessionID string) ([]protocol.BuildResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, phase_id, timestamp, build_type, success, duration_seconds, warnings, errors
		 FROM build_results WHERE session_id = ? ORDER BY timestamp, id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list builds: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []protocol.BuildResult
	for rows.Next() {
		var b protocol.BuildResult
		var ts string
		var dur sql.NullFloat64
		var phaseID sql.NullInt64
		if err := rows.Scan(&b.ID, &b.SessionID, &phaseID, &ts, &b.BuildType, &b.Success, &dur, &b.Warnings, &b.Errors); err != nil {
			return nil, fmt.Errorf("scan build: %w", err)
		}
		if b.Timestamp, err = parseTime(ts); err != nil {
			return nil, err
		}
		b.DurationSeconds = floatPtr(dur)
		b.PhaseID = idPtr(phaseID)
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate builds: %w", err)
	}
	return out, nil
}

// InsertFeedback records the session's feedback. A second row for the same
// session yields a *protocol.ConflictError.
func (s *Store) InsertFeedback(ctx context.Context, f protocol.Feedback) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO feedback (session_id, timestamp, ease_of_use, code_quality, productivity,
			learning_curve, overall_satisfaction, would_recommend, likes, dislikes, suggestions, comments)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.SessionID, formatTime(f.Timestamp), nullInt(f.EaseOfUse), nullInt(f.CodeQuality),
		nullInt(f.Productivity), nullInt(f.LearningCurve), nullInt(f.OverallSatisfaction),
		nullBool(f.WouldRecommend), nullString(f.Likes), nullString(f.Dislikes),
		nullString(f.Suggestions), nullString(f.Comments),
	)
	if err != nil {
		return 0, classify("insert feedback", err)
	}
	return res.LastInsertId()
}

// GetFeedback returns the session's feedback, or nil when none was given.
func (s *Store) GetFeedback(ctx context.Context, sessionID string) (*protocol.Feedback, error) {
	var f protocol.Feedback
	var ts string
	var ease, quality, prod, learning, overall sql.NullInt64
	var recommend sql.NullBool
	var likes, dislikes, suggestions, comments sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, timestamp, ease_of_use, code_quality, productivity, learning_curve,
			overall_satisfaction, would_recommend, likes, dislikes, suggestions, comments
		 FROM feedback WHERE session_id = ?`, sessionID,
	).Scan(&f.ID, &f.SessionID, &ts, &ease, &quality, &prod, &learning, &overall, &recommend,
		&likes, &dislikes, &suggestions, &comments)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil // no feedback is a valid state
	}
	if err != nil {
		return nil, fmt.Errorf("get feedback: %w", err)
	}
	if f.Timestamp, err = parseTime(ts); err != nil {
		return nil, err
	}
	f.EaseOfUse = intPtr(ease)
	f.CodeQuality = intPtr(quality)
	f.Productivity = intPtr(prod)
	f.LearningCurve = intPtr(learning)
	f.OverallSatisfaction = intPtr(overall)
	f.WouldRecommend = boolPtr(recommend)
	f.Likes = likes.String
	f.Dislikes = dislikes.String
	f.Suggestions = suggestions.String
	f.Comments = comments.String
	return &f, nil
}
