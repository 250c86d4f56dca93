package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"aieval/pkg/protocol"
)

const sessionColumns = `id, name, tool, test_case_type, developer, status, started_at, ended_at,
	environment, watch_path, notes, failure_reason`

// CreateSession inserts a new in_progress session. A second in_progress row
// violates the one-active index and yields a *protocol.ConflictError.
func (s *Store) CreateSession(ctx context.Context, sess protocol.Session) error {
	env := "{}"
	if len(sess.Environment) > 0 {
		b, err := json.Marshal(sess.Environment)
		if err != nil {
			return fmt.Errorf("marshal environment: %w", err)
		}
		env = string(b)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (`+sessionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.Name, sess.Tool, string(sess.TestCaseType), nullString(sess.Developer),
		string(sess.Status), formatTime(sess.StartedAt), nullTime(sess.EndedAt),
		env, nullString(sess.WatchPath), nullString(sess.Notes), nullString(sess.FailureReason),
	)
	return classify("create session", err)
}

// GetSession returns the session with id or a *protocol.NotFoundError.
func (s *Store) GetSession(ctx context.Context, id string) (*protocol.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, protocol.NewNotFound("session", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	return sess, nil
}

// ActiveSession returns the in_progress session, or nil when there is none.
func (s *Store) ActiveSession(ctx context.Context) (*protocol.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE status = 'in_progress' LIMIT 1`)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil // no active session is a valid state
	}
	if err != nil {
		return nil, fmt.Errorf("active session: %w", err)
	}
	return sess, nil
}

// FinishSession moves an in_progress session to a terminal status.
func (s *Store) FinishSession(ctx context.Context, id string, status protocol.SessionStatus, endedAt time.Time, notes, reason string) error {
	if !status.Terminal() {
		return protocol.NewValidation("status", string(status), "must be terminal")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, ended_at = ?, notes = coalesce(?, notes), failure_reason = ?
		 WHERE id = ? AND status = 'in_progress'`,
		string(status), formatTime(endedAt), nullString(notes), nullString(reason), id,
	)
	if err != nil {
		return fmt.Errorf("finish session %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return protocol.NewNotFound("active session", id)
	}
	return nil
}

// SessionFilter narrows ListSessions.
type SessionFilter struct {
	Tool         string
	TestCaseType protocol.TestCaseType
	Status       protocol.SessionStatus
	Since        *time.Time
	Limit        int
}

// ListSessions returns sessions matching f, newest first.
func (s *Store) ListSessions(ctx context.Context, f SessionFilter) ([]protocol.Session, error) {
	var (
		conditions []string
		args       []any
	)
	if f.Tool != "" {
		conditions = append(conditions, "tool = ?")
		args = append(args, f.Tool)
	}
	if f.TestCaseType != "" {
		conditions = append(conditions, "test_case_type = ?")
		args = append(args, string(f.TestCaseType))
	}
	if f.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Since != nil {
		conditions = append(conditions, "started_at >= ?")
		args = append(args, formatTime(*f.Since))
	}

	query := `SELECT ` + sessionColumns + ` FROM sessions`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY started_at DESC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []protocol.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, *sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return out, nil
}

// DeleteSession removes a terminal session and, by cascade, everything it
// owns. An in_progress session cannot be deleted.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	sess, err := s.GetSession(ctx, id)
	if err != nil {
		return err
	}
	if sess.Active() {
		return protocol.NewConflict("delete session", "session "+id+" is in progress")
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	return nil
}

// Counts holds the number of child rows of a session.
type Counts struct {
	Phases       int `json:"phases"`
	Interactions int `json:"interactions"`
	Changes      int `json:"changes"`
	Milestones   int `json:"milestones"`
}

// CountChildren returns child row counts for sessionID.
func (s *Store) CountChildren(ctx context.Context, sessionID string) (Counts, error) {
	var c Counts
	err := s.db.QueryRowContext(ctx, `SELECT
		(SELECT count(*) FROM phases WHERE session_id = ?1),
		(SELECT count(*) FROM interactions WHERE session_id = ?1),
		(SELECT count(*) FROM code_changes WHERE session_id = ?1),
		(SELECT count(*) FROM milestones WHERE session_id = ?1)`, sessionID,
	).Scan(&c.Phases, &c.Interactions, &c.Changes, &c.Milestones)
	if err != nil {
		return Counts{}, fmt.Errorf("count children of %s: %w", sessionID, err)
	}
	return c, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*protocol.Session, error) {
	var sess protocol.Session
	var typ, status, started, env string
	var developer, watch, notes, reason, ended sql.NullString
	err := row.Scan(&sess.ID, &sess.Name, &sess.Tool, &typ, &developer, &status, &started, &ended,
		&env, &watch, &notes, &reason)
	if err != nil {
		return nil, err
	}
	sess.TestCaseType = protocol.TestCaseType(typ)
	sess.Status = protocol.SessionStatus(status)
	sess.Developer = developer.String
	sess.WatchPath = watch.String
	sess.Notes = notes.String
	sess.FailureReason = reason.String
	if sess.StartedAt, err = parseTime(started); err != nil {
		return nil, err
	}
	if sess.EndedAt, err = parseNullTime(ended); err != nil {
		return nil, err
	}
	if env != "" && env != "{}" {
		if err := json.Unmarshal([]byte(env), &sess.Environment); err != nil {
			return nil, fmt.Errorf("parse environment: %w", err)
		}
	}
	return &sess, nil
}
