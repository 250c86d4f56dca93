package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"aieval/pkg/protocol"
)

// InsertPhase opens a phase and returns its id. A second open phase for the
// same session yields a *protocol.ConflictError.
func (s *Store) InsertPhase(ctx context.Context, p protocol.Phase) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO phases (session_id, name, started_at, notes) VALUES (?, ?, ?, ?)`,
		p.SessionID, string(p.Name), formatTime(p.StartedAt), nullString(p.Notes),
	)
	if err != nil {
		return 0, classify("insert phase", err)
	}
	return res.LastInsertId()
}

// ClosePhase stamps the end time and duration of an open phase.
func (s *Store) ClosePhase(ctx context.Context, id int64, endedAt time.Time, minutes float64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE phases SET ended_at = ?, duration_minutes = ? WHERE id = ? AND ended_at IS NULL`,
		formatTime(endedAt), minutes, id,
	)
	if err != nil {
		return fmt.Errorf("close phase %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return protocol.NewNotFound("open phase", fmt.Sprint(id))
	}
	return nil
}

// ListPhases returns a session's phases in start order.
func (s *Store) ListPhases(ctx context.Context, sessionID string) ([]protocol.Phase, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, name, started_at, ended_at, duration_minutes, notes
		 FROM phases WHERE session_id = ? ORDER BY started_at, id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list phases: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []protocol.Phase
	for rows.Next() {
		var p protocol.Phase
		var name, started string
		var ended, notes sql.NullString
		var minutes sql.NullFloat64
		if err := rows.Scan(&p.ID, &p.SessionID, &name, &started, &ended, &minutes, &notes); err != nil {
			return nil, fmt.Errorf("scan phase: %w", err)
		}
		p.Name = protocol.PhaseName(name)
		p.Notes = notes.String
		p.DurationMinutes = floatPtr(minutes)
		if p.StartedAt, err = parseTime(started); err != nil {
			return nil, err
		}
		if p.EndedAt, err = parseNullTime(ended); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate phases: %w", err)
	}
	return out, nil
}

// InsertMilestone records a milestone and returns its id.
func (s *Store) InsertMilestone(ctx context.Context, m protocol.Milestone) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO milestones (session_id, name, description, timestamp, elapsed_minutes, notes)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		m.SessionID, m.Name, nullString(m.Description), formatTime(m.Timestamp), m.ElapsedMinutes, nullString(m.Notes),
	)
	if err != nil {
		return 0, classify("insert milestone", err)
	}
	return res.LastInsertId()
}

// ListMilestones returns a session's milestones in time order.
func (s *Store) ListMilestones(ctx context.Context, sessionID string) ([]protocol.Milestone, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, name, description, timestamp, elapsed_minutes, notes
		 FROM milestones WHERE session_id = ? ORDER BY timestamp, id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list milestones: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []protocol.Milestone
	for rows.Next() {
		var m protocol.Milestone
		var ts string
		var desc, notes sql.NullString
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Name, &desc, &ts, &m.ElapsedMinutes, &notes); err != nil {
			return nil, fmt.Errorf("scan milestone: %w", err)
		}
		m.Description = desc.String
		m.Notes = notes.String
		if m.Timestamp, err = parseTime(ts); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate milestones: %w", err)
	}
	return out, nil
}
