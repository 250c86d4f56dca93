package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"aieval/pkg/protocol"
)

// LogEvent appends a row to the events table. payload is marshaled to JSON
// unless it is already a string.
func (s *Store) LogEvent(ctx context.Context, typ, source, sessionID string, payload any) error {
	var body string
	switch p := payload.(type) {
	case nil:
	case string:
		body = p
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("marshal event payload: %w", err)
		}
		body = string(b)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (type, source, session_id, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
		typ, source, nullString(sessionID), nullString(body), formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("log event %s: %w", typ, err)
	}
	return nil
}

// EventQuery specifies filter criteria for QueryEvents.
type EventQuery struct {
	SessionID string
	Type      string
	After     *time.Time
	Limit     int
}

// QueryEvents returns matching events, newest first.
func (s *Store) QueryEvents(ctx context.Context, q EventQuery) ([]protocol.Event, error) {
	var conditions []string
	var args []any
	if q.SessionID != "" {
		conditions = append(conditions, "session_id = ?")
		args = append(args, q.SessionID)
	}
	if q.Type != "" {
		conditions = append(conditions, "type = ?")
		args = append(args, q.Type)
	}
	if q.After != nil {
		conditions = append(conditions, "created_at >= ?")
		args = append(args, formatTime(*q.After))
	}

	query := "SELECT id, type, source, coalesce(session_id, ''), coalesce(payload, ''), created_at FROM events"
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY id DESC"
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []protocol.Event
	for rows.Next() {
		var e protocol.Event
		if err := rows.Scan(&e.ID, &e.Type, &e.Source, &e.SessionID, &e.Payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}
