package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"aieval/pkg/protocol"
)

const changeColumns = `id, session_id, phase_id, path, old_path, kind, timestamp,
	lines_added, lines_deleted, lines_modified, commit_hash, ai_generated, source, diff`

// InsertChange appends a code change and returns its id.
func (s *Store) InsertChange(ctx context.Context, c protocol.CodeChange) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO code_changes (session_id, phase_id, path, old_path, kind, timestamp,
			lines_added, lines_deleted, lines_modified, commit_hash, ai_generated, source, diff)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.SessionID, nullID(c.PhaseID), c.Path, nullString(c.OldPath), string(c.Kind), formatTime(c.Timestamp),
		c.Delta.Added, c.Delta.Deleted, c.Delta.Modified, nullString(c.CommitHash), c.AIGenerated,
		c.Source, nullString(c.Diff),
	)
	if err != nil {
		return 0, classify("insert change", err)
	}
	return res.LastInsertId()
}

// MergeChange overwrites the mutable fields of a coalesced change row. Rows
// already attributed to a commit are left untouched.
func (s *Store) MergeChange(ctx context.Context, c protocol.CodeChange) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE code_changes SET kind = ?, timestamp = ?, lines_added = ?, lines_deleted = ?,
			lines_modified = ?, old_path = coalesce(?, old_path), diff = ?
		 WHERE id = ? AND commit_hash IS NULL`,
		string(c.Kind), formatTime(c.Timestamp), c.Delta.Added, c.Delta.Deleted, c.Delta.Modified,
		nullString(c.OldPath), nullString(c.Diff), c.ID,
	)
	if err != nil {
		return classify("merge change", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return protocol.NewNotFound("uncommitted change", fmt.Sprint(c.ID))
	}
	return nil
}

// AttributeCommit stamps hash on every uncommitted change of sessionID whose
// timestamp is in (after, upTo]. It returns the number of rows updated.
func (s *Store) AttributeCommit(ctx context.Context, sessionID, hash string, after, upTo time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE code_changes SET commit_hash = ?
		 WHERE session_id = ? AND commit_hash IS NULL AND timestamp > ? AND timestamp <= ?`,
		hash, sessionID, formatTime(after), formatTime(upTo),
	)
	if err != nil {
		return 0, fmt.Errorf("attribute commit %s: %w", hash, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("attribute commit %s: %w", hash, err)
	}
	return n, nil
}

// MarkChangesAIGenerated flags the changes of sessionID whose path contains
// pathPart as AI-generated. A non-empty hash limits the update to that
// commit's changes; otherwise only changes at or after since are touched.
// It returns the ids of the rows updated.
func (s *Store) MarkChangesAIGenerated(ctx context.Context, sessionID, pathPart, hash string, since time.Time) ([]int64, error) {
	q := `UPDATE code_changes SET ai_generated = 1
		 WHERE session_id = ? AND instr(path, ?) > 0 AND timestamp >= ?`
	args := []any{sessionID, pathPart, formatTime(since)}
	if hash != "" {
		q = `UPDATE code_changes SET ai_generated = 1
		 WHERE session_id = ? AND instr(path, ?) > 0 AND commit_hash = ?`
		args = []any{sessionID, pathPart, hash}
	}
	rows, err := s.db.QueryContext(ctx, q+` RETURNING id`, args...)
	if err != nil {
		return nil, fmt.Errorf("mark ai changes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan marked change: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("mark ai changes: %w", err)
	}
	return ids, nil
}

// ListChanges returns a session's changes in time order.
func (s *Store) ListChanges(ctx context.Context, sessionID string) ([]protocol.CodeChange, error) {
	return s.queryChanges(ctx,
		`SELECT `+changeColumns+` FROM code_changes WHERE session_id = ? ORDER BY timestamp, id`, sessionID)
}

// RecentChanges returns the newest limit changes of a session, newest first.
func (s *Store) RecentChanges(ctx context.Context, sessionID string, limit int) ([]protocol.CodeChange, error) {
	return s.queryChanges(ctx,
		`SELECT `+changeColumns+` FROM code_changes WHERE session_id = ? ORDER BY timestamp DESC, id DESC LIMIT ?`,
		sessionID, limit)
}

func (s *Store) queryChanges(ctx context.Context, q string, args ...any) ([]protocol.CodeChange, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list changes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []protocol.CodeChange
	for rows.Next() {
		var c protocol.CodeChange
		var kind, ts string
		var oldPath, commit, diff sql.NullString
		var phaseID sql.NullInt64
		err := rows.Scan(&c.ID, &c.SessionID, &phaseID, &c.Path, &oldPath, &kind, &ts,
			&c.Delta.Added, &c.Delta.Deleted, &c.Delta.Modified, &commit, &c.AIGenerated, &c.Source, &diff)
		if err != nil {
			return nil, fmt.Errorf("scan change: %w", err)
		}
		if c.Timestamp, err = parseTime(ts); err != nil {
			return nil, err
		}
		c.PhaseID = idPtr(phaseID)
		c.Kind = protocol.ChangeKind(kind)
		c.OldPath = oldPath.String
		c.CommitHash = commit.String
		c.Diff = diff.String
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate changes: %w", err)
	}
	return out, nil
}
