package store

import (
	"context"
	"database/sql"
	"fmt"

	"aieval/pkg/protocol"
)

const interactionColumns = `id, session_id, phase_id, sequence, timestamp, prompt, response, type,
	rating, helpful, tokens, tokens_estimated, cost, ai_generated, notes`

// InsertInteraction appends an interaction and returns its id. The
// (session, sequence) pair is unique.
func (s *Store) InsertInteraction(ctx context.Context, in protocol.Interaction) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO interactions (session_id, phase_id, sequence, timestamp, prompt, response, type,
			rating, helpful, tokens, tokens_estimated, cost, ai_generated, notes)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		in.SessionID, nullID(in.PhaseID), in.Sequence, formatTime(in.Timestamp), in.Prompt,
		nullString(in.Response), string(in.Type), nullInt(in.Rating), nullBool(in.Helpful),
		nullInt(in.Tokens), in.TokensEstimated, nullFloat(in.Cost), in.AIGenerated, nullString(in.Notes),
	)
	if err != nil {
		return 0, classify("insert interaction", err)
	}
	return res.LastInsertId()
}

// MaxSequence returns the highest interaction sequence of a session, 0 when
// it has none.
func (s *Store) MaxSequence(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT coalesce(max(sequence), 0) FROM interactions WHERE session_id = ?`, sessionID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("max sequence: %w", err)
	}
	return n, nil
}

// ListInteractions returns a session's interactions in sequence order.
func (s *Store) ListInteractions(ctx context.Context, sessionID string) ([]protocol.Interaction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+interactionColumns+` FROM interactions WHERE session_id = ? ORDER BY sequence`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list interactions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []protocol.Interaction
	for rows.Next() {
		in, err := scanInteraction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *in)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate interactions: %w", err)
	}
	return out, nil
}

// SearchOpts configures SearchInteractions.
type SearchOpts struct {
	Tool     string // optional filter on the session tool
	Limit    int    // default 20
	MatchAny bool   // OR the terms instead of AND
}

// SearchHit is an interaction matched by full-text search.
type SearchHit struct {
	protocol.Interaction
	Tool    string  `json:"tool"`
	Snippet string  `json:"snippet"`
	Rank    float64 `json:"rank"`
}

// SearchInteractions runs a BM25-ranked FTS5 query over prompts and
// responses across all sessions.
func (s *Store) SearchInteractions(ctx context.Context, query string, opts SearchOpts) ([]SearchHit, error) {
	expr := protocol.MatchExpr(query, opts.MatchAny)
	if expr == "" {
		return nil, protocol.NewValidation("query", query, "must contain at least one term")
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 20
	}

	q := `SELECT i.id, i.session_id, i.phase_id, i.sequence, i.timestamp, i.prompt, i.response, i.type,
			i.rating, i.helpful, i.tokens, i.tokens_estimated, i.cost, i.ai_generated, i.notes,
			s.tool, snippet(interactions_fts, -1, '[', ']', '...', 12), bm25(interactions_fts)
		FROM interactions_fts
		JOIN interactions i ON i.id = interactions_fts.rowid
		JOIN sessions s ON s.id = i.session_id
		WHERE interactions_fts MATCH ?`
	args := []any{expr}
	if opts.Tool != "" {
		q += ` AND s.tool = ?`
		args = append(args, opts.Tool)
	}
	q += ` ORDER BY bm25(interactions_fts) LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("search interactions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []SearchHit
	for rows.Next() {
		var h SearchHit
		in, err := scanInteraction(rows, &h.Tool, &h.Snippet, &h.Rank)
		if err != nil {
			return nil, err
		}
		h.Interaction = *in
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate search hits: %w", err)
	}
	return out, nil
}

func scanInteraction(row scanner, extra ...any) (*protocol.Interaction, error) {
	var in protocol.Interaction
	var ts, typ string
	var response, notes sql.NullString
	var phaseID, rating, tokens sql.NullInt64
	var helpful sql.NullBool
	var cost sql.NullFloat64
	dest := []any{
		&in.ID, &in.SessionID, &phaseID, &in.Sequence, &ts, &in.Prompt, &response, &typ,
		&rating, &helpful, &tokens, &in.TokensEstimated, &cost, &in.AIGenerated, &notes,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, fmt.Errorf("scan interaction: %w", err)
	}
	var err error
	if in.Timestamp, err = parseTime(ts); err != nil {
		return nil, err
	}
	in.PhaseID = idPtr(phaseID)
	in.Response = response.String
	in.Type = protocol.InteractionType(typ)
	in.Rating = intPtr(rating)
	in.Helpful = boolPtr(helpful)
	in.Tokens = intPtr(tokens)
	in.Cost = floatPtr(cost)
	in.Notes = notes.String
	return &in, nil
}
