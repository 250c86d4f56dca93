package lifecycle

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"aieval/pkg/protocol"
)

// StartParams are the inputs of Start.
type StartParams struct {
	Name         string
	Tool         string
	TestCaseType string
	Developer    string
	Environment  map[string]string
	WatchPath    string
}

// Start creates a new in_progress session. It fails with a
// *protocol.ConflictError when a session is already active.
func (e *Engine) Start(ctx context.Context, p StartParams) (*protocol.Session, error) {
	name := strings.TrimSpace(p.Name)
	if name == "" {
		return nil, protocol.NewValidation("session name", p.Name, "must not be empty")
	}
	tool, err := protocol.NormalizeTool(p.Tool)
	if err != nil {
		return nil, err
	}
	typ, err := protocol.ParseTestCaseType(p.TestCaseType)
	if err != nil {
		return nil, err
	}

	var out protocol.Session
	err = e.do(ctx, func(ctx context.Context) error {
		if cur := e.st.session; cur != nil {
			return protocol.NewConflict("start session", fmt.Sprintf("session %s is already active", cur.ID))
		}
		sess := protocol.Session{
			ID:           e.newID(),
			Name:         name,
			Tool:         tool,
			TestCaseType: typ,
			Developer:    strings.TrimSpace(p.Developer),
			Status:       protocol.StatusInProgress,
			StartedAt:    e.nowFunc().UTC(),
			Environment:  p.Environment,
			WatchPath:    p.WatchPath,
		}
		if err := e.store.CreateSession(ctx, sess); err != nil {
			return fmt.Errorf("start session: %w", err)
		}
		e.st = state{session: &sess, coalesce: make(map[string]*pending)}
		out = sess

		e.log.Info("session started", "session_id", sess.ID, "tool", tool, "type", typ)
		e.logEvent(ctx, protocol.EventSessionStarted, sess.ID, map[string]any{
			"name": name, "tool": tool, "test_case_type": typ, "developer": sess.Developer,
		})
		e.notify(Transition{Kind: SessionStarted, Session: sess})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// End completes the active session: any open phase is closed, the end time
// and notes are stamped and the status becomes completed. It fails with a
// *protocol.NotFoundError when no session is active.
func (e *Engine) End(ctx context.Context, notes string) (*protocol.SessionSummary, error) {
	return e.close(ctx, protocol.StatusCompleted, notes, "")
}

// Fail closes the active session like End but marks it failed.
func (e *Engine) Fail(ctx context.Context, reason string) (*protocol.SessionSummary, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, protocol.NewValidation("failure reason", "", "must not be empty")
	}
	return e.close(ctx, protocol.StatusFailed, "", reason)
}

func (e *Engine) close(ctx context.Context, status protocol.SessionStatus, notes, reason string) (*protocol.SessionSummary, error) {
	snap := e.Status()
	if snap.Session == nil {
		return nil, protocol.NewNotFound("active session", "")
	}

	e.hookMu.Lock()
	hooks := slices.Clone(e.beforeClose)
	e.hookMu.Unlock()
	for _, h := range hooks {
		h(ctx, snap.Session.ID)
	}

	var out protocol.SessionSummary
	err := e.do(ctx, func(ctx context.Context) error {
		sess, err := e.requireSession()
		if err != nil {
			return err
		}
		now := e.now()
		if p := e.openPhase(); p != nil {
			if err := e.closePhase(ctx, p, now); err != nil {
				return err
			}
		}
		if err := e.store.FinishSession(ctx, sess.ID, status, now, notes, reason); err != nil {
			return fmt.Errorf("finish session: %w", err)
		}
		counts, err := e.store.CountChildren(ctx, sess.ID)
		if err != nil {
			e.log.Warn("count session children failed", "session_id", sess.ID, "error", err)
			counts = e.st.counts
		}

		out = protocol.SessionSummary{
			SessionID:       sess.ID,
			Status:          status,
			DurationMinutes: protocol.Minutes(sess.StartedAt, now),
			Phases:          counts.Phases,
			Interactions:    counts.Interactions,
			Changes:         counts.Changes,
			Milestones:      counts.Milestones,
		}

		closed := *sess
		closed.Status = status
		closed.EndedAt = &now
		if notes != "" {
			closed.Notes = notes
		}
		closed.FailureReason = reason
		e.st = state{}

		evType := protocol.EventSessionCompleted
		if status == protocol.StatusFailed {
			evType = protocol.EventSessionFailed
		}
		e.log.Info("session closed", "session_id", closed.ID, "status", status, "duration_minutes", out.DurationMinutes)
		e.logEvent(ctx, evType, closed.ID, out)
		e.notify(Transition{Kind: SessionEnded, Session: closed})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}
