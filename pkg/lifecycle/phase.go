package lifecycle

import (
	"context"
	"fmt"
	"strings"
	"time"

	"aieval/pkg/protocol"
)

// StartPhase opens a phase in the active session. It fails with a
// *protocol.InvalidTransitionError while another phase is still open.
func (e *Engine) StartPhase(ctx context.Context, name, notes string) (*protocol.Phase, error) {
	phase, err := protocol.ParsePhase(name)
	if err != nil {
		return nil, err
	}

	var out protocol.Phase
	err = e.do(ctx, func(ctx context.Context) error {
		sess, err := e.requireSession()
		if err != nil {
			return err
		}
		if open := e.openPhase(); open != nil {
			return &protocol.InvalidTransitionError{
				From:   string(open.Name),
				To:     string(phase),
				Reason: fmt.Sprintf("phase %s is still open; complete it first", open.Name),
			}
		}
		p := protocol.Phase{
			SessionID: sess.ID,
			Name:      phase,
			StartedAt: e.now(),
			Notes:     strings.TrimSpace(notes),
		}
		// Phases never overlap, even when the clock is coarse.
		if n := len(e.st.phases); n > 0 && e.st.phases[n-1].EndedAt != nil && p.StartedAt.Before(*e.st.phases[n-1].EndedAt) {
			p.StartedAt = *e.st.phases[n-1].EndedAt
		}
		id, err := e.store.InsertPhase(ctx, p)
		if err != nil {
			return fmt.Errorf("start phase: %w", err)
		}
		p.ID = id
		e.st.phases = append(e.st.phases, p)
		e.st.counts.Phases++
		out = p

		e.log.Info("phase started", "session_id", sess.ID, "phase", phase)
		e.logEvent(ctx, protocol.EventPhaseStarted, sess.ID, map[string]any{"phase": phase, "phase_id": id})
		e.notify(Transition{Kind: PhaseStarted, Session: *sess, Phase: &p})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// CompletePhase closes the open phase. It fails with a
// *protocol.NotFoundError when no phase is open, including on a second call
// without an intervening StartPhase.
func (e *Engine) CompletePhase(ctx context.Context) (*protocol.Phase, error) {
	var out protocol.Phase
	err := e.do(ctx, func(ctx context.Context) error {
		sess, err := e.requireSession()
		if err != nil {
			return err
		}
		p := e.openPhase()
		if p == nil {
			return protocol.NewNotFound("open phase", "")
		}
		if err := e.closePhase(ctx, p, e.now()); err != nil {
			return err
		}
		out = *p
		e.notify(Transition{Kind: PhaseCompleted, Session: *sess, Phase: &out})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// closePhase stamps end time and duration on p, in the store and in place.
func (e *Engine) closePhase(ctx context.Context, p *protocol.Phase, end time.Time) error {
	if end.Before(p.StartedAt) {
		end = p.StartedAt
	}
	minutes := protocol.Minutes(p.StartedAt, end)
	if err := e.store.ClosePhase(ctx, p.ID, end, minutes); err != nil {
		return fmt.Errorf("complete phase: %w", err)
	}
	p.EndedAt = &end
	p.DurationMinutes = &minutes

	e.log.Info("phase completed", "session_id", p.SessionID, "phase", p.Name, "duration_minutes", minutes)
	e.logEvent(ctx, protocol.EventPhaseCompleted, p.SessionID, map[string]any{
		"phase": p.Name, "phase_id": p.ID, "duration_minutes": minutes,
	})
	return nil
}

// AddMilestone records a milestone. It needs an active session but no open
// phase; elapsed time is measured from the session start.
func (e *Engine) AddMilestone(ctx context.Context, name, description, notes string) (*protocol.Milestone, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, protocol.NewValidation("milestone name", "", "must not be empty")
	}

	var out protocol.Milestone
	err := e.do(ctx, func(ctx context.Context) error {
		sess, err := e.requireSession()
		if err != nil {
			return err
		}
		now := e.now()
		m := protocol.Milestone{
			SessionID:      sess.ID,
			Name:           name,
			Description:    strings.TrimSpace(description),
			Timestamp:      now,
			ElapsedMinutes: protocol.Minutes(sess.StartedAt, now),
			Notes:          strings.TrimSpace(notes),
		}
		id, err := e.store.InsertMilestone(ctx, m)
		if err != nil {
			return fmt.Errorf("add milestone: %w", err)
		}
		m.ID = id
		e.st.counts.Milestones++
		out = m
		e.logEvent(ctx, protocol.EventMilestone, sess.ID, map[string]any{"name": name, "elapsed_minutes": m.ElapsedMinutes})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}
