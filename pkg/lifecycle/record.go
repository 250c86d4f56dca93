package lifecycle

import (
	"context"
	"fmt"
	"strings"

	"aieval/pkg/protocol"
)

// InteractionParams are the inputs of LogInteraction.
type InteractionParams struct {
	Prompt      string
	Response    string
	Type        string
	Rating      *int
	Helpful     *bool
	Tokens      *int
	Cost        *float64
	AIGenerated bool
	Notes       string
}

// LogInteraction appends an interaction with the next sequence number. When
// no token count is given and a TokenCounter is configured, the count is
// estimated from prompt and response.
func (e *Engine) LogInteraction(ctx context.Context, p InteractionParams) (*protocol.Interaction, error) {
	if strings.TrimSpace(p.Prompt) == "" {
		return nil, protocol.NewValidation("prompt", "", "must not be empty")
	}
	typ, err := protocol.ParseInteractionType(p.Type)
	if err != nil {
		return nil, err
	}
	if err := protocol.ValidateRating("rating", p.Rating); err != nil {
		return nil, err
	}
	if p.Tokens != nil && *p.Tokens < 0 {
		return nil, protocol.NewValidation("tokens", fmt.Sprint(*p.Tokens), "must be >= 0")
	}
	if p.Cost != nil && *p.Cost < 0 {
		return nil, protocol.NewValidation("cost", fmt.Sprint(*p.Cost), "must be >= 0")
	}

	in := protocol.Interaction{
		Prompt:      p.Prompt,
		Response:    p.Response,
		Type:        typ,
		Rating:      p.Rating,
		Helpful:     p.Helpful,
		Tokens:      p.Tokens,
		Cost:        p.Cost,
		AIGenerated: p.AIGenerated,
		Notes:       strings.TrimSpace(p.Notes),
	}
	if in.Tokens == nil && e.cfg.Tokens != nil {
		n := e.cfg.Tokens.Count(p.Prompt) + e.cfg.Tokens.Count(p.Response)
		in.Tokens = &n
		in.TokensEstimated = true
	}

	err = e.do(ctx, func(ctx context.Context) error {
		sess, err := e.requireSession()
		if err != nil {
			return err
		}
		in.SessionID = sess.ID
		in.Sequence = e.st.seq + 1
		in.Timestamp = e.now()
		in.PhaseID = e.phaseAt(in.Timestamp)
		id, err := e.store.InsertInteraction(ctx, in)
		if err != nil {
			return fmt.Errorf("log interaction: %w", err)
		}
		in.ID = id
		e.st.seq = in.Sequence
		e.st.counts.Interactions++
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &in, nil
}

// ChangeParams are the inputs of LogChange.
type ChangeParams struct {
	Path        string
	Kind        string
	Delta       protocol.LineDelta
	AIGenerated bool
}

// LogChange records a change by hand. It bypasses the correlator and its
// coalescing.
func (e *Engine) LogChange(ctx context.Context, p ChangeParams) (*protocol.CodeChange, error) {
	path := strings.TrimSpace(p.Path)
	if path == "" {
		return nil, protocol.NewValidation("path", "", "must not be empty")
	}
	kind, err := protocol.ParseChangeKind(p.Kind)
	if err != nil {
		return nil, err
	}
	if err := p.Delta.Validate(); err != nil {
		return nil, err
	}

	c := protocol.CodeChange{
		Path:        path,
		Kind:        kind,
		Delta:       p.Delta,
		AIGenerated: p.AIGenerated,
		Source:      protocol.ChangeSourceManual,
	}
	err = e.do(ctx, func(ctx context.Context) error {
		sess, err := e.requireSession()
		if err != nil {
			return err
		}
		c.SessionID = sess.ID
		c.Timestamp = e.now()
		c.PhaseID = e.phaseAt(c.Timestamp)
		id, err := e.store.InsertChange(ctx, c)
		if err != nil {
			return fmt.Errorf("log change: %w", err)
		}
		c.ID = id
		e.st.counts.Changes++
		e.remember(c)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// RecordQuality stores a quality snapshot. A second snapshot for the same
// measurement point is rejected with a *protocol.ConflictError.
func (e *Engine) RecordQuality(ctx context.Context, q protocol.QualityMetric) (*protocol.QualityMetric, error) {
	point, err := protocol.ParseMeasurementPoint(string(q.Point))
	if err != nil {
		return nil, err
	}
	q.Point = point
	if err := q.Validate(); err != nil {
		return nil, err
	}

	err = e.do(ctx, func(ctx context.Context) error {
		sess, err := e.requireSession()
		if err != nil {
			return err
		}
		q.SessionID = sess.ID
		q.Timestamp = e.now()
		id, err := e.store.InsertQuality(ctx, q)
		if err != nil {
			return fmt.Errorf("record %s quality: %w", q.Point, err)
		}
		q.ID = id
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &q, nil
}

// RecordBuild stores the outcome of a build or test run.
func (e *Engine) RecordBuild(ctx context.Context, b protocol.BuildResult) (*protocol.BuildResult, error) {
	b.BuildType = strings.ToLower(strings.TrimSpace(b.BuildType))
	if err := b.Validate(); err != nil {
		return nil, err
	}
	if b.DurationSeconds != nil && *b.DurationSeconds < 0 {
		return nil, protocol.NewValidation("duration", fmt.Sprint(*b.DurationSeconds), "must be >= 0")
	}

	err := e.do(ctx, func(ctx context.Context) error {
		sess, err := e.requireSession()
		if err != nil {
			return err
		}
		b.SessionID = sess.ID
		b.Timestamp = e.now()
		b.PhaseID = e.phaseAt(b.Timestamp)
		id, err := e.store.InsertBuild(ctx, b)
		if err != nil {
			return fmt.Errorf("record build: %w", err)
		}
		b.ID = id
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// RecordFeedback stores the session's feedback. Feedback is given once: a
// second call for the same session is rejected with a
// *protocol.ConflictError and the first row is kept.
func (e *Engine) RecordFeedback(ctx context.Context, f protocol.Feedback) (*protocol.Feedback, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}

	err := e.do(ctx, func(ctx context.Context) error {
		sess, err := e.requireSession()
		if err != nil {
			return err
		}
		f.SessionID = sess.ID
		f.Timestamp = e.now()
		id, err := e.store.InsertFeedback(ctx, f)
		if err != nil {
			return fmt.Errorf("record feedback: %w", err)
		}
		f.ID = id
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &f, nil
}
