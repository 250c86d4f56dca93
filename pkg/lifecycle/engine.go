// Package lifecycle implements the session state machine: one active session
// at a time, its phase sub-lifecycle, and every write into the session's
// change log.
//
// The Engine is a single-writer actor. Every mutation, whether it comes from
// the operator or from the monitoring correlator, is a closure executed
// serially on the goroutine started by Run. Readers use Status, which returns
// the snapshot published after the last mutation and never waits on the
// writer.
package lifecycle

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"aieval/pkg/protocol"
	"aieval/pkg/store"
)

// Store is the persistence the engine writes through. *store.Store
// satisfies it.
type Store interface {
	CreateSession(ctx context.Context, s protocol.Session) error
	ActiveSession(ctx context.Context) (*protocol.Session, error)
	FinishSession(ctx context.Context, id string, status protocol.SessionStatus, endedAt time.Time, notes, reason string) error
	CountChildren(ctx context.Context, sessionID string) (store.Counts, error)

	InsertPhase(ctx context.Context, p protocol.Phase) (int64, error)
	ClosePhase(ctx context.Context, id int64, endedAt time.Time, minutes float64) error
	ListPhases(ctx context.Context, sessionID string) ([]protocol.Phase, error)

	InsertMilestone(ctx context.Context, m protocol.Milestone) (int64, error)
	InsertInteraction(ctx context.Context, in protocol.Interaction) (int64, error)
	MaxSequence(ctx context.Context, sessionID string) (int, error)

	InsertChange(ctx context.Context, c protocol.CodeChange) (int64, error)
	MergeChange(ctx context.Context, c protocol.CodeChange) error
	AttributeCommit(ctx context.Context, sessionID, hash string, after, upTo time.Time) (int64, error)
	MarkChangesAIGenerated(ctx context.Context, sessionID, pathPart, hash string, since time.Time) ([]int64, error)
	RecentChanges(ctx context.Context, sessionID string, limit int) ([]protocol.CodeChange, error)

	InsertQuality(ctx context.Context, q protocol.QualityMetric) (int64, error)
	InsertBuild(ctx context.Context, b protocol.BuildResult) (int64, error)
	InsertFeedback(ctx context.Context, f protocol.Feedback) (int64, error)

	LogEvent(ctx context.Context, typ, source, sessionID string, payload any) error
}

// TokenCounter estimates the token count of a text.
type TokenCounter interface {
	Count(text string) int
}

// Config holds Engine configuration.
type Config struct {
	CoalesceWindow time.Duration // Merge window for monitor deltas on one path (default 2s).
	QueueSize      int           // Pending mutation requests (default 64).
	Tokens         TokenCounter  // Estimates tokens when none are given; nil disables.
	Logger         *slog.Logger  // nil means slog.Default().
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.CoalesceWindow == 0 {
		out.CoalesceWindow = protocol.DefaultCoalesceWindow
	}
	if out.QueueSize == 0 {
		out.QueueSize = 64
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return out
}

// TransitionKind names a lifecycle transition reported to observers.
type TransitionKind string

// Transition kinds.
const (
	SessionStarted   TransitionKind = "session_started"
	SessionRecovered TransitionKind = "session_recovered"
	SessionEnded     TransitionKind = "session_ended"
	PhaseStarted     TransitionKind = "phase_started"
	PhaseCompleted   TransitionKind = "phase_completed"
)

// Transition is delivered to observers after a lifecycle change.
type Transition struct {
	Kind    TransitionKind
	Session protocol.Session
	Phase   *protocol.Phase
}

// request is one serialized mutation.
type request struct {
	ctx  context.Context
	fn   func(ctx context.Context) error
	errc chan error
}

// pending tracks the last monitor row written for a path so that rapid
// follow-up notifications can be merged into it.
type pending struct {
	change protocol.CodeChange
	last   time.Time
}

// state is owned by the Run goroutine.
type state struct {
	session  *protocol.Session
	phases   []protocol.Phase
	seq      int
	counts   store.Counts
	coalesce map[string]*pending
	recent   []protocol.CodeChange
}

// Engine is the session state machine.
type Engine struct {
	cfg   Config
	store Store
	log   *slog.Logger

	reqs chan request
	done chan struct{}

	st state // touched only by the Run goroutine

	snapMu sync.RWMutex
	snap   protocol.StatusSnapshot

	hookMu      sync.Mutex
	beforeClose []func(ctx context.Context, sessionID string)
	observers   []func(Transition)

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
	// newID allows tests to control session ids.
	newID func() string
}

// New creates an Engine. It does NOT accept mutations until Run is called.
func New(cfg Config, st Store) *Engine {
	resolved := cfg.withDefaults()
	return &Engine{
		cfg:     resolved,
		store:   st,
		log:     resolved.Logger,
		reqs:    make(chan request, resolved.QueueSize),
		done:    make(chan struct{}),
		nowFunc: time.Now,
		newID:   uuid.NewString,
	}
}

// OnBeforeClose registers a hook run before End or Fail closes the session.
// Hooks run outside the writer and may call back into the engine.
func (e *Engine) OnBeforeClose(hook func(ctx context.Context, sessionID string)) {
	e.hookMu.Lock()
	defer e.hookMu.Unlock()
	e.beforeClose = append(e.beforeClose, hook)
}

// OnTransition registers an observer. Observers are called on the writer
// goroutine and must not block or call back into the engine.
func (e *Engine) OnTransition(obs func(Transition)) {
	e.hookMu.Lock()
	defer e.hookMu.Unlock()
	e.observers = append(e.observers, obs)
}

// Done is closed once Run has returned.
func (e *Engine) Done() <-chan struct{} { return e.done }

// Run recovers any in-progress session from the store and then executes
// mutations until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	defer close(e.done)

	if err := e.recover(ctx); err != nil {
		return err
	}
	e.publish()

	for {
		select {
		case <-ctx.Done():
			return nil
		case req := <-e.reqs:
			if err := req.ctx.Err(); err != nil {
				req.errc <- err
				continue
			}
			// A mutation that has started runs to completion so the in-memory
			// state never diverges from the store.
			err := req.fn(context.WithoutCancel(req.ctx))
			e.publish()
			req.errc <- err
		}
	}
}

// do executes fn on the writer goroutine and returns its error.
func (e *Engine) do(ctx context.Context, fn func(ctx context.Context) error) error {
	req := request{ctx: ctx, fn: fn, errc: make(chan error, 1)}
	select {
	case e.reqs <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return protocol.ErrEngineStopped
	}
	select {
	case err := <-req.errc:
		return err
	case <-e.done:
		// Run may have answered just before exiting.
		select {
		case err := <-req.errc:
			return err
		default:
			return protocol.ErrEngineStopped
		}
	}
}

// recover reloads the in-progress session left by a previous process.
func (e *Engine) recover(ctx context.Context) error {
	sess, err := e.store.ActiveSession(ctx)
	if err != nil {
		return err
	}
	if sess == nil {
		return nil
	}
	phases, err := e.store.ListPhases(ctx, sess.ID)
	if err != nil {
		return err
	}
	seq, err := e.store.MaxSequence(ctx, sess.ID)
	if err != nil {
		return err
	}
	counts, err := e.store.CountChildren(ctx, sess.ID)
	if err != nil {
		return err
	}
	recent, err := e.store.RecentChanges(ctx, sess.ID, protocol.RecentChangesLimit)
	if err != nil {
		return err
	}
	e.st = state{
		session:  sess,
		phases:   phases,
		seq:      seq,
		counts:   counts,
		coalesce: make(map[string]*pending),
		recent:   recent,
	}
	e.log.Info("recovered in-progress session", "session_id", sess.ID, "phases", len(phases), "interactions", seq)
	e.logEvent(ctx, protocol.EventSessionRecovered, sess.ID, map[string]any{"phases": len(phases)})
	e.notify(Transition{Kind: SessionRecovered, Session: *sess})
	return nil
}

// Status returns the latest published snapshot. Session is nil when idle.
func (e *Engine) Status() protocol.StatusSnapshot {
	e.snapMu.RLock()
	snap := e.snap
	e.snapMu.RUnlock()
	if snap.Session != nil {
		snap.ElapsedMinutes = protocol.Minutes(snap.Session.StartedAt, e.nowFunc())
	}
	return snap
}

// publish copies the writer state into the read snapshot.
func (e *Engine) publish() {
	var snap protocol.StatusSnapshot
	if s := e.st.session; s != nil {
		sess := *s
		snap.Session = &sess
		if p := e.openPhase(); p != nil {
			ph := *p
			snap.OpenPhase = &ph
		}
		snap.Interactions = e.st.counts.Interactions
		snap.Changes = e.st.counts.Changes
		snap.Milestones = e.st.counts.Milestones
		snap.RecentChanges = append([]protocol.CodeChange(nil), e.st.recent...)
	}
	e.snapMu.Lock()
	e.snap = snap
	e.snapMu.Unlock()
}

func (e *Engine) notify(t Transition) {
	e.hookMu.Lock()
	obs := slices.Clone(e.observers)
	e.hookMu.Unlock()
	for _, o := range obs {
		o(t)
	}
}

// logEvent persists an event. Failures are logged, never returned.
func (e *Engine) logEvent(ctx context.Context, typ, sessionID string, payload any) {
	if err := e.store.LogEvent(ctx, typ, protocol.SourceEngine, sessionID, payload); err != nil {
		e.log.Warn("log event failed", "type", typ, "error", err)
	}
}

// requireSession returns the active session or a *protocol.NotFoundError.
func (e *Engine) requireSession() (*protocol.Session, error) {
	if e.st.session == nil {
		return nil, protocol.NewNotFound("active session", "")
	}
	return e.st.session, nil
}

// openPhase returns the open phase of the active session, if any.
func (e *Engine) openPhase() *protocol.Phase {
	if n := len(e.st.phases); n > 0 && e.st.phases[n-1].Open() {
		return &e.st.phases[n-1]
	}
	return nil
}

// phaseAt returns the id of the phase whose [start, end) contains t.
func (e *Engine) phaseAt(t time.Time) *int64 {
	for i := len(e.st.phases) - 1; i >= 0; i-- {
		if e.st.phases[i].Contains(t) {
			id := e.st.phases[i].ID
			return &id
		}
	}
	return nil
}

// now returns the current time, never earlier than the session start so
// elapsed values stay non-negative under clock adjustments.
func (e *Engine) now() time.Time {
	t := e.nowFunc().UTC()
	if s := e.st.session; s != nil && t.Before(s.StartedAt) {
		return s.StartedAt
	}
	return t
}
