// Package monitor implements the monitoring correlator. It turns file-system
// notifications into line deltas against per-session content snapshots,
// hands them to the lifecycle engine, and periodically attributes recorded
// changes to git commits.
//
// Monitoring is best-effort: a failing event source or git log only degrades
// the correlator with a warning, the session stays usable.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"aieval/pkg/lifecycle"
	"aieval/pkg/protocol"
)

// Sink receives correlated deltas and commits. *lifecycle.Engine satisfies it.
type Sink interface {
	Status() protocol.StatusSnapshot
	Observe(ctx context.Context, sessionID string, d protocol.FileDelta) (lifecycle.Outcome, error)
	AttributeCommits(ctx context.Context, sessionID string, commits []protocol.Commit) (int, error)
}

// EventLogger persists monitoring events. *store.Store satisfies it.
type EventLogger interface {
	LogEvent(ctx context.Context, typ, source, sessionID string, payload any) error
}

// Config holds Correlator configuration.
type Config struct {
	CoalesceWindow   time.Duration // Rename pairing window (default 2s).
	GitPollInterval  time.Duration // Commit reconcile interval (default 30s).
	MaxSnapshotBytes int64         // Larger files yield zero deltas (default 1 MiB).
	EventBuffer      int           // Event source buffer (default 256).
	Ignore           []string      // Doublestar globs relative to the watch root.
	StoreDiffs       bool          // Keep a unified diff on each change.
	Logger           *slog.Logger  // nil means slog.Default().
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.CoalesceWindow == 0 {
		out.CoalesceWindow = protocol.DefaultCoalesceWindow
	}
	if out.GitPollInterval == 0 {
		out.GitPollInterval = protocol.DefaultGitPollInterval
	}
	if out.MaxSnapshotBytes == 0 {
		out.MaxSnapshotBytes = protocol.DefaultMaxSnapshotBytes
	}
	if out.EventBuffer == 0 {
		out.EventBuffer = protocol.DefaultEventBuffer
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return out
}

// SourceFactory opens an event source for a watch root.
type SourceFactory func(root string, ignore *IgnoreMatcher, buffer int, log *slog.Logger) (Source, error)

// parked is the old half of a rename waiting for its new name.
type parked struct {
	path string
	snap snapshot
	at   time.Time
}

// run is one monitoring run between Start and Stop.
type run struct {
	id        string
	root      string
	startedAt time.Time
	ignore    *IgnoreMatcher
	src       Source
	cancel    context.CancelFunc
	done      chan struct{}
	wake      chan struct{}

	// guarded by Correlator.mu
	sessionID   string
	changes     int
	commits     int
	warning     string
	gitDisabled bool
	degraded    bool
}

// Correlator connects an event source and the git log to a Sink.
type Correlator struct {
	cfg    Config
	sink   Sink
	events EventLogger
	git    GitRunner
	log    *slog.Logger

	newSource SourceFactory

	mu       sync.Mutex
	run      *run
	starting bool

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
}

// New creates an idle Correlator.
func New(cfg Config, sink Sink, events EventLogger, git GitRunner) *Correlator {
	resolved := cfg.withDefaults()
	if git == nil {
		git = &ExecGitRunner{}
	}
	return &Correlator{
		cfg:    resolved,
		sink:   sink,
		events: events,
		git:    git,
		log:    resolved.Logger,
		newSource: func(root string, ignore *IgnoreMatcher, buffer int, log *slog.Logger) (Source, error) {
			return NewFSNotifySource(root, ignore, buffer, log)
		},
		nowFunc: time.Now,
	}
}

// Start begins monitoring path. It fails with a *protocol.ConflictError when
// a run is already active and a *protocol.ValidationError when path is not an
// existing directory. A path outside a git work tree is not an error: commit
// attribution is disabled and reported as a warning.
//
// The git check and snapshot priming run without holding the correlator
// lock; a concurrent Start meanwhile fails with a conflict.
func (c *Correlator) Start(ctx context.Context, path string) (protocol.MonitorStatus, error) {
	c.mu.Lock()
	switch {
	case c.run != nil:
		root := c.run.root
		c.mu.Unlock()
		return protocol.MonitorStatus{}, protocol.NewConflict("start monitor", fmt.Sprintf("already monitoring %s", root))
	case c.starting:
		c.mu.Unlock()
		return protocol.MonitorStatus{}, protocol.NewConflict("start monitor", "another start is in progress")
	}
	c.starting = true
	c.mu.Unlock()

	r, cache, err := c.prepare(ctx, path)
	var runCtx context.Context
	if err == nil {
		runCtx, r.cancel = context.WithCancel(context.WithoutCancel(ctx))
	}

	c.mu.Lock()
	c.starting = false
	if err != nil {
		c.mu.Unlock()
		return protocol.MonitorStatus{}, err
	}
	c.run = r
	st := c.statusLocked()
	c.mu.Unlock()

	c.log.Info("monitor started", "run_id", r.id, "path", r.root, "git", !r.gitDisabled)
	c.logEvent(ctx, protocol.EventMonitorStarted, st.SessionID, map[string]any{
		"run_id": r.id, "path": r.root, "git_disabled": r.gitDisabled,
	})

	go c.loop(runCtx, r, cache)
	return st, nil
}

// prepare validates path, opens the event source, checks for a git work tree
// and primes snapshots for an active session. The returned run is not yet
// published.
func (c *Correlator) prepare(ctx context.Context, path string) (*run, *snapshotCache, error) {
	if path == "" {
		return nil, nil, protocol.NewValidation("watch path", "", "must not be empty")
	}
	root, err := filepath.Abs(path)
	if err != nil {
		return nil, nil, protocol.NewValidation("watch path", path, err.Error())
	}
	info, err := os.Stat(root)
	if err != nil || !info.IsDir() {
		return nil, nil, protocol.NewValidation("watch path", path, "must be an existing directory")
	}
	ignore, err := NewIgnoreMatcher(c.cfg.Ignore)
	if err != nil {
		return nil, nil, err
	}
	src, err := c.newSource(root, ignore, c.cfg.EventBuffer, c.log)
	if err != nil {
		return nil, nil, &protocol.ExternalSourceError{Source: "fsnotify", Err: err}
	}

	r := &run{
		id:        ulid.Make().String(),
		root:      root,
		startedAt: c.nowFunc().UTC(),
		ignore:    ignore,
		src:       src,
		done:      make(chan struct{}),
		wake:      make(chan struct{}, 1),
	}
	if err := checkRepo(ctx, c.git, root); err != nil {
		r.gitDisabled = true
		r.warning = err.Error()
		c.log.Warn("commit attribution disabled", "path", root, "error", err)
	}
	cache := newSnapshotCache(root, c.cfg.MaxSnapshotBytes)
	if id := c.sessionID(); id != "" {
		c.rebind(r, cache, id)
		r.sessionID = id
	}
	return r, cache, nil
}

// Stop ends the active run and returns how many changes it recorded. It
// fails with a *protocol.NotFoundError when no run is active.
func (c *Correlator) Stop(ctx context.Context) (protocol.StopSummary, error) {
	c.mu.Lock()
	r := c.run
	c.mu.Unlock()
	if r == nil {
		return protocol.StopSummary{}, protocol.NewNotFound("monitor run", "")
	}

	r.cancel()
	if err := r.src.Close(); err != nil {
		c.log.Warn("close event source", "run_id", r.id, "error", err)
	}
	select {
	case <-r.done:
	case <-ctx.Done():
		return protocol.StopSummary{}, ctx.Err()
	}

	c.mu.Lock()
	if c.run == r {
		c.run = nil
	}
	sum := protocol.StopSummary{
		RunID:   r.id,
		Changes: r.changes,
		Dropped: r.src.Dropped(),
		Warning: r.warning,
	}
	c.mu.Unlock()

	c.log.Info("monitor stopped", "run_id", r.id, "changes", sum.Changes, "dropped", sum.Dropped)
	c.logEvent(ctx, protocol.EventMonitorStopped, c.sessionID(), sum)
	return sum, nil
}

// Status describes the active run, or reports Running=false.
func (c *Correlator) Status() protocol.MonitorStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusLocked()
}

func (c *Correlator) statusLocked() protocol.MonitorStatus {
	r := c.run
	if r == nil {
		return protocol.MonitorStatus{}
	}
	started := r.startedAt
	return protocol.MonitorStatus{
		Running:     true,
		RunID:       r.id,
		SessionID:   r.sessionID,
		WatchPath:   r.root,
		StartedAt:   &started,
		Changes:     r.changes,
		Dropped:     r.src.Dropped(),
		Commits:     r.commits,
		Warning:     r.warning,
		GitDisabled: r.gitDisabled,
	}
}

// Notify wakes the run loop after a lifecycle transition so snapshots are
// primed at session start and dropped at session end. It never blocks and
// is meant to be registered with (*lifecycle.Engine).OnTransition.
func (c *Correlator) Notify(t lifecycle.Transition) {
	switch t.Kind {
	case lifecycle.SessionStarted, lifecycle.SessionRecovered, lifecycle.SessionEnded:
	default:
		return
	}
	c.mu.Lock()
	r := c.run
	c.mu.Unlock()
	if r == nil {
		return
	}
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Reconcile attributes the session's changes to the commits made so far. It
// is meant to run as a before-close hook so the last commits are picked up
// before the session ends.
func (c *Correlator) Reconcile(ctx context.Context, sessionID string) {
	c.mu.Lock()
	r := c.run
	c.mu.Unlock()
	if r == nil {
		return
	}
	c.reconcile(ctx, r, sessionID)
}

func (c *Correlator) loop(ctx context.Context, r *run, cache *snapshotCache) {
	defer close(r.done)

	renames := make(map[string]parked)

	events := r.src.Events()
	errs := r.src.Errors()
	gitTick := time.NewTicker(c.cfg.GitPollInterval)
	defer gitTick.Stop()
	flush := time.NewTicker(c.cfg.CoalesceWindow)
	defer flush.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				events, errs = nil, nil
				if ctx.Err() == nil {
					c.degrade(ctx, r, errors.New("event source closed"))
				}
				continue
			}
			c.syncSession(r, cache)
			c.handle(ctx, r, cache, renames, ev)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			c.degrade(ctx, r, err)
			_ = r.src.Close()
		case <-r.wake:
			c.syncSession(r, cache)
			clear(renames)
		case <-gitTick.C:
			if cache.sessionID != "" {
				c.reconcile(ctx, r, cache.sessionID)
			}
		case <-flush.C:
			c.flushRenames(ctx, r, cache, renames)
		}
	}
}

// syncSession binds the snapshot cache to the active session, priming it
// when a new session has started and dropping it when the session is over.
func (c *Correlator) syncSession(r *run, cache *snapshotCache) {
	id := c.sessionID()
	if id == cache.sessionID {
		return
	}
	c.rebind(r, cache, id)
	c.mu.Lock()
	r.sessionID = id
	c.mu.Unlock()
}

func (c *Correlator) rebind(r *run, cache *snapshotCache, sessionID string) {
	cache.reset(sessionID)
	if sessionID == "" {
		c.log.Debug("snapshots dropped", "run_id", r.id)
		return
	}
	n := cache.prime(r.ignore)
	c.log.Debug("snapshots primed", "run_id", r.id, "session_id", sessionID, "files", n)
}

func (c *Correlator) handle(ctx context.Context, r *run, cache *snapshotCache, renames map[string]parked, ev RawEvent) {
	if cache.sessionID == "" {
		return // idle: monitoring ahead of a session is allowed, nothing is recorded
	}
	ts := ev.Time.UTC()
	if ev.Time.IsZero() {
		ts = c.nowFunc().UTC()
	}

	d := protocol.FileDelta{Path: ev.Path, Timestamp: ts}
	switch ev.Op {
	case OpRename:
		old, ok := cache.get(ev.Path)
		if !ok {
			return
		}
		cache.remove(ev.Path)
		renames[ev.Path] = parked{path: ev.Path, snap: old, at: ts}
		return

	case OpCreate:
		cur, ok := cache.load(ev.Path)
		if !ok {
			return
		}
		prev, known := cache.get(ev.Path)
		// Editors that save by moving the old file aside recreate the path.
		if p, ok := renames[ev.Path]; ok && !known {
			delete(renames, ev.Path)
			prev, known = p.snap, true
		}
		cache.put(ev.Path, cur)
		if known {
			d.Kind = protocol.ChangeModify
			c.fillDelta(&d, ev.Path, ev.Path, prev, cur)
			if d.Delta == (protocol.LineDelta{}) && !cur.skip {
				return
			}
			break
		}
		if from, ok := c.pairRename(renames, cur, ts); ok {
			d.Kind = protocol.ChangeRename
			d.OldPath = from.path
			break
		}
		d.Kind = protocol.ChangeCreate
		c.fillDelta(&d, ev.Path, ev.Path, snapshot{}, cur)

	case OpWrite:
		cur, ok := cache.load(ev.Path)
		if !ok {
			return
		}
		prev, known := cache.get(ev.Path)
		cache.put(ev.Path, cur)
		d.Kind = protocol.ChangeModify
		if !known {
			d.Kind = protocol.ChangeCreate
		}
		c.fillDelta(&d, ev.Path, ev.Path, prev, cur)
		if d.Delta == (protocol.LineDelta{}) && known && !cur.skip {
			return // rewrite with identical content
		}

	case OpRemove:
		prev, known := cache.get(ev.Path)
		if !known {
			return
		}
		cache.remove(ev.Path)
		d.Kind = protocol.ChangeDelete
		c.fillDelta(&d, ev.Path, ev.Path, prev, snapshot{})

	default:
		return
	}
	c.observe(ctx, r, cache.sessionID, d)
}

// pairRename finds a parked rename source with the same content.
func (c *Correlator) pairRename(renames map[string]parked, cur snapshot, ts time.Time) (parked, bool) {
	for path, p := range renames {
		if ts.Sub(p.at) > c.cfg.CoalesceWindow {
			continue
		}
		if sameContent(p.snap, cur) || (p.snap.skip && cur.skip) {
			delete(renames, path)
			return p, true
		}
	}
	return parked{}, false
}

// flushRenames records renames whose new name never showed up as deletes;
// the file moved out of the watched tree.
func (c *Correlator) flushRenames(ctx context.Context, r *run, cache *snapshotCache, renames map[string]parked) {
	now := c.nowFunc().UTC()
	for path, p := range renames {
		if now.Sub(p.at) <= c.cfg.CoalesceWindow {
			continue
		}
		delete(renames, path)
		if cache.sessionID == "" {
			continue
		}
		d := protocol.FileDelta{Path: p.path, Kind: protocol.ChangeDelete, Timestamp: p.at}
		c.fillDelta(&d, p.path, p.path, p.snap, snapshot{})
		c.observe(ctx, r, cache.sessionID, d)
	}
}

func (c *Correlator) fillDelta(d *protocol.FileDelta, from, to string, prev, cur snapshot) {
	if prev.skip || cur.skip {
		return
	}
	d.Delta = lineDelta(prev.lines, cur.lines)
	if c.cfg.StoreDiffs {
		d.Diff = unifiedDiff(from, to, prev.lines, cur.lines)
	}
}

func (c *Correlator) observe(ctx context.Context, r *run, sessionID string, d protocol.FileDelta) {
	out, err := c.sink.Observe(ctx, sessionID, d)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			c.log.Warn("record change failed", "run_id", r.id, "path", d.Path, "error", err)
		}
		return
	}
	if out == lifecycle.Recorded {
		c.mu.Lock()
		r.changes++
		c.mu.Unlock()
	}
	c.log.Debug("change observed", "run_id", r.id, "path", d.Path, "kind", d.Kind, "outcome", out)
}

// reconcile reads commits since the session start and attributes changes.
// A git failure disables attribution for the rest of the run.
func (c *Correlator) reconcile(ctx context.Context, r *run, sessionID string) {
	c.mu.Lock()
	disabled := r.gitDisabled
	c.mu.Unlock()
	if disabled {
		return
	}
	snap := c.sink.Status()
	if snap.Session == nil || snap.Session.ID != sessionID {
		return
	}

	commits, err := GitLog(ctx, c.git, r.root, snap.Session.StartedAt)
	if err != nil {
		c.mu.Lock()
		r.gitDisabled = true
		r.warning = err.Error()
		c.mu.Unlock()
		c.log.Warn("commit attribution disabled", "run_id", r.id, "error", err)
		c.logEvent(ctx, protocol.EventMonitorDegraded, sessionID, map[string]any{"run_id": r.id, "error": err.Error()})
		return
	}
	// Commit times have second resolution; a commit covers its whole second.
	inSession := 0
	for i := range commits {
		commits[i].CommittedAt = commits[i].CommittedAt.Add(time.Second - time.Nanosecond)
		if commits[i].CommittedAt.After(snap.Session.StartedAt) {
			inSession++
		}
	}
	n, err := c.sink.AttributeCommits(ctx, sessionID, commits)
	if err != nil {
		c.log.Warn("attribute commits failed", "run_id", r.id, "error", err)
		return
	}
	c.mu.Lock()
	r.commits = inSession
	c.mu.Unlock()
	if n > 0 {
		c.log.Info("changes attributed to commits", "run_id", r.id, "changes", n)
	}
}

// degrade records a source failure. The run stays registered so git
// reconciliation continues and Stop still reports a summary.
func (c *Correlator) degrade(ctx context.Context, r *run, cause error) {
	ext := &protocol.ExternalSourceError{Source: "fsnotify", Err: cause}
	c.mu.Lock()
	if r.degraded {
		c.mu.Unlock()
		return
	}
	r.degraded = true
	r.warning = ext.Error()
	c.mu.Unlock()

	c.log.Warn("monitoring degraded", "run_id", r.id, "error", cause)
	c.logEvent(ctx, protocol.EventMonitorDegraded, c.sessionID(), map[string]any{"run_id": r.id, "error": cause.Error()})
}

func (c *Correlator) sessionID() string {
	if s := c.sink.Status().Session; s != nil {
		return s.ID
	}
	return ""
}

func (c *Correlator) logEvent(ctx context.Context, typ, sessionID string, payload any) {
	if c.events == nil {
		return
	}
	if err := c.events.LogEvent(ctx, typ, protocol.SourceMonitor, sessionID, payload); err != nil {
		c.log.Warn("log event failed", "type", typ, "error", err)
	}
}
