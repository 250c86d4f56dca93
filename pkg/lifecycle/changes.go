package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"aieval/pkg/protocol"
)

// Outcome says what Observe did with a delta.
type Outcome string

// Observe outcomes.
const (
	Discarded Outcome = "discarded"
	Recorded  Outcome = "recorded"
	Merged    Outcome = "merged"
)

// Observe writes a monitored file delta into the change log of session
// sessionID. The delta is discarded when that session is no longer active or
// when it predates the session start. A delta for a path whose last row is
// within the coalescing window, in the same phase and not yet attributed to a
// commit is merged into that row.
func (e *Engine) Observe(ctx context.Context, sessionID string, d protocol.FileDelta) (Outcome, error) {
	if !d.Kind.Valid() {
		return Discarded, protocol.NewValidation("change kind", string(d.Kind), "must be one of create, modify, delete, rename")
	}
	if err := d.Delta.Validate(); err != nil {
		return Discarded, err
	}

	out := Discarded
	err := e.do(ctx, func(ctx context.Context) error {
		sess := e.st.session
		if sess == nil || sess.ID != sessionID {
			return nil
		}
		ts := d.Timestamp.UTC()
		if d.Timestamp.IsZero() {
			ts = e.now()
		}
		if ts.Before(sess.StartedAt) {
			return nil
		}
		phaseID := e.phaseAt(ts)

		if d.OldPath != "" {
			delete(e.st.coalesce, d.OldPath)
		}
		if p, ok := e.st.coalesce[d.Path]; ok && e.coalescible(p, ts, phaseID) {
			merged, err := e.merge(ctx, p, d, ts)
			if err != nil {
				return err
			}
			if merged {
				out = Merged
				return nil
			}
		}

		c := protocol.CodeChange{
			SessionID: sess.ID,
			PhaseID:   phaseID,
			Path:      d.Path,
			OldPath:   d.OldPath,
			Kind:      d.Kind,
			Timestamp: ts,
			Delta:     d.Delta,
			Source:    protocol.ChangeSourceMonitor,
			Diff:      d.Diff,
		}
		id, err := e.store.InsertChange(ctx, c)
		if err != nil {
			return fmt.Errorf("record change: %w", err)
		}
		c.ID = id
		e.st.counts.Changes++
		e.st.coalesce[d.Path] = &pending{change: c, last: ts}
		e.remember(c)
		out = Recorded
		return nil
	})
	if err != nil {
		return Discarded, err
	}
	return out, nil
}

func (e *Engine) coalescible(p *pending, ts time.Time, phaseID *int64) bool {
	gap := ts.Sub(p.last)
	if gap < 0 {
		gap = -gap
	}
	if gap > e.cfg.CoalesceWindow || p.change.CommitHash != "" {
		return false
	}
	switch {
	case p.change.PhaseID == nil && phaseID == nil:
		return true
	case p.change.PhaseID == nil || phaseID == nil:
		return false
	default:
		return *p.change.PhaseID == *phaseID
	}
}

// merge folds d into the pending row. It reports false when the row can no
// longer be merged into, e.g. because a commit claimed it meanwhile.
func (e *Engine) merge(ctx context.Context, p *pending, d protocol.FileDelta, ts time.Time) (bool, error) {
	c := p.change
	c.Kind = protocol.MergeKind(c.Kind, d.Kind)
	c.Delta = c.Delta.Plus(d.Delta)
	if ts.After(c.Timestamp) {
		c.Timestamp = ts
	}
	if d.OldPath != "" {
		c.OldPath = d.OldPath
	}
	switch {
	case c.Diff == "":
		c.Diff = d.Diff
	case d.Diff != "":
		c.Diff += "\n" + d.Diff
	}

	err := e.store.MergeChange(ctx, c)
	if errors.Is(err, protocol.ErrNotFound) {
		delete(e.st.coalesce, d.Path)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("merge change: %w", err)
	}
	p.change = c
	p.last = c.Timestamp
	e.remember(c)
	return true, nil
}

// AttributeCommits stamps commit hashes on the uncommitted changes of
// session sessionID. Commits are ordered by commit time; each commit owns the
// changes after the previous commit (or the session start) up to and
// including its own second. Changes after the newest commit stay uncommitted.
// It returns the number of changes attributed.
func (e *Engine) AttributeCommits(ctx context.Context, sessionID string, commits []protocol.Commit) (int, error) {
	var total int
	err := e.do(ctx, func(ctx context.Context) error {
		sess := e.st.session
		if sess == nil || sess.ID != sessionID {
			return nil
		}

		inSession := make([]protocol.Commit, 0, len(commits))
		for _, c := range commits {
			if c.Hash != "" && c.CommittedAt.After(sess.StartedAt) {
				inSession = append(inSession, c)
			}
		}
		if len(inSession) == 0 {
			return nil
		}
		sort.SliceStable(inSession, func(i, j int) bool {
			return inSession[i].CommittedAt.Before(inSession[j].CommittedAt)
		})

		after := sess.StartedAt.Add(-time.Nanosecond)
		var hashes []string
		for _, c := range inSession {
			upTo := commitBound(c.CommittedAt)
			n, err := e.store.AttributeCommit(ctx, sess.ID, c.Hash, after, upTo)
			if err != nil {
				return err
			}
			if n > 0 {
				total += int(n)
				hashes = append(hashes, c.Hash)
			}
			after = upTo
		}
		if total == 0 {
			return nil
		}

		for path, p := range e.st.coalesce {
			if !p.change.Timestamp.After(after) {
				delete(e.st.coalesce, path)
			}
		}
		recent, err := e.store.RecentChanges(ctx, sess.ID, protocol.RecentChangesLimit)
		if err != nil {
			e.log.Warn("refresh recent changes failed", "session_id", sess.ID, "error", err)
		} else {
			e.st.recent = recent
		}

		e.log.Info("commits attributed", "session_id", sess.ID, "changes", total, "commits", len(hashes))
		e.logEvent(ctx, protocol.EventCommitsAttributed, sess.ID, map[string]any{
			"changes": total, "commits": hashes,
		})
		return nil
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}

// MarkAIGenerated flags the active session's changes to files whose path
// contains path as AI-generated. With a commit hash only that commit's
// changes are flagged; without one, changes from the last
// protocol.AIMarkWindow are. It returns the number of changes flagged.
func (e *Engine) MarkAIGenerated(ctx context.Context, path, commitHash string) (int, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return 0, protocol.NewValidation("path", "", "must not be empty")
	}
	commitHash = strings.TrimSpace(commitHash)

	var marked int
	err := e.do(ctx, func(ctx context.Context) error {
		sess, err := e.requireSession()
		if err != nil {
			return err
		}
		ids, err := e.store.MarkChangesAIGenerated(ctx, sess.ID, path, commitHash, e.now().Add(-protocol.AIMarkWindow))
		if err != nil {
			return err
		}
		marked = len(ids)
		if marked == 0 {
			return nil
		}

		flagged := make(map[int64]bool, len(ids))
		for _, id := range ids {
			flagged[id] = true
		}
		for _, p := range e.st.coalesce {
			if flagged[p.change.ID] {
				p.change.AIGenerated = true
			}
		}
		for i := range e.st.recent {
			if flagged[e.st.recent[i].ID] {
				e.st.recent[i].AIGenerated = true
			}
		}

		e.log.Info("changes marked ai-generated", "session_id", sess.ID, "path", path, "changes", marked)
		e.logEvent(ctx, protocol.EventChangesMarkedAI, sess.ID, map[string]any{
			"path": path, "commit": commitHash, "changes": marked,
		})
		return nil
	})
	if err != nil {
		return 0, err
	}
	return marked, nil
}

// commitBound is the last instant a commit can own. git records whole
// seconds, so a change written within the commit's second still belongs to it.
func commitBound(t time.Time) time.Time {
	t = t.UTC()
	if t.Nanosecond() == 0 {
		return t.Add(time.Second - time.Nanosecond)
	}
	return t
}

// remember keeps the newest changes for the status snapshot, newest first.
func (e *Engine) remember(c protocol.CodeChange) {
	recent := make([]protocol.CodeChange, 0, protocol.RecentChangesLimit)
	recent = append(recent, c)
	for _, r := range e.st.recent {
		if r.ID == c.ID {
			continue
		}
		if len(recent) == protocol.RecentChangesLimit {
			break
		}
		recent = append(recent, r)
	}
	e.st.recent = recent
}
