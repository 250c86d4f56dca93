package lifecycle //nolint:testpackage // internal white-box tests need access to unexported fields

import (
	"context"
	"errors"
	"testing"
	"time"

	"aieval/pkg/protocol"
)

func delta(path string, kind protocol.ChangeKind, at time.Duration, added, deleted, modified int) protocol.FileDelta {
	return protocol.FileDelta{
		Path:      path,
		Kind:      kind,
		Timestamp: t0.Add(at),
		Delta:     protocol.LineDelta{Added: added, Deleted: deleted, Modified: modified},
	}
}

func TestObserveCoalescesRapidNotifications(t *testing.T) {
	st := openStore(t)
	e, _, _ := startEngine(t, st, Config{CoalesceWindow: 2 * time.Second})
	ctx := context.Background()
	sess := startSession(t, e)

	steps := []struct {
		d    protocol.FileDelta
		want Outcome
	}{
		{delta("main.go", protocol.ChangeModify, 10*time.Second, 3, 0, 1), Recorded},
		{delta("main.go", protocol.ChangeModify, 11*time.Second, 2, 1, 0), Merged},
		{delta("main.go", protocol.ChangeModify, 12500*time.Millisecond, 1, 0, 2), Merged},
	}
	for i, s := range steps {
		got, err := e.Observe(ctx, sess.ID, s.d)
		if err != nil {
			t.Fatalf("observe %d: %v", i, err)
		}
		if got != s.want {
			t.Errorf("observe %d = %s, want %s", i, got, s.want)
		}
	}

	changes, err := st.ListChanges(ctx, sess.ID)
	if err != nil {
		t.Fatalf("list changes: %v", err)
	}
	if len(changes) != 1 {
		t.Fatalf("expected 1 coalesced change, got %d", len(changes))
	}
	c := changes[0]
	if c.Delta != (protocol.LineDelta{Added: 6, Deleted: 1, Modified: 3}) {
		t.Errorf("delta = %+v, want summed 6/1/3", c.Delta)
	}
	if !c.Timestamp.Equal(t0.Add(12500 * time.Millisecond)) {
		t.Errorf("timestamp = %v, want latest", c.Timestamp)
	}
	if c.Source != protocol.ChangeSourceMonitor {
		t.Errorf("source = %q", c.Source)
	}
	if e.Status().Changes != 1 {
		t.Errorf("status changes = %d, want 1", e.Status().Changes)
	}

	// Outside the window a new row starts.
	got, err := e.Observe(ctx, sess.ID, delta("main.go", protocol.ChangeModify, 30*time.Second, 1, 0, 0))
	if err != nil || got != Recorded {
		t.Fatalf("observe after window = %s, %v; want recorded", got, err)
	}
	// Other paths never merge.
	got, err = e.Observe(ctx, sess.ID, delta("util.go", protocol.ChangeCreate, 30*time.Second, 5, 0, 0))
	if err != nil || got != Recorded {
		t.Fatalf("observe other path = %s, %v; want recorded", got, err)
	}
	if n := e.Status().Changes; n != 3 {
		t.Errorf("status changes = %d, want 3", n)
	}
}

func TestObserveMergedKind(t *testing.T) {
	st := openStore(t)
	e, _, _ := startEngine(t, st, Config{})
	ctx := context.Background()
	sess := startSession(t, e)

	for _, d := range []protocol.FileDelta{
		delta("new.go", protocol.ChangeCreate, time.Second, 10, 0, 0),
		delta("new.go", protocol.ChangeModify, 2*time.Second, 2, 0, 0),
		delta("gone.go", protocol.ChangeModify, time.Second, 1, 0, 0),
		delta("gone.go", protocol.ChangeDelete, 2*time.Second, 0, 11, 0),
	} {
		if _, err := e.Observe(ctx, sess.ID, d); err != nil {
			t.Fatalf("observe: %v", err)
		}
	}

	changes, err := st.ListChanges(ctx, sess.ID)
	if err != nil {
		t.Fatalf("list changes: %v", err)
	}
	kinds := map[string]protocol.ChangeKind{}
	for _, c := range changes {
		kinds[c.Path] = c.Kind
	}
	if kinds["new.go"] != protocol.ChangeCreate {
		t.Errorf("new.go kind = %s, want create", kinds["new.go"])
	}
	if kinds["gone.go"] != protocol.ChangeDelete {
		t.Errorf("gone.go kind = %s, want delete", kinds["gone.go"])
	}
}

func TestObserveDoesNotMergeAcrossPhases(t *testing.T) {
	st := openStore(t)
	e, clock, _ := startEngine(t, st, Config{CoalesceWindow: time.Minute})
	ctx := context.Background()
	sess := startSession(t, e)

	clock.Advance(10 * time.Second)
	p, err := e.StartPhase(ctx, "debugging", "")
	if err != nil {
		t.Fatalf("start phase: %v", err)
	}
	if _, err := e.Observe(ctx, sess.ID, delta("a.go", protocol.ChangeModify, 15*time.Second, 1, 0, 0)); err != nil {
		t.Fatalf("observe: %v", err)
	}
	clock.Advance(10 * time.Second)
	if _, err := e.CompletePhase(ctx); err != nil {
		t.Fatalf("complete phase: %v", err)
	}
	got, err := e.Observe(ctx, sess.ID, delta("a.go", protocol.ChangeModify, 25*time.Second, 1, 0, 0))
	if err != nil {
		t.Fatalf("observe: %v", err)
	}
	if got != Recorded {
		t.Fatalf("change after phase close = %s, want recorded", got)
	}

	changes, err := st.ListChanges(ctx, sess.ID)
	if err != nil {
		t.Fatalf("list changes: %v", err)
	}
	if len(changes) != 2 {
		t.Fatalf("expected 2 changes, got %d", len(changes))
	}
	if changes[0].PhaseID == nil || *changes[0].PhaseID != p.ID {
		t.Errorf("first change phase = %v, want %d", changes[0].PhaseID, p.ID)
	}
	if changes[1].PhaseID != nil {
		t.Errorf("change after phase close attributed to phase %d", *changes[1].PhaseID)
	}
}

func TestObserveDiscards(t *testing.T) {
	st := openStore(t)
	e, _, _ := startEngine(t, st, Config{})
	ctx := context.Background()

	got, err := e.Observe(ctx, "sess-a", delta("a.go", protocol.ChangeModify, time.Second, 1, 0, 0))
	if err != nil || got != Discarded {
		t.Fatalf("observe while idle = %s, %v; want discarded", got, err)
	}

	sess := startSession(t, e)
	got, err = e.Observe(ctx, sess.ID, delta("a.go", protocol.ChangeModify, -time.Second, 1, 0, 0))
	if err != nil || got != Discarded {
		t.Fatalf("observe before start = %s, %v; want discarded", got, err)
	}
	got, err = e.Observe(ctx, "some-older-session", delta("a.go", protocol.ChangeModify, time.Second, 1, 0, 0))
	if err != nil || got != Discarded {
		t.Fatalf("observe for other session = %s, %v; want discarded", got, err)
	}

	_, err = e.Observe(ctx, sess.ID, delta("a.go", protocol.ChangeModify, time.Second, -1, 0, 0))
	if !errors.Is(err, protocol.ErrValidation) {
		t.Fatalf("negative delta: expected validation error, got %v", err)
	}

	changes, _ := st.ListChanges(ctx, sess.ID)
	if len(changes) != 0 {
		t.Errorf("expected no changes, got %d", len(changes))
	}
}

func TestAttributeCommits(t *testing.T) {
	st := openStore(t)
	e, _, _ := startEngine(t, st, Config{})
	ctx := context.Background()
	sess := startSession(t, e)

	for _, d := range []protocol.FileDelta{
		delta("a.go", protocol.ChangeModify, time.Minute, 1, 0, 0),
		delta("b.go", protocol.ChangeModify, 5*time.Minute, 1, 0, 0),
		delta("c.go", protocol.ChangeModify, 20*time.Minute, 1, 0, 0),
	} {
		if _, err := e.Observe(ctx, sess.ID, d); err != nil {
			t.Fatalf("observe: %v", err)
		}
	}

	commits := []protocol.Commit{
		{Hash: "c2", CommittedAt: t0.Add(10 * time.Minute)},
		{Hash: "c1", CommittedAt: t0.Add(3 * time.Minute)},
		{Hash: "old", CommittedAt: t0.Add(-time.Hour)},
	}
	n, err := e.AttributeCommits(ctx, sess.ID, commits)
	if err != nil {
		t.Fatalf("attribute commits: %v", err)
	}
	if n != 2 {
		t.Errorf("attributed %d changes, want 2", n)
	}

	changes, err := st.ListChanges(ctx, sess.ID)
	if err != nil {
		t.Fatalf("list changes: %v", err)
	}
	want := map[string]string{"a.go": "c1", "b.go": "c2", "c.go": ""}
	for _, c := range changes {
		if c.CommitHash != want[c.Path] {
			t.Errorf("%s commit = %q, want %q", c.Path, c.CommitHash, want[c.Path])
		}
	}

	// A repeated reconcile is idempotent and a later commit picks up the rest.
	commits = append(commits, protocol.Commit{Hash: "c3", CommittedAt: t0.Add(25 * time.Minute)})
	n, err = e.AttributeCommits(ctx, sess.ID, commits)
	if err != nil {
		t.Fatalf("attribute commits: %v", err)
	}
	if n != 1 {
		t.Errorf("second pass attributed %d, want 1", n)
	}
	changes, _ = st.ListChanges(ctx, sess.ID)
	if changes[2].CommitHash != "c3" {
		t.Errorf("c.go commit = %q, want c3", changes[2].CommitHash)
	}
}

func TestAttributeCommits_GitSecondResolution(t *testing.T) {
	st := openStore(t)
	e, _, _ := startEngine(t, st, Config{})
	ctx := context.Background()
	sess := startSession(t, e)

	// Saved at 3m0.4s, committed in the same second; git reports 3m0s.
	if _, err := e.Observe(ctx, sess.ID, delta("a.go", protocol.ChangeModify, 3*time.Minute+400*time.Millisecond, 1, 0, 0)); err != nil {
		t.Fatalf("observe: %v", err)
	}
	if _, err := e.Observe(ctx, sess.ID, delta("b.go", protocol.ChangeModify, 3*time.Minute+1200*time.Millisecond, 1, 0, 0)); err != nil {
		t.Fatalf("observe: %v", err)
	}
	n, err := e.AttributeCommits(ctx, sess.ID, []protocol.Commit{{Hash: "c1", CommittedAt: t0.Add(3 * time.Minute)}})
	if err != nil {
		t.Fatalf("attribute commits: %v", err)
	}
	if n != 1 {
		t.Fatalf("attributed %d changes, want 1", n)
	}
	changes, err := st.ListChanges(ctx, sess.ID)
	if err != nil {
		t.Fatalf("list changes: %v", err)
	}
	if changes[0].CommitHash != "c1" || changes[1].CommitHash != "" {
		t.Errorf("commits = %q, %q; want c1 and none", changes[0].CommitHash, changes[1].CommitHash)
	}
}

func TestCommittedChangeIsNotMergedInto(t *testing.T) {
	st := openStore(t)
	e, _, _ := startEngine(t, st, Config{CoalesceWindow: time.Minute})
	ctx := context.Background()
	sess := startSession(t, e)

	if _, err := e.Observe(ctx, sess.ID, delta("a.go", protocol.ChangeModify, time.Second, 1, 0, 0)); err != nil {
		t.Fatalf("observe: %v", err)
	}
	if _, err := e.AttributeCommits(ctx, sess.ID, []protocol.Commit{{Hash: "h1", CommittedAt: t0.Add(2 * time.Second)}}); err != nil {
		t.Fatalf("attribute: %v", err)
	}
	got, err := e.Observe(ctx, sess.ID, delta("a.go", protocol.ChangeModify, 3*time.Second, 1, 0, 0))
	if err != nil {
		t.Fatalf("observe: %v", err)
	}
	if got != Recorded {
		t.Errorf("change after commit = %s, want recorded", got)
	}
}

func TestLogChangeBypassesCoalescing(t *testing.T) {
	st := openStore(t)
	e, _, _ := startEngine(t, st, Config{CoalesceWindow: time.Hour})
	ctx := context.Background()
	sess := startSession(t, e)

	for range 2 {
		c, err := e.LogChange(ctx, ChangeParams{
			Path: "api.go", Kind: "modify", AIGenerated: true,
			Delta: protocol.LineDelta{Added: 4},
		})
		if err != nil {
			t.Fatalf("log change: %v", err)
		}
		if c.Source != protocol.ChangeSourceManual {
			t.Errorf("source = %q, want manual", c.Source)
		}
	}
	changes, _ := st.ListChanges(ctx, sess.ID)
	if len(changes) != 2 {
		t.Fatalf("expected 2 manual changes, got %d", len(changes))
	}
	if !changes[0].AIGenerated {
		t.Error("ai_generated flag lost")
	}

	_, err := e.LogChange(ctx, ChangeParams{Path: "api.go", Kind: "touch"})
	if !errors.Is(err, protocol.ErrValidation) {
		t.Errorf("unknown kind: expected validation error, got %v", err)
	}
	_, err = e.LogChange(ctx, ChangeParams{Path: "api.go", Kind: "modify", Delta: protocol.LineDelta{Deleted: -2}})
	if !errors.Is(err, protocol.ErrValidation) {
		t.Errorf("negative delta: expected validation error, got %v", err)
	}
	if got := len(e.Status().RecentChanges); got != 2 {
		t.Errorf("recent changes = %d, want 2", got)
	}
}

func TestMarkAIGenerated(t *testing.T) {
	st := openStore(t)
	e, clock, _ := startEngine(t, st, Config{})
	ctx := context.Background()

	if _, err := e.MarkAIGenerated(ctx, "a.go", ""); !errors.Is(err, protocol.ErrNotFound) {
		t.Fatalf("no session: expected not found, got %v", err)
	}
	sess := startSession(t, e)

	for _, d := range []protocol.FileDelta{
		delta("pkg/a.go", protocol.ChangeModify, time.Minute, 3, 0, 0),
		delta("pkg/b.go", protocol.ChangeModify, time.Minute, 1, 0, 0),
		delta("pkg/a.go", protocol.ChangeModify, 9*time.Minute, 2, 0, 0),
	} {
		if _, err := e.Observe(ctx, sess.ID, d); err != nil {
			t.Fatalf("observe %s: %v", d.Path, err)
		}
	}
	clock.Advance(10 * time.Minute)

	n, err := e.MarkAIGenerated(ctx, "a.go", "")
	if err != nil {
		t.Fatalf("mark recent: %v", err)
	}
	if n != 1 {
		t.Errorf("marked %d recent changes, want 1", n)
	}

	commit := protocol.Commit{Hash: "abc123", CommittedAt: t0.Add(2 * time.Minute)}
	if _, err := e.AttributeCommits(ctx, sess.ID, []protocol.Commit{commit}); err != nil {
		t.Fatalf("attribute: %v", err)
	}
	if n, err = e.MarkAIGenerated(ctx, "a.go", "abc123"); err != nil || n != 1 {
		t.Errorf("mark by commit = %d, %v; want 1", n, err)
	}
	if n, err = e.MarkAIGenerated(ctx, "a.go", "fff000"); err != nil || n != 0 {
		t.Errorf("mark unknown commit = %d, %v; want 0", n, err)
	}
	if _, err := e.MarkAIGenerated(ctx, "  ", ""); !errors.Is(err, protocol.ErrValidation) {
		t.Errorf("empty path: expected validation error, got %v", err)
	}

	changes, err := st.ListChanges(ctx, sess.ID)
	if err != nil {
		t.Fatalf("list changes: %v", err)
	}
	if len(changes) != 3 {
		t.Fatalf("expected 3 changes, got %d", len(changes))
	}
	for _, c := range changes {
		want := c.Path == "pkg/a.go"
		if c.AIGenerated != want {
			t.Errorf("%s at %s ai_generated = %v, want %v", c.Path, c.Timestamp.Format(time.TimeOnly), c.AIGenerated, want)
		}
	}
	for _, c := range e.Status().RecentChanges {
		if c.Path == "pkg/a.go" && !c.AIGenerated {
			t.Errorf("status still shows change %d as human-written", c.ID)
		}
	}
}
