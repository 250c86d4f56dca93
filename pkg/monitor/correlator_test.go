package monitor //nolint:testpackage // internal white-box tests need access to unexported fields

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"aieval/pkg/protocol"
	"aieval/pkg/store"
)

func TestStartValidation(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	if _, err := h.corr.Start(ctx, filepath.Join(h.root, "missing")); !errors.Is(err, protocol.ErrValidation) {
		t.Fatalf("missing path: expected validation error, got %v", err)
	}
	h.write(t, "file.txt", "x\n")
	if _, err := h.corr.Start(ctx, filepath.Join(h.root, "file.txt")); !errors.Is(err, protocol.ErrValidation) {
		t.Fatalf("file path: expected validation error, got %v", err)
	}
	if _, err := h.corr.Stop(ctx); !errors.Is(err, protocol.ErrNotFound) {
		t.Fatalf("stop while idle: expected NotFound, got %v", err)
	}

	st, err := h.corr.Start(ctx, h.root)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if !st.Running || st.RunID == "" || st.WatchPath != h.root {
		t.Errorf("unexpected status %+v", st)
	}
	if _, err := h.corr.Start(ctx, h.root); !errors.Is(err, protocol.ErrConflict) {
		t.Fatalf("second start: expected conflict, got %v", err)
	}

	sum, err := h.corr.Stop(ctx)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if sum.RunID != st.RunID || sum.Changes != 0 {
		t.Errorf("unexpected summary %+v", sum)
	}
	if h.corr.Status().Running {
		t.Error("status still running after stop")
	}
}

func TestStartReleasesLockDuringGitCheck(t *testing.T) {
	h := newHarness(t, Config{})
	h.git.entered = make(chan struct{}, 1)
	h.git.gate = make(chan struct{})
	ctx := context.Background()
	h.startSession(t)
	h.write(t, "main.go", "package main\n")

	started := make(chan error, 1)
	go func() {
		_, err := h.corr.Start(ctx, h.root)
		started <- err
	}()
	select {
	case <-h.git.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("git check never ran")
	}

	status := make(chan protocol.MonitorStatus, 1)
	go func() { status <- h.corr.Status() }()
	select {
	case st := <-status:
		if st.Running {
			t.Errorf("run visible before start finished: %+v", st)
		}
	case <-time.After(time.Second):
		t.Fatal("Status blocked while git was running")
	}
	if _, err := h.corr.Start(ctx, h.root); !errors.Is(err, protocol.ErrConflict) {
		t.Errorf("concurrent start: expected conflict, got %v", err)
	}

	close(h.git.gate)
	select {
	case err := <-started:
		if err != nil {
			t.Fatalf("start: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("start did not finish")
	}
	if st := h.corr.Status(); !st.Running || st.SessionID == "" {
		t.Errorf("status after start = %+v", st)
	}
}

func TestCorrelatorRecordsLineDeltas(t *testing.T) {
	h := newHarness(t, Config{StoreDiffs: true})
	ctx := context.Background()
	h.write(t, "main.go", "a\nb\nc\n")
	sessionID := h.startSession(t)

	if _, err := h.corr.Start(ctx, h.root); err != nil {
		t.Fatalf("start: %v", err)
	}

	h.write(t, "main.go", "a\nB\nc\nd\n")
	h.src.events <- RawEvent{Path: "main.go", Op: OpWrite, Time: time.Now()}
	h.write(t, "pkg/util.go", "one\ntwo\n")
	h.src.events <- RawEvent{Path: "pkg/util.go", Op: OpCreate, Time: time.Now()}

	var changes []protocol.CodeChange
	waitFor(t, func() bool {
		changes, _ = h.store.ListChanges(ctx, sessionID)
		return len(changes) == 2
	}, 2*time.Second)

	byPath := map[string]protocol.CodeChange{}
	for _, c := range changes {
		byPath[c.Path] = c
	}
	main := byPath["main.go"]
	if main.Kind != protocol.ChangeModify || main.Delta != (protocol.LineDelta{Added: 1, Modified: 1}) {
		t.Errorf("main.go change = %s %+v", main.Kind, main.Delta)
	}
	if !strings.Contains(main.Diff, "+B") {
		t.Errorf("diff not stored: %q", main.Diff)
	}
	util := byPath["pkg/util.go"]
	if util.Kind != protocol.ChangeCreate || util.Delta.Added != 2 {
		t.Errorf("util.go change = %s %+v", util.Kind, util.Delta)
	}

	sum, err := h.corr.Stop(ctx)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if sum.Changes != 2 {
		t.Errorf("stop summary changes = %d, want 2", sum.Changes)
	}
}

func TestCorrelatorDiscardsWithoutSession(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	if _, err := h.corr.Start(ctx, h.root); err != nil {
		t.Fatalf("start: %v", err)
	}
	h.write(t, "early.go", "x\n")
	h.src.events <- RawEvent{Path: "early.go", Op: OpCreate, Time: time.Now()}

	sum, err := h.corr.Stop(ctx)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if sum.Changes != 0 {
		t.Errorf("changes recorded without a session: %d", sum.Changes)
	}
}

func TestCorrelatorPrimesSnapshotsOnSessionStart(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	h.write(t, "lib.go", "1\n2\n3\n")

	if _, err := h.corr.Start(ctx, h.root); err != nil {
		t.Fatalf("start: %v", err)
	}
	sessionID := h.startSession(t)

	// The session start wakes the loop; a later edit diffs against the
	// content seen at that point.
	waitFor(t, func() bool { return h.corr.Status().SessionID == sessionID }, 2*time.Second)

	h.write(t, "lib.go", "1\n2\n")
	h.src.events <- RawEvent{Path: "lib.go", Op: OpWrite, Time: time.Now()}

	var changes []protocol.CodeChange
	waitFor(t, func() bool {
		changes, _ = h.store.ListChanges(ctx, sessionID)
		return len(changes) == 1
	}, 2*time.Second)
	if changes[0].Delta != (protocol.LineDelta{Deleted: 1}) {
		t.Errorf("delta = %+v, want one deleted line", changes[0].Delta)
	}
}

func TestCorrelatorRenameAndDelete(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	h.write(t, "old.go", "package x\n")
	h.write(t, "doomed.go", "a\nb\n")
	sessionID := h.startSession(t)

	if _, err := h.corr.Start(ctx, h.root); err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := os.Rename(filepath.Join(h.root, "old.go"), filepath.Join(h.root, "new.go")); err != nil {
		t.Fatal(err)
	}
	now := time.Now()
	h.src.events <- RawEvent{Path: "old.go", Op: OpRename, Time: now}
	h.src.events <- RawEvent{Path: "new.go", Op: OpCreate, Time: now.Add(time.Millisecond)}

	if err := os.Remove(filepath.Join(h.root, "doomed.go")); err != nil {
		t.Fatal(err)
	}
	h.src.events <- RawEvent{Path: "doomed.go", Op: OpRemove, Time: now.Add(time.Second)}

	var changes []protocol.CodeChange
	waitFor(t, func() bool {
		changes, _ = h.store.ListChanges(ctx, sessionID)
		return len(changes) == 2
	}, 2*time.Second)

	byPath := map[string]protocol.CodeChange{}
	for _, c := range changes {
		byPath[c.Path] = c
	}
	moved := byPath["new.go"]
	if moved.Kind != protocol.ChangeRename || moved.OldPath != "old.go" || moved.Delta != (protocol.LineDelta{}) {
		t.Errorf("rename recorded as %+v", moved)
	}
	gone := byPath["doomed.go"]
	if gone.Kind != protocol.ChangeDelete || gone.Delta.Deleted != 2 {
		t.Errorf("delete recorded as %+v", gone)
	}
}

func TestCorrelatorSkipsBinaryAndLargeFiles(t *testing.T) {
	h := newHarness(t, Config{MaxSnapshotBytes: 64})
	ctx := context.Background()
	sessionID := h.startSession(t)
	if _, err := h.corr.Start(ctx, h.root); err != nil {
		t.Fatalf("start: %v", err)
	}

	h.write(t, "blob.bin", "ab\x00cd\n")
	h.write(t, "big.txt", strings.Repeat("line\n", 100))
	h.src.events <- RawEvent{Path: "blob.bin", Op: OpCreate, Time: time.Now()}
	h.src.events <- RawEvent{Path: "big.txt", Op: OpCreate, Time: time.Now()}

	var changes []protocol.CodeChange
	waitFor(t, func() bool {
		changes, _ = h.store.ListChanges(ctx, sessionID)
		return len(changes) == 2
	}, 2*time.Second)
	for _, c := range changes {
		if c.Delta != (protocol.LineDelta{}) {
			t.Errorf("%s: expected zero delta, got %+v", c.Path, c.Delta)
		}
	}
}

func TestCorrelatorDegradesOnSourceError(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	sessionID := h.startSession(t)
	if _, err := h.corr.Start(ctx, h.root); err != nil {
		t.Fatalf("start: %v", err)
	}

	h.src.errs <- ErrRootRemoved
	waitFor(t, func() bool { return h.corr.Status().Warning != "" }, 2*time.Second)

	if !strings.Contains(h.corr.Status().Warning, "watch root removed") {
		t.Errorf("warning = %q", h.corr.Status().Warning)
	}
	if snap := h.engine.Status(); snap.Session == nil || snap.Session.ID != sessionID {
		t.Fatal("session must stay active when monitoring degrades")
	}
	if _, err := h.engine.AddMilestone(ctx, "still works", "", ""); err != nil {
		t.Fatalf("milestone after degrade: %v", err)
	}

	events, err := h.store.QueryEvents(ctx, store.EventQuery{Type: protocol.EventMonitorDegraded})
	if err != nil {
		t.Fatalf("query events: %v", err)
	}
	if len(events) != 1 {
		t.Errorf("degraded events = %d, want 1", len(events))
	}

	sum, err := h.corr.Stop(ctx)
	if err != nil {
		t.Fatalf("stop after degrade: %v", err)
	}
	if sum.Warning == "" {
		t.Error("stop summary should carry the warning")
	}
}

func TestReconcileAttributesCommits(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	h.write(t, "a.go", "a\n")
	sessionID := h.startSession(t)
	if _, err := h.corr.Start(ctx, h.root); err != nil {
		t.Fatalf("start: %v", err)
	}

	h.write(t, "a.go", "a\nb\n")
	h.src.events <- RawEvent{Path: "a.go", Op: OpWrite, Time: time.Now()}
	waitFor(t, func() bool {
		changes, _ := h.store.ListChanges(ctx, sessionID)
		return len(changes) == 1
	}, 2*time.Second)

	commitAt := time.Now().Add(5 * time.Second).Unix()
	h.git.setLog(fmt.Sprintf("abc123|Dev One|%d|%d|fix: handle nil user\n", commitAt, commitAt))

	// End runs the before-close hook, which reconciles one last time.
	if _, err := h.engine.End(ctx, ""); err != nil {
		t.Fatalf("end: %v", err)
	}
	changes, err := h.store.ListChanges(ctx, sessionID)
	if err != nil {
		t.Fatalf("list changes: %v", err)
	}
	if len(changes) != 1 || changes[0].CommitHash != "abc123" {
		t.Fatalf("commit not attributed: %+v", changes)
	}
	if got := h.corr.Status().Commits; got != 1 {
		t.Errorf("status commits = %d, want 1", got)
	}
}

func TestGitDisabledOutsideRepository(t *testing.T) {
	h := newHarness(t, Config{})
	h.git.repoErr = errors.New("exit status 128")
	ctx := context.Background()
	sessionID := h.startSession(t)

	st, err := h.corr.Start(ctx, h.root)
	if err != nil {
		t.Fatalf("start outside repo must not fail: %v", err)
	}
	if !st.GitDisabled || !strings.Contains(st.Warning, "git") {
		t.Errorf("status = %+v, want git disabled with warning", st)
	}

	h.corr.Reconcile(ctx, sessionID)
	h.git.mu.Lock()
	defer h.git.mu.Unlock()
	for _, call := range h.git.calls {
		if call[0] == "log" {
			t.Errorf("git log called with attribution disabled: %v", call)
		}
	}
}

func TestGitLogFailureDisablesAttribution(t *testing.T) {
	h := newHarness(t, Config{})
	h.git.logErr = errors.New("exit status 128")
	ctx := context.Background()
	sessionID := h.startSession(t)
	if _, err := h.corr.Start(ctx, h.root); err != nil {
		t.Fatalf("start: %v", err)
	}

	h.corr.Reconcile(ctx, sessionID)
	st := h.corr.Status()
	if !st.GitDisabled {
		t.Error("git log failure should disable attribution")
	}
	if !strings.Contains(st.Warning, "git log") {
		t.Errorf("warning = %q", st.Warning)
	}
}
