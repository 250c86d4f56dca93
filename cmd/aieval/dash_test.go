package main

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"aieval/pkg/protocol"
)

func staticFetch(snap protocol.StatusSnapshot, err error) statusFetcher {
	return func(context.Context) (protocol.StatusSnapshot, error) { return snap, err }
}

func activeSnapshot() protocol.StatusSnapshot {
	now := time.Now()
	return protocol.StatusSnapshot{
		Session: &protocol.Session{
			ID: "s-1", Name: "login bug", Tool: "cursor",
			TestCaseType: protocol.TestCaseBugFix, Status: protocol.StatusInProgress, StartedAt: now,
		},
		OpenPhase:    &protocol.Phase{Name: protocol.PhaseDebugging, StartedAt: now},
		Interactions: 3,
		Changes:      2,
		RecentChanges: []protocol.CodeChange{
			{Path: "auth/session.go", Kind: protocol.ChangeModify, Timestamp: now, Delta: protocol.LineDelta{Added: 4, Deleted: 1}},
			{Path: "auth/cookie.go", Kind: protocol.ChangeCreate, Timestamp: now, AIGenerated: true},
		},
		Monitor: protocol.MonitorStatus{Running: true, WatchPath: "/src/app", Commits: 1},
	}
}

func TestDashView(t *testing.T) {
	tests := []struct {
		name         string
		msg          *statusMsg
		wantContains []string
	}{
		{
			name:         "before the first fetch",
			wantContains: []string{"connecting to daemon"},
		},
		{
			name:         "daemon down",
			msg:          &statusMsg{err: errors.New("daemon not running")},
			wantContains: []string{"daemon unreachable", "daemon not running"},
		},
		{
			name:         "idle daemon",
			msg:          &statusMsg{},
			wantContains: []string{"no active session", "updated"},
		},
		{
			name: "active session",
			msg:  &statusMsg{snap: activeSnapshot()},
			wantContains: []string{
				"login bug", "cursor / bug_fix", "debugging",
				"3 interactions", "/src/app", "auth/session.go", "+4 -1 ~0",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var model tea.Model = newDashModel(staticFetch(protocol.StatusSnapshot{}, nil))
			if tt.msg != nil {
				model, _ = model.Update(*tt.msg)
			}
			view := model.View()
			for _, want := range tt.wantContains {
				if !strings.Contains(view, want) {
					t.Errorf("View() missing %q, got:\n%s", want, view)
				}
			}
		})
	}
}

func TestDashKeepsLastSnapshotOnError(t *testing.T) {
	var model tea.Model = newDashModel(staticFetch(protocol.StatusSnapshot{}, nil))
	model, _ = model.Update(statusMsg{snap: activeSnapshot()})
	model, _ = model.Update(statusMsg{err: errors.New("timeout")})

	m := model.(dashModel)
	if m.snap.Session == nil || m.snap.Session.ID != "s-1" {
		t.Errorf("snapshot lost after a failed fetch: %+v", m.snap.Session)
	}
	if len(m.changes.Rows()) != 2 {
		t.Errorf("got %d change rows, want 2", len(m.changes.Rows()))
	}
}

func TestDashKeys(t *testing.T) {
	m := newDashModel(staticFetch(activeSnapshot(), nil))

	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	if cmd == nil {
		t.Fatal("q returned no command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("q did not quit")
	}

	_, cmd = m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("r")})
	if cmd == nil {
		t.Fatal("r returned no command")
	}
	msg, ok := cmd().(statusMsg)
	if !ok {
		t.Fatalf("r produced %T, want statusMsg", cmd())
	}
	if msg.snap.Session == nil || msg.snap.Session.Name != "login bug" {
		t.Errorf("refresh fetched %+v", msg.snap.Session)
	}
}

func TestChangeRows(t *testing.T) {
	rows := changeRows(activeSnapshot().RecentChanges)
	if len(rows) != 2 {
		t.Fatalf("got %d rows", len(rows))
	}
	if rows[0][2] != "auth/session.go" || rows[0][4] != "" {
		t.Errorf("row 0 = %v", rows[0])
	}
	if rows[1][1] != string(protocol.ChangeCreate) || rows[1][4] != "yes" {
		t.Errorf("row 1 = %v", rows[1])
	}
}
