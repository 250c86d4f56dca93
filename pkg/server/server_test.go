package server //nolint:testpackage // internal white-box tests need access to unexported fields

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"aieval/pkg/lifecycle"
	"aieval/pkg/metrics"
	"aieval/pkg/protocol"
	"aieval/pkg/store"
)

// fakeMonitor records Start calls.
type fakeMonitor struct {
	mu       sync.Mutex
	running  bool
	path     string
	startErr error
	changes  int
}

func (m *fakeMonitor) Start(_ context.Context, path string) (protocol.MonitorStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.startErr != nil {
		return protocol.MonitorStatus{}, m.startErr
	}
	if m.running {
		return protocol.MonitorStatus{}, protocol.NewConflict("start monitor", "already running")
	}
	m.running, m.path = true, path
	return protocol.MonitorStatus{Running: true, RunID: "run-1", WatchPath: path}, nil
}

func (m *fakeMonitor) Stop(context.Context) (protocol.StopSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return protocol.StopSummary{}, protocol.NewNotFound("monitor run", "")
	}
	m.running = false
	return protocol.StopSummary{RunID: "run-1", Changes: m.changes}, nil
}

func (m *fakeMonitor) Status() protocol.MonitorStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return protocol.MonitorStatus{Running: m.running, WatchPath: m.path}
}

type harness struct {
	store  *store.Store
	engine *lifecycle.Engine
	mon    *fakeMonitor
	srv    *Server
	client *Client
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// socketPath returns a short socket path; t.TempDir can exceed the
// sun_path limit on some systems.
func socketPath(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "aiev")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return filepath.Join(dir, "d.sock")
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	st, err := store.Open(ctx, store.MemoryPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	eng := lifecycle.New(lifecycle.Config{Logger: quietLogger()}, st)
	go func() { _ = eng.Run(ctx) }()

	h := &harness{store: st, engine: eng, mon: &fakeMonitor{}}
	sock := socketPath(t)
	h.srv = New(Config{SocketPath: sock, Logger: quietLogger()}, eng, h.mon, st)
	served := make(chan error, 1)
	go func() { served <- h.srv.Serve(ctx) }()

	select {
	case <-h.srv.Ready():
	case err := <-served:
		t.Fatalf("serve: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("server not ready")
	}
	h.client = &Client{SocketPath: sock, Timeout: 5 * time.Second}

	t.Cleanup(func() {
		cancel()
		select {
		case <-served:
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
		<-eng.Done()
		_ = st.Close()
	})
	return h
}

func TestSessionOverSocket(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.client.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}

	var started protocol.StartSessionResult
	err := h.client.Call(ctx, protocol.OpStartSession, protocol.StartSessionArgs{
		Name: "login bug", Tool: "cursor", TestCaseType: "bug_fix",
	}, &started)
	if err != nil {
		t.Fatalf("start-session: %v", err)
	}
	if started.SessionID == "" || started.Monitor != nil {
		t.Fatalf("unexpected start result %+v", started)
	}

	var phase protocol.Phase
	if err := h.client.Call(ctx, protocol.OpStartPhase, protocol.StartPhaseArgs{Name: "debugging"}, &phase); err != nil {
		t.Fatalf("start-phase: %v", err)
	}
	if phase.Name != protocol.PhaseDebugging {
		t.Errorf("phase = %q", phase.Name)
	}

	rating, tokens, cost := 5, 210, 0.03
	var in protocol.Interaction
	err = h.client.Call(ctx, protocol.OpLogInteraction, protocol.LogInteractionArgs{
		Prompt: "why is the session cookie dropped?", Type: "debug",
		Rating: &rating, Tokens: &tokens, Cost: &cost,
	}, &in)
	if err != nil {
		t.Fatalf("log-interaction: %v", err)
	}
	if in.Sequence != 1 || in.PhaseID == nil || *in.PhaseID != phase.ID {
		t.Errorf("unexpected interaction %+v", in)
	}

	var snap protocol.StatusSnapshot
	if err := h.client.Call(ctx, protocol.OpStatus, nil, &snap); err != nil {
		t.Fatalf("status: %v", err)
	}
	if snap.Session == nil || snap.Session.ID != started.SessionID || snap.Interactions != 1 || snap.OpenPhase == nil {
		t.Errorf("unexpected status %+v", snap)
	}

	if err := h.client.Call(ctx, protocol.OpCompletePhase, nil, nil); err != nil {
		t.Fatalf("complete-phase: %v", err)
	}
	var summary protocol.SessionSummary
	if err := h.client.Call(ctx, protocol.OpEndSession, protocol.EndSessionArgs{Notes: "fixed"}, &summary); err != nil {
		t.Fatalf("end-session: %v", err)
	}
	if summary.Status != protocol.StatusCompleted || summary.Interactions != 1 || summary.Phases != 1 {
		t.Errorf("unexpected summary %+v", summary)
	}

	var m metrics.SessionMetrics
	if err := h.client.Call(ctx, protocol.OpAggregate, protocol.AggregateArgs{SessionID: started.SessionID}, &m); err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if m.Interactions.Total != 1 || m.Interactions.Cost != 0.03 || m.Interactions.Tokens != 210 {
		t.Errorf("unexpected metrics %+v", m.Interactions)
	}
}

func TestErrorKindsSurviveTheWire(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tests := []struct {
		name string
		op   protocol.Op
		args any
		want error
	}{
		{"end without session", protocol.OpEndSession, nil, protocol.ErrNotFound},
		{"bad test case type", protocol.OpStartSession, protocol.StartSessionArgs{Name: "x", Tool: "cursor", TestCaseType: "chores"}, protocol.ErrValidation},
		{"unknown op", protocol.Op("reboot"), nil, protocol.ErrValidation},
		{"aggregate unknown session", protocol.OpAggregate, protocol.AggregateArgs{SessionID: "nope"}, protocol.ErrNotFound},
		{"aggregate without session", protocol.OpAggregate, nil, protocol.ErrValidation},
		{"monitor stop when idle", protocol.OpMonitorStop, nil, protocol.ErrNotFound},
		{"malformed args", protocol.OpStartPhase, []int{1}, protocol.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := h.client.Call(ctx, tt.op, tt.args, nil)
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}

	if err := h.client.Call(ctx, protocol.OpStartSession, protocol.StartSessionArgs{Name: "a", Tool: "cursor", TestCaseType: "bug_fix"}, nil); err != nil {
		t.Fatal(err)
	}
	if err := h.client.Call(ctx, protocol.OpStartPhase, protocol.StartPhaseArgs{Name: "testing"}, nil); err != nil {
		t.Fatal(err)
	}
	err := h.client.Call(ctx, protocol.OpStartPhase, protocol.StartPhaseArgs{Name: "debugging"}, nil)
	if !errors.Is(err, protocol.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	err = h.client.Call(ctx, protocol.OpStartSession, protocol.StartSessionArgs{Name: "b", Tool: "cursor", TestCaseType: "bug_fix"}, nil)
	if !errors.Is(err, protocol.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestStartSessionWithWatchPath(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	dir := t.TempDir()

	var res protocol.StartSessionResult
	err := h.client.Call(ctx, protocol.OpStartSession, protocol.StartSessionArgs{
		Name: "feature", Tool: "windsurf", TestCaseType: "new_feature", WatchPath: dir,
	}, &res)
	if err != nil {
		t.Fatalf("start-session: %v", err)
	}
	if res.Monitor == nil || !res.Monitor.Running || res.Monitor.WatchPath != dir || res.Warning != "" {
		t.Fatalf("expected monitor on %s, got %+v", dir, res)
	}

	var stop protocol.StopSummary
	if err := h.client.Call(ctx, protocol.OpMonitorStop, nil, &stop); err != nil {
		t.Fatalf("monitor-stop: %v", err)
	}
	if stop.RunID != "run-1" {
		t.Errorf("unexpected stop summary %+v", stop)
	}
}

func TestStartSessionResolvesRelativeWatchPath(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	dir := t.TempDir()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	rel, err := filepath.Rel(wd, dir)
	if err != nil {
		t.Fatal(err)
	}

	var res protocol.StartSessionResult
	err = h.client.Call(ctx, protocol.OpStartSession, protocol.StartSessionArgs{
		Name: "first", Tool: "cursor", TestCaseType: "bug_fix", WatchPath: rel,
	}, &res)
	if err != nil {
		t.Fatalf("start-session: %v", err)
	}
	if res.Monitor == nil || res.Monitor.WatchPath != dir {
		t.Fatalf("monitor started on %+v, want %s", res.Monitor, dir)
	}
	if got := h.engine.Status().Session.WatchPath; got != dir {
		t.Errorf("session watch path = %q, want %q", got, dir)
	}
	if err := h.client.Call(ctx, protocol.OpEndSession, nil, nil); err != nil {
		t.Fatalf("end-session: %v", err)
	}

	res = protocol.StartSessionResult{}
	err = h.client.Call(ctx, protocol.OpStartSession, protocol.StartSessionArgs{
		Name: "second", Tool: "cursor", TestCaseType: "bug_fix", WatchPath: rel,
	}, &res)
	if err != nil {
		t.Fatalf("second start-session: %v", err)
	}
	if res.Warning != "" {
		t.Errorf("same directory reported as different: %q", res.Warning)
	}
}

func TestMarkAIOverSocket(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.client.Call(ctx, protocol.OpStartSession, protocol.StartSessionArgs{Name: "a", Tool: "cursor", TestCaseType: "bug_fix"}, nil); err != nil {
		t.Fatal(err)
	}
	for _, path := range []string{"auth/session.go", "auth/cookie.go"} {
		args := protocol.LogChangeArgs{Path: path, Kind: "modify", Delta: protocol.LineDelta{Added: 2}}
		if err := h.client.Call(ctx, protocol.OpLogChange, args, nil); err != nil {
			t.Fatalf("log-change %s: %v", path, err)
		}
	}

	var res protocol.MarkAIResult
	if err := h.client.Call(ctx, protocol.OpMarkAI, protocol.MarkAIArgs{Path: "session.go"}, &res); err != nil {
		t.Fatalf("mark-ai: %v", err)
	}
	if res.Marked != 1 {
		t.Errorf("marked = %d, want 1", res.Marked)
	}
	err := h.client.Call(ctx, protocol.OpMarkAI, protocol.MarkAIArgs{}, nil)
	if !errors.Is(err, protocol.ErrValidation) {
		t.Errorf("empty path: expected validation error, got %v", err)
	}
}

func TestStartSessionMonitorFailureIsWarning(t *testing.T) {
	h := newHarness(t)
	h.mon.startErr = protocol.NewValidation("watch path", "/nope", "does not exist")

	var res protocol.StartSessionResult
	err := h.client.Call(context.Background(), protocol.OpStartSession, protocol.StartSessionArgs{
		Name: "feature", Tool: "windsurf", TestCaseType: "new_feature", WatchPath: "/nope",
	}, &res)
	if err != nil {
		t.Fatalf("start-session must succeed despite monitor failure: %v", err)
	}
	if res.SessionID == "" || res.Warning == "" || res.Monitor != nil {
		t.Fatalf("expected warning, got %+v", res)
	}
	if h.engine.Status().Session == nil {
		t.Fatal("session should stay active")
	}
}

func TestCompareOverSocket(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	for i, s := range []struct {
		id, tool string
		minutes  int
	}{{"a1", "cursor", 20}, {"b1", "copilot", 30}} {
		start := t0.Add(time.Duration(i) * time.Hour)
		if err := h.store.CreateSession(ctx, protocol.Session{
			ID: s.id, Name: s.id, Tool: s.tool, TestCaseType: protocol.TestCaseBugFix,
			Status: protocol.StatusInProgress, StartedAt: start,
		}); err != nil {
			t.Fatal(err)
		}
		if err := h.store.FinishSession(ctx, s.id, protocol.StatusCompleted, start.Add(time.Duration(s.minutes)*time.Minute), "", ""); err != nil {
			t.Fatal(err)
		}
	}

	var report struct {
		ToolA    string `json:"tool_a"`
		SamplesB int    `json:"samples_b"`
		Metrics  []struct {
			Metric      string   `json:"metric"`
			PercentDiff *float64 `json:"percent_diff"`
		} `json:"metrics"`
	}
	err := h.client.Call(ctx, protocol.OpCompare, protocol.CompareArgs{ToolA: "cursor", ToolB: "copilot", TestCaseType: "bug_fix"}, &report)
	if err != nil {
		t.Fatalf("compare: %v", err)
	}
	if report.ToolA != "cursor" || report.SamplesB != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
	if d := report.Metrics[0]; d.Metric != "duration_minutes" || d.PercentDiff == nil || *d.PercentDiff != 50 {
		t.Errorf("unexpected duration comparison %+v", d)
	}

	err = h.client.Call(ctx, protocol.OpCompare, protocol.CompareArgs{ToolA: "cursor", ToolB: "zed"}, nil)
	if !errors.Is(err, protocol.ErrNotFound) {
		t.Fatalf("expected not found for a tool without sessions, got %v", err)
	}
}

func TestClientNotRunning(t *testing.T) {
	c := &Client{SocketPath: filepath.Join(t.TempDir(), "none.sock"), Timeout: time.Second}
	if err := c.Ping(context.Background()); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}
}

func TestCleanStaleSocket(t *testing.T) {
	sock := socketPath(t)

	if err := cleanStaleSocket(sock); err != nil {
		t.Fatalf("missing file: %v", err)
	}

	// A socket file nobody listens on is removed.
	ln, err := net.Listen("unix", sock) //nolint:noctx // test listener
	if err != nil {
		t.Fatal(err)
	}
	if ul, ok := ln.(*net.UnixListener); ok {
		ul.SetUnlinkOnClose(false)
	}
	_ = ln.Close()
	if _, err := os.Stat(sock); err != nil {
		t.Fatalf("socket file should remain after close: %v", err)
	}
	if err := cleanStaleSocket(sock); err != nil {
		t.Fatalf("stale socket: %v", err)
	}
	if _, err := os.Stat(sock); !os.IsNotExist(err) {
		t.Fatalf("stale socket not removed: %v", err)
	}

	// A live listener is left alone.
	ln, err = net.Listen("unix", sock) //nolint:noctx // test listener
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = ln.Close() }()
	if err := cleanStaleSocket(sock); !errors.Is(err, protocol.ErrConflict) {
		t.Fatalf("expected conflict for live socket, got %v", err)
	}
}

func TestServeRefusesLiveSocket(t *testing.T) {
	h := newHarness(t)
	other := New(Config{SocketPath: h.client.SocketPath, Logger: quietLogger()}, h.engine, h.mon, h.store)
	if err := other.Serve(context.Background()); !errors.Is(err, protocol.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}
