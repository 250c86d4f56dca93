package monitor //nolint:testpackage // internal white-box tests need access to unexported fields

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"aieval/pkg/lifecycle"
	"aieval/pkg/store"
)

// fakeSource is a Source driven by the test.
type fakeSource struct {
	events  chan RawEvent
	errs    chan error
	dropped atomic.Int64
	once    sync.Once
}

func newFakeSource() *fakeSource {
	return &fakeSource{events: make(chan RawEvent, 16), errs: make(chan error, 1)}
}

func (f *fakeSource) Events() <-chan RawEvent { return f.events }

func (f *fakeSource) Errors() <-chan error { return f.errs }

func (f *fakeSource) Dropped() int64 { return f.dropped.Load() }

func (f *fakeSource) Close() error {
	f.once.Do(func() {
		close(f.events)
		close(f.errs)
	})
	return nil
}

// mockGitRunner records calls and answers rev-parse and log. When gate is
// set, rev-parse signals entered and waits for gate to close.
type mockGitRunner struct {
	mu      sync.Mutex
	calls   [][]string
	repoErr error
	logOut  string
	logErr  error

	entered chan struct{}
	gate    chan struct{}
}

func (m *mockGitRunner) Run(_ context.Context, _ string, args ...string) (string, string, error) {
	if args[0] == "rev-parse" && m.gate != nil {
		m.entered <- struct{}{}
		<-m.gate
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, args)
	switch args[0] {
	case "rev-parse":
		if m.repoErr != nil {
			return "", "fatal: not a git repository", m.repoErr
		}
		return "true\n", "", nil
	case "log":
		if m.logErr != nil {
			return "", "fatal: bad revision", m.logErr
		}
		return m.logOut, "", nil
	}
	return "", "", errors.New("unexpected git command")
}

func (m *mockGitRunner) setLog(out string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logOut = out
}

type harness struct {
	store  *store.Store
	engine *lifecycle.Engine
	corr   *Correlator
	src    *fakeSource
	git    *mockGitRunner
	root   string
}

// newHarness wires a running engine over an in-memory store to a correlator
// whose event source is a fakeSource.
func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	st, err := store.Open(ctx, store.MemoryPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	eng := lifecycle.New(lifecycle.Config{Logger: quietLogger()}, st)
	go func() { _ = eng.Run(ctx) }()

	if cfg.Logger == nil {
		cfg.Logger = quietLogger()
	}
	h := &harness{store: st, engine: eng, src: newFakeSource(), git: &mockGitRunner{}, root: t.TempDir()}
	h.corr = New(cfg, eng, st, h.git)
	h.corr.newSource = func(string, *IgnoreMatcher, int, *slog.Logger) (Source, error) { return h.src, nil }
	eng.OnTransition(h.corr.Notify)
	eng.OnBeforeClose(h.corr.Reconcile)

	t.Cleanup(func() {
		if h.corr.Status().Running {
			_, _ = h.corr.Stop(context.Background())
		}
		cancel()
		<-eng.Done()
		_ = st.Close()
	})
	return h
}

func (h *harness) write(t *testing.T, rel, content string) {
	t.Helper()
	p := filepath.Join(h.root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
}

func (h *harness) startSession(t *testing.T) string {
	t.Helper()
	sess, err := h.engine.Start(context.Background(), lifecycle.StartParams{
		Name: "monitored", Tool: "cursor", TestCaseType: "new_feature",
	})
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
	return sess.ID
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// waitFor polls condition every tick until it returns true or timeout expires.
func waitFor(t *testing.T, condition func() bool, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("waitFor: condition not met within %v", timeout)
}
