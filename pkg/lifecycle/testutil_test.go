package lifecycle //nolint:testpackage // internal white-box tests need access to unexported fields

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"aieval/pkg/store"
)

var t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

// fakeClock is a manually advanced clock shared by the engine and the test.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// wordCounter counts whitespace-separated words.
type wordCounter struct{}

func (wordCounter) Count(text string) int { return len(strings.Fields(text)) }

func openStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(context.Background(), store.MemoryPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

// startEngine runs an engine over st with a fake clock at t0. The engine is
// stopped when the test ends.
func startEngine(t *testing.T, st *store.Store, cfg Config) (*Engine, *fakeClock, context.CancelFunc) {
	t.Helper()
	clock := &fakeClock{now: t0}
	e := New(cfg, st)
	e.nowFunc = clock.Now
	ids := 0
	e.newID = func() string {
		ids++
		return "sess-" + string(rune('a'+ids-1))
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = e.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-e.Done()
	})
	return e, clock, cancel
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

func ptr[T any](v T) *T { return &v }
