package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"aieval/internal/observability"
	"aieval/internal/version"
	"aieval/pkg/config"
	"aieval/pkg/lifecycle"
	"aieval/pkg/metrics"
	"aieval/pkg/monitor"
	"aieval/pkg/protocol"
	"aieval/pkg/server"
	"aieval/pkg/store"
)

// DaemonStatusValue represents the health state of the daemon.
type DaemonStatusValue string

const (
	// StatusRunning means the PID file exists and the process is alive.
	StatusRunning DaemonStatusValue = "running"
	// StatusStopped means no PID file exists.
	StatusStopped DaemonStatusValue = "stopped"
	// StatusStale means the PID file exists but the process is dead.
	StatusStale DaemonStatusValue = "stale"
)

// WritePIDFile writes pid to path, creating parent directories as needed.
func WritePIDFile(path string, pid int) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create PID dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(pid)), 0o600); err != nil {
		return fmt.Errorf("write PID file %s: %w", path, err)
	}
	return nil
}

// ReadPIDFile reads and parses the PID from path.
func ReadPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path) //nolint:gosec // PID file path is controlled by the application
	if err != nil {
		return 0, fmt.Errorf("read PID file %s: %w", path, err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parse PID from %s: %w", path, err)
	}
	return pid, nil
}

// RemovePIDFile removes the PID file. A missing file is not an error.
func RemovePIDFile(path string) error {
	err := os.Remove(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove PID file %s: %w", path, err)
	}
	return nil
}

// IsProcessAlive checks whether a process with the given PID is running.
func IsProcessAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Signal 0 checks for existence without signaling.
	return proc.Signal(syscall.Signal(0)) == nil
}

// DaemonStatus checks the PID file and process liveness. The PID is 0 when
// stopped.
func DaemonStatus(pidPath string) (status DaemonStatusValue, pid int, err error) {
	pid, err = ReadPIDFile(pidPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return StatusStopped, 0, nil
		}
		return StatusStopped, 0, fmt.Errorf("daemon status: %w", err)
	}
	if IsProcessAlive(pid) {
		return StatusRunning, pid, nil
	}
	return StatusStale, pid, nil
}

// StopDaemon sends SIGTERM to the process named by the PID file.
func StopDaemon(pidPath string) error {
	pid, err := ReadPIDFile(pidPath)
	if err != nil {
		return fmt.Errorf("stop daemon: %w", err)
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("find process %d: %w", pid, err)
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("send SIGTERM to PID %d: %w", pid, err)
	}
	return nil
}

// SetupSignalHandler cancels the returned context on SIGTERM or SIGINT. The
// cleanup function removes the PID file; callers should defer it.
func SetupSignalHandler(parent context.Context, pidPath string) (shutdownCtx context.Context, cleanup func()) {
	ctx, cancel := context.WithCancel(parent)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()

	cleanup = func() {
		cancel()
		_ = RemovePIDFile(pidPath)
	}
	return ctx, cleanup
}

// daemon wires the store, engine, correlator and socket server.
type daemon struct {
	cfg    *config.Config
	log    *slog.Logger
	store  *store.Store
	engine *lifecycle.Engine
	corr   *monitor.Correlator
	srv    *server.Server
}

// newDaemon opens the database and builds every component. Nothing runs
// until Run.
func newDaemon(ctx context.Context, cfg *config.Config, logw io.Writer) (*daemon, error) {
	log, err := observability.New(logw, observability.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	st, err := store.Open(ctx, cfg.DBPath)
	if err != nil {
		return nil, err
	}

	var tokens lifecycle.TokenCounter
	if cfg.Tokens.Estimate {
		tokens = metrics.NewTokenizer(cfg.Tokens.Encoding)
	}
	eng := lifecycle.New(lifecycle.Config{
		CoalesceWindow: cfg.Monitor.CoalesceWindow.Duration,
		Tokens:         tokens,
		Logger:         log.With("component", "engine"),
	}, st)
	corr := monitor.New(monitor.Config{
		CoalesceWindow:   cfg.Monitor.CoalesceWindow.Duration,
		GitPollInterval:  cfg.Monitor.GitPollInterval.Duration,
		MaxSnapshotBytes: cfg.Monitor.MaxSnapshotBytes,
		EventBuffer:      cfg.Monitor.EventBuffer,
		Ignore:           cfg.Monitor.Ignore,
		StoreDiffs:       cfg.Monitor.StoreDiffs,
		Logger:           log.With("component", "monitor"),
	}, eng, st, nil)
	eng.OnTransition(corr.Notify)
	eng.OnBeforeClose(corr.Reconcile)

	srv := server.New(server.Config{
		SocketPath: cfg.SocketPath,
		Logger:     log.With("component", "server"),
	}, eng, corr, st)

	return &daemon{cfg: cfg, log: log, store: st, engine: eng, corr: corr, srv: srv}, nil
}

// Run serves until ctx is cancelled, then stops the monitor before the
// engine so its last deltas still land.
func (d *daemon) Run(ctx context.Context) error {
	defer func() { _ = d.store.Close() }()

	engCtx, stopEngine := context.WithCancel(context.WithoutCancel(ctx))
	defer stopEngine()
	engErr := make(chan error, 1)
	go func() { engErr <- d.engine.Run(engCtx) }()

	d.event(ctx, protocol.EventDaemonStarted)
	d.log.Info("daemon started", "version", version.Full(), "pid", os.Getpid(), "db", d.cfg.DBPath)

	serveErr := d.srv.Serve(ctx)

	shutdown := context.WithoutCancel(ctx)
	if d.corr.Status().Running {
		if _, err := d.corr.Stop(shutdown); err != nil {
			d.log.Warn("stop monitor", "error", err)
		}
	}
	d.event(shutdown, protocol.EventDaemonStopped)
	stopEngine()
	err := <-engErr
	d.log.Info("daemon stopped")
	return errors.Join(serveErr, err)
}

// Ready is closed once the socket accepts connections.
func (d *daemon) Ready() <-chan struct{} { return d.srv.Ready() }

func (d *daemon) event(ctx context.Context, typ string) {
	payload := map[string]any{"pid": os.Getpid(), "version": version.String(), "socket": d.cfg.SocketPath}
	if err := d.store.LogEvent(ctx, typ, protocol.SourceDaemon, "", payload); err != nil {
		d.log.Warn("log event failed", "type", typ, "error", err)
	}
}
