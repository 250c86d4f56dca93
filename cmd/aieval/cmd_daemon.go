package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"aieval/pkg/config"
	"aieval/pkg/protocol"
	"aieval/pkg/server"
)

// socketPollTimeout is the maximum time to wait for a spawned daemon.
const socketPollTimeout = 5 * time.Second

// socketPollInterval is how often the spawned daemon is pinged.
const socketPollInterval = 50 * time.Millisecond

// DaemonSpawner abstracts spawning the daemon subprocess for testability.
type DaemonSpawner interface {
	SpawnDaemon(cfg *config.Config) (pid int, err error)
}

// ExecDaemonSpawner re-executes the current binary as `aieval daemon run`
// in its own session, logging to daemon.log under the home directory.
type ExecDaemonSpawner struct{}

// SpawnDaemon starts the child and returns its PID without waiting for it.
func (ExecDaemonSpawner) SpawnDaemon(cfg *config.Config) (int, error) {
	exe, err := os.Executable()
	if err != nil {
		return 0, fmt.Errorf("locate executable: %w", err)
	}
	if err := os.MkdirAll(cfg.Home, 0o750); err != nil {
		return 0, fmt.Errorf("create %s: %w", cfg.Home, err)
	}
	logPath := filepath.Join(cfg.Home, "daemon.log")
	logf, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600) //nolint:gosec // path under the state dir
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", logPath, err)
	}
	defer func() { _ = logf.Close() }()

	child := exec.CommandContext(context.Background(), exe, "daemon", "run") //nolint:gosec // intentionally re-executing self
	child.Stdout = logf
	child.Stderr = logf
	child.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := child.Start(); err != nil {
		return 0, fmt.Errorf("spawn daemon: %w", err)
	}
	pid := child.Process.Pid
	_ = child.Process.Release()
	return pid, nil
}

// newDaemonCmd creates the "aieval daemon" command group.
func newDaemonCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run or control the background daemon",
		Long: "The daemon owns the active session: it serializes every mutation, runs the\n" +
			"file monitor and answers CLI requests on a Unix socket.",
	}
	cmd.AddCommand(
		newDaemonRunCmd(),
		newDaemonStartCmd(ExecDaemonSpawner{}),
		newDaemonStopCmd(),
		newDaemonStatusCmd(),
	)
	return cmd
}

func newDaemonRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the daemon in the foreground",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return runDaemon(cmd.Context(), cfg, cmd.ErrOrStderr())
		},
	}
}

// runDaemon runs the daemon until a signal or ctx cancellation, guarding it
// with the PID file.
func runDaemon(ctx context.Context, cfg *config.Config, logw io.Writer) error {
	status, pid, err := DaemonStatus(cfg.PIDPath)
	if err != nil {
		return err
	}
	switch status {
	case StatusRunning:
		if pid != os.Getpid() {
			return protocol.NewConflict("start daemon", fmt.Sprintf("daemon already running (PID %d)", pid))
		}
	case StatusStale:
		_ = RemovePIDFile(cfg.PIDPath)
	case StatusStopped:
	}

	if err := WritePIDFile(cfg.PIDPath, os.Getpid()); err != nil {
		return err
	}
	ctx, cleanup := SetupSignalHandler(ctx, cfg.PIDPath)
	defer cleanup()

	d, err := newDaemon(ctx, cfg, logw)
	if err != nil {
		return err
	}
	return d.Run(ctx)
}

func newDaemonStartCmd(spawner DaemonSpawner) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the daemon in the background",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			status, pid, err := DaemonStatus(cfg.PIDPath)
			if err != nil {
				return err
			}
			switch status {
			case StatusRunning:
				fmt.Fprintf(cmd.OutOrStdout(), "daemon already running (PID %d)\n", pid)
				return nil
			case StatusStale:
				_ = RemovePIDFile(cfg.PIDPath)
			case StatusStopped:
			}

			pid, err = spawner.SpawnDaemon(cfg)
			if err != nil {
				return err
			}
			if err := waitForDaemon(cmd.Context(), server.NewClient(cfg.SocketPath), socketPollTimeout); err != nil {
				return fmt.Errorf("daemon (PID %d) not ready, see %s: %w", pid, filepath.Join(cfg.Home, "daemon.log"), err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "daemon started (PID %d, socket %s)\n", pid, cfg.SocketPath)
			return nil
		},
	}
}

// waitForDaemon pings until the daemon answers or timeout elapses.
func waitForDaemon(ctx context.Context, c *server.Client, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(socketPollInterval)
	defer ticker.Stop()
	for {
		err := c.Ping(ctx)
		if err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return err
		case <-ticker.C:
		}
	}
}

func newDaemonStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the background daemon",
		Long:  "Sends SIGTERM to the daemon. An active session stays in progress and is\nrecovered by the next daemon.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			status, pid, err := DaemonStatus(cfg.PIDPath)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			switch status {
			case StatusStopped:
				fmt.Fprintln(out, "daemon is not running")
			case StatusStale:
				fmt.Fprintln(out, "removing stale PID file (process already dead)")
				return RemovePIDFile(cfg.PIDPath)
			case StatusRunning:
				if err := StopDaemon(cfg.PIDPath); err != nil {
					return err
				}
				fmt.Fprintf(out, "sent SIGTERM to daemon (PID %d)\n", pid)
			}
			return nil
		},
	}
}

// daemonReport is the output of `daemon status`.
type daemonReport struct {
	Status  DaemonStatusValue        `json:"status"`
	PID     int                      `json:"pid,omitempty"`
	Socket  string                   `json:"socket"`
	DB      string                   `json:"db"`
	Session *protocol.StatusSnapshot `json:"session,omitempty"`
}

func newDaemonStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show whether the daemon is running",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := newPrinter(cmd)
			if err != nil {
				return err
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			status, pid, err := DaemonStatus(cfg.PIDPath)
			if err != nil {
				return err
			}
			rep := daemonReport{Status: status, PID: pid, Socket: cfg.SocketPath, DB: cfg.DBPath}
			if status == StatusRunning {
				var snap protocol.StatusSnapshot
				if err := server.NewClient(cfg.SocketPath).Call(cmd.Context(), protocol.OpStatus, nil, &snap); err == nil {
					rep.Session = &snap
				}
			}
			return p.emit(rep, func(w io.Writer) {
				state := p.bad(string(rep.Status))
				if rep.Status == StatusRunning {
					state = p.good(string(rep.Status))
				}
				fmt.Fprintf(w, "daemon: %s", state)
				if rep.PID != 0 {
					fmt.Fprintf(w, " (PID %d)", rep.PID)
				}
				fmt.Fprintf(w, "\nsocket: %s\ndb:     %s\n", rep.Socket, rep.DB)
				if rep.Session != nil && rep.Session.Session != nil {
					fmt.Fprintf(w, "active session: %s (%s)\n", rep.Session.Session.ID, rep.Session.Session.Name)
				}
			})
		},
	}
}
