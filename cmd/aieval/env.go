package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"aieval/pkg/config"
	"aieval/pkg/protocol"
	"aieval/pkg/server"
	"aieval/pkg/store"
)

// loadConfig resolves the configuration for the current directory.
func loadConfig() (*config.Config, error) {
	home, err := config.ResolveHome()
	if err != nil {
		return nil, err
	}
	wd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("get working dir: %w", err)
	}
	return config.Load(home, wd)
}

// call sends one request to the daemon.
func call(cmd *cobra.Command, op protocol.Op, args, out any) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	return server.NewClient(cfg.SocketPath).Call(cmd.Context(), op, args, out)
}

// openReader opens the database read-only for reports.
func openReader(ctx context.Context, cfg *config.Config) (*store.Store, error) {
	st, err := store.OpenReadOnly(ctx, cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.DBPath, err)
	}
	return st, nil
}

// viaDaemonOr calls op on the daemon and falls back to local when no daemon
// is running.
func viaDaemonOr(cmd *cobra.Command, op protocol.Op, args, out any, local func(ctx context.Context, st *store.Store) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	err = server.NewClient(cfg.SocketPath).Call(cmd.Context(), op, args, out)
	if !errors.Is(err, server.ErrNotRunning) {
		return err
	}
	st, err := openReader(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()
	return local(cmd.Context(), st)
}
