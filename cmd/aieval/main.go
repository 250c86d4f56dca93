// Package main is the entry point for the aieval CLI.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"aieval/pkg/protocol"
	"aieval/pkg/server"
)

// Exit codes by error kind.
const (
	exitFailure    = 1
	exitValidation = 2
	exitConflict   = 3
	exitNotFound   = 4
	exitNotRunning = 5
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		if errors.Is(err, server.ErrNotRunning) {
			fmt.Fprintln(os.Stderr, "hint: start the daemon with `aieval daemon start`")
		}
		os.Exit(exitCode(err))
	}
}

// exitCode maps an error to the process exit status.
func exitCode(err error) int {
	switch {
	case errors.Is(err, protocol.ErrValidation):
		return exitValidation
	case errors.Is(err, protocol.ErrConflict), errors.Is(err, protocol.ErrInvalidTransition):
		return exitConflict
	case errors.Is(err, protocol.ErrNotFound):
		return exitNotFound
	case errors.Is(err, server.ErrNotRunning):
		return exitNotRunning
	default:
		return exitFailure
	}
}
