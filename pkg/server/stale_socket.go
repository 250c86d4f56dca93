package server

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"time"

	"aieval/pkg/protocol"
)

// cleanStaleSocket removes a socket file left behind by a daemon that did not
// shut down cleanly.
//
//   - No file: nothing to do.
//   - A daemon answers on it: *protocol.ConflictError, the file is kept.
//   - Nobody answers: the file is stale and removed.
func cleanStaleSocket(socketPath string) error {
	_, err := os.Stat(socketPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat socket %s: %w", socketPath, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	conn, dialErr := (&net.Dialer{}).DialContext(ctx, "unix", socketPath)
	if dialErr == nil {
		_ = conn.Close()
		return protocol.NewConflict("start daemon", "another daemon is listening on "+socketPath)
	}

	if err := os.Remove(socketPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove stale socket %s: %w", socketPath, err)
	}
	return nil
}
