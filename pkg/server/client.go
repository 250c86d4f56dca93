package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"aieval/pkg/protocol"
)

// ErrNotRunning is returned by Client.Call when no daemon listens on the
// socket.
var ErrNotRunning = errors.New("daemon not running")

// defaultCallTimeout bounds one request round trip.
const defaultCallTimeout = 30 * time.Second

// Client calls a daemon over its socket. Each Call uses its own connection.
type Client struct {
	SocketPath string
	Timeout    time.Duration // zero means 30s
}

// NewClient returns a Client for socketPath.
func NewClient(socketPath string) *Client {
	return &Client{SocketPath: socketPath}
}

// Call sends op with args and decodes the result into out (which may be
// nil). A failed operation returns the daemon's error rebuilt with its
// protocol kind, so errors.Is works against the protocol sentinels.
func (c *Client) Call(ctx context.Context, op protocol.Op, args, out any) error {
	timeout := c.Timeout
	if timeout == 0 {
		timeout = defaultCallTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := (&net.Dialer{}).DialContext(ctx, "unix", c.SocketPath)
	if err != nil {
		return fmt.Errorf("%w (socket %s): %w", ErrNotRunning, c.SocketPath, err)
	}
	defer func() { _ = conn.Close() }()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	req := protocol.Request{Op: op}
	if args != nil {
		raw, err := json.Marshal(args)
		if err != nil {
			return fmt.Errorf("marshal %s args: %w", op, err)
		}
		req.Args = raw
	}
	line, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	if _, err := conn.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("send %s: %w", op, err)
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64<<10), maxLineBytes)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return fmt.Errorf("read %s response: %w", op, err)
		}
		return fmt.Errorf("read %s response: connection closed", op)
	}
	var resp protocol.Response
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		return fmt.Errorf("unmarshal %s response: %w", op, err)
	}
	if !resp.OK {
		if resp.Error == nil {
			return fmt.Errorf("%s failed without an error", op)
		}
		return protocol.FromWire(resp.Error)
	}
	if out != nil && len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, out); err != nil {
			return fmt.Errorf("unmarshal %s result: %w", op, err)
		}
	}
	return nil
}

// Ping reports whether a daemon answers on the socket.
func (c *Client) Ping(ctx context.Context) error {
	return c.Call(ctx, protocol.OpPing, nil, nil)
}
