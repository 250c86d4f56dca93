// Package server exposes the evaluation engine over a Unix domain socket.
//
// The wire format is line-delimited JSON: every protocol.Request line is
// answered by exactly one protocol.Response line on the same connection.
// Failures travel as protocol.WireError so clients see the same error
// taxonomy as in-process callers.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"aieval/internal/observability"
	"aieval/pkg/compare"
	"aieval/pkg/lifecycle"
	"aieval/pkg/protocol"
)

// maxLineBytes bounds one request line. Prompts and responses can be long.
const maxLineBytes = 8 << 20

// Engine is the session state machine. *lifecycle.Engine satisfies it.
type Engine interface {
	Start(ctx context.Context, p lifecycle.StartParams) (*protocol.Session, error)
	End(ctx context.Context, notes string) (*protocol.SessionSummary, error)
	Fail(ctx context.Context, reason string) (*protocol.SessionSummary, error)
	Status() protocol.StatusSnapshot
	StartPhase(ctx context.Context, name, notes string) (*protocol.Phase, error)
	CompletePhase(ctx context.Context) (*protocol.Phase, error)
	AddMilestone(ctx context.Context, name, description, notes string) (*protocol.Milestone, error)
	LogInteraction(ctx context.Context, p lifecycle.InteractionParams) (*protocol.Interaction, error)
	LogChange(ctx context.Context, p lifecycle.ChangeParams) (*protocol.CodeChange, error)
	MarkAIGenerated(ctx context.Context, path, commitHash string) (int, error)
	RecordQuality(ctx context.Context, q protocol.QualityMetric) (*protocol.QualityMetric, error)
	RecordBuild(ctx context.Context, b protocol.BuildResult) (*protocol.BuildResult, error)
	RecordFeedback(ctx context.Context, f protocol.Feedback) (*protocol.Feedback, error)
}

// Monitor is the correlator. *monitor.Correlator satisfies it.
type Monitor interface {
	Start(ctx context.Context, path string) (protocol.MonitorStatus, error)
	Stop(ctx context.Context) (protocol.StopSummary, error)
	Status() protocol.MonitorStatus
}

// Config holds Server configuration.
type Config struct {
	SocketPath string
	Logger     *slog.Logger // nil means slog.Default().
}

type handler func(ctx context.Context, args json.RawMessage) (any, error)

// Server serves the command surface on a Unix socket.
type Server struct {
	cfg      Config
	log      *slog.Logger
	engine   Engine
	monitor  Monitor
	reader   compare.Source
	handlers map[protocol.Op]handler
	nowFunc  func() time.Time

	ready chan struct{}
	conns sync.WaitGroup
}

// New returns a Server. reader serves aggregate and compare.
func New(cfg Config, engine Engine, mon Monitor, reader compare.Source) *Server {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		cfg:     cfg,
		log:     log,
		engine:  engine,
		monitor: mon,
		reader:  reader,
		nowFunc: time.Now,
		ready:   make(chan struct{}),
	}
	s.handlers = s.routes()
	return s
}

// Ready is closed once the socket accepts connections.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Serve listens on the socket until ctx is cancelled. A stale socket file is
// removed first; a live one yields a *protocol.ConflictError.
func (s *Server) Serve(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.cfg.SocketPath), 0o700); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}
	if err := cleanStaleSocket(s.cfg.SocketPath); err != nil {
		return err
	}
	ln, err := net.Listen("unix", s.cfg.SocketPath) //nolint:noctx // UDS bind is instant
	if err != nil {
		return fmt.Errorf("listen unix %s: %w", s.cfg.SocketPath, err)
	}
	if err := os.Chmod(s.cfg.SocketPath, 0o600); err != nil {
		_ = ln.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}
	s.log.Info("listening", "socket", s.cfg.SocketPath)
	close(s.ready)

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			if errors.Is(err, net.ErrClosed) {
				break
			}
			s.log.Warn("accept failed", "error", err)
			continue
		}
		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			s.handleConn(ctx, conn)
		}()
	}

	s.conns.Wait()
	_ = os.Remove(s.cfg.SocketPath)
	return nil
}

// handleConn answers requests on conn until the peer hangs up or ctx ends.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer func() {
		stop()
		_ = conn.Close()
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64<<10), maxLineBytes)
	enc := json.NewEncoder(conn)

	for scanner.Scan() {
		var req protocol.Request
		var resp protocol.Response
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			resp = failure(protocol.NewValidation("request", "", "malformed JSON: "+err.Error()))
		} else {
			resp = s.Dispatch(ctx, req)
		}
		if err := enc.Encode(resp); err != nil {
			s.log.Debug("write response failed", "error", err)
			return
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
		s.log.Warn("read request failed", "error", err)
	}
}

// Dispatch runs one request and builds its response.
func (s *Server) Dispatch(ctx context.Context, req protocol.Request) protocol.Response {
	ctx = observability.WithRequestID(ctx, ulid.Make().String())
	if snap := s.engine.Status(); snap.Session != nil {
		ctx = observability.WithSessionID(ctx, snap.Session.ID)
	}
	log := observability.FromContext(ctx, s.log)

	h, ok := s.handlers[req.Op]
	if !ok {
		return failure(protocol.NewValidation("op", string(req.Op), "unknown operation"))
	}
	start := time.Now()
	result, err := h(ctx, req.Args)
	if err != nil {
		log.Info("request failed", "op", req.Op, "error", err, "elapsed", time.Since(start))
		return failure(err)
	}
	log.Debug("request served", "op", req.Op, "elapsed", time.Since(start))

	raw, err := json.Marshal(result)
	if err != nil {
		return failure(fmt.Errorf("marshal %s result: %w", req.Op, err))
	}
	return protocol.Response{OK: true, Result: raw}
}

func failure(err error) protocol.Response {
	return protocol.Response{Error: protocol.ToWire(err)}
}

// decode unmarshals args into v. Missing args leave v at its zero value.
func decode(args json.RawMessage, v any) error {
	if len(args) == 0 || string(args) == "null" {
		return nil
	}
	if err := json.Unmarshal(args, v); err != nil {
		return protocol.NewValidation("args", "", err.Error())
	}
	return nil
}
