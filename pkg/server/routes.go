package server

import (
	"context"
	"encoding/json"
	"path/filepath"

	"aieval/pkg/compare"
	"aieval/pkg/lifecycle"
	"aieval/pkg/metrics"
	"aieval/pkg/protocol"
)

func (s *Server) routes() map[protocol.Op]handler {
	return map[protocol.Op]handler{
		protocol.OpPing:           s.ping,
		protocol.OpStartSession:   s.startSession,
		protocol.OpEndSession:     s.endSession,
		protocol.OpFailSession:    s.failSession,
		protocol.OpStatus:         s.status,
		protocol.OpStartPhase:     s.startPhase,
		protocol.OpCompletePhase:  s.completePhase,
		protocol.OpMilestone:      s.milestone,
		protocol.OpLogInteraction: s.logInteraction,
		protocol.OpLogChange:      s.logChange,
		protocol.OpMarkAI:         s.markAI,
		protocol.OpLogQuality:     s.logQuality,
		protocol.OpLogBuild:       s.logBuild,
		protocol.OpFeedback:       s.feedback,
		protocol.OpMonitorStart:   s.monitorStart,
		protocol.OpMonitorStop:    s.monitorStop,
		protocol.OpMonitorStatus:  s.monitorStatus,
		protocol.OpAggregate:      s.aggregate,
		protocol.OpCompare:        s.compareTools,
	}
}

func (s *Server) ping(context.Context, json.RawMessage) (any, error) {
	return map[string]string{"status": "ok"}, nil
}

// startSession starts a session and, when a watch path is given and the
// monitor is idle, starts monitoring it. A monitor failure is reported as a
// warning; the session stays active.
func (s *Server) startSession(ctx context.Context, raw json.RawMessage) (any, error) {
	var a protocol.StartSessionArgs
	if err := decode(raw, &a); err != nil {
		return nil, err
	}
	if a.WatchPath != "" {
		abs, err := filepath.Abs(a.WatchPath)
		if err != nil {
			return nil, protocol.NewValidation("watch path", a.WatchPath, err.Error())
		}
		a.WatchPath = abs
	}
	sess, err := s.engine.Start(ctx, lifecycle.StartParams{
		Name:         a.Name,
		Tool:         a.Tool,
		TestCaseType: a.TestCaseType,
		Developer:    a.Developer,
		Environment:  a.Environment,
		WatchPath:    a.WatchPath,
	})
	if err != nil {
		return nil, err
	}
	res := protocol.StartSessionResult{SessionID: sess.ID, StartedAt: sess.StartedAt}
	if a.WatchPath == "" {
		return res, nil
	}

	if cur := s.monitor.Status(); cur.Running {
		res.Monitor = &cur
		if cur.WatchPath != a.WatchPath {
			res.Warning = "monitor already watching " + cur.WatchPath
		}
		return res, nil
	}
	st, err := s.monitor.Start(ctx, a.WatchPath)
	if err != nil {
		res.Warning = "monitoring not started: " + err.Error()
		return res, nil
	}
	res.Monitor = &st
	return res, nil
}

func (s *Server) endSession(ctx context.Context, raw json.RawMessage) (any, error) {
	var a protocol.EndSessionArgs
	if err := decode(raw, &a); err != nil {
		return nil, err
	}
	return s.engine.End(ctx, a.Notes)
}

func (s *Server) failSession(ctx context.Context, raw json.RawMessage) (any, error) {
	var a protocol.FailSessionArgs
	if err := decode(raw, &a); err != nil {
		return nil, err
	}
	return s.engine.Fail(ctx, a.Reason)
}

func (s *Server) status(context.Context, json.RawMessage) (any, error) {
	snap := s.engine.Status()
	snap.Monitor = s.monitor.Status()
	return snap, nil
}

func (s *Server) startPhase(ctx context.Context, raw json.RawMessage) (any, error) {
	var a protocol.StartPhaseArgs
	if err := decode(raw, &a); err != nil {
		return nil, err
	}
	return s.engine.StartPhase(ctx, a.Name, a.Notes)
}

func (s *Server) completePhase(ctx context.Context, _ json.RawMessage) (any, error) {
	return s.engine.CompletePhase(ctx)
}

func (s *Server) milestone(ctx context.Context, raw json.RawMessage) (any, error) {
	var a protocol.MilestoneArgs
	if err := decode(raw, &a); err != nil {
		return nil, err
	}
	return s.engine.AddMilestone(ctx, a.Name, a.Description, a.Notes)
}

func (s *Server) logInteraction(ctx context.Context, raw json.RawMessage) (any, error) {
	var a protocol.LogInteractionArgs
	if err := decode(raw, &a); err != nil {
		return nil, err
	}
	return s.engine.LogInteraction(ctx, lifecycle.InteractionParams{
		Prompt:      a.Prompt,
		Response:    a.Response,
		Type:        a.Type,
		Rating:      a.Rating,
		Helpful:     a.Helpful,
		Tokens:      a.Tokens,
		Cost:        a.Cost,
		AIGenerated: a.AIGenerated,
		Notes:       a.Notes,
	})
}

func (s *Server) logChange(ctx context.Context, raw json.RawMessage) (any, error) {
	var a protocol.LogChangeArgs
	if err := decode(raw, &a); err != nil {
		return nil, err
	}
	return s.engine.LogChange(ctx, lifecycle.ChangeParams{
		Path:        a.Path,
		Kind:        a.Kind,
		Delta:       a.Delta,
		AIGenerated: a.AIGenerated,
	})
}

func (s *Server) markAI(ctx context.Context, raw json.RawMessage) (any, error) {
	var a protocol.MarkAIArgs
	if err := decode(raw, &a); err != nil {
		return nil, err
	}
	n, err := s.engine.MarkAIGenerated(ctx, a.Path, a.CommitHash)
	if err != nil {
		return nil, err
	}
	return protocol.MarkAIResult{Marked: n}, nil
}

func (s *Server) logQuality(ctx context.Context, raw json.RawMessage) (any, error) {
	var q protocol.QualityMetric
	if err := decode(raw, &q); err != nil {
		return nil, err
	}
	return s.engine.RecordQuality(ctx, q)
}

func (s *Server) logBuild(ctx context.Context, raw json.RawMessage) (any, error) {
	var b protocol.BuildResult
	if err := decode(raw, &b); err != nil {
		return nil, err
	}
	return s.engine.RecordBuild(ctx, b)
}

func (s *Server) feedback(ctx context.Context, raw json.RawMessage) (any, error) {
	var f protocol.Feedback
	if err := decode(raw, &f); err != nil {
		return nil, err
	}
	return s.engine.RecordFeedback(ctx, f)
}

func (s *Server) monitorStart(ctx context.Context, raw json.RawMessage) (any, error) {
	var a protocol.MonitorStartArgs
	if err := decode(raw, &a); err != nil {
		return nil, err
	}
	return s.monitor.Start(ctx, a.WatchPath)
}

func (s *Server) monitorStop(ctx context.Context, _ json.RawMessage) (any, error) {
	return s.monitor.Stop(ctx)
}

func (s *Server) monitorStatus(context.Context, json.RawMessage) (any, error) {
	return s.monitor.Status(), nil
}

// aggregate computes the metrics of a session. Without a session id the
// active session is used.
func (s *Server) aggregate(ctx context.Context, raw json.RawMessage) (any, error) {
	var a protocol.AggregateArgs
	if err := decode(raw, &a); err != nil {
		return nil, err
	}
	id := a.SessionID
	if id == "" {
		snap := s.engine.Status()
		if snap.Session == nil {
			return nil, protocol.NewValidation("session id", "", "required when no session is active")
		}
		id = snap.Session.ID
	}
	return metrics.ForSession(ctx, s.reader, id, s.nowFunc())
}

func (s *Server) compareTools(ctx context.Context, raw json.RawMessage) (any, error) {
	var a protocol.CompareArgs
	if err := decode(raw, &a); err != nil {
		return nil, err
	}
	var typ protocol.TestCaseType
	if a.TestCaseType != "" {
		t, err := protocol.ParseTestCaseType(a.TestCaseType)
		if err != nil {
			return nil, err
		}
		typ = t
	}
	sessions, err := compare.Load(ctx, s.reader, compare.Filter{TestCaseType: typ}, s.nowFunc())
	if err != nil {
		return nil, err
	}
	return compare.Compare(sessions, a.ToolA, a.ToolB, typ)
}
