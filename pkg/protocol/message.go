package protocol

import (
	"encoding/json"
	"time"
)

// Op names one command-surface verb carried over the control socket.
type Op string

// Operations served by the daemon.
const (
	OpStartSession   Op = "start-session"
	OpEndSession     Op = "end-session"
	OpFailSession    Op = "fail-session"
	OpStatus         Op = "status"
	OpStartPhase     Op = "start-phase"
	OpCompletePhase  Op = "complete-phase"
	OpMilestone      Op = "milestone"
	OpLogInteraction Op = "log-interaction"
	OpLogChange      Op = "log-change"
	OpMarkAI         Op = "mark-ai"
	OpLogQuality     Op = "log-quality"
	OpLogBuild       Op = "log-build"
	OpFeedback       Op = "feedback"
	OpMonitorStart   Op = "monitor-start"
	OpMonitorStop    Op = "monitor-stop"
	OpMonitorStatus  Op = "monitor-status"
	OpAggregate      Op = "aggregate"
	OpCompare        Op = "compare"
	OpPing           Op = "ping"
)

// Request is one line-delimited JSON request on the control socket.
type Request struct {
	Op   Op              `json:"op"`
	Args json.RawMessage `json:"args,omitempty"`
}

// Response answers exactly one Request. Result is set when OK is true,
// Error otherwise.
type Response struct {
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *WireError      `json:"error,omitempty"`
}

// StartSessionArgs are the arguments of start-session.
type StartSessionArgs struct {
	Name         string            `json:"name"`
	Tool         string            `json:"tool"`
	TestCaseType string            `json:"test_case_type"`
	Developer    string            `json:"developer,omitempty"`
	Environment  map[string]string `json:"environment,omitempty"`
	WatchPath    string            `json:"watch_path,omitempty"`
}

// StartSessionResult is returned by start-session.
type StartSessionResult struct {
	SessionID string         `json:"session_id"`
	StartedAt time.Time      `json:"started_at"`
	Monitor   *MonitorStatus `json:"monitor,omitempty"`
	Warning   string         `json:"warning,omitempty"`
}

// EndSessionArgs are the arguments of end-session.
type EndSessionArgs struct {
	Notes string `json:"notes,omitempty"`
}

// FailSessionArgs are the arguments of fail-session.
type FailSessionArgs struct {
	Reason string `json:"reason"`
}

// StartPhaseArgs are the arguments of start-phase.
type StartPhaseArgs struct {
	Name  string `json:"name"`
	Notes string `json:"notes,omitempty"`
}

// MilestoneArgs are the arguments of milestone.
type MilestoneArgs struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Notes       string `json:"notes,omitempty"`
}

// LogInteractionArgs are the arguments of log-interaction.
type LogInteractionArgs struct {
	Prompt      string   `json:"prompt"`
	Response    string   `json:"response,omitempty"`
	Type        string   `json:"type,omitempty"`
	Rating      *int     `json:"rating,omitempty"`
	Helpful     *bool    `json:"helpful,omitempty"`
	Tokens      *int     `json:"tokens,omitempty"`
	Cost        *float64 `json:"cost,omitempty"`
	AIGenerated bool     `json:"ai_generated,omitempty"`
	Notes       string   `json:"notes,omitempty"`
}

// LogChangeArgs are the arguments of log-change.
type LogChangeArgs struct {
	Path        string    `json:"path"`
	Kind        string    `json:"kind"`
	Delta       LineDelta `json:"delta"`
	AIGenerated bool      `json:"ai_generated,omitempty"`
}

// MarkAIArgs are the arguments of mark-ai.
type MarkAIArgs struct {
	Path       string `json:"path"`
	CommitHash string `json:"commit_hash,omitempty"`
}

// MarkAIResult is returned by mark-ai.
type MarkAIResult struct {
	Marked int `json:"marked"`
}

// MonitorStartArgs are the arguments of monitor-start.
type MonitorStartArgs struct {
	WatchPath string `json:"watch_path"`
}

// AggregateArgs are the arguments of aggregate.
type AggregateArgs struct {
	SessionID string `json:"session_id"`
}

// CompareArgs are the arguments of compare.
type CompareArgs struct {
	ToolA        string `json:"tool_a"`
	ToolB        string `json:"tool_b"`
	TestCaseType string `json:"test_case_type"`
}
