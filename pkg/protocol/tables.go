package protocol

// Event represents a row in the events SQLite table.
// Tracks session lifecycle transitions and monitoring state changes.
type Event struct {
	ID        int64  `json:"id"`
	Type      string `json:"type"`
	Source    string `json:"source"`
	SessionID string `json:"session_id"`
	Payload   string `json:"payload"`
	CreatedAt string `json:"created_at"`
}

// Event types persisted in the events table.
const (
	EventSessionStarted    = "session_started"
	EventSessionCompleted  = "session_completed"
	EventSessionFailed     = "session_failed"
	EventSessionRecovered  = "session_recovered"
	EventPhaseStarted      = "phase_started"
	EventPhaseCompleted    = "phase_completed"
	EventMilestone         = "milestone"
	EventMonitorStarted    = "monitor_started"
	EventMonitorStopped    = "monitor_stopped"
	EventMonitorDegraded   = "monitor_degraded"
	EventCommitsAttributed = "commits_attributed"
	EventChangesMarkedAI   = "changes_marked_ai"
	EventSessionDeleted    = "session_deleted"
	EventDaemonStarted     = "daemon_started"
	EventDaemonStopped     = "daemon_stopped"
)
