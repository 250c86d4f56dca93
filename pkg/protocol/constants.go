package protocol

import "time"

// Directory and path constants used throughout aieval.
const (
	// HomeDir is the user-level state directory (e.g., ~/.aieval).
	HomeDir = ".aieval"

	// ProjectDir is the per-project override directory (e.g., <repo>/.aieval).
	ProjectDir = ".aieval"
)

// Policy defaults shared by the engine, the correlator, and config.
const (
	// DefaultCoalesceWindow merges rapid notifications for the same path.
	DefaultCoalesceWindow = 2 * time.Second

	// DefaultGitPollInterval is how often the correlator reconciles commits.
	DefaultGitPollInterval = 30 * time.Second

	// DefaultMaxSnapshotBytes caps the content kept per path for diffing.
	DefaultMaxSnapshotBytes = 1 << 20

	// DefaultEventBuffer bounds the event source channel.
	DefaultEventBuffer = 256

	// RecentChangesLimit is how many changes a status snapshot carries.
	RecentChangesLimit = 10

	// AIMarkWindow is how far back mark-ai reaches when no commit is named.
	AIMarkWindow = 5 * time.Minute
)

// Event sources recorded in the events table.
const (
	SourceEngine   = "engine"
	SourceMonitor  = "monitor"
	SourceOperator = "operator"
	SourceDaemon   = "daemon"
	SourceGitLog   = "git_log"
)
