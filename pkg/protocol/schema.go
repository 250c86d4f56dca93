package protocol

// SchemaDDL defines the SQLite schema for the aieval evaluation database.
// Tables: sessions, phases, interactions, code_changes, quality_metrics,
// build_results, milestones, feedback, events, interactions_fts (FTS5).
// Execute against a SQLite database with: db.Exec(SchemaDDL)
//
// Timestamps are RFC3339Nano UTC strings so lexical order is time order.
const SchemaDDL = `
-- One evaluation run: a developer using one tool on one task
CREATE TABLE IF NOT EXISTS sessions (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    tool TEXT NOT NULL,
    test_case_type TEXT NOT NULL CHECK (test_case_type IN ('bug_fix','new_feature','refactoring')),
    developer TEXT,
    status TEXT NOT NULL DEFAULT 'in_progress' CHECK (status IN ('in_progress','completed','failed')),
    started_at TEXT NOT NULL,
    ended_at TEXT,
    environment TEXT NOT NULL DEFAULT '{}',
    watch_path TEXT,
    notes TEXT,
    failure_reason TEXT
);

-- At most one session in progress at a time
CREATE UNIQUE INDEX IF NOT EXISTS sessions_one_active ON sessions(status) WHERE status = 'in_progress';

-- Named development phases; at most one open (ended_at NULL) per session
CREATE TABLE IF NOT EXISTS phases (
    id INTEGER PRIMARY KEY,
    session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
    name TEXT NOT NULL,
    started_at TEXT NOT NULL,
    ended_at TEXT,
    duration_minutes REAL,
    notes TEXT
);

CREATE UNIQUE INDEX IF NOT EXISTS phases_one_open ON phases(session_id) WHERE ended_at IS NULL;

-- Prompt/response cycles with the assistant, append-only
CREATE TABLE IF NOT EXISTS interactions (
    id INTEGER PRIMARY KEY,
    session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
    phase_id INTEGER REFERENCES phases(id),
    sequence INTEGER NOT NULL,
    timestamp TEXT NOT NULL,
    prompt TEXT NOT NULL,
    response TEXT,
    type TEXT NOT NULL CHECK (type IN ('code_generation','explanation','debug','refactor')),
    rating INTEGER CHECK (rating IS NULL OR (rating >= 1 AND rating <= 5)),
    helpful INTEGER,
    tokens INTEGER CHECK (tokens IS NULL OR tokens >= 0),
    tokens_estimated INTEGER NOT NULL DEFAULT 0,
    cost REAL CHECK (cost IS NULL OR cost >= 0),
    ai_generated INTEGER NOT NULL DEFAULT 0,
    notes TEXT,
    UNIQUE (session_id, sequence)
);

-- File changes from the correlator or manual override
CREATE TABLE IF NOT EXISTS code_changes (
    id INTEGER PRIMARY KEY,
    session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
    phase_id INTEGER REFERENCES phases(id),
    path TEXT NOT NULL,
    old_path TEXT,
    kind TEXT NOT NULL CHECK (kind IN ('create','modify','delete','rename')),
    timestamp TEXT NOT NULL,
    lines_added INTEGER NOT NULL DEFAULT 0 CHECK (lines_added >= 0),
    lines_deleted INTEGER NOT NULL DEFAULT 0 CHECK (lines_deleted >= 0),
    lines_modified INTEGER NOT NULL DEFAULT 0 CHECK (lines_modified >= 0),
    commit_hash TEXT,
    ai_generated INTEGER NOT NULL DEFAULT 0,
    source TEXT NOT NULL DEFAULT 'monitor',
    diff TEXT
);

CREATE INDEX IF NOT EXISTS code_changes_session_ts ON code_changes(session_id, timestamp);

-- Code quality snapshots; one per measurement point
CREATE TABLE IF NOT EXISTS quality_metrics (
    id INTEGER PRIMARY KEY,
    session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
    point TEXT NOT NULL CHECK (point IN ('baseline','completion')),
    timestamp TEXT NOT NULL,
    cyclomatic_complexity REAL,
    lines_of_code INTEGER CHECK (lines_of_code IS NULL OR lines_of_code >= 0),
    test_coverage REAL CHECK (test_coverage IS NULL OR (test_coverage >= 0 AND test_coverage <= 100)),
    maintainability_rating TEXT,
    reliability_rating TEXT,
    security_rating TEXT,
    technical_debt_minutes INTEGER,
    code_smells INTEGER,
    bugs INTEGER,
    vulnerabilities INTEGER,
    build_success INTEGER,
    tests_passed INTEGER,
    tests_failed INTEGER,
    build_time_seconds REAL,
    UNIQUE (session_id, point)
);

-- Build and test runs
CREATE TABLE IF NOT EXISTS build_results (
    id INTEGER PRIMARY KEY,
    session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
    phase_id INTEGER REFERENCES phases(id),
    timestamp TEXT NOT NULL,
    build_type TEXT NOT NULL CHECK (build_type IN ('compile','test','package')),
    success INTEGER NOT NULL,
    duration_seconds REAL,
    warnings INTEGER NOT NULL DEFAULT 0 CHECK (warnings >= 0),
    errors INTEGER NOT NULL DEFAULT 0 CHECK (errors >= 0)
);

-- Notable moments, elapsed minutes measured from session start
CREATE TABLE IF NOT EXISTS milestones (
    id INTEGER PRIMARY KEY,
    session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
    name TEXT NOT NULL,
    description TEXT,
    timestamp TEXT NOT NULL,
    elapsed_minutes REAL NOT NULL CHECK (elapsed_minutes >= 0),
    notes TEXT
);

-- Subjective developer feedback; duplicates are rejected
CREATE TABLE IF NOT EXISTS feedback (
    id INTEGER PRIMARY KEY,
    session_id TEXT NOT NULL UNIQUE REFERENCES sessions(id) ON DELETE CASCADE,
    timestamp TEXT NOT NULL,
    ease_of_use INTEGER CHECK (ease_of_use IS NULL OR (ease_of_use >= 1 AND ease_of_use <= 5)),
    code_quality INTEGER CHECK (code_quality IS NULL OR (code_quality >= 1 AND code_quality <= 5)),
    productivity INTEGER CHECK (productivity IS NULL OR (productivity >= 1 AND productivity <= 5)),
    learning_curve INTEGER CHECK (learning_curve IS NULL OR (learning_curve >= 1 AND learning_curve <= 5)),
    overall_satisfaction INTEGER CHECK (overall_satisfaction IS NULL OR (overall_satisfaction >= 1 AND overall_satisfaction <= 5)),
    would_recommend INTEGER,
    likes TEXT,
    dislikes TEXT,
    suggestions TEXT,
    comments TEXT
);

-- Runtime event log: lifecycle transitions and monitoring state
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY,
    type TEXT NOT NULL,
    source TEXT NOT NULL,
    session_id TEXT,
    payload TEXT,
    created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
);

-- FTS5 full-text index over prompts and responses
CREATE VIRTUAL TABLE IF NOT EXISTS interactions_fts USING fts5(
    prompt,
    response,
    content=interactions,
    content_rowid=id
);

-- Interactions are append-only, but deletes cascade from sessions
CREATE TRIGGER IF NOT EXISTS interactions_ai AFTER INSERT ON interactions BEGIN
    INSERT INTO interactions_fts(rowid, prompt, response) VALUES (new.id, new.prompt, coalesce(new.response, ''));
END;

CREATE TRIGGER IF NOT EXISTS interactions_ad AFTER DELETE ON interactions BEGIN
    INSERT INTO interactions_fts(interactions_fts, rowid, prompt, response) VALUES ('delete', old.id, old.prompt, coalesce(old.response, ''));
END;
`
