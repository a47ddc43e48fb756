package protocol

// SchemaDDL defines the SQLite schema for the Foreman runtime database.
// Tables: agents, tasks, inbox, events.
// Execute against a SQLite database with: db.Exec(SchemaDDL)
const SchemaDDL = `
-- Registered agents. Never deleted; active=0 deactivates.
CREATE TABLE IF NOT EXISTS agents (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    role TEXT NOT NULL,
    worker_mode TEXT NOT NULL DEFAULT '',
    steward_focus TEXT NOT NULL DEFAULT '',
    skills TEXT NOT NULL DEFAULT '[]',
    languages TEXT NOT NULL DEFAULT '[]',
    max_concurrent INTEGER NOT NULL DEFAULT 0,
    reports_to TEXT NOT NULL DEFAULT '',
    active INTEGER NOT NULL DEFAULT 1,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);

-- Tasks with the orchestrator metadata sub-record flattened into columns.
-- handoffs is an append-only JSON array; assignment status is derived,
-- never stored.
CREATE TABLE IF NOT EXISTS tasks (
    id TEXT PRIMARY KEY,
    title TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'open',
    priority INTEGER NOT NULL DEFAULT 0,
    assignee TEXT NOT NULL DEFAULT '',
    tags TEXT NOT NULL DEFAULT '[]',
    assigned_agent TEXT NOT NULL DEFAULT '',
    branch TEXT NOT NULL DEFAULT '',
    worktree TEXT NOT NULL DEFAULT '',
    session_id TEXT NOT NULL DEFAULT '',
    started_at TEXT,
    completed_at TEXT,
    merge_status TEXT NOT NULL DEFAULT '',
    handoffs TEXT NOT NULL DEFAULT '[]',
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);

-- Per-agent inbox; the notification channel writes here and the daemon's
-- inbox poll consumes it.
CREATE TABLE IF NOT EXISTS inbox (
    id TEXT PRIMARY KEY,
    agent_id TEXT NOT NULL,
    channel_id TEXT NOT NULL,
    content TEXT NOT NULL,
    source TEXT NOT NULL DEFAULT 'direct',
    dispatch INTEGER NOT NULL DEFAULT 0,
    task_id TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'unread',
    created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS inbox_agent_status ON inbox (agent_id, status, created_at);

-- Runtime event log: daemon, session, health, and steward lifecycle events.
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY,
    type TEXT NOT NULL,
    source TEXT NOT NULL,
    task_id TEXT,
    agent_id TEXT,
    payload TEXT,
    created_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS events_agent_type ON events (agent_id, type, created_at);
`
