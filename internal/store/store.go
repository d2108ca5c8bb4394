// Package store provides the persistence layer over SQLite and PostgreSQL:
// workflows, agent tasks, spans, platforms, definitions, surface bindings,
// agent registrations, and the workflow event audit log.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// Store provides database access through separate writer and reader pools.
// With SQLite the writer is a single connection (WAL mode) and the reader a
// small read-only pool; with PostgreSQL both are the same pgx pool.
type Store struct {
	db     *sqlx.DB // writer
	ro     *sqlx.DB // reader
	driver string
}

func newStore(writer, reader *sqlx.DB, driver string) (*Store, error) {
	s := &Store{db: writer, ro: reader, driver: driver}
	if err := s.initSchema(); err != nil {
		_ = writer.Close()
		if reader != writer {
			_ = reader.Close()
		}
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close closes the underlying pools.
func (s *Store) Close() error {
	err := s.db.Close()
	if s.ro != s.db {
		if roErr := s.ro.Close(); roErr != nil && err == nil {
			err = roErr
		}
	}
	return err
}

// Driver returns the active SQL driver name.
func (s *Store) Driver() string {
	return s.driver
}

// Health reports round-trip latency to the database.
func (s *Store) Health(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if err := s.ro.PingContext(ctx); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

func (s *Store) initSchema() error {
	if err := s.initWorkflowSchema(); err != nil {
		return err
	}
	if err := s.initPlatformSchema(); err != nil {
		return err
	}
	if err := s.initRegistrySchema(); err != nil {
		return err
	}
	return s.initIndexes()
}

func (s *Store) initWorkflowSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS workflows (
		id TEXT PRIMARY KEY,
		platform_id TEXT NOT NULL DEFAULT '',
		workflow_definition_id TEXT NOT NULL DEFAULT '',
		surface_id TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL,
		type TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		current_stage TEXT NOT NULL DEFAULT '',
		progress INTEGER NOT NULL DEFAULT 0,
		priority TEXT NOT NULL DEFAULT 'medium',
		version INTEGER NOT NULL DEFAULT 1,
		stage_outputs TEXT NOT NULL DEFAULT '{}',
		paused_queue TEXT NOT NULL DEFAULT '[]',
		last_error TEXT NOT NULL DEFAULT '',
		trace_id TEXT NOT NULL,
		current_span_id TEXT NOT NULL DEFAULT '',
		input_data TEXT NOT NULL DEFAULT '{}',
		created_by TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		completed_at TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS agent_tasks (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL UNIQUE,
		workflow_id TEXT NOT NULL,
		stage_name TEXT NOT NULL,
		agent_type TEXT NOT NULL,
		status TEXT NOT NULL,
		priority INTEGER NOT NULL DEFAULT 5,
		payload TEXT NOT NULL DEFAULT '{}',
		result TEXT,
		error TEXT NOT NULL DEFAULT '',
		trace_id TEXT NOT NULL,
		span_id TEXT NOT NULL,
		parent_span_id TEXT NOT NULL DEFAULT '',
		retry_count INTEGER NOT NULL DEFAULT 0,
		max_retries INTEGER NOT NULL DEFAULT 0,
		timeout_ms INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		assigned_at TIMESTAMP,
		started_at TIMESTAMP,
		completed_at TIMESTAMP,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS spans (
		span_id TEXT PRIMARY KEY,
		trace_id TEXT NOT NULL,
		parent_span_id TEXT NOT NULL DEFAULT '',
		workflow_id TEXT NOT NULL DEFAULT '',
		task_id TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'open',
		started_at TIMESTAMP NOT NULL,
		ended_at TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS workflow_events (
		id TEXT PRIMARY KEY,
		workflow_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		stage TEXT NOT NULL DEFAULT '',
		trace_id TEXT NOT NULL DEFAULT '',
		payload TEXT NOT NULL DEFAULT '{}',
		created_at TIMESTAMP NOT NULL
	);
	`)
	return err
}

func (s *Store) initPlatformSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS platforms (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		layer TEXT NOT NULL DEFAULT 'application',
		enabled INTEGER NOT NULL DEFAULT 1,
		config TEXT NOT NULL DEFAULT '{}',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS workflow_definitions (
		id TEXT PRIMARY KEY,
		platform_id TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL,
		version TEXT NOT NULL DEFAULT '1.0.0',
		stages TEXT NOT NULL DEFAULT '[]',
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		UNIQUE (platform_id, name)
	);

	CREATE TABLE IF NOT EXISTS platform_surfaces (
		id TEXT PRIMARY KEY,
		platform_id TEXT NOT NULL,
		surface_type TEXT NOT NULL,
		config TEXT NOT NULL DEFAULT '{}',
		enabled INTEGER NOT NULL DEFAULT 1,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		UNIQUE (platform_id, surface_type)
	);
	`)
	return err
}

func (s *Store) initRegistrySchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS agent_registrations (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		agent_type TEXT NOT NULL,
		platform_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'online',
		heartbeat_interval_ms INTEGER NOT NULL DEFAULT 30000,
		last_heartbeat_at TIMESTAMP NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		UNIQUE (agent_id, agent_type, platform_id)
	);
	`)
	return err
}

func (s *Store) initIndexes() error {
	indexes := []string{
		`CREATE INDEX IF NOT EXISTS idx_workflows_status ON workflows(status)`,
		`CREATE INDEX IF NOT EXISTS idx_workflows_trace_id ON workflows(trace_id)`,
		`CREATE INDEX IF NOT EXISTS idx_workflows_platform_id ON workflows(platform_id)`,
		`CREATE INDEX IF NOT EXISTS idx_agent_tasks_workflow_id ON agent_tasks(workflow_id)`,
		`CREATE INDEX IF NOT EXISTS idx_agent_tasks_trace_id ON agent_tasks(trace_id)`,
		`CREATE INDEX IF NOT EXISTS idx_agent_tasks_agent_type ON agent_tasks(agent_type)`,
		`CREATE INDEX IF NOT EXISTS idx_spans_trace_id ON spans(trace_id)`,
		`CREATE INDEX IF NOT EXISTS idx_workflow_events_workflow_id ON workflow_events(workflow_id)`,
	}
	for _, stmt := range indexes {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}
