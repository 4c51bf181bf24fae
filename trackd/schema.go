package main

import (
	"context"
	"database/sql"
	"fmt"
)

// The schema is applied at startup so a fresh Postgres can serve
// immediately. Every statement is idempotent.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS runs (
		run_id        uuid PRIMARY KEY,
		parent_run_id uuid REFERENCES runs(run_id),
		name          text NOT NULL,
		status        text NOT NULL DEFAULT 'running',
		tags          jsonb NOT NULL DEFAULT '{}'::jsonb,
		created_at    timestamptz NOT NULL,
		updated_at    timestamptz NOT NULL,
		ended_at      timestamptz
	)`,
	`CREATE INDEX IF NOT EXISTS runs_parent_idx ON runs (parent_run_id)`,
	`CREATE INDEX IF NOT EXISTS runs_status_updated_idx ON runs (status, updated_at)`,

	`CREATE TABLE IF NOT EXISTS run_params (
		run_id     uuid NOT NULL REFERENCES runs(run_id) ON DELETE CASCADE,
		name       text NOT NULL,
		value      text NOT NULL,
		created_at timestamptz NOT NULL,
		PRIMARY KEY (run_id, name)
	)`,

	`CREATE TABLE IF NOT EXISTS run_metrics (
		seq        bigserial PRIMARY KEY,
		run_id     uuid NOT NULL REFERENCES runs(run_id) ON DELETE CASCADE,
		name       text NOT NULL,
		value      double precision NOT NULL,
		step       integer NOT NULL DEFAULT 0,
		created_at timestamptz NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS run_metrics_run_name_idx ON run_metrics (run_id, name, seq)`,

	`CREATE TABLE IF NOT EXISTS run_artifacts (
		artifact_id uuid PRIMARY KEY,
		run_id      uuid NOT NULL REFERENCES runs(run_id) ON DELETE CASCADE,
		path        text NOT NULL,
		size_bytes  bigint NOT NULL,
		sha256      text NOT NULL,
		object_key  text NOT NULL,
		created_at  timestamptz NOT NULL,
		UNIQUE (run_id, path)
	)`,

	`CREATE TABLE IF NOT EXISTS lineage_events (
		event_id         bigserial PRIMARY KEY,
		occurred_at      timestamptz NOT NULL,
		actor            text NOT NULL,
		request_id       text,
		subject_type     text NOT NULL,
		subject_id       text NOT NULL,
		predicate        text NOT NULL,
		object_type      text NOT NULL,
		object_id        text NOT NULL,
		metadata         jsonb NOT NULL,
		integrity_sha256 text NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS lineage_events_subject_idx ON lineage_events (subject_id)`,
	`CREATE INDEX IF NOT EXISTS lineage_events_object_idx ON lineage_events (object_id)`,

	`CREATE TABLE IF NOT EXISTS audit_events (
		event_id         bigserial PRIMARY KEY,
		occurred_at      timestamptz NOT NULL,
		actor            text NOT NULL,
		action           text NOT NULL,
		resource_type    text NOT NULL,
		resource_id      text NOT NULL,
		request_id       text,
		ip               text,
		user_agent       text,
		payload          jsonb NOT NULL,
		integrity_sha256 text NOT NULL
	)`,
}

func applySchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}
