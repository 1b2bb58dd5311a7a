package repository

import (
	"context"
	"fmt"
	"log/slog"

	"entgo.io/ent/dialect"
	entsql "entgo.io/ent/dialect/sql"
)

// column types that differ between backends
type ddlTypes struct {
	pk, text, json, ts, boolean string
}

var dialectTypes = map[string]ddlTypes{
	dialect.Postgres: {pk: "BIGSERIAL PRIMARY KEY", text: "TEXT", json: "JSONB", ts: "TIMESTAMPTZ", boolean: "BOOLEAN"},
	dialect.SQLite:   {pk: "INTEGER PRIMARY KEY AUTOINCREMENT", text: "TEXT", json: "TEXT", ts: "DATETIME", boolean: "BOOLEAN"},
}

func schemaStatements(t ddlTypes) []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS batches (
	id %[1]s,
	batch_id VARCHAR(64) NOT NULL UNIQUE,
	status VARCHAR(20) NOT NULL DEFAULT 'pending',
	webhook_url %[2]s,
	total_files INTEGER NOT NULL DEFAULT 0,
	processed_files INTEGER NOT NULL DEFAULT 0,
	failed_files INTEGER NOT NULL DEFAULT 0,
	request_data %[3]s,
	webhook_sent %[5]s NOT NULL DEFAULT FALSE,
	webhook_status INTEGER,
	webhook_error %[2]s,
	created_at %[4]s NOT NULL,
	updated_at %[4]s,
	completed_at %[4]s,
	CHECK (processed_files + failed_files <= total_files)
)`, t.pk, t.text, t.json, t.ts, t.boolean),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS jobs (
	id %[1]s,
	job_id VARCHAR(64) NOT NULL UNIQUE,
	batch_id BIGINT NOT NULL REFERENCES batches(id) ON DELETE CASCADE,
	file_url %[2]s NOT NULL,
	file_name %[2]s,
	correlation %[3]s,
	options %[3]s,
	status VARCHAR(20) NOT NULL DEFAULT 'pending',
	progress_percentage INTEGER NOT NULL DEFAULT 0,
	worker_id VARCHAR(64),
	created_at %[4]s NOT NULL,
	updated_at %[4]s,
	started_at %[4]s,
	last_heartbeat %[4]s,
	estimated_completion %[4]s,
	completed_at %[4]s,
	error_message %[2]s,
	processing_time_ms BIGINT,
	doc_metadata %[3]s,
	doc_references %[3]s,
	extracted_text %[2]s,
	CHECK (progress_percentage BETWEEN 0 AND 100)
)`, t.pk, t.text, t.json, t.ts),
		`CREATE INDEX IF NOT EXISTS jobs_status_heartbeat_idx ON jobs (status, last_heartbeat)`,
		`CREATE INDEX IF NOT EXISTS jobs_batch_id_idx ON jobs (batch_id)`,
	}
}

// Migrate creates the work unit tables if they do not exist yet.
func Migrate(ctx context.Context, drv *entsql.Driver, logger *slog.Logger) error {
	types, ok := dialectTypes[drv.Dialect()]
	if !ok {
		return fmt.Errorf("migrate: unsupported dialect %q", drv.Dialect())
	}
	for _, stmt := range schemaStatements(types) {
		if err := drv.Exec(ctx, stmt, []any{}, nil); err != nil {
			logger.Error("schema migration failed", "dialect", drv.Dialect(), "error", err)
			return fmt.Errorf("migrate: %w", err)
		}
	}
	logger.Info("schema ready", "dialect", drv.Dialect())
	return nil
}
