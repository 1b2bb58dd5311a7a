package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"entgo.io/ent/dialect"
	entsql "entgo.io/ent/dialect/sql"

	"github.com/joseph-ayodele/paper-extract/constants"
	"github.com/joseph-ayodele/paper-extract/internal/common"
	"github.com/joseph-ayodele/paper-extract/internal/entity"
)

const (
	tableJobs    = "jobs"
	tableBatches = "batches"
)

var jobColumns = []string{
	"id", "job_id", "batch_id", "file_url", "file_name", "correlation", "options",
	"status", "progress_percentage", "worker_id", "created_at", "updated_at",
	"started_at", "last_heartbeat", "estimated_completion", "completed_at",
	"error_message", "processing_time_ms", "doc_metadata", "doc_references", "extracted_text",
}

var batchColumns = []string{
	"id", "batch_id", "status", "webhook_url", "total_files", "processed_files",
	"failed_files", "request_data", "webhook_sent", "webhook_status", "webhook_error",
	"created_at", "updated_at", "completed_at",
}

// jobSelect selects every job column plus the owning batch's public id.
// Predicates must be qualified through the returned table.
func jobSelect(d string) (*entsql.Selector, *entsql.SelectTable) {
	b := entsql.Dialect(d)
	jobs := b.Table(tableJobs).As("j")
	batches := b.Table(tableBatches).As("b")
	cols := make([]string, 0, len(jobColumns)+1)
	for _, c := range jobColumns {
		cols = append(cols, jobs.C(c))
	}
	cols = append(cols, batches.C("batch_id"))
	sel := b.Select(cols...).From(jobs).Join(batches).On(jobs.C("batch_id"), batches.C("id"))
	return sel, jobs
}

func batchSelect(d string) (*entsql.Selector, *entsql.SelectTable) {
	b := entsql.Dialect(d)
	batches := b.Table(tableBatches)
	cols := make([]string, 0, len(batchColumns))
	for _, c := range batchColumns {
		cols = append(cols, batches.C(c))
	}
	return b.Select(cols...).From(batches), batches
}

func scanJob(rows *entsql.Rows) (*entity.Job, error) {
	var j entity.Job
	var fileName, correlation, options, workerID, errMsg sql.NullString
	var metadata, references, text, batchPublicID sql.NullString
	var updatedAt, startedAt, heartbeat, eta, completedAt sql.NullTime
	var processingMs sql.NullInt64
	var status string
	if err := rows.Scan(
		&j.ID, &j.JobID, &j.BatchID, &j.FileURL, &fileName, &correlation, &options,
		&status, &j.ProgressPercentage, &workerID, &j.CreatedAt, &updatedAt,
		&startedAt, &heartbeat, &eta, &completedAt,
		&errMsg, &processingMs, &metadata, &references, &text, &batchPublicID,
	); err != nil {
		return nil, err
	}
	j.Status = constants.JobStatus(status)
	j.FileName = fileName.String
	j.WorkerID = workerID.String
	j.ErrorMessage = errMsg.String
	j.ExtractedText = text.String
	j.BatchPublicID = batchPublicID.String
	j.Correlation = rawJSON(correlation)
	j.Metadata = rawJSON(metadata)
	j.References = rawJSON(references)
	j.CreatedAt = j.CreatedAt.UTC()
	j.UpdatedAt = timePtr(updatedAt)
	j.StartedAt = timePtr(startedAt)
	j.LastHeartbeat = timePtr(heartbeat)
	j.EstimatedCompletion = timePtr(eta)
	j.CompletedAt = timePtr(completedAt)
	if processingMs.Valid {
		ms := processingMs.Int64
		j.ProcessingTimeMs = &ms
	}
	if options.Valid && options.String != "" {
		var o entity.ProcessingOptions
		if err := json.Unmarshal([]byte(options.String), &o); err != nil {
			return nil, fmt.Errorf("job %s options: %w", j.JobID, err)
		}
		j.Options = &o
	}
	return &j, nil
}

func scanBatch(rows *entsql.Rows) (*entity.Batch, error) {
	var b entity.Batch
	var webhookURL, requestData, hookErr sql.NullString
	var hookStatus sql.NullInt64
	var updatedAt, completedAt sql.NullTime
	var status string
	if err := rows.Scan(
		&b.ID, &b.BatchID, &status, &webhookURL, &b.TotalFiles, &b.ProcessedFiles,
		&b.FailedFiles, &requestData, &b.WebhookSent, &hookStatus, &hookErr,
		&b.CreatedAt, &updatedAt, &completedAt,
	); err != nil {
		return nil, err
	}
	b.Status = constants.BatchStatus(status)
	b.WebhookURL = webhookURL.String
	b.WebhookError = hookErr.String
	b.RequestData = rawJSON(requestData)
	b.CreatedAt = b.CreatedAt.UTC()
	b.UpdatedAt = timePtr(updatedAt)
	b.CompletedAt = timePtr(completedAt)
	if hookStatus.Valid {
		code := int(hookStatus.Int64)
		b.WebhookStatus = &code
	}
	return &b, nil
}

func queryJobs(ctx context.Context, q dialect.ExecQuerier, sel *entsql.Selector) ([]*entity.Job, error) {
	query, args := sel.Query()
	var rows entsql.Rows
	if err := q.Query(ctx, query, args, &rows); err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*entity.Job
	for rows.Next() {
		j, err := scanJob(&rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func queryBatches(ctx context.Context, q dialect.ExecQuerier, sel *entsql.Selector) ([]*entity.Batch, error) {
	query, args := sel.Query()
	var rows entsql.Rows
	if err := q.Query(ctx, query, args, &rows); err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*entity.Batch
	for rows.Next() {
		b, err := scanBatch(&rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// exec runs a statement and returns the number of affected rows.
func exec(ctx context.Context, q dialect.ExecQuerier, query string, args []any) (int64, error) {
	var res sql.Result
	if err := q.Exec(ctx, query, args, &res); err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// insertID runs an INSERT ... RETURNING id.
func insertID(ctx context.Context, q dialect.ExecQuerier, ins *entsql.InsertBuilder) (int64, error) {
	query, args := ins.Returning("id").Query()
	var rows entsql.Rows
	if err := q.Query(ctx, query, args, &rows); err != nil {
		return 0, err
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return 0, err
		}
		return 0, sql.ErrNoRows
	}
	var id int64
	if err := rows.Scan(&id); err != nil {
		return 0, err
	}
	return id, rows.Err()
}

// withTx runs fn inside a transaction. SQLite is pinned to one connection,
// so fn must only use tx.
func withTx(ctx context.Context, drv *entsql.Driver, fn func(tx dialect.Tx) error) error {
	tx, err := drv.Tx(ctx)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		if rerr := tx.Rollback(); rerr != nil {
			return fmt.Errorf("%w (rollback: %v)", err, rerr)
		}
		return err
	}
	return tx.Commit()
}

func rawJSON(s sql.NullString) json.RawMessage {
	if !s.Valid || s.String == "" || s.String == "null" {
		return nil
	}
	return json.RawMessage(s.String)
}

// jsonArg turns raw JSON into a driver argument, nil meaning NULL.
func jsonArg(raw json.RawMessage) any {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return string(raw)
}

func optionsArg(o *entity.ProcessingOptions) (any, error) {
	if o == nil {
		return nil, nil
	}
	b, err := json.Marshal(o)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	u := t.Time.UTC()
	return &u
}

func isNotFound(err error) bool {
	return errors.Is(err, common.ErrNotFound)
}
