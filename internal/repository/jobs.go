package repository

import (
	"context"
	"log/slog"
	"time"

	"entgo.io/ent/dialect"
	entsql "entgo.io/ent/dialect/sql"

	"github.com/joseph-ayodele/paper-extract/constants"
	"github.com/joseph-ayodele/paper-extract/internal/common"
	"github.com/joseph-ayodele/paper-extract/internal/entity"
)

// JobRepository persists jobs. Every state transition is a guarded update:
// the bool result is false when the job was not in the expected state.
type JobRepository interface {
	GetByID(ctx context.Context, id int64) (*entity.Job, error)
	GetByPublicID(ctx context.Context, jobID string) (*entity.Job, error)
	ListByBatch(ctx context.Context, batchID int64) ([]*entity.Job, error)
	ListByStatus(ctx context.Context, status constants.JobStatus, limit int) ([]*entity.Job, error)
	// ListStale returns processing jobs whose last heartbeat is older than cutoff.
	ListStale(ctx context.Context, cutoff time.Time) ([]*entity.Job, error)

	Start(ctx context.Context, id int64, workerID string, now, eta time.Time) (bool, error)
	UpdateProgress(ctx context.Context, id int64, pct int, now, eta time.Time) (bool, error)
	Complete(ctx context.Context, id int64, res entity.ExtractionResult, now time.Time, processingMs int64) (bool, error)
	Fail(ctx context.Context, id int64, message string, now time.Time) (bool, error)
}

type jobRepo struct {
	drv *entsql.Driver
	log *slog.Logger
}

func NewJobRepository(drv *entsql.Driver, log *slog.Logger) JobRepository {
	if log == nil {
		log = slog.Default()
	}
	return &jobRepo{drv: drv, log: log}
}

func (r *jobRepo) GetByID(ctx context.Context, id int64) (*entity.Job, error) {
	sel, t := jobSelect(r.drv.Dialect())
	return r.one(ctx, r.drv, sel.Where(entsql.EQ(t.C("id"), id)), "id", id)
}

func (r *jobRepo) GetByPublicID(ctx context.Context, jobID string) (*entity.Job, error) {
	sel, t := jobSelect(r.drv.Dialect())
	return r.one(ctx, r.drv, sel.Where(entsql.EQ(t.C("job_id"), jobID)), "job_id", jobID)
}

func (r *jobRepo) one(ctx context.Context, q dialect.ExecQuerier, sel *entsql.Selector, key string, val any) (*entity.Job, error) {
	jobs, err := queryJobs(ctx, q, sel.Limit(1))
	if err != nil {
		r.log.Error("job.get failed", key, val, "err", err)
		return nil, common.DBError("failed to load job", err)
	}
	if len(jobs) == 0 {
		return nil, common.NotFoundf("job not found")
	}
	return jobs[0], nil
}

func (r *jobRepo) ListByBatch(ctx context.Context, batchID int64) ([]*entity.Job, error) {
	sel, t := jobSelect(r.drv.Dialect())
	sel.Where(entsql.EQ(t.C("batch_id"), batchID)).OrderBy(entsql.Asc(t.C("id")))
	jobs, err := queryJobs(ctx, r.drv, sel)
	if err != nil {
		r.log.Error("job.list_by_batch failed", "batch_id", batchID, "err", err)
		return nil, common.DBError("failed to list jobs", err)
	}
	return jobs, nil
}

func (r *jobRepo) ListByStatus(ctx context.Context, status constants.JobStatus, limit int) ([]*entity.Job, error) {
	sel, t := jobSelect(r.drv.Dialect())
	sel.Where(entsql.EQ(t.C("status"), string(status))).OrderBy(entsql.Asc(t.C("id")))
	if limit > 0 {
		sel.Limit(limit)
	}
	jobs, err := queryJobs(ctx, r.drv, sel)
	if err != nil {
		r.log.Error("job.list_by_status failed", "status", status, "err", err)
		return nil, common.DBError("failed to list jobs", err)
	}
	return jobs, nil
}

func (r *jobRepo) ListStale(ctx context.Context, cutoff time.Time) ([]*entity.Job, error) {
	sel, t := jobSelect(r.drv.Dialect())
	sel.Where(entsql.And(
		entsql.EQ(t.C("status"), string(constants.JobStatusProcessing)),
		entsql.Or(
			entsql.LT(t.C("last_heartbeat"), cutoff.UTC()),
			entsql.And(entsql.IsNull(t.C("last_heartbeat")), entsql.LT(t.C("created_at"), cutoff.UTC())),
		),
	)).OrderBy(entsql.Asc(t.C("id")))
	jobs, err := queryJobs(ctx, r.drv, sel)
	if err != nil {
		r.log.Error("job.list_stale failed", "cutoff", cutoff, "err", err)
		return nil, common.DBError("failed to list stale jobs", err)
	}
	return jobs, nil
}

// Start moves a pending job to processing and its batch along with it.
func (r *jobRepo) Start(ctx context.Context, id int64, workerID string, now, eta time.Time) (bool, error) {
	now = now.UTC()
	var started bool
	err := withTx(ctx, r.drv, func(tx dialect.Tx) error {
		d := entsql.Dialect(r.drv.Dialect())
		q, args := d.Update(tableJobs).
			Set("status", string(constants.JobStatusProcessing)).
			Set("progress_percentage", constants.ProgressInitialized).
			Set("worker_id", workerID).
			Set("started_at", now).
			Set("last_heartbeat", now).
			Set("estimated_completion", eta.UTC()).
			Set("updated_at", now).
			Where(entsql.EQ("id", id)).
			Where(entsql.EQ("status", string(constants.JobStatusPending))).
			Query()
		n, err := exec(ctx, tx, q, args)
		if err != nil || n == 0 {
			return err
		}
		started = true

		q, args = d.Update(tableBatches).
			Set("status", string(constants.BatchStatusProcessing)).
			Set("updated_at", now).
			Where(entsql.EQ("status", string(constants.BatchStatusPending))).
			Where(entsql.In("id", d.Select("batch_id").From(d.Table(tableJobs)).Where(entsql.EQ("id", id)))).
			Query()
		_, err = exec(ctx, tx, q, args)
		return err
	})
	if err != nil {
		r.log.Error("job.start failed", "id", id, "worker_id", workerID, "err", err)
		return false, common.DBError("failed to start job", err)
	}
	if started {
		r.log.Debug("job.started", "id", id, "worker_id", workerID)
	}
	return started, nil
}

func (r *jobRepo) UpdateProgress(ctx context.Context, id int64, pct int, now, eta time.Time) (bool, error) {
	now = now.UTC()
	q, args := entsql.Dialect(r.drv.Dialect()).Update(tableJobs).
		Set("progress_percentage", pct).
		Set("last_heartbeat", now).
		Set("estimated_completion", eta.UTC()).
		Set("updated_at", now).
		Where(entsql.EQ("id", id)).
		Where(entsql.EQ("status", string(constants.JobStatusProcessing))).
		Query()
	n, err := exec(ctx, r.drv, q, args)
	if err != nil {
		r.log.Error("job.progress failed", "id", id, "progress", pct, "err", err)
		return false, common.DBError("failed to update progress", err)
	}
	return n == 1, nil
}

func (r *jobRepo) Complete(ctx context.Context, id int64, res entity.ExtractionResult, now time.Time, processingMs int64) (bool, error) {
	now = now.UTC()
	q, args := entsql.Dialect(r.drv.Dialect()).Update(tableJobs).
		Set("status", string(constants.JobStatusCompleted)).
		Set("progress_percentage", constants.ProgressDone).
		Set("doc_metadata", jsonArg(res.Metadata)).
		Set("doc_references", jsonArg(res.References)).
		Set("extracted_text", nullString(res.ExtractedText)).
		Set("processing_time_ms", processingMs).
		Set("completed_at", now).
		Set("last_heartbeat", now).
		Set("updated_at", now).
		SetNull("error_message").
		Where(entsql.EQ("id", id)).
		Where(entsql.EQ("status", string(constants.JobStatusProcessing))).
		Query()
	n, err := exec(ctx, r.drv, q, args)
	if err != nil {
		r.log.Error("job.complete failed", "id", id, "err", err)
		return false, common.DBError("failed to complete job", err)
	}
	if n == 0 {
		r.log.Warn("job.complete skipped, job no longer processing", "id", id)
		return false, nil
	}
	r.log.Info("job.completed", "id", id, "processing_time_ms", processingMs, "extracted", res.PresentKeys())
	return true, nil
}

// Fail marks a non-terminal job failed and resets its progress.
func (r *jobRepo) Fail(ctx context.Context, id int64, message string, now time.Time) (bool, error) {
	now = now.UTC()
	q, args := entsql.Dialect(r.drv.Dialect()).Update(tableJobs).
		Set("status", string(constants.JobStatusFailed)).
		Set("progress_percentage", constants.ProgressInitialized).
		Set("error_message", message).
		Set("completed_at", now).
		Set("last_heartbeat", now).
		Set("updated_at", now).
		Where(entsql.EQ("id", id)).
		Where(entsql.In("status", string(constants.JobStatusPending), string(constants.JobStatusProcessing))).
		Query()
	n, err := exec(ctx, r.drv, q, args)
	if err != nil {
		r.log.Error("job.fail failed", "id", id, "err", err)
		return false, common.DBError("failed to mark job failed", err)
	}
	if n == 0 {
		return false, nil
	}
	r.log.Warn("job.failed", "id", id, "error", message)
	return true, nil
}
