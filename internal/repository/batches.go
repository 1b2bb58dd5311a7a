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

// Transition reports what a RecordOutcome call did to its batch.
type Transition struct {
	Batch *entity.Batch
	// Counted is false when the batch was already settled or terminal.
	Counted bool
	// Completed is true for exactly one caller: the one whose outcome settled the batch.
	Completed bool
}

type BatchRepository interface {
	GetByID(ctx context.Context, id int64) (*entity.Batch, error)
	GetByPublicID(ctx context.Context, batchID string) (*entity.Batch, error)
	Exists(ctx context.Context, batchID string) (bool, error)

	// Create writes a pending batch and its pending jobs in one transaction.
	Create(ctx context.Context, batch *entity.Batch, jobs []entity.NewJob) (*entity.Batch, []*entity.Job, error)
	// AddJob appends a pending job to a non-terminal batch and bumps total_files.
	AddJob(ctx context.Context, batchID string, job entity.NewJob) (*entity.Batch, *entity.Job, error)

	RecordOutcome(ctx context.Context, id int64, failed bool) (Transition, error)
	// Abort fails every pending job of the batch and the batch itself.
	// Transition.Completed is true only for the call that made the batch terminal.
	Abort(ctx context.Context, id int64, reason string) (Transition, error)
	RecordWebhook(ctx context.Context, id int64, sent bool, status *int, errMsg string) error
}

type batchRepo struct {
	drv *entsql.Driver
	log *slog.Logger
	now func() time.Time
}

func NewBatchRepository(drv *entsql.Driver, log *slog.Logger) BatchRepository {
	if log == nil {
		log = slog.Default()
	}
	return &batchRepo{drv: drv, log: log, now: time.Now}
}

func (r *batchRepo) sql() *entsql.DialectBuilder {
	return entsql.Dialect(r.drv.Dialect())
}

func (r *batchRepo) GetByID(ctx context.Context, id int64) (*entity.Batch, error) {
	b, err := r.get(ctx, r.drv, entsql.EQ("id", id))
	if err != nil {
		r.log.Error("batch.get failed", "id", id, "err", err)
	}
	return b, err
}

func (r *batchRepo) GetByPublicID(ctx context.Context, batchID string) (*entity.Batch, error) {
	b, err := r.get(ctx, r.drv, entsql.EQ("batch_id", batchID))
	if err != nil && !isNotFound(err) {
		r.log.Error("batch.get failed", "batch_id", batchID, "err", err)
	}
	return b, err
}

func (r *batchRepo) get(ctx context.Context, q dialect.ExecQuerier, p *entsql.Predicate) (*entity.Batch, error) {
	sel, _ := batchSelect(r.drv.Dialect())
	batches, err := queryBatches(ctx, q, sel.Where(p).Limit(1))
	if err != nil {
		return nil, common.DBError("failed to load batch", err)
	}
	if len(batches) == 0 {
		return nil, common.NotFoundf("batch not found")
	}
	return batches[0], nil
}

func (r *batchRepo) Exists(ctx context.Context, batchID string) (bool, error) {
	_, err := r.get(ctx, r.drv, entsql.EQ("batch_id", batchID))
	switch {
	case err == nil:
		return true, nil
	case isNotFound(err):
		return false, nil
	default:
		return false, err
	}
}

func (r *batchRepo) Create(ctx context.Context, batch *entity.Batch, jobs []entity.NewJob) (*entity.Batch, []*entity.Job, error) {
	now := r.now().UTC()
	var created *entity.Batch
	var createdJobs []*entity.Job
	err := withTx(ctx, r.drv, func(tx dialect.Tx) error {
		if _, err := r.get(ctx, tx, entsql.EQ("batch_id", batch.BatchID)); err == nil {
			return common.Conflictf("batch %s already exists", batch.BatchID)
		} else if !isNotFound(err) {
			return err
		}

		id, err := insertID(ctx, tx, r.sql().Insert(tableBatches).
			Set("batch_id", batch.BatchID).
			Set("status", string(constants.BatchStatusPending)).
			Set("webhook_url", nullString(batch.WebhookURL)).
			Set("total_files", len(jobs)).
			Set("processed_files", 0).
			Set("failed_files", 0).
			Set("request_data", jsonArg(batch.RequestData)).
			Set("webhook_sent", false).
			Set("created_at", now).
			Set("updated_at", now))
		if err != nil {
			return common.DBError("failed to create batch", err)
		}

		for _, nj := range jobs {
			j, err := r.insertJob(ctx, tx, id, nj, now)
			if err != nil {
				return err
			}
			j.BatchPublicID = batch.BatchID
			createdJobs = append(createdJobs, j)
		}

		created, err = r.get(ctx, tx, entsql.EQ("id", id))
		return err
	})
	if err != nil {
		r.log.Error("batch.create failed", "batch_id", batch.BatchID, "files", len(jobs), "err", err)
		return nil, nil, err
	}
	r.log.Info("batch.created", "batch_id", created.BatchID, "total_files", created.TotalFiles)
	return created, createdJobs, nil
}

func (r *batchRepo) AddJob(ctx context.Context, batchID string, nj entity.NewJob) (*entity.Batch, *entity.Job, error) {
	now := r.now().UTC()
	var batch *entity.Batch
	var job *entity.Job
	err := withTx(ctx, r.drv, func(tx dialect.Tx) error {
		b, err := r.get(ctx, tx, entsql.EQ("batch_id", batchID))
		if err != nil {
			return err
		}
		q, args := r.sql().Update(tableBatches).
			Add("total_files", 1).
			Set("updated_at", now).
			Where(entsql.EQ("id", b.ID)).
			Where(entsql.NotIn("status", string(constants.BatchStatusCompleted), string(constants.BatchStatusFailed))).
			Query()
		n, err := exec(ctx, tx, q, args)
		if err != nil {
			return common.DBError("failed to extend batch", err)
		}
		if n == 0 {
			return common.Conflictf("batch %s is already %s", batchID, b.Status)
		}
		if job, err = r.insertJob(ctx, tx, b.ID, nj, now); err != nil {
			return err
		}
		job.BatchPublicID = b.BatchID
		batch, err = r.get(ctx, tx, entsql.EQ("id", b.ID))
		return err
	})
	if err != nil {
		if !isNotFound(err) {
			r.log.Error("batch.add_job failed", "batch_id", batchID, "err", err)
		}
		return nil, nil, err
	}
	r.log.Info("batch.job_added", "batch_id", batchID, "job_id", job.JobID, "total_files", batch.TotalFiles)
	return batch, job, nil
}

func (r *batchRepo) insertJob(ctx context.Context, tx dialect.Tx, batchID int64, nj entity.NewJob, now time.Time) (*entity.Job, error) {
	opts, err := optionsArg(nj.Options)
	if err != nil {
		return nil, common.InvalidInputf("options: %v", err)
	}
	id, err := insertID(ctx, tx, r.sql().Insert(tableJobs).
		Set("job_id", nj.JobID).
		Set("batch_id", batchID).
		Set("file_url", nj.FileURL).
		Set("file_name", nullString(nj.FileName)).
		Set("correlation", jsonArg(nj.Correlation)).
		Set("options", opts).
		Set("status", string(constants.JobStatusPending)).
		Set("progress_percentage", constants.ProgressInitialized).
		Set("created_at", now).
		Set("updated_at", now))
	if err != nil {
		return nil, common.DBError("failed to create job", err)
	}
	return &entity.Job{
		ID:          id,
		JobID:       nj.JobID,
		BatchID:     batchID,
		FileURL:     nj.FileURL,
		FileName:    nj.FileName,
		Correlation: nj.Correlation,
		Options:     nj.Options,
		Status:      constants.JobStatusPending,
		CreatedAt:   now,
		UpdatedAt:   &now,
	}, nil
}

// RecordOutcome counts one terminal job against its batch and completes the
// batch when every file is accounted for. Both steps are guarded updates in a
// single transaction, so concurrent callers cannot double count or complete
// the batch twice.
func (r *batchRepo) RecordOutcome(ctx context.Context, id int64, failed bool) (Transition, error) {
	now := r.now().UTC()
	counter := "processed_files"
	if failed {
		counter = "failed_files"
	}
	terminal := []any{string(constants.BatchStatusCompleted), string(constants.BatchStatusFailed)}

	var tr Transition
	err := withTx(ctx, r.drv, func(tx dialect.Tx) error {
		q, args := r.sql().Update(tableBatches).
			Add(counter, 1).
			Set("updated_at", now).
			Where(entsql.EQ("id", id)).
			Where(entsql.NotIn("status", terminal...)).
			Where(entsql.ExprP("processed_files + failed_files < total_files")).
			Query()
		n, err := exec(ctx, tx, q, args)
		if err != nil {
			return err
		}
		tr.Counted = n == 1

		if tr.Counted {
			q, args = r.sql().Update(tableBatches).
				Set("status", string(constants.BatchStatusCompleted)).
				Set("completed_at", now).
				Set("updated_at", now).
				Where(entsql.EQ("id", id)).
				Where(entsql.NotIn("status", terminal...)).
				Where(entsql.ExprP("processed_files + failed_files >= total_files")).
				Query()
			n, err = exec(ctx, tx, q, args)
			if err != nil {
				return err
			}
			tr.Completed = n == 1
		}

		tr.Batch, err = r.get(ctx, tx, entsql.EQ("id", id))
		return err
	})
	if err != nil {
		r.log.Error("batch.record_outcome failed", "id", id, "failed", failed, "err", err)
		if isNotFound(err) {
			return Transition{}, err
		}
		return Transition{}, common.DBError("failed to record job outcome", err)
	}
	if !tr.Counted {
		r.log.Warn("batch.record_outcome ignored, batch already settled", "batch_id", tr.Batch.BatchID)
	}
	return tr, nil
}

func (r *batchRepo) Abort(ctx context.Context, id int64, reason string) (Transition, error) {
	now := r.now().UTC()
	var tr Transition
	err := withTx(ctx, r.drv, func(tx dialect.Tx) error {
		q, args := r.sql().Update(tableJobs).
			Set("status", string(constants.JobStatusFailed)).
			Set("progress_percentage", constants.ProgressInitialized).
			Set("error_message", reason).
			Set("completed_at", now).
			Set("last_heartbeat", now).
			Set("updated_at", now).
			Where(entsql.EQ("batch_id", id)).
			Where(entsql.EQ("status", string(constants.JobStatusPending))).
			Query()
		n, err := exec(ctx, tx, q, args)
		if err != nil {
			return err
		}

		q, args = r.sql().Update(tableBatches).
			Add("failed_files", n).
			Set("status", string(constants.BatchStatusFailed)).
			Set("completed_at", now).
			Set("updated_at", now).
			Where(entsql.EQ("id", id)).
			Where(entsql.NotIn("status", string(constants.BatchStatusCompleted), string(constants.BatchStatusFailed))).
			Query()
		settled, err := exec(ctx, tx, q, args)
		if err != nil {
			return err
		}
		tr.Counted = n > 0
		tr.Completed = settled == 1
		tr.Batch, err = r.get(ctx, tx, entsql.EQ("id", id))
		return err
	})
	if err != nil {
		r.log.Error("batch.abort failed", "id", id, "err", err)
		if isNotFound(err) {
			return Transition{}, err
		}
		return Transition{}, common.DBError("failed to abort batch", err)
	}
	r.log.Warn("batch.aborted", "batch_id", tr.Batch.BatchID, "reason", reason, "failed_files", tr.Batch.FailedFiles, "settled", tr.Completed)
	return tr, nil
}

func (r *batchRepo) RecordWebhook(ctx context.Context, id int64, sent bool, status *int, errMsg string) error {
	u := r.sql().Update(tableBatches).
		Set("webhook_sent", sent).
		Set("webhook_error", nullString(errMsg)).
		Set("updated_at", r.now().UTC()).
		Where(entsql.EQ("id", id))
	if status != nil {
		u.Set("webhook_status", *status)
	} else {
		u.SetNull("webhook_status")
	}
	q, args := u.Query()
	if _, err := exec(ctx, r.drv, q, args); err != nil {
		r.log.Error("batch.record_webhook failed", "id", id, "err", err)
		return common.DBError("failed to record webhook delivery", err)
	}
	return nil
}
