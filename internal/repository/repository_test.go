package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	entsql "entgo.io/ent/dialect/sql"
	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"

	"github.com/joseph-ayodele/paper-extract/constants"
	"github.com/joseph-ayodele/paper-extract/internal/common"
	"github.com/joseph-ayodele/paper-extract/internal/entity"
)

func newTestDB(t *testing.T) *entsql.Driver {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	drv, err := OpenSQLite(filepath.Join(t.TempDir(), "jobs.db"), logger)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = drv.Close() })
	if err := Migrate(context.Background(), drv, logger); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return drv
}

func newJobs(n int) []entity.NewJob {
	out := make([]entity.NewJob, n)
	for i := range out {
		out[i] = entity.NewJob{
			JobID:    uuid.NewString(),
			FileURL:  fmt.Sprintf("https://example.com/%d.pdf", i),
			FileName: fmt.Sprintf("%d.pdf", i),
		}
	}
	return out
}

func seedBatch(t *testing.T, batches BatchRepository, files int) (*entity.Batch, []*entity.Job) {
	t.Helper()
	b, jobs, err := batches.Create(context.Background(), &entity.Batch{BatchID: uuid.NewString()}, newJobs(files))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return b, jobs
}

func TestMigrateIsIdempotent(t *testing.T) {
	drv := newTestDB(t)
	if err := Migrate(context.Background(), drv, slog.New(slog.DiscardHandler)); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
}

func TestCreateBatch(t *testing.T) {
	ctx := context.Background()
	drv := newTestDB(t)
	batches := NewBatchRepository(drv, nil)
	jobsRepo := NewJobRepository(drv, nil)

	opts := entity.ProcessingOptions{ExtractMetadata: true}
	nj := newJobs(2)
	nj[0].Options = &opts
	nj[0].Correlation = json.RawMessage(`{"file_id":"a"}`)
	b, created, err := batches.Create(ctx, &entity.Batch{
		BatchID:     "run-1",
		WebhookURL:  "https://hooks.example.com/x",
		RequestData: json.RawMessage(`{"files":[]}`),
	}, nj)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if b.Status != constants.BatchStatusPending || b.TotalFiles != 2 || b.Settled() != 0 {
		t.Errorf("batch = %+v, want pending with 2 files", b)
	}
	if len(created) != 2 {
		t.Fatalf("created %d jobs, want 2", len(created))
	}

	got, err := jobsRepo.GetByPublicID(ctx, nj[0].JobID)
	if err != nil {
		t.Fatalf("GetByPublicID: %v", err)
	}
	if got.BatchPublicID != "run-1" || got.Status != constants.JobStatusPending {
		t.Errorf("job batch=%q status=%q", got.BatchPublicID, got.Status)
	}
	if diff := cmp.Diff(&opts, got.Options); diff != "" {
		t.Errorf("options mismatch (-want +got):\n%s", diff)
	}
	if string(got.Correlation) != `{"file_id":"a"}` {
		t.Errorf("correlation = %s", got.Correlation)
	}

	// duplicate id: conflict, nothing written
	_, _, err = batches.Create(ctx, &entity.Batch{BatchID: "run-1"}, newJobs(3))
	if !errors.Is(err, common.ErrConflict) {
		t.Fatalf("duplicate Create error = %v, want ErrConflict", err)
	}
	pending, err := jobsRepo.ListByStatus(ctx, constants.JobStatusPending, 0)
	if err != nil {
		t.Fatalf("ListByStatus: %v", err)
	}
	if len(pending) != 2 {
		t.Errorf("pending jobs after rejected duplicate = %d, want 2", len(pending))
	}
}

func TestGetMissing(t *testing.T) {
	ctx := context.Background()
	drv := newTestDB(t)
	if _, err := NewJobRepository(drv, nil).GetByPublicID(ctx, "nope"); !errors.Is(err, common.ErrNotFound) {
		t.Errorf("job GetByPublicID error = %v, want ErrNotFound", err)
	}
	batches := NewBatchRepository(drv, nil)
	if _, err := batches.GetByPublicID(ctx, "nope"); !errors.Is(err, common.ErrNotFound) {
		t.Errorf("batch GetByPublicID error = %v, want ErrNotFound", err)
	}
	ok, err := batches.Exists(ctx, "nope")
	if err != nil || ok {
		t.Errorf("Exists = %v, %v, want false, nil", ok, err)
	}
}

func TestJobLifecycleGuards(t *testing.T) {
	ctx := context.Background()
	drv := newTestDB(t)
	batches := NewBatchRepository(drv, nil)
	jobsRepo := NewJobRepository(drv, nil)
	b, created := seedBatch(t, batches, 1)
	id := created[0].ID
	now := time.Now()

	if ok, err := jobsRepo.UpdateProgress(ctx, id, 10, now, now); err != nil || ok {
		t.Errorf("UpdateProgress on pending = %v, %v, want false", ok, err)
	}
	if ok, err := jobsRepo.Start(ctx, id, "worker_a-1", now, now.Add(2*time.Minute)); err != nil || !ok {
		t.Fatalf("Start = %v, %v, want true", ok, err)
	}
	if ok, err := jobsRepo.Start(ctx, id, "worker_b-1", now, now); err != nil || ok {
		t.Errorf("second Start = %v, %v, want false", ok, err)
	}

	batch, err := batches.GetByID(ctx, b.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if batch.Status != constants.BatchStatusProcessing {
		t.Errorf("batch status after Start = %q, want processing", batch.Status)
	}

	if ok, err := jobsRepo.UpdateProgress(ctx, id, 25, now, now.Add(time.Minute)); err != nil || !ok {
		t.Errorf("UpdateProgress = %v, %v, want true", ok, err)
	}
	res := entity.ExtractionResult{Metadata: json.RawMessage(`{"title":"T"}`), References: json.RawMessage(`[{"title":"R"}]`)}
	if ok, err := jobsRepo.Complete(ctx, id, res, now, 1234); err != nil || !ok {
		t.Fatalf("Complete = %v, %v, want true", ok, err)
	}
	if ok, err := jobsRepo.Fail(ctx, id, "late", now); err != nil || ok {
		t.Errorf("Fail after Complete = %v, %v, want false", ok, err)
	}

	job, err := jobsRepo.GetByID(ctx, id)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if job.Status != constants.JobStatusCompleted || job.ProgressPercentage != 100 {
		t.Errorf("job status=%q progress=%d", job.Status, job.ProgressPercentage)
	}
	if job.WorkerID != "worker_a-1" {
		t.Errorf("WorkerID = %q, want worker_a-1", job.WorkerID)
	}
	if job.ProcessingTimeMs == nil || *job.ProcessingTimeMs != 1234 {
		t.Errorf("ProcessingTimeMs = %v, want 1234", job.ProcessingTimeMs)
	}
	if string(job.References) != `[{"title":"R"}]` {
		t.Errorf("References = %s", job.References)
	}
}

func TestFailResetsProgress(t *testing.T) {
	ctx := context.Background()
	drv := newTestDB(t)
	jobsRepo := NewJobRepository(drv, nil)
	_, created := seedBatch(t, NewBatchRepository(drv, nil), 1)
	id := created[0].ID
	now := time.Now()

	if _, err := jobsRepo.Start(ctx, id, "w", now, now); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := jobsRepo.UpdateProgress(ctx, id, 25, now, now); err != nil {
		t.Fatalf("UpdateProgress: %v", err)
	}
	failedAt := now.Add(time.Minute)
	if ok, err := jobsRepo.Fail(ctx, id, "download failed", failedAt); err != nil || !ok {
		t.Fatalf("Fail = %v, %v, want true", ok, err)
	}
	job, err := jobsRepo.GetByID(ctx, id)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if job.ProgressPercentage != 0 || job.ErrorMessage != "download failed" || job.CompletedAt == nil {
		t.Errorf("failed job = progress %d, error %q, completed_at %v", job.ProgressPercentage, job.ErrorMessage, job.CompletedAt)
	}
	if job.LastHeartbeat == nil || job.LastHeartbeat.Sub(failedAt).Abs() > time.Second {
		t.Errorf("LastHeartbeat = %v, want the failure time %v", job.LastHeartbeat, failedAt)
	}
}

func TestRecordOutcomeCompletesOnce(t *testing.T) {
	ctx := context.Background()
	drv := newTestDB(t)
	batches := NewBatchRepository(drv, nil)
	b, _ := seedBatch(t, batches, 2)

	tr, err := batches.RecordOutcome(ctx, b.ID, false)
	if err != nil {
		t.Fatalf("RecordOutcome: %v", err)
	}
	if !tr.Counted || tr.Completed {
		t.Errorf("first outcome = %+v, want counted and not completed", tr)
	}

	tr, err = batches.RecordOutcome(ctx, b.ID, true)
	if err != nil {
		t.Fatalf("RecordOutcome: %v", err)
	}
	if !tr.Counted || !tr.Completed {
		t.Errorf("second outcome = %+v, want counted and completed", tr)
	}
	if tr.Batch.Status != constants.BatchStatusCompleted || tr.Batch.ProcessedFiles != 1 || tr.Batch.FailedFiles != 1 {
		t.Errorf("batch = status %q processed %d failed %d", tr.Batch.Status, tr.Batch.ProcessedFiles, tr.Batch.FailedFiles)
	}
	if tr.Batch.CompletedAt == nil {
		t.Errorf("CompletedAt not set")
	}

	tr, err = batches.RecordOutcome(ctx, b.ID, false)
	if err != nil {
		t.Fatalf("RecordOutcome: %v", err)
	}
	if tr.Counted || tr.Completed || tr.Batch.Settled() != 2 {
		t.Errorf("extra outcome = %+v, settled %d, want ignored", tr, tr.Batch.Settled())
	}
}

func TestRecordOutcomeConcurrent(t *testing.T) {
	ctx := context.Background()
	drv := newTestDB(t)
	batches := NewBatchRepository(drv, nil)
	const files = 8
	b, _ := seedBatch(t, batches, files)

	var wg sync.WaitGroup
	var mu sync.Mutex
	completed := 0
	for i := 0; i < files; i++ {
		wg.Add(1)
		go func(failed bool) {
			defer wg.Done()
			tr, err := batches.RecordOutcome(ctx, b.ID, failed)
			if err != nil {
				t.Errorf("RecordOutcome: %v", err)
				return
			}
			if tr.Completed {
				mu.Lock()
				completed++
				mu.Unlock()
			}
		}(i%3 == 0)
	}
	wg.Wait()

	if completed != 1 {
		t.Errorf("callers seeing Completed = %d, want 1", completed)
	}
	got, err := batches.GetByID(ctx, b.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.ProcessedFiles != 5 || got.FailedFiles != 3 {
		t.Errorf("processed=%d failed=%d, want 5 and 3", got.ProcessedFiles, got.FailedFiles)
	}
}

func TestAddJob(t *testing.T) {
	ctx := context.Background()
	drv := newTestDB(t)
	batches := NewBatchRepository(drv, nil)
	b, _ := seedBatch(t, batches, 1)

	nb, job, err := batches.AddJob(ctx, b.BatchID, newJobs(1)[0])
	if err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	if nb.TotalFiles != 2 || job.BatchPublicID != b.BatchID {
		t.Errorf("after AddJob total=%d job batch=%q", nb.TotalFiles, job.BatchPublicID)
	}

	if _, _, err := batches.AddJob(ctx, "missing", newJobs(1)[0]); !errors.Is(err, common.ErrNotFound) {
		t.Errorf("AddJob to missing batch error = %v, want ErrNotFound", err)
	}

	if _, err := batches.RecordOutcome(ctx, b.ID, false); err != nil {
		t.Fatal(err)
	}
	if _, err := batches.RecordOutcome(ctx, b.ID, false); err != nil {
		t.Fatal(err)
	}
	if _, _, err := batches.AddJob(ctx, b.BatchID, newJobs(1)[0]); !errors.Is(err, common.ErrConflict) {
		t.Errorf("AddJob to completed batch error = %v, want ErrConflict", err)
	}
}

func TestAbort(t *testing.T) {
	ctx := context.Background()
	drv := newTestDB(t)
	batches := NewBatchRepository(drv, nil)
	jobsRepo := NewJobRepository(drv, nil)
	b, created := seedBatch(t, batches, 3)
	now := time.Now()

	// one job already running keeps its state
	if _, err := jobsRepo.Start(ctx, created[0].ID, "w", now, now); err != nil {
		t.Fatal(err)
	}

	abort, err := batches.Abort(ctx, b.ID, "queue full")
	if err != nil {
		t.Fatalf("Abort: %v", err)
	}
	if !abort.Completed || !abort.Counted {
		t.Errorf("Abort transition = %+v, want counted and completed", abort)
	}
	got := abort.Batch
	if got.Status != constants.BatchStatusFailed || got.FailedFiles != 2 {
		t.Errorf("aborted batch status=%q failed=%d, want failed and 2", got.Status, got.FailedFiles)
	}

	failed, err := jobsRepo.ListByStatus(ctx, constants.JobStatusFailed, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(failed) != 2 || failed[0].ErrorMessage != "queue full" {
		t.Errorf("failed jobs = %d", len(failed))
	}

	tr, err := batches.RecordOutcome(ctx, b.ID, false)
	if err != nil {
		t.Fatal(err)
	}
	if tr.Counted {
		t.Errorf("outcome on aborted batch was counted")
	}

	again, err := batches.Abort(ctx, b.ID, "queue full")
	if err != nil {
		t.Fatal(err)
	}
	if again.Completed || again.Counted {
		t.Errorf("second Abort transition = %+v, want no-op", again)
	}
}

func TestListStale(t *testing.T) {
	ctx := context.Background()
	drv := newTestDB(t)
	jobsRepo := NewJobRepository(drv, nil)
	_, created := seedBatch(t, NewBatchRepository(drv, nil), 3)
	now := time.Now()

	if _, err := jobsRepo.Start(ctx, created[0].ID, "old", now.Add(-2*time.Hour), now); err != nil {
		t.Fatal(err)
	}
	if _, err := jobsRepo.Start(ctx, created[1].ID, "fresh", now, now); err != nil {
		t.Fatal(err)
	}

	stale, err := jobsRepo.ListStale(ctx, now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("ListStale: %v", err)
	}
	if len(stale) != 1 || stale[0].ID != created[0].ID {
		t.Fatalf("ListStale = %d jobs, want only the old one", len(stale))
	}
}

func TestRecordWebhook(t *testing.T) {
	ctx := context.Background()
	drv := newTestDB(t)
	batches := NewBatchRepository(drv, nil)
	b, _ := seedBatch(t, batches, 1)

	code := 502
	if err := batches.RecordWebhook(ctx, b.ID, false, &code, "bad gateway"); err != nil {
		t.Fatalf("RecordWebhook: %v", err)
	}
	got, err := batches.GetByID(ctx, b.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.WebhookSent || got.WebhookStatus == nil || *got.WebhookStatus != 502 || got.WebhookError != "bad gateway" {
		t.Errorf("webhook fields = sent %v status %v error %q", got.WebhookSent, got.WebhookStatus, got.WebhookError)
	}
}
