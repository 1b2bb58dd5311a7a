package async

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/paper-extract/constants"
	"github.com/joseph-ayodele/paper-extract/internal/common"
	"github.com/joseph-ayodele/paper-extract/internal/core"
	"github.com/joseph-ayodele/paper-extract/internal/entity"
	"github.com/joseph-ayodele/paper-extract/internal/repository"
	"github.com/joseph-ayodele/paper-extract/internal/webhook"
)

var (
	ErrQueueFull    = common.NewAppError("QUEUE_FULL", "job queue is full, try again later", common.ErrUnavailable)
	ErrShuttingDown = common.NewAppError("SHUTTING_DOWN", "job queue is shutting down", common.ErrUnavailable)
)

// Runner executes one job to a terminal state.
type Runner interface {
	Run(ctx context.Context, id int64, workerID string) core.Outcome
}

// BatchStore is the aggregation side of the batch repository.
type BatchStore interface {
	RecordOutcome(ctx context.Context, id int64, failed bool) (repository.Transition, error)
	Abort(ctx context.Context, id int64, reason string) (repository.Transition, error)
	RecordWebhook(ctx context.Context, id int64, sent bool, status *int, errMsg string) error
}

// JobLister reads jobs for webhook payloads and boot recovery.
type JobLister interface {
	ListByBatch(ctx context.Context, batchID int64) ([]*entity.Job, error)
	ListByStatus(ctx context.Context, status constants.JobStatus, limit int) ([]*entity.Job, error)
}

type Notifier interface {
	NotifyBatch(ctx context.Context, batch *entity.Batch, jobs []*entity.Job) webhook.Delivery
}

// Dispatcher hands job ids to a bounded pool of workers and owns the batch
// aggregation that follows every terminal job.
type Dispatcher struct {
	runner   Runner
	batches  BatchStore
	jobs     JobLister
	notifier Notifier
	logger   *slog.Logger

	workers       int
	timeout       time.Duration
	settleTimeout time.Duration
	retryEvery    time.Duration
	prefix        string
	onSettled     func(*entity.Batch)

	ch   chan int64
	wg   sync.WaitGroup
	once sync.Once

	mu     sync.Mutex
	closed bool
}

type Option func(*Dispatcher)

func WithWorkers(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.workers = n
		}
	}
}

func WithQueueSize(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.ch = make(chan int64, n)
		}
	}
}

// WithJobTimeout bounds one executor run, download and extraction included.
func WithJobTimeout(t time.Duration) Option {
	return func(d *Dispatcher) {
		if t > 0 {
			d.timeout = t
		}
	}
}

// WithOnSettled registers a callback invoked once per batch that reaches a
// terminal state through RecordOutcome or Abort.
func WithOnSettled(fn func(*entity.Batch)) Option {
	return func(d *Dispatcher) { d.onSettled = fn }
}

func NewDispatcher(runner Runner, batches BatchStore, jobs JobLister, notifier Notifier, logger *slog.Logger, opts ...Option) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		runner:        runner,
		batches:       batches,
		jobs:          jobs,
		notifier:      notifier,
		logger:        logger,
		workers:       4,
		timeout:       10 * time.Minute,
		settleTimeout: time.Minute,
		retryEvery:    50 * time.Millisecond,
		prefix:        "worker_" + uuid.NewString()[:8],
		ch:            make(chan int64, 256),
	}
	for _, o := range opts {
		o(d)
	}
	d.start()
	return d
}

func (d *Dispatcher) start() {
	d.once.Do(func() {
		for i := 0; i < d.workers; i++ {
			d.wg.Add(1)
			go func(workerID string) {
				defer d.wg.Done()
				d.logger.Info("dispatcher.worker.start", "worker_id", workerID)
				for id := range d.ch {
					d.handle(workerID, id)
				}
				d.logger.Info("dispatcher.worker.stop", "worker_id", workerID)
			}(fmt.Sprintf("%s-%d", d.prefix, i+1))
		}
	})
}

// handle runs one job and aggregates its outcome. A panic here only costs
// this job; the worker keeps draining the queue.
func (d *Dispatcher) handle(workerID string, id int64) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("dispatcher.worker.panic", "worker_id", workerID, "id", id, "panic", r, "stack", string(debug.Stack()))
		}
	}()

	ctx, cancel := context.WithTimeout(common.WithWorkerID(context.Background(), workerID), d.timeout)
	out := d.runner.Run(ctx, id, workerID)
	cancel()

	if !out.Recorded {
		return
	}
	sctx, scancel := context.WithTimeout(context.Background(), d.settleTimeout)
	defer scancel()
	if _, err := d.RecordOutcome(sctx, out.BatchID, out.Status == constants.JobStatusFailed); err != nil {
		d.logger.Error("dispatcher.aggregate_failed", "worker_id", workerID, "job_id", out.PublicID, "error", err)
	}
}

// Submit queues job id for execution and returns immediately.
func (d *Dispatcher) Submit(id int64) error {
	err := d.enqueue(id)
	switch {
	case err == nil:
		d.logger.Debug("dispatcher.submit", "id", id, "queued", len(d.ch))
	case errors.Is(err, ErrQueueFull):
		d.logger.Warn("dispatcher.submit.rejected", "id", id, "reason", "queue full", "capacity", cap(d.ch))
	default:
		d.logger.Warn("dispatcher.submit.rejected", "id", id, "reason", "shutting down")
	}
	return err
}

func (d *Dispatcher) enqueue(id int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrShuttingDown
	}
	select {
	case d.ch <- id:
		return nil
	default:
		return ErrQueueFull
	}
}

// submitWait queues id, waiting for room while the queue is full.
func (d *Dispatcher) submitWait(ctx context.Context, id int64) error {
	ticker := time.NewTicker(d.retryEvery)
	defer ticker.Stop()
	for {
		err := d.enqueue(id)
		if !errors.Is(err, ErrQueueFull) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RecordOutcome counts one terminal job against its batch. When that settles
// the batch, the webhook fires from here, so it fires at most once.
// The returned bool reports whether the outcome was counted.
func (d *Dispatcher) RecordOutcome(ctx context.Context, batchID int64, failed bool) (bool, error) {
	tr, err := d.batches.RecordOutcome(ctx, batchID, failed)
	if err != nil {
		return false, err
	}
	if !tr.Counted {
		d.logger.Warn("dispatcher.outcome.ignored", "batch_id", batchID, "failed", failed)
		return false, nil
	}
	if !tr.Completed {
		return true, nil
	}

	d.settle(ctx, tr.Batch)
	return true, nil
}

// Abort fails the pending jobs of a batch that could not be queued and the
// batch itself. The call that makes the batch terminal sends its webhook.
func (d *Dispatcher) Abort(ctx context.Context, batchID int64, reason string) (*entity.Batch, error) {
	tr, err := d.batches.Abort(ctx, batchID, reason)
	if err != nil {
		return nil, err
	}
	if tr.Completed {
		d.settle(ctx, tr.Batch)
	}
	return tr.Batch, nil
}

func (d *Dispatcher) settle(ctx context.Context, b *entity.Batch) {
	d.logger.Info("dispatcher.batch.completed",
		"batch_id", b.BatchID,
		"status", b.Status,
		"total_files", b.TotalFiles,
		"processed_files", b.ProcessedFiles,
		"failed_files", b.FailedFiles,
	)
	d.notify(ctx, b)
	if d.onSettled != nil {
		d.onSettled(b)
	}
}

func (d *Dispatcher) notify(ctx context.Context, b *entity.Batch) {
	if b.WebhookURL == "" || d.notifier == nil {
		return
	}
	jobs, err := d.jobs.ListByBatch(ctx, b.ID)
	if err != nil {
		d.logger.Error("dispatcher.webhook.load_failed", "batch_id", b.BatchID, "error", err)
		return
	}
	res := d.notifier.NotifyBatch(ctx, b, jobs)
	var msg string
	if res.Err != nil {
		msg = res.Err.Error()
	}
	if err := d.batches.RecordWebhook(ctx, b.ID, res.Sent, res.Status, msg); err != nil {
		d.logger.Error("dispatcher.webhook.record_failed", "batch_id", b.BatchID, "error", err)
	}
}

// Recover re-queues jobs left pending by a previous process and returns how
// many were queued. A full queue makes it wait for workers to free a slot, so
// it only stops early when ctx ends or the dispatcher shuts down.
func (d *Dispatcher) Recover(ctx context.Context) (int, error) {
	pending, err := d.jobs.ListByStatus(ctx, constants.JobStatusPending, 0)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, j := range pending {
		if err := d.submitWait(ctx, j.ID); err != nil {
			d.logger.Warn("dispatcher.recover.stopped", "queued", n, "remaining", len(pending)-n, "error", err)
			return n, err
		}
		n++
	}
	if n > 0 {
		d.logger.Info("dispatcher.recover", "queued", n)
	}
	return n, nil
}

// Workers is the size of the pool.
func (d *Dispatcher) Workers() int { return d.workers }

// Backlog is the number of queued, not yet started jobs.
func (d *Dispatcher) Backlog() int { return len(d.ch) }

// Shutdown stops accepting jobs and waits for queued ones to finish or ctx to end.
func (d *Dispatcher) Shutdown(ctx context.Context) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.ch)
	d.mu.Unlock()

	done := make(chan struct{})
	go func() { defer close(done); d.wg.Wait() }()

	select {
	case <-ctx.Done():
		d.logger.Warn("dispatcher.shutdown.interrupted", "backlog", len(d.ch))
	case <-done:
		d.logger.Info("dispatcher.shutdown.drained")
	}
}
