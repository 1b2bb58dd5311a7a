// Package app assembles the processing stack shared by the server and the CLI.
package app

import (
	"context"
	"log/slog"

	entsql "entgo.io/ent/dialect/sql"

	"github.com/joseph-ayodele/paper-extract/internal/common"
	"github.com/joseph-ayodele/paper-extract/internal/core"
	"github.com/joseph-ayodele/paper-extract/internal/core/async"
	"github.com/joseph-ayodele/paper-extract/internal/export"
	"github.com/joseph-ayodele/paper-extract/internal/extract"
	"github.com/joseph-ayodele/paper-extract/internal/llm/openai"
	"github.com/joseph-ayodele/paper-extract/internal/progress"
	"github.com/joseph-ayodele/paper-extract/internal/repository"
	"github.com/joseph-ayodele/paper-extract/internal/services/jobs"
	"github.com/joseph-ayodele/paper-extract/internal/webhook"
)

type Stack struct {
	Driver     *entsql.Driver
	Jobs       repository.JobRepository
	Batches    repository.BatchRepository
	Tracker    *progress.Tracker
	Executor   *core.Executor
	Dispatcher *async.Dispatcher
	Reclaimer  *core.Reclaimer
	Service    *jobs.Service
	Exporter   *export.Service
}

// Build wires repositories, tracker, executor, dispatcher, reclaimer and the
// use-case services over drv. A nil extractor selects one from cfg.LLM.
// Workers start immediately; call Shutdown to drain them.
func Build(cfg *common.Config, drv *entsql.Driver, extractor extract.Extractor, logger *slog.Logger, opts ...async.Option) *Stack {
	if logger == nil {
		logger = slog.Default()
	}
	if extractor == nil {
		extractor = NewExtractor(cfg.LLM, logger)
	}

	jobRepo := repository.NewJobRepository(drv, logger)
	batchRepo := repository.NewBatchRepository(drv, logger)
	tracker := progress.NewTracker(jobRepo, logger)
	fetcher := extract.NewFetcher(cfg.Download.Timeout, cfg.Download.MaxMB, logger)
	executor := core.NewExecutor(logger, jobRepo, batchRepo, tracker, fetcher, extractor)
	notifier := webhook.NewNotifier(cfg.Webhook.Timeout, logger)

	dopts := append([]async.Option{
		async.WithWorkers(cfg.Dispatcher.Workers),
		async.WithQueueSize(cfg.Dispatcher.QueueSize),
		async.WithJobTimeout(cfg.Dispatcher.JobTimeout),
	}, opts...)
	dispatcher := async.NewDispatcher(executor, batchRepo, jobRepo, notifier, logger, dopts...)

	reclaimer := core.NewReclaimer(jobRepo, dispatcher, logger,
		core.WithTimeout(cfg.Reclaimer.Timeout),
		core.WithInterval(cfg.Reclaimer.Interval),
		core.WithLiveView(tracker.Finish),
	)

	return &Stack{
		Driver:     drv,
		Jobs:       jobRepo,
		Batches:    batchRepo,
		Tracker:    tracker,
		Executor:   executor,
		Dispatcher: dispatcher,
		Reclaimer:  reclaimer,
		Service:    jobs.NewService(jobRepo, batchRepo, dispatcher, tracker, logger),
		Exporter:   export.NewService(batchRepo, jobRepo, logger),
	}
}

// NewExtractor returns the stub for EXTRACTOR=stub and the OpenAI client
// otherwise, with full text served locally when pdftotext is configured.
func NewExtractor(cfg common.LLMConfig, logger *slog.Logger) extract.Extractor {
	if cfg.Extractor == "stub" {
		logger.Warn("extractor.stub_enabled")
		return extract.NewStub()
	}
	client := openai.NewClient(openai.Config{
		APIKey:            cfg.APIKey,
		BaseURL:           cfg.BaseURL,
		Model:             cfg.Model,
		Temperature:       cfg.Temperature,
		Timeout:           cfg.Timeout,
		RequestsPerMinute: cfg.RequestsPerMinute,
		LenientOptional:   cfg.Lenient,
	}, logger)
	return extract.WithLocalText(client, extract.NewPDFText(cfg.PDFToText, nil, logger))
}

// Shutdown stops accepting jobs and drains the dispatcher.
func (s *Stack) Shutdown(ctx context.Context) {
	s.Dispatcher.Shutdown(ctx)
}
