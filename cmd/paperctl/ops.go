package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/joseph-ayodele/paper-extract/internal/app"
	"github.com/joseph-ayodele/paper-extract/internal/entity"
	"github.com/joseph-ayodele/paper-extract/internal/export"
	"github.com/joseph-ayodele/paper-extract/internal/extract"
	repo "github.com/joseph-ayodele/paper-extract/internal/repository"
)

func SweepCmd(logger *slog.Logger) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Fail processing jobs whose heartbeat is older than --timeout",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig(false, false)
			if err != nil {
				return err
			}
			if timeout > 0 {
				cfg.Reclaimer.Timeout = timeout
			}
			db, err := openDB(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer db.Close(logger)

			// no jobs are submitted, the dispatcher only aggregates and notifies
			cfg.Dispatcher.Workers = 1
			stack := app.Build(cfg, db.Driver, extract.NewStub(), logger)
			defer stack.Shutdown(context.Background())

			reclaimed, err := stack.Reclaimer.Sweep(ctx)
			for _, id := range reclaimed {
				fmt.Println(id)
			}
			fmt.Fprintf(os.Stderr, "reclaimed %d job(s)\n", len(reclaimed))
			return err
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "heartbeat staleness threshold (default RECLAIM_TIMEOUT)")
	return cmd
}

func ExportCmd(logger *slog.Logger) *cobra.Command {
	var batchID, out string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the XLSX export of a batch",
		RunE: func(cmd *cobra.Command, args []string) error {
			if batchID == "" {
				return errors.New("--batch is required")
			}
			if out == "" {
				out = "batch-" + batchID + ".xlsx"
			}
			ctx := cmd.Context()
			cfg, err := loadConfig(false, false)
			if err != nil {
				return err
			}
			db, err := openDB(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer db.Close(logger)

			svc := export.NewService(repo.NewBatchRepository(db.Driver, logger), repo.NewJobRepository(db.Driver, logger), logger)
			data, err := svc.BatchXLSX(ctx, batchID)
			if err != nil {
				return err
			}
			if err := os.WriteFile(out, data, 0o644); err != nil {
				return err
			}
			fmt.Println(out)
			return nil
		},
	}
	cmd.Flags().StringVar(&batchID, "batch", "", "batch id (required)")
	cmd.Flags().StringVar(&out, "out", "", "output XLSX path")
	return cmd
}

func MigrateCmd(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the jobs and batches tables if missing",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(false, false)
			if err != nil {
				return err
			}
			db, err := openDB(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			db.Close(logger)
			fmt.Println("schema up to date")
			return nil
		},
	}
}

// ExtractCmd runs the extraction client directly on one local PDF, with no
// database, and prints the result as JSON.
func ExtractCmd(logger *slog.Logger) *cobra.Command {
	var times int
	var opts = entity.DefaultOptions()
	cmd := &cobra.Command{
		Use:   "extract <file.pdf>",
		Short: "Run extraction on a single PDF and print the JSON result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(true, true)
			if err != nil {
				return err
			}
			path, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}
			doc, err := extract.NewFetcher(cfg.Download.Timeout, cfg.Download.MaxMB, logger).Fetch(cmd.Context(), path)
			if err != nil {
				return err
			}
			extractor := app.NewExtractor(cfg.LLM, logger)

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			for i := 0; i < times; i++ {
				start := time.Now()
				res, err := extractor.Extract(cmd.Context(), doc, opts)
				if err != nil {
					return fmt.Errorf("run %d: %w", i+1, err)
				}
				logger.Info("extract.run", "run", i+1, "elapsed_ms", time.Since(start).Milliseconds(), "extracted", res.PresentKeys())
				if err := enc.Encode(res); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&times, "times", 1, "repeat the extraction this many times")
	cmd.Flags().BoolVar(&opts.ExtractMetadata, "metadata", opts.ExtractMetadata, "extract metadata")
	cmd.Flags().BoolVar(&opts.ExtractReferences, "references", opts.ExtractReferences, "extract references")
	cmd.Flags().BoolVar(&opts.ExtractFullText, "full-text", opts.ExtractFullText, "extract full text")
	cmd.Flags().BoolVar(&opts.CompleteReferences, "complete-references", opts.CompleteReferences, "keep asking until every reference is returned")
	return cmd
}
