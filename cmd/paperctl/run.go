package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/joseph-ayodele/paper-extract/internal/app"
	"github.com/joseph-ayodele/paper-extract/internal/entity"
	"github.com/joseph-ayodele/paper-extract/internal/ingest"
)

func RunCmd(logger *slog.Logger) *cobra.Command {
	var (
		dir        string
		out        string
		inmem      bool
		wait       time.Duration
		references bool
		fullText   bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Process every PDF under a directory as one batch and export the results",
		RunE: func(cmd *cobra.Command, args []string) error {
			if dir == "" {
				return errors.New("--dir is required")
			}
			if out == "" {
				out = filepath.Join(filepath.Dir(filepath.Clean(dir)), "papers.xlsx")
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, err := loadConfig(true, inmem)
			if err != nil {
				return err
			}
			db, err := openDB(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer db.Close(logger)

			stack := app.Build(cfg, db.Driver, nil, logger)
			defer func() {
				drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				stack.Shutdown(drainCtx)
			}()

			paths, stats, err := ingest.ScanDirectory(dir, true)
			if err != nil {
				return err
			}
			logger.Info("run.scan", "dir", dir, "scanned", stats.Scanned, "matched", stats.Matched, "skipped", stats.Skipped, "failed", stats.Failed)
			if len(paths) == 0 {
				return fmt.Errorf("no PDF files found under %s", dir)
			}

			opts := entity.DefaultOptions()
			opts.ExtractReferences = references
			opts.ExtractFullText = fullText
			req := entity.BatchRequest{Options: &opts}
			for _, p := range paths {
				req.Files = append(req.Files, entity.FileRequest{URL: p})
			}

			accepted, err := stack.Service.SubmitBatch(ctx, req)
			if err != nil {
				return fmt.Errorf("submit batch: %w", err)
			}
			logger.Info("run.submitted", "batch_id", accepted.BatchID, "total_files", accepted.TotalFiles)

			waitCtx, cancel := context.WithTimeout(ctx, wait)
			defer cancel()
			view, err := stack.Service.AwaitBatch(waitCtx, accepted.BatchID, time.Second)
			if err != nil {
				return fmt.Errorf("wait for batch %s: %w", accepted.BatchID, err)
			}

			data, err := stack.Exporter.BatchXLSX(ctx, accepted.BatchID)
			if err != nil {
				return fmt.Errorf("export: %w", err)
			}
			if err := os.WriteFile(out, data, 0o644); err != nil {
				return fmt.Errorf("write %s: %w", out, err)
			}

			fmt.Printf("Batch %s %s\n", view.BatchID, view.Status)
			fmt.Printf("- Files: %d\n", view.TotalFiles)
			fmt.Printf("- Processed: %d\n", view.ProcessedFiles)
			fmt.Printf("- Failed: %d\n", view.FailedFiles)
			fmt.Printf("- Output: %s\n", out)
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "directory to scan for PDFs (required)")
	cmd.Flags().StringVar(&out, "out", "", "output XLSX path (defaults next to --dir)")
	cmd.Flags().BoolVar(&inmem, "inmem", false, "use a throwaway in-memory SQLite database")
	cmd.Flags().DurationVar(&wait, "wait", time.Hour, "give up waiting for the batch after this long")
	cmd.Flags().BoolVar(&references, "references", true, "extract references")
	cmd.Flags().BoolVar(&fullText, "full-text", false, "extract full text")
	return cmd
}
