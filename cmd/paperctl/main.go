package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/joseph-ayodele/paper-extract/internal/common"
	repo "github.com/joseph-ayodele/paper-extract/internal/repository"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	root := &cobra.Command{
		Use:           "paperctl",
		Short:         "Operate the paper-extract job pipeline from the command line",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		RunCmd(logger),
		SweepCmd(logger),
		ExportCmd(logger),
		MigrateCmd(logger),
		ExtractCmd(logger),
	)

	if err := root.Execute(); err != nil {
		if _, werr := fmt.Fprintf(os.Stderr, "Error: %v\n", err); werr != nil {
			fmt.Printf("Error: %v\n", err)
		}
		os.Exit(1)
	}
}

// loadConfig reads the environment. Commands that never extract do not need
// an AI key, so the stub extractor is forced for them.
func loadConfig(needsExtractor, inmem bool) (*common.Config, error) {
	cfg := common.LoadConfig()
	if !needsExtractor {
		cfg.LLM.Extractor = "stub"
	}
	if inmem {
		cfg.Database.Driver = "sqlite"
		cfg.Database.DSN = ":memory:"
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// openDB connects and makes sure the schema exists.
func openDB(ctx context.Context, cfg *common.Config, logger *slog.Logger) (*repo.Database, error) {
	db, err := repo.Connect(ctx, repo.Config{
		Driver:           cfg.Database.Driver,
		DSN:              cfg.Database.DSN,
		MaxConns:         cfg.Database.MaxConns,
		MinConns:         cfg.Database.MinConns,
		MaxConnLifetime:  cfg.Database.MaxConnLifetime,
		MaxConnIdleTime:  cfg.Database.MaxConnIdleTime,
		DialTimeout:      cfg.Database.DialTimeout,
		StatementTimeout: cfg.Database.StatementTimeout,
	}, logger)
	if err != nil {
		return nil, err
	}
	if err := repo.Migrate(ctx, db.Driver, logger); err != nil {
		db.Close(logger)
		return nil, err
	}
	return db, nil
}
