package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/joseph-ayodele/paper-extract/internal/common"
	"github.com/joseph-ayodele/paper-extract/internal/entity"
)

type BatchReader interface {
	GetByPublicID(ctx context.Context, batchID string) (*entity.Batch, error)
}

type JobLister interface {
	ListByBatch(ctx context.Context, batchID int64) ([]*entity.Job, error)
}

// Service produces XLSX bytes for batch exports.
type Service struct {
	batches BatchReader
	jobs    JobLister
	logger  *slog.Logger
}

func NewService(batches BatchReader, jobs JobLister, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{batches: batches, jobs: jobs, logger: logger}
}

// docSummary is the handful of metadata fields worth a spreadsheet column.
type docSummary struct {
	Title   string
	Authors string
	Year    string
	Journal string
	DOI     string
	Refs    int
}

// BatchXLSX returns a workbook with a "Batch" summary sheet and a "Files"
// sheet holding one row per job.
func (s *Service) BatchXLSX(ctx context.Context, batchID string) ([]byte, error) {
	start := time.Now()

	batch, err := s.batches.GetByPublicID(ctx, batchID)
	if errors.Is(err, common.ErrNotFound) {
		return nil, common.NotFoundf("batch %s not found", batchID)
	}
	if err != nil {
		return nil, fmt.Errorf("load batch: %w", err)
	}
	jobs, err := s.jobs.ListByBatch(ctx, batch.ID)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}

	f := excelize.NewFile()
	defer func() {
		if err := f.Close(); err != nil {
			s.logger.Warn("export.xlsx.close_failed", "error", err)
		}
	}()

	const summary = "Batch"
	if err := f.SetSheetName("Sheet1", summary); err != nil {
		return nil, err
	}
	completedAt := ""
	if batch.CompletedAt != nil {
		completedAt = batch.CompletedAt.UTC().Format(time.RFC3339)
	}
	rows := [][]any{
		{"Batch ID", batch.BatchID},
		{"Status", string(batch.Status)},
		{"Total files", batch.TotalFiles},
		{"Processed", batch.ProcessedFiles},
		{"Failed", batch.FailedFiles},
		{"Created", batch.CreatedAt.UTC().Format(time.RFC3339)},
		{"Completed", completedAt},
		{"Webhook sent", batch.WebhookSent},
	}
	for i, r := range rows {
		cell, _ := excelize.CoordinatesToCellName(1, i+1)
		if err := f.SetSheetRow(summary, cell, &r); err != nil {
			return nil, err
		}
	}
	_ = f.SetColWidth(summary, "A", "A", 16)
	_ = f.SetColWidth(summary, "B", "B", 40)

	const files = "Files"
	idx, err := f.NewSheet(files)
	if err != nil {
		return nil, err
	}
	headers := []any{"Job ID", "File", "Status", "Progress", "Processing (ms)", "Error", "Title", "Authors", "Year", "Journal", "DOI", "References"}
	if err := f.SetSheetRow(files, "A1", &headers); err != nil {
		return nil, err
	}

	for i, j := range jobs {
		d := summarize(j)
		var ms any
		if j.ProcessingTimeMs != nil {
			ms = *j.ProcessingTimeMs
		}
		row := []any{
			j.JobID,
			j.FileName,
			string(j.Status),
			j.ProgressPercentage,
			ms,
			truncate(j.ErrorMessage, 200),
			d.Title,
			truncate(d.Authors, 140),
			d.Year,
			d.Journal,
			d.DOI,
			d.Refs,
		}
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		if err := f.SetSheetRow(files, cell, &row); err != nil {
			return nil, err
		}
	}
	f.SetActiveSheet(idx)

	_ = f.SetColWidth(files, "A", "A", 38) // job id
	_ = f.SetColWidth(files, "B", "B", 28)
	_ = f.SetColWidth(files, "F", "F", 40)
	_ = f.SetColWidth(files, "G", "H", 48)
	_ = f.SetColWidth(files, "K", "K", 28)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}

	s.logger.Info("export.xlsx.ok",
		"batch_id", batch.BatchID,
		"rows", len(jobs),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return buf.Bytes(), nil
}

func summarize(j *entity.Job) docSummary {
	var d docSummary
	if len(j.Metadata) > 0 {
		var m struct {
			Title   *string `json:"title"`
			Authors []struct {
				Name string `json:"name"`
			} `json:"authors"`
			Year    *int    `json:"year"`
			Journal *string `json:"journal"`
			DOI     *string `json:"doi"`
		}
		if err := json.Unmarshal(j.Metadata, &m); err == nil {
			d.Title = deref(m.Title)
			d.Journal = deref(m.Journal)
			d.DOI = deref(m.DOI)
			if m.Year != nil {
				d.Year = fmt.Sprint(*m.Year)
			}
			for i, a := range m.Authors {
				if i > 0 {
					d.Authors += "; "
				}
				d.Authors += a.Name
			}
		}
	}
	if len(j.References) > 0 {
		var refs []json.RawMessage
		if err := json.Unmarshal(j.References, &refs); err == nil {
			d.Refs = len(refs)
		}
	}
	return d
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	if n <= 1 {
		return s[:n]
	}
	return s[:n-1] + "…"
}
