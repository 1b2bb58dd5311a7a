package export

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/xuri/excelize/v2"

	"github.com/joseph-ayodele/paper-extract/constants"
	"github.com/joseph-ayodele/paper-extract/internal/common"
	"github.com/joseph-ayodele/paper-extract/internal/entity"
)

type fakeBatches map[string]*entity.Batch

func (f fakeBatches) GetByPublicID(_ context.Context, id string) (*entity.Batch, error) {
	if b, ok := f[id]; ok {
		return b, nil
	}
	return nil, common.ErrNotFound
}

type fakeJobs map[int64][]*entity.Job

func (f fakeJobs) ListByBatch(_ context.Context, id int64) ([]*entity.Job, error) {
	return f[id], nil
}

func TestBatchXLSX(t *testing.T) {
	ms := int64(900)
	batch := &entity.Batch{
		ID:             7,
		BatchID:        "b-7",
		Status:         constants.BatchStatusCompleted,
		TotalFiles:     2,
		ProcessedFiles: 1,
		FailedFiles:    1,
		CreatedAt:      time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	jobs := []*entity.Job{
		{
			JobID:              "j-1",
			FileName:           "attention.pdf",
			Status:             constants.JobStatusCompleted,
			ProgressPercentage: 100,
			ProcessingTimeMs:   &ms,
			Metadata:           json.RawMessage(`{"title":"Attention Is All You Need","authors":[{"name":"Vaswani"},{"name":"Shazeer"}],"year":2017,"doi":"10.5555/3295222"}`),
			References:         json.RawMessage(`[{"title":"a"},{"title":"b"},{"title":"c"}]`),
		},
		{
			JobID:        "j-2",
			FileName:     "broken.pdf",
			Status:       constants.JobStatusFailed,
			ErrorMessage: "document is not a PDF",
		},
	}
	svc := NewService(fakeBatches{"b-7": batch}, fakeJobs{7: jobs}, slog.New(slog.DiscardHandler))

	data, err := svc.BatchXLSX(context.Background(), "b-7")
	if err != nil {
		t.Fatalf("BatchXLSX: %v", err)
	}
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	defer f.Close()

	if diff := cmp.Diff([]string{"Batch", "Files"}, f.GetSheetList()); diff != "" {
		t.Errorf("sheets mismatch (-want +got):\n%s", diff)
	}

	summary, err := f.GetRows("Batch")
	if err != nil {
		t.Fatal(err)
	}
	if summary[0][1] != "b-7" || summary[1][1] != "completed" || summary[2][1] != "2" {
		t.Errorf("summary rows = %v", summary[:3])
	}

	rows, err := f.GetRows("Files")
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 3 {
		t.Fatalf("Files has %d rows, want header + 2", len(rows))
	}
	wantFirst := []string{"j-1", "attention.pdf", "completed", "100", "900", "", "Attention Is All You Need", "Vaswani; Shazeer", "2017", "", "10.5555/3295222", "3"}
	if diff := cmp.Diff(wantFirst, rows[1]); diff != "" {
		t.Errorf("first file row mismatch (-want +got):\n%s", diff)
	}
	if rows[2][2] != "failed" || rows[2][5] != "document is not a PDF" {
		t.Errorf("failed file row = %v", rows[2])
	}
}

func TestBatchXLSXMissingBatch(t *testing.T) {
	svc := NewService(fakeBatches{}, fakeJobs{}, nil)
	_, err := svc.BatchXLSX(context.Background(), "nope")
	if !errors.Is(err, common.ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestTruncate(t *testing.T) {
	cases := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"abcdef", 4, "abc…"},
		{"abc", 0, "abc"},
		{"abc", 1, "a"},
	}
	for _, tc := range cases {
		if got := truncate(tc.in, tc.n); got != tc.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tc.in, tc.n, got, tc.want)
		}
	}
}
