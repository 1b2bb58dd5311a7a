package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/joseph-ayodele/paper-extract/constants"
	"github.com/joseph-ayodele/paper-extract/internal/common"
	"github.com/joseph-ayodele/paper-extract/internal/core/async"
	"github.com/joseph-ayodele/paper-extract/internal/entity"
	"github.com/joseph-ayodele/paper-extract/internal/services/jobs"
)

type fakeService struct {
	lastJob     jobs.SubmitJobRequest
	lastBatch   entity.BatchRequest
	includeSeen bool
	submitErr   error
}

func (s *fakeService) SubmitJob(_ context.Context, req jobs.SubmitJobRequest) (*jobs.JobAccepted, error) {
	s.lastJob = req
	if s.submitErr != nil {
		return nil, s.submitErr
	}
	return &jobs.JobAccepted{JobID: "j-1", BatchID: "b-1", Status: constants.JobStatusPending}, nil
}

func (s *fakeService) SubmitBatch(_ context.Context, req entity.BatchRequest) (*jobs.BatchAccepted, error) {
	s.lastBatch = req
	if req.BatchID == "taken" {
		return nil, common.Conflictf("batch taken already exists")
	}
	return &jobs.BatchAccepted{BatchID: "b-2", Status: constants.BatchStatusPending, TotalFiles: len(req.Files)}, nil
}

func (s *fakeService) JobStatus(_ context.Context, jobID string) (entity.JobView, error) {
	if jobID != "j-1" {
		return entity.JobView{}, common.NotFoundf("job %s not found", jobID)
	}
	return entity.JobView{JobID: "j-1", Status: constants.JobStatusProcessing, ProgressPercentage: 25}, nil
}

func (s *fakeService) BatchStatus(_ context.Context, batchID string, includeFiles bool) (entity.BatchView, error) {
	s.includeSeen = includeFiles
	return entity.BatchView{BatchID: batchID, Status: constants.BatchStatusProcessing, TotalFiles: 2}, nil
}

type fakeExporter struct{}

func (fakeExporter) BatchXLSX(_ context.Context, batchID string) ([]byte, error) {
	if batchID == "missing" {
		return nil, common.NotFoundf("batch missing not found")
	}
	return []byte("PK\x03\x04"), nil
}

func newTestRouter(svc JobService, ping func(context.Context) error) *gin.Engine {
	gin.SetMode(gin.TestMode)
	h := NewHandlers(svc, fakeExporter{}, ping, slog.New(slog.DiscardHandler))
	return NewRouter(h, RouterConfig{})
}

func do(r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func errorBody(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body %q: %v", w.Body.String(), err)
	}
	return body.Error
}

func TestRoutes(t *testing.T) {
	svc := &fakeService{}
	r := newTestRouter(svc, nil)

	cases := []struct {
		name   string
		method string
		path   string
		body   string
		status int
	}{
		{"submit job", http.MethodPost, "/api/v1/jobs", `{"file_url":"https://example.com/a.pdf","options":{"extract_full_text":true}}`, http.StatusAccepted},
		{"submit job unknown field", http.MethodPost, "/api/v1/jobs", `{"file_url":"https://example.com/a.pdf","priority":1}`, http.StatusBadRequest},
		{"submit job unknown option", http.MethodPost, "/api/v1/jobs", `{"file_url":"https://example.com/a.pdf","options":{"ocr":true}}`, http.StatusBadRequest},
		{"submit job malformed", http.MethodPost, "/api/v1/jobs", `{"file_url":`, http.StatusBadRequest},
		{"get job", http.MethodGet, "/api/v1/jobs/j-1", "", http.StatusOK},
		{"get missing job", http.MethodGet, "/api/v1/jobs/nope", "", http.StatusNotFound},
		{"submit batch", http.MethodPost, "/api/v1/batch/process", `{"files":[{"url":"https://example.com/a.pdf"}]}`, http.StatusAccepted},
		{"submit duplicate batch", http.MethodPost, "/api/v1/batch/process", `{"batch_id":"taken","files":[{"url":"https://example.com/a.pdf"}]}`, http.StatusConflict},
		{"batch status", http.MethodGet, "/api/v1/batch/b-2/status", "", http.StatusOK},
		{"export", http.MethodGet, "/api/v1/batch/b-2/export", "", http.StatusOK},
		{"export missing", http.MethodGet, "/api/v1/batch/missing/export", "", http.StatusNotFound},
		{"health", http.MethodGet, "/healthz", "", http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := do(r, tc.method, tc.path, tc.body)
			if w.Code != tc.status {
				t.Errorf("%s %s = %d, want %d (body %s)", tc.method, tc.path, w.Code, tc.status, w.Body.String())
			}
			if w.Header().Get(headerRequestID) == "" {
				t.Errorf("response has no %s header", headerRequestID)
			}
		})
	}
}

func TestSubmitJobPassesOptions(t *testing.T) {
	svc := &fakeService{}
	r := newTestRouter(svc, nil)
	w := do(r, http.MethodPost, "/api/v1/jobs", `{"file_url":"https://example.com/a.pdf","options":{"extract_references":false}}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d", w.Code)
	}
	want := entity.ProcessingOptions{ExtractMetadata: true}
	if svc.lastJob.Options == nil || *svc.lastJob.Options != want {
		t.Errorf("options = %+v, want %+v", svc.lastJob.Options, want)
	}

	var acc jobs.JobAccepted
	if err := json.Unmarshal(w.Body.Bytes(), &acc); err != nil {
		t.Fatal(err)
	}
	if acc.JobID != "j-1" || acc.Status != constants.JobStatusPending {
		t.Errorf("body = %+v", acc)
	}
}

func TestErrorBodies(t *testing.T) {
	svc := &fakeService{submitErr: async.ErrQueueFull}
	r := newTestRouter(svc, nil)

	w := do(r, http.MethodPost, "/api/v1/jobs", `{"file_url":"https://example.com/a.pdf"}`)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("queue full status = %d, want 503", w.Code)
	}
	if got := errorBody(t, w); got != "job queue is full, try again later" {
		t.Errorf("error = %q", got)
	}

	svc.submitErr = errors.New("pq: connection refused to 10.0.0.3")
	w = do(r, http.MethodPost, "/api/v1/jobs", `{"file_url":"https://example.com/a.pdf"}`)
	if w.Code != http.StatusInternalServerError || errorBody(t, w) != "internal error" {
		t.Errorf("internal failure = %d %q", w.Code, w.Body.String())
	}

	w = do(r, http.MethodGet, "/api/v1/jobs/nope", "")
	if got := errorBody(t, w); got != "job nope not found" {
		t.Errorf("not found error = %q", got)
	}
}

func TestAbortedBatchNamesItsID(t *testing.T) {
	svc := &fakeService{submitErr: &jobs.BatchAbortedError{BatchID: "b-9", Cause: async.ErrQueueFull}}
	r := newTestRouter(svc, nil)

	w := do(r, http.MethodPost, "/api/v1/jobs", `{"file_url":"https://example.com/a.pdf"}`)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["batch_id"] != "b-9" || body["error"] != "job queue is full, try again later" {
		t.Errorf("body = %v", body)
	}

	svc.submitErr = async.ErrQueueFull
	w = do(r, http.MethodPost, "/api/v1/jobs", `{"file_url":"https://example.com/a.pdf"}`)
	if strings.Contains(w.Body.String(), "batch_id") {
		t.Errorf("plain queue full body names a batch: %s", w.Body.String())
	}
}

func TestStrictDecodingIsLocal(t *testing.T) {
	newTestRouter(&fakeService{}, nil)
	if binding.EnableDecoderDisallowUnknownFields {
		t.Error("building the router changed gin's global JSON decoder setting")
	}

	r := newTestRouter(&fakeService{}, nil)
	cases := []struct {
		name, body string
		want       int
	}{
		{"unknown batch field", `{"files":[{"url":"https://example.com/a.pdf"}],"priority":1}`, http.StatusBadRequest},
		{"unknown file field", `{"files":[{"url":"https://example.com/a.pdf","size":3}]}`, http.StatusBadRequest},
		{"trailing data", `{"files":[{"url":"https://example.com/a.pdf"}]} {}`, http.StatusBadRequest},
		{"known fields", `{"files":[{"url":"https://example.com/a.pdf"}]}`, http.StatusAccepted},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if w := do(r, http.MethodPost, "/api/v1/batch/process", tc.body); w.Code != tc.want {
				t.Errorf("status = %d, want %d (%s)", w.Code, tc.want, w.Body.String())
			}
		})
	}
}

func TestBatchStatusInclude(t *testing.T) {
	svc := &fakeService{}
	r := newTestRouter(svc, nil)

	do(r, http.MethodGet, "/api/v1/batch/b-2/status", "")
	if svc.includeSeen {
		t.Errorf("includeFiles = true without ?include")
	}
	do(r, http.MethodGet, "/api/v1/batch/b-2/status?include=files", "")
	if !svc.includeSeen {
		t.Errorf("includeFiles = false with ?include=files")
	}
}

func TestExportHeaders(t *testing.T) {
	r := newTestRouter(&fakeService{}, nil)
	w := do(r, http.MethodGet, "/api/v1/batch/b-2/export", "")
	if ct := w.Header().Get("Content-Type"); ct != xlsxContentType {
		t.Errorf("Content-Type = %q", ct)
	}
	if cd := w.Header().Get("Content-Disposition"); !strings.Contains(cd, `filename="batch-b-2.xlsx"`) {
		t.Errorf("Content-Disposition = %q", cd)
	}
}

func TestHealthReportsDatabase(t *testing.T) {
	down := func(context.Context) error { return errors.New("db down") }
	r := newTestRouter(&fakeService{}, down)
	if w := do(r, http.MethodGet, "/healthz", ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("healthz with db down = %d, want 503", w.Code)
	}
}

func TestRequestIDIsEchoed(t *testing.T) {
	r := newTestRouter(&fakeService{}, nil)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(headerRequestID, "req-42")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if got := w.Header().Get(headerRequestID); got != "req-42" {
		t.Errorf("%s = %q, want req-42", headerRequestID, got)
	}
}

func TestHealthServerCheck(t *testing.T) {
	healthy := true
	ping := func(context.Context) error {
		if healthy {
			return nil
		}
		return errors.New("db down")
	}
	s := NewHealthServer(ping, time.Second, slog.New(slog.DiscardHandler))
	ctx := context.Background()

	if got := s.Check(ctx); got != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("Check = %v, want SERVING", got)
	}
	healthy = false
	if got := s.Check(ctx); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("Check = %v, want NOT_SERVING", got)
	}
	resp, err := s.health.Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("grpc health status = %v, want NOT_SERVING", resp.GetStatus())
	}
}
