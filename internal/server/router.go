// Package server exposes the job and batch API over HTTP and a gRPC health endpoint.
package server

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/joseph-ayodele/paper-extract/internal/entity"
	"github.com/joseph-ayodele/paper-extract/internal/services/jobs"
)

// JobService is the use-case layer behind the handlers.
type JobService interface {
	SubmitJob(ctx context.Context, req jobs.SubmitJobRequest) (*jobs.JobAccepted, error)
	SubmitBatch(ctx context.Context, req entity.BatchRequest) (*jobs.BatchAccepted, error)
	JobStatus(ctx context.Context, jobID string) (entity.JobView, error)
	BatchStatus(ctx context.Context, batchID string, includeFiles bool) (entity.BatchView, error)
}

// Exporter renders a batch as a spreadsheet.
type Exporter interface {
	BatchXLSX(ctx context.Context, batchID string) ([]byte, error)
}

type RouterConfig struct {
	APIPrefix   string
	CORSOrigins []string
}

type Handlers struct {
	jobs     JobService
	exporter Exporter
	ping     func(ctx context.Context) error
	logger   *slog.Logger
}

func NewHandlers(svc JobService, exporter Exporter, ping func(ctx context.Context) error, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{jobs: svc, exporter: exporter, ping: ping, logger: logger}
}

// NewRouter builds the HTTP API.
func NewRouter(h *Handlers, cfg RouterConfig) *gin.Engine {
	prefix := strings.TrimRight(cfg.APIPrefix, "/")
	if prefix == "" {
		prefix = "/api/v1"
	}
	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	router := gin.New()
	router.Use(requestLogger(h.logger), recovery(h.logger))
	router.Use(cors.New(cors.Config{
		AllowOrigins: origins,
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{"Origin", "Content-Type", "Accept", "Authorization", headerRequestID},
		MaxAge:       12 * time.Hour,
	}))

	router.GET("/healthz", h.Health)

	api := router.Group(prefix)
	api.POST("/jobs", h.SubmitJob)
	api.GET("/jobs/:job_id", h.GetJob)
	api.POST("/batch/process", h.SubmitBatch)
	api.GET("/batch/:batch_id/status", h.GetBatch)
	api.GET("/batch/:batch_id/export", h.ExportBatch)

	return router
}
