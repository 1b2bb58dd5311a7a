package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/joseph-ayodele/paper-extract/internal/common"
	"github.com/joseph-ayodele/paper-extract/internal/entity"
	"github.com/joseph-ayodele/paper-extract/internal/services/jobs"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// bindStrict decodes a JSON body and rejects fields the request type does not declare.
func bindStrict(c *gin.Context, v any) error {
	if c.Request.Body == nil {
		return fmt.Errorf("empty body")
	}
	dec := json.NewDecoder(c.Request.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return fmt.Errorf("trailing data after JSON body")
	}
	return nil
}

func (h *Handlers) SubmitJob(c *gin.Context) {
	var req jobs.SubmitJobRequest
	if err := bindStrict(c, &req); err != nil {
		respondError(c, h.logger, common.InvalidInputf("invalid request body: %v", err))
		return
	}
	res, err := h.jobs.SubmitJob(c.Request.Context(), req)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusAccepted, res)
}

func (h *Handlers) GetJob(c *gin.Context) {
	view, err := h.jobs.JobStatus(c.Request.Context(), c.Param("job_id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *Handlers) SubmitBatch(c *gin.Context) {
	var req entity.BatchRequest
	if err := bindStrict(c, &req); err != nil {
		respondError(c, h.logger, common.InvalidInputf("invalid request body: %v", err))
		return
	}
	res, err := h.jobs.SubmitBatch(c.Request.Context(), req)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusAccepted, res)
}

// GetBatch returns the aggregate status; ?include=files adds per-file views.
func (h *Handlers) GetBatch(c *gin.Context) {
	include := false
	for _, part := range strings.Split(c.Query("include"), ",") {
		if strings.TrimSpace(part) == "files" {
			include = true
		}
	}
	view, err := h.jobs.BatchStatus(c.Request.Context(), c.Param("batch_id"), include)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *Handlers) ExportBatch(c *gin.Context) {
	if h.exporter == nil {
		respondError(c, h.logger, common.NewAppError("EXPORT_DISABLED", "export is not available", common.ErrUnavailable))
		return
	}
	batchID := c.Param("batch_id")
	data, err := h.exporter.BatchXLSX(c.Request.Context(), batchID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="batch-%s.xlsx"`, batchID))
	c.Data(http.StatusOK, xlsxContentType, data)
}

func (h *Handlers) Health(c *gin.Context) {
	if h.ping != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
		defer cancel()
		if err := h.ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
