package api

import (
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/jonesrussell/north-cloud/staffdir/internal/domain"
	"github.com/jonesrussell/north-cloud/staffdir/internal/export"
	"github.com/jonesrussell/north-cloud/staffdir/internal/logger"
	"github.com/jonesrussell/north-cloud/staffdir/internal/orchestrator"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

type retryRequest struct {
	// TargetURL selects one failure. Empty retries every failure.
	TargetURL string `json:"target_url"`
}

type startRequest struct {
	Mode orchestrator.Mode `json:"mode"`
}

func (h *handler) listFailures(c *gin.Context) {
	failures, err := h.store.ListFailures(c.Request.Context())
	if err != nil {
		respondStoreError(c, err, "failures")
		return
	}
	if failures == nil {
		failures = []domain.FailureRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"failures": failures, "count": len(failures)})
}

func (h *handler) clearFailures(c *gin.Context) {
	n, err := h.store.ClearFailures(c.Request.Context())
	if err != nil {
		respondStoreError(c, err, "failures")
		return
	}
	logger.FromContext(c.Request.Context()).Info("Failure ledger cleared", logger.Int64("cleared", n))
	c.JSON(http.StatusOK, gin.H{"cleared": n})
}

// retryFailures clears the selected ledger entries and re-runs their targets
// in a background retry run.
func (h *handler) retryFailures(c *gin.Context) {
	var req retryRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respondBadRequest(c, "invalid request body")
			return
		}
	}

	failures, err := h.store.ListFailures(c.Request.Context())
	if err != nil {
		respondStoreError(c, err, "failures")
		return
	}
	if req.TargetURL != "" {
		failures = selectFailure(failures, req.TargetURL)
		if len(failures) == 0 {
			respondNotFound(c, "failure")
			return
		}
	}
	if len(failures) == 0 {
		c.JSON(http.StatusOK, gin.H{"started": false, "count": 0})
		return
	}

	if err = h.runner.StartRetry(c.Request.Context(), failures); err != nil {
		respondRunError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"started": true, "count": len(failures)})
}

func selectFailure(failures []domain.FailureRecord, targetURL string) []domain.FailureRecord {
	for _, f := range failures {
		if f.TargetURL == targetURL {
			return []domain.FailureRecord{f}
		}
	}
	return nil
}

func (h *handler) runStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.runner.Status())
}

// startRun starts a full run, or a retry of every ledger entry when the body
// asks for mode "retry".
func (h *handler) startRun(c *gin.Context) {
	req := startRequest{Mode: orchestrator.ModeFull}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respondBadRequest(c, "invalid request body")
			return
		}
	}

	ctx := c.Request.Context()
	var err error
	switch req.Mode {
	case orchestrator.ModeFull, "":
		err = h.runner.StartFull(ctx)
	case orchestrator.ModeRetry:
		failures, listErr := h.store.ListFailures(ctx)
		if listErr != nil {
			respondStoreError(c, listErr, "failures")
			return
		}
		err = h.runner.StartRetry(ctx, failures)
	default:
		respondBadRequest(c, "mode must be full or retry")
		return
	}
	if err != nil {
		respondRunError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, h.runner.Status())
}

func (h *handler) stopRun(c *gin.Context) {
	if err := h.runner.Stop(); err != nil {
		respondRunError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, h.runner.Status())
}

func respondRunError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrAlreadyRunning):
		respondError(c, http.StatusConflict, "a run is already in progress")
	case errors.Is(err, orchestrator.ErrNotRunning):
		respondError(c, http.StatusConflict, "no run in progress")
	default:
		_ = c.Error(err)
		respondError(c, http.StatusInternalServerError, "run control failed")
	}
}

func (h *handler) triggerExport(c *gin.Context) {
	path, err := h.exporter.Export(c.Request.Context())
	switch {
	case errors.Is(err, export.ErrInProgress):
		respondError(c, http.StatusConflict, "an export is already in progress")
		return
	case err != nil:
		_ = c.Error(err)
		respondError(c, http.StatusInternalServerError, "export failed")
		return
	}
	name := filepath.Base(path)
	c.JSON(http.StatusCreated, gin.H{"file": name, "download": "/api/v1/export/" + name})
}

// downloadExport serves a workbook from the export directory by file name.
func (h *handler) downloadExport(c *gin.Context) {
	name := c.Param("name")
	if name != filepath.Base(name) || !strings.HasSuffix(name, ".xlsx") {
		respondBadRequest(c, "invalid export name")
		return
	}
	path := filepath.Join(h.exportDir, name)
	if _, err := os.Stat(path); err != nil {
		respondNotFound(c, "export")
		return
	}
	c.Header("Content-Type", xlsxContentType)
	c.FileAttachment(path, name)
}
