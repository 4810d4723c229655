package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jonesrussell/north-cloud/staffdir/internal/database"
	"github.com/jonesrussell/north-cloud/staffdir/internal/importer"
	"github.com/jonesrussell/north-cloud/staffdir/internal/logger"
)

func (h *handler) listTargets(c *gin.Context) {
	limit, offset := parseLimitOffset(c)
	targets, err := h.store.ListTargets(c.Request.Context(), database.TargetFilter{
		ActiveOnly: c.Query("active") == "true",
		Limit:      limit,
		Offset:     offset,
	})
	if err != nil {
		respondStoreError(c, err, "targets")
		return
	}
	c.JSON(http.StatusOK, gin.H{"targets": targets, "count": len(targets)})
}

func (h *handler) getTarget(c *gin.Context) {
	target, err := h.store.GetTarget(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondStoreError(c, err, "target")
		return
	}
	c.JSON(http.StatusOK, target)
}

// importTargets accepts a multipart "file" field holding an .xlsx or .yml
// target list. Valid rows are upserted even when other rows are rejected.
func (h *handler) importTargets(c *gin.Context) {
	header, err := c.FormFile("file")
	if err != nil {
		respondBadRequest(c, "file is required")
		return
	}
	f, err := header.Open()
	if err != nil {
		respondBadRequest(c, "failed to read upload")
		return
	}
	defer func() { _ = f.Close() }()

	rows, rowErrs, err := importer.ParseFile(header.Filename, f)
	if errors.Is(err, importer.ErrUnsupportedFormat) {
		respondBadRequest(c, "file must be .xlsx, .yml or .yaml")
		return
	}
	if len(rows) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no valid rows", "errors": rowErrs})
		return
	}

	res, err := importer.Import(c.Request.Context(), h.store, rows)
	if err != nil {
		respondStoreError(c, err, "targets")
		return
	}
	res.Errors = rowErrs

	logger.FromContext(c.Request.Context()).Info("Targets imported",
		logger.String("file", header.Filename),
		logger.Int("created", res.Created),
		logger.Int("updated", res.Updated),
		logger.Int("rejected", len(rowErrs)),
	)
	c.JSON(http.StatusOK, res)
}
