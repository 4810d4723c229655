package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jonesrussell/north-cloud/staffdir/internal/database"
)

const (
	defaultLimit = 50
	maxLimit     = 500
)

// parseLimitOffset parses limit and offset query params with defaults.
func parseLimitOffset(c *gin.Context) (limit, offset int) {
	limit, _ = strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultLimit)))
	offset, _ = strconv.Atoi(c.DefaultQuery("offset", "0"))
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// parseSince accepts RFC 3339 timestamps and Go durations ("72h").
func parseSince(raw string, now time.Time) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return time.Time{}, errors.New("since must be an RFC 3339 time or a duration")
	}
	return now.Add(-d), nil
}

func respondError(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{"error": message})
}

func respondNotFound(c *gin.Context, resource string) {
	respondError(c, http.StatusNotFound, resource+" not found")
}

func respondBadRequest(c *gin.Context, message string) {
	respondError(c, http.StatusBadRequest, message)
}

// respondStoreError maps database.ErrNotFound to 404 and anything else to 500.
func respondStoreError(c *gin.Context, err error, resource string) {
	if errors.Is(err, database.ErrNotFound) {
		respondNotFound(c, resource)
		return
	}
	// The request logger reports c.Errors once per request.
	_ = c.Error(err)
	respondError(c, http.StatusInternalServerError, "failed to load "+resource)
}
