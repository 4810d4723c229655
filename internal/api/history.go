package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jonesrussell/north-cloud/staffdir/internal/database"
	"github.com/jonesrussell/north-cloud/staffdir/internal/domain"
)

func (h *handler) latestSnapshot(c *gin.Context) {
	ctx := c.Request.Context()
	targetID := c.Param("id")
	if _, err := h.store.GetTarget(ctx, targetID); err != nil {
		respondStoreError(c, err, "target")
		return
	}
	snap, err := h.store.LatestSnapshot(ctx, targetID)
	if err != nil {
		respondStoreError(c, err, "snapshot")
		return
	}
	if snap == nil {
		respondNotFound(c, "snapshot")
		return
	}
	c.JSON(http.StatusOK, snap)
}

// snapshotPair returns the retained snapshots of a target, newest first,
// with the change record linking them when one exists.
func (h *handler) snapshotPair(c *gin.Context) {
	ctx := c.Request.Context()
	targetID := c.Param("id")
	if _, err := h.store.GetTarget(ctx, targetID); err != nil {
		respondStoreError(c, err, "target")
		return
	}
	snaps, err := h.store.ListSnapshots(ctx, targetID)
	if err != nil {
		respondStoreError(c, err, "snapshots")
		return
	}

	resp := gin.H{"snapshots": snaps, "count": len(snaps)}
	if len(snaps) > 0 {
		changes, changeErr := h.store.ListChanges(ctx, database.ChangeFilter{TargetID: targetID, Limit: 1})
		if changeErr != nil {
			respondStoreError(c, changeErr, "changes")
			return
		}
		if len(changes) > 0 && changes[0].ToSnapshotID == snaps[0].ID {
			resp["change"] = changes[0]
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (h *handler) getSnapshot(c *gin.Context) {
	snap, err := h.store.GetSnapshot(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondStoreError(c, err, "snapshot")
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (h *handler) listChanges(c *gin.Context) {
	since, err := parseSince(c.Query("since"), time.Now())
	if err != nil {
		respondBadRequest(c, err.Error())
		return
	}
	limit, _ := parseLimitOffset(c)
	changes, err := h.store.ListChanges(c.Request.Context(), database.ChangeFilter{
		TargetID: c.Query("target_id"),
		Since:    since,
		Limit:    limit,
	})
	if err != nil {
		respondStoreError(c, err, "changes")
		return
	}
	if changes == nil {
		changes = []domain.ChangeRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"changes": changes, "count": len(changes)})
}

func (h *handler) listProfiles(c *gin.Context) {
	limit, offset := parseLimitOffset(c)
	profiles, err := h.store.ListProfiles(c.Request.Context(), database.ProfileFilter{
		TargetID: c.Query("target_id"),
		Query:    c.Query("q"),
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		respondStoreError(c, err, "profiles")
		return
	}
	if profiles == nil {
		profiles = []domain.Profile{}
	}
	c.JSON(http.StatusOK, gin.H{"profiles": profiles, "count": len(profiles)})
}

func (h *handler) getProfile(c *gin.Context) {
	profile, err := h.store.GetProfile(c.Request.Context(), c.Param("fingerprint"))
	if err != nil {
		respondStoreError(c, err, "profile")
		return
	}
	c.JSON(http.StatusOK, profile)
}
