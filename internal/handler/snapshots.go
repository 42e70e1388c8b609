package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"dealbase/internal/aggregation"
	"dealbase/internal/dealstate"
)

type SnapshotHandler struct {
	Store  *dealstate.Store
	Logger *zap.Logger
}

func (h *SnapshotHandler) Register(r *gin.Engine) {
	group := r.Group("/api/v1/deals/:id")
	group.GET("/snapshot", h.current)
	group.GET("/unit-mix", h.unitMix)
	group.GET("/snapshots", h.versions)
	group.GET("/snapshots/:version", h.at)
	group.POST("/snapshots/:version/restore", h.restore)
}

// @Summary Current snapshot
// @Tags snapshots
// @Param id path int true "deal id"
// @Success 200 {object} apiResponse
// @Failure 404 {object} apiResponse
// @Router /api/v1/deals/{id}/snapshot [get]
func (h *SnapshotHandler) current(c *gin.Context) {
	dealID, ok := dealIDParam(c)
	if !ok {
		return
	}
	snap, err := h.Store.CurrentSnapshot(c.Request.Context(), dealID)
	if err != nil {
		Fail(c, h.Logger, err)
		return
	}
	Ok(c, snap, nil)
}

func (h *SnapshotHandler) unitMix(c *gin.Context) {
	dealID, ok := dealIDParam(c)
	if !ok {
		return
	}
	snap, err := h.Store.CurrentSnapshot(c.Request.Context(), dealID)
	if err != nil {
		Fail(c, h.Logger, err)
		return
	}
	Ok(c, gin.H{
		"version":  snap.Version,
		"unit_mix": snap.UnitMix,
		"summary":  aggregation.Summarize(snap.UnitMix),
	}, nil)
}

func (h *SnapshotHandler) versions(c *gin.Context) {
	dealID, ok := dealIDParam(c)
	if !ok {
		return
	}
	limit := intQuery(c, "limit", 50)
	offset := intQuery(c, "offset", 0)
	items, err := h.Store.Versions(c.Request.Context(), dealID, limit, offset)
	if err != nil {
		Fail(c, h.Logger, err)
		return
	}
	Ok(c, items, map[string]any{"limit": limit, "offset": offset, "count": len(items)})
}

func (h *SnapshotHandler) at(c *gin.Context) {
	dealID, ok := dealIDParam(c)
	if !ok {
		return
	}
	version, ok := versionParam(c)
	if !ok {
		return
	}
	snap, err := h.Store.SnapshotAt(c.Request.Context(), dealID, version)
	if err != nil {
		Fail(c, h.Logger, err)
		return
	}
	Ok(c, snap, nil)
}

// @Summary Restore snapshot version
// @Description Publishes a copy of an earlier version as the new current version.
// @Tags snapshots
// @Param id path int true "deal id"
// @Param version path int true "version to restore"
// @Success 200 {object} apiResponse
// @Failure 404 {object} apiResponse
// @Failure 409 {object} apiResponse
// @Router /api/v1/deals/{id}/snapshots/{version}/restore [post]
func (h *SnapshotHandler) restore(c *gin.Context) {
	dealID, ok := dealIDParam(c)
	if !ok {
		return
	}
	version, ok := versionParam(c)
	if !ok {
		return
	}
	newVersion, err := h.Store.Restore(c.Request.Context(), dealID, version)
	if err != nil {
		Fail(c, h.Logger, err)
		return
	}
	Ok(c, gin.H{"snapshot_version": newVersion, "restored_from": version}, nil)
}

func versionParam(c *gin.Context) (int64, bool) {
	v, err := strconv.ParseInt(c.Param("version"), 10, 64)
	if err != nil || v <= 0 {
		Error(c, http.StatusBadRequest, "invalid version", nil)
		return 0, false
	}
	return v, true
}
