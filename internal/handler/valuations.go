package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"dealbase/internal/dealstate"
	"dealbase/internal/engine"
	"dealbase/internal/logger"
	"dealbase/internal/models"
	"dealbase/internal/valuation"
)

type ValuationHandler struct {
	Manager   *valuation.Manager
	Snapshots *dealstate.Store
	Logger    *zap.Logger
}

func (h *ValuationHandler) Register(r *gin.Engine) {
	deals := r.Group("/api/v1/deals/:id/valuations")
	deals.POST("", h.submit)
	deals.GET("", h.history)
	deals.GET("/latest", h.latest)
	deals.GET("/active", h.active)

	runs := r.Group("/api/v1/valuations")
	runs.GET("/:runId", h.get)
	runs.POST("/:runId/retry", h.retry)

	r.POST("/api/v1/engine/callbacks", h.callback)
}

type submitValuationRequest struct {
	Name        string             `json:"name" binding:"max=200"`
	Assumptions engine.Assumptions `json:"assumptions"`
}

type runView struct {
	*models.ValuationRun
	Stale bool `json:"stale"`
}

// @Summary Submit valuation run
// @Description Queues a run against the current snapshot. Only one run per deal
// @Description may be queued or running; a second submit gets 409 with the active run id.
// @Tags valuations
// @Accept json
// @Param id path int true "deal id"
// @Param body body submitValuationRequest false "assumptions"
// @Success 201 {object} apiResponse
// @Failure 404 {object} apiResponse
// @Failure 409 {object} apiResponse
// @Router /api/v1/deals/{id}/valuations [post]
func (h *ValuationHandler) submit(c *gin.Context) {
	dealID, ok := dealIDParam(c)
	if !ok {
		return
	}
	var req submitValuationRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			Error(c, http.StatusBadRequest, "invalid body: "+err.Error(), nil)
			return
		}
	}
	run, err := h.Manager.Submit(c.Request.Context(), dealID, valuation.SubmitOptions{
		Name:        strings.TrimSpace(req.Name),
		Assumptions: req.Assumptions,
	})
	if err != nil {
		Fail(c, h.Logger, err)
		return
	}
	Created(c, run)
}

func (h *ValuationHandler) history(c *gin.Context) {
	dealID, ok := dealIDParam(c)
	if !ok {
		return
	}
	limit := intQuery(c, "limit", 20)
	offset := intQuery(c, "offset", 0)
	items, total, err := h.Manager.History(c.Request.Context(), dealID, limit, offset)
	if err != nil {
		Fail(c, h.Logger, err)
		return
	}
	Ok(c, items, paginationMeta(limit, offset, total))
}

// @Summary Latest valuation run
// @Tags valuations
// @Param id path int true "deal id"
// @Success 200 {object} apiResponse
// @Router /api/v1/deals/{id}/valuations/latest [get]
func (h *ValuationHandler) latest(c *gin.Context) {
	dealID, ok := dealIDParam(c)
	if !ok {
		return
	}
	run, err := h.Manager.LatestRun(c.Request.Context(), dealID)
	if err != nil {
		Fail(c, h.Logger, err)
		return
	}
	if run == nil {
		Ok(c, nil, nil)
		return
	}
	Ok(c, h.withStaleness(c, run), nil)
}

func (h *ValuationHandler) active(c *gin.Context) {
	dealID, ok := dealIDParam(c)
	if !ok {
		return
	}
	run, err := h.Manager.ActiveRun(c.Request.Context(), dealID)
	if err != nil {
		Fail(c, h.Logger, err)
		return
	}
	Ok(c, run, nil)
}

func (h *ValuationHandler) get(c *gin.Context) {
	run, err := h.Manager.Run(c.Request.Context(), c.Param("runId"))
	if err != nil {
		Fail(c, h.Logger, err)
		return
	}
	Ok(c, h.withStaleness(c, run), nil)
}

func (h *ValuationHandler) retry(c *gin.Context) {
	run, err := h.Manager.Retry(c.Request.Context(), c.Param("runId"))
	if err != nil {
		Fail(c, h.Logger, err)
		return
	}
	Created(c, run)
}

// @Summary Engine status callback
// @Description Redelivered and out-of-order updates are accepted and absorbed.
// @Tags engine
// @Accept json
// @Param body body engine.StatusUpdate true "status update"
// @Success 200 {object} apiResponse
// @Failure 404 {object} apiResponse
// @Router /api/v1/engine/callbacks [post]
func (h *ValuationHandler) callback(c *gin.Context) {
	var req engine.StatusUpdate
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, http.StatusBadRequest, "invalid body: "+err.Error(), nil)
		return
	}
	if strings.TrimSpace(req.RunID) == "" || strings.TrimSpace(req.Status) == "" {
		Error(c, http.StatusBadRequest, "run_id and status required", nil)
		return
	}
	if err := h.Manager.Apply(c.Request.Context(), req); err != nil {
		Fail(c, h.Logger, err)
		return
	}
	Ok(c, map[string]any{"run_id": req.RunID, "accepted": true}, nil)
}

// withStaleness flags runs computed against a snapshot that has since been
// replaced. A failed version read leaves the flag unset.
func (h *ValuationHandler) withStaleness(c *gin.Context, run *models.ValuationRun) runView {
	view := runView{ValuationRun: run}
	if h.Snapshots == nil {
		return view
	}
	current, err := h.Snapshots.CurrentVersion(c.Request.Context(), run.DealID)
	if err != nil {
		h.log().Debug("current version unavailable", zap.Uint64("deal_id", run.DealID), zap.Error(err))
		return view
	}
	view.Stale = valuation.IsStale(run, current)
	return view
}

func (h *ValuationHandler) log() *zap.Logger {
	return logger.OrNop(h.Logger)
}
