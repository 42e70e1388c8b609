package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"dealbase/internal/aggregation"
	"dealbase/internal/audit"
	"dealbase/internal/repository"
	"dealbase/internal/service"
)

type DealHandler struct {
	Deals   *service.DealService
	Gateway *aggregation.Gateway
	Audit   *audit.Recorder
	Logger  *zap.Logger
}

func (h *DealHandler) Register(r *gin.Engine) {
	group := r.Group("/api/v1/deals")
	group.GET("", h.list)
	group.POST("", h.create)
	group.GET("/:id", h.get)
	group.PATCH("/:id", h.update)
	group.PUT("/:id/status", h.updateStatus)
	group.DELETE("/:id", h.remove)
	group.GET("/:id/view", h.view)
	group.GET("/:id/audit", h.auditTrail)
	r.GET("/api/v1/deal-slugs/:slug", h.getBySlug)
}

type createDealRequest struct {
	Name         string `json:"name" binding:"required,max=200"`
	PropertyType string `json:"property_type" binding:"max=50"`
	Address      string `json:"address" binding:"max=255"`
	City         string `json:"city" binding:"max=100"`
	State        string `json:"state" binding:"max=50"`
	ZipCode      string `json:"zip_code" binding:"max=20"`
	Description  string `json:"description"`
	Status       string `json:"status" binding:"omitempty,oneof=draft active completed archived"`
}

// @Summary List deals
// @Tags deals
// @Param status query string false "status filter"
// @Param city query string false "city filter"
// @Param q query string false "name or address search"
// @Param order_by query string false "updated_at, created_at, name or id"
// @Param limit query int false "page size"
// @Param offset query int false "page offset"
// @Success 200 {object} apiResponse
// @Router /api/v1/deals [get]
func (h *DealHandler) list(c *gin.Context) {
	limit := intQuery(c, "limit", 50)
	offset := intQuery(c, "offset", 0)
	items, total, err := h.Deals.List(c.Request.Context(), service.ListDealsInput{
		Limit:   limit,
		Offset:  offset,
		Status:  c.Query("status"),
		City:    c.Query("city"),
		Query:   c.Query("q"),
		OrderBy: c.Query("order_by"),
		Asc:     boolQueryDefault(c, "asc", false),
	})
	if err != nil {
		Fail(c, h.Logger, err)
		return
	}
	Ok(c, items, paginationMeta(limit, offset, total))
}

// @Summary Create deal
// @Tags deals
// @Accept json
// @Param body body createDealRequest true "deal"
// @Success 201 {object} apiResponse
// @Failure 400 {object} apiResponse
// @Router /api/v1/deals [post]
func (h *DealHandler) create(c *gin.Context) {
	var req createDealRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, http.StatusBadRequest, "invalid body: "+err.Error(), nil)
		return
	}
	deal, err := h.Deals.Create(c.Request.Context(), service.CreateDealInput{
		Name:         req.Name,
		PropertyType: req.PropertyType,
		Address:      req.Address,
		City:         req.City,
		State:        req.State,
		ZipCode:      req.ZipCode,
		Description:  req.Description,
		Status:       req.Status,
	})
	if err != nil {
		Fail(c, h.Logger, err)
		return
	}
	Created(c, deal)
}

func (h *DealHandler) get(c *gin.Context) {
	id, ok := dealIDParam(c)
	if !ok {
		return
	}
	deal, err := h.Deals.Get(c.Request.Context(), id)
	if err != nil {
		Fail(c, h.Logger, err)
		return
	}
	Ok(c, deal, nil)
}

func (h *DealHandler) getBySlug(c *gin.Context) {
	slug := strings.TrimSpace(c.Param("slug"))
	if slug == "" {
		Error(c, http.StatusBadRequest, "slug required", nil)
		return
	}
	deal, err := h.Deals.GetBySlug(c.Request.Context(), slug)
	if err != nil {
		Fail(c, h.Logger, err)
		return
	}
	Ok(c, deal, nil)
}

type updateDealRequest struct {
	Name         *string `json:"name" binding:"omitempty,max=200"`
	PropertyType *string `json:"property_type" binding:"omitempty,max=50"`
	Address      *string `json:"address" binding:"omitempty,max=255"`
	City         *string `json:"city" binding:"omitempty,max=100"`
	State        *string `json:"state" binding:"omitempty,max=50"`
	ZipCode      *string `json:"zip_code" binding:"omitempty,max=20"`
	Description  *string `json:"description"`
	Status       *string `json:"status" binding:"omitempty,oneof=draft active completed archived"`
}

func (h *DealHandler) update(c *gin.Context) {
	id, ok := dealIDParam(c)
	if !ok {
		return
	}
	var req updateDealRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, http.StatusBadRequest, "invalid body: "+err.Error(), nil)
		return
	}
	deal, err := h.Deals.Update(c.Request.Context(), id, repository.DealUpdate{
		Name:         req.Name,
		PropertyType: req.PropertyType,
		Address:      req.Address,
		City:         req.City,
		State:        req.State,
		ZipCode:      req.ZipCode,
		Description:  req.Description,
		Status:       req.Status,
	})
	if err != nil {
		Fail(c, h.Logger, err)
		return
	}
	Ok(c, deal, nil)
}

type updateStatusRequest struct {
	Status string `json:"status" binding:"required,oneof=draft active completed archived"`
}

func (h *DealHandler) updateStatus(c *gin.Context) {
	id, ok := dealIDParam(c)
	if !ok {
		return
	}
	var req updateStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, http.StatusBadRequest, "invalid body: "+err.Error(), nil)
		return
	}
	deal, err := h.Deals.UpdateStatus(c.Request.Context(), id, req.Status)
	if err != nil {
		Fail(c, h.Logger, err)
		return
	}
	Ok(c, deal, nil)
}

func (h *DealHandler) remove(c *gin.Context) {
	id, ok := dealIDParam(c)
	if !ok {
		return
	}
	if err := h.Deals.Delete(c.Request.Context(), id); err != nil {
		Fail(c, h.Logger, err)
		return
	}
	Ok(c, map[string]any{"id": id, "deleted": true}, nil)
}

// @Summary Deal view
// @Description Deal, current snapshot and latest valuation run in one read.
// @Description A partial failure sets degraded instead of failing the request.
// @Tags deals
// @Param id path int true "deal id"
// @Success 200 {object} apiResponse
// @Failure 404 {object} apiResponse
// @Router /api/v1/deals/{id}/view [get]
func (h *DealHandler) view(c *gin.Context) {
	id, ok := dealIDParam(c)
	if !ok {
		return
	}
	view, err := h.Gateway.DealView(c.Request.Context(), id)
	if err != nil {
		Fail(c, h.Logger, err)
		return
	}
	var meta map[string]any
	if view.Degraded {
		meta = map[string]any{"degraded": true, "reasons": view.DegradedReasons}
	}
	Ok(c, view, meta)
}

func (h *DealHandler) auditTrail(c *gin.Context) {
	id, ok := dealIDParam(c)
	if !ok {
		return
	}
	if _, err := h.Deals.Get(c.Request.Context(), id); err != nil {
		Fail(c, h.Logger, err)
		return
	}
	limit := intQuery(c, "limit", 100)
	offset := intQuery(c, "offset", 0)
	items, err := h.Audit.List(c.Request.Context(), id, strings.TrimSpace(c.Query("event_type")), limit, offset)
	if err != nil {
		Fail(c, h.Logger, err)
		return
	}
	Ok(c, items, map[string]any{"limit": limit, "offset": offset, "count": len(items)})
}
