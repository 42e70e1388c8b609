package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"dealbase/internal/service"
)

type AssumptionsHandler struct {
	Assumptions *service.AssumptionsService
	Logger      *zap.Logger
}

func (h *AssumptionsHandler) Register(r *gin.Engine) {
	group := r.Group("/api/v1/deals/:id/rentroll-assumptions")
	group.GET("", h.get)
	group.PUT("", h.update)
}

type updateAssumptionsRequest struct {
	ProFormaRents        map[string]decimal.Decimal `json:"pro_forma_rents"`
	MarketRentGrowth     *decimal.Decimal           `json:"market_rent_growth"`
	VacancyRate          *decimal.Decimal           `json:"vacancy_rate"`
	TurnoverRate         *decimal.Decimal           `json:"turnover_rate"`
	AvgLeaseTermMonths   *int                       `json:"avg_lease_term_months"`
	LeaseRenewalRate     *decimal.Decimal           `json:"lease_renewal_rate"`
	MarketingCostPerUnit *decimal.Decimal           `json:"marketing_cost_per_unit"`
	TurnoverCostPerUnit  *decimal.Decimal           `json:"turnover_cost_per_unit"`
}

func (h *AssumptionsHandler) get(c *gin.Context) {
	dealID, ok := dealIDParam(c)
	if !ok {
		return
	}
	a, err := h.Assumptions.Get(c.Request.Context(), dealID)
	if err != nil {
		Fail(c, h.Logger, err)
		return
	}
	Ok(c, a, nil)
}

// @Summary Update rent roll assumptions
// @Description Partial update. Stored values seed every later valuation run
// @Description that does not set them itself.
// @Tags assumptions
// @Accept json
// @Param id path int true "deal id"
// @Param body body updateAssumptionsRequest true "fields to change"
// @Success 200 {object} apiResponse
// @Failure 400 {object} apiResponse
// @Failure 404 {object} apiResponse
// @Router /api/v1/deals/{id}/rentroll-assumptions [put]
func (h *AssumptionsHandler) update(c *gin.Context) {
	dealID, ok := dealIDParam(c)
	if !ok {
		return
	}
	var req updateAssumptionsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, http.StatusBadRequest, "invalid body: "+err.Error(), nil)
		return
	}
	a, err := h.Assumptions.Update(c.Request.Context(), dealID, service.UpdateAssumptionsInput{
		ProFormaRents:        req.ProFormaRents,
		MarketRentGrowth:     req.MarketRentGrowth,
		VacancyRate:          req.VacancyRate,
		TurnoverRate:         req.TurnoverRate,
		AvgLeaseTermMonths:   req.AvgLeaseTermMonths,
		LeaseRenewalRate:     req.LeaseRenewalRate,
		MarketingCostPerUnit: req.MarketingCostPerUnit,
		TurnoverCostPerUnit:  req.TurnoverCostPerUnit,
	})
	if err != nil {
		Fail(c, h.Logger, err)
		return
	}
	Ok(c, a, nil)
}
