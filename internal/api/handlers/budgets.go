package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/spendgate/spendgate/internal/services/budget"
)

type BudgetHandler struct {
	guard  *budget.Guard
	logger *zap.Logger
}

func NewBudgetHandler(guard *budget.Guard, logger *zap.Logger) *BudgetHandler {
	return &BudgetHandler{guard: guard, logger: logger}
}

type setBudgetRequest struct {
	SoftLimitUSD string `json:"soft_limit_usd"`
	HardLimitUSD string `json:"hard_limit_usd"`
}

// Get godoc
// @Summary Current budget window for a tenant
// @Tags Budgets
// @Produce json
// @Param tenantID path string true "Tenant ID"
// @Success 200 {object} models.TenantBudget
// @Failure 404 {object} ErrorBody
// @Router /v1/budgets/{tenantID} [get]
func (h *BudgetHandler) Get(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")

	row, err := h.guard.Status(r.Context(), tenantID)
	if err != nil {
		h.logger.Error("budget status failed", zap.String("tenant_id", tenantID), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "internal_error", "budget lookup failed")
		return
	}
	if row == nil {
		respondError(w, http.StatusNotFound, "budget_missing", "no budget configured for tenant "+tenantID)
		return
	}
	respondJSON(w, http.StatusOK, row)
}

// Set godoc
// @Summary Set soft and hard limits for the current window
// @Tags Budgets
// @Accept json
// @Produce json
// @Param tenantID path string true "Tenant ID"
// @Param request body setBudgetRequest true "Limits in USD"
// @Success 200 {object} models.TenantBudget
// @Failure 400 {object} ErrorBody
// @Router /v1/budgets/{tenantID} [put]
func (h *BudgetHandler) Set(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")

	var req setBudgetRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	soft, err := decimal.NewFromString(req.SoftLimitUSD)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "soft_limit_usd is not a decimal")
		return
	}
	hard, err := decimal.NewFromString(req.HardLimitUSD)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "hard_limit_usd is not a decimal")
		return
	}

	row, err := h.guard.SetLimits(r.Context(), tenantID, soft, hard)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_limits", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, row)
}
