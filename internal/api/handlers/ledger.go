package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/spendgate/spendgate/internal/models"
	"github.com/spendgate/spendgate/internal/services/ledger"
)

type LedgerHandler struct {
	ledger *ledger.Ledger
	logger *zap.Logger
}

func NewLedgerHandler(l *ledger.Ledger, logger *zap.Logger) *LedgerHandler {
	return &LedgerHandler{ledger: l, logger: logger}
}

type initTenantRequest struct {
	Tier models.BillingTier `json:"tier"`
}

// Init godoc
// @Summary Initialize a tenant balance with its tier's monthly credit
// @Description Idempotent: an existing balance is returned unchanged.
// @Tags Ledger
// @Accept json
// @Produce json
// @Param tenantID path string true "Tenant ID"
// @Param request body initTenantRequest true "Billing tier"
// @Success 200 {object} models.TenantBalance
// @Router /v1/ledger/{tenantID}/init [post]
func (h *LedgerHandler) Init(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")

	var req initTenantRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	bal, err := h.ledger.InitTenant(r.Context(), tenantID, req.Tier)
	if err != nil {
		respondError(w, http.StatusBadRequest, "init_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, bal)
}

type quoteRequest struct {
	APIName      string             `json:"api_name"`
	OriginalCost string             `json:"original_cost"`
	Tier         models.BillingTier `json:"tier,omitempty"`
}

// Quote godoc
// @Summary Price one artifact access under the fractional rules
// @Tags Ledger
// @Accept json
// @Produce json
// @Param tenantID path string true "Tenant ID"
// @Param request body quoteRequest true "Access to price"
// @Success 200 {object} ledger.Quote
// @Failure 400 {object} ErrorBody
// @Router /v1/ledger/{tenantID}/quote [post]
func (h *LedgerHandler) Quote(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")

	var req quoteRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	originalCost, err := decimal.NewFromString(req.OriginalCost)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "original_cost is not a decimal")
		return
	}

	quote, err := h.ledger.Quote(r.Context(), tenantID, req.APIName, originalCost, req.Tier)
	if err != nil {
		respondError(w, http.StatusBadRequest, "quote_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, quote)
}

// Charge godoc
// @Summary Apply a quote to the tenant balance
// @Description Returns 402 when the balance cannot cover the fractional amount; no event is written.
// @Tags Ledger
// @Accept json
// @Produce json
// @Param tenantID path string true "Tenant ID"
// @Param request body ledger.Quote true "Quote to charge"
// @Success 200 {object} ledger.ChargeResult
// @Failure 402 {object} ErrorBody
// @Router /v1/ledger/{tenantID}/charges [post]
func (h *LedgerHandler) Charge(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")

	var quote ledger.Quote
	if !decodeJSON(w, r, &quote) {
		return
	}

	result, err := h.ledger.Charge(r.Context(), tenantID, &quote)
	if errors.Is(err, ledger.ErrInsufficientBalance) {
		respondError(w, http.StatusPaymentRequired, "insufficient_balance", result.Message)
		return
	}
	if err != nil {
		h.logger.Error("ledger charge failed", zap.String("tenant_id", tenantID), zap.Error(err))
		respondError(w, http.StatusBadRequest, "charge_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// Summary godoc
// @Summary Balance, recent events and aggregate savings for a tenant
// @Tags Ledger
// @Produce json
// @Param tenantID path string true "Tenant ID"
// @Success 200 {object} ledger.Summary
// @Failure 404 {object} ErrorBody
// @Router /v1/ledger/{tenantID}/summary [get]
func (h *LedgerHandler) Summary(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")

	summary, err := h.ledger.Summary(r.Context(), tenantID)
	if err != nil {
		respondError(w, http.StatusNotFound, "tenant_missing", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, summary)
}
