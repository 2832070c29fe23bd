package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/spendgate/spendgate/internal/models"
	"github.com/spendgate/spendgate/internal/services/pricing"
)

type PriceHandler struct {
	table  *pricing.Table
	logger *zap.Logger
}

func NewPriceHandler(table *pricing.Table, logger *zap.Logger) *PriceHandler {
	return &PriceHandler{table: table, logger: logger}
}

type ingestPriceRequest struct {
	Provider       string  `json:"provider"`
	Model          string  `json:"model"`
	EffectiveFrom  string  `json:"effective_from"`
	InputPer1K     string  `json:"input_per_1k"`
	OutputPer1K    string  `json:"output_per_1k"`
	ReasoningPer1K *string `json:"reasoning_per_1k,omitempty"`
	CacheDiscount  *string `json:"cache_discount,omitempty"`
}

// Ingest godoc
// @Summary Ingest one price row
// @Description Idempotent: re-ingesting an existing (provider, model, effective_from) row is a no-op.
// @Tags Prices
// @Accept json
// @Produce json
// @Param request body ingestPriceRequest true "Price row"
// @Success 201 {object} models.PriceRow
// @Failure 400 {object} ErrorBody
// @Router /v1/prices [post]
func (h *PriceHandler) Ingest(w http.ResponseWriter, r *http.Request) {
	var req ingestPriceRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	effectiveFrom, err := time.Parse(time.RFC3339, req.EffectiveFrom)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "effective_from must be RFC 3339")
		return
	}

	row := &models.PriceRow{
		Provider:      req.Provider,
		Model:         req.Model,
		EffectiveFrom: effectiveFrom.UTC(),
	}
	if row.InputPer1K, err = decimal.NewFromString(req.InputPer1K); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "input_per_1k is not a decimal")
		return
	}
	if row.OutputPer1K, err = decimal.NewFromString(req.OutputPer1K); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "output_per_1k is not a decimal")
		return
	}
	if req.ReasoningPer1K != nil {
		d, err := decimal.NewFromString(*req.ReasoningPer1K)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid_request", "reasoning_per_1k is not a decimal")
			return
		}
		row.ReasoningPer1K = decimal.NewNullDecimal(d)
	}
	if req.CacheDiscount != nil {
		d, err := decimal.NewFromString(*req.CacheDiscount)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid_request", "cache_discount is not a decimal")
			return
		}
		row.CacheDiscount = decimal.NewNullDecimal(d)
	}

	if err := h.table.Ingest(r.Context(), row); err != nil {
		h.logger.Error("price ingest failed", zap.Error(err))
		respondError(w, http.StatusBadRequest, "ingest_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, row)
}

// Latest godoc
// @Summary Current price for a provider/model
// @Tags Prices
// @Produce json
// @Param provider query string true "Provider"
// @Param model query string true "Model"
// @Success 200 {object} models.PriceRow
// @Failure 404 {object} ErrorBody
// @Router /v1/prices/latest [get]
func (h *PriceHandler) Latest(w http.ResponseWriter, r *http.Request) {
	provider := r.URL.Query().Get("provider")
	model := r.URL.Query().Get("model")
	if provider == "" || model == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "provider and model query parameters are required")
		return
	}

	row, err := h.table.Latest(r.Context(), provider, model)
	if errors.Is(err, pricing.ErrPriceMissing) {
		respondError(w, http.StatusNotFound, "price_missing", "no price row for "+provider+"/"+model)
		return
	}
	if err != nil {
		h.logger.Error("price lookup failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "internal_error", "price lookup failed")
		return
	}
	respondJSON(w, http.StatusOK, row)
}

// History godoc
// @Summary Price history for a provider/model, newest first
// @Tags Prices
// @Produce json
// @Param provider query string true "Provider"
// @Param model query string true "Model"
// @Param limit query int false "Max rows (default 20)"
// @Success 200 {array} models.PriceRow
// @Router /v1/prices/history [get]
func (h *PriceHandler) History(w http.ResponseWriter, r *http.Request) {
	provider := r.URL.Query().Get("provider")
	model := r.URL.Query().Get("model")
	if provider == "" || model == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "provider and model query parameters are required")
		return
	}
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	rows, err := h.table.History(r.Context(), provider, model, limit)
	if err != nil {
		h.logger.Error("price history failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "internal_error", "price history failed")
		return
	}
	respondJSON(w, http.StatusOK, rows)
}
