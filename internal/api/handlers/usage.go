package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/spendgate/spendgate/internal/services/usage"
)

type UsageHandler struct {
	store  *usage.Store
	logger *zap.Logger
}

func NewUsageHandler(store *usage.Store, logger *zap.Logger) *UsageHandler {
	return &UsageHandler{store: store, logger: logger}
}

// window parses the from/to query parameters, defaulting to the last 30 days.
func window(r *http.Request) (time.Time, time.Time, bool) {
	now := time.Now().UTC()
	from := now.AddDate(0, 0, -30)
	to := now

	if raw := r.URL.Query().Get("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return from, to, false
		}
		from = t.UTC()
	}
	if raw := r.URL.Query().Get("to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return from, to, false
		}
		to = t.UTC()
	}
	return from, to, true
}

// Summary godoc
// @Summary Usage totals and per-model breakdown for a tenant
// @Tags Usage
// @Produce json
// @Param tenantID path string true "Tenant ID"
// @Param from query string false "Window start, RFC 3339 (default: 30 days ago)"
// @Param to query string false "Window end, RFC 3339 (default: now)"
// @Success 200 {object} usage.Summary
// @Router /v1/usage/{tenantID}/summary [get]
func (h *UsageHandler) Summary(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	from, to, ok := window(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid_request", "from and to must be RFC 3339")
		return
	}

	summary, err := h.store.TenantSummary(r.Context(), tenantID, from, to)
	if err != nil {
		h.logger.Error("usage summary failed", zap.String("tenant_id", tenantID), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "internal_error", "usage summary failed")
		return
	}
	respondJSON(w, http.StatusOK, summary)
}

// Events godoc
// @Summary Recent usage events for a tenant, newest first
// @Tags Usage
// @Produce json
// @Param tenantID path string true "Tenant ID"
// @Param limit query int false "Max events (default 50)"
// @Success 200 {array} models.UsageEvent
// @Router /v1/usage/{tenantID}/events [get]
func (h *UsageHandler) Events(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	events, err := h.store.RecentEvents(r.Context(), tenantID, limit)
	if err != nil {
		h.logger.Error("usage events failed", zap.String("tenant_id", tenantID), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "internal_error", "usage events failed")
		return
	}
	respondJSON(w, http.StatusOK, events)
}

// Stats godoc
// @Summary Global usage statistics across all tenants
// @Tags Usage
// @Produce json
// @Param from query string false "Window start, RFC 3339"
// @Param to query string false "Window end, RFC 3339"
// @Success 200 {object} usage.GlobalStats
// @Router /v1/usage/stats [get]
func (h *UsageHandler) Stats(w http.ResponseWriter, r *http.Request) {
	from, to, ok := window(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid_request", "from and to must be RFC 3339")
		return
	}

	stats, err := h.store.Stats(r.Context(), from, to)
	if err != nil {
		h.logger.Error("usage stats failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "internal_error", "usage stats failed")
		return
	}
	respondJSON(w, http.StatusOK, stats)
}
