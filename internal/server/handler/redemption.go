package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/mirrorlabs/mirrorbot/internal/domain"
)

// RedemptionHandler serves read-only redemption endpoints so operators can
// watch stuck claims.
type RedemptionHandler struct {
	redemptions domain.RedemptionStore
	logger      *slog.Logger
}

// NewRedemptionHandler creates a RedemptionHandler.
func NewRedemptionHandler(redemptions domain.RedemptionStore, logger *slog.Logger) *RedemptionHandler {
	return &RedemptionHandler{
		redemptions: redemptions,
		logger:      logger,
	}
}

// ListUnconfirmed returns every redemption still short of confirmation.
// GET /api/redemptions
func (h *RedemptionHandler) ListUnconfirmed(w http.ResponseWriter, r *http.Request) {
	redemptions, err := h.redemptions.ListUnconfirmed(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list redemptions failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list redemptions")
		return
	}
	if redemptions == nil {
		redemptions = []domain.Redemption{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"redemptions": redemptions})
}

// Get returns one redemption.
// GET /api/redemptions/{id}
func (h *RedemptionHandler) Get(w http.ResponseWriter, r *http.Request) {
	red, err := h.redemptions.GetByID(r.Context(), pathParam(r, "id"))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "redemption not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load redemption")
		return
	}
	writeJSON(w, http.StatusOK, red)
}
