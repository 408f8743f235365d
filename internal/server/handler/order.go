package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/mirrorlabs/mirrorbot/internal/domain"
)

// OrderHandler serves read-only order and execution-log endpoints. Orders
// are created by the execution pipeline, never through the API.
type OrderHandler struct {
	orders domain.OrderStore
	events domain.ExecutionLogStore
	logger *slog.Logger
}

// NewOrderHandler creates an OrderHandler.
func NewOrderHandler(orders domain.OrderStore, events domain.ExecutionLogStore, logger *slog.Logger) *OrderHandler {
	return &OrderHandler{
		orders: orders,
		events: events,
		logger: logger,
	}
}

// List returns orders for a strategy, newest first.
// GET /api/orders?strategy_id=...&limit=50&offset=0
func (h *OrderHandler) List(w http.ResponseWriter, r *http.Request) {
	strategyID := r.URL.Query().Get("strategy_id")
	if strategyID == "" {
		writeError(w, http.StatusBadRequest, "strategy_id query parameter required")
		return
	}

	orders, err := h.orders.ListByStrategy(r.Context(), strategyID, parseListOpts(r))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list orders failed",
			slog.String("strategy_id", strategyID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list orders")
		return
	}
	if orders == nil {
		orders = []domain.Order{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": orders})
}

// Get returns one order.
// GET /api/orders/{id}
func (h *OrderHandler) Get(w http.ResponseWriter, r *http.Request) {
	o, err := h.orders.GetByID(r.Context(), pathParam(r, "id"))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "order not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load order")
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// Events returns the full audit trail for one order.
// GET /api/orders/{id}/events
func (h *OrderHandler) Events(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	events, err := h.events.ListByOrder(r.Context(), id)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list order events failed",
			slog.String("order_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list events")
		return
	}
	if events == nil {
		events = []domain.ExecutionEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// StrategyEvents returns recent events for a strategy, newest first.
// GET /api/strategies/{id}/events?limit=50&offset=0
func (h *OrderHandler) StrategyEvents(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	events, err := h.events.ListByStrategy(r.Context(), id, parseListOpts(r))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list strategy events failed",
			slog.String("strategy_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list events")
		return
	}
	if events == nil {
		events = []domain.ExecutionEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}
