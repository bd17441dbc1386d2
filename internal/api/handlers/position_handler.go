package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"tradecore/internal/bot"
	"tradecore/internal/models"
)

// PositionMonitor - операции монитора позиций, нужные API
type PositionMonitor interface {
	Tracked(userID string) []bot.TrackedPosition
	ClosePosition(ctx context.Context, id int64, price float64, reason string) (*bot.CloseResult, error)
}

// PositionHandler обрабатывает HTTP запросы к открытым позициям.
//
// Endpoints:
// - GET /api/v1/positions?user=<id> - отслеживаемые позиции с состоянием монитора
// - POST /api/v1/positions/{id}/close - закрыть позицию вручную
type PositionHandler struct {
	monitor PositionMonitor
}

// NewPositionHandler создает новый PositionHandler
func NewPositionHandler(monitor PositionMonitor) *PositionHandler {
	return &PositionHandler{monitor: monitor}
}

// ListPositions возвращает отслеживаемые позиции.
//
// GET /api/v1/positions?user=u1
//
// Response 200 OK:
//
//	[{"position": {...}, "state": "ACTIVE", "state_info": "...", "next_partial_level": 0, "failures": 0}]
func (h *PositionHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, h.monitor.Tracked(r.URL.Query().Get("user")))
}

// closeRequest - необязательное тело запроса закрытия
type closeRequest struct {
	Price float64 `json:"price,omitempty"`
}

// closeResponse - результат закрытия
type closeResponse struct {
	Position *models.Position `json:"position"`
	PnL      float64          `json:"pnl"`
}

// ClosePosition закрывает позицию с причиной manual.
//
// POST /api/v1/positions/{id}/close
//
// Request body (необязательно): {"price": 101.5} - цена для расчета PNL,
// иначе берется последняя известная монитору.
//
// Response 200 OK: {"position": {...}, "pnl": 1.5}
// Response 409 Conflict: позиция уже закрыта или закрывается
func (h *PositionHandler) ClosePosition(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		respondWithError(w, http.StatusBadRequest, "invalid_id", "Invalid position ID", "")
		return
	}

	var req closeRequest
	if err := decodeBody(r, &req, true); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid_body", "Invalid request body", err.Error())
		return
	}
	if req.Price < 0 {
		respondWithError(w, http.StatusBadRequest, "invalid_price", "Price must be non-negative", "")
		return
	}

	res, err := h.monitor.ClosePosition(r.Context(), id, req.Price, models.CloseReasonManual)
	if err != nil {
		handleError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, closeResponse{Position: res.Position, PnL: res.PnL})
}
