package handlers

import (
	"net/http"

	"github.com/gorilla/mux"

	"tradecore/internal/bot"
	"tradecore/internal/limits"
)

// RateStatus - счетчики лимитера частоты
type RateStatus interface {
	Snapshot(userID string) limits.RateSnapshot
}

// LossStatus - дневной учет убытков
type LossStatus interface {
	Summary(userID string) limits.DailyState
	Unblock(userID string)
}

// HaltControl - остановка торговли пользователя после фатальной ошибки биржи
type HaltControl interface {
	Halted(userID string) (string, bool)
	Resume(userID string)
}

// ExposureStatus - итоги закрытых позиций по символам (bot.ExposureLedger)
type ExposureStatus interface {
	Exposure(userID string) map[string]bot.SymbolExposure
}

// LimitsHandler показывает состояние ограничений торговли пользователя.
//
// Endpoints:
// - GET /api/v1/limits/{user} - счетчики частоты, дневной PNL, блокировки
// - POST /api/v1/limits/{user}/resume - снять остановку после фатальной ошибки
// - POST /api/v1/limits/{user}/unblock - снять блокировку дневного лимита
type LimitsHandler struct {
	rate     RateStatus
	losses   LossStatus
	halts    HaltControl
	exposure ExposureStatus
}

// NewLimitsHandler создает новый LimitsHandler
func NewLimitsHandler(rate RateStatus, losses LossStatus, halts HaltControl) *LimitsHandler {
	return &LimitsHandler{rate: rate, losses: losses, halts: halts}
}

// WithExposure добавляет в ответ итоги по символам
func (h *LimitsHandler) WithExposure(e ExposureStatus) *LimitsHandler {
	h.exposure = e
	return h
}

// LimitsResponse - состояние ограничений пользователя
type LimitsResponse struct {
	UserID     string              `json:"user_id"`
	Rate       limits.RateSnapshot `json:"rate"`
	Daily      limits.DailyState   `json:"daily"`
	Halted     bool                `json:"halted"`
	HaltReason string              `json:"halt_reason,omitempty"`

	Exposure map[string]bot.SymbolExposure `json:"exposure,omitempty"`
}

// GetLimits возвращает состояние ограничений.
//
// GET /api/v1/limits/{user}
func (h *LimitsHandler) GetLimits(w http.ResponseWriter, r *http.Request) {
	user := mux.Vars(r)["user"]
	reason, halted := h.halts.Halted(user)

	resp := LimitsResponse{
		UserID:     user,
		Rate:       h.rate.Snapshot(user),
		Daily:      h.losses.Summary(user),
		Halted:     halted,
		HaltReason: reason,
	}
	if h.exposure != nil {
		resp.Exposure = h.exposure.Exposure(user)
	}
	respondWithJSON(w, http.StatusOK, resp)
}

// Resume снимает остановку торговли пользователя
func (h *LimitsHandler) Resume(w http.ResponseWriter, r *http.Request) {
	user := mux.Vars(r)["user"]
	if _, halted := h.halts.Halted(user); !halted {
		respondWithError(w, http.StatusConflict, "not_halted", "User trading is not halted", "")
		return
	}
	h.halts.Resume(user)
	respondWithJSON(w, http.StatusOK, SuccessResponse{Message: "trading resumed"})
}

// Unblock снимает блокировку дневного лимита убытков
func (h *LimitsHandler) Unblock(w http.ResponseWriter, r *http.Request) {
	user := mux.Vars(r)["user"]
	h.losses.Unblock(user)
	respondWithJSON(w, http.StatusOK, SuccessResponse{Message: "daily loss block cleared"})
}
