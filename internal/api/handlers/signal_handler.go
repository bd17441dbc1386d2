package handlers

import (
	"errors"
	"net/http"

	"tradecore/internal/bot"
	"tradecore/internal/models"
)

// SignalSink - очередь сигналов, которую читает Engine
type SignalSink interface {
	Push(s *models.Signal) error
}

// SignalHandler принимает сигналы от внешних генераторов (webhook).
//
// Endpoints:
// - POST /api/v1/signals - поставить сигнал в очередь следующего цикла
type SignalHandler struct {
	queue SignalSink
	users map[string]bool // пусто - любые пользователи
}

// NewSignalHandler создает SignalHandler. users ограничивает прием сигналов
// пользователями, для которых Engine запускает циклы.
func NewSignalHandler(queue SignalSink, users []string) *SignalHandler {
	h := &SignalHandler{queue: queue, users: make(map[string]bool, len(users))}
	for _, u := range users {
		h.users[u] = true
	}
	return h
}

// signalAccepted - ответ на принятый сигнал
type signalAccepted struct {
	ID     string `json:"id"`
	UserID string `json:"user_id"`
	Symbol string `json:"symbol"`
	Action string `json:"action"`
}

// SubmitSignal валидирует сигнал и кладет в очередь.
//
// POST /api/v1/signals
//
// Request body:
//
//	{"user_id": "u1", "symbol": "BTC/USDT", "action": "buy", "confidence": 0.8, "source": "tv"}
//
// Response 202 Accepted: {"id": "...", "user_id": "u1", "symbol": "BTC/USDT", "action": "buy"}
// Response 400 Bad Request: невалидный сигнал или неизвестный пользователь
// Response 503 Service Unavailable: очередь переполнена
func (h *SignalHandler) SubmitSignal(w http.ResponseWriter, r *http.Request) {
	var in models.SignalInput
	if err := decodeBody(r, &in, false); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid_body", "Invalid request body", err.Error())
		return
	}
	if in.UserID == "" {
		respondWithError(w, http.StatusBadRequest, "invalid_signal", "user_id is required", "")
		return
	}
	if len(h.users) > 0 && !h.users[in.UserID] {
		respondWithError(w, http.StatusBadRequest, "unknown_user", "User is not traded by this instance", in.UserID)
		return
	}

	s, err := models.NewSignal(in)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid_signal", "Invalid signal", err.Error())
		return
	}

	if err := h.queue.Push(s); err != nil {
		if errors.Is(err, bot.ErrQueueFull) {
			w.Header().Set("Retry-After", "5")
			respondWithError(w, http.StatusServiceUnavailable, "queue_full", "Signal queue is full", "")
			return
		}
		handleError(w, err)
		return
	}

	respondWithJSON(w, http.StatusAccepted, signalAccepted{
		ID: s.ID, UserID: s.UserID, Symbol: s.Symbol, Action: string(s.Action),
	})
}
