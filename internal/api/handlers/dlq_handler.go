package handlers

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"tradecore/internal/models"
)

// DeadLetterQueue - операции DLQ, доступные оператору
type DeadLetterQueue interface {
	List(ctx context.Context, f models.DLQFilter) ([]*models.DLQEntry, error)
	Requeue(ctx context.Context, id string) (*models.DLQEntry, error)
	Stats(ctx context.Context) (map[string]int, error)
}

// DLQHandler обрабатывает HTTP запросы к очереди неисполненных сигналов.
//
// Endpoints:
// - GET /api/v1/dlq?status=PENDING,RETRYING&limit=50 - записи очереди
// - GET /api/v1/dlq/stats - количество записей по статусам
// - POST /api/v1/dlq/{id}/requeue - вернуть запись в очередь с новым бюджетом попыток
type DLQHandler struct {
	queue DeadLetterQueue
}

// NewDLQHandler создает новый DLQHandler
func NewDLQHandler(queue DeadLetterQueue) *DLQHandler {
	return &DLQHandler{queue: queue}
}

const defaultDLQListLimit = 100

// ListEntries возвращает записи DLQ.
// SignalData сериализуется как base64 (исходный JSON сигнала).
func (h *DLQHandler) ListEntries(w http.ResponseWriter, r *http.Request) {
	f := models.DLQFilter{Limit: defaultDLQListLimit}

	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, st := range strings.Split(raw, ",") {
			st = strings.ToUpper(strings.TrimSpace(st))
			if !models.IsValidDLQStatus(st) {
				respondWithError(w, http.StatusBadRequest, "invalid_status", "Unknown DLQ status", st)
				return
			}
			f.Statuses = append(f.Statuses, st)
		}
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondWithError(w, http.StatusBadRequest, "invalid_limit", "Limit must be a positive integer", "")
			return
		}
		f.Limit = n
	}

	entries, err := h.queue.List(r.Context(), f)
	if err != nil {
		handleError(w, err)
		return
	}
	if entries == nil {
		entries = []*models.DLQEntry{}
	}
	respondWithJSON(w, http.StatusOK, entries)
}

// GetStats возвращает количество записей по статусам
func (h *DLQHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.queue.Stats(r.Context())
	if err != nil {
		handleError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, stats)
}

// Requeue возвращает запись в PENDING.
//
// POST /api/v1/dlq/{id}/requeue
//
// Response 200 OK: обновленная запись
// Response 404 Not Found: записи нет
// Response 400 Bad Request: запись уже исполнена
func (h *DLQHandler) Requeue(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if id == "" {
		respondWithError(w, http.StatusBadRequest, "invalid_id", "Entry ID is required", "")
		return
	}

	e, err := h.queue.Requeue(r.Context(), id)
	if err != nil {
		handleError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, e)
}
