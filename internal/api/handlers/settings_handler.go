package handlers

import (
	"net/http"

	"github.com/gorilla/mux"

	"tradecore/internal/models"
)

// SettingsStore - риск-настройки пользователей (config.SettingsStore)
type SettingsStore interface {
	Get(userID string) models.RiskSettings
	Set(rs models.RiskSettings) error
}

// SettingsHandler отвечает за риск-настройки пользователя
//
// Endpoints:
// - GET /api/v1/settings/{user} - действующие настройки (с учетом значений по умолчанию)
// - PUT /api/v1/settings/{user} - заменить настройки до следующей перезагрузки файла
//
// Изменения через API живут в памяти: перечитывание файла настроек
// (watcher) возвращает значения из файла.
type SettingsHandler struct {
	store SettingsStore
}

// NewSettingsHandler создает новый SettingsHandler
func NewSettingsHandler(store SettingsStore) *SettingsHandler {
	return &SettingsHandler{store: store}
}

// GetSettings возвращает настройки пользователя
func (h *SettingsHandler) GetSettings(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, h.store.Get(mux.Vars(r)["user"]))
}

// UpdateSettings заменяет настройки пользователя.
// Поля, отсутствующие в теле, берутся из текущих настроек.
func (h *SettingsHandler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	user := mux.Vars(r)["user"]
	rs := h.store.Get(user)

	if err := decodeBody(r, &rs, false); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid_body", "Invalid request body", err.Error())
		return
	}
	rs.UserID = user

	if err := h.store.Set(rs); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid_settings", "Invalid settings", err.Error())
		return
	}
	respondWithJSON(w, http.StatusOK, rs)
}
