package handlers

import (
	"errors"
	"io"
	"net/http"

	jsoniter "github.com/json-iterator/go"

	"tradecore/internal/repository"
	"tradecore/internal/tradeerr"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrorResponse стандартный формат ответа об ошибке для всех API endpoints
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// SuccessResponse стандартный формат успешного ответа
type SuccessResponse struct {
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// maxBodyBytes - ограничение тела запроса
const maxBodyBytes = 1 << 20

// respondWithJSON отправляет JSON ответ
func respondWithJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// respondWithError отправляет JSON ответ с ошибкой
func respondWithError(w http.ResponseWriter, statusCode int, code, message, details string) {
	respondWithJSON(w, statusCode, ErrorResponse{Error: message, Code: code, Details: details})
}

// handleError переводит ошибку ядра в HTTP статус по ее виду
func handleError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, repository.ErrDLQEntryNotFound),
		errors.Is(err, repository.ErrPositionNotFound):
		respondWithError(w, http.StatusNotFound, "not_found", "Resource not found", err.Error())

	case tradeerr.IsKind(err, tradeerr.KindValidation):
		respondWithError(w, http.StatusBadRequest, "validation", "Request rejected", err.Error())

	case tradeerr.IsConflict(err):
		respondWithError(w, http.StatusConflict, "conflict", "Concurrent modification", err.Error())

	case tradeerr.IsKind(err, tradeerr.KindTransientExchange):
		respondWithError(w, http.StatusBadGateway, "exchange_unavailable", "Exchange temporarily unavailable", err.Error())

	case tradeerr.IsKind(err, tradeerr.KindFatalExchange):
		respondWithError(w, http.StatusBadGateway, "exchange_error", "Exchange rejected the request", err.Error())

	default:
		respondWithError(w, http.StatusInternalServerError, "internal_error", "Internal server error", err.Error())
	}
}

// decodeBody читает JSON тело. Пустое тело допустимо, если allowEmpty.
func decodeBody(r *http.Request, v interface{}, allowEmpty bool) error {
	if r.Body == nil || r.ContentLength == 0 {
		if allowEmpty {
			return nil
		}
		return errors.New("request body is empty")
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	return nil
}
