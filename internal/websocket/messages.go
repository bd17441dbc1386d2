package websocket

import (
	"time"

	"tradecore/internal/bot"
	"tradecore/internal/models"
)

// MessageType определяет тип WebSocket сообщения
type MessageType string

// Типы WebSocket сообщений
const (
	// MessageTypePositionUpdate - событие жизненного цикла позиции:
	// регистрация, подтяжка стопа, частичная фиксация, закрытие, ошибка закрытия
	MessageTypePositionUpdate MessageType = "positionUpdate"

	// MessageTypeDLQUpdate - запись DLQ перешла в конечный статус
	MessageTypeDLQUpdate MessageType = "dlqUpdate"
)

// BaseMessage - базовая структура для всех WebSocket сообщений
type BaseMessage struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
}

// PositionUpdateMessage - сообщение о событии позиции
type PositionUpdateMessage struct {
	BaseMessage
	Event      string           `json:"event"`
	PositionID int64            `json:"position_id"`
	UserID     string           `json:"user_id"`
	Symbol     string           `json:"symbol"`
	State      string           `json:"state"`
	Price      float64          `json:"price,omitempty"`
	PnL        float64          `json:"pnl,omitempty"`
	Reason     string           `json:"reason,omitempty"`
	Error      string           `json:"error,omitempty"`
	Position   *models.Position `json:"position,omitempty"`
}

// NewPositionUpdateMessage создает сообщение из события монитора
func NewPositionUpdateMessage(ev bot.PositionEvent) *PositionUpdateMessage {
	ts := ev.At
	if ts.IsZero() {
		ts = time.Now()
	}
	return &PositionUpdateMessage{
		BaseMessage: BaseMessage{Type: MessageTypePositionUpdate, Timestamp: ts},
		Event:       ev.Type,
		PositionID:  ev.PositionID,
		UserID:      ev.UserID,
		Symbol:      ev.Symbol,
		State:       ev.State,
		Price:       ev.Price,
		PnL:         ev.PnL,
		Reason:      ev.Reason,
		Error:       ev.Error,
		Position:    ev.Position,
	}
}

// DLQUpdateMessage - сообщение о записи DLQ.
// SignalData не передается: клиенту достаточно метаданных.
type DLQUpdateMessage struct {
	BaseMessage
	EntryID    string `json:"entry_id"`
	UserID     string `json:"user_id"`
	Symbol     string `json:"symbol"`
	Status     string `json:"status"`
	RetryCount int    `json:"retry_count"`
	MaxRetries int    `json:"max_retries"`
	ErrorCode  string `json:"error_code,omitempty"`
	LastError  string `json:"last_error,omitempty"`
}

// NewDLQUpdateMessage создает сообщение из записи DLQ
func NewDLQUpdateMessage(e *models.DLQEntry) *DLQUpdateMessage {
	return &DLQUpdateMessage{
		BaseMessage: BaseMessage{Type: MessageTypeDLQUpdate, Timestamp: time.Now()},
		EntryID:     e.ID,
		UserID:      e.UserID,
		Symbol:      e.Symbol,
		Status:      e.Status,
		RetryCount:  e.RetryCount,
		MaxRetries:  e.MaxRetries,
		ErrorCode:   e.ErrorCode,
		LastError:   e.LastError,
	}
}
