package models

import "time"

// Order - намерение торговать и его судьба на бирже
type Order struct {
	ID              int64     `json:"id" db:"id"`
	ClientOrderID   string    `json:"client_order_id" db:"client_order_id"` // UUID для идемпотентности
	SignalID        string    `json:"signal_id,omitempty" db:"signal_id"`   // пусто для закрывающих ордеров
	PositionID      *int64    `json:"position_id,omitempty" db:"position_id"`
	UserID          string    `json:"user_id" db:"user_id"`
	Symbol          string    `json:"symbol" db:"symbol"`
	Side            string    `json:"side" db:"side"` // buy, sell
	Type            string    `json:"type" db:"type"` // market, limit
	Purpose         string    `json:"purpose" db:"purpose"`
	Quantity        float64   `json:"quantity" db:"quantity"`
	Price           float64   `json:"price" db:"price"`
	StopPrice       float64   `json:"stop_price" db:"stop_price"`
	Leverage        float64   `json:"leverage" db:"leverage"`
	ReduceOnly      bool      `json:"reduce_only" db:"reduce_only"`
	Status          string    `json:"status" db:"status"`
	ExchangeOrderID string    `json:"exchange_order_id,omitempty" db:"exchange_order_id"`
	FilledPrice     float64   `json:"filled_price" db:"filled_price"`
	FilledQuantity  float64   `json:"filled_quantity" db:"filled_quantity"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time `json:"updated_at" db:"updated_at"`
}

// Статусы ордера
const (
	OrderStatusPending  = "PENDING"
	OrderStatusFilled   = "FILLED"
	OrderStatusFailed   = "FAILED"
	OrderStatusCanceled = "CANCELED"
)

// Стороны ордера
const (
	OrderSideBuy  = "buy"
	OrderSideSell = "sell"
)

// Типы ордера
const (
	OrderTypeMarket = "market"
	OrderTypeLimit  = "limit"
)

// Назначение ордера
const (
	OrderPurposeOpen         = "open"
	OrderPurposeClose        = "close"
	OrderPurposePartialClose = "partial_close"
)

// CloseSideFor возвращает сторону закрывающего ордера для стороны позиции
func CloseSideFor(positionSide string) string {
	if positionSide == SideShort {
		return OrderSideBuy
	}
	return OrderSideSell
}
