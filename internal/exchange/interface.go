// Package exchange - граница ядра с биржей.
//
// Ядро знает биржу только через Gateway. Адаптеры конкретных площадок
// приводят свои ответы к типам этого пакета на границе.
package exchange

import (
	"context"
	"time"

	"tradecore/internal/models"
)

// Gateway определяет операции биржи, которые нужны торговому ядру
type Gateway interface {
	// PlaceOrder размещает ордер на открытие
	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error)

	// ClosePosition закрывает qty позиции (qty <= 0 - всю позицию)
	ClosePosition(ctx context.Context, symbol, side string, qty float64) (*OrderResult, error)

	// GetPositions возвращает открытые позиции на бирже
	GetPositions(ctx context.Context) ([]*PositionInfo, error)

	// GetTicker возвращает текущую цену
	GetTicker(ctx context.Context, symbol string) (*Ticker, error)

	// GetBalance возвращает свободный баланс по валютам
	GetBalance(ctx context.Context) (map[string]float64, error)

	// GetCandles возвращает последние limit свечей интервала (для ATR)
	GetCandles(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error)

	// GetMarketLimits возвращает минимальные размеры ордера для символа
	GetMarketLimits(ctx context.Context, symbol string) (*Limits, error)
}

// OrderRequest - параметры ордера
type OrderRequest struct {
	ClientOrderID string  `json:"client_order_id"`
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"` // buy, sell
	Type          string  `json:"type"` // market, limit
	Quantity      float64 `json:"quantity"`
	Price         float64 `json:"price,omitempty"`
	StopLoss      float64 `json:"stop_loss,omitempty"`
	TakeProfit    float64 `json:"take_profit,omitempty"`
	Leverage      float64 `json:"leverage,omitempty"`
	ReduceOnly    bool    `json:"reduce_only,omitempty"`
}

// OrderResult - подтверждение биржи
type OrderResult struct {
	ExchangeOrderID string    `json:"exchange_order_id"`
	ClientOrderID   string    `json:"client_order_id"`
	Symbol          string    `json:"symbol"`
	Side            string    `json:"side"`
	FilledQuantity  float64   `json:"filled_quantity"`
	AvgPrice        float64   `json:"avg_price"`
	Status          string    `json:"status"`
	Timestamp       time.Time `json:"timestamp"`
}

// Ticker - текущая цена
type Ticker struct {
	Symbol    string    `json:"symbol"`
	Last      float64   `json:"last"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Volume    float64   `json:"volume"`
	Timestamp time.Time `json:"timestamp"`
}

// PositionInfo - позиция в представлении биржи
type PositionInfo struct {
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"` // long, short
	Size          float64 `json:"size"`
	EntryPrice    float64 `json:"entry_price"`
	MarkPrice     float64 `json:"mark_price"`
	Leverage      float64 `json:"leverage"`
	StopLoss      float64 `json:"stop_loss,omitempty"`
	TakeProfit    float64 `json:"take_profit,omitempty"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
}

// Limits - торговые ограничения символа
type Limits struct {
	Symbol     string  `json:"symbol"`
	MinCost    float64 `json:"min_cost"`   // минимальная сумма ордера в котируемой валюте
	MinAmount  float64 `json:"min_amount"` // минимальное количество
	AmountStep float64 `json:"amount_step"`
}

// Значения по умолчанию, если биржа не сообщила лимиты
const (
	DefaultMinCost   = 10.0
	DefaultMinAmount = 0.0001
)

// DefaultLimits - лимиты по умолчанию
func DefaultLimits(symbol string) *Limits {
	return &Limits{Symbol: symbol, MinCost: DefaultMinCost, MinAmount: DefaultMinAmount}
}

// Статусы исполнения на бирже
const (
	OrderStatusFilled   = "filled"
	OrderStatusPartial  = "partial"
	OrderStatusRejected = "rejected"
)

// ToPosition переводит позицию биржи в каноническую модель ядра
func (p *PositionInfo) ToPosition(userID string, now time.Time) *models.Position {
	price := p.MarkPrice
	if price <= 0 {
		price = p.EntryPrice
	}
	leverage := p.Leverage
	if leverage < 1 {
		leverage = 1
	}
	return &models.Position{
		UserID:           userID,
		Symbol:           models.NormalizeSymbol(p.Symbol),
		Side:             p.Side,
		Quantity:         p.Size,
		OriginalQuantity: p.Size,
		EntryPrice:       p.EntryPrice,
		CurrentPrice:     price,
		Leverage:         leverage,
		StopLoss:         p.StopLoss,
		TakeProfit:       p.TakeProfit,
		PeakPrice:        price,
		TroughPrice:      price,
		Status:           models.PositionStatusOpen,
		Source:           models.SourceExternal,
		OpenedAt:         now,
		UpdatedAt:        now,
	}
}
