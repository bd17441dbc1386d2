package models

import (
	"time"

	"tradecore/pkg/utils"
)

// Position - открытая или закрытая позиция, единственный канонический тип ядра
type Position struct {
	ID               int64      `json:"id" db:"id"`
	UserID           string     `json:"user_id" db:"user_id"`
	Symbol           string     `json:"symbol" db:"symbol"`
	Side             string     `json:"side" db:"side"` // long, short
	Quantity         float64    `json:"quantity" db:"quantity"`
	OriginalQuantity float64    `json:"original_quantity" db:"original_quantity"`
	EntryPrice       float64    `json:"entry_price" db:"entry_price"`
	CurrentPrice     float64    `json:"current_price" db:"current_price"`
	Leverage         float64    `json:"leverage" db:"leverage"`
	StopLoss         float64    `json:"stop_loss" db:"stop_loss"`     // 0 = не задан
	TakeProfit       float64    `json:"take_profit" db:"take_profit"` // 0 = не задан
	PeakPrice        float64    `json:"peak_price" db:"peak_price"`   // максимум с момента входа (long)
	TroughPrice      float64    `json:"trough_price" db:"trough_price"`
	Status           string     `json:"status" db:"status"`
	Source           string     `json:"source" db:"source"`
	SignalID         string     `json:"signal_id,omitempty" db:"signal_id"`
	CloseReason      string     `json:"close_reason,omitempty" db:"close_reason"`
	ClosePrice       float64    `json:"close_price,omitempty" db:"close_price"`
	RealizedPnL      float64    `json:"realized_pnl" db:"realized_pnl"`
	OpenedAt         time.Time  `json:"opened_at" db:"opened_at"`
	ClosedAt         *time.Time `json:"closed_at,omitempty" db:"closed_at"`
	UpdatedAt        time.Time  `json:"updated_at" db:"updated_at"`
}

// Стороны позиции
const (
	SideLong  = "long"
	SideShort = "short"
)

// Статусы позиции
const (
	PositionStatusOpen   = "OPEN"
	PositionStatusClosed = "CLOSED"
)

// Источник позиции. Ручные позиции бот никогда не изменяет.
const (
	SourceBot      = "bot"
	SourceManual   = "manual"
	SourceExternal = "external"
)

// Причины закрытия
const (
	CloseReasonStopLoss     = "sl_triggered"
	CloseReasonTakeProfit   = "tp_triggered"
	CloseReasonTimeExit     = "time_exit"
	CloseReasonPartialTP    = "partial_tp"
	CloseReasonSignal       = "signal_close"
	CloseReasonManual       = "manual"
	CloseReasonExchangeSync = "exchange_sync"
)

// IsLong - длинная позиция
func (p *Position) IsLong() bool {
	return p.Side != SideShort
}

// IsManual - позиция открыта вручную и не управляется ботом
func (p *Position) IsManual() bool {
	return p.Source == SourceManual
}

// IsOpen - позиция открыта
func (p *Position) IsOpen() bool {
	return p.Status == PositionStatusOpen
}

// HasProtection - у позиции заданы и SL, и TP
func (p *Position) HasProtection() bool {
	return p.StopLoss > 0 && p.TakeProfit > 0
}

// ProfitPercent - текущая прибыль в процентах от входа
func (p *Position) ProfitPercent(price float64) float64 {
	return utils.ProfitPercent(p.Side, p.EntryPrice, price)
}

// UnrealizedPnL - нереализованный PNL по цене price
func (p *Position) UnrealizedPnL(price float64) float64 {
	return utils.CalculatePNL(p.Side, p.EntryPrice, price, p.Quantity)
}

// StopLossHit - цена пересекла стоп-лосс
func (p *Position) StopLossHit(price float64) bool {
	if p.StopLoss <= 0 {
		return false
	}
	if p.IsLong() {
		return price <= p.StopLoss
	}
	return price >= p.StopLoss
}

// TakeProfitHit - цена достигла тейк-профита
func (p *Position) TakeProfitHit(price float64) bool {
	if p.TakeProfit <= 0 {
		return false
	}
	if p.IsLong() {
		return price >= p.TakeProfit
	}
	return price <= p.TakeProfit
}

// TrackExtremes обновляет пик (long) или дно (short) цены
func (p *Position) TrackExtremes(price float64) {
	if p.IsLong() {
		if price > p.PeakPrice {
			p.PeakPrice = price
		}
		return
	}
	if p.TroughPrice == 0 || price < p.TroughPrice {
		p.TroughPrice = price
	}
}

// HoldDuration - время удержания позиции
func (p *Position) HoldDuration(now time.Time) time.Duration {
	return now.Sub(p.OpenedAt)
}

// Clone возвращает копию позиции
func (p *Position) Clone() *Position {
	c := *p
	if p.ClosedAt != nil {
		t := *p.ClosedAt
		c.ClosedAt = &t
	}
	return &c
}
