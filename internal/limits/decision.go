// Package limits - ограничители частоты торговли и дневного убытка.
//
// RateLimiter и DailyLossTracker - чистое состояние в памяти с часами,
// без ввода-вывода (кроме сохранения дневного состояния в Store).
// Проверка лимита не меняет состояние: отклоненный сигнал не оставляет следов.
package limits

import (
	"fmt"
	"time"
)

// Имена лимитов в LimitDecision
const (
	LimitSignalsPerCycle   = "max_signals_per_cycle"
	LimitTradesPerHour     = "max_trades_per_hour"
	LimitTradesPerDay      = "max_trades_per_day"
	LimitSymbolCooldown    = "symbol_cooldown"
	LimitOpenPositions     = "max_open_positions"
	LimitDailyLossPct      = "max_daily_loss_pct"
	LimitDailyLossUSD      = "max_daily_loss_usd"
	LimitConsecutiveLosses = "max_consecutive_losses"
	LimitDailyTrades       = "max_daily_trades"
	LimitPaused            = "paused"
)

// LimitDecision - результат проверки лимитов
type LimitDecision struct {
	Allowed    bool          `json:"allowed"`
	Limit      string        `json:"limit,omitempty"`
	Reason     string        `json:"reason,omitempty"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}

// Allow - разрешающее решение
func Allow() LimitDecision {
	return LimitDecision{Allowed: true}
}

func deny(limit string, retryAfter time.Duration, format string, args ...interface{}) LimitDecision {
	return LimitDecision{
		Limit:      limit,
		Reason:     fmt.Sprintf(format, args...),
		RetryAfter: retryAfter,
	}
}

func (d LimitDecision) String() string {
	if d.Allowed {
		return "allowed"
	}
	return d.Limit + ": " + d.Reason
}
