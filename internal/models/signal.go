package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"tradecore/internal/tradeerr"
)

// Action - нормализованное действие сигнала
type Action string

const (
	ActionBuy   Action = "buy"
	ActionSell  Action = "sell"
	ActionHold  Action = "hold"
	ActionClose Action = "close"
)

// actionAliases - таблица синонимов действий от источников сигналов.
// Новые синонимы добавляются сюда, код разбора не меняется.
var actionAliases = map[string]Action{
	"buy":            ActionBuy,
	"long":           ActionBuy,
	"strong_buy":     ActionBuy,
	"accumulate":     ActionBuy,
	"open_long":      ActionBuy,
	"go_long":        ActionBuy,
	"bullish":        ActionBuy,
	"sell":           ActionSell,
	"short":          ActionSell,
	"strong_sell":    ActionSell,
	"open_short":     ActionSell,
	"reduce":         ActionSell,
	"go_short":       ActionSell,
	"bearish":        ActionSell,
	"hold":           ActionHold,
	"wait":           ActionHold,
	"neutral":        ActionHold,
	"none":           ActionHold,
	"close":          ActionClose,
	"exit":           ActionClose,
	"close_position": ActionClose,
	"take_profit":    ActionClose,
	"close_long":     ActionClose,
	"close_short":    ActionClose,
}

// NormalizeAction переводит сырую строку в Action.
// Неизвестное значение дает ActionHold и ok=false.
func NormalizeAction(raw string) (action Action, ok bool) {
	key := strings.ToLower(strings.TrimSpace(raw))
	key = strings.NewReplacer("-", "_", " ", "_").Replace(key)
	if a, found := actionAliases[key]; found {
		return a, true
	}
	return ActionHold, false
}

// quoteCurrencies - известные котируемые валюты для разбора слитных символов
var quoteCurrencies = []string{"USDT", "USDC", "BUSD", "USD", "EUR", "BTC", "ETH"}

// NormalizeSymbol приводит символ к виду BASE/QUOTE: btcusdt, BTC-USDT, btc_usdt -> BTC/USDT
func NormalizeSymbol(raw string) string {
	s := strings.ToUpper(strings.TrimSpace(raw))
	s = strings.NewReplacer("-", "/", "_", "/", ":", "/").Replace(s)
	if strings.Contains(s, "/") {
		parts := strings.Split(s, "/")
		return parts[0] + "/" + parts[1]
	}
	for _, q := range quoteCurrencies {
		if strings.HasSuffix(s, q) && len(s) > len(q) {
			return s[:len(s)-len(q)] + "/" + q
		}
	}
	return s
}

// Signal - торговый сигнал от внешнего источника. После создания не изменяется.
type Signal struct {
	ID            string    `json:"id"`
	UserID        string    `json:"user_id"`
	Symbol        string    `json:"symbol"`
	Action        Action    `json:"action"`
	Confidence    float64   `json:"confidence"`
	EntryPrice    *float64  `json:"entry_price,omitempty"`
	StopLoss      *float64  `json:"stop_loss,omitempty"`
	TakeProfit    *float64  `json:"take_profit,omitempty"`
	Leverage      float64   `json:"leverage,omitempty"`
	Source        string    `json:"source"`
	CreatedAt     time.Time `json:"created_at"`
	RawAction     string    `json:"raw_action,omitempty"`
	UnknownAction bool      `json:"unknown_action,omitempty"`
}

// SignalInput - сырые данные сигнала до валидации
type SignalInput struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	Symbol     string    `json:"symbol"`
	Action     string    `json:"action"`
	Confidence float64   `json:"confidence"`
	EntryPrice *float64  `json:"entry_price,omitempty"`
	StopLoss   *float64  `json:"stop_loss,omitempty"`
	TakeProfit *float64  `json:"take_profit,omitempty"`
	Leverage   float64   `json:"leverage,omitempty"`
	Source     string    `json:"source"`
	CreatedAt  time.Time `json:"created_at"`
}

// NewSignal валидирует вход и создает Signal.
// Пустой ID заменяется на UUID, нулевое время создания на текущее.
func NewSignal(in SignalInput) (*Signal, error) {
	const op = "models.NewSignal"

	symbol := NormalizeSymbol(in.Symbol)
	if symbol == "" {
		return nil, tradeerr.Validationf(op, "symbol is required")
	}
	// NaN не проходит ни одно сравнение
	if !(in.Confidence >= 0 && in.Confidence <= 1) {
		return nil, tradeerr.Validationf(op, "confidence %.4f out of [0,1]", in.Confidence)
	}
	if !(in.Leverage >= 0) {
		return nil, tradeerr.Validationf(op, "negative leverage %.2f", in.Leverage)
	}
	for name, p := range map[string]*float64{"entry_price": in.EntryPrice, "stop_loss": in.StopLoss, "take_profit": in.TakeProfit} {
		if p != nil && !(*p > 0) {
			return nil, tradeerr.Validationf(op, "%s must be positive, got %v", name, *p)
		}
	}

	action, known := NormalizeAction(in.Action)

	s := &Signal{
		ID:            in.ID,
		UserID:        in.UserID,
		Symbol:        symbol,
		Action:        action,
		Confidence:    in.Confidence,
		EntryPrice:    copyFloat(in.EntryPrice),
		StopLoss:      copyFloat(in.StopLoss),
		TakeProfit:    copyFloat(in.TakeProfit),
		Leverage:      in.Leverage,
		Source:        in.Source,
		CreatedAt:     in.CreatedAt,
		RawAction:     in.Action,
		UnknownAction: !known,
	}
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	if s.Leverage == 0 {
		s.Leverage = 1
	}

	if err := s.checkLevels(); err != nil {
		return nil, tradeerr.Validation(op, err)
	}
	return s, nil
}

// checkLevels проверяет, что SL/TP лежат по правильную сторону от входа
func (s *Signal) checkLevels() error {
	if !s.IsEntry() {
		return nil
	}
	long := s.Action == ActionBuy

	if s.EntryPrice != nil {
		entry := *s.EntryPrice
		if s.StopLoss != nil {
			if long && *s.StopLoss >= entry {
				return fmt.Errorf("long stop_loss %v must be below entry %v", *s.StopLoss, entry)
			}
			if !long && *s.StopLoss <= entry {
				return fmt.Errorf("short stop_loss %v must be above entry %v", *s.StopLoss, entry)
			}
		}
		if s.TakeProfit != nil {
			if long && *s.TakeProfit <= entry {
				return fmt.Errorf("long take_profit %v must be above entry %v", *s.TakeProfit, entry)
			}
			if !long && *s.TakeProfit >= entry {
				return fmt.Errorf("short take_profit %v must be below entry %v", *s.TakeProfit, entry)
			}
		}
		return nil
	}

	if s.StopLoss != nil && s.TakeProfit != nil {
		if long && *s.StopLoss >= *s.TakeProfit {
			return fmt.Errorf("long stop_loss %v must be below take_profit %v", *s.StopLoss, *s.TakeProfit)
		}
		if !long && *s.StopLoss <= *s.TakeProfit {
			return fmt.Errorf("short stop_loss %v must be above take_profit %v", *s.StopLoss, *s.TakeProfit)
		}
	}
	return nil
}

// IsEntry - сигнал на открытие позиции
func (s *Signal) IsEntry() bool {
	return s.Action == ActionBuy || s.Action == ActionSell
}

// PositionSide возвращает сторону позиции для сигнала на вход
func (s *Signal) PositionSide() string {
	if s.Action == ActionSell {
		return SideShort
	}
	return SideLong
}

// OrderSide возвращает сторону ордера на открытие
func (s *Signal) OrderSide() string {
	if s.Action == ActionSell {
		return OrderSideSell
	}
	return OrderSideBuy
}

// Age возвращает возраст сигнала относительно now
func (s *Signal) Age(now time.Time) time.Duration {
	return now.Sub(s.CreatedAt)
}

// ReferencePrice - цена входа из сигнала или 0
func (s *Signal) ReferencePrice() float64 {
	if s.EntryPrice == nil {
		return 0
	}
	return *s.EntryPrice
}

// WithAdjustedLevels возвращает новый сигнал с другими SL/TP (исходный не меняется)
func (s *Signal) WithAdjustedLevels(stopLoss, takeProfit *float64) *Signal {
	c := *s
	c.EntryPrice = copyFloat(s.EntryPrice)
	c.StopLoss = copyFloat(stopLoss)
	c.TakeProfit = copyFloat(takeProfit)
	return &c
}

func copyFloat(p *float64) *float64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// Float возвращает указатель на значение (для опциональных полей)
func Float(v float64) *float64 {
	return &v
}
