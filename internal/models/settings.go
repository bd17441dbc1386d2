package models

import "fmt"

// RiskSettings - риск-настройки пользователя.
// Загружаются при старте, обновляются только через явный путь обновления настроек.
type RiskSettings struct {
	UserID           string  `json:"user_id" yaml:"user_id"`
	RiskLevel        int     `json:"risk_level" yaml:"risk_level"`               // 1..5
	MaxPositionSize  float64 `json:"max_position_size" yaml:"max_position_size"` // в котируемой валюте
	MaxDailyLossPct  float64 `json:"max_daily_loss_pct" yaml:"max_daily_loss_pct"`
	MaxDailyLossUSD  float64 `json:"max_daily_loss_usd" yaml:"max_daily_loss_usd"`
	DefaultSLPercent float64 `json:"default_sl_percent" yaml:"default_sl_percent"`
	DefaultTPPercent float64 `json:"default_tp_percent" yaml:"default_tp_percent"`
	MaxHoldHours     float64 `json:"max_hold_hours" yaml:"max_hold_hours"`
	Leverage         float64 `json:"leverage" yaml:"leverage"`
	TrailingEnabled  bool    `json:"trailing_enabled" yaml:"trailing_enabled"`
	PartialTPEnabled bool    `json:"partial_tp_enabled" yaml:"partial_tp_enabled"`
	TimeExitEnabled  bool    `json:"time_exit_enabled" yaml:"time_exit_enabled"`
}

// riskPerTradeByLevel - доля капитала под риск на сделку в процентах
var riskPerTradeByLevel = map[int]float64{
	1: 0.25,
	2: 0.5,
	3: 1.0,
	4: 1.5,
	5: 2.0,
}

// DefaultRiskSettings возвращает настройки по умолчанию
func DefaultRiskSettings(userID string) RiskSettings {
	return RiskSettings{
		UserID:           userID,
		RiskLevel:        3,
		MaxPositionSize:  1000,
		MaxDailyLossPct:  5,
		MaxDailyLossUSD:  500,
		DefaultSLPercent: 5,
		DefaultTPPercent: 7,
		MaxHoldHours:     12,
		Leverage:         1,
		TrailingEnabled:  true,
		PartialTPEnabled: true,
		TimeExitEnabled:  true,
	}
}

// RiskPerTradePercent возвращает риск на сделку в процентах по уровню риска
func (s RiskSettings) RiskPerTradePercent() float64 {
	if v, ok := riskPerTradeByLevel[s.RiskLevel]; ok {
		return v
	}
	return riskPerTradeByLevel[3]
}

// Validate проверяет диапазоны настроек
func (s RiskSettings) Validate() error {
	if s.RiskLevel < 1 || s.RiskLevel > 5 {
		return fmt.Errorf("risk_level must be 1..5, got %d", s.RiskLevel)
	}
	if s.MaxPositionSize <= 0 {
		return fmt.Errorf("max_position_size must be positive, got %v", s.MaxPositionSize)
	}
	if s.MaxDailyLossPct <= 0 || s.MaxDailyLossPct > 100 {
		return fmt.Errorf("max_daily_loss_pct must be in (0,100], got %v", s.MaxDailyLossPct)
	}
	if s.DefaultSLPercent <= 0 || s.DefaultTPPercent <= 0 {
		return fmt.Errorf("default SL/TP percentages must be positive")
	}
	if s.MaxHoldHours < 0 {
		return fmt.Errorf("max_hold_hours cannot be negative")
	}
	if s.Leverage < 1 {
		return fmt.Errorf("leverage must be >= 1, got %v", s.Leverage)
	}
	return nil
}
