package utils

import (
	"math"

	"github.com/shopspring/decimal"
)

// math.go - математические утилиты для торговых расчетов
//
// Функции:
// - RoundDownToStep/RoundUpToStep/RoundToStep: округление к шагу (lot size, шаг трейлинга)
// - CalculatePNL: реализованный PNL для long/short
// - ProfitPercent: текущая прибыль позиции в процентах
// - Clamp, Abs, Min, Max
//
// Округление идет через decimal: 101.455 / 0.5 во float64 дает артефакты на границах шага.

// RoundDownToStep округляет значение ВНИЗ до кратного step.
// Если step <= 0, возвращает исходное значение.
//
// Примеры:
//   - RoundDownToStep(0.123456, 0.001) = 0.123
//   - RoundDownToStep(101.455, 0.5) = 101.0
func RoundDownToStep(value, step float64) float64 {
	if step <= 0 {
		return value
	}
	v := decimal.NewFromFloat(value)
	s := decimal.NewFromFloat(step)
	f, _ := v.Div(s).Floor().Mul(s).Float64()
	return f
}

// RoundUpToStep округляет значение ВВЕРХ до кратного step.
//
// Примеры:
//   - RoundUpToStep(101.455, 0.5) = 101.5
//   - RoundUpToStep(100.0, 0.5) = 100.0
func RoundUpToStep(value, step float64) float64 {
	if step <= 0 {
		return value
	}
	v := decimal.NewFromFloat(value)
	s := decimal.NewFromFloat(step)
	f, _ := v.Div(s).Ceil().Mul(s).Float64()
	return f
}

// RoundToStep округляет значение к ближайшему кратному step
func RoundToStep(value, step float64) float64 {
	if step <= 0 {
		return value
	}
	v := decimal.NewFromFloat(value)
	s := decimal.NewFromFloat(step)
	f, _ := v.Div(s).Round(0).Mul(s).Float64()
	return f
}

// CalculatePNL рассчитывает PNL позиции.
//
// Формулы:
//   - long:  (exit - entry) * quantity
//   - short: (entry - exit) * quantity
//
// Считается в decimal, чтобы сумма частичных закрытий совпадала с полным закрытием.
func CalculatePNL(side string, entryPrice, exitPrice, quantity float64) float64 {
	entry := decimal.NewFromFloat(entryPrice)
	exit := decimal.NewFromFloat(exitPrice)
	qty := decimal.NewFromFloat(quantity)

	var pnl decimal.Decimal
	if side == "short" {
		pnl = entry.Sub(exit).Mul(qty)
	} else {
		pnl = exit.Sub(entry).Mul(qty)
	}
	f, _ := pnl.Float64()
	return f
}

// ProfitPercent возвращает прибыль позиции в процентах от цены входа.
// При entryPrice <= 0 возвращает 0.
func ProfitPercent(side string, entryPrice, currentPrice float64) float64 {
	if entryPrice <= 0 {
		return 0
	}
	if side == "short" {
		return (entryPrice - currentPrice) / entryPrice * 100
	}
	return (currentPrice - entryPrice) / entryPrice * 100
}

// PercentChange возвращает модуль относительного изменения from -> to в процентах
func PercentChange(from, to float64) float64 {
	if from == 0 {
		return 0
	}
	return math.Abs(to-from) / math.Abs(from) * 100
}

// Abs возвращает абсолютное значение
func Abs(x float64) float64 {
	return math.Abs(x)
}

// Min возвращает минимальное из двух значений
func Min(a, b float64) float64 {
	return math.Min(a, b)
}

// Max возвращает максимальное из двух значений
func Max(a, b float64) float64 {
	return math.Max(a, b)
}

// Clamp ограничивает значение диапазоном [min, max]
func Clamp(value, min, max float64) float64 {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}
