package risk

import (
	"tradecore/internal/models"
	"tradecore/pkg/utils"
)

// KellyConfig - параметры прогрессивного дробного Келли
type KellyConfig struct {
	MinTrades           int     // минимум сделок по символу для расчета
	MinFraction         float64 // доля Келли при MinTrades сделок
	MaxFraction         float64 // доля Келли при FullKellyTrades и больше
	FullKellyTrades     int
	FallbackRiskPercent float64 // риск на сделку при недостатке статистики
}

// DefaultKellyConfig возвращает параметры по умолчанию
func DefaultKellyConfig() KellyConfig {
	return KellyConfig{
		MinTrades:           10,
		MinFraction:         0.1,
		MaxFraction:         0.35,
		FullKellyTrades:     50,
		FallbackRiskPercent: 1.0,
	}
}

// KellyResult - результат расчета доли капитала
type KellyResult struct {
	FullKelly         float64 // f* = (bp - q) / b до ограничения
	EffectiveFraction float64 // прогрессивный множитель
	Fraction          float64 // итоговая доля капитала, [0, MaxFraction]
	WinRate           float64
	WinLossRatio      float64
	Fallback          bool // статистики недостаточно, используется фиксированный риск
}

// NegativeEdge - статистика показывает отрицательное матожидание
func (r KellyResult) NegativeEdge() bool {
	return !r.Fallback && r.FullKelly <= 0
}

// ProgressiveFraction линейно растет от MinFraction при MinTrades сделок
// до MaxFraction при FullKellyTrades.
func (c KellyConfig) ProgressiveFraction(trades int) float64 {
	if trades >= c.FullKellyTrades {
		return c.MaxFraction
	}
	span := c.FullKellyTrades - c.MinTrades
	if span <= 0 {
		return c.MaxFraction
	}
	progress := utils.Clamp(float64(trades-c.MinTrades)/float64(span), 0, 1)
	return c.MinFraction + (c.MaxFraction-c.MinFraction)*progress
}

// Kelly рассчитывает долю капитала по статистике закрытых сделок.
//
// Формула: f* = (b*p - q) / b, где b = avgWin/avgLoss, p - доля выигрышей, q = 1 - p.
// f* ограничивается [0, 1] и умножается на прогрессивную долю.
// При stats.TotalTrades < MinTrades или avgLoss <= 0 возвращается Fallback.
func (c KellyConfig) Kelly(stats models.TradeStats) KellyResult {
	if stats.TotalTrades < c.MinTrades || stats.AvgLoss <= 0 {
		return KellyResult{Fallback: true}
	}

	p := stats.WinRate()
	b := stats.AvgWin / stats.AvgLoss
	if b <= 0 {
		// нет выигрышей: матожидание отрицательное
		return KellyResult{FullKelly: -1, WinRate: p}
	}
	full := (b*p - (1 - p)) / b
	eff := c.ProgressiveFraction(stats.TotalTrades)

	return KellyResult{
		FullKelly:         full,
		EffectiveFraction: eff,
		Fraction:          utils.Clamp(full, 0, 1) * eff,
		WinRate:           p,
		WinLossRatio:      b,
	}
}

// FixedRiskSize - размер позиции при недостатке статистики:
// risk = capital * fallback%, size = min(risk * 10, maxPosition)
func (c KellyConfig) FixedRiskSize(capital, maxPosition float64) (sizeUSD, riskAmount float64) {
	riskAmount = capital * c.FallbackRiskPercent / 100
	return utils.Min(riskAmount*10, maxPosition), riskAmount
}
