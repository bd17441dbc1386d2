package risk

import (
	"tradecore/internal/models"
	"tradecore/pkg/utils"
)

// SLTPConfig - параметры динамических SL/TP
type SLTPConfig struct {
	ATRMultiplierSL float64
	ATRMultiplierTP float64
	MinRRRatio      float64 // минимальное отношение TP/SL
	MinSLPercent    float64
	MaxSLPercent    float64
}

// DefaultSLTPConfig возвращает параметры по умолчанию
func DefaultSLTPConfig() SLTPConfig {
	return SLTPConfig{
		ATRMultiplierSL: 2.0,
		ATRMultiplierTP: 3.0,
		MinRRRatio:      1.5,
		MinSLPercent:    1.0,
		MaxSLPercent:    5.0,
	}
}

// Способ расчета уровней
const (
	LevelsATR         = "atr"
	LevelsPercent     = "percent"
	LevelsAutoProtect = "auto_protect"
)

// Levels - уровни стоп-лосса и тейк-профита
type Levels struct {
	StopLoss   float64
	TakeProfit float64
	SLPercent  float64
	TPPercent  float64
	Method     string
}

// RiskReward - отношение TP/SL
func (l Levels) RiskReward() float64 {
	if l.SLPercent <= 0 {
		return 0
	}
	return l.TPPercent / l.SLPercent
}

// FromATR считает уровни от ATR.
//
// SL = ATR * ATRMultiplierSL, TP = ATR * ATRMultiplierTP, TP растягивается до MinRRRatio.
// SL% ограничивается [MinSLPercent, MaxSLPercent].
func (c SLTPConfig) FromATR(side string, entry, atr float64) Levels {
	slDist := atr * c.ATRMultiplierSL
	tpDist := atr * c.ATRMultiplierTP
	if slDist > 0 && tpDist/slDist < c.MinRRRatio {
		tpDist = slDist * c.MinRRRatio
	}

	slPct := utils.Clamp(slDist/entry*100, c.MinSLPercent, c.MaxSLPercent)
	tpPct := tpDist / entry * 100

	l := levelsFromPercent(side, entry, slPct, tpPct)
	l.Method = LevelsATR
	return l
}

// PercentLevels - уровни по процентам от входа
func PercentLevels(side string, entry, slPct, tpPct float64) Levels {
	l := levelsFromPercent(side, entry, slPct, tpPct)
	l.Method = LevelsPercent
	return l
}

// AutoProtectLevels - уровни для позиции без защиты.
// Проценты из настроек делятся на плечо: 5% SL при 10x это 0.5% цены.
func AutoProtectLevels(p *models.Position, settings models.RiskSettings) Levels {
	lev := p.Leverage
	if lev < 1 {
		lev = 1
	}
	l := levelsFromPercent(p.Side, p.EntryPrice, settings.DefaultSLPercent/lev, settings.DefaultTPPercent/lev)
	l.Method = LevelsAutoProtect
	return l
}

func levelsFromPercent(side string, entry, slPct, tpPct float64) Levels {
	l := Levels{SLPercent: slPct, TPPercent: tpPct}
	if side == models.SideShort {
		l.StopLoss = entry * (1 + slPct/100)
		l.TakeProfit = entry * (1 - tpPct/100)
	} else {
		l.StopLoss = entry * (1 - slPct/100)
		l.TakeProfit = entry * (1 + tpPct/100)
	}
	return l
}
