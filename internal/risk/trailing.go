package risk

import (
	"sort"

	"tradecore/internal/models"
	"tradecore/pkg/utils"
)

// Tier - ступень трейлинга: с ProfitPercent прибыли дистанция DistancePercent
type Tier struct {
	ProfitPercent   float64
	DistancePercent float64
}

// TrailingConfig - параметры ступенчатого трейлинг-стопа
type TrailingConfig struct {
	ActivationPercent      float64 // прибыль, после которой стоп начинает двигаться
	DefaultDistancePercent float64 // дистанция, если ни одна ступень не подошла
	StepPercent            float64 // шаг стопа в % от входа
	ATRMultiplier          float64
	MinGapPercent          float64 // минимальный зазор стопа от цены в % от входа
	Tiers                  []Tier
}

// DefaultTrailingConfig возвращает параметры по умолчанию
func DefaultTrailingConfig() TrailingConfig {
	return TrailingConfig{
		ActivationPercent:      2.0,
		DefaultDistancePercent: 1.5,
		StepPercent:            0.5,
		ATRMultiplier:          2.0,
		MinGapPercent:          0.5,
		Tiers: []Tier{
			{ProfitPercent: 2, DistancePercent: 1.5},
			{ProfitPercent: 5, DistancePercent: 1.0},
			{ProfitPercent: 10, DistancePercent: 0.75},
			{ProfitPercent: 20, DistancePercent: 0.5},
		},
	}
}

// TierDistance возвращает дистанцию последней ступени, порог которой <= profit
func (c TrailingConfig) TierDistance(profit float64) float64 {
	tiers := make([]Tier, len(c.Tiers))
	copy(tiers, c.Tiers)
	sort.Slice(tiers, func(i, j int) bool { return tiers[i].ProfitPercent < tiers[j].ProfitPercent })

	dist := c.DefaultDistancePercent
	for _, t := range tiers {
		if profit >= t.ProfitPercent {
			dist = t.DistancePercent
		}
	}
	return dist
}

// TrailingInput - состояние позиции для расчета трейлинга
type TrailingInput struct {
	Side      string
	Entry     float64
	Price     float64
	CurrentSL float64 // 0 = стоп не задан, трейлинг не работает
	Peak      float64
	Trough    float64
	ATR       float64 // 0 = только процентная дистанция
}

// TrailingResult - результат расчета
type TrailingResult struct {
	StopLoss        float64
	Peak            float64
	Trough          float64
	Updated         bool
	ProfitPercent   float64
	DistancePercent float64
}

// Evaluate рассчитывает новый трейлинг-стоп.
//
// Стоп двигается только в сторону прибыли: результат для long не меньше CurrentSL,
// для short не больше. Округление к шагу идет в выгодную сторону.
func (c TrailingConfig) Evaluate(in TrailingInput) TrailingResult {
	res := TrailingResult{StopLoss: in.CurrentSL, Peak: in.Peak, Trough: in.Trough}
	if in.Entry <= 0 || in.Price <= 0 {
		return res
	}

	short := in.Side == models.SideShort
	if short {
		if res.Trough == 0 || in.Price < res.Trough {
			res.Trough = in.Price
		}
	} else if in.Price > res.Peak {
		res.Peak = in.Price
	}

	res.ProfitPercent = utils.ProfitPercent(in.Side, in.Entry, in.Price)
	if in.CurrentSL <= 0 || res.ProfitPercent < c.ActivationPercent {
		return res
	}

	res.DistancePercent = c.TierDistance(res.ProfitPercent)
	distance := in.Price * res.DistancePercent / 100
	if in.ATR > 0 && c.ATRMultiplier > 0 {
		distance = utils.Min(distance, in.ATR*c.ATRMultiplier)
	}

	step := in.Entry * c.StepPercent / 100
	gap := in.Entry * c.MinGapPercent / 100

	if short {
		candidate := utils.RoundDownToStep(res.Trough+distance, step)
		candidate = utils.Max(candidate, in.Price+gap)
		if candidate < in.CurrentSL {
			res.StopLoss = candidate
			res.Updated = true
		}
		return res
	}

	candidate := utils.RoundUpToStep(res.Peak-distance, step)
	candidate = utils.Min(candidate, in.Price-gap)
	if candidate > in.CurrentSL {
		res.StopLoss = candidate
		res.Updated = true
	}
	return res
}
