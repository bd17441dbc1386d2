package risk

import (
	"tradecore/internal/exchange"
	"tradecore/pkg/utils"
)

// Параметры сверки с минимумами биржи
const (
	minCostBuffer   = 1.1 // запас 10% сверх минимальной суммы
	maxCapitalShare = 0.5 // поднимать до минимума можно не больше половины капитала
)

// MinimumCheck - результат сверки размера с минимумами биржи
type MinimumCheck struct {
	Quantity      float64
	Adjusted      bool    // размер поднят до минимума
	Rejected      bool    // минимум недоступен, сделка отклоняется
	RequiredValue float64 // стоимость минимального ордера
}

// ReconcileMinimum сверяет количество с минимумами биржи.
//
// Если notional < MinCost или qty < MinAmount, требуется
// max(MinCost*1.1/price, MinAmount). Размер поднимается, только если эта сумма
// не больше maxPosition и половины капитала, иначе сделка отклоняется.
func ReconcileMinimum(qty, price, capital, maxPosition float64, limits *exchange.Limits) MinimumCheck {
	if limits == nil {
		limits = exchange.DefaultLimits("")
	}
	if price <= 0 {
		return MinimumCheck{Rejected: true}
	}

	qty = utils.RoundDownToStep(qty, limits.AmountStep)
	if qty*price >= limits.MinCost && qty >= limits.MinAmount && qty > 0 {
		return MinimumCheck{Quantity: qty}
	}

	required := utils.Max(limits.MinCost*minCostBuffer/price, limits.MinAmount)
	required = utils.RoundUpToStep(required, limits.AmountStep)
	value := required * price

	if value <= maxPosition && value <= capital*maxCapitalShare {
		return MinimumCheck{Quantity: required, Adjusted: true, RequiredValue: value}
	}
	return MinimumCheck{Rejected: true, RequiredValue: value}
}
