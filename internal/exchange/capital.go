package exchange

import (
	"context"
	"errors"
	"fmt"
)

// ErrNoCapital - капитал нулевой или неизвестен; торговля блокируется
var ErrNoCapital = errors.New("no available capital")

// CapitalResolver определяет капитал, доступный пользователю для сайзинга.
// Реализация обязана вернуть ErrNoCapital вместо подстановки условного баланса.
type CapitalResolver interface {
	AvailableCapital(ctx context.Context, userID string) (float64, error)
}

// BalanceCapitalResolver суммирует свободный баланс котируемых валют
type BalanceCapitalResolver struct {
	gw         Gateway
	currencies []string
}

// NewBalanceCapitalResolver создает резолвер по балансу биржи
func NewBalanceCapitalResolver(gw Gateway, currencies []string) *BalanceCapitalResolver {
	return &BalanceCapitalResolver{gw: gw, currencies: currencies}
}

func (r *BalanceCapitalResolver) AvailableCapital(ctx context.Context, userID string) (float64, error) {
	balance, err := r.gw.GetBalance(ctx)
	if err != nil {
		return 0, fmt.Errorf("resolve capital: %w", err)
	}

	var total float64
	for _, cur := range r.currencies {
		if v := balance[cur]; v > 0 {
			total += v
		}
	}
	if total <= 0 {
		return 0, fmt.Errorf("%w: zero balance in %v", ErrNoCapital, r.currencies)
	}
	return total, nil
}

// StaticCapitalResolver - фиксированный капитал (бумажная торговля, бэктест)
type StaticCapitalResolver struct {
	Amount float64
}

func (r StaticCapitalResolver) AvailableCapital(ctx context.Context, userID string) (float64, error) {
	if r.Amount <= 0 {
		return 0, ErrNoCapital
	}
	return r.Amount, nil
}
