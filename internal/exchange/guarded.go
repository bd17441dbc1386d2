package exchange

import (
	"context"
	"time"

	"tradecore/internal/models"
	"tradecore/pkg/ratelimit"
	"tradecore/pkg/retry"
	"tradecore/pkg/utils"
)

// CallObserver получает длительность и результат каждого вызова биржи (метрики)
type CallObserver func(op string, d time.Duration, err error)

// GuardedGateway - декоратор Gateway:
// token bucket по категориям запросов, повтор временных ошибок
// с экспоненциальной задержкой, классификация ошибок в tradeerr.
type GuardedGateway struct {
	inner    Gateway
	limiter  *ratelimit.MultiLimiter
	retryCfg retry.Config
	closeCfg retry.Config // закрытие позиции
	observe  CallObserver
	log      *utils.Logger
}

// GuardOption настраивает GuardedGateway
type GuardOption func(*GuardedGateway)

// WithRetryConfig задает политику повторов для всех вызовов, включая закрытие
func WithRetryConfig(cfg retry.Config) GuardOption {
	return func(g *GuardedGateway) {
		g.retryCfg = cfg
		g.closeCfg = cfg
	}
}

// WithCloseRetryConfig задает отдельную политику для ClosePosition
func WithCloseRetryConfig(cfg retry.Config) GuardOption {
	return func(g *GuardedGateway) { g.closeCfg = cfg }
}

// WithObserver задает наблюдателя вызовов
func WithObserver(obs CallObserver) GuardOption {
	return func(g *GuardedGateway) { g.observe = obs }
}

// NewGuardedGateway оборачивает inner. limiter может быть nil.
func NewGuardedGateway(inner Gateway, limiter *ratelimit.MultiLimiter, log *utils.Logger, opts ...GuardOption) *GuardedGateway {
	if limiter == nil {
		limiter = ratelimit.NewMultiLimiter()
	}
	g := &GuardedGateway{
		inner:    inner,
		limiter:  limiter,
		retryCfg: retry.ExchangeConfig(),
		closeCfg: retry.CloseConfig(),
		log:      log.WithComponent("exchange"),
	}
	for _, opt := range opts {
		opt(g)
	}

	g.retryCfg = g.withLogging(g.retryCfg)
	g.closeCfg = g.withLogging(g.closeCfg)
	return g
}

// withLogging добавляет к политике лог повторов; без фильтра повторяются только временные ошибки
func (g *GuardedGateway) withLogging(cfg retry.Config) retry.Config {
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		g.log.Warn("exchange call failed, retrying",
			utils.Attempt(attempt), utils.Duration("delay", delay), utils.Err(err))
	}
	if cfg.RetryIf == nil {
		cfg.RetryIf = retry.RetryIfTemporary
	}
	return cfg
}

const opClosePosition = "close_position"

// guardedCall выполняет один вызов биржи с лимитом, повтором и классификацией
func guardedCall[T any](ctx context.Context, g *GuardedGateway, op, category string, call func(context.Context) (T, error)) (T, error) {
	cfg := g.retryCfg
	if op == opClosePosition {
		cfg = g.closeCfg
	}
	start := time.Now()

	result, err := retry.DoWithResult(ctx, func() (T, error) {
		var zero T
		if err := g.limiter.Wait(ctx, category); err != nil {
			return zero, err
		}
		res, err := call(ctx)
		return res, Classify(op, err)
	}, cfg)

	if g.observe != nil {
		g.observe(op, time.Since(start), err)
	}
	return result, err
}

func (g *GuardedGateway) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	return guardedCall(ctx, g, "place_order", ratelimit.CategoryOrders, func(ctx context.Context) (*OrderResult, error) {
		return g.inner.PlaceOrder(ctx, req)
	})
}

func (g *GuardedGateway) ClosePosition(ctx context.Context, symbol, side string, qty float64) (*OrderResult, error) {
	return guardedCall(ctx, g, opClosePosition, ratelimit.CategoryOrders, func(ctx context.Context) (*OrderResult, error) {
		return g.inner.ClosePosition(ctx, symbol, side, qty)
	})
}

func (g *GuardedGateway) GetPositions(ctx context.Context) ([]*PositionInfo, error) {
	return guardedCall(ctx, g, "get_positions", ratelimit.CategoryAccount, g.inner.GetPositions)
}

func (g *GuardedGateway) GetTicker(ctx context.Context, symbol string) (*Ticker, error) {
	return guardedCall(ctx, g, "get_ticker", ratelimit.CategoryMarketData, func(ctx context.Context) (*Ticker, error) {
		return g.inner.GetTicker(ctx, symbol)
	})
}

func (g *GuardedGateway) GetBalance(ctx context.Context) (map[string]float64, error) {
	return guardedCall(ctx, g, "get_balance", ratelimit.CategoryAccount, g.inner.GetBalance)
}

func (g *GuardedGateway) GetCandles(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error) {
	return guardedCall(ctx, g, "get_candles", ratelimit.CategoryMarketData, func(ctx context.Context) ([]models.Candle, error) {
		return g.inner.GetCandles(ctx, symbol, interval, limit)
	})
}

func (g *GuardedGateway) GetMarketLimits(ctx context.Context, symbol string) (*Limits, error) {
	return guardedCall(ctx, g, "get_market_limits", ratelimit.CategoryMarketData, func(ctx context.Context) (*Limits, error) {
		return g.inner.GetMarketLimits(ctx, symbol)
	})
}
