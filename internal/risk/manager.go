// Package risk - расчет размера позиции, SL/TP и трейлинг-стопа.
//
// Размер позиции = min(Келли, волатильность) * множитель уверенности,
// ограниченный максимальной позицией пользователя и сверенный с минимумами биржи.
// Менеджер не хранит состояния, кроме кэша срезов волатильности.
package risk

import (
	"context"
	"time"

	"tradecore/internal/exchange"
	"tradecore/internal/models"
	"tradecore/internal/tradeerr"
	"tradecore/pkg/utils"
)

// StatsSource - история закрытых сделок (TradeStatsRepository)
type StatsSource interface {
	Stats(ctx context.Context, userID, symbol string) (models.TradeStats, error)
}

// MarketData - рыночные данные, которые нужны для расчета
type MarketData interface {
	GetCandles(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error)
	GetMarketLimits(ctx context.Context, symbol string) (*exchange.Limits, error)
}

// Методы расчета размера
const (
	MethodKelly                = "kelly_criterion"
	MethodKellyFallback        = "kelly_fallback"
	MethodVolatility           = "volatility_adjusted"
	MethodRejectedNegativeEdge = "rejected_negative_edge"
	MethodRejectedMinimum      = "rejected_below_exchange_minimum"
	methodCombinedPrefix       = "optimal_combined_"
)

// Config - конфигурация риск-менеджера
type Config struct {
	Kelly          KellyConfig
	SLTP           SLTPConfig
	Trailing       TrailingConfig
	CandleInterval string
	CacheTTL       time.Duration
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		Kelly:          DefaultKellyConfig(),
		SLTP:           DefaultSLTPConfig(),
		Trailing:       DefaultTrailingConfig(),
		CandleInterval: "1h",
		CacheTTL:       15 * time.Minute,
	}
}

// Manager - риск-менеджер
type Manager struct {
	cfg    Config
	stats  StatsSource
	market MarketData
	cache  *snapshotCache
	log    *utils.Logger
	now    func() time.Time
}

// NewManager создает риск-менеджер. stats и market могут быть nil:
// тогда Келли всегда в режиме fallback, а ATR недоступен.
func NewManager(cfg Config, stats StatsSource, market MarketData, log *utils.Logger) *Manager {
	return &Manager{
		cfg:    cfg,
		stats:  stats,
		market: market,
		cache:  newSnapshotCache(cfg.CacheTTL),
		log:    log.WithComponent("risk"),
		now:    time.Now,
	}
}

// Config возвращает конфигурацию
func (m *Manager) Config() Config {
	return m.cfg
}

// Volatility возвращает срез волатильности символа (из кэша или по свечам)
func (m *Manager) Volatility(ctx context.Context, symbol string) (*Snapshot, error) {
	now := m.now()
	if s, ok := m.cache.get(symbol, now); ok {
		return s, nil
	}
	if m.market == nil {
		return nil, ErrNotEnoughCandles
	}

	candles, err := m.market.GetCandles(ctx, symbol, m.cfg.CandleInterval, ATRPeriod+10)
	if err != nil {
		return nil, err
	}
	s, err := NewSnapshot(symbol, candles, now)
	if err != nil {
		return nil, err
	}
	m.cache.put(s)
	return s, nil
}

// ============================================================
// Размер позиции
// ============================================================

// SizeRequest - входные данные расчета размера
type SizeRequest struct {
	UserID     string
	Symbol     string
	Capital    float64
	Price      float64
	Confidence float64
	Settings   models.RiskSettings
}

// SizeResult - рассчитанный размер позиции
type SizeResult struct {
	Quantity       float64
	SizeUSD        float64
	RiskAmount     float64
	Method         string
	KellySize      float64
	VolatilitySize float64
	Kelly          KellyResult
	ATRPercent     float64
	AdjustedToMin  bool
}

// Rejected - сделка отклонена риск-менеджером
func (r *SizeResult) Rejected() bool {
	return r.Quantity <= 0
}

type partialSize struct {
	size   float64
	risk   float64
	method string
}

// PositionSize рассчитывает размер позиции.
// Ошибки статистики и рыночных данных не блокируют расчет: используется безопасный fallback.
func (m *Manager) PositionSize(ctx context.Context, req SizeRequest) (*SizeResult, error) {
	const op = "risk.PositionSize"
	if req.Price <= 0 {
		return nil, tradeerr.Validationf(op, "price must be positive, got %v", req.Price)
	}
	if req.Capital <= 0 {
		return nil, tradeerr.Validationf(op, "capital must be positive, got %v", req.Capital)
	}
	log := m.log.WithUser(req.UserID).WithSymbol(req.Symbol)
	maxPos := req.Settings.MaxPositionSize

	kelly, kres := m.kellySize(ctx, req, log)
	res := &SizeResult{Kelly: kres, KellySize: kelly.size}
	if kres.NegativeEdge() {
		res.Method = MethodRejectedNegativeEdge
		log.Info("trade rejected: negative kelly edge",
			utils.Decision("risk"), utils.Float64("full_kelly", kres.FullKelly))
		return res, nil
	}

	vol, atrPct := m.volatilitySize(ctx, req, log)
	res.VolatilitySize = vol.size
	res.ATRPercent = atrPct

	base := kelly
	if vol.size < kelly.size {
		base = vol
	}

	confMul := 0.5 + 0.5*utils.Clamp(req.Confidence, 0, 1)
	sizeUSD := utils.Min(base.size*confMul, maxPos)
	qty := sizeUSD / req.Price

	limits := m.limits(ctx, req.Symbol, log)
	check := ReconcileMinimum(qty, req.Price, req.Capital, maxPos, limits)
	if check.Rejected {
		res.Method = MethodRejectedMinimum
		log.Warn("trade rejected: below exchange minimum",
			utils.Decision("exchange_minimum"),
			utils.Float64("order_value", qty*req.Price),
			utils.Float64("required_value", check.RequiredValue),
			utils.Float64("max_position", maxPos),
			utils.Float64("capital", req.Capital))
		return res, nil
	}
	if check.Adjusted {
		log.Info("position raised to exchange minimum",
			utils.Float64("from_qty", qty), utils.Quantity(check.Quantity))
	}

	res.Quantity = check.Quantity
	res.SizeUSD = check.Quantity * req.Price
	res.RiskAmount = base.risk * confMul
	res.Method = methodCombinedPrefix + base.method
	res.AdjustedToMin = check.Adjusted

	log.Info("position size calculated",
		utils.Float64("kelly_size", kelly.size),
		utils.Float64("volatility_size", vol.size),
		utils.String("method", res.Method),
		utils.Float64("confidence", req.Confidence),
		utils.Float64("size_usd", res.SizeUSD),
		utils.Quantity(res.Quantity))
	return res, nil
}

func (m *Manager) kellySize(ctx context.Context, req SizeRequest, log *utils.Logger) (partialSize, KellyResult) {
	maxPos := req.Settings.MaxPositionSize

	var stats models.TradeStats
	if m.stats != nil {
		s, err := m.stats.Stats(ctx, req.UserID, req.Symbol)
		if err != nil {
			log.Warn("trade stats unavailable, using fixed risk", utils.Err(err))
		} else {
			stats = s
		}
	}

	kres := m.cfg.Kelly.Kelly(stats)
	if kres.Fallback {
		size, riskAmt := m.cfg.Kelly.FixedRiskSize(req.Capital, maxPos)
		return partialSize{size: size, risk: riskAmt, method: MethodKellyFallback}, kres
	}

	riskAmt := req.Capital * kres.Fraction
	log.Debug("kelly fraction",
		utils.Float64("win_rate", kres.WinRate),
		utils.Float64("win_loss_ratio", kres.WinLossRatio),
		utils.Float64("full_kelly", kres.FullKelly),
		utils.Float64("effective_fraction", kres.EffectiveFraction),
		utils.Int("trades", stats.TotalTrades))
	return partialSize{size: utils.Min(riskAmt, maxPos), risk: riskAmt, method: MethodKelly}, kres
}

// volatilitySize: size = capital*risk% / max(SL%, 2*ATR%) * множитель волатильности
func (m *Manager) volatilitySize(ctx context.Context, req SizeRequest, log *utils.Logger) (partialSize, float64) {
	riskPct := req.Settings.RiskPerTradePercent() / 100
	slDist := req.Settings.DefaultSLPercent / 100
	mult := 1.0
	var atrPct float64

	snap, err := m.Volatility(ctx, req.Symbol)
	if err != nil {
		log.Debug("volatility unavailable, using settings stop distance", utils.Err(err))
	} else {
		atrPct = snap.ATRPercent
		slDist = utils.Max(slDist, 2*snap.ATRPercent/100)
		mult = snap.Multiplier
	}
	if slDist <= 0 {
		slDist = m.cfg.SLTP.MinSLPercent / 100
	}

	riskAmt := req.Capital * riskPct
	size := utils.Min(riskAmt/slDist*mult, req.Settings.MaxPositionSize)
	return partialSize{size: size, risk: riskAmt, method: MethodVolatility}, atrPct
}

func (m *Manager) limits(ctx context.Context, symbol string, log *utils.Logger) *exchange.Limits {
	if m.market == nil {
		return exchange.DefaultLimits(symbol)
	}
	l, err := m.market.GetMarketLimits(ctx, symbol)
	if err != nil || l == nil {
		log.Debug("market limits unavailable, using defaults", utils.Err(err))
		return exchange.DefaultLimits(symbol)
	}
	return l
}

// ============================================================
// SL/TP и трейлинг
// ============================================================

// SLTPRequest - входные данные расчета уровней
type SLTPRequest struct {
	Symbol   string
	Side     string
	Entry    float64
	SignalSL *float64
	SignalTP *float64
	Settings models.RiskSettings
}

// DynamicSLTP рассчитывает SL/TP от ATR. Без ATR используются уровни сигнала,
// а недостающие берутся из процентов настроек пользователя.
func (m *Manager) DynamicSLTP(ctx context.Context, req SLTPRequest) (Levels, error) {
	if req.Entry <= 0 {
		return Levels{}, tradeerr.Validationf("risk.DynamicSLTP", "entry price must be positive, got %v", req.Entry)
	}

	snap, err := m.Volatility(ctx, req.Symbol)
	if err == nil && snap.ATR > 0 {
		l := m.cfg.SLTP.FromATR(req.Side, req.Entry, snap.ATR)
		m.log.Info("dynamic SL/TP",
			utils.Symbol(req.Symbol), utils.Side(req.Side),
			utils.Float64("stop_loss", l.StopLoss), utils.Float64("take_profit", l.TakeProfit),
			utils.Float64("rr", l.RiskReward()))
		return l, nil
	}

	l := PercentLevels(req.Side, req.Entry, req.Settings.DefaultSLPercent, req.Settings.DefaultTPPercent)
	if req.SignalSL != nil {
		l.StopLoss = *req.SignalSL
	}
	if req.SignalTP != nil {
		l.TakeProfit = *req.SignalTP
	}
	return l, nil
}

// TrailingStop рассчитывает трейлинг-стоп позиции по цене price.
// ATR берется только из кэша, чтобы тик мониторинга не ждал свечей.
func (m *Manager) TrailingStop(p *models.Position, price float64) TrailingResult {
	in := TrailingInput{
		Side:      p.Side,
		Entry:     p.EntryPrice,
		Price:     price,
		CurrentSL: p.StopLoss,
		Peak:      p.PeakPrice,
		Trough:    p.TroughPrice,
	}
	if s, ok := m.cache.get(p.Symbol, m.now()); ok {
		in.ATR = s.ATR
	}
	return m.cfg.Trailing.Evaluate(in)
}
