package limits

import (
	"sync"
	"time"

	"tradecore/pkg/utils"
)

// RateConfig - лимиты частоты торговли
type RateConfig struct {
	MaxSignalsPerCycle int
	MaxTradesPerHour   int
	MaxTradesPerDay    int
	SymbolCooldown     time.Duration
	MaxOpenPositions   int
}

// DefaultRateConfig возвращает лимиты по умолчанию
func DefaultRateConfig() RateConfig {
	return RateConfig{
		MaxSignalsPerCycle: 10,
		MaxTradesPerHour:   5,
		MaxTradesPerDay:    20,
		SymbolCooldown:     15 * time.Minute,
		MaxOpenPositions:   5,
	}
}

type rateState struct {
	cycleSignals int
	trades       []time.Time // по возрастанию, не старше 24h
	lastBySymbol map[string]time.Time
}

// RateLimiter ограничивает частоту сделок по пользователям.
// Часовой и дневной лимиты - скользящие окна по меткам сделок.
type RateLimiter struct {
	cfg RateConfig
	log *utils.Logger
	now func() time.Time

	mu    sync.Mutex
	users map[string]*rateState
}

// NewRateLimiter создает ограничитель
func NewRateLimiter(cfg RateConfig, log *utils.Logger) *RateLimiter {
	return &RateLimiter{
		cfg:   cfg,
		log:   log.WithComponent("rate_limiter"),
		now:   time.Now,
		users: make(map[string]*rateState),
	}
}

func (r *RateLimiter) state(userID string) *rateState {
	st, ok := r.users[userID]
	if !ok {
		st = &rateState{lastBySymbol: make(map[string]time.Time)}
		r.users[userID] = st
	}
	return st
}

// StartCycle сбрасывает счетчик сигналов цикла
func (r *RateLimiter) StartCycle(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.state(userID)
	st.cycleSignals = 0
	st.trades = utils.TrimBefore(st.trades, r.now().Add(-24*time.Hour))
}

// Check проверяет, можно ли торговать symbol. Состояние не меняется.
// openPositions - текущее число открытых позиций пользователя.
func (r *RateLimiter) Check(userID, symbol string, openPositions int) LimitDecision {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	st := r.state(userID)

	if st.cycleSignals >= r.cfg.MaxSignalsPerCycle {
		return deny(LimitSignalsPerCycle, 0, "cycle limit reached (%d signals/cycle)", r.cfg.MaxSignalsPerCycle)
	}

	hourAgo := now.Add(-time.Hour)
	if n := utils.CountSince(st.trades, hourAgo); n >= r.cfg.MaxTradesPerHour {
		wait := st.trades[len(st.trades)-n].Sub(hourAgo)
		return deny(LimitTradesPerHour, wait, "hourly limit reached (%d trades/hour)", r.cfg.MaxTradesPerHour)
	}

	dayAgo := now.Add(-24 * time.Hour)
	if n := utils.CountSince(st.trades, dayAgo); n >= r.cfg.MaxTradesPerDay {
		wait := st.trades[len(st.trades)-n].Sub(dayAgo)
		return deny(LimitTradesPerDay, wait, "daily limit reached (%d trades/day)", r.cfg.MaxTradesPerDay)
	}

	if last, ok := st.lastBySymbol[symbol]; ok {
		if end := last.Add(r.cfg.SymbolCooldown); now.Before(end) {
			wait := end.Sub(now)
			return deny(LimitSymbolCooldown, wait, "%s in cooldown (%s remaining)", symbol, utils.FormatDuration(wait))
		}
	}

	if openPositions >= r.cfg.MaxOpenPositions {
		return deny(LimitOpenPositions, 0, "max open positions reached (%d/%d)", openPositions, r.cfg.MaxOpenPositions)
	}

	return Allow()
}

// RecordSignalsEvaluated учитывает n оцененных в цикле сигналов
func (r *RateLimiter) RecordSignalsEvaluated(userID string, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state(userID).cycleSignals += n
}

// RecordTrade фиксирует открытую сделку
func (r *RateLimiter) RecordTrade(userID, symbol string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	st := r.state(userID)
	st.trades = append(utils.TrimBefore(st.trades, now.Add(-24*time.Hour)), now)
	st.lastBySymbol[symbol] = now

	r.log.Info("trade recorded",
		utils.UserID(userID), utils.Symbol(symbol),
		utils.Int("hour", utils.CountSince(st.trades, now.Add(-time.Hour))),
		utils.Int("day", len(st.trades)))
}

// RateSnapshot - текущие счетчики пользователя
type RateSnapshot struct {
	SignalsThisCycle int `json:"signals_this_cycle"`
	TradesLastHour   int `json:"trades_last_hour"`
	TradesLastDay    int `json:"trades_last_day"`
	SymbolsCooling   int `json:"symbols_cooling"`
}

// Snapshot возвращает счетчики пользователя
func (r *RateLimiter) Snapshot(userID string) RateSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	st := r.state(userID)
	cooling := 0
	for _, t := range st.lastBySymbol {
		if now.Before(t.Add(r.cfg.SymbolCooldown)) {
			cooling++
		}
	}
	return RateSnapshot{
		SignalsThisCycle: st.cycleSignals,
		TradesLastHour:   utils.CountSince(st.trades, now.Add(-time.Hour)),
		TradesLastDay:    utils.CountSince(st.trades, now.Add(-24*time.Hour)),
		SymbolsCooling:   cooling,
	}
}
