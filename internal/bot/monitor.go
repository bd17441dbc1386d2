package bot

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"tradecore/internal/exchange"
	"tradecore/internal/lock"
	"tradecore/internal/models"
	"tradecore/internal/risk"
	"tradecore/internal/tradeerr"
	"tradecore/pkg/utils"
)

// ============================================================
// Зависимости монитора
// ============================================================

// PositionStore - операции с позициями, которые выполняет монитор.
// Реализуется TransactionManager.
type PositionStore interface {
	ClosePosition(ctx context.Context, req CloseRequest) (*CloseResult, error)
	ReducePosition(ctx context.Context, req ReduceRequest) (*CloseResult, error)
	UpdateProtection(ctx context.Context, p *models.Position) error
	AdoptPosition(ctx context.Context, p *models.Position) error
	ListOpen(ctx context.Context, userID string) ([]*models.Position, error)
}

// SettingsSource - риск-настройки пользователя (config.SettingsStore)
type SettingsSource interface {
	Get(userID string) models.RiskSettings
}

// LossRecorder - учет дневного убытка (limits.DailyLossTracker)
type LossRecorder interface {
	RecordTrade(userID string, pnl float64, isWin bool)
	UpdateUnrealized(userID string, pnl float64)
}

// ExposureTracker получает закрытые позиции для учета экспозиции портфеля
type ExposureTracker interface {
	OnPositionClosed(p *models.Position, pnl float64)
}

// Типы событий монитора
const (
	EventRegistered       = "registered"
	EventTrailingAdjusted = "trailing_adjusted"
	EventPartialTP        = "partial_tp"
	EventClosed           = "closed"
	EventCloseFailed      = "close_failed"
)

// PositionEvent - событие жизненного цикла позиции
type PositionEvent struct {
	Type       string           `json:"type"`
	PositionID int64            `json:"position_id"`
	UserID     string           `json:"user_id"`
	Symbol     string           `json:"symbol"`
	State      string           `json:"state"`
	Price      float64          `json:"price,omitempty"`
	PnL        float64          `json:"pnl,omitempty"`
	Reason     string           `json:"reason,omitempty"`
	Error      string           `json:"error,omitempty"`
	Position   *models.Position `json:"position,omitempty"`
	At         time.Time        `json:"at"`
}

// EventSink принимает события монитора (websocket hub)
type EventSink interface {
	Publish(ev PositionEvent)
}

// ============================================================
// Конфигурация
// ============================================================

// PartialTPLevel - уровень частичной фиксации: при ProfitPercent прибыли
// закрывается ClosePercent исходного количества
type PartialTPLevel struct {
	ProfitPercent float64
	ClosePercent  float64
}

// MonitorConfig - параметры монитора позиций
type MonitorConfig struct {
	Interval            time.Duration
	PartialTP           []PartialTPLevel
	DefaultMaxHold      time.Duration // если в настройках пользователя не задано
	ForceExitMultiplier float64       // выход по времени даже в убытке после MaxHold * множитель
	MaxFailures         int           // эскалация после стольких ошибок подряд
	SyncEvery           int           // синхронизация с биржей раз в N тиков (0 - выключена)
	SyncUserID          string        // владелец позиций аккаунта биржи
	OpTimeout           time.Duration // таймаут одной операции закрытия/обновления
}

// DefaultMonitorConfig возвращает параметры по умолчанию
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		Interval: 5 * time.Second,
		PartialTP: []PartialTPLevel{
			{ProfitPercent: 3, ClosePercent: 40},
			{ProfitPercent: 5, ClosePercent: 30},
			{ProfitPercent: 7, ClosePercent: 30},
		},
		DefaultMaxHold:      12 * time.Hour,
		ForceExitMultiplier: 2,
		MaxFailures:         10,
		SyncEvery:           12,
		OpTimeout:           30 * time.Second,
	}
}

const (
	lockInStart = 0.5
	lockInStep  = 0.25
	lockInMax   = 0.9
	qtyEpsilon  = 1e-9
)

// ============================================================
// PositionMonitor
// ============================================================

// tracked - отслеживаемая позиция. Поля меняются только под mu.
type tracked struct {
	id     int64
	symbol string
	userID string

	mu        sync.Mutex
	pos       *models.Position
	state     string
	nextLevel int  // индекс следующего уровня частичного TP
	dirty     bool // SL/TP/экстремумы изменены в памяти, но не сохранены
	failures  int
}

// PositionMonitor - фоновый цикл, который ведет открытые позиции
// через состояния ACTIVE, TRAILING_ADJUSTED, PARTIAL_TP_TRIGGERED, CLOSING, CLOSED.
//
// Каждый тик:
// 1. Цена по каждому символу (один запрос на символ)
// 2. Автозащита позиций без SL/TP
// 3. По приоритету: SL, TP, частичный TP, выход по времени, трейлинг
//
// Все изменения позиции идут через PositionStore под блокировкой lock.Manager.
// Ошибка одной позиции не останавливает обработку остальных.
type PositionMonitor struct {
	cfg      MonitorConfig
	store    PositionStore
	gateway  exchange.Gateway
	risk     *risk.Manager
	locks    *lock.Manager
	settings SettingsSource
	losses   LossRecorder
	exposure ExposureTracker
	events   EventSink
	log      *utils.Logger
	now      func() time.Time

	mu        sync.Mutex
	positions map[int64]*tracked

	ticks        int
	syncFailures int
	priceWarn    rate.Sometimes
}

// MonitorDeps - зависимости монитора. losses, exposure и events могут быть nil.
type MonitorDeps struct {
	Store    PositionStore
	Gateway  exchange.Gateway
	Risk     *risk.Manager
	Locks    *lock.Manager
	Settings SettingsSource
	Losses   LossRecorder
	Exposure ExposureTracker
	Events   EventSink
}

// NewPositionMonitor создает монитор
func NewPositionMonitor(cfg MonitorConfig, deps MonitorDeps, log *utils.Logger) *PositionMonitor {
	return &PositionMonitor{
		cfg:       cfg,
		store:     deps.Store,
		gateway:   deps.Gateway,
		risk:      deps.Risk,
		locks:     deps.Locks,
		settings:  deps.Settings,
		losses:    deps.Losses,
		exposure:  deps.Exposure,
		events:    deps.Events,
		log:       log.WithComponent("monitor"),
		now:       time.Now,
		positions: make(map[int64]*tracked),
		priceWarn: rate.Sometimes{First: 1, Interval: 30 * time.Second},
	}
}

// Register начинает отслеживать позицию в состоянии ACTIVE.
// Уровни частичного TP, уже пройденные до перезапуска, восстанавливаются по количеству.
func (m *PositionMonitor) Register(p *models.Position) {
	if p == nil || !p.IsOpen() {
		return
	}
	m.mu.Lock()
	if _, ok := m.positions[p.ID]; ok {
		m.mu.Unlock()
		return
	}
	t := &tracked{
		id:        p.ID,
		symbol:    p.Symbol,
		userID:    p.UserID,
		pos:       p.Clone(),
		state:     StateActive,
		nextLevel: m.levelsDone(p),
	}
	m.positions[p.ID] = t
	m.mu.Unlock()

	m.log.Info("position registered",
		utils.PositionID(p.ID), utils.Symbol(p.Symbol), utils.UserID(p.UserID),
		utils.Side(p.Side), utils.Price(p.EntryPrice), utils.Quantity(p.Quantity),
		utils.Bool("manual", p.IsManual()))
	t.mu.Lock()
	m.publish(t, EventRegistered, 0, 0, "", nil)
	t.mu.Unlock()
}

// Untrack прекращает отслеживание позиции
func (m *PositionMonitor) Untrack(id int64) {
	m.mu.Lock()
	delete(m.positions, id)
	m.mu.Unlock()
}

// LoadOpen регистрирует все открытые позиции из хранилища (при старте)
func (m *PositionMonitor) LoadOpen(ctx context.Context) (int, error) {
	ps, err := m.store.ListOpen(ctx, "")
	if err != nil {
		return 0, err
	}
	for _, p := range ps {
		m.Register(p)
	}
	return len(ps), nil
}

// TrackedPosition - снимок отслеживаемой позиции для API
type TrackedPosition struct {
	Position  *models.Position `json:"position"`
	State     string           `json:"state"`
	StateInfo string           `json:"state_info"`
	NextLevel int              `json:"next_partial_level"`
	Failures  int              `json:"failures"`
}

// Tracked возвращает снимки позиций (userID "" - всех), упорядоченные по ID
func (m *PositionMonitor) Tracked(userID string) []TrackedPosition {
	out := make([]TrackedPosition, 0)
	for _, t := range m.snapshot() {
		if userID != "" && t.userID != userID {
			continue
		}
		t.mu.Lock()
		out = append(out, TrackedPosition{
			Position:  t.pos.Clone(),
			State:     t.state,
			StateInfo: StateInfo(t.state),
			NextLevel: t.nextLevel,
			Failures:  t.failures,
		})
		t.mu.Unlock()
	}
	return out
}

// Count возвращает число отслеживаемых позиций
func (m *PositionMonitor) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.positions)
}

func (m *PositionMonitor) snapshot() []*tracked {
	m.mu.Lock()
	out := make([]*tracked, 0, len(m.positions))
	for _, t := range m.positions {
		out = append(out, t)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (m *PositionMonitor) get(id int64) *tracked {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.positions[id]
}

// Run крутит цикл мониторинга до отмены ctx.
// Отмена проверяется между тиками; начатые закрытия доводятся до конца.
func (m *PositionMonitor) Run(ctx context.Context) {
	if n, err := m.LoadOpen(ctx); err != nil {
		m.log.Warn("failed to load open positions", utils.Err(err))
	} else {
		m.log.Info("monitor started", utils.Int("positions", n), utils.Duration("interval", m.cfg.Interval))
	}

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.log.Info("monitor stopped")
			return
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}

// Tick выполняет один проход по всем отслеживаемым позициям
func (m *PositionMonitor) Tick(ctx context.Context) {
	entries := m.snapshot()
	prices, priceErrs := m.fetchPrices(ctx, entries)

	unrealized := make(map[string]float64)
	for _, t := range entries {
		if ctx.Err() != nil {
			return
		}
		price, ok := prices[t.symbol]
		if !ok {
			m.priceFailure(t, priceErrs[t.symbol])
			continue
		}
		// пользователь попадает в сводку и тогда, когда его позиция закрылась:
		// иначе убыток прошлого тика остается нереализованным поверх реализованного
		pnl, open := m.evaluate(ctx, t, price)
		if !open {
			pnl = 0
		}
		unrealized[t.userID] += pnl
	}

	if m.losses != nil {
		for userID, pnl := range unrealized {
			m.losses.UpdateUnrealized(userID, pnl)
		}
	}

	m.ticks++
	if m.cfg.SyncEvery > 0 && m.ticks%m.cfg.SyncEvery == 0 {
		if err := m.Sync(ctx); err != nil {
			m.log.Warn("position sync failed", utils.Err(err), utils.Int("failures", m.syncFailures))
		}
	}
	m.updateGauge()
}

// fetchPrices запрашивает цену один раз на символ
func (m *PositionMonitor) fetchPrices(ctx context.Context, entries []*tracked) (map[string]float64, map[string]error) {
	prices := make(map[string]float64)
	errs := make(map[string]error)
	for _, t := range entries {
		symbol := t.symbol
		if _, ok := prices[symbol]; ok {
			continue
		}
		if _, ok := errs[symbol]; ok {
			continue
		}
		tk, err := m.gateway.GetTicker(ctx, symbol)
		switch {
		case err != nil:
			errs[symbol] = err
		case tk == nil || tk.Last <= 0:
			errs[symbol] = tradeerr.TransientExchange("monitor.price", errors.New("no price for "+symbol))
		default:
			prices[symbol] = tk.Last
		}
	}
	return prices, errs
}

func (m *PositionMonitor) priceFailure(t *tracked, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m.failLocked(t, "price", err)
}

// evaluate обрабатывает позицию по цене. Возвращает нереализованный PNL,
// если позиция осталась открытой.
func (m *PositionMonitor) evaluate(ctx context.Context, t *tracked, price float64) (float64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if IsTerminal(t.state) {
		return 0, false
	}
	p := t.pos
	p.CurrentPrice = price

	if p.IsManual() {
		p.TrackExtremes(price)
		return p.UnrealizedPnL(price), true
	}

	settings := m.userSettings(p.UserID)
	failed := false

	if !p.HasProtection() {
		m.autoProtectLocked(t, settings)
	}

	switch {
	case p.StopLossHit(price):
		failed = !m.closeLocked(ctx, t, price, models.CloseReasonStopLoss)
	case p.TakeProfitHit(price):
		failed = !m.closeLocked(ctx, t, price, models.CloseReasonTakeProfit)
	default:
		acted := false
		if settings.PartialTPEnabled {
			acted, failed = m.partialTPLocked(ctx, t, price)
		}
		if !acted && settings.TimeExitEnabled && m.timeExitDue(p, price, settings) {
			acted = true
			failed = !m.closeLocked(ctx, t, price, models.CloseReasonTimeExit)
		}
		if !acted && settings.TrailingEnabled && m.risk != nil {
			m.trailLocked(t, price)
		}
	}

	if IsTerminal(t.state) {
		return 0, false
	}
	if t.dirty && !failed {
		failed = !m.flushLocked(ctx, t)
	}
	if !failed {
		t.failures = 0
	}
	return p.UnrealizedPnL(price), !IsTerminal(t.state)
}

// ClosePosition закрывает позицию по запросу (API, сигнал close).
// Ждет блокировку позиции, в отличие от тика монитора.
func (m *PositionMonitor) ClosePosition(ctx context.Context, id int64, price float64, reason string) (*CloseResult, error) {
	t := m.get(id)
	if t == nil {
		return m.closeUntracked(ctx, id, price, reason)
	}

	// блокировка позиции берется до t.mu: пока ждем ее, тик и Tracked не блокируются
	guard, err := m.locks.Acquire(ctx, t.symbol, t.userID)
	if err != nil {
		return nil, err
	}
	defer guard.Release()

	t.mu.Lock()
	defer t.mu.Unlock()
	if IsTerminal(t.state) {
		return nil, tradeerr.Conflict("monitor.close", ErrPositionClosed)
	}
	if price <= 0 {
		price = t.pos.CurrentPrice
	}
	return m.close(ctx, t, price, reason, guard)
}

func (m *PositionMonitor) closeUntracked(ctx context.Context, id int64, price float64, reason string) (*CloseResult, error) {
	ps, err := m.store.ListOpen(ctx, "")
	if err != nil {
		return nil, err
	}
	var p *models.Position
	for _, cand := range ps {
		if cand.ID == id {
			p = cand
			break
		}
	}
	if p == nil {
		return nil, tradeerr.Conflict("monitor.close", ErrPositionClosed)
	}

	guard, err := m.locks.Acquire(ctx, p.Symbol, p.UserID)
	if err != nil {
		return nil, err
	}
	defer guard.Release()

	res, err := m.store.ClosePosition(ctx, CloseRequest{PositionID: id, Reason: reason, Price: price})
	if err != nil {
		return nil, err
	}
	m.recordClose(res.Position, res.Position.RealizedPnL)
	return res, nil
}

// ============================================================
// Правила
// ============================================================

func (m *PositionMonitor) userSettings(userID string) models.RiskSettings {
	if m.settings == nil {
		return models.DefaultRiskSettings(userID)
	}
	return m.settings.Get(userID)
}

// autoProtectLocked выставляет недостающие SL/TP из настроек пользователя с учетом плеча
func (m *PositionMonitor) autoProtectLocked(t *tracked, settings models.RiskSettings) {
	p := t.pos
	lv := risk.AutoProtectLevels(p, settings)
	if p.StopLoss <= 0 {
		p.StopLoss = lv.StopLoss
	}
	if p.TakeProfit <= 0 {
		p.TakeProfit = lv.TakeProfit
	}
	t.dirty = true
	m.log.Info("auto-protect applied",
		utils.PositionID(p.ID), utils.Symbol(p.Symbol),
		utils.Float64("stop_loss", p.StopLoss), utils.Float64("take_profit", p.TakeProfit),
		utils.Float64("leverage", p.Leverage))
}

// partialTPLocked исполняет следующий уровень частичного TP.
// acted - уровень достигнут (даже если закрытие не удалось).
func (m *PositionMonitor) partialTPLocked(ctx context.Context, t *tracked, price float64) (acted, failed bool) {
	p := t.pos
	if t.nextLevel >= len(m.cfg.PartialTP) {
		return false, false
	}
	level := m.cfg.PartialTP[t.nextLevel]
	if p.ProfitPercent(price) < level.ProfitPercent {
		return false, false
	}

	base := p.OriginalQuantity
	if base <= 0 {
		base = p.Quantity
	}
	qty := utils.Min(base*level.ClosePercent/100, p.Quantity)
	if qty <= 0 {
		return false, false
	}

	if p.Quantity-qty <= qtyEpsilon {
		// последний уровень забирает остаток
		return true, !m.closeLocked(ctx, t, price, models.CloseReasonPartialTP)
	}

	guard, ok := m.tryLock(ctx, t)
	if !ok {
		return true, false
	}
	defer guard.Release()

	prev := t.state
	m.transitionLocked(t, StatePartialTPTriggered)
	newSL := m.lockInStop(p, t.nextLevel, price)

	opCtx, cancel := m.opContext(ctx)
	defer cancel()
	res, err := m.store.ReducePosition(opCtx, ReduceRequest{
		PositionID:  p.ID,
		Quantity:    qty,
		Price:       price,
		NewStopLoss: newSL,
		Reason:      models.CloseReasonPartialTP,
	})
	if err != nil {
		m.transitionLocked(t, prev)
		if m.closedElsewhere(t, err) {
			return true, false
		}
		m.failLocked(t, "close", err)
		m.publish(t, EventCloseFailed, price, 0, models.CloseReasonPartialTP, err)
		return true, true
	}

	p.Quantity = res.Position.Quantity
	p.RealizedPnL = res.Position.RealizedPnL
	if newSL > 0 {
		p.StopLoss = newSL
	}
	t.nextLevel++
	m.transitionLocked(t, prev)

	m.log.Info("partial take-profit executed",
		utils.PositionID(p.ID), utils.Symbol(p.Symbol), utils.Int("level", t.nextLevel),
		utils.Quantity(qty), utils.Price(price), utils.PNL(res.PnL),
		utils.Float64("remaining", p.Quantity), utils.Float64("stop_loss", p.StopLoss))
	m.publish(t, EventPartialTP, price, res.PnL, models.CloseReasonPartialTP, nil)
	return true, false
}

// lockInStop возвращает новый SL после частичного TP уровня level или 0.
// После первого уровня SL переносится в безубыток, после следующих фиксирует
// 50%, 75% ... (не более 90%) текущей прибыли.
func (m *PositionMonitor) lockInStop(p *models.Position, level int, price float64) float64 {
	if p.StopLoss <= 0 {
		return 0
	}
	target := p.EntryPrice
	if level > 0 {
		frac := utils.Min(lockInStart+float64(level-1)*lockInStep, lockInMax)
		target = p.EntryPrice + (price-p.EntryPrice)*frac
	}
	if p.IsLong() && target > p.StopLoss {
		return target
	}
	if !p.IsLong() && target < p.StopLoss {
		return target
	}
	return 0
}

// timeExitDue - время удержания вышло и позиция в прибыли,
// либо удержание превысило MaxHold * ForceExitMultiplier
func (m *PositionMonitor) timeExitDue(p *models.Position, price float64, settings models.RiskSettings) bool {
	maxHold := time.Duration(settings.MaxHoldHours * float64(time.Hour))
	if maxHold <= 0 {
		maxHold = m.cfg.DefaultMaxHold
	}
	if maxHold <= 0 || p.OpenedAt.IsZero() {
		return false
	}
	held := p.HoldDuration(m.now())
	if held < maxHold {
		return false
	}
	if p.ProfitPercent(price) > 0 {
		return true
	}
	if m.cfg.ForceExitMultiplier > 0 && held >= time.Duration(float64(maxHold)*m.cfg.ForceExitMultiplier) {
		m.log.Warn("forced time exit in loss",
			utils.PositionID(p.ID), utils.Symbol(p.Symbol), utils.Duration("held", held))
		return true
	}
	return false
}

// trailLocked подтягивает SL. Стоп двигается только в сторону прибыли.
func (m *PositionMonitor) trailLocked(t *tracked, price float64) {
	p := t.pos
	res := m.risk.TrailingStop(p, price)
	if res.Peak != p.PeakPrice || res.Trough != p.TroughPrice {
		p.PeakPrice, p.TroughPrice = res.Peak, res.Trough
	}
	if !res.Updated {
		return
	}
	if !m.transitionLocked(t, StateTrailingAdjusted) {
		return
	}

	old := p.StopLoss
	p.StopLoss = res.StopLoss
	t.dirty = true
	TrailingAdjustments.WithLabelValues(p.Symbol).Inc()
	m.log.Info("trailing stop adjusted",
		utils.PositionID(p.ID), utils.Symbol(p.Symbol), utils.Price(price),
		utils.Float64("old_sl", old), utils.Float64("new_sl", p.StopLoss),
		utils.Float64("profit_pct", res.ProfitPercent), utils.Float64("distance_pct", res.DistancePercent))
	m.publish(t, EventTrailingAdjusted, price, 0, "", nil)
}

// ============================================================
// Изменения позиции
// ============================================================

func (m *PositionMonitor) tryLock(ctx context.Context, t *tracked) (*lock.Guard, bool) {
	guard, err := m.locks.TryAcquire(ctx, t.pos.Symbol, t.pos.UserID)
	if err != nil {
		if !tradeerr.IsConflict(err) {
			m.failLocked(t, "lock", err)
		} else {
			m.log.Debug("position locked by another operation, retry next tick",
				utils.PositionID(t.pos.ID), utils.Symbol(t.pos.Symbol))
		}
		return nil, false
	}
	return guard, true
}

// opContext не наследует отмену: начатая операция должна завершиться
func (m *PositionMonitor) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), m.cfg.OpTimeout)
}

// flushLocked сохраняет SL/TP и экстремумы
func (m *PositionMonitor) flushLocked(ctx context.Context, t *tracked) bool {
	guard, ok := m.tryLock(ctx, t)
	if !ok {
		return true
	}
	defer guard.Release()

	opCtx, cancel := m.opContext(ctx)
	defer cancel()
	if err := m.store.UpdateProtection(opCtx, t.pos); err != nil {
		if m.closedElsewhere(t, err) {
			return true
		}
		m.failLocked(t, "protect", err)
		return false
	}
	t.dirty = false
	return true
}

// closeLocked закрывает позицию из тика. false - закрытие не удалось.
func (m *PositionMonitor) closeLocked(ctx context.Context, t *tracked, price float64, reason string) bool {
	_, err := m.close(ctx, t, price, reason, nil)
	return err == nil || tradeerr.IsConflict(err)
}

// close закрывает позицию целиком под блокировкой.
// held - уже взятая блокировка позиции; nil - попытка без ожидания,
// ждать блокировку под t.mu нельзя.
// Если на бирже позиции уже нет, закрывает только запись (exchange_sync).
func (m *PositionMonitor) close(ctx context.Context, t *tracked, price float64, reason string, held *lock.Guard) (*CloseResult, error) {
	p := t.pos
	if held == nil {
		guard, ok := m.tryLock(ctx, t)
		if !ok {
			return nil, tradeerr.Conflict("monitor.close", lock.ErrLocked)
		}
		defer guard.Release()
	}

	prev := t.state
	if prev == StatePartialTPTriggered {
		prev = StateActive
	}
	if !m.transitionLocked(t, StateClosing) {
		return nil, tradeerr.Conflict("monitor.close", ErrPositionClosed)
	}

	opCtx, cancel := m.opContext(ctx)
	defer cancel()

	req := CloseRequest{PositionID: p.ID, Reason: reason, Price: price}
	res, err := m.store.ClosePosition(opCtx, req)
	if err != nil && errors.Is(err, exchange.ErrPositionNotFound) {
		m.log.Warn("position already gone on exchange, closing record only",
			utils.PositionID(p.ID), utils.Symbol(p.Symbol), utils.Reason(reason))
		req.SkipExchange = true
		req.Reason = models.CloseReasonExchangeSync
		res, err = m.store.ClosePosition(opCtx, req)
	}
	if err != nil {
		if m.closedElsewhere(t, err) {
			return nil, err
		}
		m.transitionLocked(t, prev)
		m.failLocked(t, "close", err)
		m.publish(t, EventCloseFailed, price, 0, reason, err)
		return nil, err
	}

	m.finishLocked(t, res, req.Reason)
	return res, nil
}

// finishLocked завершает жизненный цикл позиции после полного закрытия
func (m *PositionMonitor) finishLocked(t *tracked, res *CloseResult, reason string) {
	m.transitionLocked(t, StateClosed)
	t.pos = res.Position.Clone()
	m.Untrack(t.id)

	total := res.Position.RealizedPnL
	m.log.Info("position closed by monitor",
		utils.PositionID(t.pos.ID), utils.Symbol(t.pos.Symbol), utils.UserID(t.pos.UserID),
		utils.Reason(reason), utils.Price(t.pos.ClosePrice), utils.PNL(res.PnL),
		utils.Float64("total_pnl", total))
	m.recordClose(t.pos, total)
	m.publish(t, EventClosed, t.pos.ClosePrice, total, reason, nil)
}

// recordClose сообщает итоговый PNL позиции учету убытка и экспозиции
func (m *PositionMonitor) recordClose(p *models.Position, total float64) {
	if m.losses != nil {
		m.losses.RecordTrade(p.UserID, total, total > 0)
	}
	if m.exposure != nil {
		m.exposure.OnPositionClosed(p, total)
	}
}

// closedElsewhere - позиция уже закрыта другим путем: прекращаем отслеживание
func (m *PositionMonitor) closedElsewhere(t *tracked, err error) bool {
	if !errors.Is(err, ErrPositionClosed) {
		return false
	}
	m.log.Info("position already closed, untracking",
		utils.PositionID(t.pos.ID), utils.Symbol(t.pos.Symbol))
	t.state = StateClosed
	m.Untrack(t.id)
	return true
}

// transitionLocked меняет состояние, если переход допустим
func (m *PositionMonitor) transitionLocked(t *tracked, to string) bool {
	if t.state == to && to != StateTrailingAdjusted {
		return true
	}
	if !CanTransition(t.state, to) {
		m.log.Warn("invalid monitor transition",
			utils.PositionID(t.pos.ID), utils.String("from", t.state), utils.String("to", to))
		return false
	}
	t.state = to
	return true
}

// failLocked учитывает ошибку. После MaxFailures подряд - эскалация,
// позиция при этом остается в мониторинге.
func (m *PositionMonitor) failLocked(t *tracked, kind string, err error) {
	t.failures++
	MonitorFailures.WithLabelValues(kind).Inc()

	fields := []utils.Field{
		utils.PositionID(t.pos.ID), utils.Symbol(t.pos.Symbol), utils.String("kind", kind),
		utils.Int("failures", t.failures), utils.Err(err),
	}
	switch {
	case m.cfg.MaxFailures > 0 && t.failures == m.cfg.MaxFailures:
		m.log.Error("position keeps failing, manual attention required", fields...)
	case kind == "price":
		m.priceWarn.Do(func() { m.log.Warn("price fetch failed", fields...) })
	default:
		m.log.Warn("monitor operation failed, retry next tick", fields...)
	}
}

// ============================================================
// Синхронизация с биржей
// ============================================================

// Sync сверяет отслеживаемые позиции с позициями аккаунта биржи:
// позиции биржи без записи принимаются (source=external, с автозащитой),
// позиции бота, которых нет на бирже, закрываются с причиной exchange_sync.
func (m *PositionMonitor) Sync(ctx context.Context) error {
	if m.cfg.SyncUserID == "" {
		return nil
	}
	remote, err := m.gateway.GetPositions(ctx)
	if err != nil {
		m.syncFailures++
		MonitorFailures.WithLabelValues("sync").Inc()
		if m.syncFailures == m.cfg.MaxFailures {
			m.log.Error("exchange position sync keeps failing", utils.Int("failures", m.syncFailures), utils.Err(err))
		}
		return err
	}
	m.syncFailures = 0

	key := func(symbol, side string) string { return models.NormalizeSymbol(symbol) + "|" + side }
	onExchange := make(map[string]*exchange.PositionInfo, len(remote))
	for _, rp := range remote {
		if rp.Size > 0 {
			onExchange[key(rp.Symbol, rp.Side)] = rp
		}
	}

	local := make(map[string]*tracked)
	for _, t := range m.snapshot() {
		if t.userID != m.cfg.SyncUserID {
			continue
		}
		t.mu.Lock()
		if !IsTerminal(t.state) {
			local[key(t.symbol, t.pos.Side)] = t
		}
		t.mu.Unlock()
	}

	for k, rp := range onExchange {
		if _, ok := local[k]; ok {
			continue
		}
		m.adopt(ctx, rp)
	}

	for k, t := range local {
		if _, ok := onExchange[k]; ok {
			continue
		}
		m.closeMissing(ctx, t)
	}
	return nil
}

func (m *PositionMonitor) adopt(ctx context.Context, rp *exchange.PositionInfo) {
	p := rp.ToPosition(m.cfg.SyncUserID, m.now().UTC())
	if !p.HasProtection() {
		lv := risk.AutoProtectLevels(p, m.userSettings(p.UserID))
		if p.StopLoss <= 0 {
			p.StopLoss = lv.StopLoss
		}
		if p.TakeProfit <= 0 {
			p.TakeProfit = lv.TakeProfit
		}
	}
	if err := m.store.AdoptPosition(ctx, p); err != nil {
		MonitorFailures.WithLabelValues("sync").Inc()
		m.log.Warn("failed to adopt exchange position", utils.Symbol(p.Symbol), utils.Err(err))
		return
	}
	m.log.Info("adopted exchange position",
		utils.PositionID(p.ID), utils.Symbol(p.Symbol), utils.Side(p.Side), utils.Quantity(p.Quantity),
		utils.Float64("stop_loss", p.StopLoss), utils.Float64("take_profit", p.TakeProfit))
	m.Register(p)
}

func (m *PositionMonitor) closeMissing(ctx context.Context, t *tracked) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if IsTerminal(t.state) || t.pos.IsManual() {
		return
	}

	guard, ok := m.tryLock(ctx, t)
	if !ok {
		return
	}
	defer guard.Release()

	if !m.transitionLocked(t, StateClosing) {
		return
	}
	prev := StateActive

	opCtx, cancel := m.opContext(ctx)
	defer cancel()
	res, err := m.store.ClosePosition(opCtx, CloseRequest{
		PositionID:   t.pos.ID,
		Reason:       models.CloseReasonExchangeSync,
		Price:        t.pos.CurrentPrice,
		SkipExchange: true,
	})
	if err != nil {
		if m.closedElsewhere(t, err) {
			return
		}
		m.transitionLocked(t, prev)
		m.failLocked(t, "sync", err)
		return
	}
	m.finishLocked(t, res, models.CloseReasonExchangeSync)
}

// ============================================================
// Вспомогательные
// ============================================================

// levelsDone - сколько уровней частичного TP уже пройдено, по закрытой доле
func (m *PositionMonitor) levelsDone(p *models.Position) int {
	if p.OriginalQuantity <= 0 || p.Quantity >= p.OriginalQuantity {
		return 0
	}
	closedPct := (1 - p.Quantity/p.OriginalQuantity) * 100
	done, cum := 0, 0.0
	for _, l := range m.cfg.PartialTP {
		cum += l.ClosePercent
		if cum > closedPct+0.01 {
			break
		}
		done++
	}
	return done
}

func (m *PositionMonitor) publish(t *tracked, typ string, price, pnl float64, reason string, err error) {
	if m.events == nil {
		return
	}
	ev := PositionEvent{
		Type:       typ,
		PositionID: t.pos.ID,
		UserID:     t.pos.UserID,
		Symbol:     t.pos.Symbol,
		State:      t.state,
		Price:      price,
		PnL:        pnl,
		Reason:     reason,
		Position:   t.pos.Clone(),
		At:         m.now().UTC(),
	}
	if err != nil {
		ev.Error = err.Error()
	}
	m.events.Publish(ev)
}

func (m *PositionMonitor) updateGauge() {
	counts := make(map[string]int, len(AllStates))
	for _, t := range m.snapshot() {
		t.mu.Lock()
		counts[t.state]++
		t.mu.Unlock()
	}
	UpdateMonitoredPositions(counts)
}
