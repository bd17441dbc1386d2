package bot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"tradecore/internal/dedup"
	"tradecore/internal/exchange"
	"tradecore/internal/limits"
	"tradecore/internal/lock"
	"tradecore/internal/models"
	"tradecore/internal/risk"
	"tradecore/internal/tradeerr"
	"tradecore/pkg/utils"
)

// Решения движка по сигналу (поле decision в логах, метка result в метриках)
const (
	DecisionExecuted     = "executed"
	DecisionClosed       = "closed"
	DecisionHold         = "hold"
	DecisionDuplicate    = "duplicate"
	DecisionRateLimit    = "rate_limit"
	DecisionDailyLoss    = "daily_loss"
	DecisionRisk         = "risk"
	DecisionExchangeMin  = "exchange_minimum"
	DecisionCapital      = "capital"
	DecisionPositionOpen = "position_open"
	DecisionNoPosition   = "no_position"
	DecisionHalted       = "halted"
	DecisionFailed       = "failed"
	DecisionDLQ          = "dlq"
)

// ErrRejected - сигнал отклонен лимитом или риск-менеджером
var ErrRejected = errors.New("signal rejected")

// TradeExecutor открывает позицию атомарно (TransactionManager)
type TradeExecutor interface {
	OpenPosition(ctx context.Context, req OpenRequest) (*TradeResult, error)
}

// DeadLetters принимает сигналы, исполнение которых не удалось (dlq.Queue)
type DeadLetters interface {
	AddFailedSignal(ctx context.Context, s *models.Signal, cause error) (string, error)
}

// SignalSource - внешний источник сигналов
type SignalSource interface {
	Fetch(ctx context.Context, userID string) ([]*models.Signal, error)
}

// EngineConfig - параметры оркестратора
type EngineConfig struct {
	Users         []string      // пользователи, для которых крутится цикл
	CycleInterval time.Duration // период торгового цикла
	OpTimeout     time.Duration // таймаут открытия, не наследующий отмену
}

// DefaultEngineConfig возвращает параметры по умолчанию
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		CycleInterval: 60 * time.Second,
		OpTimeout:     30 * time.Second,
	}
}

// EngineDeps - зависимости движка. Source и DLQ могут быть nil.
type EngineDeps struct {
	Source   SignalSource
	Dedup    *dedup.Deduplicator
	Rate     *limits.RateLimiter
	Losses   *limits.DailyLossTracker
	Risk     *risk.Manager
	Locks    *lock.Manager
	Trades   TradeExecutor
	Monitor  *PositionMonitor
	DLQ      DeadLetters
	Capital  exchange.CapitalResolver
	Gateway  exchange.Gateway
	Settings SettingsSource
}

// Outcome - итог обработки одного сигнала
type Outcome struct {
	SignalID   string  `json:"signal_id"`
	UserID     string  `json:"user_id"`
	Symbol     string  `json:"symbol"`
	Action     string  `json:"action"`
	Decision   string  `json:"decision"`
	Reason     string  `json:"reason,omitempty"`
	PositionID int64   `json:"position_id,omitempty"`
	Quantity   float64 `json:"quantity,omitempty"`
	DLQEntryID string  `json:"dlq_entry_id,omitempty"`
	Err        error   `json:"-"`
}

// CycleReport - итог торгового цикла пользователя
type CycleReport struct {
	UserID     string    `json:"user_id"`
	Received   int       `json:"received"`
	Duplicates int       `json:"duplicates"`
	Stale      int       `json:"stale"`
	Executed   int       `json:"executed"`
	Outcomes   []Outcome `json:"outcomes"`
}

// Engine - оркестратор торгового цикла.
//
// Поток сигнала:
// источник -> дедупликация -> RateLimiter/DailyLossTracker -> капитал ->
// размер и SL/TP -> блокировка позиции -> атомарное открытие -> монитор.
//
// Ошибки открытия из-за биржи или БД отправляют сигнал в DLQ.
// Фатальная ошибка биржи останавливает торговлю пользователя до Resume.
type Engine struct {
	cfg      EngineConfig
	source   SignalSource
	dedup    *dedup.Deduplicator
	rate     *limits.RateLimiter
	losses   *limits.DailyLossTracker
	risk     *risk.Manager
	locks    *lock.Manager
	trades   TradeExecutor
	monitor  *PositionMonitor
	dlq      DeadLetters
	capital  exchange.CapitalResolver
	gateway  exchange.Gateway
	settings SettingsSource
	log      *utils.Logger
	now      func() time.Time

	// цикл одного пользователя не пересекается сам с собой
	cycleMu sync.Mutex

	mu     sync.RWMutex
	halted map[string]string // user -> причина
}

// NewEngine создает движок
func NewEngine(cfg EngineConfig, deps EngineDeps, log *utils.Logger) *Engine {
	return &Engine{
		cfg:      cfg,
		source:   deps.Source,
		dedup:    deps.Dedup,
		rate:     deps.Rate,
		losses:   deps.Losses,
		risk:     deps.Risk,
		locks:    deps.Locks,
		trades:   deps.Trades,
		monitor:  deps.Monitor,
		dlq:      deps.DLQ,
		capital:  deps.Capital,
		gateway:  deps.Gateway,
		settings: deps.Settings,
		log:      log.WithComponent("engine"),
		now:      time.Now,
		halted:   make(map[string]string),
	}
}

// Run запускает торговый цикл по всем пользователям до отмены ctx.
// Отмена проверяется между циклами и между сигналами.
func (e *Engine) Run(ctx context.Context) error {
	e.log.Info("engine started",
		utils.Int("users", len(e.cfg.Users)), utils.Duration("interval", e.cfg.CycleInterval))

	ticker := time.NewTicker(e.cfg.CycleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.log.Info("engine stopped")
			return ctx.Err()
		case <-ticker.C:
			for _, userID := range e.cfg.Users {
				if ctx.Err() != nil {
					break
				}
				if _, err := e.RunCycle(ctx, userID); err != nil && !errors.Is(err, context.Canceled) {
					e.log.Warn("trading cycle failed", utils.UserID(userID), utils.Err(err))
				}
			}
		}
	}
}

// RunCycle забирает сигналы пользователя у источника, дедуплицирует их
// и обрабатывает по одному на символ
func (e *Engine) RunCycle(ctx context.Context, userID string) (*CycleReport, error) {
	if e.source == nil {
		return nil, errors.New("engine: signal source is not set")
	}
	signals, err := e.source.Fetch(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("fetch signals: %w", err)
	}
	return e.ProcessBatch(ctx, userID, signals)
}

// ProcessBatch проводит пачку сигналов пользователя через дедупликацию и конвейер
func (e *Engine) ProcessBatch(ctx context.Context, userID string, signals []*models.Signal) (*CycleReport, error) {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	report := &CycleReport{UserID: userID, Received: len(signals), Outcomes: make([]Outcome, 0, len(signals))}
	if len(signals) == 0 {
		return report, nil
	}
	log := e.log.WithUser(userID)

	e.rate.StartCycle(userID)
	res := e.dedup.Deduplicate(userID, signals, e.now().UTC())
	report.Duplicates = res.DuplicatesRemoved
	report.Stale = res.StaleRemoved

	for _, s := range signals {
		reason, dropped := res.Reasons[s.ID]
		if !dropped {
			continue
		}
		RecordSignal(DecisionDuplicate)
		log.Info("signal skipped",
			utils.SignalID(s.ID), utils.Symbol(s.Symbol), utils.Decision(DecisionDuplicate), utils.Reason(reason))
		report.Outcomes = append(report.Outcomes, Outcome{
			SignalID: s.ID, UserID: userID, Symbol: s.Symbol, Action: string(s.Action),
			Decision: DecisionDuplicate, Reason: reason,
		})
	}

	for _, s := range res.Signals {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		out := e.process(ctx, s, true)
		if out.Decision == DecisionExecuted {
			report.Executed++
		}
		report.Outcomes = append(report.Outcomes, out)
	}

	log.Info("trading cycle finished",
		utils.Int("received", report.Received), utils.Int("unique", len(res.Signals)),
		utils.Int("duplicates", report.Duplicates), utils.Int("stale", report.Stale),
		utils.Int("upgraded", res.Upgraded), utils.Int("executed", report.Executed))
	return report, nil
}

// ProcessSignal обрабатывает один сигнал без дедупликации пачки.
// Транзитные ошибки открытия отправляют сигнал в DLQ.
func (e *Engine) ProcessSignal(ctx context.Context, s *models.Signal) Outcome {
	return e.process(ctx, s, true)
}

// RetrySignal - повтор из DLQ (dlq.RetryFunc). Сигнал не возвращается в DLQ:
// ошибка уходит очереди, отказ лимита дает Validation и запись не повторяется.
func (e *Engine) RetrySignal(ctx context.Context, s *models.Signal) error {
	out := e.process(ctx, s, false)
	switch out.Decision {
	case DecisionExecuted, DecisionClosed, DecisionHold:
		return nil
	case DecisionDuplicate:
		return tradeerr.Conflict("engine.retry", fmt.Errorf("%w: %s", ErrRejected, out.Reason))
	}
	if out.Err != nil {
		return out.Err
	}
	return tradeerr.Validation("engine.retry", fmt.Errorf("%w: %s: %s", ErrRejected, out.Decision, out.Reason))
}

// Halted возвращает причину остановки торговли пользователя
func (e *Engine) Halted(userID string) (string, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	reason, ok := e.halted[userID]
	return reason, ok
}

// Resume снимает остановку торговли после фатальной ошибки биржи
func (e *Engine) Resume(userID string) {
	e.mu.Lock()
	delete(e.halted, userID)
	e.mu.Unlock()
	e.log.Info("trading resumed", utils.UserID(userID))
}

func (e *Engine) halt(userID string, err error) {
	e.mu.Lock()
	e.halted[userID] = err.Error()
	e.mu.Unlock()
	e.log.Error("trading halted for user: fatal exchange error",
		utils.UserID(userID), utils.Decision(DecisionHalted), utils.Err(err))
}

// ============================================================
// Конвейер сигнала
// ============================================================

func (e *Engine) process(ctx context.Context, s *models.Signal, toDLQ bool) Outcome {
	out := Outcome{SignalID: s.ID, UserID: s.UserID, Symbol: s.Symbol, Action: string(s.Action)}
	log := e.log.With(utils.SignalID(s.ID), utils.UserID(s.UserID), utils.Symbol(s.Symbol))

	if s.UnknownAction {
		log.Warn("unknown signal action treated as hold", utils.String("raw_action", s.RawAction))
	}

	if reason, ok := e.Halted(s.UserID); ok {
		return e.reject(log, out, DecisionHalted, reason)
	}

	switch s.Action {
	case models.ActionClose:
		return e.closeBySignal(ctx, log, s, out)
	case models.ActionBuy, models.ActionSell:
		return e.open(ctx, log, s, out, toDLQ)
	default:
		out.Decision = DecisionHold
		RecordSignal(DecisionHold)
		log.Debug("hold signal, nothing to do", utils.Decision(DecisionHold))
		e.recordProcessed(log, s, false)
		return out
	}
}

func (e *Engine) open(ctx context.Context, log *utils.Logger, s *models.Signal, out Outcome, toDLQ bool) Outcome {
	if p := e.openPosition(s.UserID, s.Symbol); p != nil {
		out.PositionID = p.ID
		return e.reject(log, out, DecisionPositionOpen, fmt.Sprintf("position %d already open", p.ID))
	}

	openCount := len(e.monitor.Tracked(s.UserID))
	if d := e.rate.Check(s.UserID, s.Symbol, openCount); !d.Allowed {
		RecordLimitBlock(d.Limit)
		return e.reject(log, out, DecisionRateLimit, d.String())
	}
	e.rate.RecordSignalsEvaluated(s.UserID, 1)

	capital, err := e.capital.AvailableCapital(ctx, s.UserID)
	if err != nil {
		if errors.Is(err, exchange.ErrNoCapital) {
			return e.reject(log, out, DecisionCapital, err.Error())
		}
		return e.fail(ctx, log, s, out, exchange.Classify("engine.capital", err), toDLQ)
	}

	if d := e.losses.CanOpenNewTrade(s.UserID, capital); !d.Allowed {
		RecordLimitBlock(d.Limit)
		return e.reject(log, out, DecisionDailyLoss, d.String())
	}

	settings := e.userSettings(s.UserID)
	price, err := e.entryPrice(ctx, s)
	if err != nil {
		return e.fail(ctx, log, s, out, err, toDLQ)
	}

	size, err := e.risk.PositionSize(ctx, risk.SizeRequest{
		UserID:     s.UserID,
		Symbol:     s.Symbol,
		Capital:    capital,
		Price:      price,
		Confidence: s.Confidence,
		Settings:   settings,
	})
	if err != nil {
		return e.fail(ctx, log, s, out, err, toDLQ)
	}
	if size.Rejected() {
		decision := DecisionRisk
		if size.Method == risk.MethodRejectedMinimum {
			decision = DecisionExchangeMin
		}
		return e.reject(log, out, decision, size.Method)
	}

	side := s.PositionSide()
	levels, err := e.risk.DynamicSLTP(ctx, risk.SLTPRequest{
		Symbol:   s.Symbol,
		Side:     side,
		Entry:    price,
		SignalSL: s.StopLoss,
		SignalTP: s.TakeProfit,
		Settings: settings,
	})
	if err != nil {
		return e.fail(ctx, log, s, out, err, toDLQ)
	}

	guard, err := e.locks.Acquire(ctx, s.Symbol, s.UserID)
	if err != nil {
		return e.fail(ctx, log, s, out, err, toDLQ)
	}
	defer guard.Release()

	// позиция могла открыться, пока ждали блокировку
	if p := e.openPosition(s.UserID, s.Symbol); p != nil {
		out.PositionID = p.ID
		return e.reject(log, out, DecisionPositionOpen, fmt.Sprintf("position %d already open", p.ID))
	}

	leverage := s.Leverage
	if leverage < 1 {
		leverage = settings.Leverage
	}

	// начатое открытие завершается даже при остановке процесса
	opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.OpTimeout)
	defer cancel()

	res, err := e.trades.OpenPosition(opCtx, OpenRequest{
		SignalID:   s.ID,
		UserID:     s.UserID,
		Symbol:     s.Symbol,
		Side:       side,
		Quantity:   size.Quantity,
		Price:      price,
		StopLoss:   levels.StopLoss,
		TakeProfit: levels.TakeProfit,
		Leverage:   leverage,
	})
	if err != nil {
		if tradeerr.IsConflict(err) {
			// сигнал уже исполнен (уникальный signal_id)
			e.recordProcessed(log, s, true)
			return e.reject(log, out, DecisionDuplicate, "signal already executed")
		}
		return e.fail(ctx, log, s, out, err, toDLQ)
	}

	e.monitor.Register(res.Position)
	e.rate.RecordTrade(s.UserID, s.Symbol)
	e.recordProcessed(log, s, true)
	RecordSignal(DecisionExecuted)

	out.Decision = DecisionExecuted
	out.PositionID = res.Position.ID
	out.Quantity = res.Position.Quantity
	log.Info("signal executed",
		utils.Decision(DecisionExecuted), utils.PositionID(res.Position.ID), utils.Side(side),
		utils.Quantity(res.Position.Quantity), utils.Price(res.Position.EntryPrice),
		utils.Float64("stop_loss", levels.StopLoss), utils.Float64("take_profit", levels.TakeProfit),
		utils.String("size_method", size.Method), utils.String("levels_method", levels.Method))
	return out
}

func (e *Engine) closeBySignal(ctx context.Context, log *utils.Logger, s *models.Signal, out Outcome) Outcome {
	p := e.openPosition(s.UserID, s.Symbol)
	if p == nil {
		e.recordProcessed(log, s, false)
		return e.reject(log, out, DecisionNoPosition, "no open position for "+s.Symbol)
	}
	out.PositionID = p.ID

	res, err := e.monitor.ClosePosition(ctx, p.ID, s.ReferencePrice(), models.CloseReasonSignal)
	if err != nil {
		if tradeerr.IsConflict(err) {
			e.recordProcessed(log, s, false)
			return e.reject(log, out, DecisionNoPosition, "position already closed")
		}
		out.Decision = DecisionFailed
		out.Err = err
		RecordSignal(DecisionFailed)
		// закрытие не уходит в DLQ: монитор продолжает защищать позицию
		log.Warn("close signal failed", utils.Decision(DecisionFailed), utils.PositionID(p.ID), utils.Err(err))
		return out
	}

	e.recordProcessed(log, s, true)
	RecordSignal(DecisionClosed)
	out.Decision = DecisionClosed
	log.Info("position closed by signal",
		utils.Decision(DecisionClosed), utils.PositionID(p.ID), utils.PNL(res.Position.RealizedPnL))
	return out
}

// fail обрабатывает ошибку исполнения: Fatal останавливает пользователя,
// Validation отклоняет сигнал, остальное уходит в DLQ
func (e *Engine) fail(ctx context.Context, log *utils.Logger, s *models.Signal, out Outcome, err error, toDLQ bool) Outcome {
	out.Err = err
	out.Reason = err.Error()

	switch tradeerr.KindOf(err) {
	case tradeerr.KindFatalExchange:
		e.halt(s.UserID, err)
		out.Decision = DecisionFailed
		RecordSignal(DecisionFailed)
		e.recordProcessed(log, s, false)
		return out
	case tradeerr.KindValidation:
		out.Decision = DecisionFailed
		RecordSignal(DecisionFailed)
		log.Warn("signal rejected as invalid", utils.Decision(DecisionFailed), utils.Err(err))
		e.recordProcessed(log, s, false)
		return out
	}

	if !toDLQ || e.dlq == nil {
		out.Decision = DecisionFailed
		RecordSignal(DecisionFailed)
		log.Warn("signal execution failed", utils.Decision(DecisionFailed), utils.Err(err))
		return out
	}

	id, dlqErr := e.dlq.AddFailedSignal(context.WithoutCancel(ctx), s, err)
	if dlqErr != nil {
		out.Decision = DecisionFailed
		RecordSignal(DecisionFailed)
		log.Error("signal execution failed and could not be queued for retry",
			utils.Decision(DecisionFailed), utils.Err(err), utils.String("dlq_error", dlqErr.Error()))
		return out
	}
	out.Decision = DecisionDLQ
	out.DLQEntryID = id
	RecordSignal(DecisionDLQ)
	return out
}

func (e *Engine) reject(log *utils.Logger, out Outcome, decision, reason string) Outcome {
	out.Decision = decision
	out.Reason = reason
	RecordSignal(decision)
	log.Info("signal rejected", utils.Decision(decision), utils.Reason(reason))
	return out
}

func (e *Engine) recordProcessed(log *utils.Logger, s *models.Signal, executed bool) {
	if err := e.dedup.RecordProcessed(s.UserID, s, executed, e.now().UTC()); err != nil {
		log.Warn("failed to persist dedup state", utils.Err(err))
	}
}

// entryPrice - цена из сигнала или последняя цена тикера
func (e *Engine) entryPrice(ctx context.Context, s *models.Signal) (float64, error) {
	if p := s.ReferencePrice(); p > 0 {
		return p, nil
	}
	tk, err := e.gateway.GetTicker(ctx, s.Symbol)
	if err != nil {
		return 0, exchange.Classify("engine.ticker", err)
	}
	if tk == nil || tk.Last <= 0 {
		return 0, tradeerr.TransientExchange("engine.ticker", errors.New("no price for "+s.Symbol))
	}
	return tk.Last, nil
}

// openPosition - отслеживаемая позиция пользователя по символу
func (e *Engine) openPosition(userID, symbol string) *models.Position {
	for _, tp := range e.monitor.Tracked(userID) {
		if tp.Position.Symbol == symbol {
			return tp.Position
		}
	}
	return nil
}

func (e *Engine) userSettings(userID string) models.RiskSettings {
	if e.settings == nil {
		return models.DefaultRiskSettings(userID)
	}
	return e.settings.Get(userID)
}
