package bot

import (
	"context"
	"fmt"
	"time"

	"tradecore/pkg/utils"
)

// RecoveryManager восстанавливает состояние ядра после перезапуска процесса.
//
// Шаги:
// 1. Состояние дедупликации (чтобы не исполнить уже исполненный сигнал)
// 2. Дневное состояние лимита убытка (серия убытков, пауза)
// 3. Открытые позиции из БД регистрируются в мониторе
// 4. Сверка с биржей: чужие позиции принимаются, пропавшие закрываются
//
// Ошибка одного шага не отменяет остальные: все ошибки собираются в результат.
type RecoveryManager struct {
	engine  *Engine
	monitor *PositionMonitor
	users   []string
	timeout time.Duration
	log     *utils.Logger
}

// RecoveryConfig - конфигурация восстановления
type RecoveryConfig struct {
	Users   []string
	Timeout time.Duration // таймаут на шаги с вводом-выводом
}

// DefaultRecoveryConfig возвращает конфигурацию по умолчанию
func DefaultRecoveryConfig() RecoveryConfig {
	return RecoveryConfig{Timeout: 30 * time.Second}
}

// NewRecoveryManager создает менеджер восстановления
func NewRecoveryManager(cfg RecoveryConfig, engine *Engine, monitor *PositionMonitor, log *utils.Logger) *RecoveryManager {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultRecoveryConfig().Timeout
	}
	return &RecoveryManager{
		engine:  engine,
		monitor: monitor,
		users:   cfg.Users,
		timeout: cfg.Timeout,
		log:     log.WithComponent("recovery"),
	}
}

// RecoveryResult - итог восстановления
type RecoveryResult struct {
	UsersRestored   int
	PositionsLoaded int
	Tracked         int // после сверки с биржей
	Errors          []error
}

// Recover выполняет восстановление. Возвращает ошибку, только если
// не удалось загрузить открытые позиции: без них монитор не защищает позиции.
func (rm *RecoveryManager) Recover(ctx context.Context) (*RecoveryResult, error) {
	res := &RecoveryResult{}
	ctx, cancel := context.WithTimeout(ctx, rm.timeout)
	defer cancel()

	now := rm.engine.now().UTC()
	for _, userID := range rm.users {
		ok := true
		if err := rm.engine.dedup.Restore(userID, now); err != nil {
			ok = false
			res.Errors = append(res.Errors, fmt.Errorf("restore dedup state for %s: %w", userID, err))
		}
		if err := rm.engine.losses.Restore(userID); err != nil {
			ok = false
			res.Errors = append(res.Errors, fmt.Errorf("restore daily loss state for %s: %w", userID, err))
		}
		if ok {
			res.UsersRestored++
		}
	}

	n, err := rm.monitor.LoadOpen(ctx)
	if err != nil {
		res.Errors = append(res.Errors, err)
		rm.log.Error("failed to load open positions", utils.Err(err))
		return res, fmt.Errorf("load open positions: %w", err)
	}
	res.PositionsLoaded = n

	if err := rm.monitor.Sync(ctx); err != nil {
		res.Errors = append(res.Errors, fmt.Errorf("sync with exchange: %w", err))
	}
	res.Tracked = rm.monitor.Count()

	for _, e := range res.Errors {
		rm.log.Warn("recovery step failed", utils.Err(e))
	}
	rm.log.Info("recovery complete",
		utils.Int("users", res.UsersRestored), utils.Int("positions_loaded", res.PositionsLoaded),
		utils.Int("tracked", res.Tracked), utils.Int("errors", len(res.Errors)))
	return res, nil
}
