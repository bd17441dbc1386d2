package limits

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"tradecore/internal/models"
	"tradecore/pkg/utils"
)

// LossConfig - лимиты дневного убытка.
// MaxDailyLossPct/MaxDailyLossUSD берутся из RiskSettings пользователя, если есть SettingsProvider.
type LossConfig struct {
	MaxDailyLossPct      float64
	MaxDailyLossUSD      float64
	MaxConsecutiveLosses int
	Cooldown             time.Duration // пауза после серии убытков
	MaxDailyTrades       int
	WarnAtPercent        float64 // предупреждение при такой доле лимита
}

// DefaultLossConfig возвращает лимиты по умолчанию
func DefaultLossConfig() LossConfig {
	return LossConfig{
		MaxDailyLossPct:      5,
		MaxDailyLossUSD:      500,
		MaxConsecutiveLosses: 3,
		Cooldown:             4 * time.Hour,
		MaxDailyTrades:       50,
		WarnAtPercent:        70,
	}
}

// SettingsProvider - источник риск-настроек пользователя (config.SettingsStore)
type SettingsProvider interface {
	Get(userID string) models.RiskSettings
}

// DailyState - дневное состояние пользователя
type DailyState struct {
	UserID            string    `json:"user_id"`
	Day               time.Time `json:"date"`
	RealizedPnL       float64   `json:"realized_pnl"`
	UnrealizedPnL     float64   `json:"unrealized_pnl"`
	Trades            int       `json:"trades_count"`
	Wins              int       `json:"wins"`
	Losses            int       `json:"losses"`
	PeakPnL           float64   `json:"peak_pnl"`
	MaxDrawdown       float64   `json:"max_drawdown"`
	ConsecutiveLosses int       `json:"consecutive_losses"`
	BlockedUntil      time.Time `json:"block_until,omitempty"`
	BlockedReason     string    `json:"blocked_reason,omitempty"`
	BlockedLimit      string    `json:"blocked_limit,omitempty"`
}

// TotalPnL - реализованный + нереализованный PNL дня
func (s *DailyState) TotalPnL() float64 {
	return s.RealizedPnL + s.UnrealizedPnL
}

// CurrentLoss - текущий убыток дня (положительное число или 0)
func (s *DailyState) CurrentLoss() float64 {
	if t := s.TotalPnL(); t < 0 {
		return -t
	}
	return 0
}

func (s *DailyState) trackDrawdown() {
	total := s.TotalPnL()
	if total > s.PeakPnL {
		s.PeakPnL = total
	}
	if dd := s.PeakPnL - total; dd > s.MaxDrawdown {
		s.MaxDrawdown = dd
	}
}

// LossStore - хранилище дневного состояния
type LossStore interface {
	Load(userID string) (*DailyState, error) // nil, nil если состояния нет
	Save(s *DailyState) error
}

// DailyLossTracker - автомат отключения торговли по дневному убытку
type DailyLossTracker struct {
	cfg      LossConfig
	settings SettingsProvider
	store    LossStore
	log      *utils.Logger
	now      func() time.Time

	mu    sync.Mutex
	users map[string]*DailyState
}

// NewDailyLossTracker создает трекер. settings и store могут быть nil.
func NewDailyLossTracker(cfg LossConfig, settings SettingsProvider, store LossStore, log *utils.Logger) *DailyLossTracker {
	return &DailyLossTracker{
		cfg:      cfg,
		settings: settings,
		store:    store,
		log:      log.WithComponent("daily_loss"),
		now:      time.Now,
		users:    make(map[string]*DailyState),
	}
}

// stateLocked возвращает состояние текущего дня UTC.
// При смене дня счетчики дня обнуляются, серия убытков и пауза сохраняются.
func (t *DailyLossTracker) stateLocked(userID string, now time.Time) *DailyState {
	day := utils.GetDayStartFrom(now)
	st, ok := t.users[userID]
	if ok && st.Day.Equal(day) {
		return st
	}

	fresh := &DailyState{UserID: userID, Day: day}
	if ok {
		fresh.ConsecutiveLosses = st.ConsecutiveLosses
		if st.BlockedLimit == LimitConsecutiveLosses && now.Before(st.BlockedUntil) {
			fresh.BlockedUntil, fresh.BlockedReason, fresh.BlockedLimit = st.BlockedUntil, st.BlockedReason, st.BlockedLimit
		}
	}
	t.users[userID] = fresh
	return fresh
}

func (t *DailyLossTracker) limits(userID string) (pct, usd float64) {
	pct, usd = t.cfg.MaxDailyLossPct, t.cfg.MaxDailyLossUSD
	if t.settings != nil {
		s := t.settings.Get(userID)
		if s.MaxDailyLossPct > 0 {
			pct = s.MaxDailyLossPct
		}
		if s.MaxDailyLossUSD > 0 {
			usd = s.MaxDailyLossUSD
		}
	}
	return pct, usd
}

// CanOpenNewTrade проверяет дневные лимиты пользователя при капитале equity
func (t *DailyLossTracker) CanOpenNewTrade(userID string, equity float64) LimitDecision {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	st := t.stateLocked(userID, now)
	log := t.log.With(utils.UserID(userID))

	if now.Before(st.BlockedUntil) {
		return deny(st.BlockedLimit, st.BlockedUntil.Sub(now), "%s, %s remaining",
			st.BlockedReason, utils.FormatDuration(st.BlockedUntil.Sub(now)))
	}
	if !st.BlockedUntil.IsZero() {
		log.Info("trading pause expired", utils.Reason(st.BlockedReason))
		st.BlockedUntil, st.BlockedReason, st.BlockedLimit = time.Time{}, "", ""
	}

	nextDay := st.Day.Add(24 * time.Hour)

	if st.Trades >= t.cfg.MaxDailyTrades {
		return t.blockLocked(st, LimitDailyTrades, nextDay, "max daily trades (%d) reached", t.cfg.MaxDailyTrades)
	}

	if st.ConsecutiveLosses >= t.cfg.MaxConsecutiveLosses {
		n := st.ConsecutiveLosses
		st.ConsecutiveLosses = 0
		return t.blockLocked(st, LimitConsecutiveLosses, now.Add(t.cfg.Cooldown), "%d consecutive losses", n)
	}

	maxPct, maxUSD := t.limits(userID)
	loss := st.CurrentLoss()
	var lossPct float64
	if equity > 0 {
		lossPct = loss / equity * 100
	}

	if lossPct >= maxPct {
		return t.blockLocked(st, LimitDailyLossPct, nextDay, "daily loss %.2f%% reached limit %.2f%%", lossPct, maxPct)
	}
	if loss >= maxUSD {
		return t.blockLocked(st, LimitDailyLossUSD, nextDay, "daily loss %.2f reached limit %.2f", loss, maxUSD)
	}

	if lossPct >= maxPct*t.cfg.WarnAtPercent/100 {
		log.Warn("approaching daily loss limit",
			utils.Float64("loss_pct", lossPct), utils.Float64("limit_pct", maxPct))
	}
	return Allow()
}

func (t *DailyLossTracker) blockLocked(st *DailyState, limit string, until time.Time, format string, args ...interface{}) LimitDecision {
	d := deny(limit, until.Sub(t.now()), format, args...)
	st.BlockedUntil, st.BlockedReason, st.BlockedLimit = until, d.Reason, limit
	t.log.Warn("trading blocked",
		utils.UserID(st.UserID), utils.Decision("daily_loss"), utils.Reason(d.Reason),
		utils.Time("until", until))
	t.persistLocked(st)
	return d
}

// RecordTrade фиксирует результат закрытой сделки. Выигрыш сбрасывает серию убытков.
func (t *DailyLossTracker) RecordTrade(userID string, pnl float64, isWin bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st := t.stateLocked(userID, t.now())
	st.RealizedPnL += pnl
	st.Trades++
	if isWin {
		st.Wins++
		st.ConsecutiveLosses = 0
	} else {
		st.Losses++
		st.ConsecutiveLosses++
	}
	st.trackDrawdown()

	t.log.Info("trade result recorded",
		utils.UserID(userID), utils.PNL(pnl),
		utils.Float64("daily_pnl", st.RealizedPnL),
		utils.Int("consecutive_losses", st.ConsecutiveLosses))
	t.persistLocked(st)
}

// UpdateUnrealized обновляет нереализованный PNL открытых позиций
func (t *DailyLossTracker) UpdateUnrealized(userID string, pnl float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.stateLocked(userID, t.now())
	st.UnrealizedPnL = pnl
	st.trackDrawdown()
}

// Unblock снимает паузу вручную
func (t *DailyLossTracker) Unblock(userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.stateLocked(userID, t.now())
	st.BlockedUntil, st.BlockedReason, st.BlockedLimit = time.Time{}, "", ""
	st.ConsecutiveLosses = 0
	t.log.Info("trading unblocked", utils.UserID(userID))
	t.persistLocked(st)
}

// Summary возвращает копию дневного состояния
func (t *DailyLossTracker) Summary(userID string) DailyState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return *t.stateLocked(userID, t.now())
}

// Restore загружает состояние пользователя, если оно за текущий день
func (t *DailyLossTracker) Restore(userID string) error {
	if t.store == nil {
		return nil
	}
	st, err := t.store.Load(userID)
	if err != nil || st == nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	if !utils.SameDay(st.Day, now) {
		return nil
	}
	if !now.Before(st.BlockedUntil) {
		st.BlockedUntil, st.BlockedReason, st.BlockedLimit = time.Time{}, "", ""
	}
	st.UserID = userID
	st.Day = utils.GetDayStartFrom(now)
	t.users[userID] = st
	t.log.Info("daily loss state restored",
		utils.UserID(userID), utils.Float64("realized_pnl", st.RealizedPnL), utils.Int("trades", st.Trades))
	return nil
}

func (t *DailyLossTracker) persistLocked(st *DailyState) {
	if t.store == nil {
		return
	}
	dup := *st
	if err := t.store.Save(&dup); err != nil {
		t.log.Warn("failed to persist daily loss state", utils.UserID(st.UserID), utils.Err(err))
	}
}

// FileLossStore хранит состояние в JSON-файлах daily_loss_<user>.json
type FileLossStore struct {
	dir string
}

// NewFileLossStore создает хранилище в каталоге dir
func NewFileLossStore(dir string) (*FileLossStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &FileLossStore{dir: dir}, nil
}

func (f *FileLossStore) path(userID string) string {
	return filepath.Join(f.dir, "daily_loss_"+utils.SafeFileName(userID, 50)+".json")
}

// Load читает состояние пользователя
func (f *FileLossStore) Load(userID string) (*DailyState, error) {
	var st DailyState
	found, err := utils.ReadJSONFile(f.path(userID), &st)
	if err != nil || !found {
		return nil, err
	}
	return &st, nil
}

// Save записывает состояние пользователя
func (f *FileLossStore) Save(s *DailyState) error {
	return utils.WriteJSONFile(f.path(s.UserID), s)
}
