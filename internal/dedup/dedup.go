// Package dedup - схлопывание пачки сигналов в один сигнал на символ.
//
// Правила по порядку:
//  1. сигнал старше окна (6h) отбрасывается
//  2. сигнал с уже исполненным ID отбрасывается
//  3. в пачке на символ остается самый поздний сигнал
//  4. выживший сравнивается с последним ИСПОЛНЕННЫМ сигналом по символу:
//     проходит, если сменилось действие, старый сигнал устарел (2h),
//     уверенность выросла больше чем на 0.1 или цена сдвинулась на 1%
//
// Индекс исполненных сигналов сохраняется в Store, чтобы рестарт
// не исполнил повторно сигнал, по которому уже открыта позиция.
package dedup

import (
	"sort"
	"sync"
	"time"

	"tradecore/internal/models"
	"tradecore/pkg/utils"
)

// Config - параметры дедупликации
type Config struct {
	SignalWindow       time.Duration
	StaleThreshold     time.Duration
	ConfidenceUpgrade  float64
	PriceChangePercent float64
}

// DefaultConfig возвращает параметры по умолчанию
func DefaultConfig() Config {
	return Config{
		SignalWindow:       6 * time.Hour,
		StaleThreshold:     2 * time.Hour,
		ConfidenceUpgrade:  0.1,
		PriceChangePercent: 1.0,
	}
}

// Record - обработанный сигнал
type Record struct {
	SignalID    string        `json:"signal_id"`
	Symbol      string        `json:"symbol"`
	Action      models.Action `json:"action"`
	Price       float64       `json:"price"`
	Confidence  float64       `json:"confidence"`
	CreatedAt   time.Time     `json:"created_at"`
	ProcessedAt time.Time     `json:"processed_at"`
	Executed    bool          `json:"was_executed"`
}

// Причины отбрасывания сигнала
const (
	ReasonTooOld          = "too_old"
	ReasonAlreadyExecuted = "already_executed"
	ReasonSuperseded      = "superseded_in_batch"
	ReasonRecentDuplicate = "recent_duplicate"
	ReasonStaleDuplicate  = "stale_duplicate"
)

// Result - результат дедупликации
type Result struct {
	Signals           []*models.Signal // по одному на символ, по убыванию уверенности
	DuplicatesRemoved int
	StaleRemoved      int
	Upgraded          int
	Reasons           map[string]string // signal id -> причина
}

type userState struct {
	processed    map[string]Record // signal id -> запись
	lastBySymbol map[string]Record // только исполненные
}

func newUserState() *userState {
	return &userState{
		processed:    make(map[string]Record),
		lastBySymbol: make(map[string]Record),
	}
}

// Deduplicator - дедупликатор сигналов по пользователям
type Deduplicator struct {
	cfg   Config
	store Store
	log   *utils.Logger

	mu    sync.Mutex
	users map[string]*userState

	// saveMu упорядочивает снимок и запись: более старый снимок не перезапишет новый
	saveMu sync.Mutex
}

// New создает дедупликатор. store может быть nil (без сохранения).
func New(cfg Config, store Store, log *utils.Logger) *Deduplicator {
	return &Deduplicator{
		cfg:   cfg,
		store: store,
		log:   log.WithComponent("dedup"),
		users: make(map[string]*userState),
	}
}

func (d *Deduplicator) user(userID string) *userState {
	st, ok := d.users[userID]
	if !ok {
		st = newUserState()
		d.users[userID] = st
	}
	return st
}

// Deduplicate оставляет по одному сигналу на символ
func (d *Deduplicator) Deduplicate(userID string, signals []*models.Signal, now time.Time) Result {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.pruneLocked(userID, now)
	st := d.user(userID)
	res := Result{Reasons: make(map[string]string)}

	bySymbol := make(map[string]*models.Signal)
	for _, s := range signals {
		if s.Age(now) > d.cfg.SignalWindow {
			res.StaleRemoved++
			res.Reasons[s.ID] = ReasonTooOld
			continue
		}
		if rec, ok := st.processed[s.ID]; ok && rec.Executed {
			res.DuplicatesRemoved++
			res.Reasons[s.ID] = ReasonAlreadyExecuted
			continue
		}
		if cur, ok := bySymbol[s.Symbol]; ok {
			res.DuplicatesRemoved++
			if !s.CreatedAt.After(cur.CreatedAt) {
				res.Reasons[s.ID] = ReasonSuperseded
				continue
			}
			res.Reasons[cur.ID] = ReasonSuperseded
		}
		bySymbol[s.Symbol] = s
	}

	for symbol, s := range bySymbol {
		last, ok := st.lastBySymbol[symbol]
		if !ok {
			continue
		}
		if d.shouldUpgrade(s, last, now) {
			res.Upgraded++
			d.log.Debug("signal upgrades last executed",
				utils.Symbol(symbol), utils.SignalID(s.ID), utils.String("previous", last.SignalID))
			continue
		}
		delete(bySymbol, symbol)
		if s.Age(now) > d.cfg.StaleThreshold {
			res.StaleRemoved++
			res.Reasons[s.ID] = ReasonStaleDuplicate
		} else {
			res.DuplicatesRemoved++
			res.Reasons[s.ID] = ReasonRecentDuplicate
		}
	}

	res.Signals = make([]*models.Signal, 0, len(bySymbol))
	for _, s := range bySymbol {
		res.Signals = append(res.Signals, s)
	}
	sort.SliceStable(res.Signals, func(i, j int) bool {
		if res.Signals[i].Confidence != res.Signals[j].Confidence {
			return res.Signals[i].Confidence > res.Signals[j].Confidence
		}
		return res.Signals[i].Symbol < res.Signals[j].Symbol
	})

	if dropped := res.DuplicatesRemoved + res.StaleRemoved; dropped > 0 {
		d.log.Info("signals deduplicated",
			utils.UserID(userID),
			utils.Int("kept", len(res.Signals)),
			utils.Int("duplicates", res.DuplicatesRemoved),
			utils.Int("stale", res.StaleRemoved),
			utils.Decision("duplicate"))
	}
	return res
}

// shouldUpgrade - новый сигнал достаточно отличается от последнего исполненного
func (d *Deduplicator) shouldUpgrade(s *models.Signal, last Record, now time.Time) bool {
	if s.Action != last.Action {
		return true
	}
	if now.Sub(last.CreatedAt) > d.cfg.StaleThreshold {
		return true
	}
	if s.Confidence-last.Confidence > d.cfg.ConfidenceUpgrade {
		return true
	}
	price := s.ReferencePrice()
	if price > 0 && last.Price > 0 && utils.PercentChange(last.Price, price) >= d.cfg.PriceChangePercent {
		return true
	}
	return false
}

// RecordProcessed фиксирует обработку сигнала. Индекс последнего сигнала
// по символу обновляется только для исполненных сигналов.
func (d *Deduplicator) RecordProcessed(userID string, s *models.Signal, executed bool, now time.Time) error {
	d.saveMu.Lock()
	defer d.saveMu.Unlock()

	d.mu.Lock()
	st := d.user(userID)
	rec := Record{
		SignalID:    s.ID,
		Symbol:      s.Symbol,
		Action:      s.Action,
		Price:       s.ReferencePrice(),
		Confidence:  s.Confidence,
		CreatedAt:   s.CreatedAt,
		ProcessedAt: now,
		Executed:    executed,
	}
	st.processed[s.ID] = rec
	if executed {
		st.lastBySymbol[s.Symbol] = rec
	}
	snapshot := d.snapshotLocked(st, now)
	d.mu.Unlock()

	if d.store == nil {
		return nil
	}
	return d.store.Save(userID, snapshot)
}

// Prune удаляет записи старше 2x окна
func (d *Deduplicator) Prune(userID string, now time.Time) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pruneLocked(userID, now)
}

func (d *Deduplicator) pruneLocked(userID string, now time.Time) int {
	st, ok := d.users[userID]
	if !ok {
		return 0
	}
	cutoff := now.Add(-2 * d.cfg.SignalWindow)
	removed := 0
	for id, rec := range st.processed {
		if rec.ProcessedAt.Before(cutoff) {
			delete(st.processed, id)
			removed++
		}
	}
	for sym, rec := range st.lastBySymbol {
		if rec.ProcessedAt.Before(cutoff) {
			delete(st.lastBySymbol, sym)
			removed++
		}
	}
	return removed
}

// Restore загружает сохраненное состояние пользователя.
// Состояние старше окна игнорируется, из свежего берутся записи моложе окна.
func (d *Deduplicator) Restore(userID string, now time.Time) error {
	if d.store == nil {
		return nil
	}
	state, err := d.store.Load(userID)
	if err != nil {
		return err
	}
	if state == nil || now.Sub(state.PersistedAt) > d.cfg.SignalWindow {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	st := d.user(userID)
	for id, rec := range state.ProcessedSignals {
		if now.Sub(rec.ProcessedAt) < d.cfg.SignalWindow {
			st.processed[id] = rec
		}
	}
	for sym, rec := range state.LastBySymbol {
		if now.Sub(rec.ProcessedAt) < d.cfg.SignalWindow {
			st.lastBySymbol[sym] = rec
		}
	}
	d.log.Info("dedup state restored",
		utils.UserID(userID), utils.Int("signals", len(st.processed)))
	return nil
}

// Stats - размер индекса пользователя
type Stats struct {
	ProcessedSignals int `json:"processed_signals"`
	SymbolsTracked   int `json:"symbols_tracked"`
}

// Stats возвращает статистику пользователя
func (d *Deduplicator) Stats(userID string) Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	st, ok := d.users[userID]
	if !ok {
		return Stats{}
	}
	return Stats{ProcessedSignals: len(st.processed), SymbolsTracked: len(st.lastBySymbol)}
}

func (d *Deduplicator) snapshotLocked(st *userState, now time.Time) *State {
	s := &State{
		ProcessedSignals: make(map[string]Record, len(st.processed)),
		LastBySymbol:     make(map[string]Record, len(st.lastBySymbol)),
		PersistedAt:      now,
	}
	for k, v := range st.processed {
		s.ProcessedSignals[k] = v
	}
	for k, v := range st.lastBySymbol {
		s.LastBySymbol[k] = v
	}
	return s
}
