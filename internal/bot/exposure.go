package bot

import (
	"sync"
	"time"

	"tradecore/internal/models"
	"tradecore/pkg/utils"
)

// SymbolExposure - итог закрытых за день позиций пользователя по символу
type SymbolExposure struct {
	Symbol      string  `json:"symbol"`
	Trades      int     `json:"trades"`
	Notional    float64 `json:"notional"` // вход * исходное количество
	RealizedPnL float64 `json:"realized_pnl"`
}

// ExposureLedger - ExposureTracker в памяти: закрытые позиции по пользователю
// и символу за текущий день UTC. При смене дня итоги обнуляются.
type ExposureLedger struct {
	now func() time.Time

	mu    sync.Mutex
	day   time.Time
	users map[string]map[string]*SymbolExposure
}

// NewExposureLedger создает пустой учет
func NewExposureLedger() *ExposureLedger {
	return &ExposureLedger{now: time.Now, users: make(map[string]map[string]*SymbolExposure)}
}

// OnPositionClosed учитывает закрытую позицию
func (l *ExposureLedger) OnPositionClosed(p *models.Position, pnl float64) {
	if p == nil {
		return
	}
	qty := p.OriginalQuantity
	if qty <= 0 {
		qty = p.Quantity
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.rolloverLocked()

	bySymbol, ok := l.users[p.UserID]
	if !ok {
		bySymbol = make(map[string]*SymbolExposure)
		l.users[p.UserID] = bySymbol
	}
	e, ok := bySymbol[p.Symbol]
	if !ok {
		e = &SymbolExposure{Symbol: p.Symbol}
		bySymbol[p.Symbol] = e
	}
	e.Trades++
	e.Notional += p.EntryPrice * qty
	e.RealizedPnL += pnl
}

// Exposure возвращает итоги пользователя по символам
func (l *ExposureLedger) Exposure(userID string) map[string]SymbolExposure {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rolloverLocked()

	out := make(map[string]SymbolExposure, len(l.users[userID]))
	for sym, e := range l.users[userID] {
		out[sym] = *e
	}
	return out
}

func (l *ExposureLedger) rolloverLocked() {
	day := utils.GetDayStartFrom(l.now())
	if !day.Equal(l.day) {
		l.day = day
		l.users = make(map[string]map[string]*SymbolExposure)
	}
}
