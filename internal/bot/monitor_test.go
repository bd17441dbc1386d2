package bot

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"tradecore/internal/exchange"
	"tradecore/internal/limits"
	"tradecore/internal/lock"
	"tradecore/internal/models"
	"tradecore/internal/risk"
	"tradecore/internal/tradeerr"
	"tradecore/pkg/utils"
)

// ============================================================
// Фейки
// ============================================================

// memStore - PositionStore в памяти
type memStore struct {
	mu        sync.Mutex
	positions map[int64]*models.Position
	nextID    int64
	closes    []CloseRequest
	reduces   []ReduceRequest
	updates   int
	closeErrs []error
	gone      bool // позиции нет на бирже
}

func newMemStore(ps ...*models.Position) *memStore {
	s := &memStore{positions: make(map[int64]*models.Position), nextID: 100}
	for _, p := range ps {
		s.positions[p.ID] = p.Clone()
	}
	return s
}

func (s *memStore) ClosePosition(_ context.Context, req CloseRequest) (*CloseResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes = append(s.closes, req)
	if len(s.closeErrs) > 0 {
		err := s.closeErrs[0]
		s.closeErrs = s.closeErrs[1:]
		return nil, err
	}
	if s.gone && !req.SkipExchange {
		return nil, exchange.Classify("exchange.close_position", exchange.ErrPositionNotFound)
	}
	p, ok := s.positions[req.PositionID]
	if !ok || !p.IsOpen() {
		return nil, tradeerr.Conflict("test.close", ErrPositionClosed)
	}
	pnl := utils.CalculatePNL(p.Side, p.EntryPrice, req.Price, p.Quantity)
	p.RealizedPnL += pnl
	p.Status = models.PositionStatusClosed
	p.CloseReason = req.Reason
	p.ClosePrice = req.Price
	return &CloseResult{Position: p.Clone(), PnL: pnl}, nil
}

func (s *memStore) ReducePosition(_ context.Context, req ReduceRequest) (*CloseResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reduces = append(s.reduces, req)
	p, ok := s.positions[req.PositionID]
	if !ok || !p.IsOpen() {
		return nil, tradeerr.Conflict("test.reduce", ErrPositionClosed)
	}
	pnl := utils.CalculatePNL(p.Side, p.EntryPrice, req.Price, req.Quantity)
	p.Quantity -= req.Quantity
	p.RealizedPnL += pnl
	if req.NewStopLoss > 0 {
		p.StopLoss = req.NewStopLoss
	}
	return &CloseResult{Position: p.Clone(), PnL: pnl}, nil
}

func (s *memStore) UpdateProtection(_ context.Context, p *models.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates++
	cur, ok := s.positions[p.ID]
	if !ok || !cur.IsOpen() {
		return tradeerr.Conflict("test.update", ErrPositionClosed)
	}
	cur.StopLoss, cur.TakeProfit = p.StopLoss, p.TakeProfit
	cur.PeakPrice, cur.TroughPrice = p.PeakPrice, p.TroughPrice
	return nil
}

func (s *memStore) AdoptPosition(_ context.Context, p *models.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	p.ID = s.nextID
	s.positions[p.ID] = p.Clone()
	return nil
}

func (s *memStore) ListOpen(_ context.Context, userID string) ([]*models.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Position
	for _, p := range s.positions {
		if p.IsOpen() && (userID == "" || p.UserID == userID) {
			out = append(out, p.Clone())
		}
	}
	return out, nil
}

func (s *memStore) position(id int64) *models.Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.positions[id].Clone()
}

type lossCall struct {
	user  string
	pnl   float64
	isWin bool
}

type fakeLosses struct {
	trades     []lossCall
	unrealized map[string]float64
}

func (f *fakeLosses) RecordTrade(userID string, pnl float64, isWin bool) {
	f.trades = append(f.trades, lossCall{userID, pnl, isWin})
}

func (f *fakeLosses) UpdateUnrealized(userID string, pnl float64) {
	if f.unrealized == nil {
		f.unrealized = make(map[string]float64)
	}
	f.unrealized[userID] = pnl
}

type eventLog struct {
	mu     sync.Mutex
	events []PositionEvent
}

func (e *eventLog) Publish(ev PositionEvent) {
	e.mu.Lock()
	e.events = append(e.events, ev)
	e.mu.Unlock()
}

func (e *eventLog) types() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.events))
	for i, ev := range e.events {
		out[i] = ev.Type
	}
	return out
}

type fixedSettings models.RiskSettings

func (f fixedSettings) Get(string) models.RiskSettings { return models.RiskSettings(f) }

// ============================================================
// Стенд
// ============================================================

var monitorNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

type monitorRig struct {
	m      *PositionMonitor
	store  *memStore
	gw     *exchange.PaperGateway
	locks  *lock.Manager
	losses *fakeLosses
	events *eventLog
	now    time.Time
}

func newRig(t *testing.T, settings models.RiskSettings, ps ...*models.Position) *monitorRig {
	t.Helper()
	r := &monitorRig{
		store:  newMemStore(ps...),
		gw:     exchange.NewPaperGateway(),
		locks:  lock.NewManager(lock.DefaultConfig(), nil, utils.NewNop()),
		losses: &fakeLosses{},
		events: &eventLog{},
		now:    monitorNow,
	}
	cfg := DefaultMonitorConfig()
	cfg.SyncEvery = 0
	r.m = NewPositionMonitor(cfg, MonitorDeps{
		Store:    r.store,
		Gateway:  r.gw,
		Risk:     risk.NewManager(risk.DefaultConfig(), nil, nil, utils.NewNop()),
		Locks:    r.locks,
		Settings: fixedSettings(settings),
		Losses:   r.losses,
		Events:   r.events,
	}, utils.NewNop())
	r.m.now = func() time.Time { return r.now }
	for _, p := range ps {
		r.m.Register(p)
	}
	return r
}

func (r *monitorRig) tickAt(price float64) {
	r.gw.SetPrice("BTC/USDT", price)
	r.m.Tick(context.Background())
}

func (r *monitorRig) state(t *testing.T, id int64) string {
	t.Helper()
	for _, tp := range r.m.Tracked("") {
		if tp.Position.ID == id {
			return tp.State
		}
	}
	return StateClosed
}

func longPosition(id int64, sl, tp float64) *models.Position {
	return &models.Position{
		ID: id, UserID: "u1", Symbol: "BTC/USDT", Side: models.SideLong,
		Quantity: 1, OriginalQuantity: 1, EntryPrice: 100, CurrentPrice: 100, Leverage: 1,
		StopLoss: sl, TakeProfit: tp, PeakPrice: 100, TroughPrice: 100,
		Status: models.PositionStatusOpen, Source: models.SourceBot, OpenedAt: monitorNow,
	}
}

// onlyRule - настройки, в которых включено только нужное правило
func onlyRule(trailing, partial, timeExit bool) models.RiskSettings {
	s := models.DefaultRiskSettings("u1")
	s.TrailingEnabled, s.PartialTPEnabled, s.TimeExitEnabled = trailing, partial, timeExit
	return s
}

// ============================================================
// Тесты
// ============================================================

func TestMonitor_StopAndTakeProfit(t *testing.T) {
	tests := []struct {
		name       string
		price      float64
		wantReason string
		wantPnL    float64
		wantWin    bool
	}{
		{"stop loss", 94, models.CloseReasonStopLoss, -6, false},
		{"take profit", 111, models.CloseReasonTakeProfit, 11, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRig(t, onlyRule(true, true, true), longPosition(1, 95, 110))
			r.tickAt(tt.price)

			if len(r.store.closes) != 1 || r.store.closes[0].Reason != tt.wantReason {
				t.Fatalf("closes = %+v", r.store.closes)
			}
			if r.m.Count() != 0 {
				t.Error("closed position still tracked")
			}
			if len(r.losses.trades) != 1 || r.losses.trades[0] != (lossCall{"u1", tt.wantPnL, tt.wantWin}) {
				t.Errorf("loss tracker calls = %+v", r.losses.trades)
			}
			types := r.events.types()
			if types[len(types)-1] != EventClosed {
				t.Errorf("events = %v", types)
			}
		})
	}
}

func TestMonitor_PartialTakeProfitLadder(t *testing.T) {
	r := newRig(t, onlyRule(false, true, false), longPosition(1, 95, 120))

	r.tickAt(103)
	if len(r.store.reduces) != 1 {
		t.Fatalf("reduces after +3%% = %d", len(r.store.reduces))
	}
	if req := r.store.reduces[0]; req.Quantity != 0.4 || req.NewStopLoss != 100 {
		t.Errorf("level 1: qty=%v sl=%v, want 0.4 and break-even 100", req.Quantity, req.NewStopLoss)
	}
	if s := r.state(t, 1); s != StateActive {
		t.Errorf("state after partial = %s, want ACTIVE", s)
	}

	// повтор той же цены не повторяет уровень
	r.tickAt(103.5)
	if len(r.store.reduces) != 1 {
		t.Errorf("level 1 executed twice")
	}

	r.tickAt(105)
	if len(r.store.reduces) != 2 {
		t.Fatalf("reduces after +5%% = %d", len(r.store.reduces))
	}
	// 50% прибыли: 100 + 5*0.5
	if req := r.store.reduces[1]; req.NewStopLoss != 102.5 {
		t.Errorf("level 2 lock-in SL = %v, want 102.5", req.NewStopLoss)
	}

	r.tickAt(107)
	if len(r.store.closes) != 1 || r.store.closes[0].Reason != models.CloseReasonPartialTP {
		t.Fatalf("last level must close the rest: %+v", r.store.closes)
	}
	if r.m.Count() != 0 {
		t.Error("position still tracked after last level")
	}
	// 0.4*3 + 0.3*5 + 0.3*7
	if got := r.losses.trades[0].pnl; got < 4.8-1e-9 || got > 4.8+1e-9 {
		t.Errorf("total realized pnl = %v, want 4.8", got)
	}
}

func TestMonitor_TrailingNeverLoosens(t *testing.T) {
	r := newRig(t, onlyRule(true, false, false), longPosition(1, 95, 120))

	r.tickAt(103)
	sl := r.store.position(1).StopLoss
	if sl < 103*(1-0.015) {
		t.Fatalf("SL after +3%% = %v, want >= %v", sl, 103*(1-0.015))
	}
	if s := r.state(t, 1); s != StateTrailingAdjusted {
		t.Errorf("state = %s, want TRAILING_ADJUSTED", s)
	}

	r.tickAt(101.8)
	if got := r.store.position(1).StopLoss; got != sl {
		t.Errorf("SL moved on pullback: %v -> %v", sl, got)
	}

	r.tickAt(101)
	if len(r.store.closes) != 1 || r.store.closes[0].Reason != models.CloseReasonStopLoss {
		t.Fatalf("trailing stop not hit: %+v", r.store.closes)
	}
}

func TestMonitor_TimeExit(t *testing.T) {
	tests := []struct {
		name      string
		held      time.Duration
		price     float64
		wantClose bool
	}{
		{"before max hold", 11 * time.Hour, 101, false},
		{"max hold in profit", 13 * time.Hour, 101, true},
		{"max hold in loss waits", 13 * time.Hour, 99, false},
		{"forced at twice max hold", 25 * time.Hour, 99, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRig(t, onlyRule(false, false, true), longPosition(1, 90, 120))
			r.now = monitorNow.Add(tt.held)
			r.tickAt(tt.price)

			closed := len(r.store.closes) == 1 && r.store.closes[0].Reason == models.CloseReasonTimeExit
			if closed != tt.wantClose {
				t.Errorf("closed = %v, want %v (%+v)", closed, tt.wantClose, r.store.closes)
			}
		})
	}
}

func TestMonitor_AutoProtect(t *testing.T) {
	p := longPosition(1, 0, 0)
	p.Leverage = 5
	r := newRig(t, onlyRule(false, false, false), p)

	r.tickAt(100.5)

	got := r.store.position(1)
	// 5% / 7% из настроек делятся на плечо 5
	if got.StopLoss < 98.999 || got.StopLoss > 99.001 || got.TakeProfit < 101.399 || got.TakeProfit > 101.401 {
		t.Errorf("auto-protect SL/TP = %v/%v, want 99/101.4", got.StopLoss, got.TakeProfit)
	}
	if r.store.updates != 1 {
		t.Errorf("updates = %d, want 1", r.store.updates)
	}
}

func TestMonitor_ManualPositionNeverMutated(t *testing.T) {
	p := longPosition(1, 95, 110)
	p.Source = models.SourceManual
	r := newRig(t, onlyRule(true, true, true), p)

	r.tickAt(90)
	r.tickAt(120)

	if len(r.store.closes) != 0 || len(r.store.reduces) != 0 || r.store.updates != 0 {
		t.Errorf("manual position mutated: closes=%d reduces=%d updates=%d",
			len(r.store.closes), len(r.store.reduces), r.store.updates)
	}
	if r.m.Count() != 1 {
		t.Error("manual position must stay tracked")
	}
}

func TestMonitor_CloseFailureRetriedAndEscalated(t *testing.T) {
	r := newRig(t, onlyRule(false, false, false), longPosition(1, 95, 110))
	for i := 0; i < 10; i++ {
		r.store.closeErrs = append(r.store.closeErrs, tradeerr.TransientExchange("exchange.close_position", errors.New("timeout")))
	}

	for i := 0; i < 10; i++ {
		r.tickAt(94)
	}
	tracked := r.m.Tracked("")
	if len(tracked) != 1 {
		t.Fatalf("position dropped after close failures")
	}
	if tracked[0].Failures != 10 || tracked[0].State != StateActive {
		t.Errorf("failures=%d state=%s", tracked[0].Failures, tracked[0].State)
	}

	r.tickAt(94)
	if r.m.Count() != 0 {
		t.Error("close not retried after failures")
	}
}

func TestMonitor_LockHeldDefersClose(t *testing.T) {
	r := newRig(t, onlyRule(false, false, false), longPosition(1, 95, 110))

	guard, err := r.locks.Acquire(context.Background(), "BTC/USDT", "u1")
	if err != nil {
		t.Fatal(err)
	}
	r.tickAt(94)
	if len(r.store.closes) != 0 {
		t.Fatal("closed while another operation held the lock")
	}

	guard.Release()
	r.tickAt(94)
	if len(r.store.closes) != 1 {
		t.Error("close not executed after lock release")
	}
}

func TestMonitor_PositionGoneOnExchange(t *testing.T) {
	r := newRig(t, onlyRule(false, false, false), longPosition(1, 95, 110))
	r.store.gone = true

	r.tickAt(94)

	if len(r.store.closes) != 2 || !r.store.closes[1].SkipExchange ||
		r.store.closes[1].Reason != models.CloseReasonExchangeSync {
		t.Fatalf("closes = %+v", r.store.closes)
	}
	if r.m.Count() != 0 {
		t.Error("position still tracked")
	}
}

func TestMonitor_Sync(t *testing.T) {
	missing := longPosition(1, 95, 110)
	r := newRig(t, onlyRule(false, false, false), missing)
	r.m.cfg.SyncUserID = "u1"
	r.gw.SetPrice("ETH/USDT", 2000)
	r.gw.AddPosition(exchange.PositionInfo{Symbol: "ETH/USDT", Side: models.SideShort, Size: 2, EntryPrice: 2000, Leverage: 1})

	if err := r.m.Sync(context.Background()); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	if len(r.store.closes) != 1 || !r.store.closes[0].SkipExchange || r.store.closes[0].Reason != models.CloseReasonExchangeSync {
		t.Errorf("missing position not closed by sync: %+v", r.store.closes)
	}

	tracked := r.m.Tracked("u1")
	if len(tracked) != 1 {
		t.Fatalf("tracked = %d, want adopted position only", len(tracked))
	}
	adopted := tracked[0].Position
	if adopted.Source != models.SourceExternal || adopted.Symbol != "ETH/USDT" {
		t.Errorf("adopted = %+v", adopted)
	}
	// short: SL выше входа, TP ниже
	if adopted.StopLoss <= 2000 || adopted.TakeProfit >= 2000 {
		t.Errorf("adopted protection SL=%v TP=%v", adopted.StopLoss, adopted.TakeProfit)
	}
}

func TestMonitor_RegisterRestoresPartialLevel(t *testing.T) {
	p := longPosition(1, 100, 120)
	p.Quantity = 0.6
	r := newRig(t, onlyRule(false, true, false), p)

	tracked := r.m.Tracked("")
	if tracked[0].NextLevel != 1 {
		t.Errorf("next level = %d, want 1", tracked[0].NextLevel)
	}
}

func TestMonitor_ClosePositionOnRequest(t *testing.T) {
	r := newRig(t, onlyRule(false, false, false), longPosition(1, 95, 110))

	res, err := r.m.ClosePosition(context.Background(), 1, 102, models.CloseReasonManual)
	if err != nil {
		t.Fatalf("ClosePosition: %v", err)
	}
	if res.PnL != 2 || r.m.Count() != 0 {
		t.Errorf("pnl=%v tracked=%d", res.PnL, r.m.Count())
	}

	if _, err := r.m.ClosePosition(context.Background(), 1, 102, models.CloseReasonManual); !tradeerr.IsConflict(err) {
		t.Errorf("second close: %v, want conflict", err)
	}
}

func TestMonitor_PriceFailureDoesNotBlockOthers(t *testing.T) {
	eth := longPosition(2, 95, 110)
	eth.Symbol = "ETH/USDT"
	r := newRig(t, onlyRule(false, false, false), longPosition(1, 95, 110), eth)

	// цены ETH нет: ошибка только у позиции ETH
	r.tickAt(94)

	if len(r.store.closes) != 1 || r.store.closes[0].PositionID != 1 {
		t.Errorf("closes = %+v", r.store.closes)
	}
	tracked := r.m.Tracked("")
	if len(tracked) != 1 || tracked[0].Failures != 1 {
		t.Errorf("tracked = %+v", tracked)
	}
}

func TestMonitor_ClosePositionWaitsWithoutStallingTick(t *testing.T) {
	r := newRig(t, onlyRule(false, false, false), longPosition(1, 95, 110))

	guard, err := r.locks.Acquire(context.Background(), "BTC/USDT", "u1")
	if err != nil {
		t.Fatal(err)
	}

	type closeOut struct {
		res *CloseResult
		err error
	}
	closed := make(chan closeOut, 1)
	go func() {
		res, err := r.m.ClosePosition(context.Background(), 1, 100, models.CloseReasonManual)
		closed <- closeOut{res, err}
	}()
	time.Sleep(20 * time.Millisecond)

	// пока запрос на закрытие ждет блокировку, снимки и тики не блокируются
	done := make(chan struct{})
	go func() {
		defer close(done)
		if n := len(r.m.Tracked("u1")); n != 1 {
			t.Errorf("tracked = %d, want 1", n)
		}
		r.tickAt(90)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		guard.Release()
		t.Fatal("Tracked/Tick blocked while ClosePosition waited for the position lock")
	}
	if len(r.store.closes) != 0 {
		t.Fatalf("closed while the lock was held: %+v", r.store.closes)
	}

	guard.Release()
	select {
	case out := <-closed:
		if out.err != nil {
			t.Fatalf("ClosePosition: %v", out.err)
		}
		if out.res.Position.CloseReason != models.CloseReasonManual {
			t.Errorf("reason = %s, want %s", out.res.Position.CloseReason, models.CloseReasonManual)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ClosePosition did not finish after lock release")
	}
	if r.m.Count() != 0 {
		t.Error("position still tracked")
	}
}

func TestMonitor_UnrealizedClearedWhenLastPositionCloses(t *testing.T) {
	cfg := limits.DefaultLossConfig()
	cfg.MaxDailyLossPct = 8
	tracker := limits.NewDailyLossTracker(cfg, nil, nil, utils.NewNop())

	store := newMemStore(longPosition(1, 95, 110))
	gw := exchange.NewPaperGateway()
	mcfg := DefaultMonitorConfig()
	mcfg.SyncEvery = 0
	m := NewPositionMonitor(mcfg, MonitorDeps{
		Store:    store,
		Gateway:  gw,
		Locks:    lock.NewManager(lock.DefaultConfig(), nil, utils.NewNop()),
		Settings: fixedSettings(onlyRule(false, false, false)),
		Losses:   tracker,
	}, utils.NewNop())
	m.Register(longPosition(1, 95, 110))

	gw.SetPrice("BTC/USDT", 97)
	m.Tick(context.Background())
	if got := tracker.Summary("u1").UnrealizedPnL; got != -3 {
		t.Fatalf("unrealized after first tick = %v, want -3", got)
	}

	gw.SetPrice("BTC/USDT", 94)
	m.Tick(context.Background())
	if m.Count() != 0 {
		t.Fatal("stop loss did not close the position")
	}

	st := tracker.Summary("u1")
	if st.RealizedPnL != -6 || st.UnrealizedPnL != 0 {
		t.Errorf("realized=%v unrealized=%v, want -6 and 0", st.RealizedPnL, st.UnrealizedPnL)
	}
	if d := tracker.CanOpenNewTrade("u1", 100); !d.Allowed {
		t.Errorf("blocked after 6%% loss with 8%% limit: %s", d)
	}
}
