package bot

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"tradecore/internal/exchange"
	"tradecore/internal/models"
	"tradecore/internal/repository"
	"tradecore/internal/tradeerr"
	"tradecore/pkg/utils"
)

// ErrAlreadyExecuted - по сигналу уже есть исполненный ордер на открытие
var ErrAlreadyExecuted = errors.New("signal already executed")

// ErrPositionClosed - позиция уже закрыта
var ErrPositionClosed = errors.New("position already closed")

// ExchangeCall размещает ордер на бирже внутри атомарной операции
type ExchangeCall func(ctx context.Context, order *models.Order) (*exchange.OrderResult, error)

// ReconciliationItem - ордер, принятый биржей, но не сохраненный в БД.
// Требует ручной сверки.
type ReconciliationItem struct {
	At              time.Time `json:"at"`
	Op              string    `json:"op"`
	UserID          string    `json:"user_id"`
	Symbol          string    `json:"symbol"`
	Side            string    `json:"side"`
	ClientOrderID   string    `json:"client_order_id"`
	ExchangeOrderID string    `json:"exchange_order_id"`
	Quantity        float64   `json:"quantity"`
	Price           float64   `json:"price"`
	PositionID      int64     `json:"position_id,omitempty"`
	Error           string    `json:"error"`
}

// ReconciliationSink принимает элементы сверки
type ReconciliationSink interface {
	Record(ctx context.Context, item ReconciliationItem)
}

// MemoryReconciliationSink хранит элементы сверки в памяти (для API)
type MemoryReconciliationSink struct {
	mu    sync.Mutex
	items []ReconciliationItem
}

// Record добавляет элемент
func (s *MemoryReconciliationSink) Record(_ context.Context, item ReconciliationItem) {
	s.mu.Lock()
	s.items = append(s.items, item)
	s.mu.Unlock()
}

// Items возвращает копию элементов
func (s *MemoryReconciliationSink) Items() []ReconciliationItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ReconciliationItem(nil), s.items...)
}

// TransactionManager исполняет "ордер на бирже + запись в БД" как одну операцию.
// Все записи позиций проходят через него.
type TransactionManager struct {
	db        *sql.DB
	orders    *repository.OrderRepository
	positions *repository.PositionRepository
	gateway   exchange.Gateway
	sink      ReconciliationSink
	log       *utils.Logger
	now       func() time.Time
}

// NewTransactionManager создает менеджер. sink может быть nil.
func NewTransactionManager(db *sql.DB, gateway exchange.Gateway, sink ReconciliationSink, log *utils.Logger) *TransactionManager {
	return &TransactionManager{
		db:        db,
		orders:    repository.NewOrderRepository(db),
		positions: repository.NewPositionRepository(db),
		gateway:   gateway,
		sink:      sink,
		log:       log.WithComponent("transaction"),
		now:       time.Now,
	}
}

// TradeResult - результат открытия позиции
type TradeResult struct {
	Order    *models.Order
	Position *models.Position
}

// ExecuteAtomicTrade открывает позицию:
// BEGIN -> ордер PENDING -> call (биржа) -> позиция + ордер FILLED -> COMMIT.
// Любая ошибка откатывает транзакцию, строки ордера не остается.
// Если биржа приняла ордер, а COMMIT не прошел, создается элемент сверки.
func (tm *TransactionManager) ExecuteAtomicTrade(ctx context.Context, order *models.Order, pos *models.Position, call ExchangeCall) (*TradeResult, error) {
	const op = "transaction.execute_atomic_trade"

	if order.ClientOrderID == "" {
		order.ClientOrderID = uuid.NewString()
	}
	log := tm.log.With(utils.Symbol(order.Symbol), utils.UserID(order.UserID),
		utils.SignalID(order.SignalID), utils.OrderID(order.ClientOrderID))

	tx, err := tm.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, tradeerr.FromDB(op, err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	orders := tm.orders.WithTx(tx)
	positions := tm.positions.WithTx(tx)

	if order.SignalID != "" {
		existing, err := orders.FindFilledOpenBySignal(ctx, order.SignalID)
		switch {
		case err == nil:
			log.Info("signal already executed, skipping", utils.Int64("order_id", existing.ID))
			return nil, tradeerr.Conflict(op, ErrAlreadyExecuted)
		case !errors.Is(err, repository.ErrOrderNotFound):
			return nil, tradeerr.FromDB(op, err)
		}
	}

	order.Status = models.OrderStatusPending
	order.Purpose = models.OrderPurposeOpen
	if err := orders.Create(ctx, order); err != nil {
		return nil, tradeerr.FromDB(op, err)
	}

	res, err := call(ctx, order)
	if err != nil {
		RecordRollback("open")
		log.Warn("exchange call failed, transaction rolled back", utils.Err(err))
		return nil, exchange.Classify("exchange.place_order", err)
	}

	// С этого момента ордер исполнен на бирже
	fillPrice, fillQty := fillOf(res, order.Price, order.Quantity)
	pos.UserID, pos.Symbol, pos.SignalID = order.UserID, order.Symbol, order.SignalID
	pos.EntryPrice = fillPrice
	pos.CurrentPrice = fillPrice
	pos.Quantity = fillQty
	pos.OriginalQuantity = fillQty
	pos.Leverage = utils.Max(order.Leverage, 1)
	pos.Status = models.PositionStatusOpen
	pos.PeakPrice, pos.TroughPrice = fillPrice, fillPrice
	if pos.Source == "" {
		pos.Source = models.SourceBot
	}
	if pos.OpenedAt.IsZero() {
		pos.OpenedAt = tm.now().UTC()
	}

	item := ReconciliationItem{
		Op: "open", UserID: order.UserID, Symbol: order.Symbol, Side: order.Side,
		ClientOrderID: order.ClientOrderID, ExchangeOrderID: res.ExchangeOrderID,
		Quantity: fillQty, Price: fillPrice,
	}

	if err := positions.Create(ctx, pos); err != nil {
		return nil, tm.reconcile(ctx, op, item, err)
	}
	order.PositionID = &pos.ID
	order.ExchangeOrderID = res.ExchangeOrderID
	order.FilledPrice = fillPrice
	order.FilledQuantity = fillQty
	if err := orders.MarkFilled(ctx, order); err != nil {
		return nil, tm.reconcile(ctx, op, item, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, tm.reconcile(ctx, op, item, err)
	}
	committed = true

	RecordTradeOpened(order.Symbol)
	log.Info("position opened",
		utils.PositionID(pos.ID), utils.Side(pos.Side), utils.Price(fillPrice), utils.Quantity(fillQty),
		utils.Float64("stop_loss", pos.StopLoss), utils.Float64("take_profit", pos.TakeProfit))
	return &TradeResult{Order: order, Position: pos}, nil
}

// OpenRequest - открытие позиции рыночным ордером
type OpenRequest struct {
	SignalID   string
	UserID     string
	Symbol     string
	Side       string // long, short
	Quantity   float64
	Price      float64 // ожидаемая цена, если биржа не вернет цену исполнения
	StopLoss   float64
	TakeProfit float64
	Leverage   float64
}

// OpenPosition строит ордер и позицию и исполняет их через ExecuteAtomicTrade
func (tm *TransactionManager) OpenPosition(ctx context.Context, req OpenRequest) (*TradeResult, error) {
	orderSide := models.OrderSideBuy
	if req.Side == models.SideShort {
		orderSide = models.OrderSideSell
	}
	order := &models.Order{
		ClientOrderID: uuid.NewString(),
		SignalID:      req.SignalID,
		UserID:        req.UserID,
		Symbol:        req.Symbol,
		Side:          orderSide,
		Type:          models.OrderTypeMarket,
		Quantity:      req.Quantity,
		Price:         req.Price,
		StopPrice:     req.StopLoss,
		Leverage:      req.Leverage,
	}
	pos := &models.Position{
		Side:       req.Side,
		StopLoss:   req.StopLoss,
		TakeProfit: req.TakeProfit,
		Source:     models.SourceBot,
	}

	return tm.ExecuteAtomicTrade(ctx, order, pos, func(ctx context.Context, o *models.Order) (*exchange.OrderResult, error) {
		return tm.gateway.PlaceOrder(ctx, exchange.OrderRequest{
			ClientOrderID: o.ClientOrderID,
			Symbol:        o.Symbol,
			Side:          o.Side,
			Type:          o.Type,
			Quantity:      o.Quantity,
			StopLoss:      req.StopLoss,
			TakeProfit:    req.TakeProfit,
			Leverage:      o.Leverage,
		})
	})
}

// CloseRequest - закрытие позиции
type CloseRequest struct {
	PositionID int64
	Reason     string
	Price      float64 // цена, если биржа не вернет цену исполнения
	// SkipExchange - позиция уже закрыта на бирже (синхронизация), только запись в БД
	SkipExchange bool
}

// CloseResult - результат закрытия
type CloseResult struct {
	Position *models.Position
	Order    *models.Order // nil при SkipExchange
	PnL      float64       // PNL этого закрытия
}

// ClosePosition закрывает позицию целиком под блокировкой строки (FOR UPDATE NOWAIT).
// Уже закрытая позиция возвращает ConcurrencyConflict.
func (tm *TransactionManager) ClosePosition(ctx context.Context, req CloseRequest) (*CloseResult, error) {
	const op = "transaction.close_position"

	tx, err := tm.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, tradeerr.FromDB(op, err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	orders := tm.orders.WithTx(tx)
	positions := tm.positions.WithTx(tx)

	p, err := tm.lockOpen(ctx, positions, req.PositionID, op)
	if err != nil {
		return nil, err
	}
	log := tm.log.With(utils.PositionID(p.ID), utils.Symbol(p.Symbol), utils.UserID(p.UserID),
		utils.Reason(req.Reason))

	exitPrice, qty := req.Price, p.Quantity
	var closing *models.Order
	var item ReconciliationItem

	if !req.SkipExchange {
		closing = closingOrder(p, models.OrderPurposeClose, qty, req.Price)
		if err := orders.Create(ctx, closing); err != nil {
			return nil, tradeerr.FromDB(op, err)
		}

		res, err := tm.gateway.ClosePosition(ctx, p.Symbol, p.Side, 0)
		if err != nil {
			RecordRollback("close")
			log.Warn("exchange close failed, transaction rolled back", utils.Err(err))
			return nil, exchange.Classify("exchange.close_position", err)
		}
		exitPrice, qty = fillOf(res, req.Price, p.Quantity)
		closing.ExchangeOrderID = res.ExchangeOrderID
		closing.FilledPrice = exitPrice
		closing.FilledQuantity = qty
		item = ReconciliationItem{
			Op: "close", UserID: p.UserID, Symbol: p.Symbol, Side: closing.Side, PositionID: p.ID,
			ClientOrderID: closing.ClientOrderID, ExchangeOrderID: res.ExchangeOrderID,
			Quantity: qty, Price: exitPrice,
		}
	}
	if exitPrice <= 0 {
		exitPrice = p.CurrentPrice
	}

	pnl := utils.CalculatePNL(p.Side, p.EntryPrice, exitPrice, p.Quantity)
	p.RealizedPnL += pnl
	p.ClosePrice = exitPrice
	p.CloseReason = req.Reason

	if err := positions.Close(ctx, p); err != nil {
		return nil, tm.closeFailure(ctx, op, closing != nil, item, err)
	}
	if closing != nil {
		closing.PositionID = &p.ID
		if err := orders.MarkFilled(ctx, closing); err != nil {
			return nil, tm.closeFailure(ctx, op, true, item, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, tm.closeFailure(ctx, op, closing != nil, item, err)
	}
	committed = true

	RecordTradeClosed(req.Reason, pnl)
	log.Info("position closed",
		utils.Price(exitPrice), utils.Quantity(qty), utils.PNL(pnl),
		utils.Float64("total_pnl", p.RealizedPnL))
	return &CloseResult{Position: p, Order: closing, PnL: pnl}, nil
}

// ReduceRequest - частичное закрытие
type ReduceRequest struct {
	PositionID  int64
	Quantity    float64
	Price       float64
	NewStopLoss float64 // 0 - не менять
	Reason      string
}

// ReducePosition закрывает часть позиции и сохраняет реализованный PNL части
// в одной транзакции под той же блокировкой строки.
func (tm *TransactionManager) ReducePosition(ctx context.Context, req ReduceRequest) (*CloseResult, error) {
	const op = "transaction.reduce_position"

	tx, err := tm.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, tradeerr.FromDB(op, err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	orders := tm.orders.WithTx(tx)
	positions := tm.positions.WithTx(tx)

	p, err := tm.lockOpen(ctx, positions, req.PositionID, op)
	if err != nil {
		return nil, err
	}
	if req.Quantity <= 0 || req.Quantity >= p.Quantity {
		return nil, tradeerr.Validationf(op, "reduce quantity %v out of (0, %v)", req.Quantity, p.Quantity)
	}
	log := tm.log.With(utils.PositionID(p.ID), utils.Symbol(p.Symbol), utils.UserID(p.UserID))

	closing := closingOrder(p, models.OrderPurposePartialClose, req.Quantity, req.Price)
	if err := orders.Create(ctx, closing); err != nil {
		return nil, tradeerr.FromDB(op, err)
	}

	res, err := tm.gateway.ClosePosition(ctx, p.Symbol, p.Side, req.Quantity)
	if err != nil {
		RecordRollback("reduce")
		log.Warn("exchange partial close failed, transaction rolled back", utils.Err(err))
		return nil, exchange.Classify("exchange.close_position", err)
	}
	exitPrice, qty := fillOf(res, req.Price, req.Quantity)
	item := ReconciliationItem{
		Op: "reduce", UserID: p.UserID, Symbol: p.Symbol, Side: closing.Side, PositionID: p.ID,
		ClientOrderID: closing.ClientOrderID, ExchangeOrderID: res.ExchangeOrderID,
		Quantity: qty, Price: exitPrice,
	}

	pnl := utils.CalculatePNL(p.Side, p.EntryPrice, exitPrice, qty)
	p.Quantity -= qty
	p.RealizedPnL += pnl
	p.CurrentPrice = exitPrice
	if req.NewStopLoss > 0 {
		p.StopLoss = req.NewStopLoss
	}

	if err := positions.Reduce(ctx, p); err != nil {
		return nil, tm.reconcile(ctx, op, item, err)
	}
	closing.PositionID = &p.ID
	closing.ExchangeOrderID = res.ExchangeOrderID
	closing.FilledPrice = exitPrice
	closing.FilledQuantity = qty
	if err := orders.MarkFilled(ctx, closing); err != nil {
		return nil, tm.reconcile(ctx, op, item, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, tm.reconcile(ctx, op, item, err)
	}
	committed = true

	reason := req.Reason
	if reason == "" {
		reason = models.CloseReasonPartialTP
	}
	RecordTradeClosed(reason, pnl)
	log.Info("position reduced",
		utils.Price(exitPrice), utils.Quantity(qty), utils.PNL(pnl),
		utils.Float64("remaining", p.Quantity), utils.Float64("stop_loss", p.StopLoss))
	return &CloseResult{Position: p, Order: closing, PnL: pnl}, nil
}

// UpdateProtection сохраняет SL/TP, экстремумы и текущую цену
func (tm *TransactionManager) UpdateProtection(ctx context.Context, p *models.Position) error {
	const op = "transaction.update_protection"
	if err := tm.positions.UpdateProtection(ctx, p); err != nil {
		if errors.Is(err, repository.ErrPositionNotFound) {
			return tradeerr.Conflict(op, ErrPositionClosed)
		}
		return tradeerr.FromDB(op, err)
	}
	return nil
}

// AdoptPosition сохраняет позицию, найденную на бирже без записи в БД
func (tm *TransactionManager) AdoptPosition(ctx context.Context, p *models.Position) error {
	if err := tm.positions.Create(ctx, p); err != nil {
		return tradeerr.FromDB("transaction.adopt_position", err)
	}
	return nil
}

// ListOpen возвращает открытые позиции (userID "" - всех)
func (tm *TransactionManager) ListOpen(ctx context.Context, userID string) ([]*models.Position, error) {
	ps, err := tm.positions.ListOpen(ctx, userID)
	if err != nil {
		return nil, tradeerr.FromDB("transaction.list_open", err)
	}
	return ps, nil
}

// CountOpen возвращает число открытых позиций пользователя
func (tm *TransactionManager) CountOpen(ctx context.Context, userID string) (int, error) {
	n, err := tm.positions.CountOpen(ctx, userID)
	if err != nil {
		return 0, tradeerr.FromDB("transaction.count_open", err)
	}
	return n, nil
}

// FindOpen возвращает открытую позицию пользователя по символу
func (tm *TransactionManager) FindOpen(ctx context.Context, userID, symbol string) (*models.Position, error) {
	p, err := tm.positions.FindOpen(ctx, userID, symbol)
	if err != nil {
		if errors.Is(err, repository.ErrPositionNotFound) {
			return nil, err
		}
		return nil, tradeerr.FromDB("transaction.find_open", err)
	}
	return p, nil
}

// GetPosition возвращает позицию по ID
func (tm *TransactionManager) GetPosition(ctx context.Context, id int64) (*models.Position, error) {
	p, err := tm.positions.GetByID(ctx, id)
	if err != nil && !errors.Is(err, repository.ErrPositionNotFound) {
		return nil, tradeerr.FromDB("transaction.get_position", err)
	}
	return p, err
}

// lockOpen читает позицию под блокировкой строки и проверяет, что она открыта
func (tm *TransactionManager) lockOpen(ctx context.Context, positions *repository.PositionRepository, id int64, op string) (*models.Position, error) {
	p, err := positions.GetForUpdate(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrPositionNotFound) {
			return nil, tradeerr.Validation(op, fmt.Errorf("position %d: %w", id, err))
		}
		return nil, tradeerr.FromDB(op, err)
	}
	if !p.IsOpen() {
		return nil, tradeerr.Conflict(op, ErrPositionClosed)
	}
	return p, nil
}

// closeFailure - ошибка записи после закрытия на бирже требует сверки
func (tm *TransactionManager) closeFailure(ctx context.Context, op string, exchangeDone bool, item ReconciliationItem, err error) error {
	if errors.Is(err, repository.ErrPositionNotFound) {
		err = ErrPositionClosed
	}
	if !exchangeDone {
		return tradeerr.FromDB(op, err)
	}
	return tm.reconcile(ctx, op, item, err)
}

// reconcile фиксирует расхождение: биржа исполнила ордер, БД нет
func (tm *TransactionManager) reconcile(ctx context.Context, op string, item ReconciliationItem, err error) error {
	RecordRollback(item.Op)
	ReconciliationItems.Inc()

	item.At = tm.now().UTC()
	item.Error = err.Error()
	tm.log.Error("exchange accepted order but DB write failed, reconciliation required",
		utils.String("op", item.Op), utils.UserID(item.UserID), utils.Symbol(item.Symbol),
		utils.OrderID(item.ClientOrderID), utils.String("exchange_order_id", item.ExchangeOrderID),
		utils.Quantity(item.Quantity), utils.Price(item.Price), utils.Err(err))
	if tm.sink != nil {
		tm.sink.Record(ctx, item)
	}
	return tradeerr.Persistence(op, fmt.Errorf("reconciliation required: %w", err))
}

func closingOrder(p *models.Position, purpose string, qty, price float64) *models.Order {
	return &models.Order{
		ClientOrderID: uuid.NewString(),
		UserID:        p.UserID,
		Symbol:        p.Symbol,
		Side:          models.CloseSideFor(p.Side),
		Type:          models.OrderTypeMarket,
		Purpose:       purpose,
		Quantity:      qty,
		Price:         price,
		Leverage:      p.Leverage,
		ReduceOnly:    true,
		Status:        models.OrderStatusPending,
	}
}

// fillOf возвращает цену и количество исполнения с запасными значениями
func fillOf(res *exchange.OrderResult, price, qty float64) (float64, float64) {
	if res == nil {
		return price, qty
	}
	if res.AvgPrice > 0 {
		price = res.AvgPrice
	}
	if res.FilledQuantity > 0 {
		qty = res.FilledQuantity
	}
	return price, qty
}
