package exchange

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"tradecore/internal/models"
)

// PaperGateway - биржа в памяти: исполняет ордера по текущей цене,
// ведет позиции и баланс. Используется в dry-run режиме и в тестах.
//
// FailNext позволяет подставить ошибку для следующего вызова операции.
type PaperGateway struct {
	mu        sync.Mutex
	prices    map[string]float64
	candles   map[string][]models.Candle
	balance   map[string]float64
	limits    map[string]*Limits
	positions map[string]*PositionInfo // symbol -> позиция
	orders    map[string]*OrderResult  // client order id -> результат
	failures  map[string][]error
	calls     map[string]int
	now       func() time.Time
}

// NewPaperGateway создает пустую бумажную биржу
func NewPaperGateway() *PaperGateway {
	return &PaperGateway{
		prices:    make(map[string]float64),
		candles:   make(map[string][]models.Candle),
		balance:   make(map[string]float64),
		limits:    make(map[string]*Limits),
		positions: make(map[string]*PositionInfo),
		orders:    make(map[string]*OrderResult),
		failures:  make(map[string][]error),
		calls:     make(map[string]int),
		now:       time.Now,
	}
}

// SetPrice задает последнюю цену символа
func (p *PaperGateway) SetPrice(symbol string, price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[symbol] = price
	if pos, ok := p.positions[symbol]; ok {
		pos.MarkPrice = price
	}
}

// SetCandles задает историю свечей символа
func (p *PaperGateway) SetCandles(symbol string, candles []models.Candle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.candles[symbol] = append([]models.Candle(nil), candles...)
}

// SetBalance задает свободный баланс валюты
func (p *PaperGateway) SetBalance(currency string, amount float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.balance[currency] = amount
}

// SetLimits задает лимиты символа
func (p *PaperGateway) SetLimits(l Limits) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.limits[l.Symbol] = &l
}

// AddPosition добавляет позицию, открытую вне бота
func (p *PaperGateway) AddPosition(pos PositionInfo) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.positions[pos.Symbol] = &pos
}

// FailNext заставляет следующий вызов op вернуть err.
// op: place_order, close_position, get_positions, get_ticker, get_balance, get_candles, get_market_limits.
func (p *PaperGateway) FailNext(op string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures[op] = append(p.failures[op], err)
}

// Calls возвращает число вызовов op
func (p *PaperGateway) Calls(op string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[op]
}

// enter учитывает вызов и возвращает подставленную ошибку. Под lock'ом.
func (p *PaperGateway) enter(op string) error {
	p.calls[op]++
	queue := p.failures[op]
	if len(queue) == 0 {
		return nil
	}
	p.failures[op] = queue[1:]
	return queue[0]
}

func (p *PaperGateway) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.enter("place_order"); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.ClientOrderID != "" {
		if res, ok := p.orders[req.ClientOrderID]; ok {
			dup := *res
			return &dup, nil
		}
	}
	if req.Quantity <= 0 {
		return nil, NewError(KindInvalidOrder, "quantity must be positive")
	}

	price := p.prices[req.Symbol]
	if req.Type == models.OrderTypeLimit && req.Price > 0 {
		price = req.Price
	}
	if price <= 0 {
		return nil, NewError(KindInvalidOrder, "no price for "+req.Symbol)
	}

	leverage := req.Leverage
	if leverage < 1 {
		leverage = 1
	}
	if !req.ReduceOnly {
		if bal, tracked := p.balance[quoteOf(req.Symbol)]; tracked && bal < req.Quantity*price/leverage {
			return nil, NewError(KindInsufficientBalance, "insufficient margin")
		}
	}

	side := models.SideLong
	if req.Side == models.OrderSideSell {
		side = models.SideShort
	}

	if req.ReduceOnly {
		p.reduce(req.Symbol, req.Quantity)
	} else if pos, ok := p.positions[req.Symbol]; ok && pos.Side == side {
		total := pos.Size + req.Quantity
		pos.EntryPrice = (pos.EntryPrice*pos.Size + price*req.Quantity) / total
		pos.Size = total
	} else {
		p.positions[req.Symbol] = &PositionInfo{
			Symbol:     req.Symbol,
			Side:       side,
			Size:       req.Quantity,
			EntryPrice: price,
			MarkPrice:  price,
			Leverage:   leverage,
			StopLoss:   req.StopLoss,
			TakeProfit: req.TakeProfit,
		}
	}

	res := p.fill(req.ClientOrderID, req.Symbol, req.Side, req.Quantity, price)
	if req.ClientOrderID != "" {
		p.orders[req.ClientOrderID] = res
	}
	dup := *res
	return &dup, nil
}

func (p *PaperGateway) ClosePosition(ctx context.Context, symbol, side string, qty float64) (*OrderResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.enter("close_position"); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	pos, ok := p.positions[symbol]
	if !ok || (side != "" && pos.Side != side) {
		return nil, ErrPositionNotFound
	}
	if qty <= 0 || qty > pos.Size {
		qty = pos.Size
	}

	price := p.prices[symbol]
	if price <= 0 {
		price = pos.MarkPrice
	}
	p.reduce(symbol, qty)

	return p.fill("", symbol, models.CloseSideFor(pos.Side), qty, price), nil
}

// reduce уменьшает позицию, удаляя ее при нулевом размере. Под lock'ом.
func (p *PaperGateway) reduce(symbol string, qty float64) {
	pos, ok := p.positions[symbol]
	if !ok {
		return
	}
	pos.Size -= qty
	if pos.Size <= 1e-12 {
		delete(p.positions, symbol)
	}
}

func (p *PaperGateway) fill(clientID, symbol, side string, qty, price float64) *OrderResult {
	return &OrderResult{
		ExchangeOrderID: uuid.NewString(),
		ClientOrderID:   clientID,
		Symbol:          symbol,
		Side:            side,
		FilledQuantity:  qty,
		AvgPrice:        price,
		Status:          OrderStatusFilled,
		Timestamp:       p.now(),
	}
}

func (p *PaperGateway) GetPositions(ctx context.Context) ([]*PositionInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.enter("get_positions"); err != nil {
		return nil, err
	}
	out := make([]*PositionInfo, 0, len(p.positions))
	for _, pos := range p.positions {
		dup := *pos
		if price := p.prices[pos.Symbol]; price > 0 {
			dup.MarkPrice = price
		}
		out = append(out, &dup)
	}
	return out, nil
}

func (p *PaperGateway) GetTicker(ctx context.Context, symbol string) (*Ticker, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.enter("get_ticker"); err != nil {
		return nil, err
	}
	price, ok := p.prices[symbol]
	if !ok || price <= 0 {
		return nil, NewError(KindTransient, "no ticker for "+symbol)
	}
	return &Ticker{Symbol: symbol, Last: price, High: price, Low: price, Timestamp: p.now()}, nil
}

func (p *PaperGateway) GetBalance(ctx context.Context) (map[string]float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.enter("get_balance"); err != nil {
		return nil, err
	}
	out := make(map[string]float64, len(p.balance))
	for k, v := range p.balance {
		out[k] = v
	}
	return out, nil
}

func (p *PaperGateway) GetCandles(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.enter("get_candles"); err != nil {
		return nil, err
	}
	candles := p.candles[symbol]
	if limit > 0 && len(candles) > limit {
		candles = candles[len(candles)-limit:]
	}
	return append([]models.Candle(nil), candles...), nil
}

func (p *PaperGateway) GetMarketLimits(ctx context.Context, symbol string) (*Limits, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.enter("get_market_limits"); err != nil {
		return nil, err
	}
	if l, ok := p.limits[symbol]; ok {
		dup := *l
		return &dup, nil
	}
	return DefaultLimits(symbol), nil
}

// quoteOf возвращает котируемую валюту символа BASE/QUOTE
func quoteOf(symbol string) string {
	for i := len(symbol) - 1; i >= 0; i-- {
		if symbol[i] == '/' {
			return symbol[i+1:]
		}
	}
	return ""
}
