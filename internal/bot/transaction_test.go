package bot

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"tradecore/internal/exchange"
	"tradecore/internal/models"
	"tradecore/internal/tradeerr"
	"tradecore/pkg/utils"
)

var orderCols = []string{"id", "client_order_id", "signal_id", "position_id", "user_id", "symbol", "side", "type", "purpose",
	"quantity", "price", "stop_price", "leverage", "reduce_only", "status", "exchange_order_id",
	"filled_price", "filled_quantity", "created_at", "updated_at"}

var positionCols = []string{"id", "user_id", "symbol", "side", "quantity", "original_quantity", "entry_price", "current_price",
	"leverage", "stop_loss", "take_profit", "peak_price", "trough_price", "status", "source", "signal_id",
	"close_reason", "close_price", "realized_pnl", "opened_at", "closed_at", "updated_at"}

func newMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db, mock
}

func positionRow(id int64, status string, qty, entry float64) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(positionCols).AddRow(
		id, "u1", "BTC/USDT", "long", qty, qty, entry, entry, 1.0, 95.0, 110.0, entry, entry,
		status, "bot", "sig-1", nil, 0.0, 0.0, now, nil, now)
}

func openRequest() OpenRequest {
	return OpenRequest{
		SignalID: "sig-1", UserID: "u1", Symbol: "BTC/USDT", Side: models.SideLong,
		Quantity: 0.5, Price: 100, StopLoss: 95, TakeProfit: 107.5, Leverage: 1,
	}
}

// ============================================================
// ExecuteAtomicTrade
// ============================================================

func TestOpenPosition_Success(t *testing.T) {
	db, mock := newMockDB(t)
	gw := exchange.NewPaperGateway()
	gw.SetPrice("BTC/USDT", 100)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .* FROM orders WHERE signal_id = \$1`).
		WithArgs("sig-1", models.OrderPurposeOpen, models.OrderStatusFilled).
		WillReturnRows(sqlmock.NewRows(orderCols))
	mock.ExpectQuery(`INSERT INTO orders`).WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
	mock.ExpectQuery(`INSERT INTO positions`).WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(7))
	mock.ExpectExec(`UPDATE orders SET status = \$1`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	opened := testutil.ToFloat64(TradesOpened.WithLabelValues("BTC/USDT"))
	tm := NewTransactionManager(db, gw, nil, utils.NewNop())
	res, err := tm.OpenPosition(context.Background(), openRequest())
	if err != nil {
		t.Fatalf("OpenPosition: %v", err)
	}
	if got := testutil.ToFloat64(TradesOpened.WithLabelValues("BTC/USDT")) - opened; got != 1 {
		t.Errorf("trades opened delta = %v, want 1", got)
	}

	if res.Position.ID != 7 || res.Position.EntryPrice != 100 || res.Position.Quantity != 0.5 {
		t.Errorf("position = %+v", res.Position)
	}
	if res.Order.Status != models.OrderStatusFilled || res.Order.PositionID == nil || *res.Order.PositionID != 7 {
		t.Errorf("order = %+v", res.Order)
	}
	if res.Position.Source != models.SourceBot || res.Position.PeakPrice != 100 {
		t.Errorf("position source/peak = %s/%v", res.Position.Source, res.Position.PeakPrice)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestOpenPosition_ExchangeFailureRollsBack(t *testing.T) {
	db, mock := newMockDB(t)
	gw := exchange.NewPaperGateway()
	gw.SetPrice("BTC/USDT", 100)
	gw.FailNext("place_order", errors.New("connection reset"))

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM orders WHERE signal_id`).WillReturnRows(sqlmock.NewRows(orderCols))
	mock.ExpectQuery(`INSERT INTO orders`).WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
	mock.ExpectRollback()

	tm := NewTransactionManager(db, gw, nil, utils.NewNop())
	_, err := tm.OpenPosition(context.Background(), openRequest())
	if !tradeerr.IsKind(err, tradeerr.KindTransientExchange) {
		t.Fatalf("expected transient exchange error, got %v", err)
	}
	// позиция и ордер не сохранены: INSERT positions и COMMIT не ожидаются
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestOpenPosition_Idempotency(t *testing.T) {
	tests := []struct {
		name  string
		setup func(mock sqlmock.Sqlmock)
		calls int
	}{
		{
			name: "filled order exists",
			setup: func(mock sqlmock.Sqlmock) {
				now := time.Now()
				mock.ExpectQuery(`FROM orders WHERE signal_id`).WillReturnRows(sqlmock.NewRows(orderCols).AddRow(
					3, "c-1", "sig-1", 7, "u1", "BTC/USDT", "buy", "market", "open",
					0.5, 100.0, 0.0, 1.0, false, "FILLED", "ex-1", 100.0, 0.5, now, now))
			},
		},
		{
			name: "concurrent insert hits unique index",
			setup: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(`FROM orders WHERE signal_id`).WillReturnRows(sqlmock.NewRows(orderCols))
				mock.ExpectQuery(`INSERT INTO orders`).WillReturnError(&pq.Error{Code: "23505"})
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock := newMockDB(t)
			gw := exchange.NewPaperGateway()
			gw.SetPrice("BTC/USDT", 100)

			mock.ExpectBegin()
			tt.setup(mock)
			mock.ExpectRollback()

			tm := NewTransactionManager(db, gw, nil, utils.NewNop())
			_, err := tm.OpenPosition(context.Background(), openRequest())
			if !tradeerr.IsConflict(err) {
				t.Errorf("expected conflict, got %v", err)
			}
			if n := gw.Calls("place_order"); n != tt.calls {
				t.Errorf("place_order calls = %d, want %d", n, tt.calls)
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Errorf("unfulfilled expectations: %v", err)
			}
		})
	}
}

func TestOpenPosition_CommitFailureNeedsReconciliation(t *testing.T) {
	db, mock := newMockDB(t)
	gw := exchange.NewPaperGateway()
	gw.SetPrice("BTC/USDT", 100)
	sink := &MemoryReconciliationSink{}

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM orders WHERE signal_id`).WillReturnRows(sqlmock.NewRows(orderCols))
	mock.ExpectQuery(`INSERT INTO orders`).WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
	mock.ExpectQuery(`INSERT INTO positions`).WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(7))
	mock.ExpectExec(`UPDATE orders`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit().WillReturnError(errors.New("connection lost"))

	tm := NewTransactionManager(db, gw, sink, utils.NewNop())
	_, err := tm.OpenPosition(context.Background(), openRequest())
	if !tradeerr.IsKind(err, tradeerr.KindPersistence) {
		t.Fatalf("expected persistence error, got %v", err)
	}

	items := sink.Items()
	if len(items) != 1 {
		t.Fatalf("reconciliation items = %d, want 1", len(items))
	}
	if items[0].Op != "open" || items[0].ExchangeOrderID == "" || items[0].Quantity != 0.5 {
		t.Errorf("item = %+v", items[0])
	}
}

// ============================================================
// ClosePosition / ReducePosition
// ============================================================

func TestClosePosition_Success(t *testing.T) {
	db, mock := newMockDB(t)
	gw := exchange.NewPaperGateway()
	gw.SetPrice("BTC/USDT", 110)
	gw.AddPosition(exchange.PositionInfo{Symbol: "BTC/USDT", Side: models.SideLong, Size: 1, EntryPrice: 100})

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE NOWAIT`).WithArgs(int64(7)).WillReturnRows(positionRow(7, "OPEN", 1, 100))
	mock.ExpectQuery(`INSERT INTO orders`).WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(2))
	mock.ExpectExec(`UPDATE positions SET status = \$1`).
		WithArgs(models.PositionStatusClosed, models.CloseReasonTakeProfit, 110.0, 10.0, 110.0,
			sqlmock.AnyArg(), sqlmock.AnyArg(), int64(7), models.PositionStatusOpen).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE orders`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	tm := NewTransactionManager(db, gw, nil, utils.NewNop())
	res, err := tm.ClosePosition(context.Background(), CloseRequest{
		PositionID: 7, Reason: models.CloseReasonTakeProfit, Price: 109,
	})
	if err != nil {
		t.Fatalf("ClosePosition: %v", err)
	}
	if res.PnL != 10 || res.Position.Status != models.PositionStatusClosed {
		t.Errorf("result pnl=%v status=%s", res.PnL, res.Position.Status)
	}
	if res.Order.Side != models.OrderSideSell || !res.Order.ReduceOnly || res.Order.Purpose != models.OrderPurposeClose {
		t.Errorf("closing order = %+v", res.Order)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestClosePosition_Conflicts(t *testing.T) {
	tests := []struct {
		name  string
		setup func(mock sqlmock.Sqlmock)
	}{
		{
			name: "already closed",
			setup: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(`FOR UPDATE NOWAIT`).WillReturnRows(positionRow(7, "CLOSED", 1, 100))
			},
		},
		{
			name: "row locked by concurrent close",
			setup: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(`FOR UPDATE NOWAIT`).WillReturnError(&pq.Error{Code: "55P03"})
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock := newMockDB(t)
			gw := exchange.NewPaperGateway()

			mock.ExpectBegin()
			tt.setup(mock)
			mock.ExpectRollback()

			tm := NewTransactionManager(db, gw, nil, utils.NewNop())
			_, err := tm.ClosePosition(context.Background(), CloseRequest{PositionID: 7, Reason: models.CloseReasonManual})
			if !tradeerr.IsConflict(err) {
				t.Errorf("expected conflict, got %v", err)
			}
			if gw.Calls("close_position") != 0 {
				t.Error("exchange must not be called")
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Errorf("unfulfilled expectations: %v", err)
			}
		})
	}
}

func TestClosePosition_SkipExchange(t *testing.T) {
	db, mock := newMockDB(t)
	gw := exchange.NewPaperGateway()

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE NOWAIT`).WillReturnRows(positionRow(7, "OPEN", 2, 100))
	mock.ExpectExec(`UPDATE positions SET status`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	tm := NewTransactionManager(db, gw, nil, utils.NewNop())
	res, err := tm.ClosePosition(context.Background(), CloseRequest{
		PositionID: 7, Reason: models.CloseReasonExchangeSync, Price: 98, SkipExchange: true,
	})
	if err != nil {
		t.Fatalf("ClosePosition: %v", err)
	}
	if res.Order != nil || res.PnL != -4 {
		t.Errorf("order=%v pnl=%v", res.Order, res.PnL)
	}
	if gw.Calls("close_position") != 0 {
		t.Error("exchange must not be called")
	}
}

func TestReducePosition(t *testing.T) {
	db, mock := newMockDB(t)
	gw := exchange.NewPaperGateway()
	gw.SetPrice("BTC/USDT", 103)
	gw.AddPosition(exchange.PositionInfo{Symbol: "BTC/USDT", Side: models.SideLong, Size: 1, EntryPrice: 100})

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE NOWAIT`).WillReturnRows(positionRow(7, "OPEN", 1, 100))
	mock.ExpectQuery(`INSERT INTO orders`).WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(3))
	mock.ExpectExec(`UPDATE positions SET quantity = \$1`).
		WithArgs(0.6, 1.2, 100.0, 103.0, sqlmock.AnyArg(), int64(7), models.PositionStatusOpen).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE orders`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	tm := NewTransactionManager(db, gw, nil, utils.NewNop())
	res, err := tm.ReducePosition(context.Background(), ReduceRequest{
		PositionID: 7, Quantity: 0.4, Price: 103, NewStopLoss: 100,
	})
	if err != nil {
		t.Fatalf("ReducePosition: %v", err)
	}
	if res.Order.Purpose != models.OrderPurposePartialClose {
		t.Errorf("purpose = %s", res.Order.Purpose)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestReducePosition_InvalidQuantity(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE NOWAIT`).WillReturnRows(positionRow(7, "OPEN", 1, 100))
	mock.ExpectRollback()

	tm := NewTransactionManager(db, exchange.NewPaperGateway(), nil, utils.NewNop())
	_, err := tm.ReducePosition(context.Background(), ReduceRequest{PositionID: 7, Quantity: 1, Price: 103})
	if !tradeerr.IsKind(err, tradeerr.KindValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}
