package repository

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"tradecore/internal/models"
)

func newMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db, mock
}

var orderCols = []string{"id", "client_order_id", "signal_id", "position_id", "user_id", "symbol", "side", "type", "purpose",
	"quantity", "price", "stop_price", "leverage", "reduce_only", "status", "exchange_order_id",
	"filled_price", "filled_quantity", "created_at", "updated_at"}

var positionCols = []string{"id", "user_id", "symbol", "side", "quantity", "original_quantity", "entry_price", "current_price",
	"leverage", "stop_loss", "take_profit", "peak_price", "trough_price", "status", "source", "signal_id",
	"close_reason", "close_price", "realized_pnl", "opened_at", "closed_at", "updated_at"}

var dlqCols = []string{"id", "signal_type", "signal_data", "error_message", "error_code", "user_id", "symbol", "created_at",
	"retry_count", "max_retries", "next_retry_at", "status", "last_error", "metadata", "updated_at"}

// ============================================================
// OrderRepository Tests
// ============================================================

func TestOrderRepositoryCreate(t *testing.T) {
	tests := []struct {
		name        string
		order       *models.Order
		mockSetup   func(mock sqlmock.Sqlmock)
		expectError bool
	}{
		{
			name: "success",
			order: &models.Order{
				ClientOrderID: "c-1",
				SignalID:      "sig-1",
				UserID:        "u1",
				Symbol:        "BTC/USDT",
				Side:          models.OrderSideBuy,
				Type:          models.OrderTypeMarket,
				Purpose:       models.OrderPurposeOpen,
				Quantity:      0.01,
				Price:         50000,
				Leverage:      1,
				Status:        models.OrderStatusPending,
			},
			mockSetup: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(`INSERT INTO orders`).
					WithArgs("c-1", "sig-1", nil, "u1", "BTC/USDT", "buy", "market", "open",
						0.01, 50000.0, 0.0, 1.0, false, models.OrderStatusPending, sqlmock.AnyArg(), sqlmock.AnyArg()).
					WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
			},
		},
		{
			name:  "database error",
			order: &models.Order{ClientOrderID: "c-2"},
			mockSetup: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(`INSERT INTO orders`).WillReturnError(errors.New("database error"))
			},
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock := newMock(t)
			tt.mockSetup(mock)

			err := NewOrderRepository(db).Create(context.Background(), tt.order)

			if tt.expectError {
				if err == nil {
					t.Error("expected error, got nil")
				}
			} else {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				if tt.order.ID != 1 {
					t.Errorf("expected ID=1, got %d", tt.order.ID)
				}
			}

			if err := mock.ExpectationsWereMet(); err != nil {
				t.Errorf("unfulfilled expectations: %v", err)
			}
		})
	}
}

func TestOrderRepositoryMarkFilled(t *testing.T) {
	db, mock := newMock(t)
	posID := int64(7)

	mock.ExpectExec(`UPDATE orders SET status = \$1`).
		WithArgs(models.OrderStatusFilled, "ex-1", 50010.0, 0.01, posID, sqlmock.AnyArg(), int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE orders`).WillReturnResult(sqlmock.NewResult(0, 0))

	repo := NewOrderRepository(db)
	o := &models.Order{ID: 3, ExchangeOrderID: "ex-1", FilledPrice: 50010, FilledQuantity: 0.01, PositionID: &posID}
	if err := repo.MarkFilled(context.Background(), o); err != nil {
		t.Fatalf("MarkFilled: %v", err)
	}
	if o.Status != models.OrderStatusFilled {
		t.Errorf("status = %s", o.Status)
	}

	if err := repo.MarkFilled(context.Background(), &models.Order{ID: 99}); !errors.Is(err, ErrOrderNotFound) {
		t.Errorf("expected ErrOrderNotFound, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestOrderRepositoryFindFilledOpenBySignal(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name        string
		mockSetup   func(mock sqlmock.Sqlmock)
		expectError error
	}{
		{
			name: "found",
			mockSetup: func(mock sqlmock.Sqlmock) {
				rows := sqlmock.NewRows(orderCols).AddRow(
					1, "c-1", "sig-1", 7, "u1", "BTC/USDT", "buy", "market", "open",
					0.01, 50000.0, 0.0, 1.0, false, "FILLED", "ex-1", 50000.0, 0.01, now, now)
				mock.ExpectQuery(`SELECT .+ FROM orders WHERE signal_id = \$1 AND purpose = \$2 AND status = \$3`).
					WithArgs("sig-1", models.OrderPurposeOpen, models.OrderStatusFilled).
					WillReturnRows(rows)
			},
		},
		{
			name: "not found",
			mockSetup: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(`SELECT .+ FROM orders`).WillReturnError(sql.ErrNoRows)
			},
			expectError: ErrOrderNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock := newMock(t)
			tt.mockSetup(mock)

			o, err := NewOrderRepository(db).FindFilledOpenBySignal(context.Background(), "sig-1")
			if tt.expectError != nil {
				if !errors.Is(err, tt.expectError) {
					t.Errorf("expected %v, got %v", tt.expectError, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if o.PositionID == nil || *o.PositionID != 7 || o.ExchangeOrderID != "ex-1" {
				t.Errorf("unexpected order %+v", o)
			}
		})
	}
}

// ============================================================
// PositionRepository Tests
// ============================================================

func TestPositionRepositoryCreate(t *testing.T) {
	db, mock := newMock(t)

	p := &models.Position{
		UserID: "u1", Symbol: "BTC/USDT", Side: models.SideLong,
		Quantity: 0.02, OriginalQuantity: 0.02, EntryPrice: 100, CurrentPrice: 100,
		Leverage: 1, StopLoss: 95, TakeProfit: 107.5, PeakPrice: 100, TroughPrice: 100,
		Status: models.PositionStatusOpen, Source: models.SourceBot,
	}

	mock.ExpectQuery(`INSERT INTO positions`).
		WithArgs("u1", "BTC/USDT", "long", 0.02, 0.02, 100.0, 100.0, 1.0, 95.0, 107.5, 100.0, 100.0,
			"OPEN", "bot", nil, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(42))

	if err := NewPositionRepository(db).Create(context.Background(), p); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if p.ID != 42 || p.OpenedAt.IsZero() {
		t.Errorf("ID/OpenedAt not set: %+v", p)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestPositionRepositoryGetForUpdate(t *testing.T) {
	db, mock := newMock(t)
	now := time.Now()

	rows := sqlmock.NewRows(positionCols).AddRow(
		5, "u1", "ETH/USDT", "short", 1.0, 1.0, 2000.0, 1990.0, 2.0, 2050.0, 1900.0, 2000.0, 1980.0,
		"OPEN", "bot", "sig-9", nil, 0.0, 0.0, now, nil, now)
	mock.ExpectQuery(`SELECT .+ FROM positions WHERE id = \$1 FOR UPDATE NOWAIT`).
		WithArgs(int64(5)).
		WillReturnRows(rows)

	p, err := NewPositionRepository(db).GetForUpdate(context.Background(), 5)
	if err != nil {
		t.Fatalf("GetForUpdate: %v", err)
	}
	if p.Side != models.SideShort || p.SignalID != "sig-9" || p.ClosedAt != nil || p.TroughPrice != 1980 {
		t.Errorf("unexpected position %+v", p)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestPositionRepositoryListOpen(t *testing.T) {
	db, mock := newMock(t)
	now := time.Now()

	rows := sqlmock.NewRows(positionCols).
		AddRow(1, "u1", "BTC/USDT", "long", 0.1, 0.1, 100.0, 101.0, 1.0, 95.0, 110.0, 101.0, 100.0, "OPEN", "bot", nil, nil, 0.0, 0.0, now, nil, now).
		AddRow(2, "u1", "ETH/USDT", "long", 1.0, 1.0, 10.0, 10.0, 1.0, 0.0, 0.0, 10.0, 10.0, "OPEN", "manual", nil, nil, 0.0, 0.0, now, nil, now)
	mock.ExpectQuery(`SELECT .+ FROM positions WHERE status = \$1`).
		WithArgs(models.PositionStatusOpen, "u1").
		WillReturnRows(rows)

	positions, err := NewPositionRepository(db).ListOpen(context.Background(), "u1")
	if err != nil {
		t.Fatalf("ListOpen: %v", err)
	}
	if len(positions) != 2 || !positions[1].IsManual() {
		t.Errorf("unexpected positions %+v", positions)
	}
}

func TestPositionRepositoryClose(t *testing.T) {
	tests := []struct {
		name        string
		affected    int64
		expectError error
	}{
		{"closes open position", 1, nil},
		{"already closed", 0, ErrPositionNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock := newMock(t)
			mock.ExpectExec(`UPDATE positions SET status = \$1`).
				WithArgs(models.PositionStatusClosed, models.CloseReasonTakeProfit, 107.5, 0.15, 107.5,
					sqlmock.AnyArg(), sqlmock.AnyArg(), int64(3), models.PositionStatusOpen).
				WillReturnResult(sqlmock.NewResult(0, tt.affected))

			p := &models.Position{ID: 3, Status: models.PositionStatusOpen, CloseReason: models.CloseReasonTakeProfit, ClosePrice: 107.5, RealizedPnL: 0.15}
			err := NewPositionRepository(db).Close(context.Background(), p)

			if !errors.Is(err, tt.expectError) {
				t.Fatalf("expected %v, got %v", tt.expectError, err)
			}
			if tt.expectError == nil && p.Status != models.PositionStatusClosed {
				t.Errorf("status = %s", p.Status)
			}
		})
	}
}

func TestPositionRepositoryUpdateProtection(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectExec(`UPDATE positions SET stop_loss = \$1`).
		WithArgs(101.5, 107.5, 103.0, 100.0, 103.0, sqlmock.AnyArg(), int64(1), models.PositionStatusOpen).
		WillReturnResult(sqlmock.NewResult(0, 1))

	p := &models.Position{ID: 1, StopLoss: 101.5, TakeProfit: 107.5, PeakPrice: 103, TroughPrice: 100, CurrentPrice: 103}
	if err := NewPositionRepository(db).UpdateProtection(context.Background(), p); err != nil {
		t.Fatalf("UpdateProtection: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

// ============================================================
// TradeStatsRepository Tests
// ============================================================

func TestTradeStatsRepositoryStats(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectQuery(`SELECT\s+COUNT\(\*\)`).
		WithArgs("u1", "BTC/USDT", models.PositionStatusClosed, models.SourceBot).
		WillReturnRows(sqlmock.NewRows([]string{"total", "wins", "losses", "avg_win", "avg_loss"}).AddRow(20, 12, 8, 30.0, 20.0))

	stats, err := NewTradeStatsRepository(db).Stats(context.Background(), "u1", "BTC/USDT")
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.TotalTrades != 20 || stats.WinRate() != 0.6 || stats.AvgLoss != 20 {
		t.Errorf("unexpected stats %+v", stats)
	}
}

// ============================================================
// DLQRepository Tests
// ============================================================

func TestDLQRepositorySaveAndGet(t *testing.T) {
	db, mock := newMock(t)
	now := time.Now().UTC()

	entry := &models.DLQEntry{
		ID: "e1", SignalType: "trade_signal", SignalData: []byte(`{"symbol":"BTC/USDT"}`),
		ErrorMessage: "timeout", UserID: "u1", Symbol: "BTC/USDT",
		CreatedAt: now, MaxRetries: 5, NextRetryAt: now.Add(30 * time.Second),
		Status: models.DLQStatusPending, Metadata: map[string]string{"kind": "transient_exchange"}, UpdatedAt: now,
	}

	mock.ExpectExec(`INSERT INTO dlq_entries .+ ON CONFLICT \(id\) DO UPDATE`).
		WithArgs("e1", "trade_signal", entry.SignalData, "timeout", "", "u1", "BTC/USDT", now,
			0, 5, entry.NextRetryAt, models.DLQStatusPending, "", []byte(`{"kind":"transient_exchange"}`), now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	repo := NewDLQRepository(db)
	if err := repo.Save(context.Background(), entry); err != nil {
		t.Fatalf("Save: %v", err)
	}

	mock.ExpectQuery(`SELECT .+ FROM dlq_entries WHERE id = \$1`).
		WithArgs("e1").
		WillReturnRows(sqlmock.NewRows(dlqCols).AddRow(
			"e1", "trade_signal", entry.SignalData, "timeout", "", "u1", "BTC/USDT", now,
			1, 5, now, models.DLQStatusRetrying, "again", []byte(`{"kind":"transient_exchange"}`), now))

	got, err := repo.Get(context.Background(), "e1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.RetryCount != 1 || got.Metadata["kind"] != "transient_exchange" {
		t.Errorf("unexpected entry %+v", got)
	}

	mock.ExpectQuery(`SELECT .+ FROM dlq_entries`).WillReturnError(sql.ErrNoRows)
	if _, err := repo.Get(context.Background(), "missing"); !errors.Is(err, ErrDLQEntryNotFound) {
		t.Errorf("expected ErrDLQEntryNotFound, got %v", err)
	}
}

func TestDLQRepositoryList(t *testing.T) {
	db, mock := newMock(t)
	now := time.Now().UTC()

	mock.ExpectQuery(`SELECT .+ FROM dlq_entries WHERE status = ANY\(\$1\) AND next_retry_at <= \$2 ORDER BY next_retry_at LIMIT \$3`).
		WithArgs(sqlmock.AnyArg(), now, 10).
		WillReturnRows(sqlmock.NewRows(dlqCols).AddRow(
			"e1", "trade_signal", []byte(`{}`), "timeout", "", "u1", "BTC/USDT", now,
			0, 5, now, models.DLQStatusPending, "", nil, now))

	entries, err := NewDLQRepository(db).List(context.Background(), models.DLQFilter{
		Statuses:  []string{models.DLQStatusPending},
		DueBefore: now,
		Limit:     10,
	})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 1 || entries[0].Metadata != nil {
		t.Errorf("unexpected entries %+v", entries)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestMigrate(t *testing.T) {
	db, mock := newMock(t)

	mock.ExpectBegin()
	for range Schema {
		mock.ExpectExec(`CREATE`).WillReturnResult(sqlmock.NewResult(0, 0))
	}
	mock.ExpectCommit()

	if err := Migrate(context.Background(), db); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}
