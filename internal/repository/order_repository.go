package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"tradecore/internal/models"
)

// Ошибки репозитория ордеров
var (
	ErrOrderNotFound = errors.New("order not found")
)

const orderColumns = `id, client_order_id, signal_id, position_id, user_id, symbol, side, type, purpose,
	quantity, price, stop_price, leverage, reduce_only, status, exchange_order_id,
	filled_price, filled_quantity, created_at, updated_at`

// OrderRepository - работа с таблицей orders
type OrderRepository struct {
	db DBTX
}

// NewOrderRepository создает новый экземпляр репозитория
func NewOrderRepository(db DBTX) *OrderRepository {
	return &OrderRepository{db: db}
}

// WithTx возвращает репозиторий, работающий внутри транзакции
func (r *OrderRepository) WithTx(tx *sql.Tx) *OrderRepository {
	return &OrderRepository{db: tx}
}

// Create вставляет ордер и заполняет ID
func (r *OrderRepository) Create(ctx context.Context, o *models.Order) error {
	query := `
		INSERT INTO orders (client_order_id, signal_id, position_id, user_id, symbol, side, type, purpose,
			quantity, price, stop_price, leverage, reduce_only, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		RETURNING id`

	now := time.Now().UTC()
	o.CreatedAt = now
	o.UpdatedAt = now

	return r.db.QueryRowContext(ctx, query,
		o.ClientOrderID,
		nullString(o.SignalID),
		o.PositionID,
		o.UserID,
		o.Symbol,
		o.Side,
		o.Type,
		o.Purpose,
		o.Quantity,
		o.Price,
		o.StopPrice,
		o.Leverage,
		o.ReduceOnly,
		o.Status,
		o.CreatedAt,
		o.UpdatedAt,
	).Scan(&o.ID)
}

// MarkFilled переводит ордер в FILLED с данными исполнения
func (r *OrderRepository) MarkFilled(ctx context.Context, o *models.Order) error {
	query := `
		UPDATE orders
		SET status = $1, exchange_order_id = $2, filled_price = $3, filled_quantity = $4,
			position_id = $5, updated_at = $6
		WHERE id = $7`

	o.Status = models.OrderStatusFilled
	o.UpdatedAt = time.Now().UTC()

	res, err := r.db.ExecContext(ctx, query,
		o.Status,
		nullString(o.ExchangeOrderID),
		o.FilledPrice,
		o.FilledQuantity,
		o.PositionID,
		o.UpdatedAt,
		o.ID,
	)
	if err != nil {
		return err
	}
	return expectOneRow(res, ErrOrderNotFound)
}

// FindFilledOpenBySignal возвращает исполненный ордер на открытие для сигнала
func (r *OrderRepository) FindFilledOpenBySignal(ctx context.Context, signalID string) (*models.Order, error) {
	query := `SELECT ` + orderColumns + `
		FROM orders
		WHERE signal_id = $1 AND purpose = $2 AND status = $3
		LIMIT 1`

	return scanOrder(r.db.QueryRowContext(ctx, query, signalID, models.OrderPurposeOpen, models.OrderStatusFilled))
}

// ListByPosition возвращает ордера позиции в порядке создания
func (r *OrderRepository) ListByPosition(ctx context.Context, positionID int64) ([]*models.Order, error) {
	query := `SELECT ` + orderColumns + `
		FROM orders
		WHERE position_id = $1
		ORDER BY created_at`

	rows, err := r.db.QueryContext(ctx, query, positionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []*models.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// rowScanner - *sql.Row или *sql.Rows
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(row rowScanner) (*models.Order, error) {
	o := &models.Order{}
	var (
		signalID, exchangeID sql.NullString
		positionID           sql.NullInt64
	)
	err := row.Scan(
		&o.ID,
		&o.ClientOrderID,
		&signalID,
		&positionID,
		&o.UserID,
		&o.Symbol,
		&o.Side,
		&o.Type,
		&o.Purpose,
		&o.Quantity,
		&o.Price,
		&o.StopPrice,
		&o.Leverage,
		&o.ReduceOnly,
		&o.Status,
		&exchangeID,
		&o.FilledPrice,
		&o.FilledQuantity,
		&o.CreatedAt,
		&o.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}

	o.SignalID = signalID.String
	o.ExchangeOrderID = exchangeID.String
	if positionID.Valid {
		id := positionID.Int64
		o.PositionID = &id
	}
	return o, nil
}

// expectOneRow возвращает notFound, если UPDATE не затронул строк
func expectOneRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}
