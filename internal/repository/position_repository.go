package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"tradecore/internal/models"
)

// Ошибки репозитория позиций
var (
	ErrPositionNotFound = errors.New("position not found")
)

const positionColumns = `id, user_id, symbol, side, quantity, original_quantity, entry_price, current_price,
	leverage, stop_loss, take_profit, peak_price, trough_price, status, source, signal_id,
	close_reason, close_price, realized_pnl, opened_at, closed_at, updated_at`

// PositionRepository - работа с таблицей positions
type PositionRepository struct {
	db DBTX
}

// NewPositionRepository создает новый экземпляр репозитория
func NewPositionRepository(db DBTX) *PositionRepository {
	return &PositionRepository{db: db}
}

// WithTx возвращает репозиторий, работающий внутри транзакции
func (r *PositionRepository) WithTx(tx *sql.Tx) *PositionRepository {
	return &PositionRepository{db: tx}
}

// Create вставляет позицию и заполняет ID
func (r *PositionRepository) Create(ctx context.Context, p *models.Position) error {
	query := `
		INSERT INTO positions (user_id, symbol, side, quantity, original_quantity, entry_price, current_price,
			leverage, stop_loss, take_profit, peak_price, trough_price, status, source, signal_id, opened_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		RETURNING id`

	now := time.Now().UTC()
	if p.OpenedAt.IsZero() {
		p.OpenedAt = now
	}
	p.UpdatedAt = now

	return r.db.QueryRowContext(ctx, query,
		p.UserID,
		p.Symbol,
		p.Side,
		p.Quantity,
		p.OriginalQuantity,
		p.EntryPrice,
		p.CurrentPrice,
		p.Leverage,
		p.StopLoss,
		p.TakeProfit,
		p.PeakPrice,
		p.TroughPrice,
		p.Status,
		p.Source,
		nullString(p.SignalID),
		p.OpenedAt,
		p.UpdatedAt,
	).Scan(&p.ID)
}

// GetByID возвращает позицию по ID
func (r *PositionRepository) GetByID(ctx context.Context, id int64) (*models.Position, error) {
	query := `SELECT ` + positionColumns + ` FROM positions WHERE id = $1`
	return scanPosition(r.db.QueryRowContext(ctx, query, id))
}

// GetForUpdate читает позицию с блокировкой строки до конца транзакции.
// NOWAIT: если строку держит другая транзакция, Postgres сразу вернет 55P03.
func (r *PositionRepository) GetForUpdate(ctx context.Context, id int64) (*models.Position, error) {
	query := `SELECT ` + positionColumns + ` FROM positions WHERE id = $1 FOR UPDATE NOWAIT`
	return scanPosition(r.db.QueryRowContext(ctx, query, id))
}

// FindOpen возвращает открытую позицию пользователя по символу
func (r *PositionRepository) FindOpen(ctx context.Context, userID, symbol string) (*models.Position, error) {
	query := `SELECT ` + positionColumns + `
		FROM positions
		WHERE user_id = $1 AND symbol = $2 AND status = $3
		ORDER BY opened_at DESC
		LIMIT 1`
	return scanPosition(r.db.QueryRowContext(ctx, query, userID, symbol, models.PositionStatusOpen))
}

// ListOpen возвращает открытые позиции пользователя (userID "" - всех)
func (r *PositionRepository) ListOpen(ctx context.Context, userID string) ([]*models.Position, error) {
	query := `SELECT ` + positionColumns + `
		FROM positions
		WHERE status = $1 AND ($2 = '' OR user_id = $2)
		ORDER BY opened_at`

	rows, err := r.db.QueryContext(ctx, query, models.PositionStatusOpen, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []*models.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// CountOpen возвращает число открытых позиций пользователя
func (r *PositionRepository) CountOpen(ctx context.Context, userID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM positions WHERE status = $1 AND user_id = $2`,
		models.PositionStatusOpen, userID,
	).Scan(&n)
	return n, err
}

// UpdateProtection сохраняет SL/TP, экстремумы и текущую цену открытой позиции
func (r *PositionRepository) UpdateProtection(ctx context.Context, p *models.Position) error {
	query := `
		UPDATE positions
		SET stop_loss = $1, take_profit = $2, peak_price = $3, trough_price = $4,
			current_price = $5, updated_at = $6
		WHERE id = $7 AND status = $8`

	p.UpdatedAt = time.Now().UTC()
	res, err := r.db.ExecContext(ctx, query,
		p.StopLoss,
		p.TakeProfit,
		p.PeakPrice,
		p.TroughPrice,
		p.CurrentPrice,
		p.UpdatedAt,
		p.ID,
		models.PositionStatusOpen,
	)
	if err != nil {
		return err
	}
	return expectOneRow(res, ErrPositionNotFound)
}

// Reduce сохраняет уменьшенное количество после частичного закрытия
func (r *PositionRepository) Reduce(ctx context.Context, p *models.Position) error {
	query := `
		UPDATE positions
		SET quantity = $1, realized_pnl = $2, stop_loss = $3, current_price = $4, updated_at = $5
		WHERE id = $6 AND status = $7`

	p.UpdatedAt = time.Now().UTC()
	res, err := r.db.ExecContext(ctx, query,
		p.Quantity,
		p.RealizedPnL,
		p.StopLoss,
		p.CurrentPrice,
		p.UpdatedAt,
		p.ID,
		models.PositionStatusOpen,
	)
	if err != nil {
		return err
	}
	return expectOneRow(res, ErrPositionNotFound)
}

// Close переводит позицию в CLOSED. Повторное закрытие вернет ErrPositionNotFound.
func (r *PositionRepository) Close(ctx context.Context, p *models.Position) error {
	query := `
		UPDATE positions
		SET status = $1, close_reason = $2, close_price = $3, realized_pnl = $4,
			current_price = $5, closed_at = $6, updated_at = $7
		WHERE id = $8 AND status = $9`

	now := time.Now().UTC()
	if p.ClosedAt == nil {
		p.ClosedAt = &now
	}
	p.UpdatedAt = now

	res, err := r.db.ExecContext(ctx, query,
		models.PositionStatusClosed,
		p.CloseReason,
		p.ClosePrice,
		p.RealizedPnL,
		p.ClosePrice,
		p.ClosedAt,
		p.UpdatedAt,
		p.ID,
		models.PositionStatusOpen,
	)
	if err != nil {
		return err
	}
	if err := expectOneRow(res, ErrPositionNotFound); err != nil {
		return err
	}
	p.Status = models.PositionStatusClosed
	p.CurrentPrice = p.ClosePrice
	return nil
}

func scanPosition(row rowScanner) (*models.Position, error) {
	p := &models.Position{}
	var (
		signalID, closeReason sql.NullString
		closedAt              sql.NullTime
	)
	err := row.Scan(
		&p.ID,
		&p.UserID,
		&p.Symbol,
		&p.Side,
		&p.Quantity,
		&p.OriginalQuantity,
		&p.EntryPrice,
		&p.CurrentPrice,
		&p.Leverage,
		&p.StopLoss,
		&p.TakeProfit,
		&p.PeakPrice,
		&p.TroughPrice,
		&p.Status,
		&p.Source,
		&signalID,
		&closeReason,
		&p.ClosePrice,
		&p.RealizedPnL,
		&p.OpenedAt,
		&closedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrPositionNotFound
		}
		return nil, err
	}

	p.SignalID = signalID.String
	p.CloseReason = closeReason.String
	if closedAt.Valid {
		t := closedAt.Time
		p.ClosedAt = &t
	}
	return p, nil
}
