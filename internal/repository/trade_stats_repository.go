package repository

import (
	"context"

	"tradecore/internal/models"
)

// TradeStatsRepository - агрегаты по закрытым позициям (вход для критерия Келли)
type TradeStatsRepository struct {
	db DBTX
}

// NewTradeStatsRepository создает новый экземпляр репозитория
func NewTradeStatsRepository(db DBTX) *TradeStatsRepository {
	return &TradeStatsRepository{db: db}
}

// Stats возвращает число сделок, выигрыши/проигрыши и средние P&L по символу.
// AvgLoss возвращается положительным числом.
func (r *TradeStatsRepository) Stats(ctx context.Context, userID, symbol string) (models.TradeStats, error) {
	query := `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE realized_pnl > 0),
			COUNT(*) FILTER (WHERE realized_pnl <= 0),
			COALESCE(AVG(realized_pnl) FILTER (WHERE realized_pnl > 0), 0),
			COALESCE(AVG(-realized_pnl) FILTER (WHERE realized_pnl < 0), 0)
		FROM positions
		WHERE user_id = $1 AND symbol = $2 AND status = $3 AND source = $4`

	stats := models.TradeStats{Symbol: symbol}
	err := r.db.QueryRowContext(ctx, query, userID, symbol, models.PositionStatusClosed, models.SourceBot).Scan(
		&stats.TotalTrades,
		&stats.Wins,
		&stats.Losses,
		&stats.AvgWin,
		&stats.AvgLoss,
	)
	return stats, err
}
