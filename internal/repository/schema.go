package repository

import (
	"context"
	"database/sql"
	"fmt"
)

// Schema - DDL таблиц ядра. Применяется командой migrate.
//
// orders.client_order_id уникален всегда, signal_id - только для ордеров
// на открытие: один сигнал не может открыть две позиции.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS positions (
		id                BIGSERIAL PRIMARY KEY,
		user_id           TEXT NOT NULL,
		symbol            TEXT NOT NULL,
		side              TEXT NOT NULL,
		quantity          DOUBLE PRECISION NOT NULL,
		original_quantity DOUBLE PRECISION NOT NULL,
		entry_price       DOUBLE PRECISION NOT NULL,
		current_price     DOUBLE PRECISION NOT NULL DEFAULT 0,
		leverage          DOUBLE PRECISION NOT NULL DEFAULT 1,
		stop_loss         DOUBLE PRECISION NOT NULL DEFAULT 0,
		take_profit       DOUBLE PRECISION NOT NULL DEFAULT 0,
		peak_price        DOUBLE PRECISION NOT NULL DEFAULT 0,
		trough_price      DOUBLE PRECISION NOT NULL DEFAULT 0,
		status            TEXT NOT NULL,
		source            TEXT NOT NULL DEFAULT 'bot',
		signal_id         TEXT,
		close_reason      TEXT,
		close_price       DOUBLE PRECISION NOT NULL DEFAULT 0,
		realized_pnl      DOUBLE PRECISION NOT NULL DEFAULT 0,
		opened_at         TIMESTAMPTZ NOT NULL,
		closed_at         TIMESTAMPTZ,
		updated_at        TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS positions_status_idx ON positions (status)`,
	`CREATE INDEX IF NOT EXISTS positions_user_symbol_idx ON positions (user_id, symbol)`,
	`CREATE TABLE IF NOT EXISTS orders (
		id                BIGSERIAL PRIMARY KEY,
		client_order_id   TEXT NOT NULL UNIQUE,
		signal_id         TEXT,
		position_id       BIGINT REFERENCES positions (id),
		user_id           TEXT NOT NULL,
		symbol            TEXT NOT NULL,
		side              TEXT NOT NULL,
		type              TEXT NOT NULL,
		purpose           TEXT NOT NULL,
		quantity          DOUBLE PRECISION NOT NULL,
		price             DOUBLE PRECISION NOT NULL DEFAULT 0,
		stop_price        DOUBLE PRECISION NOT NULL DEFAULT 0,
		leverage          DOUBLE PRECISION NOT NULL DEFAULT 1,
		reduce_only       BOOLEAN NOT NULL DEFAULT FALSE,
		status            TEXT NOT NULL,
		exchange_order_id TEXT,
		filled_price      DOUBLE PRECISION NOT NULL DEFAULT 0,
		filled_quantity   DOUBLE PRECISION NOT NULL DEFAULT 0,
		created_at        TIMESTAMPTZ NOT NULL,
		updated_at        TIMESTAMPTZ NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS orders_open_signal_uidx ON orders (signal_id) WHERE purpose = 'open' AND signal_id IS NOT NULL`,
	`CREATE TABLE IF NOT EXISTS dlq_entries (
		id             TEXT PRIMARY KEY,
		signal_type    TEXT NOT NULL,
		signal_data    JSONB NOT NULL,
		error_message  TEXT NOT NULL DEFAULT '',
		error_code     TEXT NOT NULL DEFAULT '',
		user_id        TEXT NOT NULL DEFAULT '',
		symbol         TEXT NOT NULL DEFAULT '',
		created_at     TIMESTAMPTZ NOT NULL,
		retry_count    INTEGER NOT NULL DEFAULT 0,
		max_retries    INTEGER NOT NULL,
		next_retry_at  TIMESTAMPTZ NOT NULL,
		status         TEXT NOT NULL,
		last_error     TEXT NOT NULL DEFAULT '',
		metadata       JSONB,
		updated_at     TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS dlq_entries_due_idx ON dlq_entries (status, next_retry_at)`,
}

// Migrate применяет Schema в одной транзакции
func Migrate(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("migrate: begin: %w", err)
	}
	defer tx.Rollback()

	for i, stmt := range Schema {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: statement %d: %w", i+1, err)
		}
	}
	return tx.Commit()
}
