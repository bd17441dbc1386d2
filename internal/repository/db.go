// Package repository - хранение ордеров, позиций и DLQ в Postgres.
//
// Репозитории работают через DBTX, поэтому одинаково используются
// с *sql.DB и внутри транзакции (*sql.Tx).
package repository

import (
	"context"
	"database/sql"
)

// DBTX - общее подмножество *sql.DB и *sql.Tx
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// nullString - пустая строка хранится как NULL
func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
