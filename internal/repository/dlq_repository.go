package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/lib/pq"

	"tradecore/internal/models"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Ошибки репозитория DLQ
var (
	ErrDLQEntryNotFound = errors.New("dlq entry not found")
)

const dlqColumns = `id, signal_type, signal_data, error_message, error_code, user_id, symbol, created_at,
	retry_count, max_retries, next_retry_at, status, last_error, metadata, updated_at`

// DLQRepository - постоянное хранилище записей DLQ в Postgres
type DLQRepository struct {
	db DBTX
}

// NewDLQRepository создает новый экземпляр репозитория
func NewDLQRepository(db DBTX) *DLQRepository {
	return &DLQRepository{db: db}
}

// Save вставляет запись или обновляет изменяемые поля существующей
func (r *DLQRepository) Save(ctx context.Context, e *models.DLQEntry) error {
	query := `
		INSERT INTO dlq_entries (` + dlqColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO UPDATE SET
			retry_count = EXCLUDED.retry_count,
			next_retry_at = EXCLUDED.next_retry_at,
			status = EXCLUDED.status,
			last_error = EXCLUDED.last_error,
			metadata = EXCLUDED.metadata,
			updated_at = EXCLUDED.updated_at`

	var metadata []byte
	if len(e.Metadata) > 0 {
		var err error
		if metadata, err = json.Marshal(e.Metadata); err != nil {
			return fmt.Errorf("marshal dlq metadata: %w", err)
		}
	}

	_, err := r.db.ExecContext(ctx, query,
		e.ID,
		e.SignalType,
		e.SignalData,
		e.ErrorMessage,
		e.ErrorCode,
		e.UserID,
		e.Symbol,
		e.CreatedAt,
		e.RetryCount,
		e.MaxRetries,
		e.NextRetryAt,
		e.Status,
		e.LastError,
		metadata,
		e.UpdatedAt,
	)
	return err
}

// Get возвращает запись по ID
func (r *DLQRepository) Get(ctx context.Context, id string) (*models.DLQEntry, error) {
	query := `SELECT ` + dlqColumns + ` FROM dlq_entries WHERE id = $1`
	return scanDLQEntry(r.db.QueryRowContext(ctx, query, id))
}

// List возвращает записи по фильтру, упорядоченные по next_retry_at
func (r *DLQRepository) List(ctx context.Context, f models.DLQFilter) ([]*models.DLQEntry, error) {
	var (
		conds []string
		args  []interface{}
	)
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if len(f.Statuses) > 0 {
		conds = append(conds, "status = ANY("+arg(pq.Array(f.Statuses))+")")
	}
	if !f.DueBefore.IsZero() {
		conds = append(conds, "next_retry_at <= "+arg(f.DueBefore))
	}
	if !f.CreatedBefore.IsZero() {
		conds = append(conds, "created_at < "+arg(f.CreatedBefore))
	}

	query := `SELECT ` + dlqColumns + ` FROM dlq_entries`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY next_retry_at"
	if f.Limit > 0 {
		query += " LIMIT " + arg(f.Limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*models.DLQEntry
	for rows.Next() {
		e, err := scanDLQEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Delete удаляет запись
func (r *DLQRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM dlq_entries WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return expectOneRow(res, ErrDLQEntryNotFound)
}

func scanDLQEntry(row rowScanner) (*models.DLQEntry, error) {
	e := &models.DLQEntry{}
	var metadata []byte
	err := row.Scan(
		&e.ID,
		&e.SignalType,
		&e.SignalData,
		&e.ErrorMessage,
		&e.ErrorCode,
		&e.UserID,
		&e.Symbol,
		&e.CreatedAt,
		&e.RetryCount,
		&e.MaxRetries,
		&e.NextRetryAt,
		&e.Status,
		&e.LastError,
		&metadata,
		&e.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDLQEntryNotFound
		}
		return nil, err
	}

	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal dlq metadata: %w", err)
		}
	}
	return e, nil
}
