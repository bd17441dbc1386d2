// Package tradeerr - таксономия ошибок торгового ядра.
//
// Виды ошибок:
// - Validation: некорректный сигнал/ордер, отклоняется сразу, без retry
// - TransientExchange: сеть, rate-limit, временная недоступность биржи (retry, затем DLQ)
// - FatalExchange: ошибка авторизации/прав, торговля пользователя останавливается
// - ConcurrencyConflict: блокировка занята или позиция уже закрыта (безопасный no-op)
// - Persistence: сбой БД посреди транзакции (всегда rollback)
package tradeerr

import (
	"context"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// Kind - вид ошибки
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindTransientExchange
	KindFatalExchange
	KindConcurrencyConflict
	KindPersistence
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindTransientExchange:
		return "transient_exchange"
	case KindFatalExchange:
		return "fatal_exchange"
	case KindConcurrencyConflict:
		return "concurrency_conflict"
	case KindPersistence:
		return "persistence"
	default:
		return "unknown"
	}
}

// Error - ошибка с видом и операцией, в которой она произошла
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable - только временные ошибки биржи повторяются (совместимо с pkg/retry)
func (e *Error) Retryable() bool {
	return e.Kind == KindTransientExchange
}

// Temporary - алиас Retryable для retry.RetryIfTemporary
func (e *Error) Temporary() bool {
	return e.Retryable()
}

func newErr(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Validation оборачивает ошибку валидации
func Validation(op string, err error) error { return newErr(KindValidation, op, err) }

// Validationf создает ошибку валидации по формату
func Validationf(op, format string, args ...interface{}) error {
	return newErr(KindValidation, op, fmt.Errorf(format, args...))
}

// TransientExchange оборачивает временную ошибку биржи
func TransientExchange(op string, err error) error {
	return newErr(KindTransientExchange, op, err)
}

// FatalExchange оборачивает фатальную ошибку биржи (auth, права)
func FatalExchange(op string, err error) error { return newErr(KindFatalExchange, op, err) }

// Conflict оборачивает конфликт конкурентного доступа
func Conflict(op string, err error) error { return newErr(KindConcurrencyConflict, op, err) }

// Persistence оборачивает ошибку хранилища
func Persistence(op string, err error) error { return newErr(KindPersistence, op, err) }

// KindOf возвращает вид ошибки или KindUnknown
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind проверяет вид ошибки в цепочке
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsRetryable - можно ли повторить операцию
func IsRetryable(err error) bool {
	return IsKind(err, KindTransientExchange)
}

// IsConflict - ошибка является безопасным конфликтом
func IsConflict(err error) bool {
	return IsKind(err, KindConcurrencyConflict)
}

// Коды PostgreSQL, которые считаются конфликтом
const (
	pgUniqueViolation      = "23505"
	pgSerializationFailure = "40001"
	pgLockNotAvailable     = "55P03"
)

// FromDB классифицирует ошибку драйвера БД.
// Уже классифицированные ошибки возвращаются как есть.
func FromDB(op string, err error) error {
	if err == nil {
		return nil
	}
	if KindOf(err) != KindUnknown {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Persistence(op, err)
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch string(pqErr.Code) {
		case pgUniqueViolation, pgSerializationFailure, pgLockNotAvailable:
			return Conflict(op, err)
		}
	}
	return Persistence(op, err)
}
