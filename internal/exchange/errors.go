package exchange

import (
	"context"
	"errors"
	"fmt"

	"tradecore/internal/tradeerr"
)

// ErrorKind - вид ошибки биржи
type ErrorKind string

const (
	KindAuth                ErrorKind = "auth"
	KindTransient           ErrorKind = "transient"
	KindRateLimited         ErrorKind = "rate_limited"
	KindInvalidOrder        ErrorKind = "invalid_order"
	KindInsufficientBalance ErrorKind = "insufficient_balance"
	KindNotFound            ErrorKind = "not_found"
)

// Error - ошибка, полученная от биржи
type Error struct {
	Kind    ErrorKind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("exchange %s [%s]: %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("exchange %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Temporary - сетевые сбои и rate-limit можно повторить
func (e *Error) Temporary() bool {
	return e.Kind == KindTransient || e.Kind == KindRateLimited
}

// NewError создает ошибку биржи
func NewError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// ErrPositionNotFound - позиции уже нет на бирже
var ErrPositionNotFound = &Error{Kind: KindNotFound, Message: "position not found"}

// Classify переводит ошибку биржи в таксономию tradeerr:
//   - auth -> FatalExchange
//   - transient, rate_limited, сетевые таймауты -> TransientExchange
//   - invalid_order, insufficient_balance -> Validation
//   - not_found -> ConcurrencyConflict (позиция уже закрыта)
//
// Неизвестные ошибки считаются временными.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if tradeerr.KindOf(err) != tradeerr.KindUnknown {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	var exErr *Error
	if errors.As(err, &exErr) {
		switch exErr.Kind {
		case KindAuth:
			return tradeerr.FatalExchange(op, err)
		case KindInvalidOrder, KindInsufficientBalance:
			return tradeerr.Validation(op, err)
		case KindNotFound:
			return tradeerr.Conflict(op, err)
		default:
			return tradeerr.TransientExchange(op, err)
		}
	}

	// сеть, таймауты, неразобранные ответы
	return tradeerr.TransientExchange(op, err)
}
