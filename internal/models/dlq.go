package models

import "time"

// DLQEntry - неудачно исполненный сигнал, ожидающий повтора
type DLQEntry struct {
	ID           string            `json:"id" db:"id"`
	SignalType   string            `json:"signal_type" db:"signal_type"`
	SignalData   []byte            `json:"signal_data" db:"signal_data"` // JSON исходного сигнала
	ErrorMessage string            `json:"error_message" db:"error_message"`
	ErrorCode    string            `json:"error_code" db:"error_code"`
	UserID       string            `json:"user_id" db:"user_id"`
	Symbol       string            `json:"symbol" db:"symbol"`
	CreatedAt    time.Time         `json:"created_at" db:"created_at"`
	RetryCount   int               `json:"retry_count" db:"retry_count"`
	MaxRetries   int               `json:"max_retries" db:"max_retries"`
	NextRetryAt  time.Time         `json:"next_retry_at" db:"next_retry_at"`
	Status       string            `json:"status" db:"status"`
	LastError    string            `json:"last_error,omitempty" db:"last_error"`
	Metadata     map[string]string `json:"metadata,omitempty" db:"metadata"`
	UpdatedAt    time.Time         `json:"updated_at" db:"updated_at"`
}

// Статусы записи DLQ
const (
	DLQStatusPending         = "PENDING"
	DLQStatusRetrying        = "RETRYING"
	DLQStatusSucceeded       = "SUCCEEDED"
	DLQStatusFailedPermanent = "FAILED_PERMANENT"
	DLQStatusExpired         = "EXPIRED"
	DLQStatusManual          = "MANUAL"
)

// IsValidDLQStatus проверяет, что статус известен
func IsValidDLQStatus(status string) bool {
	switch status {
	case DLQStatusPending, DLQStatusRetrying, DLQStatusSucceeded,
		DLQStatusFailedPermanent, DLQStatusExpired, DLQStatusManual:
		return true
	}
	return false
}

// IsTerminal - запись больше не будет повторяться
func (e *DLQEntry) IsTerminal() bool {
	switch e.Status {
	case DLQStatusSucceeded, DLQStatusFailedPermanent, DLQStatusExpired, DLQStatusManual:
		return true
	}
	return false
}

// DLQFilter - выборка записей DLQ. Пустые поля не ограничивают выборку.
type DLQFilter struct {
	Statuses      []string
	DueBefore     time.Time // next_retry_at <= DueBefore
	CreatedBefore time.Time // created_at < CreatedBefore
	Limit         int
}
