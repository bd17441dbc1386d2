// Package dlq - очередь повторов сигналов, исполнение которых не удалось.
//
// Запись создается при сбое исполнения, повторяется с экспоненциальной
// задержкой min(MaxDelay, BaseDelay*2^n) и переводится в FAILED_PERMANENT
// после MaxRetries попыток. Записи старше Expiry помечаются EXPIRED
// независимо от оставшихся попыток. Хранилище переживает перезапуск.
package dlq

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"

	"tradecore/internal/models"
	"tradecore/internal/tradeerr"
	"tradecore/pkg/retry"
	"tradecore/pkg/utils"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Config - параметры очереди
type Config struct {
	MaxRetries   int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	Expiry       time.Duration
	PollInterval time.Duration
	BatchSize    int
}

// DefaultConfig возвращает параметры по умолчанию
func DefaultConfig() Config {
	return Config{
		MaxRetries:   5,
		BaseDelay:    30 * time.Second,
		MaxDelay:     300 * time.Second,
		Expiry:       24 * time.Hour,
		PollInterval: 30 * time.Second,
		BatchSize:    50,
	}
}

// Store - хранилище записей (repository.DLQRepository или FileStore)
type Store interface {
	Save(ctx context.Context, e *models.DLQEntry) error
	Get(ctx context.Context, id string) (*models.DLQEntry, error)
	List(ctx context.Context, f models.DLQFilter) ([]*models.DLQEntry, error)
	Delete(ctx context.Context, id string) error
}

// RetryFunc повторно исполняет сигнал
type RetryFunc func(ctx context.Context, s *models.Signal) error

// Callbacks - уведомления о завершении записи. Поля могут быть nil.
type Callbacks struct {
	OnSuccess func(e *models.DLQEntry)
	OnFailure func(e *models.DLQEntry) // FAILED_PERMANENT или EXPIRED
}

// Queue - очередь повторов
type Queue struct {
	cfg   Config
	store Store
	retry RetryFunc
	cb    Callbacks
	log   *utils.Logger
	now   func() time.Time
}

// New создает очередь. retry можно задать позже через SetRetryFunc.
func New(cfg Config, store Store, retry RetryFunc, cb Callbacks, log *utils.Logger) *Queue {
	return &Queue{
		cfg:   cfg,
		store: store,
		retry: retry,
		cb:    cb,
		log:   log.WithComponent("dlq"),
		now:   time.Now,
	}
}

// SetRetryFunc задает функцию повторного исполнения
func (q *Queue) SetRetryFunc(fn RetryFunc) {
	q.retry = fn
}

// Backoff возвращает задержку перед повтором номер retryCount: BaseDelay * 2^n, не больше MaxDelay
func (q *Queue) Backoff(retryCount int) time.Duration {
	return retry.Config{InitialDelay: q.cfg.BaseDelay, MaxDelay: q.cfg.MaxDelay, Multiplier: 2}.Delay(retryCount)
}

// AddFailedSignal сохраняет сигнал, исполнение которого завершилось ошибкой cause
func (q *Queue) AddFailedSignal(ctx context.Context, s *models.Signal, cause error) (string, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("encode signal %s: %w", s.ID, err)
	}

	now := q.now()
	e := &models.DLQEntry{
		ID:           uuid.NewString(),
		SignalType:   string(s.Action),
		SignalData:   data,
		ErrorMessage: errText(cause),
		ErrorCode:    tradeerr.KindOf(cause).String(),
		UserID:       s.UserID,
		Symbol:       s.Symbol,
		CreatedAt:    now,
		MaxRetries:   q.cfg.MaxRetries,
		NextRetryAt:  now.Add(q.Backoff(0)),
		Status:       models.DLQStatusPending,
		Metadata:     map[string]string{"signal_id": s.ID, "source": s.Source},
		UpdatedAt:    now,
	}
	if err := q.store.Save(ctx, e); err != nil {
		return "", fmt.Errorf("save dlq entry: %w", err)
	}

	q.log.Warn("signal added to DLQ",
		utils.String("entry_id", e.ID), utils.SignalID(s.ID), utils.Symbol(s.Symbol),
		utils.UserID(s.UserID), utils.String("error_code", e.ErrorCode), utils.Err(cause),
		utils.Time("next_retry_at", e.NextRetryAt))
	return e.ID, nil
}

// ProcessDue повторяет записи, у которых подошло время. Возвращает число обработанных.
func (q *Queue) ProcessDue(ctx context.Context) (int, error) {
	if q.retry == nil {
		return 0, fmt.Errorf("dlq: retry func is not set")
	}
	if _, err := q.ExpireOld(ctx); err != nil {
		q.log.Warn("failed to expire old entries", utils.Err(err))
	}

	due, err := q.store.List(ctx, models.DLQFilter{
		Statuses:  []string{models.DLQStatusPending},
		DueBefore: q.now(),
		Limit:     q.cfg.BatchSize,
	})
	if err != nil {
		return 0, fmt.Errorf("list due entries: %w", err)
	}

	processed := 0
	for _, e := range due {
		if ctx.Err() != nil {
			return processed, ctx.Err()
		}
		if err := q.retryEntry(ctx, e); err != nil {
			q.log.Error("failed to update dlq entry", utils.String("entry_id", e.ID), utils.Err(err))
			continue
		}
		processed++
	}
	return processed, nil
}

func (q *Queue) retryEntry(ctx context.Context, e *models.DLQEntry) error {
	var s models.Signal
	if err := json.Unmarshal(e.SignalData, &s); err != nil {
		e.LastError = "decode signal: " + err.Error()
		return q.finish(ctx, e, models.DLQStatusFailedPermanent)
	}

	// RETRYING сохраняется до вызова, чтобы после сбоя процесса запись не повторилась дважды
	e.Status = models.DLQStatusRetrying
	e.UpdatedAt = q.now()
	if err := q.store.Save(ctx, e); err != nil {
		return err
	}

	log := q.log.With(utils.String("entry_id", e.ID), utils.SignalID(s.ID), utils.Symbol(s.Symbol),
		utils.Attempt(e.RetryCount+1))

	err := q.retry(ctx, &s)
	switch {
	case err == nil:
		log.Info("dlq retry succeeded")
		e.LastError = ""
		return q.finish(ctx, e, models.DLQStatusSucceeded)

	case tradeerr.IsConflict(err):
		// сигнал уже исполнен другим путем
		log.Info("dlq retry resolved as already executed", utils.Err(err))
		e.LastError = err.Error()
		return q.finish(ctx, e, models.DLQStatusSucceeded)

	case tradeerr.IsKind(err, tradeerr.KindValidation):
		log.Warn("dlq retry rejected, not retrying", utils.Err(err))
		e.LastError = err.Error()
		e.RetryCount++
		return q.finish(ctx, e, models.DLQStatusFailedPermanent)
	}

	e.RetryCount++
	e.LastError = err.Error()
	if e.RetryCount >= e.MaxRetries {
		log.Error("dlq retries exhausted", utils.Err(err), utils.Int("retries", e.RetryCount))
		return q.finish(ctx, e, models.DLQStatusFailedPermanent)
	}

	e.Status = models.DLQStatusPending
	e.NextRetryAt = q.now().Add(q.Backoff(e.RetryCount))
	e.UpdatedAt = q.now()
	log.Warn("dlq retry failed, rescheduled", utils.Err(err), utils.Time("next_retry_at", e.NextRetryAt))
	return q.store.Save(ctx, e)
}

func (q *Queue) finish(ctx context.Context, e *models.DLQEntry, status string) error {
	e.Status = status
	e.UpdatedAt = q.now()
	if err := q.store.Save(ctx, e); err != nil {
		return err
	}
	switch status {
	case models.DLQStatusSucceeded:
		if q.cb.OnSuccess != nil {
			q.cb.OnSuccess(e)
		}
	case models.DLQStatusFailedPermanent, models.DLQStatusExpired:
		if q.cb.OnFailure != nil {
			q.cb.OnFailure(e)
		}
	}
	return nil
}

// ExpireOld помечает EXPIRED незавершенные записи старше Expiry
func (q *Queue) ExpireOld(ctx context.Context) (int, error) {
	old, err := q.store.List(ctx, models.DLQFilter{
		Statuses:      []string{models.DLQStatusPending, models.DLQStatusRetrying},
		CreatedBefore: q.now().Add(-q.cfg.Expiry),
	})
	if err != nil {
		return 0, err
	}
	for _, e := range old {
		e.LastError = fmt.Sprintf("expired after %s", utils.FormatDuration(q.cfg.Expiry))
		if err := q.finish(ctx, e, models.DLQStatusExpired); err != nil {
			return 0, err
		}
		q.log.Warn("dlq entry expired", utils.String("entry_id", e.ID), utils.Symbol(e.Symbol),
			utils.Int("retries", e.RetryCount))
	}
	return len(old), nil
}

// recoverInFlight возвращает в PENDING записи, оставшиеся в RETRYING после сбоя процесса
func (q *Queue) recoverInFlight(ctx context.Context) error {
	stuck, err := q.store.List(ctx, models.DLQFilter{Statuses: []string{models.DLQStatusRetrying}})
	if err != nil {
		return err
	}
	for _, e := range stuck {
		e.Status = models.DLQStatusPending
		e.RetryCount++
		e.NextRetryAt = q.now().Add(q.Backoff(e.RetryCount))
		e.UpdatedAt = q.now()
		if err := q.store.Save(ctx, e); err != nil {
			return err
		}
	}
	if len(stuck) > 0 {
		q.log.Warn("recovered in-flight dlq entries", utils.Int("count", len(stuck)))
	}
	return nil
}

// Run - фоновый цикл повторов до отмены ctx
func (q *Queue) Run(ctx context.Context) {
	if err := q.recoverInFlight(ctx); err != nil {
		q.log.Error("failed to recover in-flight entries", utils.Err(err))
	}

	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()

	q.log.Info("dlq retry loop started", utils.Duration("poll_interval", q.cfg.PollInterval))
	for {
		select {
		case <-ctx.Done():
			q.log.Info("dlq retry loop stopped")
			return
		case <-ticker.C:
			n, err := q.ProcessDue(ctx)
			if err != nil && ctx.Err() == nil {
				q.log.Error("dlq processing failed", utils.Err(err))
			} else if n > 0 {
				q.log.Info("dlq batch processed", utils.Int("count", n))
			}
		}
	}
}

// Requeue возвращает запись в очередь с новым бюджетом попыток и окном жизни
func (q *Queue) Requeue(ctx context.Context, id string) (*models.DLQEntry, error) {
	e, err := q.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.Status == models.DLQStatusSucceeded {
		return nil, tradeerr.Validationf("dlq.requeue", "entry %s already succeeded", id)
	}

	now := q.now()
	if e.Metadata == nil {
		e.Metadata = map[string]string{}
	}
	if _, ok := e.Metadata["original_created_at"]; !ok {
		e.Metadata["original_created_at"] = e.CreatedAt.UTC().Format(time.RFC3339)
	}
	e.Metadata["requeued_from"] = e.Status
	e.Status = models.DLQStatusPending
	e.RetryCount = 0
	e.CreatedAt = now
	e.NextRetryAt = now
	e.UpdatedAt = now
	if err := q.store.Save(ctx, e); err != nil {
		return nil, err
	}
	q.log.Info("dlq entry requeued", utils.String("entry_id", id), utils.Symbol(e.Symbol))
	return e, nil
}

// Park переводит запись в MANUAL: оператор разберет ее сам
func (q *Queue) Park(ctx context.Context, id, note string) error {
	e, err := q.store.Get(ctx, id)
	if err != nil {
		return err
	}
	e.Status = models.DLQStatusManual
	e.LastError = note
	e.UpdatedAt = q.now()
	return q.store.Save(ctx, e)
}

// List возвращает записи по фильтру
func (q *Queue) List(ctx context.Context, f models.DLQFilter) ([]*models.DLQEntry, error) {
	return q.store.List(ctx, f)
}

// Stats считает записи по статусам
func (q *Queue) Stats(ctx context.Context) (map[string]int, error) {
	all, err := q.store.List(ctx, models.DLQFilter{})
	if err != nil {
		return nil, err
	}
	stats := make(map[string]int)
	for _, e := range all {
		stats[e.Status]++
	}
	return stats, nil
}

// Cleanup удаляет завершенные записи старше olderThan
func (q *Queue) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	old, err := q.store.List(ctx, models.DLQFilter{
		Statuses: []string{
			models.DLQStatusSucceeded, models.DLQStatusFailedPermanent, models.DLQStatusExpired,
		},
		CreatedBefore: q.now().Add(-olderThan),
	})
	if err != nil {
		return 0, err
	}
	for _, e := range old {
		if err := q.store.Delete(ctx, e.ID); err != nil {
			return 0, err
		}
	}
	return len(old), nil
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
