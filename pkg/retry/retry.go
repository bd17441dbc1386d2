// Package retry - повтор операций с экспоненциальной задержкой и jitter.
//
// delay(n) = min(InitialDelay * Multiplier^n, MaxDelay) ± JitterFactor
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// Config - политика повторов
type Config struct {
	// MaxRetries - число попыток, включая первую. 0 - без ограничения.
	MaxRetries int

	InitialDelay time.Duration // по умолчанию 100ms
	MaxDelay     time.Duration // по умолчанию 30s
	Multiplier   float64       // по умолчанию 2
	JitterFactor float64       // 0..1, доля случайного отклонения задержки

	// RetryIf решает, повторять ли ошибку. nil - повторять любую.
	RetryIf func(error) bool

	// OnRetry вызывается перед ожиданием очередного повтора
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultConfig - 4 попытки, 100ms, 200ms, 400ms
func DefaultConfig() Config {
	return Config{
		MaxRetries:   4,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.1,
	}
}

// ExchangeConfig - запросы к бирже: 5 попыток от 500ms,
// повторяются только временные ошибки (сеть, rate-limit, недоступность)
func ExchangeConfig() Config {
	return Config{
		MaxRetries:   5,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.1,
		RetryIf:      RetryIfTemporary,
	}
}

// CloseConfig - закрытие позиции: 6 попыток от 50ms
func CloseConfig() Config {
	return Config{
		MaxRetries:   6,
		InitialDelay: 50 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.1,
		RetryIf:      RetryIfTemporary,
	}
}

// withDefaults подставляет значения по умолчанию
func (c Config) withDefaults() Config {
	if c.InitialDelay <= 0 {
		c.InitialDelay = 100 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.Multiplier <= 0 {
		c.Multiplier = 2.0
	}
	c.JitterFactor = math.Max(0, math.Min(c.JitterFactor, 1))
	return c
}

// Delay возвращает задержку перед повтором номер attempt (с нуля)
func (c Config) Delay(attempt int) time.Duration {
	c = c.withDefaults()

	delay := float64(c.InitialDelay) * math.Pow(c.Multiplier, float64(attempt))
	if delay > float64(c.MaxDelay) {
		delay = float64(c.MaxDelay)
	}
	if c.JitterFactor > 0 {
		delay += delay * c.JitterFactor * (rand.Float64()*2 - 1)
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// Do выполняет operation с повторами. Возвращает последнюю ошибку.
func Do(ctx context.Context, operation func() error, cfg Config) error {
	_, err := DoWithResult(ctx, func() (struct{}, error) {
		return struct{}{}, operation()
	}, cfg)
	return err
}

// DoWithResult выполняет operation с повторами и возвращает ее результат.
// Отмена ctx прерывает ожидание; если попытки уже были, возвращается их ошибка.
func DoWithResult[T any](ctx context.Context, operation func() (T, error), cfg Config) (T, error) {
	cfg = cfg.withDefaults()

	var zero T
	var lastErr error

	for attempt := 0; cfg.MaxRetries <= 0 || attempt < cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return zero, lastErr
			}
			return zero, err
		}

		result, err := operation()
		if err == nil {
			return result, nil
		}
		lastErr = err

		if cfg.RetryIf != nil && !cfg.RetryIf(err) {
			return zero, err
		}
		if cfg.MaxRetries > 0 && attempt >= cfg.MaxRetries-1 {
			break
		}

		delay := cfg.Delay(attempt)
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt+1, err, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return zero, lastErr
		}
	}

	return zero, lastErr
}

// ============================================================
// Классификация ошибок
// ============================================================

type retryable interface {
	Retryable() bool
}

type temporary interface {
	Temporary() bool
}

// IsRetryable - можно ли повторить err.
// Ошибка сама решает через Retryable() или Temporary(); остальные считаются повторяемыми.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var r retryable
	if errors.As(err, &r) {
		return r.Retryable()
	}
	var t temporary
	if errors.As(err, &t) {
		return t.Temporary()
	}
	return true
}

// RetryIfTemporary повторяет только ошибки с Temporary() == true
func RetryIfTemporary(err error) bool {
	var t temporary
	if errors.As(err, &t) {
		return t.Temporary()
	}
	return false
}
