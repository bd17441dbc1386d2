// Package ratelimit - token bucket для исходящих запросов к бирже.
//
// Используется GuardedGateway: у каждой категории запросов (ордера,
// рыночные данные, аккаунт) свой bucket.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Категории запросов к бирже
const (
	CategoryOrders     = "orders"
	CategoryMarketData = "market_data"
	CategoryAccount    = "account"
)

// Bucket - token bucket: rate токенов в секунду, емкость burst.
//
//	b := NewBucket(5, 10)
//	if err := b.Wait(ctx); err != nil { ... }
type Bucket struct {
	limiter *rate.Limiter
	now     func() time.Time
}

// NewBucket создает bucket. rate <= 0 дает 10 req/sec, burst не меньше rate.
func NewBucket(perSec, burst float64) *Bucket {
	if perSec <= 0 {
		perSec = 10
	}
	if burst <= 0 {
		burst = perSec * 2
	}
	if burst < perSec {
		burst = perSec
	}
	return &Bucket{
		limiter: rate.NewLimiter(rate.Limit(perSec), int(burst)),
		now:     time.Now,
	}
}

// Rate - токенов в секунду
func (b *Bucket) Rate() float64 { return float64(b.limiter.Limit()) }

// Burst - емкость bucket'а
func (b *Bucket) Burst() int { return b.limiter.Burst() }

// Wait блокирует до получения токена или отмены контекста.
// Если дедлайн контекста наступит раньше токена, ошибка возвращается сразу.
func (b *Bucket) Wait(ctx context.Context) error {
	r := b.limiter.ReserveN(b.now(), 1)
	if !r.OK() {
		return context.DeadlineExceeded
	}
	delay := r.DelayFrom(b.now())
	if delay == 0 {
		return nil
	}
	if dl, ok := ctx.Deadline(); ok && dl.Before(b.now().Add(delay)) {
		r.Cancel()
		return context.DeadlineExceeded
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		r.Cancel()
		return ctx.Err()
	}
}

// Allow берет токен без ожидания
func (b *Bucket) Allow() bool {
	return b.limiter.AllowN(b.now(), 1)
}

// ============================================================
// MultiLimiter - набор bucket'ов по категориям запросов
// ============================================================

// MultiLimiter - лимиты по категориям. Категория без лимита не ограничивается.
type MultiLimiter struct {
	buckets map[string]*Bucket
	mu      sync.RWMutex
}

// NewMultiLimiter создает пустой MultiLimiter
func NewMultiLimiter() *MultiLimiter {
	return &MultiLimiter{buckets: make(map[string]*Bucket)}
}

// NewExchangeLimiter - лимиты по умолчанию для одного аккаунта на бирже
func NewExchangeLimiter(ordersPerSec, marketPerSec, accountPerSec float64) *MultiLimiter {
	ml := NewMultiLimiter()
	ml.Add(CategoryOrders, ordersPerSec, ordersPerSec*2)
	ml.Add(CategoryMarketData, marketPerSec, marketPerSec*2)
	ml.Add(CategoryAccount, accountPerSec, accountPerSec*2)
	return ml
}

// Add задает bucket для категории
func (ml *MultiLimiter) Add(category string, rate, burst float64) {
	ml.mu.Lock()
	defer ml.mu.Unlock()
	ml.buckets[category] = NewBucket(rate, burst)
}

// Wait ожидает токен категории
func (ml *MultiLimiter) Wait(ctx context.Context, category string) error {
	b := ml.Get(category)
	if b == nil {
		return nil
	}
	return b.Wait(ctx)
}

// Allow берет токен категории без ожидания
func (ml *MultiLimiter) Allow(category string) bool {
	b := ml.Get(category)
	if b == nil {
		return true
	}
	return b.Allow()
}

// Get возвращает bucket категории или nil
func (ml *MultiLimiter) Get(category string) *Bucket {
	ml.mu.RLock()
	defer ml.mu.RUnlock()
	return ml.buckets[category]
}
