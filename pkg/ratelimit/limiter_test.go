package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestBucket_BurstThenEmpty(t *testing.T) {
	b := NewBucket(1, 3)
	now := time.Now()
	b.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		if !b.Allow() {
			t.Fatalf("request %d should be allowed within burst", i+1)
		}
	}
	if b.Allow() {
		t.Error("bucket should be empty after burst")
	}

	now = now.Add(time.Second)
	if !b.Allow() {
		t.Error("one token should be refilled after 1s")
	}
}

func TestBucket_Defaults(t *testing.T) {
	b := NewBucket(0, 0)
	if b.Rate() != 10 || b.Burst() != 20 {
		t.Errorf("defaults = %v/%v, want 10/20", b.Rate(), b.Burst())
	}
	if NewBucket(5, 1).Burst() != 5 {
		t.Error("burst must not be below rate")
	}
}

func TestBucket_WaitCanceled(t *testing.T) {
	b := NewBucket(0.01, 1)
	b.Allow()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := b.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestBucket_WaitCanceledWhileWaiting(t *testing.T) {
	b := NewBucket(0.01, 1)
	b.Allow()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	if err := b.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("expected canceled, got %v", err)
	}
}

func TestBucket_WaitReturnsAfterRefill(t *testing.T) {
	b := NewBucket(50, 50)
	for b.Allow() {
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	start := time.Now()
	if err := b.Wait(ctx); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if time.Since(start) < 10*time.Millisecond {
		t.Error("wait should block until the next token")
	}
}

func TestMultiLimiter(t *testing.T) {
	ml := NewExchangeLimiter(1, 10, 1)

	if ml.Get(CategoryOrders) == nil {
		t.Fatal("orders bucket missing")
	}
	if !ml.Allow("unknown") {
		t.Error("category without limit must be allowed")
	}
	if err := ml.Wait(context.Background(), CategoryMarketData); err != nil {
		t.Errorf("wait: %v", err)
	}

	ml.Allow(CategoryOrders)
	ml.Allow(CategoryOrders)
	if ml.Allow(CategoryOrders) {
		t.Error("orders burst of 2 should be exhausted")
	}
}
