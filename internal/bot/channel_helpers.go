package bot

import (
	"context"
	"errors"

	"tradecore/internal/models"
)

// ErrQueueFull - очередь сигналов переполнена
var ErrQueueFull = errors.New("signal queue is full")

// tryEnqueueSignal кладет сигнал в канал без блокировки, с метриками переполнения.
// Возвращает true, если сигнал поставлен в очередь.
func tryEnqueueSignal(ch chan *models.Signal, s *models.Signal) bool {
	if ch == nil || s == nil {
		return false
	}

	select {
	case ch <- s:
		SignalQueueBacklog.Set(float64(len(ch)))
		return true
	default:
		SignalQueueOverflow.Inc()
		SignalQueueBacklog.Set(float64(len(ch)))
		return false
	}
}

// SignalQueue - буферизованный источник сигналов (вебхук API -> торговый цикл).
// Сигналы других пользователей остаются в очереди до их цикла.
type SignalQueue struct {
	ch chan *models.Signal
}

// NewSignalQueue создает очередь емкостью size
func NewSignalQueue(size int) *SignalQueue {
	if size <= 0 {
		size = 256
	}
	return &SignalQueue{ch: make(chan *models.Signal, size)}
}

// Push ставит сигнал в очередь без ожидания
func (q *SignalQueue) Push(s *models.Signal) error {
	if !tryEnqueueSignal(q.ch, s) {
		return ErrQueueFull
	}
	return nil
}

// Len - число сигналов в очереди
func (q *SignalQueue) Len() int {
	return len(q.ch)
}

// Fetch забирает накопленные сигналы пользователя userID ("" - всех)
func (q *SignalQueue) Fetch(ctx context.Context, userID string) ([]*models.Signal, error) {
	var out, other []*models.Signal
	n := len(q.ch)
	for i := 0; i < n; i++ {
		select {
		case s := <-q.ch:
			if userID == "" || s.UserID == userID {
				out = append(out, s)
			} else {
				other = append(other, s)
			}
		case <-ctx.Done():
			q.requeue(other)
			return out, ctx.Err()
		default:
		}
	}
	q.requeue(other)
	SignalQueueBacklog.Set(float64(len(q.ch)))
	return out, nil
}

func (q *SignalQueue) requeue(ss []*models.Signal) {
	for _, s := range ss {
		tryEnqueueSignal(q.ch, s)
	}
}
