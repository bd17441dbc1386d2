package risk

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"tradecore/internal/models"
)

// ATRPeriod - период ATR
const ATRPeriod = 14

// ErrNotEnoughCandles - свечей меньше period+1
var ErrNotEnoughCandles = errors.New("not enough candles for ATR")

// ATR рассчитывает Average True Range как простое среднее последних period true range.
//
// TR = max(high-low, |high-prevClose|, |low-prevClose|)
func ATR(candles []models.Candle, period int) (float64, error) {
	if period <= 0 {
		return 0, fmt.Errorf("invalid ATR period %d", period)
	}
	if len(candles) < period+1 {
		return 0, fmt.Errorf("%w: have %d, need %d", ErrNotEnoughCandles, len(candles), period+1)
	}

	trs := make([]float64, 0, len(candles)-1)
	for i := 1; i < len(candles); i++ {
		c, prev := candles[i], candles[i-1].Close
		tr := math.Max(c.High-c.Low, math.Max(math.Abs(c.High-prev), math.Abs(c.Low-prev)))
		trs = append(trs, tr)
	}

	var sum float64
	for _, tr := range trs[len(trs)-period:] {
		sum += tr
	}
	return sum / float64(period), nil
}

// VolatilityMultiplier - множитель размера позиции по ATR%.
// Высокая волатильность уменьшает позицию, низкая немного увеличивает.
func VolatilityMultiplier(atrPercent float64) float64 {
	switch {
	case atrPercent > 4:
		return 0.5
	case atrPercent > 3:
		return 0.7
	case atrPercent > 2:
		return 0.85
	case atrPercent < 1:
		return 1.2
	default:
		return 1.0
	}
}

// Snapshot - срез волатильности символа
type Snapshot struct {
	Symbol     string
	ATR        float64
	ATRPercent float64 // ATR / последняя цена закрытия * 100
	LastClose  float64
	Multiplier float64
	At         time.Time
}

// NewSnapshot считает срез по свечам
func NewSnapshot(symbol string, candles []models.Candle, now time.Time) (*Snapshot, error) {
	atr, err := ATR(candles, ATRPeriod)
	if err != nil {
		return nil, err
	}
	last := candles[len(candles)-1].Close
	if last <= 0 {
		return nil, fmt.Errorf("non-positive close price %v for %s", last, symbol)
	}
	pct := atr / last * 100
	return &Snapshot{
		Symbol:     symbol,
		ATR:        atr,
		ATRPercent: pct,
		LastClose:  last,
		Multiplier: VolatilityMultiplier(pct),
		At:         now,
	}, nil
}

// snapshotCache - кэш срезов по символам с TTL
type snapshotCache struct {
	mu    sync.RWMutex
	ttl   time.Duration
	items map[string]*Snapshot
}

func newSnapshotCache(ttl time.Duration) *snapshotCache {
	return &snapshotCache{ttl: ttl, items: make(map[string]*Snapshot)}
}

func (c *snapshotCache) get(symbol string, now time.Time) (*Snapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.items[symbol]
	if !ok || now.Sub(s.At) >= c.ttl {
		return nil, false
	}
	return s, true
}

func (c *snapshotCache) put(s *Snapshot) {
	c.mu.Lock()
	c.items[s.Symbol] = s
	c.mu.Unlock()
}
