// Package lock - блокировки позиций по паре (пользователь, символ).
//
// Все пути, меняющие позицию (открытие, закрытие монитором, ручное закрытие),
// берут Guard до обращения к бирже и БД. Внутри процесса блокировка - семафор
// на ключ, между процессами дополнительно используется Backend (Redis).
package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"tradecore/internal/tradeerr"
	"tradecore/pkg/utils"
)

// ErrLocked - ключ занят другим держателем (TryAcquire)
var ErrLocked = errors.New("position lock is held")

// Backend - распределенная блокировка. Lock блокируется до успеха или отмены ctx.
type Backend interface {
	Lock(ctx context.Context, key string, ttl time.Duration) (token string, err error)
	TryLock(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	Unlock(ctx context.Context, key, token string) error
}

// Config - параметры менеджера блокировок
type Config struct {
	TTL          time.Duration // время жизни распределенной блокировки
	SlowHoldWarn time.Duration // предупреждение о долгом удержании
}

// DefaultConfig возвращает параметры по умолчанию
func DefaultConfig() Config {
	return Config{
		TTL:          30 * time.Second,
		SlowHoldWarn: 10 * time.Second,
	}
}

type slot struct {
	sem  chan struct{}
	refs int
}

// Manager выдает блокировки позиций
type Manager struct {
	cfg     Config
	backend Backend // nil - только внутри процесса
	log     *utils.Logger

	mu    sync.Mutex
	slots map[string]*slot
}

// NewManager создает менеджер. backend может быть nil.
func NewManager(cfg Config, backend Backend, log *utils.Logger) *Manager {
	return &Manager{
		cfg:     cfg,
		backend: backend,
		log:     log.WithComponent("position_lock"),
		slots:   make(map[string]*slot),
	}
}

// Key - ключ блокировки позиции
func Key(symbol, userID string) string {
	return userID + ":" + symbol
}

func (m *Manager) ref(key string) *slot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[key]
	if !ok {
		s = &slot{sem: make(chan struct{}, 1)}
		m.slots[key] = s
	}
	s.refs++
	return s
}

func (m *Manager) unref(key string, s *slot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(m.slots, key)
	}
}

// Acquire ждет освобождения пары (symbol, user) и возвращает Guard.
// Guard.Release нужно вызвать на всех путях выхода (обычно через defer).
func (m *Manager) Acquire(ctx context.Context, symbol, userID string) (*Guard, error) {
	key := Key(symbol, userID)
	s := m.ref(key)

	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		m.unref(key, s)
		return nil, ctx.Err()
	}

	g := &Guard{m: m, key: key, slot: s, acquired: time.Now()}
	if m.backend != nil {
		token, err := m.backend.Lock(ctx, key, m.cfg.TTL)
		if err != nil {
			g.releaseLocal()
			return nil, err
		}
		g.token = token
	}
	return g, nil
}

// TryAcquire берет блокировку без ожидания.
// Занятый ключ возвращает ошибку ConcurrencyConflict.
func (m *Manager) TryAcquire(ctx context.Context, symbol, userID string) (*Guard, error) {
	key := Key(symbol, userID)
	s := m.ref(key)

	select {
	case s.sem <- struct{}{}:
	default:
		m.unref(key, s)
		return nil, tradeerr.Conflict("lock.try_acquire", ErrLocked)
	}

	g := &Guard{m: m, key: key, slot: s, acquired: time.Now()}
	if m.backend != nil {
		token, ok, err := m.backend.TryLock(ctx, key, m.cfg.TTL)
		if err != nil || !ok {
			g.releaseLocal()
			if err == nil {
				err = tradeerr.Conflict("lock.try_acquire", ErrLocked)
			}
			return nil, err
		}
		g.token = token
	}
	return g, nil
}

// Held возвращает число занятых или ожидаемых ключей
func (m *Manager) Held() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.slots)
}

// Guard - удерживаемая блокировка позиции
type Guard struct {
	m        *Manager
	key      string
	slot     *slot
	token    string
	acquired time.Time
	once     sync.Once
}

// Key возвращает ключ блокировки
func (g *Guard) Key() string { return g.key }

func (g *Guard) releaseLocal() {
	<-g.slot.sem
	g.m.unref(g.key, g.slot)
}

// Release освобождает блокировку. Повторный вызов ничего не делает.
func (g *Guard) Release() {
	if g == nil {
		return
	}
	g.once.Do(func() {
		held := time.Since(g.acquired)
		if g.m.backend != nil && g.token != "" {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := g.m.backend.Unlock(ctx, g.key, g.token); err != nil {
				g.m.log.Warn("failed to release distributed lock", utils.String("key", g.key), utils.Err(err))
			}
			cancel()
		}
		g.releaseLocal()
		if g.m.cfg.SlowHoldWarn > 0 && held > g.m.cfg.SlowHoldWarn {
			g.m.log.Warn("position lock held too long",
				utils.String("key", g.key), utils.Duration("held", held))
		}
	})
}
