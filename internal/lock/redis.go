package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// unlockScript удаляет ключ только если он принадлежит держателю
var unlockScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

// RedisConfig - подключение к Redis
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// RedisBackend - распределенная блокировка на SET NX PX
type RedisBackend struct {
	client   redis.UniversalClient
	prefix   string
	interval time.Duration // период повторных попыток Lock
}

// NewRedisBackend создает клиента Redis
func NewRedisBackend(cfg RedisConfig) *RedisBackend {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewRedisBackendWithClient(client, cfg.KeyPrefix)
}

// NewRedisBackendWithClient использует готового клиента
func NewRedisBackendWithClient(client redis.UniversalClient, prefix string) *RedisBackend {
	return &RedisBackend{client: client, prefix: prefix, interval: 50 * time.Millisecond}
}

// TryLock делает одну попытку взять ключ
func (r *RedisBackend) TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, r.prefix+key, token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("redis setnx %s: %w", key, err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// Lock повторяет попытки до успеха или отмены ctx
func (r *RedisBackend) Lock(ctx context.Context, key string, ttl time.Duration) (string, error) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		token, ok, err := r.TryLock(ctx, key, ttl)
		if err != nil {
			return "", err
		}
		if ok {
			return token, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

// Unlock освобождает ключ, если token совпадает
func (r *RedisBackend) Unlock(ctx context.Context, key, token string) error {
	n, err := unlockScript.Run(ctx, r.client, []string{r.prefix + key}, token).Int64()
	if err != nil {
		return fmt.Errorf("redis unlock %s: %w", key, err)
	}
	if n == 0 {
		return fmt.Errorf("lock %s not held or expired", key)
	}
	return nil
}

// Ping проверяет соединение
func (r *RedisBackend) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close закрывает клиента
func (r *RedisBackend) Close() error {
	return r.client.Close()
}
