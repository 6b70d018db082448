package lock

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	// redisKeyPrefix — префикс ключей блокировок в Redis.
	redisKeyPrefix = "archive-module:lock:"
	// redisRetryMin, redisRetryMax — границы паузы между попытками захвата.
	redisRetryMin = 10 * time.Millisecond
	redisRetryMax = 200 * time.Millisecond
)

// releaseScript удаляет ключ, только если он принадлежит владельцу (токен совпадает).
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// RedisLocker — распределённая блокировка на Redis (SET NX PX + проверка токена при снятии).
// TTL ограничивает время удержания при падении реплики.
type RedisLocker struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewRedisLocker создаёт RedisLocker.
func NewRedisLocker(client *redis.Client, ttl time.Duration, logger *slog.Logger) *RedisLocker {
	return &RedisLocker{
		client: client,
		ttl:    ttl,
		logger: logger.With(slog.String("component", "redis_locker")),
	}
}

// NewRedisClient разбирает URL, создаёт клиент и проверяет соединение.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("разбор Redis URL: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("Redis ping: %w", err)
	}
	return client, nil
}

// Lock захватывает блокировку ключа, повторяя попытки до отмены ctx.
func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := redisKeyPrefix + key
	token := uuid.NewString()

	wait := redisRetryMin
	for {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("захват блокировки %s: %w", key, err)
		}
		if ok {
			break
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("%w: %s: %w", ErrNotAcquired, key, ctx.Err())
		case <-timer.C:
		}
		wait = min(wait*2, redisRetryMax)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// Освобождение не зависит от отмены контекста запроса
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := releaseScript.Run(releaseCtx, l.client, []string{redisKey}, token).Err(); err != nil {
				l.logger.Warn("Ошибка освобождения блокировки",
					slog.String("key", key),
					slog.String("error", err.Error()),
				)
			}
		})
	}, nil
}
