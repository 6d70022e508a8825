package dedup

import (
	"context"
	"fmt"
	"time"

	"narrative-server/internal/models"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	leaseKeyPrefix      = "narrative:dedup:"
	leaseReleaseTimeout = 5 * time.Second
)

// releaseScript удаляет ключ, только если он все еще принадлежит владельцу.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type RedisLease struct {
	client redis.UniversalClient
	logger *zap.Logger
}

var _ Lease = (*RedisLease)(nil)

func NewRedisLease(client redis.UniversalClient, logger *zap.Logger) *RedisLease {
	return &RedisLease{client: client, logger: logger.Named("RedisLease")}
}

func (l *RedisLease) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	redisKey := leaseKeyPrefix + key
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, redisKey, token, ttl).Result()
	if err != nil {
		l.logger.Error("Failed to acquire dedup lease", zap.String("key", key), zap.Error(err))
		return nil, fmt.Errorf("ошибка захвата ключа дедупликации: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: request %s is already in flight", models.ErrDuplicateRequest, key)
	}

	release := func() {
		// Запрос мог быть отменен, освобождаем ключ в отдельном контексте.
		rctx, cancel := context.WithTimeout(context.Background(), leaseReleaseTimeout)
		defer cancel()
		if err := releaseScript.Run(rctx, l.client, []string{redisKey}, token).Err(); err != nil {
			l.logger.Warn("Failed to release dedup lease", zap.String("key", key), zap.Error(err))
		}
	}
	return release, nil
}
