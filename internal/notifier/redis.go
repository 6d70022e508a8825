package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"narrative-server/internal/models"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisPublisher публикует события в канал Redis, чтобы их получили все инстансы сервера.
type RedisPublisher struct {
	client  redis.UniversalClient
	channel string
	logger  *zap.Logger
}

func NewRedisPublisher(client redis.UniversalClient, channel string, logger *zap.Logger) *RedisPublisher {
	return &RedisPublisher{client: client, channel: channel, logger: logger.Named("RedisChangePublisher")}
}

func (p *RedisPublisher) Publish(ctx context.Context, event models.ChangeEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal change event: %w", err)
	}
	if err := p.client.Publish(ctx, p.channel, body).Err(); err != nil {
		return fmt.Errorf("failed to publish change event to redis channel %s: %w", p.channel, err)
	}
	return nil
}

// RedisRelay читает канал Redis и передает события в локальный приемник (обычно Broker).
type RedisRelay struct {
	client  redis.UniversalClient
	channel string
	sink    Notifier
	logger  *zap.Logger
}

func NewRedisRelay(client redis.UniversalClient, channel string, sink Notifier, logger *zap.Logger) *RedisRelay {
	return &RedisRelay{client: client, channel: channel, sink: sink, logger: logger.Named("RedisChangeRelay")}
}

// Run блокируется до отмены контекста.
func (r *RedisRelay) Run(ctx context.Context) error {
	pubsub := r.client.Subscribe(ctx, r.channel)
	defer pubsub.Close()

	// Дожидаемся подтверждения подписки, чтобы не потерять первые события.
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to redis channel %s: %w", r.channel, err)
	}
	r.logger.Info("Relaying change events from redis", zap.String("channel", r.channel))

	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return errors.New("redis pubsub channel closed")
			}
			var event models.ChangeEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				r.logger.Warn("Skipping malformed change event", zap.Error(err))
				continue
			}
			if err := r.sink.Publish(ctx, event); err != nil {
				r.logger.Warn("Local sink rejected relayed event",
					zap.String("entity", event.Snapshot.Ref.String()),
					zap.Error(err),
				)
			}
		}
	}
}
