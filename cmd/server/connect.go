package main

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"narrative-server/internal/config"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgxpool"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// retryConnect повторяет подключение с постоянной задержкой до исчерпания попыток или отмены ctx.
func retryConnect(ctx context.Context, cfg *config.Config, log *zap.Logger, target string, op func() error) error {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(cfg.ConnectRetryDelay), cfg.ConnectMaxRetries),
		ctx,
	)
	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		return op()
	}, policy, func(err error, next time.Duration) {
		log.Warn("Connection failed, retrying...",
			zap.String("target", target),
			zap.Int("attempt", attempt),
			zap.Duration("retryDelay", next),
			zap.Error(err),
		)
	})
	if err != nil {
		return fmt.Errorf("failed to connect to %s after %d attempts: %w", target, attempt, err)
	}
	log.Info("Connected", zap.String("target", target), zap.Int("attempt", attempt))
	return nil
}

func setupPostgres(ctx context.Context, cfg *config.Config, log *zap.Logger) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.GetDSN())
	if err != nil {
		return nil, fmt.Errorf("unable to parse postgres config: %w", err)
	}
	poolConfig.MaxConns = cfg.DBMaxConns
	poolConfig.MaxConnIdleTime = cfg.DBIdleTimeout

	var pool *pgxpool.Pool
	err = retryConnect(ctx, cfg, log, "postgres", func() error {
		connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		p, err := pgxpool.NewWithConfig(connectCtx, poolConfig)
		if err != nil {
			return err
		}
		if err := p.Ping(connectCtx); err != nil {
			p.Close()
			return err
		}
		pool = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return pool, nil
}

func setupRedis(ctx context.Context, cfg *config.Config, log *zap.Logger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	err := retryConnect(ctx, cfg, log, "redis", func() error {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return client.Ping(pingCtx).Err()
	})
	if err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}

func connectRabbitMQ(ctx context.Context, cfg *config.Config, log *zap.Logger) (*amqp.Connection, error) {
	var conn *amqp.Connection
	err := retryConnect(ctx, cfg, log, "rabbitmq "+maskURL(cfg.RabbitMQURL), func() error {
		c, err := amqp.Dial(cfg.RabbitMQURL)
		if err != nil {
			return err
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, err
	}

	go func() {
		closed := conn.NotifyClose(make(chan *amqp.Error, 1))
		if err := <-closed; err != nil {
			log.Error("RabbitMQ connection closed unexpectedly", zap.Error(err))
		}
	}()
	return conn, nil
}

func maskURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid url>"
	}
	return u.Redacted()
}
