// Package dedup не дает двум одинаковым запросам генерации выполняться одновременно.
package dedup

import (
	"context"
	"errors"
	"time"

	"narrative-server/internal/models"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var dedupRequestsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "narrative_dedup_requests_total",
		Help: "Total number of deduplicated generation requests by outcome.",
	},
	[]string{"outcome"}, // leader, shared, rejected
)

// Lease - межпроцессная блокировка ключа запроса.
type Lease interface {
	// Acquire захватывает ключ на ttl. Если ключ занят, возвращает models.ErrDuplicateRequest.
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), err error)
}

// Deduplicator объединяет одинаковые запросы, находящиеся в работе.
// Внутри процесса ожидающие получают результат первого вызова,
// между процессами повтор отклоняется через Lease.
type Deduplicator struct {
	group  singleflight.Group
	lease  Lease
	ttl    time.Duration
	logger *zap.Logger
}

// New создает дедупликатор. lease может быть nil, тогда работает только локальная защита.
func New(lease Lease, ttl time.Duration, logger *zap.Logger) *Deduplicator {
	return &Deduplicator{lease: lease, ttl: ttl, logger: logger.Named("Deduplicator")}
}

// Do выполняет fn не более одного раза на ключ одновременно.
// shared=true означает, что результат получен от чужого вызова.
// fn выполняется с контекстом без отмены: уход одного ожидающего не прерывает работу для остальных.
func (d *Deduplicator) Do(ctx context.Context, key string, fn func(ctx context.Context) (any, error)) (v any, shared bool, err error) {
	leader := false
	ch := d.group.DoChan(key, func() (any, error) {
		leader = true
		workCtx := context.WithoutCancel(ctx)
		if d.lease != nil {
			release, err := d.lease.Acquire(workCtx, key, d.ttl)
			if err != nil {
				return nil, err
			}
			defer release()
		}
		return fn(workCtx)
	})

	select {
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case res := <-ch:
		switch {
		case errors.Is(res.Err, models.ErrDuplicateRequest):
			dedupRequestsTotal.WithLabelValues("rejected").Inc()
			d.logger.Info("Generation request rejected as duplicate", zap.String("key", key))
		case res.Shared && !leader:
			dedupRequestsTotal.WithLabelValues("shared").Inc()
			d.logger.Debug("Generation request joined in-flight call", zap.String("key", key))
		default:
			dedupRequestsTotal.WithLabelValues("leader").Inc()
		}
		return res.Val, res.Shared && !leader, res.Err
	}
}
