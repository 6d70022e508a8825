package provider

import (
	"context"
	"errors"
	"time"

	"narrative-server/internal/models"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var (
	providerAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "narrative_provider_attempts_total",
			Help: "Total number of provider attempts by outcome.",
		},
		[]string{"kind", "provider", "outcome"}, // outcome: success или причина отказа
	)
	providerAttemptDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "narrative_provider_attempt_duration_seconds",
			Help:    "Histogram of provider attempt durations.",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 40, 60, 90, 120},
		},
		[]string{"kind", "provider"},
	)
)

type instrumented struct {
	next   Adapter
	logger *zap.Logger
}

// Instrument добавляет к адаптеру метрики и логирование метаданных отказов.
func Instrument(next Adapter, logger *zap.Logger) Adapter {
	return &instrumented{
		next:   next,
		logger: logger.Named("Provider").With(zap.String("provider", next.Name()), zap.String("kind", string(next.Kind()))),
	}
}

func (i *instrumented) Name() string             { return i.next.Name() }
func (i *instrumented) Kind() models.ContentKind { return i.next.Kind() }

func (i *instrumented) Attempt(ctx context.Context, spec Spec) (Content, error) {
	start := time.Now()
	content, err := i.next.Attempt(ctx, spec)
	duration := time.Since(start)

	labels := prometheus.Labels{"kind": string(i.Kind()), "provider": i.Name()}
	providerAttemptDuration.With(labels).Observe(duration.Seconds())

	if err != nil {
		perr := Classify(ctx, i.Name(), i.Kind(), err)
		providerAttemptsTotal.WithLabelValues(string(i.Kind()), i.Name(), string(perr.Reason)).Inc()
		fields := []zap.Field{
			zap.String("entityID", spec.EntityID.String()),
			zap.String("reason", string(perr.Reason)),
			zap.Bool("temporary", perr.Temporary()),
			zap.Duration("duration", duration),
			zap.Error(err),
		}
		if perr.StatusCode != 0 {
			fields = append(fields, zap.Int("statusCode", perr.StatusCode))
		}
		if perr.Reason == ReasonWarmingUp {
			i.logger.Info("Provider is warming up", fields...)
		} else {
			i.logger.Warn("Provider attempt failed", fields...)
		}
		return Content{}, perr
	}

	providerAttemptsTotal.WithLabelValues(string(i.Kind()), i.Name(), "success").Inc()
	i.logger.Debug("Provider attempt succeeded",
		zap.String("entityID", spec.EntityID.String()),
		zap.Duration("duration", duration),
	)
	return content, nil
}

// Unwrap возвращает исходный адаптер.
func (i *instrumented) Unwrap() Adapter { return i.next }

// IsFailure сообщает, является ли ошибка обычным отказом провайдера.
func IsFailure(err error) bool {
	var perr *Error
	return errors.As(err, &perr)
}
