package store

import (
	"context"
	"errors"
	"time"

	"narrative-server/internal/models"

	"go.uber.org/zap"
)

const staleStageError = "stage timed out"

// Sweeper переводит в failed поля, чьи стадии перестали отчитываться,
// например после перезапуска процесса посреди генерации.
type Sweeper struct {
	store    Store
	timeout  time.Duration
	interval time.Duration
	logger   *zap.Logger
	now      func() time.Time
}

func NewSweeper(store Store, timeout, interval time.Duration, logger *zap.Logger) *Sweeper {
	return &Sweeper{
		store:    store,
		timeout:  timeout,
		interval: interval,
		logger:   logger.Named("StaleSweeper"),
		now:      time.Now,
	}
}

// Run выполняет проходы раз в interval до отмены ctx.
func (s *Sweeper) Run(ctx context.Context) error {
	s.logger.Info("Stale stage sweeper started", zap.Duration("timeout", s.timeout), zap.Duration("interval", s.interval))
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Stale stage sweeper stopped")
			return nil
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("Stale sweep failed", zap.Error(err))
			}
		}
	}
}

// Sweep выполняет один проход и возвращает число помеченных полей.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	stale, err := s.store.FindStale(ctx, s.now().Add(-s.timeout))
	if err != nil {
		return 0, err
	}
	msg := staleStageError
	marked := 0
	for _, f := range stale {
		_, err := s.store.Write(ctx, f.Ref, models.FieldDelta{
			Field:  f.Field,
			Status: models.GenerationStatusFailed,
			Error:  &msg,
		})
		switch {
		case err == nil:
			marked++
			s.logger.Warn("Stale stage marked as failed",
				zap.String("entity", f.Ref.String()),
				zap.String("field", string(f.Field)),
				zap.String("previousStatus", string(f.Status)),
			)
		case errors.Is(err, models.ErrInvalidTransition), errors.Is(err, models.ErrNotFound):
			// Стадия успела завершиться или сегмент удален.
		default:
			return marked, err
		}
	}
	return marked, nil
}
