package notifier

import (
	"context"

	"narrative-server/internal/models"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Notifier доставляет события изменения сущностей подписчикам.
// Доставка best-effort: порядок и единственность не гарантируются.
type Notifier interface {
	Publish(ctx context.Context, event models.ChangeEvent) error
}

// Fanout рассылает событие во все приемники. Ошибка одного приемника не мешает остальным.
type Fanout struct {
	sinks  []Notifier
	logger *zap.Logger
}

func NewFanout(logger *zap.Logger, sinks ...Notifier) *Fanout {
	active := make([]Notifier, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			active = append(active, s)
		}
	}
	return &Fanout{sinks: active, logger: logger.Named("NotifierFanout")}
}

func (f *Fanout) Publish(ctx context.Context, event models.ChangeEvent) error {
	var errs error
	for _, s := range f.sinks {
		if err := s.Publish(ctx, event); err != nil {
			f.logger.Warn("Change sink failed",
				zap.String("entity", event.Snapshot.Ref.String()),
				zap.String("kind", string(event.Kind)),
				zap.Error(err),
			)
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

// Nop отбрасывает события.
type Nop struct{}

func (Nop) Publish(context.Context, models.ChangeEvent) error { return nil }
