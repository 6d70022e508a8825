package syncengine

import (
	"context"
	"fmt"

	"narrative-server/internal/models"
	"narrative-server/internal/notifier"
	"narrative-server/internal/store"
)

// LocalReader читает снимки напрямую из хранилища статусов (наблюдатель в том же процессе).
type LocalReader struct {
	store store.Store
}

func NewLocalReader(s store.Store) *LocalReader {
	return &LocalReader{store: s}
}

func (r *LocalReader) Fetch(ctx context.Context, ref models.EntityRef) (models.Snapshot, error) {
	switch ref.Type {
	case models.EntityStory:
		story, err := r.store.GetStory(ctx, ref.ID)
		if err != nil {
			return models.Snapshot{}, err
		}
		return story.Snapshot(), nil
	case models.EntitySegment:
		seg, err := r.store.GetSegment(ctx, ref.ID)
		if err != nil {
			return models.Snapshot{}, err
		}
		return seg.Snapshot(), nil
	default:
		return models.Snapshot{}, fmt.Errorf("%w: unknown entity type %q", models.ErrInvalidRequest, ref.Type)
	}
}

// LocalChannel подписывается на внутрипроцессный брокер изменений.
type LocalChannel struct {
	broker *notifier.Broker
}

func NewLocalChannel(b *notifier.Broker) *LocalChannel {
	return &LocalChannel{broker: b}
}

func (c *LocalChannel) Subscribe(_ context.Context, ref models.EntityRef, kind models.EventKind) (Stream, error) {
	sub, err := c.broker.Subscribe(ref, kind)
	if err != nil {
		return nil, err
	}
	return sub, nil
}
