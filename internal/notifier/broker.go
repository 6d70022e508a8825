package notifier

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"narrative-server/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrSubscriberLagged - подписчик не успевал читать и был отключен.
var ErrSubscriberLagged = errors.New("subscriber lagged behind and was dropped")

// ErrBrokerClosed - брокер остановлен.
var ErrBrokerClosed = errors.New("change broker is closed")

const defaultSubscriberBuffer = 64

// Subscription - подписка на изменения одной сущности.
// Подписка на историю получает также события всех ее сегментов.
type Subscription struct {
	ID     uuid.UUID
	Ref    models.EntityRef
	Kind   models.EventKind
	events chan models.ChangeEvent
	broker *Broker

	once sync.Once
	mu   sync.Mutex
	err  error
}

// Events закрывается, когда подписка завершена; причина доступна через Err.
func (s *Subscription) Events() <-chan models.ChangeEvent { return s.events }

func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close освобождает подписку. Повторный вызов безопасен.
func (s *Subscription) Close() {
	s.broker.remove(s, nil)
}

// Broker - внутрипроцессная рассылка событий по подписчикам.
type Broker struct {
	mu         sync.RWMutex
	subs       map[models.EntityRef]map[*Subscription]struct{}
	bufferSize int
	closed     bool
	logger     *zap.Logger
}

func NewBroker(bufferSize int, logger *zap.Logger) *Broker {
	if bufferSize <= 0 {
		bufferSize = defaultSubscriberBuffer
	}
	return &Broker{
		subs:       make(map[models.EntityRef]map[*Subscription]struct{}),
		bufferSize: bufferSize,
		logger:     logger.Named("ChangeBroker"),
	}
}

// Subscribe регистрирует подписку на сущность и вид события.
func (b *Broker) Subscribe(ref models.EntityRef, kind models.EventKind) (*Subscription, error) {
	if !ref.Type.Valid() || ref.ID == uuid.Nil {
		return nil, fmt.Errorf("%w: invalid entity %s", models.ErrInvalidRequest, ref)
	}
	if kind == "" {
		kind = models.EventAny
	}
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: unknown event kind %q", models.ErrInvalidRequest, kind)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("%w: %w", models.ErrSubscription, ErrBrokerClosed)
	}

	sub := &Subscription{
		ID:     uuid.New(),
		Ref:    ref,
		Kind:   kind,
		events: make(chan models.ChangeEvent, b.bufferSize),
		broker: b,
	}
	if b.subs[ref] == nil {
		b.subs[ref] = make(map[*Subscription]struct{})
	}
	b.subs[ref][sub] = struct{}{}

	b.logger.Debug("Subscription registered",
		zap.String("subscriptionID", sub.ID.String()),
		zap.String("entity", ref.String()),
		zap.String("kind", string(kind)),
	)
	return sub, nil
}

// Publish рассылает событие без блокировки. Переполненные подписки отключаются.
func (b *Broker) Publish(_ context.Context, event models.ChangeEvent) error {
	targets := []models.EntityRef{event.Snapshot.Ref}
	if event.Snapshot.Ref.Type == models.EntitySegment && event.Snapshot.StoryID != uuid.Nil {
		targets = append(targets, models.EntityRef{Type: models.EntityStory, ID: event.Snapshot.StoryID})
	}

	var lagged []*Subscription
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrBrokerClosed
	}
	for _, ref := range targets {
		for sub := range b.subs[ref] {
			if !sub.Kind.Matches(event.Kind) {
				continue
			}
			select {
			case sub.events <- event:
			default:
				lagged = append(lagged, sub)
			}
		}
	}
	b.mu.RUnlock()

	for _, sub := range lagged {
		b.logger.Warn("Dropping lagging subscriber",
			zap.String("subscriptionID", sub.ID.String()),
			zap.String("entity", sub.Ref.String()),
		)
		b.remove(sub, ErrSubscriberLagged)
	}
	return nil
}

// SubscriberCount возвращает число подписок на сущность.
func (b *Broker) SubscriberCount(ref models.EntityRef) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[ref])
}

// Close завершает все подписки с ошибкой ErrBrokerClosed.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for ref, set := range b.subs {
		for sub := range set {
			sub.finish(ErrBrokerClosed)
		}
		delete(b.subs, ref)
	}
}

func (b *Broker) remove(sub *Subscription, reason error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if set, ok := b.subs[sub.Ref]; ok {
		if _, ok := set[sub]; ok {
			delete(set, sub)
			if len(set) == 0 {
				delete(b.subs, sub.Ref)
			}
			sub.finish(reason)
		}
	}
}

// finish вызывается под блокировкой брокера.
func (s *Subscription) finish(reason error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = reason
		s.mu.Unlock()
		close(s.events)
	})
}
