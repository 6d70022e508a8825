// Package syncengine держит локальное представление наблюдателя в согласии с хранилищем статусов:
// push-подписка, при ее отказе опрос, общий путь реконсиляции и подтверждающие перечитывания.
package syncengine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"narrative-server/internal/models"

	"go.uber.org/zap"
)

// StatusReader - точечное чтение истории или сегмента.
// Для удаленной сущности возвращает models.ErrNotFound.
type StatusReader interface {
	Fetch(ctx context.Context, ref models.EntityRef) (models.Snapshot, error)
}

// Stream - поток снимков одной подписки. Канал Events закрывается при ошибке канала,
// причина доступна через Err.
type Stream interface {
	Events() <-chan models.ChangeEvent
	Err() error
	Close()
}

// PushChannel открывает подписку на изменения сущности.
// Subscribe возвращается после подтверждения подписки сервером.
type PushChannel interface {
	Subscribe(ctx context.Context, ref models.EntityRef, kind models.EventKind) (Stream, error)
}

// Config - параметры синхронизации.
type Config struct {
	// PollInterval - период опроса в деградированном режиме.
	PollInterval time.Duration
	// ConfirmDelays - задержки подтверждающих перечитываний после достижения терминального статуса.
	ConfirmDelays []time.Duration
	// MaxReconnects - сколько раз подряд пытаться восстановить push-канал.
	MaxReconnects int
	// ReconnectInitial и ReconnectMax ограничивают экспоненциальную задержку переподключения.
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
	// SubscribeTimeout ограничивает ожидание подтверждения подписки.
	SubscribeTimeout time.Duration
	// FetchTimeout ограничивает одно чтение.
	FetchTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		PollInterval:     3 * time.Second,
		ConfirmDelays:    []time.Duration{time.Second, 3 * time.Second},
		MaxReconnects:    3,
		ReconnectInitial: time.Second,
		ReconnectMax:     10 * time.Second,
		SubscribeTimeout: 10 * time.Second,
		FetchTimeout:     10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.ConfirmDelays == nil {
		c.ConfirmDelays = d.ConfirmDelays
	}
	if c.MaxReconnects < 0 {
		c.MaxReconnects = 0
	}
	if c.ReconnectInitial <= 0 {
		c.ReconnectInitial = d.ReconnectInitial
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = d.ReconnectMax
	}
	if c.SubscribeTimeout <= 0 {
		c.SubscribeTimeout = d.SubscribeTimeout
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = d.FetchTimeout
	}
	return c
}

// Engine - синхронизация одного наблюдателя. Наблюдатели между собой не координируются.
type Engine struct {
	reader     StatusReader
	push       PushChannel
	cfg        Config
	reconciler *Reconciler
	logger     *zap.Logger

	mu       sync.Mutex
	watchers map[*Watcher]struct{}
	closed   bool
}

// NewEngine создает движок. push может быть nil: тогда наблюдение сразу идет опросом.
func NewEngine(reader StatusReader, push PushChannel, cfg Config, logger *zap.Logger) *Engine {
	return &Engine{
		reader:     reader,
		push:       push,
		cfg:        cfg.withDefaults(),
		reconciler: NewReconciler(),
		logger:     logger.Named("SyncEngine"),
		watchers:   make(map[*Watcher]struct{}),
	}
}

// Watch начинает наблюдение за сущностью. Пустой fields означает все медиа-поля сущности.
// onUpdate вызывается из горутины наблюдателя последовательно.
func (e *Engine) Watch(ctx context.Context, ref models.EntityRef, fields []models.MediaField, opts ...WatchOption) (*Watcher, error) {
	if !ref.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown entity type %q", models.ErrInvalidRequest, ref.Type)
	}
	if len(fields) == 0 {
		fields = DefaultFields(ref.Type)
	}
	for _, f := range fields {
		if !f.Valid() || (ref.Type == models.EntityStory && f != models.FieldAudio) {
			return nil, fmt.Errorf("%w: %s has no %s field", models.ErrInvalidRequest, ref.Type, f)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, errors.New("sync engine is closed")
	}
	for w := range e.watchers {
		if w.ref == ref {
			return nil, fmt.Errorf("%w: %s is already watched", models.ErrConflict, ref)
		}
	}
	w := newWatcher(e, ref, fields, opts...)
	e.watchers[w] = struct{}{}
	w.start(ctx)
	return w, nil
}

// Cached возвращает последний принятый снимок сущности.
func (e *Engine) Cached(ref models.EntityRef) (models.Snapshot, bool) {
	return e.reconciler.Get(ref)
}

// Close останавливает всех наблюдателей.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	watchers := make([]*Watcher, 0, len(e.watchers))
	for w := range e.watchers {
		watchers = append(watchers, w)
	}
	e.mu.Unlock()

	for _, w := range watchers {
		w.Close()
	}
}

func (e *Engine) forget(w *Watcher) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.watchers, w)
	e.reconciler.Forget(w.ref)
}

// DefaultFields - медиа-поля сущности, отслеживаемые по умолчанию.
func DefaultFields(t models.EntityType) []models.MediaField {
	if t == models.EntityStory {
		return []models.MediaField{models.FieldAudio}
	}
	return []models.MediaField{models.FieldImage, models.FieldAudio}
}
