package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EntityType - тип сущности, на изменения которой можно подписаться.
type EntityType string

const (
	EntityStory   EntityType = "story"
	EntitySegment EntityType = "segment"
)

func (t EntityType) Valid() bool {
	return t == EntityStory || t == EntitySegment
}

// EntityRef адресует одну сущность хранилища статусов.
type EntityRef struct {
	Type EntityType `json:"type"`
	ID   uuid.UUID  `json:"id"`
}

func (r EntityRef) String() string {
	return fmt.Sprintf("%s:%s", r.Type, r.ID)
}

// ParseEntityRef собирает ссылку из строковых параметров запроса.
func ParseEntityRef(entityType, id string) (EntityRef, error) {
	t := EntityType(entityType)
	if !t.Valid() {
		return EntityRef{}, fmt.Errorf("%w: unknown entity type %q", ErrInvalidRequest, entityType)
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return EntityRef{}, fmt.Errorf("%w: invalid entity id %q", ErrInvalidRequest, id)
	}
	return EntityRef{Type: t, ID: parsed}, nil
}

// FieldState - значение отслеживаемого поля: статус, ссылка на результат, ошибка.
type FieldState struct {
	Status GenerationStatus `json:"status"`
	URL    *string          `json:"url,omitempty"`
	Error  *string          `json:"error,omitempty"`
}

// Equal сравнивает значимые для наблюдателя части состояния поля.
func (f FieldState) Equal(o FieldState) bool {
	return f.Status == o.Status && strPtrEqual(f.URL, o.URL)
}

func strPtrEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// Snapshot - полное состояние сущности после записи в хранилище.
// Version монотонно растет с каждой успешной записью сущности.
type Snapshot struct {
	Ref       EntityRef                 `json:"ref"`
	StoryID   uuid.UUID                 `json:"storyId"`
	Version   int64                     `json:"version"`
	UpdatedAt time.Time                 `json:"updatedAt"`
	Fields    map[MediaField]FieldState `json:"fields"`
	Deleted   bool                      `json:"deleted,omitempty"`
	Story     *Story                    `json:"story,omitempty"`
	Segment   *Segment                  `json:"segment,omitempty"`
}

// FieldDelta - изменение одного поля, которое применяет хранилище.
// Retry разрешает явный сброс failed -> pending.
type FieldDelta struct {
	Field  MediaField
	Status GenerationStatus
	URL    *string
	Error  *string
	Retry  bool
}

// EventKind - вид изменения сущности.
type EventKind string

const (
	EventInsert EventKind = "insert"
	EventUpdate EventKind = "update"
	EventDelete EventKind = "delete"
	EventAny    EventKind = "*"
)

func (k EventKind) Valid() bool {
	switch k {
	case EventInsert, EventUpdate, EventDelete, EventAny:
		return true
	}
	return false
}

// Matches сообщает, подходит ли событие под фильтр подписки.
func (k EventKind) Matches(actual EventKind) bool {
	return k == EventAny || k == "" || k == actual
}

// ChangeEvent публикуется после каждой успешной записи в хранилище статусов.
type ChangeEvent struct {
	Kind       EventKind `json:"kind"`
	Snapshot   Snapshot  `json:"snapshot"`
	OccurredAt time.Time `json:"occurredAt"`
}

// NewChangeEvent создает событие для снимка сущности.
func NewChangeEvent(kind EventKind, snap Snapshot) ChangeEvent {
	return ChangeEvent{Kind: kind, Snapshot: snap, OccurredAt: time.Now().UTC()}
}
