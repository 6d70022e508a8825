package models

import "fmt"

// GenerationStatus - статус генерации одного типа контента (изображение, аудио).
type GenerationStatus string

const (
	GenerationStatusNotStarted GenerationStatus = "not_started"
	GenerationStatusPending    GenerationStatus = "pending"
	GenerationStatusInProgress GenerationStatus = "in_progress"
	GenerationStatusCompleted  GenerationStatus = "completed"
	GenerationStatusFailed     GenerationStatus = "failed"
)

// Ordinal возвращает позицию статуса в цикле генерации.
// completed и failed равноправны: оба завершают цикл.
func (s GenerationStatus) Ordinal() int {
	switch s {
	case GenerationStatusNotStarted:
		return 0
	case GenerationStatusPending:
		return 1
	case GenerationStatusInProgress:
		return 2
	case GenerationStatusCompleted, GenerationStatusFailed:
		return 3
	default:
		return -1
	}
}

// IsTerminal сообщает, завершен ли цикл генерации.
func (s GenerationStatus) IsTerminal() bool {
	return s == GenerationStatusCompleted || s == GenerationStatusFailed
}

// IsActive сообщает, ждет ли поле результата стадии.
func (s GenerationStatus) IsActive() bool {
	return s == GenerationStatusPending || s == GenerationStatusInProgress
}

func (s GenerationStatus) Valid() bool {
	return s.Ordinal() >= 0
}

// ParseGenerationStatus разбирает строковое значение статуса.
func ParseGenerationStatus(v string) (GenerationStatus, error) {
	s := GenerationStatus(v)
	if !s.Valid() {
		return "", fmt.Errorf("unknown generation status %q", v)
	}
	return s, nil
}

// MediaField - поле сущности, которое заполняется отложенной стадией.
type MediaField string

const (
	FieldImage MediaField = "image"
	FieldAudio MediaField = "audio"
)

func (f MediaField) Valid() bool {
	return f == FieldImage || f == FieldAudio
}

// ContentKind - тип контента, для которого собирается цепочка провайдеров.
type ContentKind string

const (
	ContentText  ContentKind = "text"
	ContentImage ContentKind = "image"
	ContentAudio ContentKind = "audio"
)

// ContentKindFor возвращает тип контента, который производит стадия для поля.
func ContentKindFor(f MediaField) ContentKind {
	if f == FieldAudio {
		return ContentAudio
	}
	return ContentImage
}
