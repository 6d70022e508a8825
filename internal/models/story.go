package models

import (
	"time"

	"github.com/google/uuid"
)

// DefaultStoryMode используется, когда режим истории не передан в запросе.
const DefaultStoryMode = "adventure"

// Story - история, к которой относится цепочка сегментов.
// Поля аудио описывают озвучку всей истории целиком.
type Story struct {
	ID                    uuid.UUID        `json:"id" db:"id"`
	Title                 string           `json:"title" db:"title"`
	Mode                  string           `json:"mode" db:"mode"`
	IsCompleted           bool             `json:"isCompleted" db:"is_completed"`
	AudioURL              *string          `json:"audioUrl,omitempty" db:"audio_url"`
	AudioGenerationStatus GenerationStatus `json:"audioGenerationStatus" db:"audio_generation_status"`
	AudioError            *string          `json:"audioError,omitempty" db:"audio_error"`
	Version               int64            `json:"version" db:"version"`
	CreatedAt             time.Time        `json:"createdAt" db:"created_at"`
	UpdatedAt             time.Time        `json:"updatedAt" db:"updated_at"`
}

func (s *Story) Ref() EntityRef {
	return EntityRef{Type: EntityStory, ID: s.ID}
}

// Field возвращает состояние отслеживаемого поля истории.
func (s *Story) Field(f MediaField) (FieldState, bool) {
	if f != FieldAudio {
		return FieldState{}, false
	}
	return FieldState{Status: s.AudioGenerationStatus, URL: s.AudioURL, Error: s.AudioError}, true
}

// Snapshot возвращает полный снимок истории для наблюдателей.
func (s *Story) Snapshot() Snapshot {
	cp := *s
	return Snapshot{
		Ref:       s.Ref(),
		StoryID:   s.ID,
		Version:   s.Version,
		UpdatedAt: s.UpdatedAt,
		Fields: map[MediaField]FieldState{
			FieldAudio: {Status: s.AudioGenerationStatus, URL: s.AudioURL, Error: s.AudioError},
		},
		Story: &cp,
	}
}

// Segment - один шаг истории: текст, варианты выбора и медиа.
type Segment struct {
	ID                    uuid.UUID        `json:"id" db:"id"`
	StoryID               uuid.UUID        `json:"storyId" db:"story_id"`
	ParentSegmentID       *uuid.UUID       `json:"parentSegmentId,omitempty" db:"parent_segment_id"`
	Text                  string           `json:"text" db:"text"`
	Choices               []string         `json:"choices" db:"choices"`
	IsEnd                 bool             `json:"isEnd" db:"is_end"`
	ImageURL              *string          `json:"imageUrl,omitempty" db:"image_url"`
	ImageGenerationStatus GenerationStatus `json:"imageGenerationStatus" db:"image_generation_status"`
	ImageError            *string          `json:"imageError,omitempty" db:"image_error"`
	AudioURL              *string          `json:"audioUrl,omitempty" db:"audio_url"`
	AudioGenerationStatus GenerationStatus `json:"audioGenerationStatus" db:"audio_generation_status"`
	AudioError            *string          `json:"audioError,omitempty" db:"audio_error"`
	Version               int64            `json:"version" db:"version"`
	CreatedAt             time.Time        `json:"createdAt" db:"created_at"`
	UpdatedAt             time.Time        `json:"updatedAt" db:"updated_at"`
}

func (s *Segment) Ref() EntityRef {
	return EntityRef{Type: EntitySegment, ID: s.ID}
}

func (s *Segment) Field(f MediaField) (FieldState, bool) {
	switch f {
	case FieldImage:
		return FieldState{Status: s.ImageGenerationStatus, URL: s.ImageURL, Error: s.ImageError}, true
	case FieldAudio:
		return FieldState{Status: s.AudioGenerationStatus, URL: s.AudioURL, Error: s.AudioError}, true
	default:
		return FieldState{}, false
	}
}

// Snapshot возвращает полный снимок сегмента для наблюдателей.
func (s *Segment) Snapshot() Snapshot {
	cp := *s
	cp.Choices = append([]string(nil), s.Choices...)
	return Snapshot{
		Ref:       s.Ref(),
		StoryID:   s.StoryID,
		Version:   s.Version,
		UpdatedAt: s.UpdatedAt,
		Fields: map[MediaField]FieldState{
			FieldImage: {Status: s.ImageGenerationStatus, URL: s.ImageURL, Error: s.ImageError},
			FieldAudio: {Status: s.AudioGenerationStatus, URL: s.AudioURL, Error: s.AudioError},
		},
		Segment: &cp,
	}
}

// InitialStatus возвращает стартовый статус поля с учетом флага пропуска.
func InitialStatus(skip bool) GenerationStatus {
	if skip {
		return GenerationStatusNotStarted
	}
	return GenerationStatusPending
}
