package models

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// GenerateRequest - запрос на генерацию очередного шага истории.
// Допустим либо Prompt (новая история), либо тройка StoryID/ParentSegmentID/ChoiceText.
type GenerateRequest struct {
	Prompt          string     `json:"prompt,omitempty"`
	StoryID         *uuid.UUID `json:"storyId,omitempty"`
	ParentSegmentID *uuid.UUID `json:"parentSegmentId,omitempty"`
	ChoiceText      string     `json:"choiceText,omitempty"`
	StoryMode       string     `json:"storyMode,omitempty"`
	SkipImage       bool       `json:"skipImage,omitempty"`
	SkipAudio       bool       `json:"skipAudio,omitempty"`
}

// IsContinuation сообщает, продолжает ли запрос существующую историю.
func (r GenerateRequest) IsContinuation() bool {
	return r.StoryID != nil || r.ParentSegmentID != nil || strings.TrimSpace(r.ChoiceText) != ""
}

// Validate проверяет, что задан ровно один из вариантов входа.
func (r GenerateRequest) Validate() error {
	hasPrompt := strings.TrimSpace(r.Prompt) != ""
	if !r.IsContinuation() {
		if !hasPrompt {
			return fmt.Errorf("%w: prompt is required to start a story", ErrInvalidRequest)
		}
		return nil
	}
	if hasPrompt {
		return fmt.Errorf("%w: prompt cannot be combined with continuation fields", ErrInvalidRequest)
	}
	if r.StoryID == nil || *r.StoryID == uuid.Nil {
		return fmt.Errorf("%w: storyId is required for continuation", ErrInvalidRequest)
	}
	if r.ParentSegmentID == nil || *r.ParentSegmentID == uuid.Nil {
		return fmt.Errorf("%w: parentSegmentId is required for continuation", ErrInvalidRequest)
	}
	if strings.TrimSpace(r.ChoiceText) == "" {
		return fmt.Errorf("%w: choiceText is required for continuation", ErrInvalidRequest)
	}
	return nil
}
