package http

import (
	"fmt"

	"narrative-server/internal/models"
)

// ErrorResponse - тело ответа с ошибкой.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Коды ошибок API.
const (
	ErrCodeInvalidRequest    = "invalid_request"
	ErrCodeNotFound          = "not_found"
	ErrCodeConflict          = "conflict"
	ErrCodeDuplicateRequest  = "duplicate_request"
	ErrCodeInvalidTransition = "invalid_transition"
	ErrCodeStoryCompleted    = "story_completed"
	ErrCodeGenerationFailed  = "generation_failed"
	ErrCodeRateLimited       = "rate_limited"
	ErrCodeInternal          = "internal"
)

type segmentListResponse struct {
	Data []*models.Segment `json:"data"`
}

func wrapInvalid(msg string, err error) error {
	return fmt.Errorf("%w: %s: %v", models.ErrInvalidRequest, msg, err)
}
