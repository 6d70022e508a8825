package models

import "errors"

// Стандартные ошибки пайплайна генерации.
var (
	// Ошибки запроса
	ErrInvalidRequest   = errors.New("invalid generation request")
	ErrDuplicateRequest = errors.New("identical generation request is already in flight")

	// Ошибки генерации
	ErrProviderFailure  = errors.New("provider attempt failed")
	ErrChainExhausted   = errors.New("all providers in chain failed")
	ErrGenerationFailed = errors.New("text generation failed")

	// Ошибки хранилища
	ErrNotFound          = errors.New("resource not found")
	ErrPersistence       = errors.New("status store write failed")
	ErrInvalidTransition = errors.New("status transition is not allowed")
	ErrConflict          = errors.New("segment chain conflict")
	ErrStoryCompleted    = errors.New("story is already completed")

	// Ошибки подписки (наблюдатель видит их только как деградацию)
	ErrSubscription = errors.New("change subscription failed")
)
