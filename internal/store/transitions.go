package store

import (
	"fmt"

	"narrative-server/internal/models"
)

// AllowedFrom возвращает статусы, поверх которых можно записать target.
// Цикл: not_started -> pending -> in_progress -> {completed | failed};
// failed -> pending только при явном retry.
func AllowedFrom(target models.GenerationStatus, retry bool) []models.GenerationStatus {
	switch target {
	case models.GenerationStatusPending:
		if retry {
			return []models.GenerationStatus{models.GenerationStatusFailed}
		}
		return []models.GenerationStatus{models.GenerationStatusNotStarted}
	case models.GenerationStatusInProgress:
		return []models.GenerationStatus{models.GenerationStatusPending}
	case models.GenerationStatusCompleted, models.GenerationStatusFailed:
		return []models.GenerationStatus{models.GenerationStatusPending, models.GenerationStatusInProgress}
	default:
		return nil
	}
}

func allowedStrings(target models.GenerationStatus, retry bool) []string {
	from := AllowedFrom(target, retry)
	out := make([]string, len(from))
	for i, s := range from {
		out[i] = string(s)
	}
	return out
}

// validateDelta проверяет изменение до обращения к хранилищу.
func validateDelta(ref models.EntityRef, delta models.FieldDelta) error {
	if !delta.Field.Valid() {
		return fmt.Errorf("%w: unknown field %q", models.ErrInvalidRequest, delta.Field)
	}
	if ref.Type == models.EntityStory && delta.Field != models.FieldAudio {
		return fmt.Errorf("%w: story has no %s field", models.ErrInvalidRequest, delta.Field)
	}
	if !ref.Type.Valid() {
		return fmt.Errorf("%w: unknown entity type %q", models.ErrInvalidRequest, ref.Type)
	}
	if len(AllowedFrom(delta.Status, delta.Retry)) == 0 {
		return fmt.Errorf("%w: %s cannot be written", models.ErrInvalidTransition, delta.Status)
	}
	if delta.Retry && delta.Status != models.GenerationStatusPending {
		return fmt.Errorf("%w: retry resets only to pending", models.ErrInvalidTransition)
	}
	if delta.Status == models.GenerationStatusCompleted && (delta.URL == nil || *delta.URL == "") {
		return fmt.Errorf("%w: completed requires a result url", models.ErrInvalidRequest)
	}
	return nil
}

// checkTransition решает судьбу записи поверх текущего состояния поля.
// idempotent=true означает повтор того же терминального значения: запись не нужна.
func checkTransition(current models.FieldState, delta models.FieldDelta) (idempotent bool, err error) {
	if current.Status == delta.Status && delta.Status.IsTerminal() && sameResult(current, delta) {
		return true, nil
	}
	for _, allowed := range AllowedFrom(delta.Status, delta.Retry) {
		if current.Status == allowed {
			return false, nil
		}
	}
	return false, fmt.Errorf("%w: %s -> %s", models.ErrInvalidTransition, current.Status, delta.Status)
}

func sameResult(current models.FieldState, delta models.FieldDelta) bool {
	if delta.Status == models.GenerationStatusCompleted {
		return current.URL != nil && delta.URL != nil && *current.URL == *delta.URL
	}
	return true
}

// nextValues вычисляет новые url и error поля после записи.
func nextValues(current models.FieldState, delta models.FieldDelta) (url *string, errText *string) {
	url = current.URL
	if replace, patched := urlPatch(delta); replace {
		url = patched
	}
	return url, errorPatch(delta)
}

// urlPatch сообщает, нужно ли заменить url поля, и на что.
func urlPatch(delta models.FieldDelta) (replace bool, url *string) {
	switch {
	case delta.Status == models.GenerationStatusCompleted:
		return true, delta.URL
	case delta.Retry:
		return true, nil
	default:
		return false, nil
	}
}

func errorPatch(delta models.FieldDelta) *string {
	if delta.Status == models.GenerationStatusFailed {
		return delta.Error
	}
	return nil
}
