package provider

import (
	"context"

	"narrative-server/internal/models"

	"github.com/google/uuid"
)

// Spec - вход одной попытки генерации.
// Для текста Prompt содержит стартовый промпт или выбранный вариант,
// History - предыдущие сегменты истории (уже обрезанные по бюджету токенов).
// Для изображения и аудио Prompt - описание сцены или текст для озвучки.
type Spec struct {
	Kind     models.ContentKind
	Prompt   string
	History  []string
	Mode     string
	EntityID uuid.UUID
}

// TextContent - разобранный ответ текстового провайдера.
type TextContent struct {
	Text    string
	Choices []string
	IsEnd   bool
}

// Content - результат успешной попытки.
// Бинарные результаты приходят в Data, размещенные у провайдера - в URL.
type Content struct {
	Kind     models.ContentKind
	Text     *TextContent
	Data     []byte
	MIMEType string
	URL      string
}

// Adapter оборачивает одного внешнего провайдера одного типа контента.
// Обычные ошибки (таймаут, квота, битый ответ) возвращаются как *Error.
type Adapter interface {
	Name() string
	Kind() models.ContentKind
	Attempt(ctx context.Context, spec Spec) (Content, error)
}
