package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	"narrative-server/internal/models"
)

// keyFields - каноническое представление входа генерации.
// Порядок полей фиксирован, флаги пропуска медиа в ключ не входят.
type keyFields struct {
	StoryID         string `json:"story_id"`
	ParentSegmentID string `json:"parent_segment_id"`
	ChoiceText      string `json:"choice_text"`
	Prompt          string `json:"prompt"`
}

// Key возвращает хеш-идентификатор логического запроса.
func Key(req models.GenerateRequest) string {
	fields := keyFields{
		ChoiceText: strings.TrimSpace(req.ChoiceText),
		Prompt:     strings.TrimSpace(req.Prompt),
	}
	if req.StoryID != nil {
		fields.StoryID = req.StoryID.String()
	}
	if req.ParentSegmentID != nil {
		fields.ParentSegmentID = req.ParentSegmentID.String()
	}
	// Маршалинг структуры из строк не может завершиться ошибкой.
	data, _ := json.Marshal(fields)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
