package orchestrator

import (
	"strings"
	"unicode/utf8"

	"narrative-server/internal/models"

	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"
)

// TokenCounter считает токены текста для бюджета контекста.
type TokenCounter interface {
	Count(text string) int
}

type tiktokenCounter struct {
	enc *tiktoken.Tiktoken
}

func (c tiktokenCounter) Count(text string) int {
	return len(c.enc.Encode(text, nil, nil))
}

// approxCounter - грубая оценка (около 4 символов на токен), если словарь BPE недоступен.
type approxCounter struct{}

func (approxCounter) Count(text string) int {
	return (utf8.RuneCountInString(text) + 3) / 4
}

// NewTokenCounter загружает кодировку tiktoken. При ошибке загрузки
// возвращается приблизительный счетчик.
func NewTokenCounter(encoding string, logger *zap.Logger) TokenCounter {
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		logger.Warn("Failed to load tiktoken encoding, using approximate token count",
			zap.String("encoding", encoding), zap.Error(err))
		return approxCounter{}
	}
	return tiktokenCounter{enc: enc}
}

// HistoryTrimmer оставляет самые свежие сегменты, укладывающиеся в бюджет токенов.
type HistoryTrimmer struct {
	counter TokenCounter
	budget  int
}

func NewHistoryTrimmer(counter TokenCounter, budget int) *HistoryTrimmer {
	if counter == nil {
		counter = approxCounter{}
	}
	return &HistoryTrimmer{counter: counter, budget: budget}
}

// Trim возвращает тексты сегментов в хронологическом порядке.
// Последний сегмент сохраняется всегда, даже если один превышает бюджет.
func (h *HistoryTrimmer) Trim(segments []*models.Segment) []string {
	var (
		out  []string
		used int
	)
	for i := len(segments) - 1; i >= 0; i-- {
		text := strings.TrimSpace(segments[i].Text)
		if text == "" {
			continue
		}
		tokens := h.counter.Count(text)
		if len(out) > 0 && h.budget > 0 && used+tokens > h.budget {
			break
		}
		used += tokens
		out = append(out, text)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// pathTo возвращает цепочку сегментов от корня до target включительно.
func pathTo(segments []*models.Segment, target *models.Segment) []*models.Segment {
	byID := make(map[string]*models.Segment, len(segments))
	for _, s := range segments {
		byID[s.ID.String()] = s
	}
	var path []*models.Segment
	for cur := target; cur != nil; {
		path = append(path, cur)
		if cur.ParentSegmentID == nil {
			break
		}
		cur = byID[cur.ParentSegmentID.String()]
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}
