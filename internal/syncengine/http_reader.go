package syncengine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"narrative-server/internal/models"
)

// HTTPReader читает снимки через REST API сервера.
type HTTPReader struct {
	baseURL string
	client  *http.Client
}

// NewHTTPReader создает читатель. client может быть nil.
func NewHTTPReader(baseURL string, client *http.Client) (*HTTPReader, error) {
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("%w: invalid base url %q: %v", models.ErrInvalidRequest, baseURL, err)
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPReader{baseURL: baseURL, client: client}, nil
}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (r *HTTPReader) Fetch(ctx context.Context, ref models.EntityRef) (models.Snapshot, error) {
	var path string
	switch ref.Type {
	case models.EntityStory:
		path = "stories"
	case models.EntitySegment:
		path = "segments"
	default:
		return models.Snapshot{}, fmt.Errorf("%w: unknown entity type %q", models.ErrInvalidRequest, ref.Type)
	}

	endpoint, err := url.JoinPath(r.baseURL, "api", "v1", path, ref.ID.String())
	if err != nil {
		return models.Snapshot{}, fmt.Errorf("ошибка формирования адреса: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return models.Snapshot{}, fmt.Errorf("ошибка создания запроса: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return models.Snapshot{}, fmt.Errorf("ошибка чтения %s: %w", ref, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return models.Snapshot{}, fmt.Errorf("ошибка чтения ответа: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return models.Snapshot{}, fmt.Errorf("%w: %s", models.ErrNotFound, ref)
	case resp.StatusCode != http.StatusOK:
		var eb errorBody
		_ = json.Unmarshal(body, &eb)
		return models.Snapshot{}, fmt.Errorf("сервер вернул %d для %s: %s", resp.StatusCode, ref, eb.Error.Message)
	}

	if ref.Type == models.EntityStory {
		var story models.Story
		if err := json.Unmarshal(body, &story); err != nil {
			return models.Snapshot{}, fmt.Errorf("ошибка декодирования истории: %w", err)
		}
		return story.Snapshot(), nil
	}
	var seg models.Segment
	if err := json.Unmarshal(body, &seg); err != nil {
		return models.Snapshot{}, fmt.Errorf("ошибка декодирования сегмента: %w", err)
	}
	return seg.Snapshot(), nil
}
