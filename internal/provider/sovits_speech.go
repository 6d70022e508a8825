package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"narrative-server/internal/models"
)

type sovitsSpeech struct {
	httpClient *http.Client
	baseURL    string
	refAudio   string
	language   string
}

type sovitsRequest struct {
	Text           string  `json:"text"`
	ReferenceAudio string  `json:"reference_audio,omitempty"`
	Language       string  `json:"language,omitempty"`
	Speed          float64 `json:"speed,omitempty"`
}

// sovitsResponse - JSON-вариант ответа; часть сборок отдает аудио сразу в теле.
type sovitsResponse struct {
	Success   bool   `json:"success"`
	Message   string `json:"message,omitempty"`
	AudioData string `json:"audio_data,omitempty"`
}

// NewSovitsSpeech создает TTS-адаптер к локальному GPT-SoVITS.
func NewSovitsSpeech(httpClient *http.Client, baseURL, refAudio, language string) Adapter {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &sovitsSpeech{
		httpClient: httpClient,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		refAudio:   refAudio,
		language:   language,
	}
}

func (a *sovitsSpeech) Name() string             { return "sovits" }
func (a *sovitsSpeech) Kind() models.ContentKind { return models.ContentAudio }

func (a *sovitsSpeech) Attempt(ctx context.Context, spec Spec) (Content, error) {
	if strings.TrimSpace(spec.Prompt) == "" {
		return Content{}, NewError(a.Name(), a.Kind(), ReasonRejected, fmt.Errorf("text cannot be empty"))
	}
	payload, err := json.Marshal(sovitsRequest{Text: spec.Prompt, ReferenceAudio: a.refAudio, Language: a.language, Speed: 1.0})
	if err != nil {
		return Content{}, Malformed(a.Name(), a.Kind(), "marshal request: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/tts", bytes.NewReader(payload))
	if err != nil {
		return Content{}, NewError(a.Name(), a.Kind(), ReasonRejected, fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return Content{}, Classify(ctx, a.Name(), a.Kind(), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxMediaResponseBytes))
	if err != nil {
		return Content{}, Classify(ctx, a.Name(), a.Kind(), fmt.Errorf("read response: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		return Content{}, StatusError(a.Name(), a.Kind(), resp.StatusCode, string(body))
	}

	contentType := resp.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "audio/") {
		if len(body) == 0 {
			return Content{}, Malformed(a.Name(), a.Kind(), "empty audio body")
		}
		return Content{Kind: models.ContentAudio, Data: body, MIMEType: contentType}, nil
	}

	var parsed sovitsResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return Content{}, Malformed(a.Name(), a.Kind(), "decode response: %v", err)
	}
	if !parsed.Success {
		return Content{}, NewError(a.Name(), a.Kind(), ReasonRejected, fmt.Errorf("tts failed: %s", parsed.Message))
	}
	data, err := base64.StdEncoding.DecodeString(parsed.AudioData)
	if err != nil || len(data) == 0 {
		return Content{}, Malformed(a.Name(), a.Kind(), "invalid audio_data")
	}
	return Content{Kind: models.ContentAudio, Data: data, MIMEType: "audio/wav"}, nil
}
