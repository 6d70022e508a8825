package provider

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"narrative-server/internal/models"

	"github.com/ollama/ollama/api"
	openaigo "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

// Settings - зависимости, из которых собираются адаптеры по именам из конфигурации.
type Settings struct {
	HTTPClient *http.Client

	OpenAIBaseURL     string
	OpenAIAPIKey      string
	OpenAITextModel   string
	OpenAIImageModel  string
	OpenAISpeechModel string
	OpenAIVoice       string

	OllamaBaseURL string
	OllamaModel   string

	SanaBaseURL string

	SovitsBaseURL  string
	SovitsRefAudio string
	SovitsLanguage string
}

// Registry лениво создает SDK-клиенты и собирает цепочки адаптеров.
type Registry struct {
	settings Settings
	logger   *zap.Logger
	openai   *openaigo.Client
	ollama   *api.Client
}

func NewRegistry(settings Settings, logger *zap.Logger) *Registry {
	if settings.HTTPClient == nil {
		settings.HTTPClient = &http.Client{}
	}
	return &Registry{settings: settings, logger: logger}
}

// Build возвращает адаптеры в порядке имен. Неизвестное имя или чужой тип контента - ошибка конфигурации.
func (r *Registry) Build(kind models.ContentKind, names []string) ([]Adapter, error) {
	adapters := make([]Adapter, 0, len(names))
	for _, raw := range names {
		name := strings.ToLower(strings.TrimSpace(raw))
		if name == "" {
			continue
		}
		adapter, err := r.build(name)
		if err != nil {
			return nil, err
		}
		if adapter.Kind() != kind {
			return nil, fmt.Errorf("provider %q produces %s, not %s", name, adapter.Kind(), kind)
		}
		adapters = append(adapters, Instrument(adapter, r.logger))
	}
	return adapters, nil
}

func (r *Registry) build(name string) (Adapter, error) {
	s := r.settings
	switch name {
	case "openai":
		return NewOpenAIText(r.openAIClient(), s.OpenAITextModel), nil
	case "openai-image":
		return NewOpenAIImage(r.openAIClient(), s.OpenAIImageModel), nil
	case "openai-speech":
		return NewOpenAISpeech(r.openAIClient(), s.OpenAISpeechModel, s.OpenAIVoice), nil
	case "ollama":
		client, err := r.ollamaClient()
		if err != nil {
			return nil, err
		}
		return NewOllamaText(client, s.OllamaModel), nil
	case "sana":
		return NewSanaImage(s.HTTPClient, s.SanaBaseURL), nil
	case "sovits":
		return NewSovitsSpeech(s.HTTPClient, s.SovitsBaseURL, s.SovitsRefAudio, s.SovitsLanguage), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", name)
	}
}

func (r *Registry) openAIClient() *openaigo.Client {
	if r.openai == nil {
		cfg := openaigo.DefaultConfig(r.settings.OpenAIAPIKey)
		if r.settings.OpenAIBaseURL != "" {
			cfg.BaseURL = r.settings.OpenAIBaseURL
		}
		cfg.HTTPClient = r.settings.HTTPClient
		r.openai = openaigo.NewClientWithConfig(cfg)
	}
	return r.openai
}

func (r *Registry) ollamaClient() (*api.Client, error) {
	if r.ollama == nil {
		base := strings.TrimSuffix(strings.TrimSuffix(r.settings.OllamaBaseURL, "/"), "/v1")
		parsed, err := url.Parse(base)
		if err != nil {
			return nil, fmt.Errorf("invalid Ollama base URL %q: %w", base, err)
		}
		r.ollama = api.NewClient(parsed, r.settings.HTTPClient)
	}
	return r.ollama, nil
}
