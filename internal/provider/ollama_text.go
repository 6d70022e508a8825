package provider

import (
	"context"

	"narrative-server/internal/models"

	"github.com/ollama/ollama/api"
)

type ollamaText struct {
	client *api.Client
	model  string
}

// NewOllamaText создает текстовый адаптер поверх нативного API Ollama.
func NewOllamaText(client *api.Client, model string) Adapter {
	return &ollamaText{client: client, model: model}
}

func (a *ollamaText) Name() string             { return "ollama" }
func (a *ollamaText) Kind() models.ContentKind { return models.ContentText }

func (a *ollamaText) Attempt(ctx context.Context, spec Spec) (Content, error) {
	system, user := ChatMessages(spec)
	stream := false
	req := &api.ChatRequest{
		Model: a.model,
		Messages: []api.Message{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Stream: &stream,
	}

	var resp api.ChatResponse
	err := a.client.Chat(ctx, req, func(r api.ChatResponse) error {
		resp = r
		return nil
	})
	if err != nil {
		return Content{}, Classify(ctx, a.Name(), a.Kind(), err)
	}
	if resp.Message.Content == "" {
		return Content{}, Malformed(a.Name(), a.Kind(), "empty chat response")
	}

	text, err := ParseNarrative(resp.Message.Content)
	if err != nil {
		return Content{}, NewError(a.Name(), a.Kind(), ReasonMalformed, err)
	}
	return Content{Kind: models.ContentText, Text: &text}, nil
}
