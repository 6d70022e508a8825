package provider

import (
	"context"

	"narrative-server/internal/models"

	openaigo "github.com/sashabaranov/go-openai"
)

type openAIText struct {
	client *openaigo.Client
	model  string
}

// NewOpenAIText создает текстовый адаптер поверх OpenAI-совместимого chat API.
func NewOpenAIText(client *openaigo.Client, model string) Adapter {
	return &openAIText{client: client, model: model}
}

func (a *openAIText) Name() string             { return "openai" }
func (a *openAIText) Kind() models.ContentKind { return models.ContentText }

func (a *openAIText) Attempt(ctx context.Context, spec Spec) (Content, error) {
	system, user := ChatMessages(spec)
	resp, err := a.client.CreateChatCompletion(ctx, openaigo.ChatCompletionRequest{
		Model: a.model,
		Messages: []openaigo.ChatCompletionMessage{
			{Role: openaigo.ChatMessageRoleSystem, Content: system},
			{Role: openaigo.ChatMessageRoleUser, Content: user},
		},
	})
	if err != nil {
		return Content{}, Classify(ctx, a.Name(), a.Kind(), err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return Content{}, Malformed(a.Name(), a.Kind(), "empty completion")
	}

	text, err := ParseNarrative(resp.Choices[0].Message.Content)
	if err != nil {
		return Content{}, NewError(a.Name(), a.Kind(), ReasonMalformed, err)
	}
	return Content{Kind: models.ContentText, Text: &text}, nil
}
