package provider

import (
	"context"
	"encoding/base64"

	"narrative-server/internal/models"

	openaigo "github.com/sashabaranov/go-openai"
)

type openAIImage struct {
	client *openaigo.Client
	model  string
}

// NewOpenAIImage создает адаптер генерации изображений через OpenAI images API.
func NewOpenAIImage(client *openaigo.Client, model string) Adapter {
	return &openAIImage{client: client, model: model}
}

func (a *openAIImage) Name() string             { return "openai-image" }
func (a *openAIImage) Kind() models.ContentKind { return models.ContentImage }

func (a *openAIImage) Attempt(ctx context.Context, spec Spec) (Content, error) {
	resp, err := a.client.CreateImage(ctx, openaigo.ImageRequest{
		Prompt:         spec.Prompt,
		Model:          a.model,
		N:              1,
		Size:           openaigo.CreateImageSize1024x1024,
		ResponseFormat: openaigo.CreateImageResponseFormatB64JSON,
	})
	if err != nil {
		return Content{}, Classify(ctx, a.Name(), a.Kind(), err)
	}
	if len(resp.Data) == 0 {
		return Content{}, Malformed(a.Name(), a.Kind(), "no images in response")
	}

	item := resp.Data[0]
	if item.B64JSON == "" {
		if item.URL == "" {
			return Content{}, Malformed(a.Name(), a.Kind(), "image has neither data nor url")
		}
		return Content{Kind: models.ContentImage, URL: item.URL}, nil
	}
	data, err := base64.StdEncoding.DecodeString(item.B64JSON)
	if err != nil {
		return Content{}, Malformed(a.Name(), a.Kind(), "decode image: %v", err)
	}
	return Content{Kind: models.ContentImage, Data: data, MIMEType: "image/png"}, nil
}
