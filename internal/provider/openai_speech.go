package provider

import (
	"context"
	"fmt"
	"io"

	"narrative-server/internal/models"

	openaigo "github.com/sashabaranov/go-openai"
)

// openAISpeechLimit - максимальная длина input у speech API.
const openAISpeechLimit = 4096

type openAISpeech struct {
	client *openaigo.Client
	model  string
	voice  string
}

// NewOpenAISpeech создает TTS-адаптер через OpenAI audio/speech.
func NewOpenAISpeech(client *openaigo.Client, model, voice string) Adapter {
	return &openAISpeech{client: client, model: model, voice: voice}
}

func (a *openAISpeech) Name() string             { return "openai-speech" }
func (a *openAISpeech) Kind() models.ContentKind { return models.ContentAudio }

func (a *openAISpeech) Attempt(ctx context.Context, spec Spec) (Content, error) {
	input := spec.Prompt
	if len(input) > openAISpeechLimit {
		return Content{}, NewError(a.Name(), a.Kind(), ReasonRejected,
			fmt.Errorf("input of %d bytes exceeds speech limit %d", len(input), openAISpeechLimit))
	}

	resp, err := a.client.CreateSpeech(ctx, openaigo.CreateSpeechRequest{
		Model:          openaigo.SpeechModel(a.model),
		Input:          input,
		Voice:          openaigo.SpeechVoice(a.voice),
		ResponseFormat: openaigo.SpeechResponseFormatMp3,
	})
	if err != nil {
		return Content{}, Classify(ctx, a.Name(), a.Kind(), err)
	}
	defer resp.Close()

	data, err := io.ReadAll(io.LimitReader(resp, maxMediaResponseBytes))
	if err != nil {
		return Content{}, Classify(ctx, a.Name(), a.Kind(), fmt.Errorf("read speech: %w", err))
	}
	if len(data) == 0 {
		return Content{}, Malformed(a.Name(), a.Kind(), "empty speech body")
	}
	return Content{Kind: models.ContentAudio, Data: data, MIMEType: "audio/mpeg"}, nil
}
