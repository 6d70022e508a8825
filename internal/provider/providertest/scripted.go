// Package providertest содержит управляемые адаптеры для тестов пайплайна.
package providertest

import (
	"context"
	"errors"
	"sync"

	"narrative-server/internal/models"
	"narrative-server/internal/provider"
)

// Step - поведение адаптера на одной попытке.
type Step func(ctx context.Context, spec provider.Spec) (provider.Content, error)

// Scripted проигрывает шаги по очереди; после последнего повторяет его.
type Scripted struct {
	name  string
	kind  models.ContentKind
	mu    sync.Mutex
	steps []Step
	calls int
	specs []provider.Spec
}

func New(name string, kind models.ContentKind, steps ...Step) *Scripted {
	return &Scripted{name: name, kind: kind, steps: steps}
}

func (s *Scripted) Name() string             { return s.name }
func (s *Scripted) Kind() models.ContentKind { return s.kind }

func (s *Scripted) Attempt(ctx context.Context, spec provider.Spec) (provider.Content, error) {
	s.mu.Lock()
	idx := s.calls
	s.calls++
	s.specs = append(s.specs, spec)
	var step Step
	switch {
	case len(s.steps) == 0:
		step = Fail(provider.ReasonUnavailable)
	case idx < len(s.steps):
		step = s.steps[idx]
	default:
		step = s.steps[len(s.steps)-1]
	}
	s.mu.Unlock()

	content, err := step(ctx, spec)
	if err != nil {
		var perr *provider.Error
		if errors.As(err, &perr) {
			perr.Provider = s.name
			perr.Kind = s.kind
		}
	}
	return content, err
}

// Then добавляет шаги в конец сценария.
func (s *Scripted) Then(steps ...Step) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append(s.steps, steps...)
	return s
}

func (s *Scripted) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Specs возвращает входы всех попыток.
func (s *Scripted) Specs() []provider.Spec {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]provider.Spec(nil), s.specs...)
}

// Succeed возвращает готовый контент.
func Succeed(content provider.Content) Step {
	return func(context.Context, provider.Spec) (provider.Content, error) {
		return content, nil
	}
}

// Fail возвращает типизированный отказ с причиной.
func Fail(reason provider.Reason) Step {
	return func(context.Context, provider.Spec) (provider.Content, error) {
		return provider.Content{}, provider.NewError("scripted", "", reason, errors.New(string(reason)))
	}
}

// Hang блокируется до отмены контекста попытки.
func Hang() Step {
	return func(ctx context.Context, _ provider.Spec) (provider.Content, error) {
		<-ctx.Done()
		return provider.Content{}, ctx.Err()
	}
}

// Block ждет сигнала из канала, затем выполняет next.
func Block(release <-chan struct{}, next Step) Step {
	return func(ctx context.Context, spec provider.Spec) (provider.Content, error) {
		select {
		case <-release:
		case <-ctx.Done():
			return provider.Content{}, ctx.Err()
		}
		return next(ctx, spec)
	}
}

// Text собирает текстовый контент.
func Text(text string, choices ...string) provider.Content {
	return provider.Content{
		Kind: models.ContentText,
		Text: &provider.TextContent{Text: text, Choices: choices, IsEnd: len(choices) == 0},
	}
}

// Image собирает бинарный контент изображения.
func Image(data string) provider.Content {
	return provider.Content{Kind: models.ContentImage, Data: []byte(data), MIMEType: "image/png"}
}

// Audio собирает бинарный контент аудио.
func Audio(data string) provider.Content {
	return provider.Content{Kind: models.ContentAudio, Data: []byte(data), MIMEType: "audio/mpeg"}
}
