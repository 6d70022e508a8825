package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"narrative-server/internal/models"

	"github.com/ollama/ollama/api"
	openaigo "github.com/sashabaranov/go-openai"
)

// Reason - категория отказа провайдера. Используется только для логов и метрик:
// раннер цепочки обрабатывает все категории одинаково.
type Reason string

const (
	ReasonTimeout     Reason = "timeout"
	ReasonQuota       Reason = "quota"
	ReasonMalformed   Reason = "malformed"
	ReasonWarmingUp   Reason = "warming_up"
	ReasonUnavailable Reason = "unavailable"
	ReasonRejected    Reason = "rejected"
	ReasonCanceled    Reason = "canceled"
	ReasonPanic       Reason = "panic"
)

// Error - типизированный отказ одной попытки.
type Error struct {
	Provider   string
	Kind       models.ContentKind
	Reason     Reason
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s provider %s (status %d): %v", e.Kind, e.Provider, e.Reason, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s %s provider %s: %v", e.Kind, e.Provider, e.Reason, e.Err)
}

func (e *Error) Unwrap() []error {
	return []error{models.ErrProviderFailure, e.Err}
}

// Temporary сообщает, что отказ скорее всего пройдет сам (прогрев, таймаут, 5xx).
func (e *Error) Temporary() bool {
	switch e.Reason {
	case ReasonWarmingUp, ReasonTimeout, ReasonUnavailable:
		return true
	}
	return false
}

// NewError создает отказ с явной причиной.
func NewError(provider string, kind models.ContentKind, reason Reason, err error) *Error {
	return &Error{Provider: provider, Kind: kind, Reason: reason, Err: err}
}

// Malformed - ответ получен, но разобрать его нельзя.
func Malformed(provider string, kind models.ContentKind, format string, args ...any) *Error {
	return NewError(provider, kind, ReasonMalformed, fmt.Errorf(format, args...))
}

// StatusError строит отказ по HTTP-статусу ответа провайдера.
func StatusError(provider string, kind models.ContentKind, status int, body string) *Error {
	if len(body) > 512 {
		body = body[:512]
	}
	return &Error{
		Provider:   provider,
		Kind:       kind,
		Reason:     ReasonForStatus(status),
		StatusCode: status,
		Err:        fmt.Errorf("unexpected status %d: %s", status, body),
	}
}

// ReasonForStatus сопоставляет HTTP-статус с причиной отказа.
func ReasonForStatus(status int) Reason {
	switch {
	case status == http.StatusTooManyRequests || status == http.StatusPaymentRequired:
		return ReasonQuota
	case status == http.StatusServiceUnavailable:
		return ReasonWarmingUp
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return ReasonTimeout
	case status >= 500:
		return ReasonUnavailable
	default:
		return ReasonRejected
	}
}

// Classify превращает ошибку транспорта или SDK в *Error.
func Classify(ctx context.Context, provider string, kind models.ContentKind, err error) *Error {
	var perr *Error
	if errors.As(err, &perr) {
		return perr
	}

	var apiErr *openaigo.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode != 0 {
		return &Error{Provider: provider, Kind: kind, Reason: ReasonForStatus(apiErr.HTTPStatusCode), StatusCode: apiErr.HTTPStatusCode, Err: err}
	}
	var reqErr *openaigo.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		return &Error{Provider: provider, Kind: kind, Reason: ReasonForStatus(reqErr.HTTPStatusCode), StatusCode: reqErr.HTTPStatusCode, Err: err}
	}
	var ollamaErr api.StatusError
	if errors.As(err, &ollamaErr) {
		return &Error{Provider: provider, Kind: kind, Reason: ReasonForStatus(ollamaErr.StatusCode), StatusCode: ollamaErr.StatusCode, Err: err}
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return NewError(provider, kind, ReasonTimeout, err)
	}
	if errors.Is(err, context.Canceled) {
		return NewError(provider, kind, ReasonCanceled, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return NewError(provider, kind, ReasonTimeout, err)
	}
	return NewError(provider, kind, ReasonUnavailable, err)
}
