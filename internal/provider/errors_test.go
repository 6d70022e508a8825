package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"narrative-server/internal/models"

	"github.com/ollama/ollama/api"
	openaigo "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
)

func TestReasonForStatus(t *testing.T) {
	assert.Equal(t, ReasonQuota, ReasonForStatus(http.StatusTooManyRequests))
	assert.Equal(t, ReasonWarmingUp, ReasonForStatus(http.StatusServiceUnavailable))
	assert.Equal(t, ReasonTimeout, ReasonForStatus(http.StatusGatewayTimeout))
	assert.Equal(t, ReasonUnavailable, ReasonForStatus(http.StatusBadGateway))
	assert.Equal(t, ReasonRejected, ReasonForStatus(http.StatusBadRequest))
}

func TestClassify(t *testing.T) {
	ctx := context.Background()

	quota := Classify(ctx, "openai", models.ContentText, &openaigo.APIError{HTTPStatusCode: 429, Message: "rate limited"})
	assert.Equal(t, ReasonQuota, quota.Reason)
	assert.Equal(t, 429, quota.StatusCode)

	loading := Classify(ctx, "ollama", models.ContentText, fmt.Errorf("chat: %w", api.StatusError{StatusCode: 503, ErrorMessage: "loading model"}))
	assert.Equal(t, ReasonWarmingUp, loading.Reason)
	assert.True(t, loading.Temporary())

	timeout := Classify(ctx, "sana", models.ContentImage, context.DeadlineExceeded)
	assert.Equal(t, ReasonTimeout, timeout.Reason)

	other := Classify(ctx, "sana", models.ContentImage, errors.New("connection refused"))
	assert.Equal(t, ReasonUnavailable, other.Reason)

	same := Malformed("sana", models.ContentImage, "bad")
	assert.Same(t, same, Classify(ctx, "sana", models.ContentImage, same))
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("boom")
	err := NewError("sovits", models.ContentAudio, ReasonRejected, cause)

	assert.ErrorIs(t, err, models.ErrProviderFailure)
	assert.ErrorIs(t, err, cause)
	assert.False(t, err.Temporary())
	assert.True(t, IsFailure(fmt.Errorf("wrapped: %w", err)))
}
