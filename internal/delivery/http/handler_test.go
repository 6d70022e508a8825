package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"narrative-server/internal/mocks"
	"narrative-server/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newRouter(svc *mocks.MockGenerationService, extra ...gin.HandlerFunc) *gin.Engine {
	router := gin.New()
	router.Use(GinZapLogger(zap.NewNop()))
	NewHandler(svc, zap.NewNop()).RegisterRoutes(router, extra...)
	return router
}

func do(router http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorBody {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Error
}

func TestGenerateSegment_Created(t *testing.T) {
	svc := new(mocks.MockGenerationService)
	seg := &models.Segment{
		ID:                    uuid.New(),
		StoryID:               uuid.New(),
		Text:                  "You wake on a rocky shore.",
		Choices:               []string{"Climb the lighthouse"},
		ImageGenerationStatus: models.GenerationStatusPending,
		AudioGenerationStatus: models.GenerationStatusNotStarted,
		Version:               1,
	}
	svc.On("GenerateSegment", mock.Anything, models.GenerateRequest{Prompt: "a lighthouse", SkipAudio: true}).Return(seg, nil)

	rec := do(newRouter(svc), http.MethodPost, "/api/v1/segments", `{"prompt":"a lighthouse","skipAudio":true}`)

	require.Equal(t, http.StatusCreated, rec.Code)
	var got models.Segment
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, seg.ID, got.ID)
	assert.Equal(t, models.GenerationStatusPending, got.ImageGenerationStatus)
	assert.NotEmpty(t, rec.Header().Get(requestIDHeader))
	svc.AssertExpectations(t)
}

func TestGenerateSegment_ErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{fmt.Errorf("%w: prompt is required", models.ErrInvalidRequest), http.StatusBadRequest, ErrCodeInvalidRequest},
		{models.ErrNotFound, http.StatusNotFound, ErrCodeNotFound},
		{models.ErrConflict, http.StatusConflict, ErrCodeConflict},
		{models.ErrDuplicateRequest, http.StatusConflict, ErrCodeDuplicateRequest},
		{models.ErrStoryCompleted, http.StatusConflict, ErrCodeStoryCompleted},
		{fmt.Errorf("%w: %w", models.ErrGenerationFailed, models.ErrChainExhausted), http.StatusBadGateway, ErrCodeGenerationFailed},
		{fmt.Errorf("connection reset"), http.StatusInternalServerError, ErrCodeInternal},
	}
	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			svc := new(mocks.MockGenerationService)
			svc.On("GenerateSegment", mock.Anything, mock.Anything).Return(nil, tc.err)

			rec := do(newRouter(svc), http.MethodPost, "/api/v1/segments", `{"prompt":"x"}`)

			assert.Equal(t, tc.status, rec.Code)
			body := decodeError(t, rec)
			assert.Equal(t, tc.code, body.Code)
			if tc.status == http.StatusInternalServerError {
				assert.NotContains(t, body.Message, "connection reset")
			}
		})
	}
}

func TestGenerateSegment_MalformedBody(t *testing.T) {
	svc := new(mocks.MockGenerationService)
	rec := do(newRouter(svc), http.MethodPost, "/api/v1/segments", `{"prompt":`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, ErrCodeInvalidRequest, decodeError(t, rec).Code)
	svc.AssertNotCalled(t, "GenerateSegment", mock.Anything, mock.Anything)
}

func TestReadEndpoints(t *testing.T) {
	svc := new(mocks.MockGenerationService)
	storyID, segID := uuid.New(), uuid.New()
	story := &models.Story{ID: storyID, Title: "Shore", AudioGenerationStatus: models.GenerationStatusNotStarted}
	seg := &models.Segment{ID: segID, StoryID: storyID, Text: "t"}
	svc.On("GetStory", mock.Anything, storyID).Return(story, nil)
	svc.On("GetSegment", mock.Anything, segID).Return(seg, nil)
	svc.On("ListSegments", mock.Anything, storyID).Return([]*models.Segment{seg}, nil)
	router := newRouter(svc)

	rec := do(router, http.MethodGet, "/api/v1/stories/"+storyID.String(), "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"title":"Shore"`)

	rec = do(router, http.MethodGet, "/api/v1/segments/"+segID.String(), "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(router, http.MethodGet, "/api/v1/stories/"+storyID.String()+"/segments", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list segmentListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Data, 1)
	assert.Equal(t, segID, list.Data[0].ID)

	rec = do(router, http.MethodGet, "/api/v1/segments/not-a-uuid", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	svc.AssertExpectations(t)
}

func TestMutationEndpoints(t *testing.T) {
	svc := new(mocks.MockGenerationService)
	storyID, segID := uuid.New(), uuid.New()
	seg := &models.Segment{ID: segID, StoryID: storyID, ImageGenerationStatus: models.GenerationStatusPending}
	story := &models.Story{ID: storyID, AudioGenerationStatus: models.GenerationStatusPending}
	svc.On("RetryImage", mock.Anything, segID).Return(seg, nil)
	svc.On("RetryAudio", mock.Anything, segID).Return(nil, fmt.Errorf("%w: audio is completed", models.ErrInvalidTransition))
	svc.On("GenerateStoryAudio", mock.Anything, storyID).Return(story, nil)
	svc.On("CompleteStory", mock.Anything, storyID).Return(&models.Story{ID: storyID, IsCompleted: true}, nil)
	svc.On("RewindTo", mock.Anything, segID).Return(2, nil)
	router := newRouter(svc)

	rec := do(router, http.MethodPost, "/api/v1/segments/"+segID.String()+"/image/retry", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = do(router, http.MethodPost, "/api/v1/segments/"+segID.String()+"/audio/retry", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, ErrCodeInvalidTransition, decodeError(t, rec).Code)

	rec = do(router, http.MethodPost, "/api/v1/stories/"+storyID.String()+"/audio", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = do(router, http.MethodPost, "/api/v1/stories/"+storyID.String()+"/complete", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"isCompleted":true`)

	rec = do(router, http.MethodDelete, "/api/v1/segments/"+segID.String(), "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	svc.AssertExpectations(t)
}

func TestGenerationRateLimiter_InMemory(t *testing.T) {
	svc := new(mocks.MockGenerationService)
	svc.On("GenerateSegment", mock.Anything, mock.Anything).Return(&models.Segment{ID: uuid.New()}, nil)
	router := newRouter(svc, GenerationRateLimiter(nil, 2, zap.NewNop()))

	for i := 0; i < 2; i++ {
		rec := do(router, http.MethodPost, "/api/v1/segments", `{"prompt":"x"}`)
		require.Equal(t, http.StatusCreated, rec.Code)
	}
	rec := do(router, http.MethodPost, "/api/v1/segments", `{"prompt":"x"}`)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, ErrCodeRateLimited, decodeError(t, rec).Code)

	// Чтение не ограничивается.
	svc.On("GetSegment", mock.Anything, mock.Anything).Return(&models.Segment{}, nil)
	rec = do(router, http.MethodGet, "/api/v1/segments/"+uuid.NewString(), "")
	assert.Equal(t, http.StatusOK, rec.Code)
}
