package store

import (
	"testing"

	"narrative-server/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func TestAllowedFrom(t *testing.T) {
	tests := []struct {
		target models.GenerationStatus
		retry  bool
		want   []models.GenerationStatus
	}{
		{models.GenerationStatusPending, false, []models.GenerationStatus{models.GenerationStatusNotStarted}},
		{models.GenerationStatusPending, true, []models.GenerationStatus{models.GenerationStatusFailed}},
		{models.GenerationStatusInProgress, false, []models.GenerationStatus{models.GenerationStatusPending}},
		{models.GenerationStatusCompleted, false, []models.GenerationStatus{models.GenerationStatusPending, models.GenerationStatusInProgress}},
		{models.GenerationStatusFailed, false, []models.GenerationStatus{models.GenerationStatusPending, models.GenerationStatusInProgress}},
		{models.GenerationStatusNotStarted, false, nil},
	}
	for _, tt := range tests {
		t.Run(string(tt.target), func(t *testing.T) {
			assert.Equal(t, tt.want, AllowedFrom(tt.target, tt.retry))
		})
	}
}

func TestValidateDelta(t *testing.T) {
	segRef := models.EntityRef{Type: models.EntitySegment, ID: uuid.New()}
	storyRef := models.EntityRef{Type: models.EntityStory, ID: uuid.New()}

	tests := []struct {
		name    string
		ref     models.EntityRef
		delta   models.FieldDelta
		wantErr error
	}{
		{"pending ok", segRef, models.FieldDelta{Field: models.FieldImage, Status: models.GenerationStatusPending}, nil},
		{"unknown field", segRef, models.FieldDelta{Field: "video", Status: models.GenerationStatusPending}, models.ErrInvalidRequest},
		{"story image", storyRef, models.FieldDelta{Field: models.FieldImage, Status: models.GenerationStatusPending}, models.ErrInvalidRequest},
		{"back to not_started", segRef, models.FieldDelta{Field: models.FieldAudio, Status: models.GenerationStatusNotStarted}, models.ErrInvalidTransition},
		{"retry to failed", segRef, models.FieldDelta{Field: models.FieldAudio, Status: models.GenerationStatusFailed, Retry: true}, models.ErrInvalidTransition},
		{"completed without url", segRef, models.FieldDelta{Field: models.FieldImage, Status: models.GenerationStatusCompleted}, models.ErrInvalidRequest},
		{"completed with url", storyRef, models.FieldDelta{Field: models.FieldAudio, Status: models.GenerationStatusCompleted, URL: strPtr("/a.mp3")}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateDelta(tt.ref, tt.delta)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestCheckTransition(t *testing.T) {
	completed := models.FieldState{Status: models.GenerationStatusCompleted, URL: strPtr("/img/1.png")}

	idem, err := checkTransition(completed, models.FieldDelta{Field: models.FieldImage, Status: models.GenerationStatusCompleted, URL: strPtr("/img/1.png")})
	require.NoError(t, err)
	assert.True(t, idem, "same terminal value must be a no-op")

	_, err = checkTransition(completed, models.FieldDelta{Field: models.FieldImage, Status: models.GenerationStatusCompleted, URL: strPtr("/img/2.png")})
	assert.ErrorIs(t, err, models.ErrInvalidTransition)

	_, err = checkTransition(completed, models.FieldDelta{Field: models.FieldImage, Status: models.GenerationStatusPending})
	assert.ErrorIs(t, err, models.ErrInvalidTransition)

	failed := models.FieldState{Status: models.GenerationStatusFailed, Error: strPtr("boom")}
	idem, err = checkTransition(failed, models.FieldDelta{Field: models.FieldImage, Status: models.GenerationStatusPending, Retry: true})
	require.NoError(t, err)
	assert.False(t, idem)
}

func TestNextValues(t *testing.T) {
	failed := models.FieldState{Status: models.GenerationStatusFailed, URL: strPtr("/old.png"), Error: strPtr("boom")}

	url, errText := nextValues(failed, models.FieldDelta{Status: models.GenerationStatusPending, Retry: true})
	assert.Nil(t, url, "retry clears the previous result")
	assert.Nil(t, errText)

	inProgress := models.FieldState{Status: models.GenerationStatusInProgress}
	url, errText = nextValues(inProgress, models.FieldDelta{Status: models.GenerationStatusFailed, Error: strPtr("all providers failed")})
	assert.Nil(t, url)
	require.NotNil(t, errText)
	assert.Equal(t, "all providers failed", *errText)

	url, _ = nextValues(inProgress, models.FieldDelta{Status: models.GenerationStatusCompleted, URL: strPtr("/new.png")})
	require.NotNil(t, url)
	assert.Equal(t, "/new.png", *url)
}
