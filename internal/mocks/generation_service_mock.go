package mocks

import (
	"context"

	"narrative-server/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
)

// MockGenerationService is a mock type for the HTTP-facing generation service
type MockGenerationService struct {
	mock.Mock
}

func (_m *MockGenerationService) GenerateSegment(ctx context.Context, req models.GenerateRequest) (*models.Segment, error) {
	ret := _m.Called(ctx, req)
	return segmentOrNil(ret.Get(0)), ret.Error(1)
}

func (_m *MockGenerationService) GetStory(ctx context.Context, id uuid.UUID) (*models.Story, error) {
	ret := _m.Called(ctx, id)
	return storyOrNil(ret.Get(0)), ret.Error(1)
}

func (_m *MockGenerationService) GetSegment(ctx context.Context, id uuid.UUID) (*models.Segment, error) {
	ret := _m.Called(ctx, id)
	return segmentOrNil(ret.Get(0)), ret.Error(1)
}

func (_m *MockGenerationService) ListSegments(ctx context.Context, storyID uuid.UUID) ([]*models.Segment, error) {
	ret := _m.Called(ctx, storyID)
	var r0 []*models.Segment
	if ret.Get(0) != nil {
		r0 = ret.Get(0).([]*models.Segment)
	}
	return r0, ret.Error(1)
}

func (_m *MockGenerationService) RetryImage(ctx context.Context, segmentID uuid.UUID) (*models.Segment, error) {
	ret := _m.Called(ctx, segmentID)
	return segmentOrNil(ret.Get(0)), ret.Error(1)
}

func (_m *MockGenerationService) RetryAudio(ctx context.Context, segmentID uuid.UUID) (*models.Segment, error) {
	ret := _m.Called(ctx, segmentID)
	return segmentOrNil(ret.Get(0)), ret.Error(1)
}

func (_m *MockGenerationService) GenerateStoryAudio(ctx context.Context, storyID uuid.UUID) (*models.Story, error) {
	ret := _m.Called(ctx, storyID)
	return storyOrNil(ret.Get(0)), ret.Error(1)
}

func (_m *MockGenerationService) CompleteStory(ctx context.Context, storyID uuid.UUID) (*models.Story, error) {
	ret := _m.Called(ctx, storyID)
	return storyOrNil(ret.Get(0)), ret.Error(1)
}

func (_m *MockGenerationService) RewindTo(ctx context.Context, segmentID uuid.UUID) (int, error) {
	ret := _m.Called(ctx, segmentID)
	return ret.Int(0), ret.Error(1)
}

func segmentOrNil(v any) *models.Segment {
	if v == nil {
		return nil
	}
	return v.(*models.Segment)
}

func storyOrNil(v any) *models.Story {
	if v == nil {
		return nil
	}
	return v.(*models.Story)
}
