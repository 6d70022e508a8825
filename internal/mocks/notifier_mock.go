package mocks

import (
	"context"

	"narrative-server/internal/models"
	"narrative-server/internal/notifier"

	"github.com/stretchr/testify/mock"
)

// MockNotifier is a mock type for the notifier.Notifier type
type MockNotifier struct {
	mock.Mock
}

// Publish provides a mock function with given fields: ctx, event
func (_m *MockNotifier) Publish(ctx context.Context, event models.ChangeEvent) error {
	ret := _m.Called(ctx, event)

	var r0 error
	if rf, ok := ret.Get(0).(func(context.Context, models.ChangeEvent) error); ok {
		r0 = rf(ctx, event)
	} else {
		r0 = ret.Error(0)
	}

	return r0
}

// NewMockNotifier creates a new instance of MockNotifier. It also registers a testing interface on the mock.
func NewMockNotifier(t interface {
	mock.TestingT
	Helper()
}) *MockNotifier {
	m := &MockNotifier{}
	m.Mock.Test(t)
	t.Helper()
	return m
}

var _ notifier.Notifier = (*MockNotifier)(nil)
