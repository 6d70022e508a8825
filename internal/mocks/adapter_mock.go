package mocks

import (
	"context"

	"narrative-server/internal/models"
	"narrative-server/internal/provider"

	"github.com/stretchr/testify/mock"
)

// MockAdapter is a mock type for the provider.Adapter type
type MockAdapter struct {
	mock.Mock
}

// Name provides a mock function with given fields:
func (_m *MockAdapter) Name() string {
	ret := _m.Called()
	return ret.String(0)
}

// Kind provides a mock function with given fields:
func (_m *MockAdapter) Kind() models.ContentKind {
	ret := _m.Called()
	return ret.Get(0).(models.ContentKind)
}

// Attempt provides a mock function with given fields: ctx, spec
func (_m *MockAdapter) Attempt(ctx context.Context, spec provider.Spec) (provider.Content, error) {
	ret := _m.Called(ctx, spec)

	var r0 provider.Content
	if rf, ok := ret.Get(0).(func(context.Context, provider.Spec) provider.Content); ok {
		r0 = rf(ctx, spec)
	} else if ret.Get(0) != nil {
		r0 = ret.Get(0).(provider.Content)
	}

	var r1 error
	if rf, ok := ret.Get(1).(func(context.Context, provider.Spec) error); ok {
		r1 = rf(ctx, spec)
	} else {
		r1 = ret.Error(1)
	}

	return r0, r1
}

// NewMockAdapter creates a new instance of MockAdapter with a fixed name and kind.
// The mock expectations are asserted on cleanup.
func NewMockAdapter(t interface {
	mock.TestingT
	Helper()
	Cleanup(func())
}, name string, kind models.ContentKind) *MockAdapter {
	m := &MockAdapter{}
	m.Mock.Test(t)
	t.Helper()
	m.On("Name").Return(name).Maybe()
	m.On("Kind").Return(kind).Maybe()
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}

var _ provider.Adapter = (*MockAdapter)(nil)
