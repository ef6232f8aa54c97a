package mocks

import (
	"context"
	"io"

	"github.com/brettbedarf/projectfs"
	"github.com/stretchr/testify/mock"
)

// MockBackend implements projectfs.Backend for testing across packages.
// Listener registration is real so tests can Emit through the embedded
// Notifier; every other method is mocked.
type MockBackend struct {
	mock.Mock
	projectfs.Notifier
}

func (m *MockBackend) Kind() projectfs.BackendKind {
	args := m.Called()
	return args.Get(0).(projectfs.BackendKind)
}

func (m *MockBackend) Capabilities() projectfs.Capabilities {
	args := m.Called()
	return args.Get(0).(projectfs.Capabilities)
}

func (m *MockBackend) GetPermission(ctx context.Context, p projectfs.Path, req projectfs.PermissionRequest) (bool, error) {
	args := m.Called(ctx, p, req)

	// Handle function return types (for tests whose answer changes over time)
	if fn, ok := args.Get(0).(func() bool); ok {
		return fn(), args.Error(1)
	}
	return args.Bool(0), args.Error(1)
}

func (m *MockBackend) ReadDir(ctx context.Context, p projectfs.Path) (projectfs.DirListing, error) {
	args := m.Called(ctx, p)
	if args.Get(0) == nil {
		return projectfs.DirListing{}, args.Error(1)
	}
	return args.Get(0).(projectfs.DirListing), args.Error(1)
}

func (m *MockBackend) CreateDir(ctx context.Context, p projectfs.Path) error {
	return m.Called(ctx, p).Error(0)
}

func (m *MockBackend) ReadFile(ctx context.Context, p projectfs.Path) (*projectfs.File, error) {
	args := m.Called(ctx, p)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*projectfs.File), args.Error(1)
}

func (m *MockBackend) WriteFile(ctx context.Context, p projectfs.Path, data []byte) error {
	args := m.Called(ctx, p, data)

	// Handle function return types (for tests that block or inspect the call)
	if fn, ok := args.Get(0).(func(context.Context, projectfs.Path, []byte) error); ok {
		return fn(ctx, p, data)
	}
	return args.Error(0)
}

func (m *MockBackend) WriteFileStream(ctx context.Context, p projectfs.Path, keepExistingData bool) (io.WriteCloser, error) {
	args := m.Called(ctx, p, keepExistingData)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(io.WriteCloser), args.Error(1)
}

func (m *MockBackend) Move(ctx context.Context, from, to projectfs.Path) error {
	return m.Called(ctx, from, to).Error(0)
}

func (m *MockBackend) Delete(ctx context.Context, p projectfs.Path, recursive bool) error {
	return m.Called(ctx, p, recursive).Error(0)
}

func (m *MockBackend) RootName(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *MockBackend) SetRootName(ctx context.Context, name string) error {
	return m.Called(ctx, name).Error(0)
}

func (m *MockBackend) SuggestCheckExternalChanges(ctx context.Context) {
	m.Called(ctx)
}

func (m *MockBackend) Close() error {
	return m.Called().Error(0)
}

var _ projectfs.Backend = (*MockBackend)(nil)
