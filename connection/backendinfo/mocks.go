package backendinfo

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// mocked version of the Resolver interface
type MockResolver struct {
	mock.Mock
}

func (m *MockResolver) Resolve(ctx context.Context, cookie uint64) (*BackendInfo, error) {
	args := m.Called(cookie)
	if info := args.Get(0); info != nil {
		return info.(*BackendInfo), args.Error(1)
	}
	return nil, args.Error(1)
}
