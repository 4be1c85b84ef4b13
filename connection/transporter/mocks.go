package transporter

import (
	"context"

	"github.com/oplinkoms/controller/connection/backendinfo"
	"github.com/oplinkoms/controller/connection/envelope"
	"github.com/stretchr/testify/mock"
)

// mocked version of the Transporter interface
type MockTransporter struct {
	mock.Mock
}

func (m *MockTransporter) SendEnvelope(request *envelope.RequestEnvelope) error {
	args := m.Called(request)
	return args.Error(0)
}

func (m *MockTransporter) Inbound() <-chan *envelope.ResponseEnvelope {
	args := m.Called()
	return args.Get(0).(chan *envelope.ResponseEnvelope)
}

func (m *MockTransporter) Close(reason error) {
	m.Called(reason)
}

func (m *MockTransporter) Done() <-chan struct{} {
	args := m.Called()
	return args.Get(0).(chan struct{})
}

func (m *MockTransporter) Err() error {
	args := m.Called()
	return args.Error(0)
}

// mocked version of the Dialer interface
type MockDialer struct {
	mock.Mock
}

func (m *MockDialer) Dial(ctx context.Context, backend *backendinfo.BackendInfo) (Transporter, error) {
	args := m.Called(backend)
	if transport := args.Get(0); transport != nil {
		return transport.(Transporter), args.Error(1)
	}
	return nil, args.Error(1)
}
