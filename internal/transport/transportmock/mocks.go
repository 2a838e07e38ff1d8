// Package transportmock has testify mocks of the transport interfaces.
package transportmock

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/slok/taskstream/internal/event"
	"github.com/slok/taskstream/internal/model"
	"github.com/slok/taskstream/internal/transport"
)

// MockTransport is a mock of transport.Transport.
type MockTransport struct {
	mock.Mock
}

var _ transport.Transport = &MockTransport{}

func (m *MockTransport) Open(ctx context.Context, taskID string, resume model.Cursor) (transport.Channel, error) {
	args := m.Called(ctx, taskID, resume)
	ch, _ := args.Get(0).(transport.Channel)
	return ch, args.Error(1)
}

// MockChannel is a mock of transport.Channel.
type MockChannel struct {
	mock.Mock
}

var _ transport.Channel = &MockChannel{}

func (m *MockChannel) Next() (event.Frame, error) {
	args := m.Called()
	f, _ := args.Get(0).(event.Frame)
	return f, args.Error(1)
}

func (m *MockChannel) Close() error {
	args := m.Called()
	return args.Error(0)
}
