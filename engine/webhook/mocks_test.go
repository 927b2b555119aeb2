package webhook

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// MockDispatcher implements Dispatcher for testing
type MockDispatcher struct {
	mock.Mock
}

func (m *MockDispatcher) Dispatch(ctx context.Context, env *Envelope) (string, error) {
	args := m.Called(ctx, env)
	return args.String(0), args.Error(1)
}

// MockAckCache implements AckCache for testing
type MockAckCache struct {
	mock.Mock
}

func (m *MockAckCache) GetAck(ctx context.Context, key string) (*CachedAck, error) {
	args := m.Called(ctx, key)
	cached, _ := args.Get(0).(*CachedAck)
	return cached, args.Error(1)
}

func (m *MockAckCache) PutAck(ctx context.Context, key string, ack *CachedAck) error {
	args := m.Called(ctx, key, ack)
	return args.Error(0)
}

// MockDLQ implements DLQ for testing
type MockDLQ struct {
	mock.Mock
}

func (m *MockDLQ) WriteRejected(ctx context.Context, ev *RejectedEvent) {
	m.Called(ctx, ev)
}

// MockAdmitter implements Admitter for testing
type MockAdmitter struct {
	mock.Mock
}

func (m *MockAdmitter) Acquire(ctx context.Context, provider, sourceIP string) error {
	args := m.Called(ctx, provider, sourceIP)
	return args.Error(0)
}
