package mocks

import (
	"context"
	"time"

	"github.com/jirevwe/peeklock/broker"
	"github.com/stretchr/testify/mock"
)

type MockBroker struct {
	mock.Mock
}

func (m *MockBroker) Send(ctx context.Context, msg *broker.OutgoingMessage) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

func (m *MockBroker) ReceiveBatch(ctx context.Context, max int) ([]*broker.Message, error) {
	args := m.Called(ctx, max)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*broker.Message), args.Error(1)
}

func (m *MockBroker) RenewLock(ctx context.Context, token string) (time.Time, error) {
	args := m.Called(ctx, token)
	return args.Get(0).(time.Time), args.Error(1)
}

func (m *MockBroker) Complete(ctx context.Context, token string) error {
	args := m.Called(ctx, token)
	return args.Error(0)
}

func (m *MockBroker) Abandon(ctx context.Context, token string) error {
	args := m.Called(ctx, token)
	return args.Error(0)
}

func (m *MockBroker) DeadLetter(ctx context.Context, token, reason, description string) error {
	args := m.Called(ctx, token, reason, description)
	return args.Error(0)
}

func (m *MockBroker) Peek(ctx context.Context, max int) ([]*broker.Message, error) {
	args := m.Called(ctx, max)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*broker.Message), args.Error(1)
}
