package peeklock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jirevwe/peeklock/broker"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func receiveOne(t *testing.T, s *Session) *Message {
	t.Helper()

	messages, err := NewReceiver(s).ReceiveBatch(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, messages, 1)

	return messages[0]
}

func TestMessage_SettleOnlyOnce(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestSession(t)
	send(t, s, "hello world")

	m := receiveOne(t, s)
	require.NoError(t, m.Complete(ctx))

	require.ErrorIs(t, m.Complete(ctx), ErrMessageSettled)
	require.ErrorIs(t, m.Abandon(ctx), ErrMessageSettled)
	require.ErrorIs(t, m.DeadLetter(ctx, "poison", ""), ErrMessageSettled)
	require.ErrorIs(t, NewReceiver(s).RenewLock(ctx, m), ErrMessageSettled)
	require.Equal(t, MessageCompleted, m.State())
}

func TestMessage_Abandon(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestSession(t)
	send(t, s, "hello world")

	m := receiveOne(t, s)
	require.NoError(t, m.Abandon(ctx))
	require.Equal(t, MessageAbandoned, m.State())

	again := receiveOne(t, s)
	require.Equal(t, m.ID, again.ID)
	require.Equal(t, 2, again.DeliveryCount)
}

func TestMessage_DeadLetter(t *testing.T) {
	ctx := context.Background()
	s, q, _ := newTestSession(t)
	send(t, s, "hello world")

	m := receiveOne(t, s)
	require.NoError(t, m.DeadLetter(ctx, "poison", "cannot parse body"))
	require.Equal(t, MessageDeadLettered, m.State())

	letters, err := q.GetDeadLetters(ctx)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	require.Equal(t, m.ID, letters[0].Id)
	require.Equal(t, "poison", letters[0].Reason)
}

func TestMessage_ExpiredRegardlessOfTarget(t *testing.T) {
	ctx := context.Background()

	settle := map[string]func(*Message) error{
		"complete":   func(m *Message) error { return m.Complete(ctx) },
		"abandon":    func(m *Message) error { return m.Abandon(ctx) },
		"deadLetter": func(m *Message) error { return m.DeadLetter(ctx, "poison", "") },
	}

	for op, fn := range settle {
		t.Run(op, func(t *testing.T) {
			s, _, fc := newTestSession(t)
			send(t, s, "hello world")

			m := receiveOne(t, s)
			fc.Step(31 * time.Second)

			var lost *LockLostError
			require.True(t, errors.As(fn(m), &lost))
			require.Equal(t, op, lost.Op)
			require.Equal(t, MessageExpired, m.State())

			// expired handles fail without another round trip
			require.ErrorIs(t, m.Complete(ctx), broker.ErrLockLost)
		})
	}
}

func TestMessage_TransportErrorKeepsHandleActive(t *testing.T) {
	ctx := context.Background()
	s, b, _ := newMockSession(t)

	b.On("ReceiveBatch", mock.Anything, 1).Return([]*broker.Message{
		{Id: "msg-1", LockToken: "token-1", LockedUntil: epoch.Add(30 * time.Second)},
	}, nil).Once()

	down := errors.New("connection reset")
	b.On("Complete", mock.Anything, "token-1").Return(down).Once()
	b.On("Complete", mock.Anything, "token-1").Return(nil).Once()

	m := receiveOne(t, s)

	err := m.Complete(ctx)
	var transportErr *TransportError
	require.True(t, errors.As(err, &transportErr))
	require.ErrorIs(t, err, down)
	require.Equal(t, MessageActive, m.State())

	require.NoError(t, m.Complete(ctx))
	require.Equal(t, MessageCompleted, m.State())
}

func TestMessage_SettlementStopsRenewer(t *testing.T) {
	ctx := context.Background()
	s, _, fc := newTestSession(t)
	send(t, s, "hello world")

	m := receiveOne(t, s)
	r, err := m.startRenewer(nil, nil)
	require.NoError(t, err)
	require.Eventually(t, fc.HasWaiters, time.Second, time.Millisecond)

	require.NoError(t, m.Complete(ctx))

	select {
	case <-r.Done():
	case <-time.After(time.Second):
		t.Fatal("renewer kept running after settlement")
	}

	// at most one renewer per handle
	again, err := m.startRenewer(nil, nil)
	require.NoError(t, err)
	require.Nil(t, again)
}
