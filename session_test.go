package peeklock

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jirevwe/peeklock/broker"
	"github.com/jirevwe/peeklock/broker/mocks"
	"github.com/jirevwe/peeklock/broker/sqlite"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"
)

var slogger = slog.New(slog.NewTextHandler(os.Stdout, nil))

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// newTestSession returns a session on a fresh sqlite queue with a 30s lock,
// both driven by the returned fake clock.
func newTestSession(t *testing.T) (*Session, *sqlite.Sqlite, *testingclock.FakeClock) {
	t.Helper()

	fc := testingclock.NewFakeClock(epoch)
	q, err := sqlite.NewSqlite(&sqlite.Config{
		DBPath:       filepath.Join(t.TempDir(), "peeklock.db"),
		Queue:        "test",
		LockDuration: 30 * time.Second,
		Clock:        fc,
		Logger:       slogger,
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, q.Close()) })

	s, err := NewSession(&Config{Broker: q, Clock: fc, Logger: slogger})
	require.NoError(t, err)

	return s, q, fc
}

func newMockSession(t *testing.T) (*Session, *mocks.MockBroker, *testingclock.FakeClock) {
	t.Helper()

	fc := testingclock.NewFakeClock(epoch)
	b := &mocks.MockBroker{}
	t.Cleanup(func() { b.AssertExpectations(t) })

	s, err := NewSession(&Config{Broker: b, Clock: fc, Logger: slogger})
	require.NoError(t, err)

	return s, b, fc
}

// stepWhenWaiting advances the fake clock once something is waiting on it,
// so a timer armed by a background goroutine is not skipped.
func stepWhenWaiting(t *testing.T, fc *testingclock.FakeClock, d time.Duration) {
	t.Helper()

	require.Eventually(t, fc.HasWaiters, time.Second, time.Millisecond)
	fc.Step(d)
}

func send(t *testing.T, s *Session, body string) {
	t.Helper()

	require.NoError(t, s.Send(context.Background(), &broker.OutgoingMessage{Body: []byte(body)}))
}

func TestNewSession_RequiresBroker(t *testing.T) {
	_, err := NewSession(&Config{})

	var cfgErr *ConfigurationError
	require.True(t, errors.As(err, &cfgErr))
	require.Equal(t, "Broker", cfgErr.Field)

	_, err = NewSession(&Config{Broker: &mocks.MockBroker{}, OperationTimeout: -time.Second})
	require.True(t, errors.As(err, &cfgErr))
	require.Equal(t, "OperationTimeout", cfgErr.Field)
}

func TestSession_SendWrapsTransportErrors(t *testing.T) {
	s, b, _ := newMockSession(t)

	down := errors.New("connection refused")
	b.On("Send", mock.Anything, mock.Anything).Return(down).Once()

	err := s.Send(context.Background(), &broker.OutgoingMessage{Body: []byte("hello world")})

	var transportErr *TransportError
	require.True(t, errors.As(err, &transportErr))
	require.Equal(t, "send", transportErr.Op)
	require.ErrorIs(t, err, down)
}

func TestSession_SendAppliesOperationTimeout(t *testing.T) {
	b := &mocks.MockBroker{}
	s, err := NewSession(&Config{Broker: b, Logger: slogger, OperationTimeout: time.Minute})
	require.NoError(t, err)

	b.On("Send", mock.MatchedBy(func(ctx context.Context) bool {
		_, ok := ctx.Deadline()
		return ok
	}), mock.Anything).Return(nil).Once()

	require.NoError(t, s.Send(context.Background(), &broker.OutgoingMessage{Body: []byte("hello world")}))
	b.AssertExpectations(t)
}
