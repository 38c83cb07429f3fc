package peeklock

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/jirevwe/peeklock/broker"
	"k8s.io/utils/clock"
)

// Config is what a Session is built from. Only Broker is required.
type Config struct {
	Broker broker.Broker
	Clock  clock.Clock
	Logger *slog.Logger

	// OperationTimeout bounds every renew and settle call. Defaults to 30s.
	OperationTimeout time.Duration
}

// Session is the connection context shared by receivers and pumps on one
// entity. It holds no per-message state.
type Session struct {
	broker  broker.Broker
	clock   clock.Clock
	logger  *slog.Logger
	timeout time.Duration
}

func NewSession(cfg *Config) (*Session, error) {
	if cfg == nil || cfg.Broker == nil {
		return nil, &ConfigurationError{Field: "Broker", Reason: "is required"}
	}

	if cfg.OperationTimeout < 0 {
		return nil, &ConfigurationError{Field: "OperationTimeout", Reason: "must not be negative"}
	}

	if cfg.OperationTimeout == 0 {
		cfg.OperationTimeout = defaultOperationTimeout
	}

	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(os.Stdout, nil))
	}

	return &Session{
		broker:  cfg.Broker,
		clock:   cfg.Clock,
		logger:  cfg.Logger,
		timeout: cfg.OperationTimeout,
	}, nil
}

// Send enqueues a message on the session's entity.
func (s *Session) Send(ctx context.Context, msg *broker.OutgoingMessage) error {
	ctx, cancel := s.operationContext(ctx)
	defer cancel()

	if err := s.broker.Send(ctx, msg); err != nil {
		return &TransportError{Op: "send", Err: err}
	}

	return nil
}

func (s *Session) Logger() *slog.Logger {
	return s.logger
}

func (s *Session) operationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}
