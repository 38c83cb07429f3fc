package broker

import (
	"context"
	"errors"
	"time"
)

const (
	// Rfc3339Milli is like time.RFC3339Nano, but with millisecond precision
	Rfc3339Milli = "2006-01-02T15:04:05.000Z07:00"
)

var (
	// ErrLockLost is returned when a lock token is no longer valid on the
	// broker, either because the lock expired or the message was settled.
	ErrLockLost = errors.New("message lock lost")

	// ErrUnsupported is returned by adapters for operations their transport
	// cannot express.
	ErrUnsupported = errors.New("operation not supported by broker")
)

// Broker is the transport a receiver talks to. Implementations are scoped
// to a single queue.
type Broker interface {
	// Send puts a message on the queue
	Send(context.Context, *OutgoingMessage) error

	// ReceiveBatch locks and returns up to max available messages in one round trip.
	// It returns an empty slice when nothing is available.
	ReceiveBatch(ctx context.Context, max int) ([]*Message, error)

	// RenewLock extends the lock held by token and returns the new expiry.
	RenewLock(ctx context.Context, token string) (time.Time, error)

	// Complete removes a locked message from the queue
	Complete(ctx context.Context, token string) error

	// Abandon releases the lock so the message can be redelivered
	Abandon(ctx context.Context, token string) error

	// DeadLetter moves a locked message to the dead-letter sub-queue
	DeadLetter(ctx context.Context, token, reason, description string) error

	// Peek returns up to max messages without locking them
	Peek(ctx context.Context, max int) ([]*Message, error)
}

// OutgoingMessage is a message to be sent.
type OutgoingMessage struct {
	Body       []byte
	Subject    string
	Properties map[string]any
}

// Message is a message as reported by the broker at receive time.
type Message struct {
	Id            string
	Body          []byte
	Subject       string
	Properties    map[string]any
	LockToken     string
	LockedUntil   time.Time
	DeliveryCount int
	EnqueuedAt    time.Time
}
