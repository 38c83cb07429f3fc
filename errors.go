package peeklock

import (
	"errors"
	"fmt"

	"github.com/jirevwe/peeklock/broker"
)

// ErrMessageSettled is returned when a settled message is settled or renewed again.
var ErrMessageSettled = errors.New("message is already settled")

// ErrNotLocked is returned when a peeked message is settled or renewed.
var ErrNotLocked = errors.New("message was peeked and holds no lock")

// LockLostError means the broker no longer recognises the message's lock.
// The message will be redelivered by a later receive.
type LockLostError struct {
	MessageID string
	Op        string
}

func (e *LockLostError) Error() string {
	return fmt.Sprintf("%s message %s: lock lost", e.Op, e.MessageID)
}

func (e *LockLostError) Is(target error) bool {
	return target == broker.ErrLockLost
}

// TransportError is any other broker failure.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ConfigurationError is returned at construction for invalid settings.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ErrorSource names where in the pump an error happened.
type ErrorSource string

const (
	SourceReceive   ErrorSource = "receive"
	SourceHandler   ErrorSource = "handler"
	SourceRenewLock ErrorSource = "renewLock"
	SourceComplete  ErrorSource = "complete"
	SourceAbandon   ErrorSource = "abandon"
)

// ProcessError is what a pump passes to its ErrorHandler.
type ProcessError struct {
	Source    ErrorSource
	MessageID string
	Err       error
}

func (e *ProcessError) Error() string {
	if e.MessageID == "" {
		return fmt.Sprintf("%s: %v", e.Source, e.Err)
	}
	return fmt.Sprintf("%s message %s: %v", e.Source, e.MessageID, e.Err)
}

func (e *ProcessError) Unwrap() error {
	return e.Err
}

// classify turns a broker error into a LockLostError or TransportError
func classify(op, messageID string, err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, broker.ErrLockLost) {
		return &LockLostError{MessageID: messageID, Op: op}
	}

	return &TransportError{Op: op, Err: err}
}
