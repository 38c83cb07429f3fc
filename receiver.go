package peeklock

import (
	"context"
)

// Receiver pulls messages on demand. Locks on messages it returns are never
// renewed automatically, call RenewLock for that.
type Receiver struct {
	session *Session
}

func NewReceiver(s *Session) *Receiver {
	return &Receiver{session: s}
}

// ReceiveBatch fetches up to max messages in one round trip. It returns an
// empty slice when nothing is available.
func (r *Receiver) ReceiveBatch(ctx context.Context, max int) ([]*Message, error) {
	if max <= 0 {
		return nil, &ConfigurationError{Field: "max", Reason: "must be positive"}
	}

	received, err := r.session.broker.ReceiveBatch(ctx, max)
	if err != nil {
		return nil, &TransportError{Op: "receive", Err: err}
	}

	messages := make([]*Message, 0, len(received))
	for _, m := range received {
		messages = append(messages, newMessage(r.session, m))
	}

	r.session.logger.Debug("received batch", "requested", max, "received", len(messages))

	return messages, nil
}

// RenewLock extends the lock on m and advances m.LockedUntil.
func (r *Receiver) RenewLock(ctx context.Context, m *Message) error {
	return m.renewLock(ctx)
}

// Peek returns up to max messages without locking them. The messages are
// read-only, settling or renewing them returns ErrNotLocked.
func (r *Receiver) Peek(ctx context.Context, max int) ([]*Message, error) {
	peeked, err := r.session.broker.Peek(ctx, max)
	if err != nil {
		return nil, &TransportError{Op: "peek", Err: err}
	}

	messages := make([]*Message, 0, len(peeked))
	for _, m := range peeked {
		msg := newMessage(r.session, m)
		msg.peeked = true
		msg.LockToken = ""
		messages = append(messages, msg)
	}

	return messages, nil
}
