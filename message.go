package peeklock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jirevwe/peeklock/broker"
)

// MessageState is the settlement state of a Message.
type MessageState int

const (
	MessageActive MessageState = iota
	MessageCompleted
	MessageAbandoned
	MessageDeadLettered
	MessageExpired
)

func (s MessageState) String() string {
	switch s {
	case MessageActive:
		return "active"
	case MessageCompleted:
		return "completed"
	case MessageAbandoned:
		return "abandoned"
	case MessageDeadLettered:
		return "dead-lettered"
	case MessageExpired:
		return "expired"
	}
	return "unknown"
}

// Message is a locked message handed out by a Receiver or a Pump. Settle it
// with Complete, Abandon or DeadLetter while it is still Active.
type Message struct {
	ID            string
	Body          []byte
	Subject       string
	Properties    map[string]any
	LockToken     string
	DeliveryCount int
	EnqueuedAt    time.Time

	session *Session
	lock    *LockClock
	peeked  bool

	mu       sync.Mutex
	state    MessageState
	settling bool
	renewer  *Renewer
}

func newMessage(s *Session, m *broker.Message) *Message {
	return &Message{
		ID:            m.Id,
		Body:          m.Body,
		Subject:       m.Subject,
		Properties:    m.Properties,
		LockToken:     m.LockToken,
		DeliveryCount: m.DeliveryCount,
		EnqueuedAt:    m.EnqueuedAt,
		session:       s,
		lock:          NewLockClock(m.LockedUntil),
	}
}

// LockedUntil is the latest lock expiry the broker reported.
func (m *Message) LockedUntil() time.Time {
	return m.lock.LockedUntil()
}

func (m *Message) State() MessageState {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.state
}

// Complete removes the message from the queue.
func (m *Message) Complete(ctx context.Context) error {
	return m.settle(ctx, "complete", MessageCompleted, func(ctx context.Context) error {
		return m.session.broker.Complete(ctx, m.LockToken)
	})
}

// Abandon releases the lock so the message can be redelivered.
func (m *Message) Abandon(ctx context.Context) error {
	return m.settle(ctx, "abandon", MessageAbandoned, func(ctx context.Context) error {
		return m.session.broker.Abandon(ctx, m.LockToken)
	})
}

// DeadLetter moves the message to the entity's dead-letter queue.
func (m *Message) DeadLetter(ctx context.Context, reason, description string) error {
	return m.settle(ctx, "deadLetter", MessageDeadLettered, func(ctx context.Context) error {
		return m.session.broker.DeadLetter(ctx, m.LockToken, reason, description)
	})
}

func (m *Message) settle(ctx context.Context, op string, target MessageState, fn func(context.Context) error) error {
	m.mu.Lock()
	if err := m.checkActive(op); err != nil {
		m.mu.Unlock()
		return err
	}

	if m.settling {
		m.mu.Unlock()
		return ErrMessageSettled
	}

	m.settling = true
	r := m.renewer
	m.mu.Unlock()

	if r != nil {
		r.Stop()
	}

	ctx, cancel := m.session.operationContext(ctx)
	defer cancel()

	err := fn(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.settling = false
	if err == nil {
		m.state = target
		return nil
	}

	err = classify(op, m.ID, err)

	var lost *LockLostError
	if errors.As(err, &lost) {
		m.state = MessageExpired
	}

	return err
}

// renewLock renews the lock once and advances the LockClock.
func (m *Message) renewLock(ctx context.Context) error {
	m.mu.Lock()
	err := m.checkActive("renewLock")
	m.mu.Unlock()
	if err != nil {
		return err
	}

	ctx, cancel := m.session.operationContext(ctx)
	defer cancel()

	until, err := m.renew(ctx)
	if err != nil {
		return err
	}

	m.lock.Update(until)
	return nil
}

// renew is the broker round trip shared by manual and automatic renewal.
func (m *Message) renew(ctx context.Context) (time.Time, error) {
	until, err := m.session.broker.RenewLock(ctx, m.LockToken)
	if err == nil {
		return until, nil
	}

	err = classify("renewLock", m.ID, err)

	var lost *LockLostError
	if errors.As(err, &lost) {
		m.expire()
	}

	return time.Time{}, err
}

// startRenewer attaches a Renewer with the given budget and starts it.
// A zero budget attaches nothing.
func (m *Message) startRenewer(budget *time.Duration, onError func(error)) (*Renewer, error) {
	if budget != nil && *budget == 0 {
		return nil, nil
	}

	r, err := NewRenewer(RenewerConfig{
		MessageID: m.ID,
		Lock:      m.lock,
		Renew:     m.renew,
		Budget:    budget,
		Timeout:   m.session.timeout,
		OnError:   onError,
		Clock:     m.session.clock,
		Logger:    m.session.logger,
	})
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.renewer != nil || m.state != MessageActive {
		m.mu.Unlock()
		r.Stop()
		return nil, nil
	}
	m.renewer = r
	m.mu.Unlock()

	r.Start()
	return r, nil
}

func (m *Message) stopRenewer() {
	m.mu.Lock()
	r := m.renewer
	m.mu.Unlock()

	if r != nil {
		r.Stop()
	}
}

func (m *Message) expire() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == MessageActive && !m.settling {
		m.state = MessageExpired
	}
}

func (m *Message) checkActive(op string) error {
	if m.peeked {
		return ErrNotLocked
	}

	switch m.state {
	case MessageActive:
		return nil
	case MessageExpired:
		return &LockLostError{MessageID: m.ID, Op: op}
	default:
		return ErrMessageSettled
	}
}
