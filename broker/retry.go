package broker

import (
	"context"
	"errors"
	"time"
)

// Retry re-runs a broker call on transient failures. Lock loss, unsupported
// operations and context errors are returned immediately.
type Retry struct {
	sleepDuration time.Duration
	numTries      int
}

func NewRetry(numTries int, sleepDuration time.Duration) *Retry {
	if numTries < 1 {
		numTries = 1
	}

	return &Retry{
		sleepDuration: sleepDuration,
		numTries:      numTries,
	}
}

func (r *Retry) Do(ctx context.Context, fn func() error) error {
	var err error
	for i := 0; i < r.numTries; i++ {
		err = fn()
		if err == nil || !retryable(err) {
			return err
		}

		if i == r.numTries-1 {
			break
		}

		select {
		case <-ctx.Done():
			return err
		case <-time.After(r.sleepDuration):
		}
	}

	return err
}

func retryable(err error) bool {
	switch {
	case errors.Is(err, ErrLockLost),
		errors.Is(err, ErrUnsupported),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}

type retryingBroker struct {
	next        Broker
	retry       *Retry
	settlements bool
}

// RetryOption configures NewRetryingBroker.
type RetryOption func(*retryingBroker)

// WithSettlementRetries retries Complete, Abandon and DeadLetter too. A
// settlement that succeeded on the broker but failed in transit then
// reports ErrLockLost on the retry, although the message was settled.
func WithSettlementRetries() RetryOption {
	return func(b *retryingBroker) {
		b.settlements = true
	}
}

// NewRetryingBroker wraps next so calls are retried on transient errors.
// Settlements are attempted once unless WithSettlementRetries is given.
func NewRetryingBroker(next Broker, numTries int, sleepDuration time.Duration, opts ...RetryOption) Broker {
	b := &retryingBroker{next: next, retry: NewRetry(numTries, sleepDuration)}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *retryingBroker) Send(ctx context.Context, msg *OutgoingMessage) error {
	return b.retry.Do(ctx, func() error { return b.next.Send(ctx, msg) })
}

func (b *retryingBroker) ReceiveBatch(ctx context.Context, max int) (messages []*Message, err error) {
	err = b.retry.Do(ctx, func() error {
		var innerErr error
		messages, innerErr = b.next.ReceiveBatch(ctx, max)
		return innerErr
	})
	return messages, err
}

func (b *retryingBroker) RenewLock(ctx context.Context, token string) (until time.Time, err error) {
	err = b.retry.Do(ctx, func() error {
		var innerErr error
		until, innerErr = b.next.RenewLock(ctx, token)
		return innerErr
	})
	return until, err
}

func (b *retryingBroker) Complete(ctx context.Context, token string) error {
	return b.settle(ctx, func() error { return b.next.Complete(ctx, token) })
}

func (b *retryingBroker) Abandon(ctx context.Context, token string) error {
	return b.settle(ctx, func() error { return b.next.Abandon(ctx, token) })
}

func (b *retryingBroker) DeadLetter(ctx context.Context, token, reason, description string) error {
	return b.settle(ctx, func() error { return b.next.DeadLetter(ctx, token, reason, description) })
}

func (b *retryingBroker) settle(ctx context.Context, fn func() error) error {
	if !b.settlements {
		return fn()
	}
	return b.retry.Do(ctx, fn)
}

func (b *retryingBroker) Peek(ctx context.Context, max int) (messages []*Message, err error) {
	err = b.retry.Do(ctx, func() error {
		var innerErr error
		messages, innerErr = b.next.Peek(ctx, max)
		return innerErr
	})
	return messages, err
}
