package peeklock

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jirevwe/peeklock/broker"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"
	"k8s.io/utils/ptr"
)

type renewCounter struct {
	fc    *testingclock.FakeClock
	calls atomic.Int32
	err   error
}

func (c *renewCounter) renew(ctx context.Context) (time.Time, error) {
	c.calls.Add(1)
	if c.err != nil {
		return time.Time{}, c.err
	}
	return c.fc.Now().Add(30 * time.Second), nil
}

func newTestRenewer(t *testing.T, budget *time.Duration, c *renewCounter, onError func(error)) (*Renewer, *LockClock) {
	t.Helper()

	lock := NewLockClock(c.fc.Now().Add(30 * time.Second))
	r, err := NewRenewer(RenewerConfig{
		MessageID: "msg-1",
		Lock:      lock,
		Renew:     c.renew,
		Budget:    budget,
		OnError:   onError,
		Clock:     c.fc,
		Logger:    slogger,
	})
	require.NoError(t, err)

	t.Cleanup(r.Stop)

	return r, lock
}

func TestRenewer_RenewsEveryTwoThirdsOfTheLock(t *testing.T) {
	c := &renewCounter{fc: testingclock.NewFakeClock(epoch)}
	r, lock := newTestRenewer(t, nil, c, nil)
	r.Start()

	require.Equal(t, RenewerScheduled, r.State())

	for i := 1; i <= 3; i++ {
		stepWhenWaiting(t, c.fc, 20*time.Second)
		require.Eventually(t, func() bool { return r.Renewals() == i }, time.Second, time.Millisecond)
		require.Equal(t, epoch.Add(time.Duration(20*i+30)*time.Second), lock.LockedUntil())
	}

	_, bounded := r.Deadline()
	require.False(t, bounded)

	require.Eventually(t, func() bool {
		return r.NextFire().Equal(epoch.Add(80 * time.Second))
	}, time.Second, time.Millisecond)
}

func TestRenewer_StopsBeforeCrossingBudget(t *testing.T) {
	tests := []struct {
		budget      time.Duration
		renewals    int
		lockedUntil time.Duration
	}{
		{budget: 60 * time.Second, renewals: 2, lockedUntil: 70 * time.Second},
		{budget: 80 * time.Second, renewals: 3, lockedUntil: 90 * time.Second},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("budget %s", tt.budget), func(t *testing.T) {
			c := &renewCounter{fc: testingclock.NewFakeClock(epoch)}
			r, lock := newTestRenewer(t, ptr.To(tt.budget), c, nil)
			r.Start()

			deadline, bounded := r.Deadline()
			require.True(t, bounded)
			require.Equal(t, epoch.Add(tt.budget), deadline)

			for i := 1; i <= tt.renewals; i++ {
				stepWhenWaiting(t, c.fc, 20*time.Second)
				require.Eventually(t, func() bool { return r.Renewals() == i }, time.Second, time.Millisecond)
			}

			// the next fire would cross the budget
			stepWhenWaiting(t, c.fc, 20*time.Second)

			select {
			case <-r.Done():
			case <-time.After(time.Second):
				t.Fatal("renewer did not stop at its budget")
			}

			require.Equal(t, RenewerStopped, r.State())
			require.Equal(t, int32(tt.renewals), c.calls.Load())
			require.Equal(t, epoch.Add(tt.lockedUntil), lock.LockedUntil())
		})
	}
}

func TestRenewer_ZeroBudgetNeverFires(t *testing.T) {
	c := &renewCounter{fc: testingclock.NewFakeClock(epoch)}
	r, lock := newTestRenewer(t, ptr.To(time.Duration(0)), c, nil)
	r.Start()

	require.Equal(t, RenewerIdle, r.State())
	require.False(t, c.fc.HasWaiters())

	c.fc.Step(5 * time.Minute)
	require.Zero(t, c.calls.Load())
	require.Equal(t, epoch.Add(30*time.Second), lock.LockedUntil())

	r.Stop()
	<-r.Done()
}

func TestRenewer_UnlimitedKeepsLockAlive(t *testing.T) {
	c := &renewCounter{fc: testingclock.NewFakeClock(epoch)}
	r, lock := newTestRenewer(t, nil, c, nil)
	r.Start()

	for i := 1; i <= 15; i++ {
		stepWhenWaiting(t, c.fc, 20*time.Second)
		require.Eventually(t, func() bool { return r.Renewals() == i }, time.Second, time.Millisecond)
	}

	require.Equal(t, epoch.Add(300*time.Second), c.fc.Now())
	require.True(t, lock.Remaining(c.fc.Now()) > 0)
}

func TestRenewer_FailureStopsAndNotifies(t *testing.T) {
	c := &renewCounter{
		fc:  testingclock.NewFakeClock(epoch),
		err: fmt.Errorf("renew: %w", broker.ErrLockLost),
	}

	errs := make(chan error, 1)
	r, _ := newTestRenewer(t, nil, c, func(err error) { errs <- err })
	r.Start()

	stepWhenWaiting(t, c.fc, 20*time.Second)

	select {
	case err := <-errs:
		require.ErrorIs(t, err, broker.ErrLockLost)
	case <-time.After(time.Second):
		t.Fatal("renewal failure was not reported")
	}

	<-r.Done()
	require.Equal(t, RenewerStopped, r.State())
	require.Equal(t, int32(1), c.calls.Load())
}

func TestRenewer_StopCancelsPendingTimer(t *testing.T) {
	c := &renewCounter{fc: testingclock.NewFakeClock(epoch)}
	r, _ := newTestRenewer(t, nil, c, nil)
	r.Start()

	require.Eventually(t, c.fc.HasWaiters, time.Second, time.Millisecond)

	r.Stop()
	r.Stop()
	<-r.Done()

	c.fc.Step(time.Minute)
	require.Zero(t, c.calls.Load())
	require.Equal(t, RenewerStopped, r.State())

	// start after stop does nothing
	r.Start()
	require.Equal(t, RenewerStopped, r.State())
}

func TestRenewer_StopCancelsInFlightRenewal(t *testing.T) {
	fc := testingclock.NewFakeClock(epoch)
	entered := make(chan struct{})
	var notified atomic.Bool

	r, err := NewRenewer(RenewerConfig{
		MessageID: "msg-1",
		Lock:      NewLockClock(epoch.Add(30 * time.Second)),
		Renew: func(ctx context.Context) (time.Time, error) {
			close(entered)
			<-ctx.Done()
			return time.Time{}, ctx.Err()
		},
		OnError: func(error) { notified.Store(true) },
		Clock:   fc,
		Logger:  slogger,
	})
	require.NoError(t, err)

	r.Start()
	stepWhenWaiting(t, fc, 20*time.Second)
	<-entered

	r.Stop()

	select {
	case <-r.Done():
	case <-time.After(time.Second):
		t.Fatal("stop did not cancel the in-flight renewal")
	}

	require.False(t, notified.Load())
}

func TestRenewer_FiresImmediatelyWhenDue(t *testing.T) {
	c := &renewCounter{fc: testingclock.NewFakeClock(epoch)}

	lock := NewLockClock(epoch)
	r, err := NewRenewer(RenewerConfig{Lock: lock, Renew: c.renew, Clock: c.fc, Logger: slogger})
	require.NoError(t, err)
	t.Cleanup(r.Stop)

	r.Start()

	require.Eventually(t, func() bool { return r.Renewals() == 1 }, time.Second, time.Millisecond)
	require.Equal(t, epoch.Add(30*time.Second), lock.LockedUntil())
}

func TestNewRenewer_RejectsNegativeBudget(t *testing.T) {
	_, err := NewRenewer(RenewerConfig{
		Lock:   NewLockClock(epoch),
		Renew:  func(context.Context) (time.Time, error) { return time.Time{}, nil },
		Budget: ptr.To(-time.Second),
	})

	var cfgErr *ConfigurationError
	require.True(t, errors.As(err, &cfgErr))
	require.Equal(t, "MaxAutoRenewDuration", cfgErr.Field)
}

func TestRenewer_StaleExpiryStopsAndNotifies(t *testing.T) {
	fc := testingclock.NewFakeClock(epoch)
	var calls atomic.Int32
	errs := make(chan error, 1)

	r, err := NewRenewer(RenewerConfig{
		MessageID: "msg-1",
		Lock:      NewLockClock(epoch.Add(30 * time.Second)),
		Renew: func(ctx context.Context) (time.Time, error) {
			calls.Add(1)
			return epoch, nil
		},
		OnError: func(err error) { errs <- err },
		Clock:   fc,
		Logger:  slogger,
	})
	require.NoError(t, err)
	t.Cleanup(r.Stop)

	r.Start()
	stepWhenWaiting(t, fc, 20*time.Second)

	select {
	case err := <-errs:
		require.ErrorIs(t, err, broker.ErrLockLost)
	case <-time.After(time.Second):
		t.Fatal("stale renewal was not reported")
	}

	<-r.Done()
	require.Equal(t, RenewerStopped, r.State())
	require.Equal(t, int32(1), calls.Load())
	require.Zero(t, r.Renewals())
}
