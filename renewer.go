package peeklock

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/jirevwe/peeklock/broker"
	"k8s.io/utils/clock"
)

// RenewerState is the lifecycle of a Renewer.
type RenewerState int

const (
	RenewerIdle RenewerState = iota
	RenewerScheduled
	RenewerRenewing
	RenewerStopped
)

func (s RenewerState) String() string {
	switch s {
	case RenewerIdle:
		return "idle"
	case RenewerScheduled:
		return "scheduled"
	case RenewerRenewing:
		return "renewing"
	case RenewerStopped:
		return "stopped"
	}
	return "unknown"
}

const (
	// leadFraction sets how early a lock is renewed: a third of the lock
	// duration before it expires, so a 30s lock is renewed every 20s.
	leadFraction = 3

	defaultOperationTimeout = 30 * time.Second
)

// RenewFunc renews a lock and returns the broker's new expiry.
type RenewFunc func(ctx context.Context) (time.Time, error)

// RenewerConfig configures a Renewer.
type RenewerConfig struct {
	MessageID string
	Lock      *LockClock
	Renew     RenewFunc

	// Budget is the total time renewals may keep the lock alive. Nil means
	// no limit and zero disables renewal.
	Budget *time.Duration

	// Timeout bounds each renew call.
	Timeout time.Duration

	// OnError is called from the renewer goroutine when a renewal fails.
	OnError func(error)

	Clock  clock.Clock
	Logger *slog.Logger
}

// Renewer keeps one message's lock alive in the background until it is
// stopped, a renewal fails or its budget runs out.
type Renewer struct {
	cfg RenewerConfig

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu           sync.Mutex
	state        RenewerState
	started      bool
	start        time.Time
	lockDuration time.Duration
	nextFire     time.Time
	renewals     int

	stopOnce sync.Once
}

func NewRenewer(cfg RenewerConfig) (*Renewer, error) {
	if cfg.Budget != nil && *cfg.Budget < 0 {
		return nil, &ConfigurationError{Field: "MaxAutoRenewDuration", Reason: "must not be negative"}
	}

	if cfg.Lock == nil || cfg.Renew == nil {
		return nil, &ConfigurationError{Field: "RenewerConfig", Reason: "lock and renew func are required"}
	}

	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(os.Stdout, nil))
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultOperationTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Renewer{
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}, nil
}

// Start begins renewing. A zero budget leaves the renewer idle. Calling
// Start more than once, or after Stop, does nothing.
func (r *Renewer) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != RenewerIdle || r.started {
		return
	}

	if r.cfg.Budget != nil && *r.cfg.Budget == 0 {
		return
	}

	now := r.cfg.Clock.Now()
	r.start = now
	r.lockDuration = max(r.cfg.Lock.LockedUntil().Sub(now), 0)
	r.state = RenewerScheduled
	r.started = true

	go r.run()
}

// Stop cancels the pending timer and any in-flight renewal. It is safe to
// call from any goroutine, any number of times.
func (r *Renewer) Stop() {
	r.stopOnce.Do(func() {
		r.mu.Lock()
		r.state = RenewerStopped
		started := r.started
		r.mu.Unlock()

		r.cancel()

		if !started {
			close(r.done)
		}
	})
}

// Done is closed once the renewer has stopped for good.
func (r *Renewer) Done() <-chan struct{} {
	return r.done
}

func (r *Renewer) State() RenewerState {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.state
}

// Renewals is the number of successful renewals.
func (r *Renewer) Renewals() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.renewals
}

// NextFire is when the next renewal is due.
func (r *Renewer) NextFire() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.nextFire
}

// Deadline is the end of the budget, ok is false when renewal is unbounded
// or the renewer was never started.
func (r *Renewer) Deadline() (deadline time.Time, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cfg.Budget == nil || !r.started {
		return time.Time{}, false
	}

	return r.start.Add(*r.cfg.Budget), true
}

func (r *Renewer) run() {
	defer close(r.done)

	log := r.cfg.Logger.With("message_id", r.cfg.MessageID)

	for {
		lead := r.leadTime()
		fireAt := r.cfg.Lock.LockedUntil().Add(-lead)

		r.mu.Lock()
		r.nextFire = fireAt
		r.mu.Unlock()

		if !r.wait(fireAt.Sub(r.cfg.Clock.Now())) {
			return
		}

		now := r.cfg.Clock.Now()
		if r.cfg.Budget != nil && now.Sub(r.start)+lead >= *r.cfg.Budget {
			log.Info("lock renewal budget exhausted, letting lock expire", "elapsed", now.Sub(r.start), "budget", *r.cfg.Budget)
			r.setState(RenewerStopped)
			return
		}

		if !r.transition(RenewerScheduled, RenewerRenewing) {
			return
		}

		ctx, cancel := context.WithTimeout(r.ctx, r.cfg.Timeout)
		until, err := r.cfg.Renew(ctx)
		cancel()

		if r.ctx.Err() != nil {
			// stopped while the call was in flight, the result no longer matters
			return
		}

		if err == nil && !until.After(r.cfg.Clock.Now()) {
			// an expiry at or before now is already lost
			err = fmt.Errorf("renewed lock expires at %s: %w", until.Format(time.RFC3339Nano), broker.ErrLockLost)
		}

		if err != nil {
			r.setState(RenewerStopped)
			log.Warn("lock renewal failed, renewer stopped", "error", err)
			if r.cfg.OnError != nil {
				r.cfg.OnError(err)
			}
			return
		}

		r.cfg.Lock.Update(until)

		r.mu.Lock()
		if d := until.Sub(now); d > 0 {
			r.lockDuration = d
		}
		r.renewals++
		r.mu.Unlock()

		log.Debug("lock renewed", "locked_until", until)

		if !r.transition(RenewerRenewing, RenewerScheduled) {
			return
		}
	}
}

// wait blocks for d on the renewer's clock and reports whether the renewer
// is still running afterwards.
func (r *Renewer) wait(d time.Duration) bool {
	if d <= 0 {
		return r.ctx.Err() == nil
	}

	timer := r.cfg.Clock.NewTimer(d)
	defer timer.Stop()

	select {
	case <-r.ctx.Done():
		return false
	case <-timer.C():
		return r.ctx.Err() == nil
	}
}

func (r *Renewer) leadTime() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.lockDuration / leadFraction
}

func (r *Renewer) setState(s RenewerState) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.state = s
}

func (r *Renewer) transition(from, to RenewerState) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != from {
		return false
	}

	r.state = to
	return true
}
