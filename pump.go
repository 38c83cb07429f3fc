package peeklock

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jirevwe/peeklock/pool"
	"golang.org/x/time/rate"
)

const defaultPollInterval = time.Second

// ReceiveOptions configures a Pump subscription.
type ReceiveOptions struct {
	// AutoComplete completes a message after its handler returns nil,
	// unless the handler already settled it.
	AutoComplete bool

	// MaxAutoRenewDuration bounds how long each message's lock is renewed.
	// Nil renews without limit and zero disables renewal.
	MaxAutoRenewDuration *time.Duration

	// MaxConcurrentCalls is the number of delivery slots, each running one
	// handler at a time. Defaults to 1.
	MaxConcurrentCalls int

	// PollInterval paces receive attempts on an empty or failing queue.
	// Defaults to 1s.
	PollInterval time.Duration
}

func (o ReceiveOptions) validate() error {
	if o.MaxAutoRenewDuration != nil && *o.MaxAutoRenewDuration < 0 {
		return &ConfigurationError{Field: "MaxAutoRenewDuration", Reason: "must not be negative"}
	}

	if o.MaxConcurrentCalls < 0 {
		return &ConfigurationError{Field: "MaxConcurrentCalls", Reason: "must not be negative"}
	}

	if o.PollInterval < 0 {
		return &ConfigurationError{Field: "PollInterval", Reason: "must not be negative"}
	}

	return nil
}

func (o ReceiveOptions) withDefaults() ReceiveOptions {
	if o.MaxConcurrentCalls == 0 {
		o.MaxConcurrentCalls = 1
	}

	if o.PollInterval == 0 {
		o.PollInterval = defaultPollInterval
	}

	return o
}

// Pump delivers messages continuously to a Handler, renewing each message's
// lock while its handler runs.
type Pump struct {
	session *Session
}

func NewPump(s *Session) *Pump {
	return &Pump{session: s}
}

// Receive starts delivering messages to handler and returns at once.
// Failures anywhere in the pump go to errorHandler, which may be nil to only
// log them. Cancelling ctx is the same as calling Stop on the subscription.
func (p *Pump) Receive(ctx context.Context, handler Handler, errorHandler ErrorHandler, opts ReceiveOptions) (*Subscription, error) {
	if handler == nil {
		return nil, &ConfigurationError{Field: "handler", Reason: "is required"}
	}

	if err := opts.validate(); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()

	log := p.session.logger.With("component", "pump")
	if errorHandler == nil {
		errorHandler = logErrors(log)
	}

	baseCtx := context.WithoutCancel(ctx)
	ctx, cancel := context.WithCancel(ctx)

	s := &Subscription{
		session:      p.session,
		handler:      handler,
		errorHandler: errorHandler,
		opts:         opts,
		log:          log,
		baseCtx:      baseCtx,
		cancel:       cancel,
		renewers:     map[string]*Renewer{},
	}
	s.workers = pool.NewWorkerPool(opts.MaxConcurrentCalls, s.loop, log)

	if err := s.workers.Start(ctx); err != nil {
		cancel()
		return nil, err
	}

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	log.Info("pump started", "slots", opts.MaxConcurrentCalls, "auto_complete", opts.AutoComplete)

	return s, nil
}

// Subscription is a running Pump delivery.
type Subscription struct {
	session      *Session
	handler      Handler
	errorHandler ErrorHandler
	opts         ReceiveOptions
	log          *slog.Logger

	baseCtx context.Context
	cancel  context.CancelFunc
	workers *pool.WorkerPool

	// late tracks best-effort abandons of messages received after Stop
	late sync.WaitGroup

	mu       sync.Mutex
	stopped  bool
	renewers map[string]*Renewer

	stopOnce sync.Once
}

// Stop ends delivery. No message is admitted for delivery after Stop
// returns: messages received later are abandoned without reaching a
// handler. A message admitted just before Stop may still be handed to its
// handler. Every renewer is cancelled and in-flight receive calls are
// aborted. Handlers carry on without renewal, so their settlement can fail
// with a LockLostError. Stop does not wait, use Wait for that.
func (s *Subscription) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopped = true
		renewers := make([]*Renewer, 0, len(s.renewers))
		for _, r := range s.renewers {
			renewers = append(renewers, r)
		}
		s.mu.Unlock()

		s.cancel()
		s.workers.Stop()

		for _, r := range renewers {
			r.Stop()
		}

		s.log.Info("pump stopped", "cancelled_renewers", len(renewers))
	})
}

// Wait blocks until all handlers have returned and the delivery loops have
// exited, or ctx is done.
func (s *Subscription) Wait(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		err := s.workers.Wait()
		s.late.Wait()
		done <- err
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

// ActiveRenewers is the number of messages whose locks are being renewed.
func (s *Subscription) ActiveRenewers() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.renewers)
}

// loop is one delivery slot. It fetches the next message only once the
// previous handler has returned.
func (s *Subscription) loop(ctx context.Context, slot int) error {
	limiter := rate.NewLimiter(rate.Every(s.opts.PollInterval), 1)

	for ctx.Err() == nil {
		received, err := s.session.broker.ReceiveBatch(ctx, 1)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			s.notify(&ProcessError{Source: SourceReceive, Err: &TransportError{Op: "receive", Err: err}})
		}

		for _, m := range received {
			s.deliver(ctx, newMessage(s.session, m))
		}

		if len(received) > 0 {
			continue
		}

		if err := limiter.Wait(ctx); err != nil {
			return nil
		}
	}

	return nil
}

func (s *Subscription) deliver(ctx context.Context, m *Message) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		s.abandonLate(m)
		return
	}

	r, err := m.startRenewer(s.opts.MaxAutoRenewDuration, func(err error) {
		s.notify(&ProcessError{Source: SourceRenewLock, MessageID: m.ID, Err: err})
	})
	if err != nil {
		// budget was validated in Receive
		s.mu.Unlock()
		s.notify(&ProcessError{Source: SourceRenewLock, MessageID: m.ID, Err: err})
		return
	}

	if r != nil {
		s.renewers[m.LockToken] = r
	}
	s.mu.Unlock()

	defer s.unregister(m)

	hctx := context.WithoutCancel(ctx)

	err = s.invoke(hctx, m)

	// the handle's lock is only kept alive while its handler runs
	m.stopRenewer()

	if err != nil {
		s.notify(&ProcessError{Source: SourceHandler, MessageID: m.ID, Err: err})
		return
	}

	if s.opts.AutoComplete && m.State() == MessageActive {
		if err := m.Complete(hctx); err != nil {
			s.notify(&ProcessError{Source: SourceComplete, MessageID: m.ID, Err: err})
		}
	}
}

func (s *Subscription) invoke(ctx context.Context, m *Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	return s.handler.ProcessMessage(ctx, m)
}

func (s *Subscription) unregister(m *Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.renewers, m.LockToken)
}

// abandonLate releases a message that arrived after Stop so it can be
// redelivered without waiting for its lock to run out.
func (s *Subscription) abandonLate(m *Message) {
	s.late.Add(1)
	go func() {
		defer s.late.Done()

		if err := m.Abandon(s.baseCtx); err != nil {
			s.notify(&ProcessError{Source: SourceAbandon, MessageID: m.ID, Err: err})
		}
	}()
}

func (s *Subscription) notify(err *ProcessError) {
	s.errorHandler.HandleError(s.baseCtx, err)
}

func logErrors(log *slog.Logger) ErrorHandler {
	return ErrorHandlerFunc(func(ctx context.Context, err *ProcessError) {
		log.Error("pump error", "source", err.Source, "message_id", err.MessageID, "error", err.Err)
	})
}
