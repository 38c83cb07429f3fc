package pool

import "context"

// Loop is the work a single slot does. It should return nil once ctx is
// cancelled. A non-nil error stops every other slot in the pool.
type Loop func(ctx context.Context, slot int) error

type Pool interface {
	// Start runs one Loop per slot, and only the first call has any effect
	Start(ctx context.Context) error

	// Stop cancels every slot's context and returns without waiting for the
	// loops to return. It is safe to call more than once.
	Stop()

	// Wait blocks until every loop has returned and reports the first error.
	Wait() error
}
