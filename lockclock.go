package peeklock

import (
	"sync"
	"time"
)

// LockClock mirrors the broker's lock expiry for one message. It only
// moves forward so a late response cannot shorten it.
type LockClock struct {
	until time.Time
	mu    sync.RWMutex
}

func NewLockClock(until time.Time) *LockClock {
	return &LockClock{until: until}
}

// Update applies ts if it is not earlier than the current expiry.
func (c *LockClock) Update(ts time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ts.Before(c.until) {
		return false
	}

	c.until = ts
	return true
}

func (c *LockClock) LockedUntil() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.until
}

// Remaining is negative once the lock has expired. It is informational,
// the broker decides whether a lock is still held.
func (c *LockClock) Remaining(now time.Time) time.Duration {
	return c.LockedUntil().Sub(now)
}
