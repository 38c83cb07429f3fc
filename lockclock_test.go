package peeklock

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLockClock_IsMonotonic(t *testing.T) {
	c := NewLockClock(epoch.Add(30 * time.Second))

	require.True(t, c.Update(epoch.Add(50*time.Second)))
	require.False(t, c.Update(epoch.Add(40*time.Second)))
	require.Equal(t, epoch.Add(50*time.Second), c.LockedUntil())

	// equal timestamps are accepted
	require.True(t, c.Update(epoch.Add(50*time.Second)))
}

func TestLockClock_Remaining(t *testing.T) {
	c := NewLockClock(epoch.Add(30 * time.Second))

	require.Equal(t, 20*time.Second, c.Remaining(epoch.Add(10*time.Second)))
	require.Equal(t, -5*time.Second, c.Remaining(epoch.Add(35*time.Second)))
}

func TestLockClock_ConcurrentUpdates(t *testing.T) {
	c := NewLockClock(epoch)
	wg := &sync.WaitGroup{}

	for i := 1; i <= 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c.Update(epoch.Add(time.Duration(i) * time.Second))
		}(i)
	}
	wg.Wait()

	require.Equal(t, epoch.Add(50*time.Second), c.LockedUntil())
}
