package coordination

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPortfolioLocks_SerializesSameKey(t *testing.T) {
	locks := NewPortfolioLocks()
	var order []int
	var mu sync.Mutex
	var wg sync.WaitGroup
	var active atomic.Int32
	var overlapped atomic.Bool

	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = locks.WithLock("p1", func() error {
				if active.Add(1) > 1 {
					overlapped.Store(true)
				}
				time.Sleep(time.Millisecond)
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				active.Add(-1)
				return nil
			})
		}(i)
	}
	wg.Wait()

	assert.Len(t, order, 5, "all five critical sections must have run")
	assert.False(t, overlapped.Load(), "critical sections for the same key must never overlap")
}

func TestPortfolioLocks_DifferentKeysRunConcurrently(t *testing.T) {
	locks := NewPortfolioLocks()
	var inFlight atomic.Int32
	var maxInFlight atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 3; i++ {
		wg.Add(1)
		key := "p" + string(rune('a'+i))
		go func(key string) {
			defer wg.Done()
			_ = locks.WithLock(key, func() error {
				n := inFlight.Add(1)
				for {
					m := maxInFlight.Load()
					if n <= m || maxInFlight.CompareAndSwap(m, n) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				inFlight.Add(-1)
				return nil
			})
		}(key)
	}
	wg.Wait()

	assert.Greater(t, maxInFlight.Load(), int32(1), "unrelated portfolios must be able to overlap")
}

func TestPortfolioLocks_WithLockPropagatesError(t *testing.T) {
	locks := NewPortfolioLocks()
	sentinelErr := assert.AnError

	err := locks.WithLock("p1", func() error {
		return sentinelErr
	})
	require.ErrorIs(t, err, sentinelErr)

	// The lock must still be released after an error return.
	released := make(chan struct{})
	go func() {
		_ = locks.WithLock("p1", func() error { return nil })
		close(released)
	}()
	select {
	case <-released:
	case <-time.After(time.Second):
		t.Fatal("lock was not released after the previous holder returned an error")
	}
}

func TestRefreshSentinel_OnlyOneAcquisitionAtATime(t *testing.T) {
	s := &RefreshSentinel{}
	require.True(t, s.TryAcquire())
	assert.False(t, s.TryAcquire(), "a second acquisition must fail while the first is held")
	assert.True(t, s.Running())

	s.Release()
	assert.False(t, s.Running())
	assert.True(t, s.TryAcquire(), "acquisition must succeed again after release")
}
