package coordination

import "sync/atomic"

// RefreshSentinel ensures at most one NAV refresh run is in flight at a
// time.
type RefreshSentinel struct {
	running atomic.Bool
}

// TryAcquire attempts to enter the running state, returning false if a run
// is already in progress.
func (s *RefreshSentinel) TryAcquire() bool {
	return s.running.CompareAndSwap(false, true)
}

// Release exits the running state.
func (s *RefreshSentinel) Release() {
	s.running.Store(false)
}

// Running reports whether a refresh run currently holds the sentinel.
func (s *RefreshSentinel) Running() bool {
	return s.running.Load()
}
