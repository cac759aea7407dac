// Package clock provides a mockable time source for testing.
// In production it wraps the time package. For tests, use MockClock, whose
// timers and tickers only fire when the test advances it.
package clock

import (
	"sync"
	"time"
)

// Clock is the interface for time operations.
// Inject a MockClock for testing.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
	Until(t time.Time) time.Duration
	NewTimer(d time.Duration) Timer
	NewTicker(d time.Duration) Ticker
}

// Timer is the subset of *time.Timer the deploy session needs.
type Timer interface {
	C() <-chan time.Time
	Stop() bool
}

// Ticker is the subset of *time.Ticker the countdown needs.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// --- Real Clock (simple wrapper) ---

// RealClock provides the actual system time.
type RealClock struct{}

// Now returns the current system time.
func (c *RealClock) Now() time.Time {
	return time.Now()
}

// Since returns the time elapsed since t.
func (c *RealClock) Since(t time.Time) time.Duration {
	return time.Since(t)
}

// Until returns the duration until t.
func (c *RealClock) Until(t time.Time) time.Duration {
	return time.Until(t)
}

// NewTimer wraps time.NewTimer.
func (c *RealClock) NewTimer(d time.Duration) Timer {
	return realTimer{time.NewTimer(d)}
}

// NewTicker wraps time.NewTicker.
func (c *RealClock) NewTicker(d time.Duration) Ticker {
	return realTicker{time.NewTicker(d)}
}

type realTimer struct{ t *time.Timer }

func (r realTimer) C() <-chan time.Time { return r.t.C }
func (r realTimer) Stop() bool          { return r.t.Stop() }

type realTicker struct{ t *time.Ticker }

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()               { r.t.Stop() }

// --- Mock Clock (for testing) ---

// MockClock is a test clock with controllable time.
type MockClock struct {
	mu      sync.RWMutex
	current time.Time
	waiters []*mockWaiter
}

type mockWaiter struct {
	clock    *MockClock
	c        chan time.Time
	deadline time.Time
	period   time.Duration // zero for one-shot timers
	stopped  bool
}

// NewMockClock creates a mock clock set to the given time.
func NewMockClock(t time.Time) *MockClock {
	return &MockClock{current: t}
}

// Now returns the mock time.
func (c *MockClock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// Since returns the duration since t.
func (c *MockClock) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}

// Until returns the duration until t.
func (c *MockClock) Until(t time.Time) time.Duration {
	return t.Sub(c.Now())
}

// NewTimer returns a timer that fires once the mock time reaches now+d.
func (c *MockClock) NewTimer(d time.Duration) Timer {
	return mockTimer{c.addWaiter(d, 0)}
}

// NewTicker returns a ticker that fires every d of mock time.
func (c *MockClock) NewTicker(d time.Duration) Ticker {
	if d <= 0 {
		panic("clock: non-positive interval for NewTicker")
	}
	return mockTicker{c.addWaiter(d, d)}
}

func (c *MockClock) addWaiter(d, period time.Duration) *mockWaiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	w := &mockWaiter{
		clock:    c,
		c:        make(chan time.Time, 1),
		deadline: c.current.Add(d),
		period:   period,
	}
	c.waiters = append(c.waiters, w)
	return w
}

// Advance advances the mock time by d and fires every timer and ticker
// whose deadline has been reached. Like time.Ticker, a slow reader drops ticks.
func (c *MockClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(d)

	live := c.waiters[:0]
	for _, w := range c.waiters {
		if w.stopped {
			continue
		}
		for !w.deadline.After(c.current) {
			select {
			case w.c <- w.deadline:
			default:
			}
			if w.period == 0 {
				w.stopped = true
				break
			}
			w.deadline = w.deadline.Add(w.period)
		}
		if !w.stopped {
			live = append(live, w)
		}
	}
	c.waiters = live
}

// Pending returns the number of armed timers and tickers.
func (c *MockClock) Pending() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, w := range c.waiters {
		if !w.stopped {
			n++
		}
	}
	return n
}

func (w *mockWaiter) stop() bool {
	w.clock.mu.Lock()
	defer w.clock.mu.Unlock()
	wasArmed := !w.stopped
	w.stopped = true
	return wasArmed
}

type mockTimer struct{ w *mockWaiter }

func (t mockTimer) C() <-chan time.Time { return t.w.c }
func (t mockTimer) Stop() bool          { return t.w.stop() }

type mockTicker struct{ w *mockWaiter }

func (t mockTicker) C() <-chan time.Time { return t.w.c }
func (t mockTicker) Stop()               { t.w.stop() }

// Now returns the current system time.
func Now() time.Time {
	return time.Now()
}
