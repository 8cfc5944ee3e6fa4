// Package clock provides the time source and cancellable timers used for
// connection supervision. Production code uses Real; tests drive a manual
// clock from the clocktest package.
package clock

import (
	"sync"
	"time"
)

// Timer is a single cancellable deadline.
type Timer interface {
	// Reset re-arms the timer to fire after d.
	// Returns true if the timer was still pending when reset.
	Reset(d time.Duration) bool
	// Stop cancels the timer.
	// Returns true if the call stopped a pending timer.
	Stop() bool
}

// Clock supplies the current time and schedules callbacks.
type Clock interface {
	Now() time.Time
	// AfterFunc calls fn in its own goroutine once d has elapsed.
	AfterFunc(d time.Duration, fn func()) Timer
}

// Real is the wall clock backed by the runtime timer heap.
type Real struct{}

// Now returns time.Now().
func (Real) Now() time.Time { return time.Now() }

// AfterFunc wraps time.AfterFunc.
func (Real) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}

// Repeat arms a timer that calls fn every interval until the returned Timer
// is stopped. fn runs before the timer is re-armed, so a slow fn delays the
// next call rather than overlapping with it.
//
// Precondition: interval must be > 0; c and fn must be non-nil.
// Postcondition: Returns a pending Timer; Stop cancels all future calls.
func Repeat(c Clock, interval time.Duration, fn func()) Timer {
	r := &repeating{interval: interval}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.timer = c.AfterFunc(interval, func() {
		fn()
		r.rearm()
	})
	return r
}

type repeating struct {
	mu       sync.Mutex
	interval time.Duration
	timer    Timer
	stopped  bool
}

func (r *repeating) rearm() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	r.timer.Reset(r.interval)
}

// Reset changes the interval and restarts the countdown.
func (r *repeating) Reset(d time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.interval = d
	r.stopped = false
	return r.timer.Reset(d)
}

// Stop cancels every future call.
func (r *repeating) Stop() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return false
	}
	r.stopped = true
	r.timer.Stop()
	return true
}
