// Package clocktest provides a manually advanced clock for deterministic
// timer tests.
package clocktest

import (
	"sort"
	"sync"
	"time"

	"github.com/cory-johannsen/realmgate/internal/clock"
)

// Clock is a clock.Clock whose time only moves when Advance is called.
// Timer callbacks run synchronously inside Advance, in deadline order.
type Clock struct {
	mu     sync.Mutex
	now    time.Time
	seq    int
	timers map[*timer]struct{}
}

// New returns a Clock starting at start.
func New(start time.Time) *Clock {
	return &Clock{
		now:    start,
		timers: make(map[*timer]struct{}),
	}
}

// Now returns the current manual time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// AfterFunc schedules fn to run once the clock has advanced by d.
func (c *Clock) AfterFunc(d time.Duration, fn func()) clock.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &timer{clock: c, fn: fn}
	c.armLocked(t, d)
	return t
}

// Pending returns the number of armed timers.
func (c *Clock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

// Advance moves time forward by d, firing every timer whose deadline falls
// inside the window. Timers re-armed by a callback fire again if their new
// deadline is still inside the window.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	for {
		next := c.nextDueLocked(target)
		if next == nil {
			break
		}
		delete(c.timers, next)
		c.now = next.deadline
		fn := next.fn
		c.mu.Unlock()
		fn()
		c.mu.Lock()
	}
	c.now = target
	c.mu.Unlock()
}

func (c *Clock) nextDueLocked(target time.Time) *timer {
	due := make([]*timer, 0, len(c.timers))
	for t := range c.timers {
		if !t.deadline.After(target) {
			due = append(due, t)
		}
	}
	if len(due) == 0 {
		return nil
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].deadline.Equal(due[j].deadline) {
			return due[i].seq < due[j].seq
		}
		return due[i].deadline.Before(due[j].deadline)
	})
	return due[0]
}

func (c *Clock) armLocked(t *timer, d time.Duration) {
	c.seq++
	t.seq = c.seq
	t.deadline = c.now.Add(d)
	c.timers[t] = struct{}{}
}

type timer struct {
	clock    *Clock
	fn       func()
	deadline time.Time
	seq      int
}

func (t *timer) Reset(d time.Duration) bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	_, pending := t.clock.timers[t]
	t.clock.armLocked(t, d)
	return pending
}

func (t *timer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	_, pending := t.clock.timers[t]
	delete(t.clock.timers, t)
	return pending
}
