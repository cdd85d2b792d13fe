// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sort"
	"sync"
	"time"
)

// FakeClock is a Clock whose time only moves when Advance is called.
// It is safe for concurrent use.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	pending []*pendingTimer
	changed *sync.Cond
}

type pendingTimer struct {
	deadline time.Time
	channel  chan time.Time
	// period is non-zero for tickers, which are rescheduled after
	// each firing instead of being removed.
	period  time.Duration
	stopped bool
}

// Fake returns a FakeClock reading initial until advanced.
func Fake(initial time.Time) *FakeClock {
	fake := &FakeClock{now: initial}
	fake.changed = sync.NewCond(&fake.mu)
	return fake
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	channel := make(chan time.Time, 1)
	if d <= 0 {
		channel <- c.now
		return channel
	}
	c.register(&pendingTimer{deadline: c.now.Add(d), channel: channel})
	return channel
}

func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive ticker period")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	timer := &pendingTimer{
		deadline: c.now.Add(d),
		channel:  make(chan time.Time, 1),
		period:   d,
	}
	c.register(timer)
	return &Ticker{
		C: timer.channel,
		stop: func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			timer.stopped = true
		},
	}
}

func (c *FakeClock) Sleep(d time.Duration) {
	if d > 0 {
		<-c.After(d)
	}
}

// register must be called with c.mu held.
func (c *FakeClock) register(timer *pendingTimer) {
	c.pending = append(c.pending, timer)
	c.changed.Broadcast()
}

// Advance moves time forward by d and fires every timer whose
// deadline has been reached, earliest first. Tickers spanning several
// periods fire once per period, subject to their capacity-1 channel.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	target := c.now
	c.mu.Unlock()

	for {
		due := c.takeDue(target)
		if len(due) == 0 {
			return
		}
		for _, timer := range due {
			select {
			case timer.channel <- target:
			default:
			}
		}
	}
}

func (c *FakeClock) takeDue(target time.Time) []*pendingTimer {
	c.mu.Lock()
	defer c.mu.Unlock()

	var due, remaining []*pendingTimer
	for _, timer := range c.pending {
		switch {
		case timer.stopped:
		case timer.deadline.After(target):
			remaining = append(remaining, timer)
		default:
			due = append(due, timer)
			if timer.period > 0 {
				timer.deadline = timer.deadline.Add(timer.period)
				remaining = append(remaining, timer)
			}
		}
	}
	c.pending = remaining
	sort.SliceStable(due, func(i, j int) bool {
		return due[i].deadline.Before(due[j].deadline)
	})
	return due
}

// WaitForTimers blocks until at least n timers are pending.
func (c *FakeClock) WaitForTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.activeLocked() < n {
		c.changed.Wait()
	}
}

// PendingCount reports the number of timers that have not fired.
func (c *FakeClock) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeLocked()
}

func (c *FakeClock) activeLocked() int {
	active := 0
	for _, timer := range c.pending {
		if !timer.stopped {
			active++
		}
	}
	return active
}
