// Copyright 2026 The Sonde Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sync"
	"time"
)

// NewFake returns a FakeClock frozen at start. Time moves only through
// Advance.
func NewFake(start time.Time) *FakeClock {
	fc := &FakeClock{now: start}
	fc.changed = sync.NewCond(&fc.mu)
	return fc
}

// FakeClock is a deterministic Clock for tests. Waiters registered via
// After, AfterFunc, NewTicker, and Sleep fire only when Advance moves
// the clock past their deadline, in deadline order, with the clock
// reading each waiter's own deadline while it fires.
//
// Safe for concurrent use. AfterFunc callbacks run synchronously inside
// Advance; a callback may register new waiters but must not call
// Advance or Sleep, which would deadlock.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*fakeWaiter
	changed *sync.Cond
}

// fakeWaiter is one pending After/AfterFunc/Ticker/Sleep registration.
// period is non-zero only for tickers, which reschedule after firing.
type fakeWaiter struct {
	due       time.Time
	ch        chan time.Time
	fn        func()
	period    time.Duration
	cancelled bool
	done      bool
}

// Now returns the frozen current time.
func (fc *FakeClock) Now() time.Time {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.now
}

// After registers a one-shot channel waiter. Non-positive d delivers
// immediately without registering.
func (fc *FakeClock) After(d time.Duration) <-chan time.Time {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- fc.now
		return ch
	}
	fc.addLocked(&fakeWaiter{due: fc.now.Add(d), ch: ch})
	return ch
}

// AfterFunc registers f to run when the clock passes now+d. Non-positive
// d runs f synchronously before returning.
func (fc *FakeClock) AfterFunc(d time.Duration, f func()) Timer {
	if d <= 0 {
		f()
		return spentTimer{}
	}
	fc.mu.Lock()
	defer fc.mu.Unlock()
	w := &fakeWaiter{due: fc.now.Add(d), fn: f}
	fc.addLocked(w)
	return &fakeTimer{fc: fc, w: w}
}

// NewTicker registers a repeating waiter. Panics if d <= 0.
func (fc *FakeClock) NewTicker(d time.Duration) Ticker {
	if d <= 0 {
		panic("clock: non-positive ticker interval")
	}
	fc.mu.Lock()
	defer fc.mu.Unlock()
	w := &fakeWaiter{due: fc.now.Add(d), ch: make(chan time.Time, 1), period: d}
	fc.addLocked(w)
	return &fakeTicker{fc: fc, w: w}
}

// Sleep blocks until the clock advances past now+d. Non-positive d
// returns immediately.
func (fc *FakeClock) Sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	<-fc.After(d)
}

// Advance moves the clock forward by d, firing due waiters one at a
// time in deadline order. While a waiter fires, Now reports that
// waiter's deadline; after all fires, Now reports the full target.
// Channel deliveries are non-blocking: an unconsumed tick is dropped,
// matching time.Ticker.
func (fc *FakeClock) Advance(d time.Duration) {
	fc.mu.Lock()
	target := fc.now.Add(d)
	for {
		w := fc.popDueLocked(target)
		if w == nil {
			break
		}
		if w.due.After(fc.now) {
			fc.now = w.due
		}
		if w.period > 0 {
			w.due = w.due.Add(w.period)
			fc.addLocked(w)
		} else {
			w.done = true
		}
		if w.fn != nil {
			// Release the lock so the callback can use the clock.
			fc.mu.Unlock()
			w.fn()
			fc.mu.Lock()
		} else {
			select {
			case w.ch <- fc.now:
			default:
			}
		}
	}
	fc.now = target
	fc.mu.Unlock()
}

// WaitForTimers blocks until at least n waiters are pending. Use it to
// sequence a test against goroutines that register timers.
func (fc *FakeClock) WaitForTimers(n int) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	for fc.pendingLocked() < n {
		fc.changed.Wait()
	}
}

// PendingCount returns the number of live waiters.
func (fc *FakeClock) PendingCount() int {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.pendingLocked()
}

func (fc *FakeClock) addLocked(w *fakeWaiter) {
	fc.waiters = append(fc.waiters, w)
	fc.changed.Broadcast()
}

// popDueLocked removes and returns the earliest live waiter with
// due <= target, or nil when none qualify. Cancelled waiters found
// along the way are discarded.
func (fc *FakeClock) popDueLocked(target time.Time) *fakeWaiter {
	best := -1
	live := fc.waiters[:0]
	for _, w := range fc.waiters {
		if w.cancelled {
			continue
		}
		live = append(live, w)
		if !w.due.After(target) && (best < 0 || w.due.Before(live[best].due)) {
			best = len(live) - 1
		}
	}
	fc.waiters = live
	if best < 0 {
		return nil
	}
	w := live[best]
	fc.waiters = append(live[:best], live[best+1:]...)
	return w
}

func (fc *FakeClock) pendingLocked() int {
	n := 0
	for _, w := range fc.waiters {
		if !w.cancelled {
			n++
		}
	}
	return n
}

type fakeTimer struct {
	fc *FakeClock
	w  *fakeWaiter
}

func (t *fakeTimer) Stop() bool {
	t.fc.mu.Lock()
	defer t.fc.mu.Unlock()
	if t.w.cancelled || t.w.done {
		return false
	}
	t.w.cancelled = true
	return true
}

// spentTimer stands in for an AfterFunc that already ran.
type spentTimer struct{}

func (spentTimer) Stop() bool { return false }

type fakeTicker struct {
	fc *FakeClock
	w  *fakeWaiter
}

func (t *fakeTicker) Chan() <-chan time.Time { return t.w.ch }

func (t *fakeTicker) Stop() {
	t.fc.mu.Lock()
	defer t.fc.mu.Unlock()
	t.w.cancelled = true
}
