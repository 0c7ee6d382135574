// Copyright 2026 The Sonde Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import "time"

// Clock is the time surface the telemetry pipeline depends on. The
// methods mirror their time-package counterparts; only the operations
// the pipeline actually uses are included.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives the fire time once d has
	// elapsed. A non-positive d delivers immediately.
	After(d time.Duration) <-chan time.Time

	// AfterFunc schedules f to run once after d. The returned Timer
	// cancels the pending call via Stop.
	AfterFunc(d time.Duration, f func()) Timer

	// NewTicker returns a Ticker delivering ticks every d. Panics if
	// d <= 0, like time.NewTicker.
	NewTicker(d time.Duration) Ticker

	// Sleep blocks the calling goroutine for at least d.
	Sleep(d time.Duration)
}

// Timer is a scheduled one-shot created by AfterFunc.
type Timer interface {
	// Stop cancels the pending fire. It reports whether the call
	// prevented the fire; false means the timer already fired or was
	// already stopped.
	Stop() bool
}

// Ticker delivers ticks at a fixed interval on Chan. Ticks are dropped,
// not queued, when the consumer lags (the channel has capacity 1).
type Ticker interface {
	// Chan returns the tick channel. It is never closed; callers stop
	// consuming after Stop.
	Chan() <-chan time.Time

	// Stop ends tick delivery.
	Stop()
}

// System returns a Clock backed by the time package.
func System() Clock { return sysClock{} }

type sysClock struct{}

func (sysClock) Now() time.Time                         { return time.Now() }
func (sysClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
func (sysClock) Sleep(d time.Duration)                  { time.Sleep(d) }

func (sysClock) AfterFunc(d time.Duration, f func()) Timer {
	return sysTimer{time.AfterFunc(d, f)}
}

func (sysClock) NewTicker(d time.Duration) Ticker {
	return sysTicker{time.NewTicker(d)}
}

type sysTimer struct{ t *time.Timer }

func (s sysTimer) Stop() bool { return s.t.Stop() }

type sysTicker struct{ t *time.Ticker }

func (s sysTicker) Chan() <-chan time.Time { return s.t.C }
func (s sysTicker) Stop()                  { s.t.Stop() }
