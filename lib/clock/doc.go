// Copyright 2026 The Sonde Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts time so pipeline timers can be driven
// deterministically in tests.
//
// Code that needs the current time, a one-shot timer, a ticker, or a
// sleep takes a Clock instead of calling the time package. Production
// wiring passes System(); tests pass NewFake(start) and move time with
// Advance.
//
// A FakeClock only fires waiters during Advance, so tests must make
// sure the goroutine under test has registered its timer first:
//
//	fc := clock.NewFake(time.Unix(1_700_000_000, 0))
//	go worker(fc)
//	fc.WaitForTimers(1)
//	fc.Advance(2 * time.Second)
//
// WaitForTimers blocks until the given number of waiters are pending,
// which removes the registration/advance race without real sleeps.
package clock
