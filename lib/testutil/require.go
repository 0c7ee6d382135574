// Copyright 2026 The Sonde Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"fmt"
	"time"
)

// failer is the subset of testing.TB the require helpers need. Taking
// the subset keeps the helpers usable from both tests and benchmarks.
type failer interface {
	Helper()
	Fatalf(format string, args ...any)
}

// RequireReceive reads one value from ch within timeout or fails the
// test. A closed channel also fails: callers waiting for close use
// RequireClosed.
func RequireReceive[T any](t failer, ch <-chan T, timeout time.Duration, msg string, args ...any) T {
	t.Helper()
	select {
	case v, ok := <-ch:
		if !ok {
			t.Fatalf("channel closed while %s", fmt.Sprintf(msg, args...))
		}
		return v
	case <-time.After(timeout):
		t.Fatalf("timed out after %v while %s", timeout, fmt.Sprintf(msg, args...))
	}
	panic("unreachable")
}

// RequireSend delivers v on ch within timeout or fails the test.
func RequireSend[T any](t failer, ch chan<- T, v T, timeout time.Duration, msg string, args ...any) {
	t.Helper()
	select {
	case ch <- v:
	case <-time.After(timeout):
		t.Fatalf("timed out after %v while %s", timeout, fmt.Sprintf(msg, args...))
	}
}

// RequireClosed waits for ch to close (or deliver) within timeout or
// fails the test. Readiness channels signal by closing.
func RequireClosed(t failer, ch <-chan struct{}, timeout time.Duration, msg string, args ...any) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(timeout):
		t.Fatalf("timed out after %v while %s", timeout, fmt.Sprintf(msg, args...))
	}
}
