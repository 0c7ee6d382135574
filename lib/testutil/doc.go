// Copyright 2026 The Sonde Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared helpers for Sonde tests.
//
// [RequireReceive], [RequireSend], and [RequireClosed] wrap the
// select-with-timeout safety valve so individual tests never block
// forever on a channel. They are the one place in the test suite that
// uses real wall-clock timeouts; everything else runs on
// clock.FakeClock.
//
// [UniqueID] hands out monotonically increasing identifiers for tests
// that need distinguishable node or device names.
//
// All helpers call t.Fatalf on failure; test setup failures are not
// recoverable.
package testutil
