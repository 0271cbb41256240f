// Copyright 2026 The MarketLab Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for MarketLab packages.
//
// [RequireReceive], [RequireSend], and [RequireClosed] encapsulate the
// timeout safety valve pattern (select with time.After fallback) so
// that individual tests do not need direct time.After calls. These are
// the only place in the test suite where real wall-clock timeouts are
// used; everywhere else tests drive [clock.FakeClock] deterministically.
//
// [UniqueID] generates monotonically increasing identifiers for test
// disambiguation. Use it instead of time.Now() when tests need unique
// command ids or dedupe keys distinguishable within a single run.
//
// All helpers call t.Fatalf on failure rather than returning errors,
// since test setup failures are not recoverable.
package testutil
