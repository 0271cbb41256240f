// Copyright 2026 The MarketLab Authors
// SPDX-License-Identifier: Apache-2.0

// Package watchdog provides atomic heartbeat file operations for
// tracking worker liveness across process restarts.
//
// The worker daemon (internal/worker) calls [Write] on every loop
// tick, idle or busy, recording its PID and the tick timestamp. A
// separate process -- typically "ctl health" -- calls [Check] to
// determine whether the worker is alive: if the heartbeat file's
// timestamp is within the configured max age, the worker is considered
// healthy.
//
// The heartbeat file is written atomically (write to temporary file,
// fsync, rename into place, fsync parent directory) so readers never
// observe a partial or corrupt state.
//
// This package has no dependencies on other MarketLab packages.
package watchdog
