// Copyright 2026 The MarketLab Authors
// SPDX-License-Identifier: Apache-2.0

package worker_test

import (
	"context"
	"testing"
	"time"

	"github.com/blanqspace/marketlab/internal/bus"
	"github.com/blanqspace/marketlab/internal/worker"
	"github.com/blanqspace/marketlab/lib/testutil"
)

// TestRunForeverStopsOnContextCancellation drives the worker's main
// loop on a fake clock: it processes one enqueued command, falls idle
// and sleeps, then must observe ctx cancellation and return as soon as
// the sleep is released.
func TestRunForeverStopsOnContextCancellation(t *testing.T) {
	rig := newTestRig(t, worker.Config{})
	ctx, cancel := context.WithCancel(context.Background())

	if _, err := rig.bus.Enqueue(context.Background(), "state.pause", nil,
		bus.EnqueueOptions{Source: "cli", ActorID: "alice", RequestID: testutil.UniqueID("req")}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	done := make(chan struct{})
	var runErr error
	go func() {
		runErr = rig.worker.RunForever(ctx)
		close(done)
	}()

	// The loop drains the one pending command, then falls idle and
	// registers a 500ms sleep; wait for that registration before
	// cancelling so Advance has something to fire.
	rig.clock.WaitForTimers(1)
	cancel()
	rig.clock.Advance(500 * time.Millisecond)

	testutil.RequireClosed(t, done, 5*time.Second, "RunForever should return once ctx is cancelled")
	if runErr != context.Canceled {
		t.Errorf("RunForever error = %v, want context.Canceled", runErr)
	}

	mode, found, err := rig.bus.GetState(context.Background(), "worker.mode")
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if !found || mode != "paused" {
		t.Errorf("worker.mode = (%q, %t), want (paused, true); the enqueued command should have been processed before shutdown", mode, found)
	}
}
