// Copyright 2026 The MarketLab Authors
// SPDX-License-Identifier: Apache-2.0

package worker_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/blanqspace/marketlab/internal/approval"
	"github.com/blanqspace/marketlab/internal/bus"
	"github.com/blanqspace/marketlab/internal/orders"
	"github.com/blanqspace/marketlab/internal/worker"
	"github.com/blanqspace/marketlab/lib/clock"
	"github.com/blanqspace/marketlab/lib/testutil"
)

type testRig struct {
	bus    *bus.Store
	ledger *approval.Ledger
	orders *orders.Index
	worker *worker.Worker
	clock  *clock.FakeClock
}

func newTestRig(t *testing.T, cfg worker.Config) *testRig {
	t.Helper()
	clk := clock.Fake(time.Unix(0, 0))

	store, err := bus.Open(bus.Config{Path: filepath.Join(t.TempDir(), "bus.db"), Clock: clk})
	if err != nil {
		t.Fatalf("bus.Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	ledger := approval.New(store.Pool(), clk, cfg.DualControlStrict)

	orderIndex, err := orders.Open(t.TempDir(), clk)
	if err != nil {
		t.Fatalf("orders.Open: %v", err)
	}
	t.Cleanup(func() { _ = orderIndex.Close() })

	cfg.Clock = clk
	w := worker.New(store, ledger, orderIndex, cfg)

	return &testRig{bus: store, ledger: ledger, orders: orderIndex, worker: w, clock: clk}
}

func TestProcessOneFulfillsLowRiskCommandOnFirstOffer(t *testing.T) {
	rig := newTestRig(t, worker.Config{})
	ctx := context.Background()

	if _, err := rig.bus.Enqueue(ctx, "state.pause", nil, bus.EnqueueOptions{Source: "cli", ActorID: "alice"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	handled, err := rig.worker.ProcessOne(ctx)
	if err != nil {
		t.Fatalf("ProcessOne: %v", err)
	}
	if !handled {
		t.Fatalf("ProcessOne should have handled the enqueued command")
	}

	mode, found, err := rig.bus.GetState(ctx, "worker.mode")
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if !found || mode != "paused" {
		t.Errorf("worker.mode = (%q, %t), want (paused, true)", mode, found)
	}
}

func TestOrdersConfirmRequiresTwoDistinctSources(t *testing.T) {
	rig := newTestRig(t, worker.Config{})
	ctx := context.Background()

	ticket, err := rig.orders.Put(orders.NewTicketArgs{Symbol: "EURUSD", Side: "BUY", Qty: 1, Type: "MARKET"})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	if _, err := rig.bus.Enqueue(ctx, "orders.confirm", map[string]any{"token": ticket.Token},
		bus.EnqueueOptions{Source: "cli", ActorID: "alice", RequestID: "req_a"}); err != nil {
		t.Fatalf("Enqueue 1: %v", err)
	}
	if handled, err := rig.worker.ProcessOne(ctx); err != nil || !handled {
		t.Fatalf("ProcessOne 1: handled=%t err=%v", handled, err)
	}

	got, _ := rig.orders.Get(ticket.ID)
	if got.State != orders.StatePending {
		t.Fatalf("ticket should still be PENDING after one source, got %q", got.State)
	}

	if _, err := rig.bus.Enqueue(ctx, "orders.confirm", map[string]any{"token": ticket.Token},
		bus.EnqueueOptions{Source: "slack", ActorID: "bob", RequestID: "req_b"}); err != nil {
		t.Fatalf("Enqueue 2: %v", err)
	}
	if handled, err := rig.worker.ProcessOne(ctx); err != nil || !handled {
		t.Fatalf("ProcessOne 2: handled=%t err=%v", handled, err)
	}

	got, _ = rig.orders.Get(ticket.ID)
	if got.State != orders.StateConfirmed {
		t.Errorf("ticket State = %q, want CONFIRMED after the second distinct source", got.State)
	}
}

func TestConfirmAllConfirmsEveryPendingTicket(t *testing.T) {
	rig := newTestRig(t, worker.Config{})
	ctx := context.Background()

	a, err := rig.orders.Put(orders.NewTicketArgs{Symbol: "EURUSD", Side: "BUY", Qty: 1, Type: "MARKET"})
	if err != nil {
		t.Fatalf("Put a: %v", err)
	}
	b, err := rig.orders.Put(orders.NewTicketArgs{Symbol: "GBPUSD", Side: "SELL", Qty: 1, Type: "MARKET"})
	if err != nil {
		t.Fatalf("Put b: %v", err)
	}

	if _, err := rig.bus.Enqueue(ctx, "orders.confirm_all", nil,
		bus.EnqueueOptions{Source: "cli", ActorID: "alice", RequestID: "req_all_a"}); err != nil {
		t.Fatalf("Enqueue 1: %v", err)
	}
	if _, err := rig.worker.ProcessOne(ctx); err != nil {
		t.Fatalf("ProcessOne 1: %v", err)
	}
	if _, err := rig.bus.Enqueue(ctx, "orders.confirm_all", nil,
		bus.EnqueueOptions{Source: "slack", ActorID: "bob", RequestID: "req_all_b"}); err != nil {
		t.Fatalf("Enqueue 2: %v", err)
	}
	if _, err := rig.worker.ProcessOne(ctx); err != nil {
		t.Fatalf("ProcessOne 2: %v", err)
	}

	gotA, _ := rig.orders.Get(a.ID)
	gotB, _ := rig.orders.Get(b.ID)
	if gotA.State != orders.StateConfirmed || gotB.State != orders.StateConfirmed {
		t.Errorf("expected both tickets confirmed, got %q and %q", gotA.State, gotB.State)
	}
}

func TestStopNowCancelsPendingOrdersAndTripsBreaker(t *testing.T) {
	rig := newTestRig(t, worker.Config{})
	ctx := context.Background()

	ticket, err := rig.orders.Put(orders.NewTicketArgs{Symbol: "EURUSD", Side: "BUY", Qty: 1, Type: "MARKET"})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	if _, err := rig.bus.Enqueue(ctx, "stop.now", nil, bus.EnqueueOptions{Source: "cli", ActorID: "alice"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if handled, err := rig.worker.ProcessOne(ctx); err != nil || !handled {
		t.Fatalf("ProcessOne: handled=%t err=%v", handled, err)
	}

	got, _ := rig.orders.Get(ticket.ID)
	if got.State != orders.StateCanceled {
		t.Errorf("ticket State = %q, want CANCELED after stop.now", got.State)
	}

	breakerState, _, err := rig.bus.GetState(ctx, "worker.breaker_state")
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if breakerState != "killswitch" {
		t.Errorf("worker.breaker_state = %q, want killswitch", breakerState)
	}

	if _, err := rig.bus.Enqueue(ctx, "state.resume", nil, bus.EnqueueOptions{Source: "cli", ActorID: "alice"}); err != nil {
		t.Fatalf("Enqueue resume: %v", err)
	}
	if handled, err := rig.worker.ProcessOne(ctx); err != nil || !handled {
		t.Fatalf("ProcessOne resume: handled=%t err=%v", handled, err)
	}

	mode, _, err := rig.bus.GetState(ctx, "worker.mode")
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if mode != "running" {
		t.Errorf("worker.mode = %q, want running: state.resume unconditionally resets the breaker, even after a kill switch", mode)
	}

	breakerState, _, err = rig.bus.GetState(ctx, "worker.breaker_state")
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if breakerState != "ok" {
		t.Errorf("worker.breaker_state = %q, want ok after state.resume", breakerState)
	}
}

// TestBreakerTrippedBlocksAllCommandsExceptResume covers spec scenario
// S6: once the breaker is tripped, no command is dequeued except
// state.resume -- a later command must stay NEW, untouched, until an
// operator resumes.
func TestBreakerTrippedBlocksAllCommandsExceptResume(t *testing.T) {
	rig := newTestRig(t, worker.Config{BreakerThreshold: 1, BreakerWindow: 60 * time.Second})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := rig.bus.Enqueue(ctx, "mode.switch", map[string]any{"target": "turbo"},
			bus.EnqueueOptions{Source: "cli", ActorID: "alice", RequestID: testutil.UniqueID("req_fail")}); err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
		if _, err := rig.worker.ProcessOne(ctx); err != nil {
			t.Fatalf("ProcessOne %d: %v", i, err)
		}
	}

	breakerState, _, err := rig.bus.GetState(ctx, "worker.breaker_state")
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if breakerState != "tripped" {
		t.Fatalf("worker.breaker_state = %q, want tripped", breakerState)
	}

	stuckID, err := rig.bus.Enqueue(ctx, "state.pause", nil, bus.EnqueueOptions{Source: "cli", ActorID: "alice"})
	if err != nil {
		t.Fatalf("Enqueue state.pause: %v", err)
	}
	handled, err := rig.worker.ProcessOne(ctx)
	if err != nil {
		t.Fatalf("ProcessOne (should stay idle while tripped): %v", err)
	}
	if handled {
		t.Fatalf("ProcessOne should not dequeue any command but state.resume while the breaker is tripped")
	}
	timeline, err := rig.bus.CommandTimeline(ctx, stuckID)
	if err != nil {
		t.Fatalf("CommandTimeline: %v", err)
	}
	if len(timeline) != 1 || timeline[0].Phase != "enqueue" {
		t.Errorf("timeline = %+v, want only the enqueue phase (never dispatched)", timeline)
	}

	if _, err := rig.bus.Enqueue(ctx, "state.resume", nil, bus.EnqueueOptions{Source: "cli", ActorID: "alice"}); err != nil {
		t.Fatalf("Enqueue state.resume: %v", err)
	}
	if handled, err := rig.worker.ProcessOne(ctx); err != nil || !handled {
		t.Fatalf("ProcessOne resume: handled=%t err=%v", handled, err)
	}
	breakerState, _, err = rig.bus.GetState(ctx, "worker.breaker_state")
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if breakerState != "ok" {
		t.Errorf("worker.breaker_state = %q, want ok after resume", breakerState)
	}

	if handled, err := rig.worker.ProcessOne(ctx); err != nil || !handled {
		t.Fatalf("ProcessOne (stuck pause should now run): handled=%t err=%v", handled, err)
	}
	mode, _, err := rig.bus.GetState(ctx, "worker.mode")
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if mode != "paused" {
		t.Errorf("worker.mode = %q, want paused once the previously stuck command finally runs", mode)
	}
}

func TestModeSwitchRejectsUnknownTarget(t *testing.T) {
	rig := newTestRig(t, worker.Config{})
	ctx := context.Background()

	cmdID, err := rig.bus.Enqueue(ctx, "mode.switch", map[string]any{"target": "turbo"},
		bus.EnqueueOptions{Source: "cli", ActorID: "alice"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := rig.worker.ProcessOne(ctx); err != nil {
		t.Fatalf("ProcessOne: %v", err)
	}

	timeline, err := rig.bus.CommandTimeline(ctx, cmdID)
	if err != nil {
		t.Fatalf("CommandTimeline: %v", err)
	}
	var sawError bool
	for _, entry := range timeline {
		if entry.Phase == "error" {
			sawError = true
		}
	}
	if !sawError {
		t.Errorf("mode.switch to an unenumerated target should mark the command ERROR, timeline=%+v", timeline)
	}
}

func TestModeSwitchAppliesKnownTarget(t *testing.T) {
	rig := newTestRig(t, worker.Config{})
	ctx := context.Background()

	if _, err := rig.bus.Enqueue(ctx, "mode.switch", map[string]any{"target": "paper"},
		bus.EnqueueOptions{Source: "cli", ActorID: "alice"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := rig.worker.ProcessOne(ctx); err != nil {
		t.Fatalf("ProcessOne: %v", err)
	}

	tradingMode, found, err := rig.bus.GetState(ctx, "worker.trading_mode")
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if !found || tradingMode != "paper" {
		t.Errorf("worker.trading_mode = (%q, %t), want (paper, true)", tradingMode, found)
	}
}

func TestBreakerTripsAfterThresholdFailures(t *testing.T) {
	rig := newTestRig(t, worker.Config{BreakerThreshold: 2, BreakerWindow: 60 * time.Second})
	ctx := context.Background()

	// mode.switch rejects an unenumerated target before any approval is
	// offered, so each enqueue deterministically fails the handler --
	// unlike orders.confirm, whose failure path depends on approval
	// state and would not reliably reproduce three failures in a row.
	for i := 0; i < 3; i++ {
		if _, err := rig.bus.Enqueue(ctx, "mode.switch", map[string]any{"target": "turbo"},
			bus.EnqueueOptions{Source: "cli", ActorID: "alice", RequestID: testutil.UniqueID("req_fail")}); err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
		if _, err := rig.worker.ProcessOne(ctx); err != nil {
			t.Fatalf("ProcessOne %d: %v", i, err)
		}
	}

	breakerState, found, err := rig.bus.GetState(ctx, "worker.breaker_state")
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if !found || breakerState != "tripped" {
		t.Errorf("worker.breaker_state = (%q, %t), want (tripped, true) after repeated handler failures", breakerState, found)
	}
}
