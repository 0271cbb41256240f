// Copyright 2026 The MarketLab Authors
// SPDX-License-Identifier: Apache-2.0

package approval_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/blanqspace/marketlab/internal/approval"
	"github.com/blanqspace/marketlab/internal/bus"
	"github.com/blanqspace/marketlab/lib/clock"
)

// openTestLedger opens a bus store (for its schema and pool) and
// builds a Ledger over it, since approvals live in the bus database.
func openTestLedger(t *testing.T, clk clock.Clock, strict bool) *approval.Ledger {
	t.Helper()
	store, err := bus.Open(bus.Config{Path: filepath.Join(t.TempDir(), "bus.db"), Clock: clk})
	if err != nil {
		t.Fatalf("bus.Open: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return approval.New(store.Pool(), clk, strict)
}

func TestOfferSingleSourceFulfillsWhenRequiredIsOne(t *testing.T) {
	clk := clock.Fake(time.Unix(0, 0))
	ledger := openTestLedger(t, clk, false)

	outcome, err := ledger.Offer(context.Background(), "state.pause", "state.pause", "cli", "alice", 1, 30*time.Second)
	if err != nil {
		t.Fatalf("Offer: %v", err)
	}
	if !outcome.Fulfilled {
		t.Errorf("Fulfilled = false, want true")
	}
	if outcome.Approval.Status != approval.StatusFulfilled {
		t.Errorf("Status = %q, want fulfilled", outcome.Approval.Status)
	}
}

func TestOfferRequiresDistinctSources(t *testing.T) {
	clk := clock.Fake(time.Unix(0, 0))
	ledger := openTestLedger(t, clk, false)
	ctx := context.Background()

	first, err := ledger.Offer(ctx, "orders.confirm", "AB12CD", "cli", "alice", 2, 90*time.Second)
	if err != nil {
		t.Fatalf("Offer 1: %v", err)
	}
	if first.Fulfilled {
		t.Errorf("first offer should not fulfill a 2-source requirement")
	}

	second, err := ledger.Offer(ctx, "orders.confirm", "AB12CD", "slack", "bob", 2, 90*time.Second)
	if err != nil {
		t.Fatalf("Offer 2: %v", err)
	}
	if !second.Fulfilled {
		t.Errorf("second distinct-source offer should fulfill")
	}
}

func TestOfferRejectsDuplicateSource(t *testing.T) {
	clk := clock.Fake(time.Unix(0, 0))
	ledger := openTestLedger(t, clk, false)
	ctx := context.Background()

	if _, err := ledger.Offer(ctx, "orders.confirm", "AB12CD", "cli", "alice", 2, 90*time.Second); err != nil {
		t.Fatalf("Offer 1: %v", err)
	}
	dup, err := ledger.Offer(ctx, "orders.confirm", "AB12CD", "cli", "alice", 2, 90*time.Second)
	if err != nil {
		t.Fatalf("Offer 2: %v", err)
	}
	if !dup.Duplicate {
		t.Errorf("Duplicate = false, want true for a repeat source")
	}
	if dup.Approval.Status != approval.StatusRejectedDuplicate {
		t.Errorf("Status = %q, want rejected_duplicate_source", dup.Approval.Status)
	}
}

// TestStrictModeRejectsSameSourceEvenWithDistinctActor mirrors spec.md
// scenario S3: a repeat of the same source is rejected as a duplicate
// regardless of strict mode, even when a different actor_id is behind
// it. Strict mode only raises the bar for fulfillment (see
// TestStrictModeRequiresDistinctActorsToFulfill); it never relaxes the
// duplicate-source rule.
func TestStrictModeRejectsSameSourceEvenWithDistinctActor(t *testing.T) {
	clk := clock.Fake(time.Unix(0, 0))
	ledger := openTestLedger(t, clk, true)
	ctx := context.Background()

	if _, err := ledger.Offer(ctx, "orders.confirm", "AB12CD", "cli", "cli:1", 2, 90*time.Second); err != nil {
		t.Fatalf("Offer 1: %v", err)
	}
	second, err := ledger.Offer(ctx, "orders.confirm", "AB12CD", "cli", "cli:2", 2, 90*time.Second)
	if err != nil {
		t.Fatalf("Offer 2: %v", err)
	}
	if !second.Duplicate {
		t.Errorf("Duplicate = false, want true for a repeat source even with a different actor_id under strict mode")
	}
	if second.Approval.Status != approval.StatusRejectedDuplicate {
		t.Errorf("Status = %q, want rejected_duplicate_source", second.Approval.Status)
	}
}

// TestStrictModeRequiresDistinctActorsToFulfill confirms strict mode's
// actual effect: fulfillment requires distinct actor_ids in addition
// to distinct sources.
func TestStrictModeRequiresDistinctActorsToFulfill(t *testing.T) {
	clk := clock.Fake(time.Unix(0, 0))
	ledger := openTestLedger(t, clk, true)
	ctx := context.Background()

	if _, err := ledger.Offer(ctx, "orders.confirm", "AB12CD", "cli", "alice", 2, 90*time.Second); err != nil {
		t.Fatalf("Offer 1: %v", err)
	}
	second, err := ledger.Offer(ctx, "orders.confirm", "AB12CD", "slack", "bob", 2, 90*time.Second)
	if err != nil {
		t.Fatalf("Offer 2: %v", err)
	}
	if !second.Fulfilled {
		t.Errorf("two distinct sources with two distinct actors should fulfill a strict 2-required approval")
	}
}

func TestStrictModeRejectsSameSourceAndActor(t *testing.T) {
	clk := clock.Fake(time.Unix(0, 0))
	ledger := openTestLedger(t, clk, true)
	ctx := context.Background()

	if _, err := ledger.Offer(ctx, "orders.confirm", "AB12CD", "cli", "alice", 2, 90*time.Second); err != nil {
		t.Fatalf("Offer 1: %v", err)
	}
	dup, err := ledger.Offer(ctx, "orders.confirm", "AB12CD", "cli", "alice", 2, 90*time.Second)
	if err != nil {
		t.Fatalf("Offer 2: %v", err)
	}
	if !dup.Duplicate {
		t.Errorf("strict mode should still reject a repeat of source AND actor")
	}
}

func TestOfferExpiresAfterWindow(t *testing.T) {
	clk := clock.Fake(time.Unix(0, 0))
	ledger := openTestLedger(t, clk, false)
	ctx := context.Background()

	if _, err := ledger.Offer(ctx, "stop.now", "stop.now", "cli", "alice", 1, 5*time.Second); err != nil {
		t.Fatalf("Offer: %v", err)
	}

	clk.Advance(6 * time.Second)

	got, _, err := ledger.Get(ctx, "stop.now", "stop.now")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != approval.StatusPending {
		t.Fatalf("Get before re-offer should still read the stale pending row, got %q", got.Status)
	}

	count, err := ledger.PruneExpired(ctx)
	if err != nil {
		t.Fatalf("PruneExpired: %v", err)
	}
	if count != 1 {
		t.Errorf("PruneExpired count = %d, want 1", count)
	}

	got, _, err = ledger.Get(ctx, "stop.now", "stop.now")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != approval.StatusExpired {
		t.Errorf("Status = %q, want expired", got.Status)
	}
}

func TestOfferAfterExpiryStartsFreshApproval(t *testing.T) {
	clk := clock.Fake(time.Unix(0, 0))
	ledger := openTestLedger(t, clk, false)
	ctx := context.Background()

	if _, err := ledger.Offer(ctx, "stop.now", "stop.now", "cli", "alice", 1, 5*time.Second); err != nil {
		t.Fatalf("Offer 1: %v", err)
	}
	clk.Advance(10 * time.Second)

	outcome, err := ledger.Offer(ctx, "stop.now", "stop.now", "slack", "bob", 1, 5*time.Second)
	if err != nil {
		t.Fatalf("Offer 2: %v", err)
	}
	if !outcome.Fulfilled {
		t.Errorf("a fresh approval after expiry should fulfill on its first offer")
	}
}
