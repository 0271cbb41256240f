// Copyright 2026 The MarketLab Authors
// SPDX-License-Identifier: Apache-2.0

package orders_test

import (
	"testing"
	"time"

	"github.com/blanqspace/marketlab/internal/orders"
	"github.com/blanqspace/marketlab/lib/clock"
	"github.com/blanqspace/marketlab/lib/testutil"
)

func openTestIndex(t *testing.T, clk clock.Clock) *orders.Index {
	t.Helper()
	idx, err := orders.Open(testutil.StateDir(t), clk)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		if err := idx.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return idx
}

func TestPutAssignsUniqueToken(t *testing.T) {
	idx := openTestIndex(t, clock.Fake(time.Unix(0, 0)))

	a, err := idx.Put(orders.NewTicketArgs{Symbol: "EURUSD", Side: "BUY", Qty: 1, Type: "MARKET"})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	b, err := idx.Put(orders.NewTicketArgs{Symbol: "GBPUSD", Side: "SELL", Qty: 2, Type: "MARKET"})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if a.Token == "" || b.Token == "" {
		t.Fatalf("expected non-empty tokens, got %q and %q", a.Token, b.Token)
	}
	if a.Token == b.Token {
		t.Fatalf("tokens collided: both %q", a.Token)
	}
	if a.State != orders.StatePending {
		t.Errorf("State = %q, want PENDING", a.State)
	}
}

func TestSetStateTransitions(t *testing.T) {
	idx := openTestIndex(t, clock.Fake(time.Unix(0, 0)))
	ticket, err := idx.Put(orders.NewTicketArgs{Symbol: "EURUSD", Side: "BUY", Qty: 1, Type: "MARKET"})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	if err := idx.SetState(ticket.ID, orders.StateConfirmed); err != nil {
		t.Fatalf("SetState: %v", err)
	}

	got, ok := idx.Get(ticket.ID)
	if !ok {
		t.Fatalf("Get: ticket not found")
	}
	if got.State != orders.StateConfirmed {
		t.Errorf("State = %q, want CONFIRMED", got.State)
	}

	pending := idx.List(orders.StatePending)
	if len(pending) != 0 {
		t.Errorf("List(PENDING) = %d tickets, want 0 after confirm", len(pending))
	}
	confirmed := idx.List(orders.StateConfirmed)
	if len(confirmed) != 1 {
		t.Errorf("List(CONFIRMED) = %d tickets, want 1", len(confirmed))
	}
}

func TestSetStateUnknownTicketErrors(t *testing.T) {
	idx := openTestIndex(t, clock.Fake(time.Unix(0, 0)))
	if err := idx.SetState("ord_missing", orders.StateConfirmed); err == nil {
		t.Fatalf("SetState on an unknown ticket should error")
	}
}

func TestResolveByTokenCaseInsensitive(t *testing.T) {
	idx := openTestIndex(t, clock.Fake(time.Unix(0, 0)))
	ticket, err := idx.Put(orders.NewTicketArgs{Symbol: "EURUSD", Side: "BUY", Qty: 1, Type: "MARKET"})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	lower := ticket.Token
	for i, c := range lower {
		if c >= 'A' && c <= 'Z' {
			lower = lower[:i] + string(c+('a'-'A')) + lower[i+1:]
		}
	}

	got, ok := idx.Resolve(lower)
	if !ok {
		t.Fatalf("Resolve(%q) not found", lower)
	}
	if got.ID != ticket.ID {
		t.Errorf("Resolve returned %q, want %q", got.ID, ticket.ID)
	}
}

func TestResolveLastReturnsMostRecent(t *testing.T) {
	idx := openTestIndex(t, clock.Fake(time.Unix(0, 0)))
	if _, err := idx.Put(orders.NewTicketArgs{Symbol: "EURUSD", Side: "BUY", Qty: 1, Type: "MARKET"}); err != nil {
		t.Fatalf("Put 1: %v", err)
	}
	second, err := idx.Put(orders.NewTicketArgs{Symbol: "GBPUSD", Side: "SELL", Qty: 1, Type: "MARKET"})
	if err != nil {
		t.Fatalf("Put 2: %v", err)
	}

	got, ok := idx.Resolve("last")
	if !ok {
		t.Fatalf("Resolve(last) not found")
	}
	if got.ID != second.ID {
		t.Errorf("Resolve(last) = %q, want %q", got.ID, second.ID)
	}

	gotDash, ok := idx.Resolve("-1")
	if !ok || gotDash.ID != second.ID {
		t.Errorf("Resolve(-1) = %+v, want the same most-recent ticket", gotDash)
	}
}

func TestResolveUnknownSelectorNotFound(t *testing.T) {
	idx := openTestIndex(t, clock.Fake(time.Unix(0, 0)))
	if _, ok := idx.Resolve("nonexistent"); ok {
		t.Fatalf("Resolve(nonexistent) should not be found")
	}
}

func TestReplayRebuildsIndexAcrossReopen(t *testing.T) {
	dir := testutil.StateDir(t)
	clk := clock.Fake(time.Unix(0, 0))

	idx, err := orders.Open(dir, clk)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ticket, err := idx.Put(orders.NewTicketArgs{Symbol: "EURUSD", Side: "BUY", Qty: 1, Type: "MARKET"})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := idx.SetState(ticket.ID, orders.StateConfirmed); err != nil {
		t.Fatalf("SetState: %v", err)
	}
	if err := idx.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := orders.Open(dir, clk)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	got, ok := reopened.Get(ticket.ID)
	if !ok {
		t.Fatalf("replayed index missing ticket %q", ticket.ID)
	}
	if got.State != orders.StateConfirmed {
		t.Errorf("State after replay = %q, want CONFIRMED", got.State)
	}
	if got.Token != ticket.Token {
		t.Errorf("Token after replay = %q, want %q", got.Token, ticket.Token)
	}
}
