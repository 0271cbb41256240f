// Copyright 2026 The MarketLab Authors
// SPDX-License-Identifier: Apache-2.0

// Package projection implements the read-only projection API (C7):
// a single Snapshot assembled from the bus's app_state and events,
// the approval ledger, and the order index, for dashboards and the
// "ctl health"/"ctl drain" commands. It never writes.
package projection

import (
	"context"
	"time"

	"github.com/blanqspace/marketlab/internal/approval"
	"github.com/blanqspace/marketlab/internal/bus"
	"github.com/blanqspace/marketlab/internal/orders"
)

// Snapshot is the full read-only view of control-plane state at a
// point in time.
type Snapshot struct {
	Mode             string
	TradingMode      string
	BreakerState     string
	HeartbeatAt      time.Time
	HeartbeatHealthy bool
	PendingApprovals []approval.Approval
	OrderCounts      map[string]int
	RecentEvents     []bus.Event
}

// Reader assembles Snapshots from the bus, approval ledger, and order
// index.
type Reader struct {
	bus       *bus.Store
	approvals *approval.Ledger
	orders    *orders.Index
	// heartbeatMaxAge bounds how stale the worker heartbeat can be
	// before HeartbeatHealthy flips false, matching the 10s health
	// rule in SPEC_FULL.md section 6.
	heartbeatMaxAge time.Duration
}

// New builds a Reader. heartbeatMaxAge defaults to 10s if zero.
func New(store *bus.Store, ledger *approval.Ledger, orderIndex *orders.Index, heartbeatMaxAge time.Duration) *Reader {
	if heartbeatMaxAge <= 0 {
		heartbeatMaxAge = 10 * time.Second
	}
	return &Reader{bus: store, approvals: ledger, orders: orderIndex, heartbeatMaxAge: heartbeatMaxAge}
}

// Snapshot assembles a full point-in-time view of the control plane.
func (r *Reader) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot

	mode, _, err := r.bus.GetState(ctx, "worker.mode")
	if err != nil {
		return Snapshot{}, err
	}
	snap.Mode = mode

	tradingMode, _, err := r.bus.GetState(ctx, "worker.trading_mode")
	if err != nil {
		return Snapshot{}, err
	}
	snap.TradingMode = tradingMode

	breakerState, _, err := r.bus.GetState(ctx, "worker.breaker_state")
	if err != nil {
		return Snapshot{}, err
	}
	snap.BreakerState = breakerState

	heartbeatRaw, found, err := r.bus.GetState(ctx, "worker.heartbeat_ts")
	if err != nil {
		return Snapshot{}, err
	}
	if found {
		if t, err := time.Parse(time.RFC3339, heartbeatRaw); err == nil {
			snap.HeartbeatAt = t
			snap.HeartbeatHealthy = time.Since(t) <= r.heartbeatMaxAge
		}
	}

	approvals, err := r.approvals.List(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	for _, a := range approvals {
		if a.Status == approval.StatusPending {
			snap.PendingApprovals = append(snap.PendingApprovals, a)
		}
	}

	snap.OrderCounts = make(map[string]int)
	for _, t := range r.orders.List("") {
		snap.OrderCounts[t.State]++
	}

	events, err := r.bus.TailEvents(ctx, 20)
	if err != nil {
		return Snapshot{}, err
	}
	snap.RecentEvents = events

	return snap, nil
}

// CommandTimeline returns the audit phase history for a single
// command, used by "ctl enqueue --wait" and per-command dashboard
// drill-downs.
func (r *Reader) CommandTimeline(ctx context.Context, cmdID string) ([]bus.AuditEntry, error) {
	return r.bus.CommandTimeline(ctx, cmdID)
}
