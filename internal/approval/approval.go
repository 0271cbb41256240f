// Copyright 2026 The MarketLab Authors
// SPDX-License-Identifier: Apache-2.0

// Package approval implements the dual-control / two-man-rule approval
// ledger (C2): tracking the set of distinct sources (and, under strict
// mode, additionally the set of distinct actors) that have asked for a
// given risk-gated action within its approval window, and deciding when
// that action is fulfilled, still pending, rejected as a duplicate
// source, or expired. A repeated source is always rejected as a
// duplicate, strict or not; strict mode only tightens what counts as
// fulfillment, requiring distinct actor_ids in addition to distinct
// sources.
//
// The ledger's state lives in the bus database's approvals table
// (internal/bus); this package owns only the decision logic, grounded
// on the Python reference implementation's Worker._enforce_policy.
package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/blanqspace/marketlab/lib/clock"
	"github.com/blanqspace/marketlab/lib/sqlitepool"
)

// Status values for an Approval row.
const (
	StatusPending           = "pending"
	StatusFulfilled         = "fulfilled"
	StatusRejectedDuplicate = "rejected_duplicate_source"
	StatusExpired           = "expired"
)

// Approval is a single dual-control ledger entry.
type Approval struct {
	ApprovalID      string
	Cmd             string
	Identity        string
	Required        int
	Sources         []string
	Actors          []string
	Status          string
	CreatedAt       time.Time
	ExpiresAt       time.Time
}

// Outcome is the result of offering a new source/actor toward an
// approval.
type Outcome struct {
	Approval  Approval
	Fulfilled bool
	// Duplicate is true when the offering source had already offered
	// toward this approval and strict distinct-source counting
	// rejects the repeat.
	Duplicate bool
}

// Ledger wraps the bus database's approvals table.
type Ledger struct {
	pool   *sqlitepool.Pool
	clock  clock.Clock
	strict bool
}

// New builds a Ledger over an already-open pool (shared with
// internal/bus.Store so approvals live in the same database file and
// transaction domain as commands). strict enables DUAL_CONTROL_STRICT
// semantics: fulfillment requires distinct actor_ids, not just
// distinct sources.
func New(pool *sqlitepool.Pool, clk clock.Clock, strict bool) *Ledger {
	if clk == nil {
		clk = clock.Real()
	}
	return &Ledger{pool: pool, clock: clk, strict: strict}
}

// Offer records one source/actor's request toward approving (cmd,
// identity), creating the ledger entry on first offer. It returns the
// resulting approval state and whether this offer fulfilled it.
//
// A second offer from the same source within the window is always
// rejected as a duplicate (a source cannot approve its own request
// twice to satisfy the two-man rule), whether or not strict mode is
// on. A fulfilled or expired approval is immutable; offering against
// one returns its terminal state unchanged.
func (l *Ledger) Offer(ctx context.Context, cmd, identity, source, actorID string, required int, window time.Duration) (Outcome, error) {
	var outcome Outcome
	err := l.withTx(ctx, func(conn *sqlite.Conn) error {
		now := l.clock.Now()
		approvalID := approvalID(cmd, identity)

		existing, ok, err := loadApproval(conn, approvalID)
		if err != nil {
			return err
		}

		if ok && existing.Status == StatusPending && !existing.ExpiresAt.After(now) {
			existing.Status = StatusExpired
			if err := saveApproval(conn, l.clock, existing); err != nil {
				return err
			}
			ok = false
		}

		if !ok {
			existing = Approval{
				ApprovalID: approvalID,
				Cmd:        cmd,
				Identity:   identity,
				Required:   required,
				Status:     StatusPending,
				CreatedAt:  now,
				ExpiresAt:  now.Add(window),
			}
		}

		if existing.Status != StatusPending {
			outcome = Outcome{Approval: existing}
			return nil
		}

		if containsString(existing.Sources, source) {
			existing.Status = StatusRejectedDuplicate
			if err := saveApproval(conn, l.clock, existing); err != nil {
				return err
			}
			outcome = Outcome{Approval: existing, Duplicate: true}
			return nil
		}

		existing.Sources = appendUnique(existing.Sources, source)
		if actorID != "" {
			existing.Actors = appendUnique(existing.Actors, actorID)
		}

		fulfilled := len(existing.Sources) >= existing.Required
		if l.strict {
			fulfilled = fulfilled && len(existing.Actors) >= existing.Required
		}
		if fulfilled {
			existing.Status = StatusFulfilled
		}

		if err := saveApproval(conn, l.clock, existing); err != nil {
			return err
		}
		outcome = Outcome{Approval: existing, Fulfilled: fulfilled}
		return nil
	})
	return outcome, err
}

// Get returns the current approval state for (cmd, identity), if any.
func (l *Ledger) Get(ctx context.Context, cmd, identity string) (Approval, bool, error) {
	var result Approval
	var found bool
	err := l.withTx(ctx, func(conn *sqlite.Conn) error {
		a, ok, err := loadApproval(conn, approvalID(cmd, identity))
		result, found = a, ok
		return err
	})
	return result, found, err
}

// Delete removes an approval entry outright, used after an
// orders.confirm_all bulk fulfillment has been fully applied.
func (l *Ledger) Delete(ctx context.Context, cmd, identity string) error {
	return l.withTx(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `DELETE FROM approvals WHERE approval_id = ?`,
			&sqlitex.ExecOptions{Args: []any{approvalID(cmd, identity)}})
	})
}

// List returns every approval row, used by the projection API.
func (l *Ledger) List(ctx context.Context) ([]Approval, error) {
	var out []Approval
	err := l.withTx(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `
			SELECT approval_id, cmd, cmd_args_identity, required, sources, actors,
			       status, created_at, expires_at
			FROM approvals ORDER BY created_at ASC`,
			&sqlitex.ExecOptions{
				ResultFunc: func(stmt *sqlite.Stmt) error {
					out = append(out, scanApproval(stmt))
					return nil
				},
			})
	})
	return out, err
}

// PruneExpired transitions every pending approval whose window has
// passed to expired. Called opportunistically by Offer and
// periodically by the worker loop (every 5s, matching the Python
// reference's throttle).
func (l *Ledger) PruneExpired(ctx context.Context) (int, error) {
	var count int
	err := l.withTx(ctx, func(conn *sqlite.Conn) error {
		now := l.clock.Now()
		var stale []Approval
		err := sqlitex.Execute(conn, `
			SELECT approval_id, cmd, cmd_args_identity, required, sources, actors,
			       status, created_at, expires_at
			FROM approvals WHERE status = 'pending' AND expires_at <= ?`,
			&sqlitex.ExecOptions{
				Args: []any{now.Unix()},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					stale = append(stale, scanApproval(stmt))
					return nil
				},
			})
		if err != nil {
			return err
		}
		for _, a := range stale {
			a.Status = StatusExpired
			if err := saveApproval(conn, l.clock, a); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	return count, err
}

func approvalID(cmd, identity string) string {
	return cmd + "|" + identity
}

func loadApproval(conn *sqlite.Conn, approvalID string) (Approval, bool, error) {
	var result Approval
	var found bool
	err := sqlitex.Execute(conn, `
		SELECT approval_id, cmd, cmd_args_identity, required, sources, actors,
		       status, created_at, expires_at
		FROM approvals WHERE approval_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{approvalID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				result = scanApproval(stmt)
				found = true
				return nil
			},
		})
	if err != nil {
		return Approval{}, false, fmt.Errorf("approval: loading %s: %w", approvalID, err)
	}
	return result, found, nil
}

func scanApproval(stmt *sqlite.Stmt) Approval {
	var sources, actors []string
	_ = json.Unmarshal([]byte(stmt.ColumnText(4)), &sources)
	_ = json.Unmarshal([]byte(stmt.ColumnText(5)), &actors)
	return Approval{
		ApprovalID: stmt.ColumnText(0),
		Cmd:        stmt.ColumnText(1),
		Identity:   stmt.ColumnText(2),
		Required:   int(stmt.ColumnInt64(3)),
		Sources:    sources,
		Actors:     actors,
		Status:     stmt.ColumnText(6),
		CreatedAt:  time.Unix(stmt.ColumnInt64(7), 0).UTC(),
		ExpiresAt:  time.Unix(stmt.ColumnInt64(8), 0).UTC(),
	}
}

func saveApproval(conn *sqlite.Conn, clk clock.Clock, a Approval) error {
	sourcesJSON, _ := json.Marshal(a.Sources)
	actorsJSON, _ := json.Marshal(a.Actors)
	return sqlitex.Execute(conn, `
		INSERT INTO approvals
			(approval_id, cmd, cmd_args_identity, required, sources, actors, status, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(approval_id) DO UPDATE SET
			sources = excluded.sources, actors = excluded.actors,
			status = excluded.status, expires_at = excluded.expires_at`,
		&sqlitex.ExecOptions{Args: []any{
			a.ApprovalID, a.Cmd, a.Identity, a.Required, string(sourcesJSON), string(actorsJSON),
			a.Status, a.CreatedAt.Unix(), a.ExpiresAt.Unix(),
		}})
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func appendUnique(list []string, v string) []string {
	if v == "" || containsString(list, v) {
		return list
	}
	return append(list, v)
}

func (l *Ledger) withTx(ctx context.Context, fn func(conn *sqlite.Conn) error) (err error) {
	conn, err := l.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("approval: storage unavailable: %w", err)
	}
	defer l.pool.Put(conn)

	endTx, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("approval: storage unavailable: %w", err)
	}
	defer endTx(&err)
	return fn(conn)
}
