// Copyright 2026 The MarketLab Authors
// SPDX-License-Identifier: Apache-2.0

// Package worker implements the single-consumer command bus worker
// (C5): it dequeues commands, enforces dual-control policy via the
// approval ledger, dispatches to handlers, tracks handler failures
// behind a sliding-window circuit breaker, and owns the kill switch.
//
// The handler dispatch table and kill-switch semantics are grounded on
// the Python reference implementation's marketlab.daemon.worker.Worker;
// the breaker window defaults (threshold 5, window 60s) match it.
package worker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/blanqspace/marketlab/internal/approval"
	"github.com/blanqspace/marketlab/internal/bus"
	"github.com/blanqspace/marketlab/internal/orders"
	"github.com/blanqspace/marketlab/internal/policy"
	"github.com/blanqspace/marketlab/lib/clock"
	"github.com/blanqspace/marketlab/lib/watchdog"
)

// app_state keys.
const (
	stateMode        = "worker.mode"          // running | paused | stopped
	stateTradingMode = "worker.trading_mode"  // paper | live
	stateBreaker     = "worker.breaker_state" // ok | tripped | killswitch
	stateHeartbeatTS = "worker.heartbeat_ts"
)

const (
	modeRunning = "running"
	modePaused  = "paused"
	modeStopped = "stopped"

	breakerOK         = "ok"
	breakerTripped    = "tripped"
	breakerKillswitch = "killswitch"
)

// validTradingModes enumerates mode.switch's allowed targets. An
// unenumerated target is rejected with policy.denied rather than
// applied blindly -- tightened from the Python reference, which sets
// the mode unconditionally (see SPEC_FULL.md section 4.5).
var validTradingModes = map[string]bool{"paper": true, "live": true}

// Config configures a Worker.
type Config struct {
	Clock             clock.Clock
	Logger            *slog.Logger
	BreakerThreshold  int
	BreakerWindow     time.Duration
	DualControlStrict bool
	HeartbeatPath     string
	ApprovalSweep     time.Duration
	// RelaxedChatConfirm enables the single-channel relaxed rule: a
	// lone chat-source offer toward orders.confirm advances a PENDING
	// ticket to CONFIRMED_TG instead of leaving it PENDING, before the
	// second distinct-source approval still required to reach
	// CONFIRMED. Off by default, matching the Python reference, which
	// declares CONFIRMED_TG in its order-state enum but never assigns
	// it.
	RelaxedChatConfirm bool
}

// Worker is the single command bus consumer.
type Worker struct {
	bus       *bus.Store
	approvals *approval.Ledger
	orders    *orders.Index
	clock     clock.Clock
	logger    *slog.Logger
	breaker   *breaker

	heartbeatPath      string
	approvalSweep      time.Duration
	lastSweep          time.Time
	relaxedChatConfirm bool
}

// New builds a Worker over an already-open bus store, approval ledger,
// and order index.
func New(store *bus.Store, ledger *approval.Ledger, orderIndex *orders.Index, cfg Config) *Worker {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	threshold := cfg.BreakerThreshold
	if threshold <= 0 {
		threshold = 5
	}
	window := cfg.BreakerWindow
	if window <= 0 {
		window = 60 * time.Second
	}
	sweep := cfg.ApprovalSweep
	if sweep <= 0 {
		sweep = 5 * time.Second
	}

	return &Worker{
		bus:                store,
		approvals:          ledger,
		orders:             orderIndex,
		clock:              clk,
		logger:             logger,
		breaker:            newBreaker(clk, threshold, window),
		heartbeatPath:      cfg.HeartbeatPath,
		approvalSweep:      sweep,
		relaxedChatConfirm: cfg.RelaxedChatConfirm,
	}
}

// RunForever loops ProcessOne until ctx is cancelled, sleeping briefly
// between idle polls.
func (w *Worker) RunForever(ctx context.Context) error {
	w.logger.Info("worker starting")
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("worker stopped")
			return ctx.Err()
		default:
		}

		w.tick(ctx)

		handled, err := w.ProcessOne(ctx)
		if err != nil {
			w.logger.Error("worker loop error", "error", err)
		}
		if !handled {
			w.clock.Sleep(500 * time.Millisecond)
		}
	}
}

// tick performs idle-or-busy per-iteration housekeeping: heartbeat and
// the throttled approval sweep.
func (w *Worker) tick(ctx context.Context) {
	mode, _, _ := w.bus.GetState(ctx, stateTradingMode)
	if w.heartbeatPath != "" {
		_ = watchdog.Write(w.heartbeatPath, watchdog.State{
			Component: "worker",
			PID:       pid(),
			Mode:      mode,
			Timestamp: w.clock.Now(),
		})
	}
	_ = w.bus.SetState(ctx, stateHeartbeatTS, w.clock.Now().Format(time.RFC3339))

	if w.clock.Now().Sub(w.lastSweep) >= w.approvalSweep {
		w.lastSweep = w.clock.Now()
		if n, err := w.approvals.PruneExpired(ctx); err == nil && n > 0 {
			_ = w.bus.Emit(ctx, "warn", "approval.expired", map[string]any{"count": n})
		}
	}
}

// ProcessOne dequeues and handles at most one command. It returns
// handled=false when the queue was empty.
//
// While the breaker is tripped, no command is dequeued except
// state.resume -- handler execution halts entirely until an operator
// resumes, matching the worker's "no further handler execution until
// state.resume" contract. Everything else is left untouched as NEW.
func (w *Worker) ProcessOne(ctx context.Context) (handled bool, err error) {
	if w.breaker.Tripped() {
		next, err := w.bus.PeekNextCmd(ctx)
		if err != nil {
			return false, err
		}
		if next == nil || next.Cmd != "state.resume" {
			return false, nil
		}
	}

	cmd, err := w.bus.NextNew(ctx)
	if err != nil {
		return false, err
	}
	if cmd == nil {
		return false, nil
	}

	handlerErr := w.execute(ctx, cmd)
	if handlerErr != nil {
		if err := w.bus.MarkError(ctx, cmd.CmdID, handlerErr.Error()); err != nil {
			return true, err
		}
		w.recordFailure(ctx, cmd, handlerErr)
		return true, nil
	}

	if err := w.bus.MarkDone(ctx, cmd.CmdID); err != nil {
		return true, err
	}
	return true, nil
}

// execute recovers from handler panics, translating them into the
// handler.unexpected error kind and counting them toward the breaker
// exactly like a returned error -- the only place a panic is allowed
// to cross a package boundary in this codebase (see SPEC_FULL.md
// section 9 on exceptions-as-result-variants).
func (w *Worker) execute(ctx context.Context, cmd *bus.Command) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", bus.ErrHandlerUnexpected, r)
		}
	}()
	return w.dispatch(ctx, cmd)
}

func (w *Worker) recordFailure(ctx context.Context, cmd *bus.Command, handlerErr error) {
	w.logger.Error("handler failed", "cmd", cmd.Cmd, "cmd_id", cmd.CmdID, "error", handlerErr)
	if w.breaker.recordFailure() {
		_ = w.bus.SetState(ctx, stateBreaker, breakerTripped)
		_ = w.bus.Emit(ctx, "error", "breaker.tripped", map[string]any{
			"threshold": w.breaker.threshold, "window_sec": int(w.breaker.window.Seconds()),
		})
		w.logger.Error("circuit breaker tripped")
	}
}

func (w *Worker) dispatch(ctx context.Context, cmd *bus.Command) error {
	switch cmd.Cmd {
	case "state.pause":
		return w.handlePause(ctx, cmd)
	case "state.stop":
		return w.handleStop(ctx, cmd)
	case "state.resume":
		return w.handleResume(ctx, cmd)
	case "stop.now":
		return w.handleStopNow(ctx, cmd)
	case "orders.confirm":
		return w.handleOrdersConfirm(ctx, cmd, orders.StateConfirmed, "orders.confirm")
	case "orders.reject":
		return w.handleOrdersConfirm(ctx, cmd, orders.StateRejected, "orders.reject")
	case "orders.cancel":
		return w.handleOrdersConfirm(ctx, cmd, orders.StateCanceled, "orders.cancel")
	case "orders.confirm_all":
		return w.handleOrdersConfirmAll(ctx, cmd)
	case "live.cancel":
		return w.handleLiveCancel(ctx, cmd)
	case "mode.switch":
		return w.handleModeSwitch(ctx, cmd)
	default:
		w.logger.Warn("unrecognized command, marking done without action", "cmd", cmd.Cmd)
		return nil
	}
}

func (w *Worker) handlePause(ctx context.Context, cmd *bus.Command) error {
	if err := w.bus.SetState(ctx, stateMode, modePaused); err != nil {
		return err
	}
	return w.bus.Emit(ctx, "info", "state.changed", map[string]any{"by": cmd.Source, "state": "PAUSED"})
}

// handleStop sets the non-reversible STOPPED state, distinct from a
// pause: it is cleared only by an explicit state.resume, never by
// itself, and never re-derived from any other transition.
func (w *Worker) handleStop(ctx context.Context, cmd *bus.Command) error {
	if err := w.bus.SetState(ctx, stateMode, modeStopped); err != nil {
		return err
	}
	return w.bus.Emit(ctx, "info", "state.changed", map[string]any{"by": cmd.Source, "state": "STOPPED"})
}

// handleResume unconditionally applies the running state and resets
// the breaker, whether or not it was tripped -- matching the Python
// reference's state.resume, which calls _apply_resume_state then
// _reset_breaker with no gating.
func (w *Worker) handleResume(ctx context.Context, cmd *bus.Command) error {
	wasTripped := w.breaker.Tripped()
	if err := w.bus.SetState(ctx, stateMode, modeRunning); err != nil {
		return err
	}
	if err := w.bus.Emit(ctx, "info", "state.changed", map[string]any{"by": cmd.Source, "state": "RUN"}); err != nil {
		return err
	}

	w.breaker.Reset()
	if err := w.bus.SetState(ctx, stateBreaker, breakerOK); err != nil {
		return err
	}
	if wasTripped {
		return w.bus.Emit(ctx, "info", "breaker.reset", map[string]any{"by": cmd.Source})
	}
	return nil
}

// handleStopNow implements the kill switch: pause, cancel every
// pending order ticket, and flip the breaker to killswitch so resume
// requires an explicit breaker reset by an operator.
func (w *Worker) handleStopNow(ctx context.Context, cmd *bus.Command) error {
	if err := w.bus.SetState(ctx, stateMode, modePaused); err != nil {
		return err
	}
	canceled := 0
	for _, state := range []string{orders.StatePending, orders.StateConfirmedTG} {
		for _, t := range w.orders.List(state) {
			if err := w.orders.SetState(t.ID, orders.StateCanceled); err != nil {
				return err
			}
			canceled++
		}
	}
	if err := w.bus.SetState(ctx, stateBreaker, breakerKillswitch); err != nil {
		return err
	}
	w.breaker.tripped = true
	return w.bus.Emit(ctx, "error", "stop.now.ok", map[string]any{
		"by": cmd.Source, "orders_canceled": canceled,
	})
}

// handleModeSwitch validates and applies a trading-mode change.
func (w *Worker) handleModeSwitch(ctx context.Context, cmd *bus.Command) error {
	target, _ := cmd.Args["target"].(string)
	if !validTradingModes[target] {
		return fmt.Errorf("%w: mode.switch target %q is not a valid trading mode", bus.ErrPolicyDenied, target)
	}
	identity := policy.Target(cmd.Cmd, cmd.Args)
	approved, _, err := w.enforcePolicy(ctx, cmd, identity)
	if err != nil {
		return err
	}
	if !approved {
		return nil
	}
	if err := w.bus.SetState(ctx, stateTradingMode, target); err != nil {
		return err
	}
	return w.bus.Emit(ctx, "info", "mode.switched", map[string]any{"by": cmd.Source, "target": target})
}

// handleOrdersConfirm enforces dual control for a single-ticket order
// action (confirm/reject/cancel) and, once approved, resolves the
// ticket by its token/id/selector and applies the target terminal
// state.
func (w *Worker) handleOrdersConfirm(ctx context.Context, cmd *bus.Command, targetState, eventPrefix string) error {
	identity := policy.Target(cmd.Cmd, cmd.Args)
	if identity == cmd.Cmd {
		return fmt.Errorf("%w: %s requires a token, id, or selector argument", bus.ErrPolicyDenied, cmd.Cmd)
	}

	approved, outcome, err := w.enforcePolicy(ctx, cmd, identity)
	if err != nil {
		return err
	}
	if !approved {
		return w.maybeRelaxChatConfirm(ctx, cmd, identity, outcome)
	}

	ticket, ok := w.orders.Resolve(identity)
	if !ok {
		return fmt.Errorf("orders: no ticket matches selector %q", identity)
	}
	if err := w.orders.SetState(ticket.ID, targetState); err != nil {
		return err
	}
	return w.bus.Emit(ctx, "info", eventPrefix+".ok", map[string]any{
		"by": cmd.Source, "token": ticket.Token, "state": targetState,
	})
}

// maybeRelaxChatConfirm implements the single-channel relaxed rule: a
// lone chat-source offer toward orders.confirm advances a PENDING
// ticket straight to CONFIRMED_TG rather than leaving it invisible
// among ordinary PENDING tickets, without granting full approval --
// the second, distinct-source offer that follows still runs through
// the normal dual-control path in handleOrdersConfirm above and lands
// on CONFIRMED. A no-op unless RelaxedChatConfirm is enabled, the
// command is orders.confirm, the offering source is chat, and this was
// its first (still-pending) offer.
func (w *Worker) maybeRelaxChatConfirm(ctx context.Context, cmd *bus.Command, identity string, outcome approval.Outcome) error {
	if !w.relaxedChatConfirm || cmd.Cmd != "orders.confirm" || cmd.Source != "chat" {
		return nil
	}
	if outcome.Duplicate || outcome.Fulfilled || outcome.Approval.Status != approval.StatusPending {
		return nil
	}
	if len(outcome.Approval.Sources) != 1 {
		return nil
	}

	ticket, ok := w.orders.Resolve(identity)
	if !ok || ticket.State != orders.StatePending {
		return nil
	}
	if err := w.orders.SetState(ticket.ID, orders.StateConfirmedTG); err != nil {
		return err
	}
	return w.bus.Emit(ctx, "info", "orders.confirm.relaxed", map[string]any{
		"by": cmd.Source, "token": ticket.Token, "state": orders.StateConfirmedTG,
	})
}

// handleOrdersConfirmAll enforces dual control behind a single bulk
// sentinel identity and, once approved, confirms every PENDING ticket
// in one pass -- the resolution recorded in DESIGN.md for the
// confirm_all Open Question.
func (w *Worker) handleOrdersConfirmAll(ctx context.Context, cmd *bus.Command) error {
	const sentinel = "__all__"
	approved, _, err := w.enforcePolicy(ctx, cmd, sentinel)
	if err != nil {
		return err
	}
	if !approved {
		return nil
	}

	pending := w.orders.List(orders.StatePending)
	for _, t := range pending {
		if err := w.orders.SetState(t.ID, orders.StateConfirmed); err != nil {
			return err
		}
		if err := w.bus.Emit(ctx, "info", "orders.confirm.ok", map[string]any{
			"by": cmd.Source, "token": t.Token, "state": orders.StateConfirmed,
		}); err != nil {
			return err
		}
	}
	return nil
}

// handleLiveCancel enforces dual control behind a single bulk sentinel
// identity, like handleOrdersConfirmAll, and on approval cancels every
// ticket not already in a terminal state -- the emergency "cancel
// everything outstanding" counterpart to a single orders.cancel,
// grounded on spec.md's risk table placing live.cancel alongside the
// other orders.* bulk/single actions at the same HIGH tier.
func (w *Worker) handleLiveCancel(ctx context.Context, cmd *bus.Command) error {
	const sentinel = "__live__"
	approved, _, err := w.enforcePolicy(ctx, cmd, sentinel)
	if err != nil {
		return err
	}
	if !approved {
		return nil
	}

	canceled := 0
	for _, state := range []string{orders.StatePending, orders.StateConfirmedTG, orders.StateConfirmed} {
		for _, t := range w.orders.List(state) {
			if err := w.orders.SetState(t.ID, orders.StateCanceled); err != nil {
				return err
			}
			canceled++
		}
	}
	return w.bus.Emit(ctx, "info", "live.cancel.ok", map[string]any{
		"by": cmd.Source, "orders_canceled": canceled,
	})
}

// enforcePolicy offers the command's source/actor toward its dual
// control approval and emits the appropriate event for the outcome. It
// returns approved=true only on the offer that fulfills the approval,
// plus the raw ledger outcome so callers with additional per-outcome
// behavior (see maybeRelaxChatConfirm) don't need a second lookup.
func (w *Worker) enforcePolicy(ctx context.Context, cmd *bus.Command, identity string) (bool, approval.Outcome, error) {
	pol := policy.Classify(cmd.Cmd)
	window := pol.ApprovalWindow

	outcome, err := w.approvals.Offer(ctx, cmd.Cmd, identity, cmd.Source, cmd.ActorID, pol.ApprovalsRequired, window)
	if err != nil {
		return false, outcome, err
	}

	switch {
	case outcome.Duplicate:
		return false, outcome, w.bus.Emit(ctx, "warn", "approval.rejected_duplicate_source", map[string]any{
			"cmd": cmd.Cmd, "identity": identity, "source": cmd.Source,
		})
	case outcome.Approval.Status == approval.StatusExpired:
		return false, outcome, w.bus.Emit(ctx, "warn", "approval.expired", map[string]any{
			"cmd": cmd.Cmd, "identity": identity,
		})
	case outcome.Fulfilled:
		if err := w.bus.Emit(ctx, "info", "approval.fulfilled", map[string]any{
			"cmd": cmd.Cmd, "identity": identity, "sources": outcome.Approval.Sources,
		}); err != nil {
			return false, outcome, err
		}
		return true, outcome, nil
	default:
		return false, outcome, w.bus.Emit(ctx, "debug", "approval.pending", map[string]any{
			"cmd": cmd.Cmd, "identity": identity, "sources": outcome.Approval.Sources,
			"required": outcome.Approval.Required,
		})
	}
}

func pid() int { return os.Getpid() }
