// Copyright 2026 The MarketLab Authors
// SPDX-License-Identifier: Apache-2.0

// Command ctl-worker runs the single-consumer command bus worker
// daemon (C5): it dequeues commands written by ctl and ctl-chat,
// enforces dual-control policy, dispatches to handlers, and maintains
// the circuit breaker and kill switch.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/blanqspace/marketlab/internal/approval"
	"github.com/blanqspace/marketlab/internal/bus"
	"github.com/blanqspace/marketlab/internal/config"
	"github.com/blanqspace/marketlab/internal/orders"
	"github.com/blanqspace/marketlab/internal/worker"
	"github.com/blanqspace/marketlab/lib/clock"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "ctl-worker:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := config.NewLogger("ctl-worker")
	clk := clock.Real()

	store, err := bus.Open(bus.Config{Path: cfg.BusDBPath, Clock: clk, Logger: logger})
	if err != nil {
		return fmt.Errorf("opening bus: %w", err)
	}
	defer store.Close()

	ledger := approval.New(store.Pool(), clk, cfg.DualControlStrict)

	orderIndex, err := orders.Open(cfg.StateDir, clk)
	if err != nil {
		return fmt.Errorf("opening order index: %w", err)
	}
	defer orderIndex.Close()

	w := worker.New(store, ledger, orderIndex, worker.Config{
		Clock:              clk,
		Logger:             logger,
		BreakerThreshold:   cfg.BreakerThreshold,
		BreakerWindow:      time.Duration(cfg.BreakerWindowSec) * time.Second,
		DualControlStrict:  cfg.DualControlStrict,
		RelaxedChatConfirm: cfg.RelaxedChatConfirm,
		HeartbeatPath:      filepath.Join(cfg.StateDir, "worker.heartbeat"),
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("worker starting", "bus_db", cfg.BusDBPath, "state_dir", cfg.StateDir)
	if err := w.RunForever(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("worker loop: %w", err)
	}
	logger.Info("worker stopped")
	return nil
}
