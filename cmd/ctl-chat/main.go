// Copyright 2026 The MarketLab Authors
// SPDX-License-Identifier: Apache-2.0

// Command ctl-chat runs the chat ingress adapter (C6): it long-polls a
// chat provider, authenticates and rate-limits incoming users, gates
// high-risk commands behind a PIN, and enqueues commands onto the
// shared command bus database for ctl-worker to process.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/blanqspace/marketlab/internal/approval"
	"github.com/blanqspace/marketlab/internal/bus"
	"github.com/blanqspace/marketlab/internal/chatingress"
	"github.com/blanqspace/marketlab/internal/config"
	"github.com/blanqspace/marketlab/internal/orders"
	"github.com/blanqspace/marketlab/internal/projection"
	"github.com/blanqspace/marketlab/lib/clock"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "ctl-chat:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if !cfg.ChatEnabled {
		return fmt.Errorf("CHAT_ENABLED is not set; nothing to do")
	}
	logger := config.NewLogger("ctl-chat")
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

	reader := projection.New(store, ledger, orderIndex, 0)
	transport := chatingress.NewHTTPTransport(chatingress.DefaultAPIBaseURL, cfg.ChatAPIToken, cfg.ChatLongPollSec)

	ingress := chatingress.New(chatingress.Config{
		Transport:       transport,
		Bus:             store,
		Orders:          orderIndex,
		Projection:      reader,
		Clock:           clk,
		Logger:          logger,
		Allowlist:       cfg.ChatAllowlist,
		PIN:             cfg.ChatPIN,
		RateLimitPerMin: cfg.ChatRateLimitPerMin,
		LongPollSec:     cfg.ChatLongPollSec,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("chat ingress starting", "allowlist_size", len(cfg.ChatAllowlist))
	if err := ingress.Run(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("ingress loop: %w", err)
	}
	logger.Info("chat ingress stopped")
	return nil
}
