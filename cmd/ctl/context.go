// Copyright 2026 The MarketLab Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"

	"github.com/blanqspace/marketlab/internal/approval"
	"github.com/blanqspace/marketlab/internal/bus"
	"github.com/blanqspace/marketlab/internal/config"
	"github.com/blanqspace/marketlab/internal/orders"
	"github.com/blanqspace/marketlab/internal/projection"
	"github.com/blanqspace/marketlab/lib/clock"
)

// appContext bundles the handles every ctl subcommand needs, opened
// fresh per invocation since ctl is a short-lived process run once
// per operator action rather than a daemon.
type appContext struct {
	cfg        config.Config
	bus        *bus.Store
	approvals  *approval.Ledger
	orders     *orders.Index
	projection *projection.Reader
}

func openContext() (*appContext, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	clk := clock.Real()
	logger := config.NewLogger("ctl")

	store, err := bus.Open(bus.Config{Path: cfg.BusDBPath, Clock: clk, Logger: logger})
	if err != nil {
		return nil, nil, fmt.Errorf("opening bus: %w", err)
	}

	ledger := approval.New(store.Pool(), clk, cfg.DualControlStrict)

	orderIndex, err := orders.Open(cfg.StateDir, clk)
	if err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("opening order index: %w", err)
	}

	reader := projection.New(store, ledger, orderIndex, 0)

	app := &appContext{cfg: cfg, bus: store, approvals: ledger, orders: orderIndex, projection: reader}
	cleanup := func() {
		_ = orderIndex.Close()
		_ = store.Close()
	}
	return app, cleanup, nil
}
