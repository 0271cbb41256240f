// Copyright 2026 The MarketLab Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"

	"github.com/blanqspace/marketlab/internal/bus"
	"github.com/blanqspace/marketlab/internal/cli"
)

func stopNowCommand() *cli.Command {
	return &cli.Command{
		Name:    "stop-now",
		Summary: "trip the kill switch",
		Description: "stop-now enqueues the stop.now command, which the worker treats as\n" +
			"CRITICAL risk: it pauses the worker, cancels every pending order\n" +
			"ticket, and forces the circuit breaker into the killswitch state\n" +
			"until an operator explicitly resumes it.",
		Usage: "ctl stop-now [flags]",
		Run: func(args []string) error {
			if len(args) != 0 {
				return fmt.Errorf("stop-now takes no arguments")
			}
			app, cleanup, err := openContext()
			if err != nil {
				return err
			}
			defer cleanup()

			cmdID, err := app.bus.Enqueue(context.Background(), "stop.now", nil, bus.EnqueueOptions{
				Source:  "cli",
				ActorID: "cli",
			})
			if err != nil {
				return fmt.Errorf("enqueue failed: %w", err)
			}
			fmt.Println(cmdID)
			return nil
		},
	}
}
