// Copyright 2026 The MarketLab Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/pflag"

	"github.com/blanqspace/marketlab/internal/bus"
	"github.com/blanqspace/marketlab/internal/cli"
)

func enqueueCommand() *cli.Command {
	var (
		argsJSON  string
		actorID   string
		requestID string
		dedupeKey string
		ttlSec    int
		wait      int
	)

	return &cli.Command{
		Name:    "enqueue",
		Summary: "enqueue a command onto the bus",
		Description: "enqueue submits a command to the command bus for the worker to\n" +
			"pick up. Use --wait to block until the command reaches a\n" +
			"terminal state (done or error) and print its audit timeline.",
		Usage: "ctl enqueue <cmd> [flags]",
		Examples: []cli.Example{
			{Description: "pause the worker", Command: "ctl enqueue state.pause"},
			{Description: "confirm an order and wait for it to settle",
				Command: "ctl enqueue orders.confirm --args '{\"token\":\"AB12CD\"}' --wait 30"},
		},
		Flags: func() *pflag.FlagSet {
			fs := pflag.NewFlagSet("enqueue", pflag.ContinueOnError)
			fs.StringVar(&argsJSON, "args", "{}", "JSON object of command arguments")
			fs.StringVar(&actorID, "actor-id", "cli", "identity recorded as the approval source")
			fs.StringVar(&requestID, "request-id", "", "explicit idempotency key (defaults to a stable hash of cmd+args)")
			fs.StringVar(&dedupeKey, "dedupe-key", "", "optional additional dedupe key")
			fs.IntVar(&ttlSec, "ttl", 0, "command lifetime in seconds (defaults to the command's policy-derived TTL)")
			fs.IntVar(&wait, "wait", 0, "seconds to block for the command to reach a terminal state (0 = don't wait)")
			return fs
		},
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("enqueue requires exactly one command name")
			}
			cmdName := args[0]

			var cmdArgs map[string]any
			if err := json.Unmarshal([]byte(argsJSON), &cmdArgs); err != nil {
				return fmt.Errorf("parsing --args: %w", err)
			}

			app, cleanup, err := openContext()
			if err != nil {
				return err
			}
			defer cleanup()

			ctx := context.Background()
			opts := bus.EnqueueOptions{
				Source:    "cli",
				ActorID:   actorID,
				RequestID: requestID,
				DedupeKey: dedupeKey,
			}
			if ttlSec > 0 {
				opts.TTL = time.Duration(ttlSec) * time.Second
			}

			cmdID, err := app.bus.Enqueue(ctx, cmdName, cmdArgs, opts)
			if err != nil {
				return fmt.Errorf("enqueue failed: %w", err)
			}
			fmt.Println(cmdID)

			if wait <= 0 {
				return nil
			}
			return waitForTerminal(ctx, app, cmdID, time.Duration(wait)*time.Second)
		},
	}
}

// waitForTerminal polls the command's audit timeline until a "done" or
// "error" phase appears or the timeout elapses, printing the timeline
// either way.
func waitForTerminal(ctx context.Context, app *appContext, cmdID string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	var timeline []bus.AuditEntry
	settled := false

	for {
		var err error
		timeline, err = app.bus.CommandTimeline(ctx, cmdID)
		if err != nil {
			return fmt.Errorf("reading timeline: %w", err)
		}
		for _, entry := range timeline {
			if entry.Phase == "done" || entry.Phase == "error" || entry.Phase == "expired" {
				settled = true
			}
		}
		if settled || time.Now().After(deadline) {
			break
		}
		time.Sleep(500 * time.Millisecond)
	}

	for _, entry := range timeline {
		fmt.Printf("%s\t%s\t%s\n", entry.CreatedAt.Format(time.RFC3339), entry.Phase, entry.Detail)
	}
	if !settled {
		return fmt.Errorf("timed out after %s waiting for %s to settle", timeout, cmdID)
	}
	return nil
}
