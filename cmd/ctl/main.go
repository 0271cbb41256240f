// Copyright 2026 The MarketLab Authors
// SPDX-License-Identifier: Apache-2.0

// Command ctl is the operator-facing CLI facade (C8) over the command
// bus: it enqueues commands, tails the event log, reports health, and
// issues the kill switch, all by opening the same SQLite bus database
// the worker consumes.
package main

import (
	"fmt"
	"os"

	"github.com/blanqspace/marketlab/internal/cli"
)

func main() {
	root := &cli.Command{
		Name:    "ctl",
		Summary: "MarketLab control-plane CLI",
		Description: "ctl enqueues commands onto the MarketLab command bus and reports\n" +
			"on worker, order, and approval state without holding a lock on\n" +
			"the worker process.",
		Subcommands: []*cli.Command{
			enqueueCommand(),
			drainCommand(),
			stopNowCommand(),
			healthCommand(),
		},
	}

	if err := root.Execute(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "ctl:", err)
		if exitErr, ok := err.(*cli.ExitError); ok {
			os.Exit(exitErr.ExitCode())
		}
		os.Exit(1)
	}
}
