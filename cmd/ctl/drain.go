// Copyright 2026 The MarketLab Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/pflag"

	"github.com/blanqspace/marketlab/internal/cli"
)

func drainCommand() *cli.Command {
	var limit int

	return &cli.Command{
		Name:        "drain",
		Summary:     "print recent bus events",
		Description: "drain tails the command bus event log, newest first, for a quick\nlook at what the worker has been doing without a full dashboard.",
		Usage:       "ctl drain [flags]",
		Flags: func() *pflag.FlagSet {
			fs := pflag.NewFlagSet("drain", pflag.ContinueOnError)
			fs.IntVar(&limit, "limit", 50, "maximum number of events to print")
			return fs
		},
		Run: func(args []string) error {
			app, cleanup, err := openContext()
			if err != nil {
				return err
			}
			defer cleanup()

			events, err := app.bus.TailEvents(context.Background(), limit)
			if err != nil {
				return fmt.Errorf("reading events: %w", err)
			}
			for _, ev := range events {
				payload, _ := json.Marshal(ev.Payload)
				fmt.Printf("%s\t%s\t%s\t%s\n", ev.CreatedAt.Format("2006-01-02T15:04:05Z07:00"), ev.Level, ev.Kind, payload)
			}
			return nil
		},
	}
}
