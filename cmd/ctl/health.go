// Copyright 2026 The MarketLab Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/blanqspace/marketlab/internal/cli"
	"github.com/blanqspace/marketlab/internal/projection"
)

func healthCommand() *cli.Command {
	var format string

	return &cli.Command{
		Name:        "health",
		Summary:     "print a point-in-time control-plane snapshot",
		Description: "health reports worker mode, trading mode, breaker state, heartbeat\nfreshness, pending approvals, and order counts by state.",
		Usage:       "ctl health [flags]",
		Flags: func() *pflag.FlagSet {
			fs := pflag.NewFlagSet("health", pflag.ContinueOnError)
			fs.StringVar(&format, "format", "text", "output format: text or yaml")
			return fs
		},
		Run: func(args []string) error {
			if len(args) != 0 {
				return fmt.Errorf("health takes no arguments")
			}
			app, cleanup, err := openContext()
			if err != nil {
				return err
			}
			defer cleanup()

			snap, err := app.projection.Snapshot(context.Background())
			if err != nil {
				return fmt.Errorf("reading snapshot: %w", err)
			}

			switch format {
			case "yaml":
				if err := printHealthYAML(snap); err != nil {
					return err
				}
			case "text", "":
				printHealthText(snap)
			default:
				return fmt.Errorf("unknown --format %q (want text or yaml)", format)
			}

			if !snap.HeartbeatHealthy {
				return &cli.ExitError{Code: 2}
			}
			return nil
		},
	}
}

func printHealthText(snap projection.Snapshot) {
	fmt.Printf("mode:           %s\n", snap.Mode)
	fmt.Printf("trading_mode:   %s\n", snap.TradingMode)
	fmt.Printf("breaker:        %s\n", snap.BreakerState)
	fmt.Printf("heartbeat_at:   %s\n", snap.HeartbeatAt.Format("2006-01-02T15:04:05Z07:00"))
	fmt.Printf("heartbeat_ok:   %t\n", snap.HeartbeatHealthy)
	fmt.Printf("pending_approvals: %d\n", len(snap.PendingApprovals))
	for _, a := range snap.PendingApprovals {
		fmt.Printf("  - %s %s (%d/%d sources)\n", a.Cmd, a.Identity, len(a.Sources), a.Required)
	}
	fmt.Println("orders:")
	for state, count := range snap.OrderCounts {
		fmt.Printf("  %s: %d\n", state, count)
	}
}

// healthYAMLDoc is a trimmed, yaml-tagged view of Snapshot -- dashboards
// that scrape "ctl health --format yaml" shouldn't need to know about
// the bus's internal event shape, so RecentEvents is left out.
type healthYAMLDoc struct {
	Mode             string         `yaml:"mode"`
	TradingMode      string         `yaml:"trading_mode"`
	Breaker          string         `yaml:"breaker"`
	HeartbeatOK      bool           `yaml:"heartbeat_ok"`
	PendingApprovals int            `yaml:"pending_approvals"`
	Orders           map[string]int `yaml:"orders"`
}

func printHealthYAML(snap projection.Snapshot) error {
	doc := healthYAMLDoc{
		Mode:             snap.Mode,
		TradingMode:      snap.TradingMode,
		Breaker:          snap.BreakerState,
		HeartbeatOK:      snap.HeartbeatHealthy,
		PendingApprovals: len(snap.PendingApprovals),
		Orders:           snap.OrderCounts,
	}
	out, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encoding yaml: %w", err)
	}
	fmt.Print(string(out))
	return nil
}
