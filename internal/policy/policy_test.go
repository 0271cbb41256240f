// Copyright 2026 The MarketLab Authors
// SPDX-License-Identifier: Apache-2.0

package policy_test

import (
	"testing"
	"time"

	"github.com/blanqspace/marketlab/internal/policy"
)

func TestClassifyKnownCommands(t *testing.T) {
	cases := []struct {
		cmd      string
		risk     string
		required int
		window   time.Duration
	}{
		{"state.pause", policy.RiskLow, 1, 30 * time.Second},
		{"state.resume", policy.RiskLow, 1, 30 * time.Second},
		{"stop.now", policy.RiskCritical, 1, 5 * time.Second},
		{"orders.confirm", policy.RiskHigh, 2, 90 * time.Second},
		{"orders.reject", policy.RiskHigh, 2, 90 * time.Second},
		{"orders.cancel", policy.RiskHigh, 2, 90 * time.Second},
		{"orders.confirm_all", policy.RiskHigh, 2, 90 * time.Second},
		{"mode.switch", policy.RiskLow, 1, 30 * time.Second},
		{"live.cancel", policy.RiskHigh, 2, 90 * time.Second},
		{"portfolio.adjust", policy.RiskHigh, 2, 120 * time.Second},
	}

	for _, tc := range cases {
		got := policy.Classify(tc.cmd)
		if got.Risk != tc.risk || got.ApprovalsRequired != tc.required || got.ApprovalWindow != tc.window {
			t.Errorf("Classify(%q) = %+v, want risk=%s required=%d window=%s",
				tc.cmd, got, tc.risk, tc.required, tc.window)
		}
	}
}

func TestClassifyUnknownCommandFallsBackToDefault(t *testing.T) {
	got := policy.Classify("unknown.command")
	if got != policy.Default {
		t.Errorf("Classify(unknown) = %+v, want default %+v", got, policy.Default)
	}
}

func TestTargetOrdersCommandsPreferToken(t *testing.T) {
	target := policy.Target("orders.confirm", map[string]any{"token": "AB12CD", "id": "ord_1"})
	if target != "AB12CD" {
		t.Errorf("Target = %q, want token AB12CD", target)
	}
}

func TestTargetOrdersCommandsFallBackToID(t *testing.T) {
	target := policy.Target("orders.confirm", map[string]any{"id": "ord_1"})
	if target != "ord_1" {
		t.Errorf("Target = %q, want ord_1", target)
	}
}

func TestTargetOrdersCommandsFallBackToSelector(t *testing.T) {
	target := policy.Target("orders.confirm", map[string]any{"selector": "last"})
	if target != "last" {
		t.Errorf("Target = %q, want last", target)
	}
}

func TestTargetModeSwitchUsesTargetField(t *testing.T) {
	target := policy.Target("mode.switch", map[string]any{"target": "live"})
	if target != "live" {
		t.Errorf("Target = %q, want live", target)
	}
}

func TestTargetModeSwitchMissingTargetIsUnknown(t *testing.T) {
	target := policy.Target("mode.switch", map[string]any{})
	if target != "unknown" {
		t.Errorf("Target = %q, want unknown", target)
	}
}

func TestTargetGenericCommandFallsBackToCommandName(t *testing.T) {
	target := policy.Target("state.pause", nil)
	if target != "state.pause" {
		t.Errorf("Target = %q, want state.pause", target)
	}
}
