// Copyright 2026 The MarketLab Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the control plane's environment-variable
// configuration surface and builds the shared structured logger.
//
// MarketLab's operators run the worker, chat ingress, and CLI as
// separate processes (systemd units or ad hoc), so configuration is
// carried entirely through the environment rather than a shared file --
// there is no host to hand a config path to at fork time. Every key is
// documented in SPEC_FULL.md section 6.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Config is the fully resolved configuration surface for all three
// MarketLab binaries. Fields unrelated to a given binary are simply
// left at their defaults.
type Config struct {
	// BusDBPath is the SQLite database file backing the command bus.
	BusDBPath string

	// StateDir holds the order event log and the worker heartbeat file.
	StateDir string

	// ApprovalWindowSec is the default dual-control approval window,
	// overridden per-command by the control policy table.
	ApprovalWindowSec int

	// BreakerThreshold is the number of handler failures within
	// BreakerWindowSec that trips the circuit breaker.
	BreakerThreshold int

	// BreakerWindowSec is the sliding window, in seconds, the breaker
	// counts failures over.
	BreakerWindowSec int

	// DualControlStrict requires distinct actor_ids (not just distinct
	// sources) to fulfill a dual-control approval.
	DualControlStrict bool

	// RelaxedChatConfirm enables the single-channel relaxed confirm
	// rule: a lone chat-source orders.confirm offer advances a ticket
	// to CONFIRMED_TG instead of leaving it PENDING.
	RelaxedChatConfirm bool

	// ChatEnabled toggles the chat ingress daemon's transport loop.
	ChatEnabled bool

	// ChatAPIToken authenticates the process to the chat provider's API.
	ChatAPIToken string

	// ChatControlChannel is the chat id/channel the ingress daemon
	// watches for control commands.
	ChatControlChannel string

	// ChatAllowlist is the set of chat user ids permitted to issue
	// control commands.
	ChatAllowlist []string

	// ChatPIN gates HIGH/CRITICAL risk commands from chat.
	ChatPIN string

	// ChatRateLimitPerMin bounds events accepted per user per minute.
	ChatRateLimitPerMin int

	// ChatLongPollSec is the server-side long-poll timeout requested
	// from the chat transport.
	ChatLongPollSec int
}

// defaults mirrors SPEC_FULL.md section 6's documented defaults.
func defaults() Config {
	return Config{
		BusDBPath:           "bus.db",
		StateDir:            "state",
		ApprovalWindowSec:   30,
		BreakerThreshold:    5,
		BreakerWindowSec:    60,
		DualControlStrict:   false,
		RelaxedChatConfirm:  false,
		ChatEnabled:         false,
		ChatRateLimitPerMin: 20,
		ChatLongPollSec:     25,
	}
}

// Load reads the documented environment keys and applies defaults for
// anything unset. It fails only when BusDBPath's parent directory
// cannot be created -- every other key has a safe default, matching
// the "single source, no silent fallback chain" stance the rest of
// the control plane follows for command arguments.
func Load() (Config, error) {
	cfg := defaults()

	if v := os.Getenv("BUS_DB_PATH"); v != "" {
		cfg.BusDBPath = v
	}
	if v := os.Getenv("STATE_DIR"); v != "" {
		cfg.StateDir = v
	}
	if v, err := intEnv("APPROVAL_WINDOW_SEC"); err != nil {
		return Config{}, err
	} else if v != nil {
		cfg.ApprovalWindowSec = *v
	}
	if v, err := intEnv("BREAKER_THRESHOLD"); err != nil {
		return Config{}, err
	} else if v != nil {
		cfg.BreakerThreshold = *v
	}
	if v, err := intEnv("BREAKER_WINDOW_SEC"); err != nil {
		return Config{}, err
	} else if v != nil {
		cfg.BreakerWindowSec = *v
	}
	if v, err := boolEnv("DUAL_CONTROL_STRICT"); err != nil {
		return Config{}, err
	} else if v != nil {
		cfg.DualControlStrict = *v
	}
	if v, err := boolEnv("ORDERS_RELAXED_CHAT_CONFIRM"); err != nil {
		return Config{}, err
	} else if v != nil {
		cfg.RelaxedChatConfirm = *v
	}
	if v, err := boolEnv("CHAT_ENABLED"); err != nil {
		return Config{}, err
	} else if v != nil {
		cfg.ChatEnabled = *v
	}
	if v := os.Getenv("CHAT_API_TOKEN"); v != "" {
		cfg.ChatAPIToken = v
	}
	if v := os.Getenv("CHAT_CONTROL_CHANNEL"); v != "" {
		cfg.ChatControlChannel = v
	}
	if v := os.Getenv("CHAT_ALLOWLIST"); v != "" {
		cfg.ChatAllowlist = splitAllowlist(v)
	}
	if v := os.Getenv("CHAT_PIN"); v != "" {
		cfg.ChatPIN = v
	}
	if v, err := intEnv("CHAT_RATE_LIMIT_PER_MIN"); err != nil {
		return Config{}, err
	} else if v != nil {
		cfg.ChatRateLimitPerMin = *v
	}
	if v, err := intEnv("CHAT_LONG_POLL_SEC"); err != nil {
		return Config{}, err
	} else if v != nil {
		cfg.ChatLongPollSec = *v
	}

	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		return Config{}, fmt.Errorf("config: creating state dir %s: %w", cfg.StateDir, err)
	}

	return cfg, nil
}

func intEnv(key string) (*int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return nil, fmt.Errorf("config: %s must be an integer, got %q", key, raw)
	}
	return &v, nil
}

func boolEnv(key string) (*bool, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return nil, fmt.Errorf("config: %s must be a boolean, got %q", key, raw)
	}
	return &v, nil
}

func splitAllowlist(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// NewLogger builds the process-wide structured logger: JSON records on
// stderr, tagged with the component name so multiplexed log
// aggregation (journald, a log shipper) can filter by process.
func NewLogger(component string) *slog.Logger {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	return slog.New(handler).With("component", component)
}
