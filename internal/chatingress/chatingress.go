// Copyright 2026 The MarketLab Authors
// SPDX-License-Identifier: Apache-2.0

// Package chatingress implements the chat-based control surface (C6):
// a long-poll adapter that authenticates chat users against an
// allowlist, rate-limits their commands, gates high-risk commands
// behind a PIN, and maps text commands and inline-keyboard callbacks
// onto bus.Enqueue calls. Grounded on the Python reference
// implementation's services/telegram_usecases.py for the command
// vocabulary and on the teacher's messaging.RoomWatcher for the
// long-poll-with-retry loop shape.
package chatingress

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/blanqspace/marketlab/internal/bus"
	"github.com/blanqspace/marketlab/internal/orders"
	"github.com/blanqspace/marketlab/internal/policy"
	"github.com/blanqspace/marketlab/internal/projection"
	"github.com/blanqspace/marketlab/lib/clock"
)

// pinSessionTTL is how long a successful PIN entry authorizes
// subsequent high-risk commands from the same user before it must be
// re-entered.
const pinSessionTTL = 10 * time.Minute

// Config carries the ingress daemon's tunables, mirroring the
// CHAT_* environment keys documented in SPEC_FULL.md section 7.
type Config struct {
	Transport       ChatTransport
	Bus             *bus.Store
	Orders          *orders.Index
	Projection      *projection.Reader
	Clock           clock.Clock
	Logger          *slog.Logger
	Allowlist       []string
	PIN             string
	RateLimitPerMin int
	LongPollSec     int
}

// Ingress is the running chat adapter: it owns the poll loop, per-user
// rate limiters, and PIN session state.
type Ingress struct {
	transport  ChatTransport
	bus        *bus.Store
	orders     *orders.Index
	projection *projection.Reader
	clock      clock.Clock
	logger     *slog.Logger

	allowlist  map[string]bool
	pin        string
	ratePerMin int

	mu          sync.Mutex
	limiters    map[string]*rate.Limiter
	pinSessions map[string]time.Time
}

// New builds an Ingress from cfg. An empty Allowlist means no chat
// user is authorized -- callers must configure CHAT_ALLOWLIST to
// enable ingress traffic.
func New(cfg Config) *Ingress {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.RateLimitPerMin <= 0 {
		cfg.RateLimitPerMin = 20
	}
	allow := make(map[string]bool, len(cfg.Allowlist))
	for _, id := range cfg.Allowlist {
		allow[id] = true
	}
	return &Ingress{
		transport:   cfg.Transport,
		bus:         cfg.Bus,
		orders:      cfg.Orders,
		projection:  cfg.Projection,
		clock:       cfg.Clock,
		logger:      cfg.Logger,
		allowlist:   allow,
		pin:         cfg.PIN,
		ratePerMin:  cfg.RateLimitPerMin,
		limiters:    make(map[string]*rate.Limiter),
		pinSessions: make(map[string]time.Time),
	}
}

// Run drives the long-poll loop until ctx is canceled, dispatching
// each inbound event to handleEvent. A single event's error never
// aborts the loop -- it is logged and the next poll proceeds, matching
// the teacher's RoomWatcher pattern of isolating per-event failures
// from the outer poll loop.
func (in *Ingress) Run(ctx context.Context) error {
	offset := ""
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		events, next, err := in.transport.Poll(ctx, offset)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			in.logger.Error("poll failed", "error", err)
			continue
		}
		offset = next

		for _, ev := range events {
			if err := in.handleEvent(ctx, ev); err != nil {
				in.logger.Warn("event handling failed", "chat_id", ev.ChatID, "user_id", ev.UserID, "error", err)
			}
		}
	}
}

func (in *Ingress) handleEvent(ctx context.Context, ev InboundEvent) error {
	if !in.authorize(ev.UserID) {
		return in.reply(ctx, ev.ChatID, "not authorized")
	}
	if !in.allowRate(ev.UserID) {
		return in.reply(ctx, ev.ChatID, "rate limit exceeded, slow down")
	}

	if ev.Callback != nil {
		return in.handleCallback(ctx, ev)
	}
	return in.handleText(ctx, ev)
}

func (in *Ingress) authorize(userID string) bool {
	return in.allowlist[userID]
}

func (in *Ingress) allowRate(userID string) bool {
	in.mu.Lock()
	limiter, ok := in.limiters[userID]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(float64(in.ratePerMin)/60.0), in.ratePerMin)
		in.limiters[userID] = limiter
	}
	in.mu.Unlock()
	return limiter.Allow()
}

// requiresPIN reports whether cmd's risk tier gates on PIN entry --
// HIGH and CRITICAL commands, matching the two-man-rule surface that
// also requires multi-source approval.
func requiresPIN(cmd string) bool {
	risk := policy.Classify(cmd).Risk
	return risk == policy.RiskHigh || risk == policy.RiskCritical
}

func (in *Ingress) hasPINSession(userID string) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	expiry, ok := in.pinSessions[userID]
	if !ok {
		return false
	}
	if in.clock.Now().After(expiry) {
		delete(in.pinSessions, userID)
		return false
	}
	return true
}

func (in *Ingress) grantPINSession(userID string) {
	in.mu.Lock()
	in.pinSessions[userID] = in.clock.Now().Add(pinSessionTTL)
	in.mu.Unlock()
}

// checkPIN compares candidate against the configured PIN in constant
// time -- a plaintext value sourced from an environment variable does
// not warrant the teacher's mmap/mlock secret.Buffer machinery, but
// the comparison itself should still not leak timing.
func (in *Ingress) checkPIN(candidate string) bool {
	if in.pin == "" {
		return false
	}
	a := []byte(in.pin)
	b := []byte(candidate)
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}

func (in *Ingress) handleText(ctx context.Context, ev InboundEvent) error {
	text := strings.TrimSpace(ev.Text)
	if text == "" {
		return nil
	}
	fields := strings.Fields(text)
	command := strings.ToLower(fields[0])

	switch command {
	case "/status":
		return in.replyStatus(ctx, ev.ChatID)
	case "/pin":
		if len(fields) < 2 {
			return in.reply(ctx, ev.ChatID, "usage: /pin <code>")
		}
		if in.checkPIN(fields[1]) {
			in.grantPINSession(ev.UserID)
			return in.reply(ctx, ev.ChatID, "PIN accepted")
		}
		return in.reply(ctx, ev.ChatID, "PIN rejected")
	case "/pause":
		return in.enqueueChat(ctx, ev, "state.pause", nil)
	case "/resume":
		return in.enqueueChat(ctx, ev, "state.resume", nil)
	case "/stop":
		return in.enqueueChat(ctx, ev, "stop.now", nil)
	case "/paper":
		return in.enqueueChat(ctx, ev, "mode.switch", map[string]any{"target": "paper"})
	case "/live":
		return in.enqueueChat(ctx, ev, "mode.switch", map[string]any{"target": "live"})
	case "/confirm":
		if len(fields) < 2 {
			return in.reply(ctx, ev.ChatID, "usage: /confirm <token>")
		}
		return in.enqueueChat(ctx, ev, "orders.confirm", map[string]any{"token": fields[1]})
	case "/reject":
		if len(fields) < 2 {
			return in.reply(ctx, ev.ChatID, "usage: /reject <token>")
		}
		return in.enqueueChat(ctx, ev, "orders.reject", map[string]any{"token": fields[1]})
	default:
		return in.reply(ctx, ev.ChatID, "unrecognized command")
	}
}

// handleCallback maps an inline-keyboard press to a bus command,
// following the action vocabulary in the Python reference
// implementation's handle_callback: pause/resume/stop control the
// worker, confirm/reject/confirm_token/reject_token resolve order
// tickets, and mode_paper/mode_live drive mode.switch.
func (in *Ingress) handleCallback(ctx context.Context, ev InboundEvent) error {
	cb := ev.Callback
	defer func() {
		_ = in.transport.AnswerCallback(ctx, cb.ID, "")
	}()

	switch cb.Action {
	case "pause":
		return in.enqueueChat(ctx, ev, "state.pause", nil)
	case "resume":
		return in.enqueueChat(ctx, ev, "state.resume", nil)
	case "stop":
		return in.enqueueChat(ctx, ev, "stop.now", nil)
	case "confirm":
		return in.enqueueChat(ctx, ev, "orders.confirm", map[string]any{"id": cb.Fields["id"]})
	case "reject":
		return in.enqueueChat(ctx, ev, "orders.reject", map[string]any{"id": cb.Fields["id"]})
	case "confirm_token":
		return in.enqueueChat(ctx, ev, "orders.confirm", map[string]any{"token": cb.Fields["token"]})
	case "reject_token":
		return in.enqueueChat(ctx, ev, "orders.reject", map[string]any{"token": cb.Fields["token"]})
	case "mode_paper":
		return in.enqueueChat(ctx, ev, "mode.switch", map[string]any{"target": "paper"})
	case "mode_live":
		return in.enqueueChat(ctx, ev, "mode.switch", map[string]any{"target": "live"})
	default:
		return in.reply(ctx, ev.ChatID, "unrecognized action")
	}
}

// enqueueChat gates cmd on a PIN session when its policy risk requires
// one, then enqueues it under source "chat" with a stable request id
// so a duplicate button press or retried poll does not double-submit,
// matching enqueue_control in the Python reference implementation.
func (in *Ingress) enqueueChat(ctx context.Context, ev InboundEvent, cmd string, args map[string]any) error {
	if requiresPIN(cmd) && !in.hasPINSession(ev.UserID) {
		return in.reply(ctx, ev.ChatID, "send /pin <code> first to authorize this action")
	}

	pol := policy.Classify(cmd)
	ttl := bus.DefaultTTL
	if pol.ApprovalWindow+30*time.Second > ttl {
		ttl = pol.ApprovalWindow + 30*time.Second
	}

	requestID := bus.StableRequestID(cmd, args)
	if pol.ApprovalsRequired > 1 {
		requestID = requestID + ":" + ev.UserID
	}

	actor := "tg:" + ev.UserID
	cmdID, err := in.bus.Enqueue(ctx, cmd, args, bus.EnqueueOptions{
		Source:    "chat",
		ActorID:   actor,
		RiskLevel: pol.Risk,
		RequestID: requestID,
		TTL:       ttl,
	})
	if err != nil {
		return in.reply(ctx, ev.ChatID, "failed to enqueue: "+err.Error())
	}
	return in.reply(ctx, ev.ChatID, fmt.Sprintf("queued %s (%s)", cmd, cmdID))
}

func (in *Ingress) replyStatus(ctx context.Context, chatID string) error {
	snap, err := in.projection.Snapshot(ctx)
	if err != nil {
		return in.reply(ctx, chatID, "failed to read status: "+err.Error())
	}
	var b strings.Builder
	fmt.Fprintf(&b, "mode=%s trading_mode=%s breaker=%s\n", snap.Mode, snap.TradingMode, snap.BreakerState)
	fmt.Fprintf(&b, "heartbeat healthy=%t\n", snap.HeartbeatHealthy)
	fmt.Fprintf(&b, "pending approvals=%d\n", len(snap.PendingApprovals))
	for state, count := range snap.OrderCounts {
		fmt.Fprintf(&b, "orders[%s]=%d\n", state, count)
	}
	return in.reply(ctx, chatID, b.String())
}

func (in *Ingress) reply(ctx context.Context, chatID, text string) error {
	return in.transport.Reply(ctx, chatID, text)
}
