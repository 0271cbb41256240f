// Copyright 2026 The MarketLab Authors
// SPDX-License-Identifier: Apache-2.0

package chatingress

import "context"

// InboundEvent is a single chat message or button press delivered by
// a ChatTransport poll.
type InboundEvent struct {
	ChatID   string
	UserID   string
	Text     string
	Callback *CallbackData
}

// CallbackData is the decoded payload of an inline-keyboard button
// press, matching the {"action": ..., ...} shape the Python reference
// implementation's telegram_usecases.handle_callback expects.
type CallbackData struct {
	ID     string
	Action string
	Fields map[string]string
}

// ChatTransport abstracts the chat provider's long-poll API so the
// control-plane logic in this package (auth, rate limiting, PIN
// gating, command mapping) stays provider-agnostic. Grounded on the
// teacher's messaging.RoomWatcher long-poll-with-retry loop,
// generalized from Matrix /sync to a generic poll+offset transport
// closer to a Telegram-style getUpdates API.
type ChatTransport interface {
	// Poll blocks for up to the transport's configured long-poll
	// timeout and returns any new events plus an opaque offset to pass
	// on the next call.
	Poll(ctx context.Context, offset string) (events []InboundEvent, nextOffset string, err error)

	// Reply sends a plain-text message to chatID.
	Reply(ctx context.Context, chatID, text string) error

	// AnswerCallback acknowledges a button press with a small toast
	// message, required by most chat providers' callback APIs even
	// when there is nothing further to say.
	AnswerCallback(ctx context.Context, callbackID, toast string) error
}
