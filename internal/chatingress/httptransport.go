// Copyright 2026 The MarketLab Authors
// SPDX-License-Identifier: Apache-2.0

package chatingress

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// DefaultAPIBaseURL is the bot API origin used when the operator does
// not need to point at a self-hosted API proxy.
const DefaultAPIBaseURL = "https://api.telegram.org"

// maxPollRetries bounds the number of consecutive transient poll
// failures tolerated before giving up and surfacing the error to the
// caller, matching the teacher's RoomWatcher.maxSyncRetries.
const maxPollRetries = 5

// retryBackoff is the base backoff between consecutive poll retries;
// it doubles per attempt up to a few seconds.
const retryBackoff = 1 * time.Second

// httpTransport implements ChatTransport against a Telegram-like bot
// HTTP API: GET <base>/getUpdates?offset=&timeout= for long polling,
// POST <base>/sendMessage and <base>/answerCallbackQuery for replies.
// It is a thin, provider-shaped stub -- MarketLab's actual provider
// wiring (API base URL, auth scheme) is supplied by the caller via
// BaseURL and Token.
type httpTransport struct {
	client      *http.Client
	baseURL     string
	token       string
	longPollSec int
}

// NewHTTPTransport builds a ChatTransport over a Telegram-shaped bot
// HTTP API. longPollSec is sent as the provider's long-poll timeout
// parameter; the HTTP client's own timeout is set a little higher so
// the server-side timeout always wins.
func NewHTTPTransport(baseURL, token string, longPollSec int) ChatTransport {
	if longPollSec <= 0 {
		longPollSec = 25
	}
	return &httpTransport{
		client:      &http.Client{Timeout: time.Duration(longPollSec+10) * time.Second},
		baseURL:     strings.TrimRight(baseURL, "/"),
		token:       token,
		longPollSec: longPollSec,
	}
}

type rawUpdate struct {
	UpdateID int64 `json:"update_id"`
	Message  *struct {
		Chat struct {
			ID int64 `json:"id"`
		} `json:"chat"`
		From struct {
			ID int64 `json:"id"`
		} `json:"from"`
		Text string `json:"text"`
	} `json:"message"`
	CallbackQuery *struct {
		ID   string `json:"id"`
		From struct {
			ID int64 `json:"id"`
		} `json:"from"`
		Message struct {
			Chat struct {
				ID int64 `json:"id"`
			} `json:"chat"`
		} `json:"message"`
		Data string `json:"data"`
	} `json:"callback_query"`
}

// Poll issues one long-poll request, retrying transient network errors
// with bounded backoff before giving up -- the same shape as the
// teacher's RoomWatcher.WaitForEvent retry loop, adapted from a
// predicate-scanning sync loop to a single bounded getUpdates call.
func (t *httpTransport) Poll(ctx context.Context, offset string) ([]InboundEvent, string, error) {
	var lastErr error
	backoff := retryBackoff

	for attempt := 0; attempt < maxPollRetries; attempt++ {
		updates, err := t.pollOnce(ctx, offset)
		if err == nil {
			return decodeUpdates(updates)
		}
		if ctx.Err() != nil {
			return nil, offset, ctx.Err()
		}
		lastErr = err
		t.client.CloseIdleConnections()
		select {
		case <-ctx.Done():
			return nil, offset, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return nil, offset, fmt.Errorf("chatingress: poll failed after %d attempts: %w", maxPollRetries, lastErr)
}

func (t *httpTransport) pollOnce(ctx context.Context, offset string) ([]rawUpdate, error) {
	values := url.Values{}
	values.Set("timeout", strconv.Itoa(t.longPollSec))
	if offset != "" {
		values.Set("offset", offset)
	}
	endpoint := fmt.Sprintf("%s/bot%s/getUpdates?%s", t.baseURL, t.token, values.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("chatingress: getUpdates returned %d: %s", resp.StatusCode, string(body))
	}

	var payload struct {
		OK     bool        `json:"ok"`
		Result []rawUpdate `json:"result"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("chatingress: decoding getUpdates response: %w", err)
	}
	return payload.Result, nil
}

func decodeUpdates(updates []rawUpdate) ([]InboundEvent, string, error) {
	var events []InboundEvent
	nextOffset := ""
	for _, u := range updates {
		nextOffset = strconv.FormatInt(u.UpdateID+1, 10)
		switch {
		case u.Message != nil:
			events = append(events, InboundEvent{
				ChatID: strconv.FormatInt(u.Message.Chat.ID, 10),
				UserID: strconv.FormatInt(u.Message.From.ID, 10),
				Text:   u.Message.Text,
			})
		case u.CallbackQuery != nil:
			cb := decodeCallbackData(u.CallbackQuery.Data)
			cb.ID = u.CallbackQuery.ID
			events = append(events, InboundEvent{
				ChatID:   strconv.FormatInt(u.CallbackQuery.Message.Chat.ID, 10),
				UserID:   strconv.FormatInt(u.CallbackQuery.From.ID, 10),
				Callback: &cb,
			})
		}
	}
	return events, nextOffset, nil
}

// decodeCallbackData parses the {"action": "...", ...} JSON payload a
// button press carries, matching the shape the Python reference
// implementation's handle_callback expects.
func decodeCallbackData(raw string) CallbackData {
	var fields map[string]string
	_ = json.Unmarshal([]byte(raw), &fields)
	action := fields["action"]
	delete(fields, "action")
	return CallbackData{Action: action, Fields: fields}
}

func (t *httpTransport) Reply(ctx context.Context, chatID, text string) error {
	values := url.Values{}
	values.Set("chat_id", chatID)
	values.Set("text", text)
	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.token)
	return t.post(ctx, endpoint, values)
}

func (t *httpTransport) AnswerCallback(ctx context.Context, callbackID, toast string) error {
	values := url.Values{}
	values.Set("callback_query_id", callbackID)
	values.Set("text", toast)
	endpoint := fmt.Sprintf("%s/bot%s/answerCallbackQuery", t.baseURL, t.token)
	return t.post(ctx, endpoint, values)
}

func (t *httpTransport) post(ctx context.Context, endpoint string, values url.Values) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(values.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("chatingress: request to %s returned %d: %s", endpoint, resp.StatusCode, string(body))
	}
	return nil
}
