// Copyright 2026 The MarketLab Authors
// SPDX-License-Identifier: Apache-2.0

// Package orders implements the in-process order-ticket registry (C3):
// an indexed map of OrderTicket keyed by id, with a secondary token
// index for O(1) lookups, durable across worker restarts via an
// append-only JSON-lines event log replayed at startup.
//
// The index's shape (primary map plus secondary maps for fast filtered
// lookup) is grounded on the teacher's lib/ticket package; the ticket
// lifecycle and short-token scheme are grounded on the Python reference
// implementation's marketlab.orders package.
package orders

import (
	"bufio"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/blanqspace/marketlab/lib/clock"
)

// Ticket states.
const (
	StatePending = "PENDING"
	// StateConfirmedTG is the single-channel relaxed confirm state: a
	// lone chat-source approval lands here instead of staying
	// PENDING, still one distinct-source approval short of
	// StateConfirmed.
	StateConfirmedTG = "CONFIRMED_TG"
	StateConfirmed   = "CONFIRMED"
	StateRejected    = "REJECTED"
	StateCanceled    = "CANCELED"
	StateExecuted    = "EXECUTED"
)

// Ticket is a single order ticket.
type Ticket struct {
	ID        string    `json:"id"`
	Token     string    `json:"token"`
	Symbol    string    `json:"symbol"`
	Side      string    `json:"side"` // BUY | SELL
	Qty       float64   `json:"qty"`
	Type      string    `json:"type"` // MARKET | LIMIT
	Limit     *float64  `json:"limit,omitempty"`
	SL        *float64  `json:"sl,omitempty"`
	TP        *float64  `json:"tp,omitempty"`
	State     string    `json:"state"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// event is a single append-only log record; kind is "put" or "state".
type event struct {
	Kind   string    `json:"kind"`
	Ticket *Ticket   `json:"ticket,omitempty"`
	ID     string    `json:"id,omitempty"`
	State  string    `json:"state,omitempty"`
	TS     time.Time `json:"ts"`
}

// tokenAlphabet excludes visually ambiguous characters (0/O, 1/I) so
// tokens read cleanly over chat or voice, matching the Python
// reference's _ALPHABET.
const tokenAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// Index is the in-memory order-ticket registry, durable via an
// append-only event log on disk.
type Index struct {
	mu      sync.RWMutex
	clock   clock.Clock
	logPath string
	logFile *os.File

	tickets map[string]*Ticket
	byToken map[string]string // upper(token) -> id
	byState map[string]map[string]struct{}
	order   []string // ids in creation order, for "last" resolution
}

// Open loads (and replays) the event log at <stateDir>/orders.log,
// rebuilding the in-memory index, and opens the log for append.
func Open(stateDir string, clk clock.Clock) (*Index, error) {
	if clk == nil {
		clk = clock.Real()
	}
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("orders: creating state dir: %w", err)
	}
	logPath := filepath.Join(stateDir, "orders.log")

	idx := &Index{
		clock:   clk,
		logPath: logPath,
		tickets: make(map[string]*Ticket),
		byToken: make(map[string]string),
		byState: make(map[string]map[string]struct{}),
	}

	if err := idx.replay(); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("orders: opening event log: %w", err)
	}
	idx.logFile = f
	return idx, nil
}

// Close closes the append-only log file.
func (idx *Index) Close() error {
	if idx.logFile == nil {
		return nil
	}
	return idx.logFile.Close()
}

func (idx *Index) replay() error {
	f, err := os.Open(idx.logPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("orders: opening event log for replay: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var e event
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue // tolerate a truncated final line from a prior crash
		}
		switch e.Kind {
		case "put":
			if e.Ticket != nil {
				idx.applyPut(*e.Ticket)
			}
		case "state":
			idx.applyState(e.ID, e.State)
		}
	}
	return scanner.Err()
}

func (idx *Index) applyPut(t Ticket) {
	clone := t
	idx.tickets[t.ID] = &clone
	if t.Token != "" {
		idx.byToken[upper(t.Token)] = t.ID
	}
	idx.indexState(t.ID, t.State)
	idx.order = append(idx.order, t.ID)
}

func (idx *Index) applyState(id, state string) {
	t, ok := idx.tickets[id]
	if !ok {
		return
	}
	idx.unindexState(id, t.State)
	t.State = state
	idx.indexState(id, state)
}

func (idx *Index) indexState(id, state string) {
	if idx.byState[state] == nil {
		idx.byState[state] = make(map[string]struct{})
	}
	idx.byState[state][id] = struct{}{}
}

func (idx *Index) unindexState(id, state string) {
	if set, ok := idx.byState[state]; ok {
		delete(set, id)
	}
}

func (idx *Index) appendEvent(e event) error {
	e.TS = idx.clock.Now()
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("orders: marshaling event: %w", err)
	}
	data = append(data, '\n')
	if _, err := idx.logFile.Write(data); err != nil {
		return fmt.Errorf("orders: writing event log: %w", err)
	}
	return idx.logFile.Sync()
}

// NewTicketArgs are the fields needed to create a ticket.
type NewTicketArgs struct {
	Symbol string
	Side   string
	Qty    float64
	Type   string
	Limit  *float64
	SL     *float64
	TP     *float64
	TTL    time.Duration
}

// Put creates a new ticket with a freshly assigned unique token and
// appends it to the event log.
func (idx *Index) Put(args NewTicketArgs) (Ticket, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	ttl := args.TTL
	if ttl <= 0 {
		ttl = 120 * time.Second
	}
	now := idx.clock.Now()
	ticket := Ticket{
		ID:        idx.newIDLocked(),
		Token:     idx.newUniqueTokenLocked(6),
		Symbol:    args.Symbol,
		Side:      args.Side,
		Qty:       args.Qty,
		Type:      args.Type,
		Limit:     args.Limit,
		SL:        args.SL,
		TP:        args.TP,
		State:     StatePending,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}

	if err := idx.appendEvent(event{Kind: "put", Ticket: &ticket}); err != nil {
		return Ticket{}, err
	}
	idx.applyPut(ticket)
	return ticket, nil
}

// SetState transitions a ticket to a new state and appends the
// transition to the event log.
func (idx *Index) SetState(id, state string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if _, ok := idx.tickets[id]; !ok {
		return fmt.Errorf("orders: unknown ticket %q", id)
	}
	if err := idx.appendEvent(event{Kind: "state", ID: id, State: state}); err != nil {
		return err
	}
	idx.applyState(id, state)
	return nil
}

// Get returns a copy of the ticket with the given id.
func (idx *Index) Get(id string) (Ticket, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	t, ok := idx.tickets[id]
	if !ok {
		return Ticket{}, false
	}
	return *t, true
}

// List returns every ticket in a given state, or every ticket if state
// is empty, in creation order.
func (idx *Index) List(state string) []Ticket {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	var out []Ticket
	for _, id := range idx.order {
		t := idx.tickets[id]
		if t == nil {
			continue
		}
		if state == "" || t.State == state {
			out = append(out, *t)
		}
	}
	return out
}

// Resolve resolves a selector to a ticket: a token (case-insensitive),
// a bare ticket id, or the literal "last"/"-1" meaning the most
// recently created ticket. Supplemented from the Python reference's
// orders.store.resolve_order, restricted here to the token/id/last
// forms the chat and CLI surfaces actually use.
func (idx *Index) Resolve(selector string) (Ticket, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if selector == "last" || selector == "-1" {
		if len(idx.order) == 0 {
			return Ticket{}, false
		}
		t := idx.tickets[idx.order[len(idx.order)-1]]
		return *t, true
	}

	if id, ok := idx.byToken[upper(selector)]; ok {
		return *idx.tickets[id], true
	}

	if t, ok := idx.tickets[selector]; ok {
		return *t, true
	}

	return Ticket{}, false
}

// newUniqueTokenLocked generates a token not already present in
// byToken, growing the length after repeated collisions. Must be
// called with idx.mu held.
func (idx *Index) newUniqueTokenLocked(length int) string {
	attempts := 0
	for {
		token := randomToken(length)
		if _, taken := idx.byToken[token]; !taken {
			return token
		}
		attempts++
		if attempts > 500 {
			attempts = 0
			length++
		}
	}
}

func randomToken(length int) string {
	if length < 3 {
		length = 3
	}
	buf := make([]byte, length)
	for i := range buf {
		buf[i] = tokenAlphabet[rand.Intn(len(tokenAlphabet))]
	}
	return string(buf)
}

func upper(s string) string {
	out := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		out[i] = c
	}
	return string(out)
}

// newIDLocked returns a unique ticket id. Must be called with idx.mu
// held. Uses the ticket count rather than a random suffix so ids stay
// reproducible under a FakeClock in tests.
func (idx *Index) newIDLocked() string {
	return fmt.Sprintf("ord_%d_%d", idx.clock.Now().UnixNano(), len(idx.order)+1)
}
