// Copyright 2026 The MarketLab Authors
// SPDX-License-Identifier: Apache-2.0

// Package bus implements the durable, SQLite-backed command bus (C1):
// a single table of NEW/DONE/ERROR commands consumed by exactly one
// worker, plus the event log, app-state table, approval ledger
// storage, and a per-command audit trail.
//
// The schema and dequeue/ack semantics are grounded on the Python
// reference implementation's marketlab.ipc.bus module: idempotent
// enqueue via dedupe_key/request_id, inline TTL-expiry on dequeue, and
// an append-only audit log that never blocks the primary operation.
package bus

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/blanqspace/marketlab/lib/clock"
	"github.com/blanqspace/marketlab/lib/sqlitepool"
)

// DefaultTTL is the command lifetime applied when Enqueue is not given
// an explicit TTL, matching the Python reference's DEFAULT_TTL.
const DefaultTTL = 120 * time.Second

// Command status values.
const (
	StatusNew   = "NEW"
	StatusDone  = "DONE"
	StatusError = "ERROR"
)

// Command is a single row of the commands table.
type Command struct {
	CmdID       string
	Cmd         string
	Args        map[string]any
	Source      string
	ActorID     string
	RiskLevel   string
	RequestID   string
	DedupeKey   string
	Status      string
	Error       string
	CreatedAt   time.Time
	AvailableAt time.Time
	ExpiresAt   time.Time
}

// Event is a single row of the events table.
type Event struct {
	ID        int64
	Level     string
	Kind      string
	Payload   map[string]any
	CreatedAt time.Time
}

// Store is the command bus's storage layer: one SQLite database
// shared by the worker, the chat ingress daemon, and the CLI facade.
type Store struct {
	pool   *sqlitepool.Pool
	clock  clock.Clock
	logger *slog.Logger
}

// Config configures a new Store.
type Config struct {
	Path   string
	Clock  clock.Clock
	Logger *slog.Logger
}

const schema = `
CREATE TABLE IF NOT EXISTS commands (
	cmd_id       TEXT PRIMARY KEY,
	cmd          TEXT NOT NULL,
	args         TEXT NOT NULL DEFAULT '{}',
	source       TEXT NOT NULL DEFAULT '',
	actor_id     TEXT NOT NULL DEFAULT '',
	risk_level   TEXT NOT NULL DEFAULT '',
	request_id   TEXT NOT NULL DEFAULT '',
	dedupe_key   TEXT,
	status       TEXT NOT NULL DEFAULT 'NEW',
	error        TEXT NOT NULL DEFAULT '',
	created_at   INTEGER NOT NULL,
	available_at INTEGER NOT NULL,
	expires_at   INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_commands_request_id ON commands(request_id) WHERE request_id != '';
CREATE UNIQUE INDEX IF NOT EXISTS idx_commands_dedupe_key ON commands(dedupe_key) WHERE dedupe_key IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_commands_status_available ON commands(status, available_at);

CREATE TABLE IF NOT EXISTS app_state (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS events (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	level      TEXT NOT NULL,
	kind       TEXT NOT NULL,
	payload    TEXT NOT NULL DEFAULT '{}',
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_created_at ON events(created_at);

CREATE TABLE IF NOT EXISTS command_audit (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	cmd_id     TEXT NOT NULL,
	phase      TEXT NOT NULL,
	detail     TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_command_audit_cmd_id ON command_audit(cmd_id, id);

CREATE TABLE IF NOT EXISTS approvals (
	approval_id       TEXT PRIMARY KEY,
	cmd               TEXT NOT NULL,
	cmd_args_identity TEXT NOT NULL,
	required          INTEGER NOT NULL,
	sources           TEXT NOT NULL DEFAULT '[]',
	actors            TEXT NOT NULL DEFAULT '[]',
	status            TEXT NOT NULL DEFAULT 'pending',
	created_at        INTEGER NOT NULL,
	expires_at        INTEGER NOT NULL
);
`

// Open creates or opens the bus database, applying the schema and the
// standard connection pragmas from lib/sqlitepool.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("bus: Path is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:   cfg.Path,
		Logger: logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, schema, nil)
		},
	})
	if err != nil {
		return nil, err
	}

	return &Store{pool: pool, clock: cfg.Clock, logger: logger}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error { return s.pool.Close() }

// Pool exposes the underlying connection pool so that packages needing
// their own tables in the same database file (internal/approval) can
// share the pool and its pragmas instead of opening a second handle.
func (s *Store) Pool() *sqlitepool.Pool { return s.pool }

// Clock returns the clock this store was opened with, so dependent
// packages stay on the same time source under tests.
func (s *Store) Clock() clock.Clock { return s.clock }

// StableRequestID derives a deterministic request id for idempotent
// enqueue when the caller does not supply its own, hashing the
// command name and its JSON-encoded args -- mirroring the Python
// reference's stable_request_id.
func StableRequestID(cmd string, args map[string]any) string {
	data, _ := json.Marshal(args)
	sum := sha256.Sum256(append([]byte(cmd+":"), data...))
	return "req_" + hex.EncodeToString(sum[:16])
}

// EnqueueOptions carries the optional fields accepted by Enqueue.
type EnqueueOptions struct {
	Source    string
	ActorID   string
	RiskLevel string
	RequestID string
	DedupeKey string
	TTL       time.Duration
	// AvailableAfter delays dispatch, used for scheduled retries.
	AvailableAfter time.Duration
}

const (
	maxBusyRetries   = 8
	busyRetryBaseMS  = 10
	busyRetryJitter  = 40
	busyRetryMaxWait = 400 * time.Millisecond
)

// Enqueue inserts a new command, returning its cmd_id. If RequestID or
// DedupeKey collide with an existing row, Enqueue returns the existing
// row's cmd_id instead of inserting a duplicate -- the idempotency
// contract callers (chat ingress retries, CLI --wait retries) rely on.
func (s *Store) Enqueue(ctx context.Context, cmd string, args map[string]any, opts EnqueueOptions) (string, error) {
	if opts.RequestID == "" {
		opts.RequestID = StableRequestID(cmd, args)
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	argsJSON, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("bus: marshaling args: %w", err)
	}

	now := s.clock.Now()
	cmdID := "cmd_" + uuid.NewString()
	availableAt := now.Add(opts.AvailableAfter)
	expiresAt := now.Add(ttl)

	var resultID string
	err = s.withRetry(ctx, func(conn *sqlite.Conn) error {
		if existing, ok, err := lookupByRequestID(conn, opts.RequestID); err != nil {
			return err
		} else if ok {
			resultID = existing
			return nil
		}
		if opts.DedupeKey != "" {
			if existing, ok, err := lookupByDedupeKey(conn, opts.DedupeKey); err != nil {
				return err
			} else if ok {
				resultID = existing
				return nil
			}
		}

		var dedupeArg any
		if opts.DedupeKey != "" {
			dedupeArg = opts.DedupeKey
		}

		err := sqlitex.Execute(conn, `
			INSERT INTO commands
				(cmd_id, cmd, args, source, actor_id, risk_level, request_id, dedupe_key,
				 status, error, created_at, available_at, expires_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'NEW', '', ?, ?, ?)`,
			&sqlitex.ExecOptions{Args: []any{
				cmdID, cmd, string(argsJSON), opts.Source, opts.ActorID, opts.RiskLevel,
				opts.RequestID, dedupeArg, now.Unix(), availableAt.Unix(), expiresAt.Unix(),
			}})
		if err != nil {
			return fmt.Errorf("bus: inserting command: %w", err)
		}
		resultID = cmdID
		writeAudit(conn, s.clock, cmdID, "enqueue", cmd)
		return nil
	})
	if err != nil {
		return "", err
	}
	return resultID, nil
}

func lookupByRequestID(conn *sqlite.Conn, requestID string) (string, bool, error) {
	var id string
	err := sqlitex.Execute(conn, `SELECT cmd_id FROM commands WHERE request_id = ? LIMIT 1`,
		&sqlitex.ExecOptions{
			Args: []any{requestID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				id = stmt.ColumnText(0)
				return nil
			},
		})
	if err != nil {
		return "", false, fmt.Errorf("bus: looking up request_id: %w", err)
	}
	return id, id != "", nil
}

func lookupByDedupeKey(conn *sqlite.Conn, dedupeKey string) (string, bool, error) {
	var id string
	err := sqlitex.Execute(conn, `SELECT cmd_id FROM commands WHERE dedupe_key = ? LIMIT 1`,
		&sqlitex.ExecOptions{
			Args: []any{dedupeKey},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				id = stmt.ColumnText(0)
				return nil
			},
		})
	if err != nil {
		return "", false, fmt.Errorf("bus: looking up dedupe_key: %w", err)
	}
	return id, id != "", nil
}

// NextNew dequeues the oldest available NEW command whose available_at
// has passed. Commands whose expires_at has already passed are marked
// ERROR with "ttl.expired" and an command.expired event is emitted
// instead of being returned, matching the reference worker's inline
// expiry check on dequeue.
func (s *Store) NextNew(ctx context.Context) (*Command, error) {
	var result *Command
	err := s.withRetry(ctx, func(conn *sqlite.Conn) error {
		now := s.clock.Now()
		for {
			var row *Command
			err := sqlitex.Execute(conn, `
				SELECT cmd_id, cmd, args, source, actor_id, risk_level, request_id,
				       dedupe_key, status, error, created_at, available_at, expires_at
				FROM commands
				WHERE status = 'NEW' AND available_at <= ?
				ORDER BY available_at ASC, created_at ASC
				LIMIT 1`,
				&sqlitex.ExecOptions{
					Args: []any{now.Unix()},
					ResultFunc: func(stmt *sqlite.Stmt) error {
						row = scanCommand(stmt)
						return nil
					},
				})
			if err != nil {
				return fmt.Errorf("bus: selecting next command: %w", err)
			}
			if row == nil {
				result = nil
				return nil
			}
			if !row.ExpiresAt.After(now) {
				if err := markStatus(conn, row.CmdID, StatusError, "ttl.expired"); err != nil {
					return err
				}
				writeAudit(conn, s.clock, row.CmdID, "expired", "")
				if err := emitLocked(conn, s.clock, "warn", "command.expired", map[string]any{
					"cmd_id": row.CmdID, "cmd": row.Cmd,
				}); err != nil {
					return err
				}
				continue
			}
			result = row
			writeAudit(conn, s.clock, row.CmdID, "dispatch", "")
			return nil
		}
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// PeekNextCmd returns the next available NEW command without dequeuing
// it: no status change, no dispatch audit entry, no TTL-expiry side
// effect. Callers that need to decide whether to commit to processing
// the next command before consuming it (the worker's breaker gate)
// use this instead of NextNew.
func (s *Store) PeekNextCmd(ctx context.Context) (*Command, error) {
	var result *Command
	err := s.withRetry(ctx, func(conn *sqlite.Conn) error {
		now := s.clock.Now()
		return sqlitex.Execute(conn, `
			SELECT cmd_id, cmd, args, source, actor_id, risk_level, request_id,
			       dedupe_key, status, error, created_at, available_at, expires_at
			FROM commands
			WHERE status = 'NEW' AND available_at <= ?
			ORDER BY available_at ASC, created_at ASC
			LIMIT 1`,
			&sqlitex.ExecOptions{
				Args: []any{now.Unix()},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					result = scanCommand(stmt)
					return nil
				},
			})
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func scanCommand(stmt *sqlite.Stmt) *Command {
	var args map[string]any
	_ = json.Unmarshal([]byte(stmt.ColumnText(2)), &args)
	return &Command{
		CmdID:       stmt.ColumnText(0),
		Cmd:         stmt.ColumnText(1),
		Args:        args,
		Source:      stmt.ColumnText(3),
		ActorID:     stmt.ColumnText(4),
		RiskLevel:   stmt.ColumnText(5),
		RequestID:   stmt.ColumnText(6),
		DedupeKey:   stmt.ColumnText(7),
		Status:      stmt.ColumnText(8),
		Error:       stmt.ColumnText(9),
		CreatedAt:   time.Unix(stmt.ColumnInt64(10), 0).UTC(),
		AvailableAt: time.Unix(stmt.ColumnInt64(11), 0).UTC(),
		ExpiresAt:   time.Unix(stmt.ColumnInt64(12), 0).UTC(),
	}
}

// MarkDone marks a command DONE. Idempotent per the worker's
// single-consumer contract: a command is only ever marked done once.
func (s *Store) MarkDone(ctx context.Context, cmdID string) error {
	return s.withRetry(ctx, func(conn *sqlite.Conn) error {
		if err := markStatus(conn, cmdID, StatusDone, ""); err != nil {
			return err
		}
		writeAudit(conn, s.clock, cmdID, "done", "")
		return nil
	})
}

// MarkError marks a command ERROR with the given message. Retries are
// out of scope for the worker loop (see SPEC_FULL.md design notes) --
// a failed command stays failed; an operator re-enqueues explicitly.
func (s *Store) MarkError(ctx context.Context, cmdID string, message string) error {
	return s.withRetry(ctx, func(conn *sqlite.Conn) error {
		if err := markStatus(conn, cmdID, StatusError, message); err != nil {
			return err
		}
		writeAudit(conn, s.clock, cmdID, "error", message)
		return nil
	})
}

func markStatus(conn *sqlite.Conn, cmdID, status, errMsg string) error {
	err := sqlitex.Execute(conn, `UPDATE commands SET status = ?, error = ? WHERE cmd_id = ?`,
		&sqlitex.ExecOptions{Args: []any{status, errMsg, cmdID}})
	if err != nil {
		return fmt.Errorf("bus: updating command status: %w", err)
	}
	return nil
}

// Emit appends a row to the events table. Emit never returns an error
// to callers outside the package that cannot act on it usefully; see
// EmitErr for the checked variant used by the worker's own critical
// paths.
func (s *Store) Emit(ctx context.Context, level, kind string, payload map[string]any) error {
	return s.withRetry(ctx, func(conn *sqlite.Conn) error {
		return emitLocked(conn, s.clock, level, kind, payload)
	})
}

func emitLocked(conn *sqlite.Conn, clk clock.Clock, level, kind string, payload map[string]any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("bus: marshaling event payload: %w", err)
	}
	err = sqlitex.Execute(conn, `INSERT INTO events (level, kind, payload, created_at) VALUES (?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{level, kind, string(data), clk.Now().Unix()}})
	if err != nil {
		return fmt.Errorf("bus: inserting event: %w", err)
	}
	return nil
}

// TailEvents returns up to limit most recent events, newest first.
func (s *Store) TailEvents(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	var events []Event
	err := s.withRetry(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `
			SELECT id, level, kind, payload, created_at FROM events
			ORDER BY id DESC LIMIT ?`,
			&sqlitex.ExecOptions{
				Args: []any{limit},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					var payload map[string]any
					_ = json.Unmarshal([]byte(stmt.ColumnText(3)), &payload)
					events = append(events, Event{
						ID:        stmt.ColumnInt64(0),
						Level:     stmt.ColumnText(1),
						Kind:      stmt.ColumnText(2),
						Payload:   payload,
						CreatedAt: time.Unix(stmt.ColumnInt64(4), 0).UTC(),
					})
					return nil
				},
			})
	})
	return events, err
}

// GetState reads a single app_state value, returning ("", false) when
// the key is unset.
func (s *Store) GetState(ctx context.Context, key string) (string, bool, error) {
	var value string
	var found bool
	err := s.withRetry(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT value FROM app_state WHERE key = ?`,
			&sqlitex.ExecOptions{
				Args: []any{key},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					value = stmt.ColumnText(0)
					found = true
					return nil
				},
			})
	})
	return value, found, err
}

// SetState upserts a single app_state value.
func (s *Store) SetState(ctx context.Context, key, value string) error {
	return s.withRetry(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `
			INSERT INTO app_state (key, value, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			&sqlitex.ExecOptions{Args: []any{key, value, s.clock.Now().Unix()}})
	})
}

// CommandTimeline returns the audit phase history for a single
// command, oldest first.
func (s *Store) CommandTimeline(ctx context.Context, cmdID string) ([]AuditEntry, error) {
	var entries []AuditEntry
	err := s.withRetry(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `
			SELECT phase, detail, created_at FROM command_audit
			WHERE cmd_id = ? ORDER BY id ASC`,
			&sqlitex.ExecOptions{
				Args: []any{cmdID},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					entries = append(entries, AuditEntry{
						Phase:     stmt.ColumnText(0),
						Detail:    stmt.ColumnText(1),
						CreatedAt: time.Unix(stmt.ColumnInt64(2), 0).UTC(),
					})
					return nil
				},
			})
	})
	return entries, err
}

// AuditEntry is a single command_audit row.
type AuditEntry struct {
	Phase     string
	Detail    string
	CreatedAt time.Time
}

// writeAudit appends an audit row. Failures are logged, never
// propagated -- the audit trail is diagnostic, not load-bearing,
// mirroring the Python reference's _write_audit.
func writeAudit(conn *sqlite.Conn, clk clock.Clock, cmdID, phase, detail string) {
	_ = sqlitex.Execute(conn, `INSERT INTO command_audit (cmd_id, phase, detail, created_at) VALUES (?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{cmdID, phase, detail, clk.Now().Unix()}})
}

// withRetry runs fn inside an immediate transaction, retrying on
// SQLITE_BUSY with jittered backoff up to maxBusyRetries attempts.
func (s *Store) withRetry(ctx context.Context, fn func(conn *sqlite.Conn) error) (err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("bus: storage unavailable: %w", err)
	}
	defer s.pool.Put(conn)

	for attempt := 0; ; attempt++ {
		txErr := func() (txErr error) {
			endTx, err := sqlitex.ImmediateTransaction(conn)
			if err != nil {
				return err
			}
			defer endTx(&txErr)
			return fn(conn)
		}()
		if txErr == nil {
			return nil
		}
		if !isBusyErr(txErr) || attempt >= maxBusyRetries {
			return fmt.Errorf("bus: storage unavailable: %w", txErr)
		}
		wait := time.Duration(busyRetryBaseMS+rand.Intn(busyRetryJitter)) * time.Millisecond * time.Duration(1<<uint(attempt))
		if wait > busyRetryMaxWait {
			wait = busyRetryMaxWait
		}
		s.clock.Sleep(wait)
	}
}

// isBusyErr reports whether err is a transient SQLITE_BUSY/SQLITE_LOCKED
// failure worth retrying. zombiezen wraps the underlying result code
// into its error string (e.g. "SQLITE_BUSY"), so a substring check is
// the most portable test across driver versions.
func isBusyErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return containsAny(msg, "SQLITE_BUSY", "SQLITE_LOCKED", "database is locked")
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
