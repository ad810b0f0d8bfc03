// Package sqlitestore persists sessions, events, subscriptions, and billing
// records in a SQLite database.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/amonks/workcell/internal/state"
	_ "modernc.org/sqlite"
)

// Store is a SQLite-backed session store.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at dbPath and migrates it.
func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite parent dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	store, err := FromDB(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// FromDB wraps an open database handle and migrates it.
// Every write runs in a transaction on the single connection, which
// serializes read-modify-write cycles within the process.
func FromDB(db *sql.DB) (*Store, error) {
	db.SetMaxOpenConns(1)
	store := &Store{db: db}
	if err := store.migrate(context.Background()); err != nil {
		return nil, err
	}
	return store, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	statements := []string{
		"PRAGMA foreign_keys = ON;",
		"PRAGMA busy_timeout = 5000;",
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			repository_id TEXT NOT NULL,
			clone_url TEXT NOT NULL,
			language TEXT,
			task TEXT NOT NULL,
			branch TEXT NOT NULL,
			mode TEXT NOT NULL,
			status TEXT NOT NULL,
			container_id TEXT,
			container_image TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			started_at TEXT,
			ended_at TEXT,
			finalized_at TEXT,
			duration_seconds REAL NOT NULL DEFAULT 0,
			tokens_used INTEGER NOT NULL DEFAULT 0,
			cost_usd REAL NOT NULL DEFAULT 0,
			cost_cents INTEGER NOT NULL DEFAULT 0,
			commit_sha TEXT,
			commit_message TEXT,
			files_changed INTEGER,
			error_message TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS sessions_user_status ON sessions(user_id, status);`,
		`CREATE TABLE IF NOT EXISTS session_events (
			session_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			kind TEXT NOT NULL,
			content TEXT NOT NULL,
			metadata TEXT,
			created_at TEXT NOT NULL,
			PRIMARY KEY(session_id, seq),
			FOREIGN KEY(session_id) REFERENCES sessions(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS subscriptions (
			user_id TEXT PRIMARY KEY,
			tier TEXT NOT NULL,
			minutes_used REAL NOT NULL DEFAULT 0,
			period_start TEXT,
			updated_at TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS billing_records (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			session_id TEXT UNIQUE,
			minutes REAL NOT NULL,
			rate_per_minute REAL NOT NULL,
			cost_cents INTEGER NOT NULL,
			description TEXT NOT NULL,
			created_at TEXT NOT NULL
		);`,
	}

	for _, statement := range statements {
		if _, err := s.db.ExecContext(ctx, statement); err != nil {
			return fmt.Errorf("migrate sqlite schema: %w", err)
		}
	}
	return nil
}

// CreateSession stores a new session and its first event. admit runs inside
// the insert transaction.
func (s *Store) CreateSession(ctx context.Context, sess state.Session, first state.EventInput, admit state.Admit) (state.Session, state.Event, error) {
	var created state.Event
	err := s.withTx(ctx, "create session", func(tx *sql.Tx) error {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM sessions WHERE id = ?`, sess.ID).Scan(&exists); err != nil {
			return fmt.Errorf("check session: %w", err)
		}
		if exists > 0 {
			return fmt.Errorf("%w: %s", state.ErrSessionExists, sess.ID)
		}
		if admit != nil {
			usage, err := readUsage(ctx, tx, sess.UserID, sess.CreatedAt)
			if err != nil {
				return err
			}
			if err := admit(usage); err != nil {
				return err
			}
		}
		if err := insertSession(ctx, tx, sess); err != nil {
			return err
		}
		first.SessionID = sess.ID
		event, err := appendEvent(ctx, tx, first)
		if err != nil {
			return err
		}
		created = event
		return nil
	})
	if err != nil {
		return state.Session{}, state.Event{}, err
	}
	return sess, created, nil
}

// GetSession returns a session by id.
func (s *Store) GetSession(ctx context.Context, id string) (state.Session, error) {
	return scanSession(s.db.QueryRowContext(ctx, selectSession+` WHERE id = ?`, id), id)
}

// UpdateSession applies fn to a stored session inside a transaction.
func (s *Store) UpdateSession(ctx context.Context, id string, fn func(*state.Session) error) (state.Session, error) {
	var updated state.Session
	err := s.withTx(ctx, "update session", func(tx *sql.Tx) error {
		sess, err := scanSession(tx.QueryRowContext(ctx, selectSession+` WHERE id = ?`, id), id)
		if err != nil {
			return err
		}
		if err := fn(&sess); err != nil {
			return err
		}
		if err := writeSession(ctx, tx, sess); err != nil {
			return err
		}
		updated = sess
		return nil
	})
	if err != nil {
		return state.Session{}, err
	}
	return updated, nil
}

// ListSessions returns sessions matching the filter, oldest first.
func (s *Store) ListSessions(ctx context.Context, filter state.ListFilter) ([]state.Session, error) {
	query := selectSession
	var (
		clauses []string
		args    []any
	)
	if filter.UserID != "" {
		clauses = append(clauses, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.Status != nil {
		clauses = append(clauses, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at, id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var items []state.Session
	for rows.Next() {
		sess, err := scanSession(rows, "")
		if err != nil {
			return nil, err
		}
		if filter.Matches(sess) {
			items = append(items, sess)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return items, nil
}

// AppendEvent appends an event, assigning the next sequence number.
func (s *Store) AppendEvent(ctx context.Context, in state.EventInput) (state.Event, error) {
	var appended state.Event
	err := s.withTx(ctx, "append event", func(tx *sql.Tx) error {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM sessions WHERE id = ?`, in.SessionID).Scan(&exists); err != nil {
			return fmt.Errorf("check session: %w", err)
		}
		if exists == 0 {
			return fmt.Errorf("%w: %s", state.ErrSessionNotFound, in.SessionID)
		}
		event, err := appendEvent(ctx, tx, in)
		if err != nil {
			return err
		}
		appended = event
		return nil
	})
	if err != nil {
		return state.Event{}, err
	}
	return appended, nil
}

// EventsAfter returns the events with a sequence greater than after, in order.
func (s *Store) EventsAfter(ctx context.Context, sessionID string, after int64) ([]state.Event, error) {
	var exists int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM sessions WHERE id = ?`, sessionID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check session: %w", err)
	}
	if exists == 0 {
		return nil, fmt.Errorf("%w: %s", state.ErrSessionNotFound, sessionID)
	}

	rows, err := s.db.QueryContext(
		ctx,
		`SELECT session_id, seq, kind, content, metadata, created_at
		 FROM session_events
		 WHERE session_id = ? AND seq > ?
		 ORDER BY seq`,
		sessionID,
		after,
	)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []state.Event
	for rows.Next() {
		var (
			event        state.Event
			kind         string
			metadata     sql.NullString
			createdAtRaw string
		)
		if err := rows.Scan(&event.SessionID, &event.Seq, &kind, &event.Content, &metadata, &createdAtRaw); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		event.Kind = state.EventKind(kind)
		if metadata.Valid && metadata.String != "" {
			if err := json.Unmarshal([]byte(metadata.String), &event.Metadata); err != nil {
				return nil, fmt.Errorf("decode event metadata: %w", err)
			}
		}
		createdAt, err := parseTime(createdAtRaw)
		if err != nil {
			return nil, fmt.Errorf("parse event created_at: %w", err)
		}
		event.CreatedAt = createdAt
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	return events, nil
}

// FinalizeSession runs fn once per session inside a transaction. It reports
// false without calling fn when the session was already finalized.
func (s *Store) FinalizeSession(ctx context.Context, id string, fn state.Finalizer) (state.Session, bool, error) {
	var (
		result  state.Session
		applied bool
	)
	err := s.withTx(ctx, "finalize session", func(tx *sql.Tx) error {
		sess, err := scanSession(tx.QueryRowContext(ctx, selectSession+` WHERE id = ?`, id), id)
		if err != nil {
			return err
		}
		if !sess.FinalizedAt.IsZero() {
			result = sess
			return nil
		}
		charge, err := fn(&sess)
		if err != nil {
			return err
		}
		if charge != nil {
			if err := insertCharge(ctx, tx, *charge); err != nil {
				return err
			}
			sub, err := readSubscription(ctx, tx, charge.UserID, charge.CreatedAt)
			if err != nil {
				return err
			}
			sub.MinutesUsed += charge.Minutes
			sub.UpdatedAt = charge.CreatedAt
			if err := upsertSubscription(ctx, tx, sub); err != nil {
				return err
			}
		}
		if err := writeSession(ctx, tx, sess); err != nil {
			return err
		}
		result = sess
		applied = true
		return nil
	})
	if err != nil {
		return state.Session{}, false, err
	}
	return result, applied, nil
}

// Subscription returns the user's subscription for the period containing now.
func (s *Store) Subscription(ctx context.Context, userID string, now time.Time) (state.Subscription, error) {
	var sub state.Subscription
	err := s.withTx(ctx, "read subscription", func(tx *sql.Tx) error {
		read, err := readSubscription(ctx, tx, userID, now)
		sub = read
		return err
	})
	return sub, err
}

// SetTier records the user's plan, keeping current usage.
func (s *Store) SetTier(ctx context.Context, userID string, tier state.Tier, now time.Time) error {
	return s.withTx(ctx, "set tier", func(tx *sql.Tx) error {
		sub, err := readSubscription(ctx, tx, userID, now)
		if err != nil {
			return err
		}
		sub.Tier = tier
		sub.UpdatedAt = now
		return upsertSubscription(ctx, tx, sub)
	})
}

// Charges returns the user's billing records, oldest first.
func (s *Store) Charges(ctx context.Context, userID string) ([]state.BillingRecord, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, user_id, session_id, minutes, rate_per_minute, cost_cents, description, created_at
		 FROM billing_records
		 WHERE user_id = ?
		 ORDER BY created_at, id`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("query charges: %w", err)
	}
	defer rows.Close()

	var charges []state.BillingRecord
	for rows.Next() {
		var (
			charge       state.BillingRecord
			sessionID    sql.NullString
			createdAtRaw string
		)
		if err := rows.Scan(&charge.ID, &charge.UserID, &sessionID, &charge.Minutes, &charge.RatePerMinute, &charge.CostCents, &charge.Description, &createdAtRaw); err != nil {
			return nil, fmt.Errorf("scan charge: %w", err)
		}
		charge.SessionID = sessionID.String
		createdAt, err := parseTime(createdAtRaw)
		if err != nil {
			return nil, fmt.Errorf("parse charge created_at: %w", err)
		}
		charge.CreatedAt = createdAt
		charges = append(charges, charge)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query charges: %w", err)
	}
	return charges, nil
}

func (s *Store) withTx(ctx context.Context, purpose string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("start %s tx: %w", purpose, err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %s: %w", purpose, err)
	}
	return nil
}
