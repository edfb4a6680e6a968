// Package postgres provides a PostgreSQL-backed thread.Store built on pgx.
//
// A partial unique index guarantees at most one active thread per user at the
// database level. Turn indexes are allocated under the thread row lock, so
// concurrent appends to one thread serialise.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/parley/pkg/thread"
)

// Schema is the DDL applied by [Store.Migrate].
const Schema = `
CREATE TABLE IF NOT EXISTS threads (
    id              TEXT PRIMARY KEY,
    user_id         TEXT NOT NULL,
    is_active       BOOLEAN NOT NULL DEFAULT false,
    turn_count      INTEGER NOT NULL DEFAULT 0,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    last_message_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_threads_one_active ON threads(user_id) WHERE is_active;
CREATE INDEX IF NOT EXISTS idx_threads_user ON threads(user_id, last_message_at DESC);

CREATE TABLE IF NOT EXISTS turns (
    thread_id       TEXT NOT NULL REFERENCES threads(id) ON DELETE CASCADE,
    turn_index      INTEGER NOT NULL,
    user_message    TEXT NOT NULL,
    assistant_reply TEXT NOT NULL,
    language        TEXT NOT NULL DEFAULT '',
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (thread_id, turn_index)
);
`

// DB is the database interface used by [Store]. Both *pgxpool.Pool and
// *pgx.Conn satisfy it.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store is a thread.Store backed by PostgreSQL. Safe for concurrent use.
type Store struct {
	db   DB
	pool *pgxpool.Pool
}

var _ thread.Store = (*Store)(nil)

// New wraps an existing connection or pool. Call [Store.Migrate] before use.
func New(db DB) *Store {
	return &Store{db: db}
}

// Open creates a connection pool for dsn, verifies connectivity and applies
// the schema.
func Open(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("thread postgres: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("thread postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("thread postgres: ping: %w", err)
	}
	s := &Store{db: pool, pool: pool}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Migrate applies [Schema].
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("thread postgres: migrate: %w", err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if s.pool != nil {
		return s.pool.Ping(ctx)
	}
	_, err := s.db.Exec(ctx, "SELECT 1")
	return err
}

// Close releases the pool if the store opened it.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const threadColumns = `id, user_id, is_active, turn_count, created_at, last_message_at`

func scanThread(row pgx.Row) (thread.Thread, error) {
	var th thread.Thread
	err := row.Scan(&th.ID, &th.UserID, &th.IsActive, &th.TurnCount, &th.CreatedAt, &th.LastMessageAt)
	return th, err
}

// AppendTurn implements thread.Store.
func (s *Store) AppendTurn(ctx context.Context, threadID string, ex thread.Exchange) (thread.Turn, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return thread.Turn{}, fmt.Errorf("thread postgres: append turn: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	turn := thread.Turn{
		UserMessage:    ex.UserMessage,
		AssistantReply: ex.AssistantReply,
		Language:       ex.Language,
	}
	err = tx.QueryRow(ctx, `
		UPDATE threads SET turn_count = turn_count + 1, last_message_at = now()
		WHERE id = $1
		RETURNING turn_count - 1, last_message_at`, threadID,
	).Scan(&turn.Index, &turn.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return thread.Turn{}, fmt.Errorf("thread postgres: append turn to %q: %w", threadID, thread.ErrNotFound)
	}
	if err != nil {
		return thread.Turn{}, fmt.Errorf("thread postgres: append turn: lock thread: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO turns (thread_id, turn_index, user_message, assistant_reply, language, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		threadID, turn.Index, turn.UserMessage, turn.AssistantReply, turn.Language, turn.CreatedAt)
	if err != nil {
		return thread.Turn{}, fmt.Errorf("thread postgres: append turn: insert: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return thread.Turn{}, fmt.Errorf("thread postgres: append turn: commit: %w", err)
	}
	return turn, nil
}

// ListTurns implements thread.Store.
func (s *Store) ListTurns(ctx context.Context, threadID string) ([]thread.Turn, error) {
	var exists bool
	if err := s.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM threads WHERE id = $1)`, threadID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("thread postgres: list turns: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("thread postgres: list turns of %q: %w", threadID, thread.ErrNotFound)
	}

	rows, err := s.db.Query(ctx, `
		SELECT turn_index, user_message, assistant_reply, language, created_at
		FROM turns WHERE thread_id = $1 ORDER BY turn_index ASC`, threadID)
	if err != nil {
		return nil, fmt.Errorf("thread postgres: list turns: %w", err)
	}
	turns, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (thread.Turn, error) {
		var t thread.Turn
		err := row.Scan(&t.Index, &t.UserMessage, &t.AssistantReply, &t.Language, &t.CreatedAt)
		return t, err
	})
	if err != nil {
		return nil, fmt.Errorf("thread postgres: list turns: scan: %w", err)
	}
	return turns, nil
}

// ActiveThread implements thread.Store.
func (s *Store) ActiveThread(ctx context.Context, userID string) (thread.Thread, error) {
	th, err := scanThread(s.db.QueryRow(ctx,
		`SELECT `+threadColumns+` FROM threads WHERE user_id = $1 AND is_active`, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return thread.Thread{}, thread.ErrNoActiveThread
	}
	if err != nil {
		return thread.Thread{}, fmt.Errorf("thread postgres: active thread: %w", err)
	}
	return th, nil
}

// CreateThread implements thread.Store. A concurrent create for the same user
// can trip the one-active index; the losing transaction is retried once.
func (s *Store) CreateThread(ctx context.Context, userID string) (thread.Thread, error) {
	th, err := s.createThread(ctx, userID)
	if isUniqueViolation(err) {
		th, err = s.createThread(ctx, userID)
	}
	if err != nil {
		return thread.Thread{}, fmt.Errorf("thread postgres: create thread: %w", err)
	}
	return th, nil
}

func (s *Store) createThread(ctx context.Context, userID string) (thread.Thread, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return thread.Thread{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `UPDATE threads SET is_active = false WHERE user_id = $1 AND is_active`, userID); err != nil {
		return thread.Thread{}, err
	}
	th, err := scanThread(tx.QueryRow(ctx, `
		INSERT INTO threads (id, user_id, is_active) VALUES ($1, $2, true)
		RETURNING `+threadColumns, uuid.NewString(), userID))
	if err != nil {
		return thread.Thread{}, err
	}
	return th, tx.Commit(ctx)
}

// ListThreads implements thread.Store.
func (s *Store) ListThreads(ctx context.Context, userID string) ([]thread.Thread, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+threadColumns+` FROM threads
		WHERE user_id = $1 ORDER BY last_message_at DESC, id ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("thread postgres: list threads: %w", err)
	}
	threads, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (thread.Thread, error) {
		return scanThread(row)
	})
	if err != nil {
		return nil, fmt.Errorf("thread postgres: list threads: scan: %w", err)
	}
	return threads, nil
}

// ActivateThread implements thread.Store.
func (s *Store) ActivateThread(ctx context.Context, userID, threadID string) (thread.Thread, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return thread.Thread{}, fmt.Errorf("thread postgres: activate: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`UPDATE threads SET is_active = false WHERE user_id = $1 AND is_active AND id <> $2`, userID, threadID); err != nil {
		return thread.Thread{}, fmt.Errorf("thread postgres: activate: deactivate: %w", err)
	}
	th, err := scanThread(tx.QueryRow(ctx, `
		UPDATE threads SET is_active = true WHERE id = $1 AND user_id = $2
		RETURNING `+threadColumns, threadID, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return thread.Thread{}, fmt.Errorf("thread postgres: activate %q: %w", threadID, thread.ErrNotFound)
	}
	if err != nil {
		return thread.Thread{}, fmt.Errorf("thread postgres: activate: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return thread.Thread{}, fmt.Errorf("thread postgres: activate: commit: %w", err)
	}
	return th, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
