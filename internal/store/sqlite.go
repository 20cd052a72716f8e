package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/autofixlabs/autofix/internal/domain"
	"github.com/autofixlabs/autofix/internal/shared"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		original_code TEXT NOT NULL,
		final_code TEXT NOT NULL,
		max_attempts INTEGER NOT NULL,
		status TEXT NOT NULL,
		message TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		finished_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_finished ON sessions(finished_at);

	CREATE TABLE IF NOT EXISTS attempts (
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		idx INTEGER NOT NULL,
		output TEXT NOT NULL,
		exit_code INTEGER NOT NULL,
		timed_out INTEGER NOT NULL DEFAULT 0,
		explanation TEXT NOT NULL DEFAULT '',
		reasoning TEXT NOT NULL DEFAULT '',
		diff TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (session_id, idx)
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SaveSession stores a finished session and its attempts in one
// transaction. A busy database gets a single retry.
func (s *SQLiteStore) SaveSession(ctx context.Context, session *domain.Session) error {
	err := s.saveSession(ctx, session)
	if err != nil && shared.IsSQLiteConflictError(err) {
		slog.Debug("Session save hit a busy database, retrying", "session_id", session.ID)
		time.Sleep(100 * time.Millisecond)
		err = s.saveSession(ctx, session)
	}
	return err
}

func (s *SQLiteStore) saveSession(ctx context.Context, session *domain.Session) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			slog.Warn("Failed to rollback session save", "session_id", session.ID, "error", rbErr)
		}
	}()

	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO sessions
			(id, original_code, final_code, max_attempts, status, message, created_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		session.ID,
		session.OriginalCode,
		session.CurrentCode,
		session.MaxAttempts,
		string(session.Status),
		session.Message,
		session.CreatedAt.Unix(),
		session.FinishedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert session %s: %w", session.ID, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM attempts WHERE session_id = ?`, session.ID); err != nil {
		return fmt.Errorf("clear attempts for %s: %w", session.ID, err)
	}

	for _, a := range session.History {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO attempts
				(session_id, idx, output, exit_code, timed_out, explanation, reasoning, diff)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			session.ID, a.Index, a.Output, a.ExitCode, boolToInt(a.TimedOut),
			a.Explanation, a.Reasoning, a.Diff,
		)
		if err != nil {
			return fmt.Errorf("insert attempt %d for %s: %w", a.Index, session.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit session %s: %w", session.ID, err)
	}
	return nil
}

// GetSession retrieves a session and its attempts by ID.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, original_code, final_code, max_attempts, status, message, created_at, finished_at
		FROM sessions WHERE id = ?`, id)

	session, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query session %s: %w", id, err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT idx, output, exit_code, timed_out, explanation, reasoning, diff
		FROM attempts WHERE session_id = ? ORDER BY idx`, id)
	if err != nil {
		return nil, fmt.Errorf("query attempts for %s: %w", id, err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("Failed to close attempt rows", "error", closeErr)
		}
	}()

	for rows.Next() {
		var a domain.Attempt
		var timedOut int
		if err := rows.Scan(&a.Index, &a.Output, &a.ExitCode, &timedOut, &a.Explanation, &a.Reasoning, &a.Diff); err != nil {
			return nil, fmt.Errorf("scan attempt for %s: %w", id, err)
		}
		a.TimedOut = timedOut != 0
		session.History = append(session.History, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attempts for %s: %w", id, err)
	}

	return session, nil
}

// ListSessions returns up to limit recent sessions, newest first.
func (s *SQLiteStore) ListSessions(ctx context.Context, limit int) ([]*domain.Session, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, original_code, final_code, max_attempts, status, message, created_at, finished_at
		FROM sessions ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("Failed to close session rows", "error", closeErr)
		}
	}()

	var sessions []*domain.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}

	return sessions, nil
}

// DeleteExpiredSessions removes sessions that finished more than ttl ago.
func (s *SQLiteStore) DeleteExpiredSessions(ctx context.Context, ttl time.Duration) (int64, error) {
	cutoff := time.Now().Add(-ttl).Unix()

	// Attempts first: modernc sqlite does not enforce cascades unless
	// foreign keys are switched on per connection.
	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM attempts WHERE session_id IN
			(SELECT id FROM sessions WHERE finished_at < ?)`, cutoff); err != nil {
		return 0, fmt.Errorf("delete expired attempts: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE finished_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete expired sessions: %w", err)
	}

	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("count deleted sessions: %w", err)
	}
	return deleted, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*domain.Session, error) {
	var session domain.Session
	var status string
	var createdAt, finishedAt int64

	if err := row.Scan(
		&session.ID,
		&session.OriginalCode,
		&session.CurrentCode,
		&session.MaxAttempts,
		&status,
		&session.Message,
		&createdAt,
		&finishedAt,
	); err != nil {
		return nil, err
	}

	session.Status = domain.Status(status)
	session.CreatedAt = time.Unix(createdAt, 0).UTC()
	session.FinishedAt = time.Unix(finishedAt, 0).UTC()
	return &session, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
