// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/autofixlabs/autofix/internal/domain"
)

// ErrNotFound is returned when a session does not exist.
var ErrNotFound = errors.New("session not found")

// Repository defines the interface for persisting completed repair sessions.
type Repository interface {
	// SaveSession stores a finished session with its full attempt history.
	SaveSession(ctx context.Context, session *domain.Session) error

	// GetSession retrieves a session and its attempts by ID.
	GetSession(ctx context.Context, id string) (*domain.Session, error)

	// ListSessions returns up to limit recent sessions, newest first,
	// without attempt histories.
	ListSessions(ctx context.Context, limit int) ([]*domain.Session, error)

	// DeleteExpiredSessions removes sessions that finished more than ttl
	// ago and returns the number deleted.
	DeleteExpiredSessions(ctx context.Context, ttl time.Duration) (int64, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
