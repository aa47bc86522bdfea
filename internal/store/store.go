// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"

	"github.com/ashureev/trax-tutor/internal/domain"
)

// Repository defines the interface for persisting users, chat sessions and turns.
type Repository interface {
	// GetUser retrieves a user by their user ID. Returns nil, nil when absent.
	GetUser(ctx context.Context, userID string) (*domain.User, error)

	// UpsertUser creates or updates a user record. An existing mode preference
	// is kept when user.Mode is empty.
	UpsertUser(ctx context.Context, user *domain.User) error

	// UpdateUserMode stores the user's preferred mode for new sessions.
	UpdateUserMode(ctx context.Context, userID string, mode domain.Mode) error

	// CreateSession inserts a new session.
	CreateSession(ctx context.Context, session *domain.Session) error

	// GetSession retrieves a session by ID. Returns nil, nil when absent.
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)

	// ListSessions returns the user's sessions, newest first, with the raw
	// response of each session's latest turn.
	ListSessions(ctx context.Context, userID string) ([]*domain.SessionSummary, error)

	// SetSessionTitleIfUnset stores the title only when the session has none
	// yet. It reports false when the session is already titled or missing.
	SetSessionTitleIfUnset(ctx context.Context, sessionID, title string) (bool, error)

	// UpdateSessionMode changes the mode used by subsequent turns.
	UpdateSessionMode(ctx context.Context, sessionID string, mode domain.Mode) error

	// DeleteSessionCascade removes a session and all of its turns.
	DeleteSessionCascade(ctx context.Context, sessionID string) error

	// CreateTurn appends an immutable turn to its session.
	CreateTurn(ctx context.Context, turn *domain.Turn) error

	// ListTurns returns every turn of a session in creation order.
	ListTurns(ctx context.Context, sessionID string) ([]*domain.Turn, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
