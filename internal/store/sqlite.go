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

	"github.com/ashureev/trax-tutor/internal/domain"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned by updates that match no row.
var ErrNotFound = errors.New("not found")

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL for concurrent readers; foreign keys so turns cascade with their session.
	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)"
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
	CREATE TABLE IF NOT EXISTS users (
		user_id TEXT PRIMARY KEY,
		username TEXT NOT NULL,
		mode TEXT NOT NULL DEFAULT 'Tutor',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS chat_sessions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		title TEXT,
		mode TEXT NOT NULL DEFAULT 'Tutor',
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_chat_sessions_user ON chat_sessions(user_id, created_at);

	CREATE TABLE IF NOT EXISTS turns (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES chat_sessions(id) ON DELETE CASCADE,
		user_id TEXT NOT NULL,
		prompt TEXT NOT NULL,
		response TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_turns_session ON turns(session_id, created_at);
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
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// GetUser retrieves a user by their user ID.
func (s *SQLiteStore) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	query := `SELECT user_id, username, mode, created_at, updated_at FROM users WHERE user_id = ?`

	var user domain.User
	var mode string
	var createdAt, updatedAt int64

	err := s.db.QueryRowContext(ctx, query, userID).Scan(
		&user.UserID, &user.Username, &mode, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user row: %w", err)
	}

	user.Mode = domain.Mode(mode)
	user.CreatedAt = time.Unix(0, createdAt)
	user.UpdatedAt = time.Unix(0, updatedAt)
	return &user, nil
}

// UpsertUser creates or updates a user record.
func (s *SQLiteStore) UpsertUser(ctx context.Context, user *domain.User) error {
	query := `
	INSERT INTO users (user_id, username, mode, created_at, updated_at)
	VALUES (?1, ?2, COALESCE(?3, 'Tutor'), ?4, ?5)
	ON CONFLICT(user_id) DO UPDATE SET
		username = excluded.username,
		mode = COALESCE(?3, users.mode),
		updated_at = excluded.updated_at`

	var mode interface{}
	if user.Mode != "" {
		mode = string(user.Mode)
	}

	return withRetry(ctx, "upsert user", func() error {
		_, err := s.db.ExecContext(ctx, query,
			user.UserID, user.Username, mode,
			user.CreatedAt.UnixNano(), user.UpdatedAt.UnixNano(),
		)
		if err != nil {
			return fmt.Errorf("upsert user: %w", err)
		}
		return nil
	})
}

// UpdateUserMode stores the user's preferred mode.
func (s *SQLiteStore) UpdateUserMode(ctx context.Context, userID string, mode domain.Mode) error {
	query := `UPDATE users SET mode = ?, updated_at = ? WHERE user_id = ?`
	return s.execOne(ctx, "update user mode", query, string(mode), time.Now().UnixNano(), userID)
}

// CreateSession inserts a new chat session.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *domain.Session) error {
	query := `INSERT INTO chat_sessions (id, user_id, title, mode, created_at) VALUES (?, ?, ?, ?, ?)`

	var title interface{}
	if session.Title != nil {
		title = *session.Title
	}

	return withRetry(ctx, "create session", func() error {
		_, err := s.db.ExecContext(ctx, query,
			session.ID, session.UserID, title, string(session.Mode), session.CreatedAt.UnixNano(),
		)
		if err != nil {
			return fmt.Errorf("insert session: %w", err)
		}
		return nil
	})
}

// GetSession retrieves a chat session by ID.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	query := `SELECT id, user_id, title, mode, created_at FROM chat_sessions WHERE id = ?`

	session, err := scanSession(s.db.QueryRowContext(ctx, query, sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}
	return session, nil
}

// ListSessions returns the user's sessions, newest first.
func (s *SQLiteStore) ListSessions(ctx context.Context, userID string) ([]*domain.SessionSummary, error) {
	query := `
		SELECT s.id, s.user_id, s.title, s.mode, s.created_at,
		       (SELECT t.response FROM turns t
		        WHERE t.session_id = s.id
		        ORDER BY t.created_at DESC, t.rowid DESC LIMIT 1)
		FROM chat_sessions s
		WHERE s.user_id = ?
		ORDER BY s.created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close session rows", "error", closeErr)
		}
	}()

	var out []*domain.SessionSummary
	for rows.Next() {
		var (
			summary   domain.SessionSummary
			title     sql.NullString
			mode      string
			createdAt int64
			last      sql.NullString
		)
		if err := rows.Scan(
			&summary.ID, &summary.UserID, &title, &mode, &createdAt, &last,
		); err != nil {
			return nil, fmt.Errorf("scan session summary: %w", err)
		}
		if title.Valid {
			summary.Title = &title.String
		}
		summary.Mode = domain.Mode(mode)
		summary.CreatedAt = time.Unix(0, createdAt)
		if last.Valid {
			summary.LastResponse = &last.String
		}
		out = append(out, &summary)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return out, nil
}

// SetSessionTitleIfUnset stores title only while the session has none.
func (s *SQLiteStore) SetSessionTitleIfUnset(ctx context.Context, sessionID, title string) (bool, error) {
	query := `UPDATE chat_sessions SET title = ? WHERE id = ? AND title IS NULL`

	var stored bool
	err := withRetry(ctx, "set session title", func() error {
		result, err := s.db.ExecContext(ctx, query, title, sessionID)
		if err != nil {
			return fmt.Errorf("set session title: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		stored = rows > 0
		return nil
	})
	return stored, err
}

// UpdateSessionMode changes the mode of a session.
func (s *SQLiteStore) UpdateSessionMode(ctx context.Context, sessionID string, mode domain.Mode) error {
	query := `UPDATE chat_sessions SET mode = ? WHERE id = ?`
	return s.execOne(ctx, "update session mode", query, string(mode), sessionID)
}

// DeleteSessionCascade removes a session and its turns in one transaction.
func (s *SQLiteStore) DeleteSessionCascade(ctx context.Context, sessionID string) error {
	return withRetry(ctx, "delete session", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin delete session: %w", err)
		}
		defer func() {
			// No-op after a successful commit.
			_ = tx.Rollback()
		}()

		if _, err := tx.ExecContext(ctx, `DELETE FROM turns WHERE session_id = ?`, sessionID); err != nil {
			return fmt.Errorf("delete session turns: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM chat_sessions WHERE id = ?`, sessionID); err != nil {
			return fmt.Errorf("delete session: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit delete session: %w", err)
		}
		return nil
	})
}

// CreateTurn appends a turn to its session.
func (s *SQLiteStore) CreateTurn(ctx context.Context, turn *domain.Turn) error {
	query := `
		INSERT INTO turns (id, session_id, user_id, prompt, response, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`

	return withRetry(ctx, "create turn", func() error {
		_, err := s.db.ExecContext(ctx, query,
			turn.ID, turn.SessionID, turn.UserID, turn.Prompt, turn.Response, turn.CreatedAt.UnixNano(),
		)
		if err != nil {
			return fmt.Errorf("insert turn: %w", err)
		}
		return nil
	})
}

// ListTurns returns a session's turns ordered by creation time.
func (s *SQLiteStore) ListTurns(ctx context.Context, sessionID string) ([]*domain.Turn, error) {
	query := `
		SELECT id, session_id, user_id, prompt, response, created_at
		FROM turns WHERE session_id = ?
		ORDER BY created_at ASC, rowid ASC`

	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close turn rows", "error", closeErr)
		}
	}()

	var turns []*domain.Turn
	for rows.Next() {
		var turn domain.Turn
		var createdAt int64
		if err := rows.Scan(
			&turn.ID, &turn.SessionID, &turn.UserID, &turn.Prompt, &turn.Response, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("scan turn row: %w", err)
		}
		turn.CreatedAt = time.Unix(0, createdAt)
		turns = append(turns, &turn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turns: %w", err)
	}
	return turns, nil
}

// execOne runs a single-row update and maps zero affected rows to ErrNotFound.
func (s *SQLiteStore) execOne(ctx context.Context, op, query string, args ...interface{}) error {
	return withRetry(ctx, op, func() error {
		result, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if rows == 0 {
			return fmt.Errorf("%s: %w", op, ErrNotFound)
		}
		return nil
	})
}

func scanSession(row *sql.Row) (*domain.Session, error) {
	var (
		session   domain.Session
		title     sql.NullString
		mode      string
		createdAt int64
	)
	if err := row.Scan(&session.ID, &session.UserID, &title, &mode, &createdAt); err != nil {
		return nil, err
	}
	if title.Valid {
		session.Title = &title.String
	}
	session.Mode = domain.Mode(mode)
	session.CreatedAt = time.Unix(0, createdAt)
	return &session, nil
}
