package domain

import (
	"time"
)

// DefaultSessionTitle is shown for sessions whose title has not been generated yet.
const DefaultSessionTitle = "New Chat"

// Session is one conversation between a user and the tutor.
type Session struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Title     *string   `json:"title"`
	Mode      Mode      `json:"mode"`
	CreatedAt time.Time `json:"created_at"`
}

// HasTitle returns true once a title has been stored for the session.
func (s *Session) HasTitle() bool {
	return s.Title != nil
}

// DisplayTitle returns the stored title or DefaultSessionTitle.
func (s *Session) DisplayTitle() string {
	if s.Title == nil || *s.Title == "" {
		return DefaultSessionTitle
	}
	return *s.Title
}

// OwnedBy reports whether the session belongs to userID.
func (s *Session) OwnedBy(userID string) bool {
	return s != nil && userID != "" && s.UserID == userID
}

// Turn is one persisted prompt/response exchange. Response holds the
// serialized StructuredReply, or arbitrary text for legacy rows.
type Turn struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	Prompt    string    `json:"prompt"`
	Response  string    `json:"response"`
	CreatedAt time.Time `json:"created_at"`
}

// SessionSummary is a session plus the raw response of its latest turn, if any.
type SessionSummary struct {
	Session
	LastResponse *string
}
