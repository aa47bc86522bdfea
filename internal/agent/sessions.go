package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/trax-tutor/internal/domain"
	"github.com/ashureev/trax-tutor/internal/store"
	"github.com/google/uuid"
)

// SessionManager owns session creation, lookup and the explicit mode channels.
type SessionManager struct {
	repo   store.Repository
	titles *TitleGenerator
	now    func() time.Time
}

// NewSessionManager creates a session manager.
func NewSessionManager(repo store.Repository, titles *TitleGenerator) *SessionManager {
	return &SessionManager{repo: repo, titles: titles, now: time.Now}
}

// SessionOverview is one entry of a user's session list.
type SessionOverview struct {
	ID          string      `json:"id"`
	Title       string      `json:"title"`
	Mode        domain.Mode `json:"mode"`
	CreatedAt   time.Time   `json:"created_at"`
	LastMessage *string     `json:"last_message"`
}

// ConversationTurn is a stored turn prepared for display.
type ConversationTurn struct {
	ID         string                  `json:"id"`
	Prompt     string                  `json:"prompt"`
	Reply      string                  `json:"reply"`
	Structured *domain.StructuredReply `json:"structured"` // nil for legacy text responses
	CreatedAt  time.Time               `json:"created_at"`
}

// Conversation is a session with its turns in creation order.
type Conversation struct {
	Session *domain.Session    `json:"session"`
	Turns   []ConversationTurn `json:"turns"`
}

// ResolveOrCreate returns the owner's session, or a new one when sessionID is
// empty, unknown or belongs to someone else.
func (m *SessionManager) ResolveOrCreate(ctx context.Context, ownerID, sessionID string) (*domain.Session, bool, error) {
	if sessionID != "" {
		session, err := m.repo.GetSession(ctx, sessionID)
		if err != nil {
			return nil, false, fmt.Errorf("%w: get session: %w", ErrStorageUnavailable, err)
		}
		if session.OwnedBy(ownerID) {
			return session, false, nil
		}
		if session != nil {
			slog.Warn("Session owned by another user, starting a new one",
				"user_id", ownerID,
				"session_id", sessionID,
			)
		}
	}

	session, err := m.CreateSession(ctx, ownerID)
	if err != nil {
		return nil, false, err
	}
	return session, true, nil
}

// CreateSession starts an untitled session in the owner's preferred mode.
func (m *SessionManager) CreateSession(ctx context.Context, ownerID string) (*domain.Session, error) {
	if ownerID == "" {
		return nil, ErrUnauthorized
	}

	user, err := m.repo.GetUser(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("%w: get user: %w", ErrStorageUnavailable, err)
	}

	session := &domain.Session{
		ID:        uuid.NewString(),
		UserID:    ownerID,
		Mode:      user.PreferredMode(),
		CreatedAt: m.now(),
	}
	if err := m.repo.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("%w: create session: %w", ErrStorageUnavailable, err)
	}

	slog.Info("Chat session created", "user_id", ownerID, "session_id", session.ID, "mode", session.Mode)
	return session, nil
}

// MaybeGenerateTitle starts background title generation for an untitled session.
func (m *SessionManager) MaybeGenerateTitle(ctx context.Context, session *domain.Session, firstPrompt, firstReply string) bool {
	if m.titles == nil {
		return false
	}
	return m.titles.MaybeGenerate(ctx, session, firstPrompt, firstReply)
}

// ListSessions returns the owner's sessions, newest first.
func (m *SessionManager) ListSessions(ctx context.Context, ownerID string) ([]SessionOverview, error) {
	if ownerID == "" {
		return nil, ErrUnauthorized
	}

	summaries, err := m.repo.ListSessions(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("%w: list sessions: %w", ErrStorageUnavailable, err)
	}

	out := make([]SessionOverview, 0, len(summaries))
	for _, s := range summaries {
		overview := SessionOverview{
			ID:        s.ID,
			Title:     s.DisplayTitle(),
			Mode:      s.Mode,
			CreatedAt: s.CreatedAt,
		}
		if s.LastResponse != nil {
			text, _ := replyText(*s.LastResponse)
			overview.LastMessage = &text
		}
		out = append(out, overview)
	}
	return out, nil
}

// GetConversation returns one of the owner's sessions with its turns.
func (m *SessionManager) GetConversation(ctx context.Context, ownerID, sessionID string) (*Conversation, error) {
	session, err := m.owned(ctx, ownerID, sessionID)
	if err != nil {
		return nil, err
	}

	turns, err := m.repo.ListTurns(ctx, session.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: list turns: %w", ErrStorageUnavailable, err)
	}

	conv := &Conversation{Session: session, Turns: make([]ConversationTurn, 0, len(turns))}
	for _, turn := range turns {
		ct := ConversationTurn{
			ID:        turn.ID,
			Prompt:    turn.Prompt,
			Reply:     turn.Response,
			CreatedAt: turn.CreatedAt,
		}
		if reply, err := parseStructured(turn.Response); err == nil {
			ct.Reply = reply.Reply
			ct.Structured = &reply
		}
		conv.Turns = append(conv.Turns, ct)
	}
	return conv, nil
}

// DeleteSession removes one of the owner's sessions and all of its turns.
func (m *SessionManager) DeleteSession(ctx context.Context, ownerID, sessionID string) error {
	session, err := m.owned(ctx, ownerID, sessionID)
	if err != nil {
		return err
	}
	if err := m.repo.DeleteSessionCascade(ctx, session.ID); err != nil {
		return fmt.Errorf("%w: delete session: %w", ErrStorageUnavailable, err)
	}
	slog.Info("Chat session deleted", "user_id", ownerID, "session_id", session.ID)
	return nil
}

// SetSessionMode changes the mode used by the session's next turns.
func (m *SessionManager) SetSessionMode(ctx context.Context, ownerID, sessionID string, mode domain.Mode) error {
	if !mode.Valid() {
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidInput, mode)
	}
	session, err := m.owned(ctx, ownerID, sessionID)
	if err != nil {
		return err
	}
	if err := m.repo.UpdateSessionMode(ctx, session.ID, mode); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrSessionNotFound
		}
		return fmt.Errorf("%w: update session mode: %w", ErrStorageUnavailable, err)
	}
	return nil
}

// SetPreferredMode stores the mode new sessions of the owner start in.
func (m *SessionManager) SetPreferredMode(ctx context.Context, ownerID string, mode domain.Mode) error {
	if ownerID == "" {
		return ErrUnauthorized
	}
	if !mode.Valid() {
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidInput, mode)
	}

	err := m.repo.UpdateUserMode(ctx, ownerID, mode)
	if errors.Is(err, store.ErrNotFound) {
		now := m.now()
		err = m.repo.UpsertUser(ctx, &domain.User{
			UserID:    ownerID,
			Username:  ownerID,
			Mode:      mode,
			CreatedAt: now,
			UpdatedAt: now,
		})
	}
	if err != nil {
		return fmt.Errorf("%w: update user mode: %w", ErrStorageUnavailable, err)
	}
	return nil
}

func (m *SessionManager) owned(ctx context.Context, ownerID, sessionID string) (*domain.Session, error) {
	if ownerID == "" {
		return nil, ErrUnauthorized
	}
	if sessionID == "" {
		return nil, ErrSessionNotFound
	}
	session, err := m.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("%w: get session: %w", ErrStorageUnavailable, err)
	}
	if !session.OwnedBy(ownerID) {
		return nil, ErrSessionNotFound
	}
	return session, nil
}
