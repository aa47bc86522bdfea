package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/trax-tutor/internal/config"
	"github.com/ashureev/trax-tutor/internal/domain"
	"github.com/ashureev/trax-tutor/internal/llm"
	"github.com/ashureev/trax-tutor/internal/store"
	"github.com/google/uuid"
)

// TurnInput is one user message addressed to a session.
type TurnInput struct {
	OwnerID   string
	SessionID string // empty starts a new session
	Prompt    string
	Channel   string
	RequestID string
}

// TurnResult is what the caller gets back after a successful turn.
type TurnResult struct {
	SessionID string                 `json:"session_id"`
	TurnID    string                 `json:"turn_id"`
	Reply     domain.StructuredReply `json:"reply"`
	Degraded  bool                   `json:"-"`
}

// Service runs tutoring turns end to end.
type Service struct {
	repo           store.Repository
	sessions       *SessionManager
	titles         *TitleGenerator
	invoker        *Invoker
	log            ConversationLogger
	maxPromptBytes int
	now            func() time.Time
}

// NewService wires a Service from configuration.
func NewService(repo store.Repository, provider llm.Provider, cfg *config.Config, conversationLogger ConversationLogger) *Service {
	if conversationLogger == nil {
		conversationLogger = noopConversationLogger{}
	}

	titles := NewTitleGenerator(provider, repo,
		cfg.LLM.TitleModel, cfg.LLM.TitleMaxTokens,
		cfg.Titles.Concurrency, cfg.Titles.Timeout,
	)
	return &Service{
		repo:           repo,
		sessions:       NewSessionManager(repo, titles),
		titles:         titles,
		invoker:        NewInvoker(provider, cfg.LLM.Model, cfg.LLM.MaxTokens),
		log:            conversationLogger,
		maxPromptBytes: cfg.MaxPromptBytes,
		now:            time.Now,
	}
}

// Sessions returns the session manager.
func (s *Service) Sessions() *SessionManager {
	return s.sessions
}

// Close waits for background title jobs.
func (s *Service) Close() {
	s.titles.Wait()
}

// SubmitTurn resolves the session, asks the model, normalizes and stores the
// turn, then names the session if it has no title yet. A failed turn stores
// nothing; a session created on the way stays as an empty session.
func (s *Service) SubmitTurn(ctx context.Context, in TurnInput) (*TurnResult, error) {
	result, err := s.submitTurn(ctx, in)
	switch {
	case err == nil && result.Degraded:
		turnsTotal.WithLabelValues(outcomeDegraded).Inc()
	case err == nil:
		turnsTotal.WithLabelValues(outcomeOK).Inc()
	case errors.Is(err, ErrUnauthorized):
		turnsTotal.WithLabelValues(outcomeUnauthorized).Inc()
	case errors.Is(err, ErrInvalidInput):
		turnsTotal.WithLabelValues(outcomeInvalid).Inc()
	case errors.Is(err, ErrProviderUnavailable):
		turnsTotal.WithLabelValues(outcomeProvider).Inc()
	default:
		turnsTotal.WithLabelValues(outcomeStorage).Inc()
	}
	return result, err
}

func (s *Service) submitTurn(ctx context.Context, in TurnInput) (*TurnResult, error) {
	if in.OwnerID == "" {
		return nil, ErrUnauthorized
	}
	if strings.TrimSpace(in.Prompt) == "" {
		return nil, fmt.Errorf("%w: prompt is required", ErrInvalidInput)
	}
	if s.maxPromptBytes > 0 && len(in.Prompt) > s.maxPromptBytes {
		return nil, fmt.Errorf("%w: prompt exceeds %d bytes", ErrInvalidInput, s.maxPromptBytes)
	}

	session, created, err := s.sessions.ResolveOrCreate(ctx, in.OwnerID, in.SessionID)
	if err != nil {
		return nil, err
	}

	turns, err := s.repo.ListTurns(ctx, session.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: list turns: %w", ErrStorageUnavailable, err)
	}
	history := ReconstructHistory(turns)

	s.logEvent(in, session.ID, "inbound", "chat_user_message", in.Prompt, map[string]any{
		"mode":            session.Mode,
		"history_turns":   len(turns),
		"session_created": created,
	})

	raw, err := s.invoker.Invoke(ctx, session.Mode, history.Messages, in.Prompt)
	if err != nil {
		slog.Error("Completion failed", "user_id", in.OwnerID, "session_id", session.ID, "error", err)
		return nil, err
	}

	reply, degraded := Normalize(raw, session.Mode, history.FallbackMode())
	if degraded {
		normalizerFallbacks.Inc()
		slog.Warn("Model output is not a structured reply, storing raw text",
			"user_id", in.OwnerID,
			"session_id", session.ID,
			"raw_length", len(raw),
		)
	}

	blob, err := json.Marshal(reply)
	if err != nil {
		return nil, fmt.Errorf("%w: encode reply: %w", ErrStorageUnavailable, err)
	}
	turn := &domain.Turn{
		ID:        uuid.NewString(),
		SessionID: session.ID,
		UserID:    in.OwnerID,
		Prompt:    in.Prompt,
		Response:  string(blob),
		CreatedAt: s.now(),
	}
	if err := s.repo.CreateTurn(ctx, turn); err != nil {
		return nil, fmt.Errorf("%w: create turn: %w", ErrStorageUnavailable, err)
	}

	s.logEvent(in, session.ID, "outbound", "chat_assistant_message", reply.Reply, map[string]any{
		"turn_id":  turn.ID,
		"mode":     reply.Mode,
		"degraded": degraded,
	})

	firstPrompt, firstReply := in.Prompt, reply.Reply
	if len(turns) > 0 {
		firstPrompt = turns[0].Prompt
		firstReply, _ = replyText(turns[0].Response)
	}
	s.sessions.MaybeGenerateTitle(ctx, session, firstPrompt, firstReply)

	slog.Info("Turn completed",
		"user_id", in.OwnerID,
		"session_id", session.ID,
		"turn_id", turn.ID,
		"mode", session.Mode,
		"degraded", degraded,
	)
	return &TurnResult{
		SessionID: session.ID,
		TurnID:    turn.ID,
		Reply:     reply,
		Degraded:  degraded,
	}, nil
}

func (s *Service) logEvent(in TurnInput, sessionID, direction, eventType, content string, meta map[string]any) {
	if in.RequestID != "" {
		meta["request_id"] = in.RequestID
	}
	channel := in.Channel
	if channel == "" {
		channel = "chat"
	}
	s.log.Log(ConversationLogEvent{
		Timestamp:  s.now().UTC().Format(time.RFC3339Nano),
		UserID:     in.OwnerID,
		SessionID:  sessionID,
		Channel:    channel,
		Direction:  direction,
		EventType:  eventType,
		ContentRaw: content,
		Content:    cleanForReadability(content),
		Meta:       meta,
	})
}
