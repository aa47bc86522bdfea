package agent

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/trax-tutor/internal/config"
	"github.com/ashureev/trax-tutor/internal/domain"
	"github.com/ashureev/trax-tutor/internal/identity"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
)

// defaultMaxRequestBodySize is the default maximum allowed request body size (1MB).
const defaultMaxRequestBodySize = 1 << 20

var validate = validator.New()

// chatRequest is the body of POST /api/chat.
type chatRequest struct {
	Prompt    string `json:"prompt"`
	SessionID string `json:"session_id" validate:"omitempty,max=128"`
}

// modeRequest is the body of the mode update endpoints.
type modeRequest struct {
	Mode string `json:"mode" validate:"required"`
}

// chatResponse is returned for a completed turn.
type chatResponse struct {
	SessionID string                 `json:"session_id"`
	TurnID    string                 `json:"turn_id"`
	Prompt    string                 `json:"prompt"`
	Reply     domain.StructuredReply `json:"reply"`
	CreatedAt time.Time              `json:"created_at"`
}

// Handler serves the chat HTTP API.
type Handler struct {
	service     *Service
	rateLimiter *RateLimiter
	ws          http.Handler
	cfg         *config.Config
}

// NewHandler creates a chat handler. cfg may be nil for defaults.
func NewHandler(service *Service, cfg *config.Config) *Handler {
	rateLimitRequests := 10
	rateLimitWindow := time.Minute
	if cfg != nil {
		rateLimitRequests = cfg.RateLimit.RequestsPerWindow
		rateLimitWindow = cfg.RateLimit.WindowDuration
	}

	return &Handler{
		service:     service,
		rateLimiter: NewRateLimiter(rateLimitRequests, rateLimitWindow),
		cfg:         cfg,
	}
}

// SetWebSocket mounts a WebSocket chat transport at /api/chat/ws.
func (h *Handler) SetWebSocket(ws http.Handler) {
	h.ws = ws
}

// RegisterRoutes registers chat routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api/chat", func(r chi.Router) {
		r.Post("/", h.HandleChat)
		r.Post("/new", h.HandleNewSession)
		r.Get("/sessions", h.HandleListSessions)
		r.Get("/sessions/{sessionID}", h.HandleGetSession)
		r.Delete("/sessions/{sessionID}", h.HandleDeleteSession)
		r.Put("/sessions/{sessionID}/mode", h.HandleSetSessionMode)
		if h.ws != nil {
			r.Handle("/ws", h.ws)
		}
	})
}

// Close releases handler resources.
func (h *Handler) Close() {
	h.rateLimiter.Stop()
}

// HandleChat handles POST /api/chat.
func (h *Handler) HandleChat(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	// Rate-limit by user only so rotating session IDs does not bypass throttling.
	if !h.rateLimiter.Allow(userID) {
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, defaultMaxRequestBodySize)
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if sid := r.URL.Query().Get("sessionId"); sid != "" {
		req.SessionID = sid
	}
	if err := validate.Struct(req); err != nil {
		// An unusable session id behaves like an unknown one.
		slog.Debug("Ignoring invalid session id", "user_id", userID, "error", err)
		req.SessionID = ""
	}

	slog.Info("Chat request",
		"user_id", userID,
		"session_id", req.SessionID,
		"ip", identity.IPFromRequest(r),
		"prompt_length", len(req.Prompt),
	)

	result, err := h.service.SubmitTurn(r.Context(), TurnInput{
		OwnerID:   userID,
		SessionID: req.SessionID,
		Prompt:    req.Prompt,
		Channel:   "chat_http",
		RequestID: chiMiddleware.GetReqID(r.Context()),
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, chatResponse{
		SessionID: result.SessionID,
		TurnID:    result.TurnID,
		Prompt:    req.Prompt,
		Reply:     result.Reply,
		CreatedAt: time.Now().UTC(),
	})
}

// HandleNewSession handles POST /api/chat/new.
func (h *Handler) HandleNewSession(w http.ResponseWriter, r *http.Request) {
	session, err := h.service.Sessions().CreateSession(r.Context(), identity.UserIDFromContext(r.Context()))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"session_id": session.ID})
}

// HandleListSessions handles GET /api/chat/sessions.
func (h *Handler) HandleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.service.Sessions().ListSessions(r.Context(), identity.UserIDFromContext(r.Context()))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

// HandleGetSession handles GET /api/chat/sessions/{sessionID}.
func (h *Handler) HandleGetSession(w http.ResponseWriter, r *http.Request) {
	conv, err := h.service.Sessions().GetConversation(r.Context(),
		identity.UserIDFromContext(r.Context()), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

// HandleDeleteSession handles DELETE /api/chat/sessions/{sessionID}.
func (h *Handler) HandleDeleteSession(w http.ResponseWriter, r *http.Request) {
	err := h.service.Sessions().DeleteSession(r.Context(),
		identity.UserIDFromContext(r.Context()), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "session deleted"})
}

// HandleSetSessionMode handles PUT /api/chat/sessions/{sessionID}/mode.
func (h *Handler) HandleSetSessionMode(w http.ResponseWriter, r *http.Request) {
	mode, ok := DecodeModeRequest(w, r)
	if !ok {
		return
	}
	err := h.service.Sessions().SetSessionMode(r.Context(),
		identity.UserIDFromContext(r.Context()), chi.URLParam(r, "sessionID"), mode)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"mode": string(mode)})
}

// DecodeModeRequest reads a {"mode": ...} body. It writes a 400 and returns
// false when the body or the mode is invalid.
func DecodeModeRequest(w http.ResponseWriter, r *http.Request) (domain.Mode, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, defaultMaxRequestBodySize)
	var req modeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return "", false
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "mode is required")
		return "", false
	}
	mode, ok := domain.ParseMode(req.Mode)
	if !ok {
		writeError(w, http.StatusBadRequest, "mode must be one of Tutor, Interview, Assistant")
		return "", false
	}
	return mode, true
}

// StatusForError maps a service error to an HTTP status and a client-safe message.
func StatusForError(err error) (int, string) {
	switch {
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest, invalidInputMessage(err)
	case errors.Is(err, ErrSessionNotFound):
		return http.StatusNotFound, "session not found"
	default:
		return http.StatusInternalServerError, "internal server error"
	}
}

func invalidInputMessage(err error) string {
	if msg := err.Error(); len(msg) <= 200 {
		return msg
	}
	return ErrInvalidInput.Error()
}

func writeServiceError(w http.ResponseWriter, err error) {
	status, msg := StatusForError(err)
	if status == http.StatusInternalServerError {
		slog.Error("Chat request failed", "error", err)
	}
	writeError(w, status, msg)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
