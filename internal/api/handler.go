// Package api provides HTTP handlers for the Trax API outside the chat routes.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/ashureev/trax-tutor/internal/agent"
	"github.com/ashureev/trax-tutor/internal/identity"
	"github.com/ashureev/trax-tutor/internal/store"
	"github.com/go-chi/chi/v5"
)

// Handler serves the current user's profile and mode preference.
type Handler struct {
	repo     store.Repository
	sessions *agent.SessionManager
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(repo store.Repository, sessions *agent.SessionManager) *Handler {
	return &Handler{repo: repo, sessions: sessions}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// RegisterRoutes registers user routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api/me", func(r chi.Router) {
		r.Get("/", h.GetMe)
		r.Put("/mode", h.SetMode)
	})
}

// GetMe returns the current user's information.
func (h *Handler) GetMe(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	user, err := h.repo.GetUser(r.Context(), userID)
	if err != nil || user == nil {
		Error(w, http.StatusUnauthorized, "user not found")
		return
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"user_id":  user.UserID,
		"username": user.Username,
		"mode":     user.PreferredMode(),
	})
}

// SetMode stores the mode new sessions start in.
func (h *Handler) SetMode(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	mode, ok := agent.DecodeModeRequest(w, r)
	if !ok {
		return
	}
	if err := h.sessions.SetPreferredMode(r.Context(), userID, mode); err != nil {
		status, msg := agent.StatusForError(err)
		Error(w, status, msg)
		return
	}
	JSON(w, http.StatusOK, map[string]string{"mode": string(mode)})
}
