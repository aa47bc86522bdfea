package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/trax-tutor/internal/domain"
	"github.com/ashureev/trax-tutor/internal/identity"
	"github.com/coder/websocket"
)

const wsWriteTimeout = 10 * time.Second

// WebSocketHandler runs chat turns over a WebSocket. Turns on one connection
// are processed in order.
type WebSocketHandler struct {
	service       *Service
	rateLimiter   *RateLimiter
	allowedOrigin string
	isDev         bool
}

// NewWebSocketHandler creates a WebSocket chat handler sharing the HTTP
// handler's rate limiter.
func NewWebSocketHandler(h *Handler, allowedOrigin string, isDev bool) *WebSocketHandler {
	return &WebSocketHandler{
		service:       h.service,
		rateLimiter:   h.rateLimiter,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
	}
}

// wsInbound is a client frame.
type wsInbound struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Content   string `json:"content,omitempty"`
}

// wsOutbound is a server frame.
type wsOutbound struct {
	Type      string                  `json:"type"`
	SessionID string                  `json:"session_id,omitempty"`
	TurnID    string                  `json:"turn_id,omitempty"`
	Reply     *domain.StructuredReply `json:"reply,omitempty"`
	Error     string                  `json:"error,omitempty"`
	Status    int                     `json:"status,omitempty"`
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "user_id", userID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "chat ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "user_id", userID)
		}
	}()

	slog.Info("Chat WebSocket connected", "user_id", userID, "ip", identity.IPFromRequest(r))
	h.readLoop(r.Context(), ws, userID)
	slog.Info("Chat WebSocket closed", "user_id", userID)
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" || origin == h.allowedOrigin {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

func (h *WebSocketHandler) readLoop(ctx context.Context, ws *websocket.Conn, userID string) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("WebSocket closed by client", "user_id", userID)
			} else {
				slog.Warn("WebSocket read error", "error", err, "user_id", userID)
			}
			return
		}

		var msg wsInbound
		if err := json.Unmarshal(data, &msg); err != nil {
			h.send(ctx, ws, wsOutbound{Type: "error", Error: "invalid message", Status: http.StatusBadRequest})
			continue
		}

		switch msg.Type {
		case "ping":
			h.send(ctx, ws, wsOutbound{Type: "pong"})
		case "prompt":
			h.send(ctx, ws, h.turn(ctx, userID, msg))
		default:
			h.send(ctx, ws, wsOutbound{Type: "error", Error: "unknown message type", Status: http.StatusBadRequest})
		}
	}
}

func (h *WebSocketHandler) turn(ctx context.Context, userID string, msg wsInbound) wsOutbound {
	if !h.rateLimiter.Allow(userID) {
		return wsOutbound{Type: "error", SessionID: msg.SessionID, Error: "rate limit exceeded", Status: http.StatusTooManyRequests}
	}

	result, err := h.service.SubmitTurn(ctx, TurnInput{
		OwnerID:   userID,
		SessionID: msg.SessionID,
		Prompt:    msg.Content,
		Channel:   "chat_ws",
	})
	if err != nil {
		status, text := StatusForError(err)
		if status == http.StatusInternalServerError {
			slog.Error("WebSocket turn failed", "user_id", userID, "session_id", msg.SessionID, "error", err)
		}
		return wsOutbound{Type: "error", SessionID: msg.SessionID, Error: text, Status: status}
	}
	return wsOutbound{
		Type:      "reply",
		SessionID: result.SessionID,
		TurnID:    result.TurnID,
		Reply:     &result.Reply,
	}
}

func (h *WebSocketHandler) send(ctx context.Context, ws *websocket.Conn, v wsOutbound) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Warn("failed to marshal websocket frame", "error", err)
		return
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	if err := ws.Write(writeCtx, websocket.MessageText, data); err != nil {
		slog.Debug("WebSocket write error", "error", err)
	}
}
