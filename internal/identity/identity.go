// Package identity resolves the owner of each request.
//
// Two modes are supported: an anonymous per-device cookie, and a user ID
// supplied by a trusted gateway header. Either way the user row is created on
// first sight so new sessions can read the preferred mode.
package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/ashureev/trax-tutor/internal/config"
	"github.com/ashureev/trax-tutor/internal/domain"
	"github.com/ashureev/trax-tutor/internal/store"
)

const (
	AnonCookieName   = "trax_anon_id"
	anonCookieMaxAge = 30 * 24 * time.Hour
)

type contextKey int

const (
	userIDKey contextKey = iota
	usernameKey
)

var (
	anonIDPattern   = regexp.MustCompile(`^anon_[a-f0-9]{32}$`)
	headerIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:@-]{1,128}$`)
)

// UserIDFromContext extracts the user ID from the request context.
func UserIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(userIDKey).(string); ok {
		return v
	}
	return ""
}

// UsernameFromContext extracts the username from the request context.
func UsernameFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(usernameKey).(string); ok {
		return v
	}
	return ""
}

// WithUser returns a context carrying the given identity.
func WithUser(ctx context.Context, userID, username string) context.Context {
	ctx = context.WithValue(ctx, userIDKey, userID)
	return context.WithValue(ctx, usernameKey, username)
}

func generateAnonID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate anonymous id: %w", err)
	}
	return "anon_" + hex.EncodeToString(buf), nil
}

func isValidAnonID(id string) bool {
	return anonIDPattern.MatchString(id)
}

func deriveUsername(userID string) string {
	if strings.HasPrefix(userID, "anon_") {
		if len(userID) > 13 {
			return "anon-" + userID[len(userID)-8:]
		}
		return "anon-user"
	}
	return userID
}

func ensureUser(ctx context.Context, repo store.Repository, userID string) error {
	user, err := repo.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if user != nil {
		return nil
	}

	now := time.Now()
	return repo.UpsertUser(ctx, &domain.User{
		UserID:    userID,
		Username:  deriveUsername(userID),
		Mode:      domain.ModeTutor,
		CreatedAt: now,
		UpdatedAt: now,
	})
}

func setAnonCookie(w http.ResponseWriter, id string, isDev bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     AnonCookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   int(anonCookieMaxAge.Seconds()),
		Expires:  time.Now().Add(anonCookieMaxAge),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   !isDev,
	})
}

func getOrCreateAnonID(w http.ResponseWriter, r *http.Request, isDev bool) (string, error) {
	if c, err := r.Cookie(AnonCookieName); err == nil && isValidAnonID(c.Value) {
		setAnonCookie(w, c.Value, isDev)
		return c.Value, nil
	}

	id, err := generateAnonID()
	if err != nil {
		return "", err
	}
	setAnonCookie(w, id, isDev)
	return id, nil
}

// userIDFromHeader returns the gateway-supplied user ID, or "" when the
// header is missing or malformed.
func userIDFromHeader(r *http.Request, header string) string {
	id := strings.TrimSpace(r.Header.Get(header))
	if !headerIDPattern.MatchString(id) {
		return ""
	}
	return id
}

// Middleware injects the request owner into the context. In header mode a
// request without a usable header passes through with no owner, and
// handlers answer 401.
func Middleware(repo store.Repository, cfg *config.Config) func(http.Handler) http.Handler {
	headerMode := cfg.IdentityMode == config.IdentityHeader
	isDev := cfg.IsDevelopment()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var userID string
			if headerMode {
				userID = userIDFromHeader(r, cfg.IdentityHeader)
				if userID == "" {
					next.ServeHTTP(w, r)
					return
				}
			} else {
				id, err := getOrCreateAnonID(w, r, isDev)
				if err != nil {
					http.Error(w, `{"error":"failed to establish anonymous identity"}`, http.StatusInternalServerError)
					return
				}
				userID = id
			}

			if err := ensureUser(r.Context(), repo, userID); err != nil {
				slog.Error("Failed to initialize user", "user_id", userID, "error", err)
				http.Error(w, `{"error":"failed to initialize user"}`, http.StatusInternalServerError)
				return
			}

			ctx := WithUser(r.Context(), userID, deriveUsername(userID))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// IPFromRequest returns a normalized remote IP for optional request tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
