//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/trax-tutor/internal/agent"
	"github.com/ashureev/trax-tutor/internal/domain"
	"github.com/ashureev/trax-tutor/internal/identity"
	"github.com/ashureev/trax-tutor/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	data := map[string]string{"foo": "bar"}

	JSON(w, http.StatusOK, data)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var got map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if got["foo"] != "bar" {
		t.Errorf("Expected foo=bar, got %v", got["foo"])
	}
}

func newTestAPI(t *testing.T) (*chi.Mux, store.Repository) {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "trax.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if id := r.Header.Get("X-Test-User"); id != "" {
				r = r.WithContext(identity.WithUser(r.Context(), id, id))
			}
			next.ServeHTTP(w, r)
		})
	})
	NewHandler(repo, agent.NewSessionManager(repo, nil)).RegisterRoutes(r)
	NewHealthHandler(repo).RegisterHealth(r)
	return r, repo
}

func serve(router http.Handler, method, path, user, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if user != "" {
		req.Header.Set("X-Test-User", user)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestGetMe(t *testing.T) {
	router, repo := newTestAPI(t)

	rec := serve(router, http.MethodGet, "/api/me/", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = serve(router, http.MethodGet, "/api/me/", "ghost", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	now := time.Now()
	require.NoError(t, repo.UpsertUser(context.Background(), &domain.User{
		UserID: "u1", Username: "alice", CreatedAt: now, UpdatedAt: now,
	}))

	rec = serve(router, http.MethodGet, "/api/me/", "u1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, map[string]string{"user_id": "u1", "username": "alice", "mode": "Tutor"}, got)
}

func TestSetMode(t *testing.T) {
	router, repo := newTestAPI(t)

	rec := serve(router, http.MethodPut, "/api/me/mode", "", `{"mode":"Interview"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = serve(router, http.MethodPut, "/api/me/mode", "u1", `{"mode":""}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(router, http.MethodPut, "/api/me/mode", "u1", `{"mode":"Pirate"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Unknown users are created with the requested preference.
	rec = serve(router, http.MethodPut, "/api/me/mode", "u1", `{"mode":"assistant"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	user, err := repo.GetUser(context.Background(), "u1")
	require.NoError(t, err)
	require.NotNil(t, user)
	assert.Equal(t, domain.ModeAssistant, user.Mode)
}

// brokenRepo fails every ping.
type brokenRepo struct {
	store.Repository
}

func (brokenRepo) Ping(context.Context) error { return errors.New("database is closed") }

func TestHealth(t *testing.T) {
	router, repo := newTestAPI(t)

	rec := serve(router, http.MethodGet, "/api/health", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"healthy"`)

	rec = httptest.NewRecorder()
	NewHealthHandler(brokenRepo{repo}).Health(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"degraded"`)
	assert.Contains(t, rec.Body.String(), `"unreachable"`)
}
