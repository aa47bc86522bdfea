package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ashureev/trax-tutor/internal/domain"
	"github.com/ashureev/trax-tutor/internal/identity"
	"github.com/ashureev/trax-tutor/internal/llm"
	"github.com/ashureev/trax-tutor/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testUserHeader = "X-Test-User"

// withTestUser injects the identity named by X-Test-User, if any.
func withTestUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := r.Header.Get(testUserHeader); id != "" {
			r = r.WithContext(identity.WithUser(r.Context(), id, id))
		}
		next.ServeHTTP(w, r)
	})
}

func newTestRouter(t *testing.T, provider *fakeProvider, requestsPerWindow int) (http.Handler, *Service, store.Repository) {
	t.Helper()
	svc, repo := newTestService(t, provider)

	cfg := testConfig()
	cfg.RateLimit.RequestsPerWindow = requestsPerWindow
	h := NewHandler(svc, cfg)
	h.SetWebSocket(NewWebSocketHandler(h, "", true))
	t.Cleanup(h.Close)

	r := chi.NewRouter()
	r.Use(withTestUser)
	h.RegisterRoutes(r)
	return r, svc, repo
}

func doRequest(t *testing.T, router http.Handler, method, path, user, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set(testUserHeader, user)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(bytes.NewReader(rec.Body.Bytes())).Decode(&out))
	return out
}

func TestHandleChat(t *testing.T) {
	t.Parallel()
	router, _, _ := newTestRouter(t, &fakeProvider{}, 10)

	rec := doRequest(t, router, http.MethodPost, "/api/chat/", "u1", `{"prompt":"Explain binary search"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decodeBody[chatResponse](t, rec)
	assert.NotEmpty(t, resp.SessionID)
	assert.NotEmpty(t, resp.TurnID)
	assert.Equal(t, "Explain binary search", resp.Prompt)
	assert.Equal(t, "ok", resp.Reply.Reply)
	assert.Equal(t, domain.ModeTutor, resp.Reply.Mode)

	// The query parameter addresses the same session.
	rec = doRequest(t, router, http.MethodPost, "/api/chat/?sessionId="+resp.SessionID, "u1", `{"prompt":"next"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, resp.SessionID, decodeBody[chatResponse](t, rec).SessionID)
}

func TestHandleChatErrors(t *testing.T) {
	t.Parallel()
	router, _, _ := newTestRouter(t, &fakeProvider{}, 10)

	cases := []struct {
		name   string
		user   string
		body   string
		status int
	}{
		{"no identity", "", `{"prompt":"hi"}`, http.StatusUnauthorized},
		{"malformed body", "u1", `{"prompt":`, http.StatusBadRequest},
		{"blank prompt", "u1", `{"prompt":"   "}`, http.StatusBadRequest},
		{"body too large", "u1", `{"prompt":"` + strings.Repeat("a", defaultMaxRequestBodySize) + `"}`, http.StatusRequestEntityTooLarge},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doRequest(t, router, http.MethodPost, "/api/chat/", tc.user, tc.body)
			assert.Equal(t, tc.status, rec.Code, rec.Body.String())
		})
	}
}

func TestHandleChatRateLimited(t *testing.T) {
	t.Parallel()
	router, _, _ := newTestRouter(t, &fakeProvider{}, 2)

	for i := 0; i < 2; i++ {
		rec := doRequest(t, router, http.MethodPost, "/api/chat/", "u1", `{"prompt":"hi"}`)
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec := doRequest(t, router, http.MethodPost, "/api/chat/", "u1", `{"prompt":"hi"}`)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	// Other users keep their own budget.
	rec = doRequest(t, router, http.MethodPost, "/api/chat/", "u2", `{"prompt":"hi"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleChatProviderFailure(t *testing.T) {
	t.Parallel()
	provider := &fakeProvider{turn: func(llm.Request) (string, error) { return "", assert.AnError }}
	router, _, _ := newTestRouter(t, provider, 10)

	rec := doRequest(t, router, http.MethodPost, "/api/chat/", "u1", `{"prompt":"hi"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "internal server error", decodeBody[map[string]string](t, rec)["error"])
}

func TestSessionRoutes(t *testing.T) {
	t.Parallel()
	router, svc, _ := newTestRouter(t, &fakeProvider{}, 10)

	rec := doRequest(t, router, http.MethodPost, "/api/chat/new", "u1", "")
	require.Equal(t, http.StatusCreated, rec.Code)
	sid := decodeBody[map[string]string](t, rec)["session_id"]
	require.NotEmpty(t, sid)

	rec = doRequest(t, router, http.MethodPost, "/api/chat/?sessionId="+sid, "u1", `{"prompt":"Explain heaps"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	svc.Close()

	rec = doRequest(t, router, http.MethodGet, "/api/chat/sessions", "u1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	list := decodeBody[struct {
		Sessions []SessionOverview `json:"sessions"`
	}](t, rec)
	require.Len(t, list.Sessions, 1)
	assert.Equal(t, sid, list.Sessions[0].ID)
	assert.Equal(t, "Binary Search Basics", list.Sessions[0].Title)
	require.NotNil(t, list.Sessions[0].LastMessage)
	assert.Equal(t, "ok", *list.Sessions[0].LastMessage)

	rec = doRequest(t, router, http.MethodGet, "/api/chat/sessions/"+sid, "u1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	conv := decodeBody[Conversation](t, rec)
	require.Len(t, conv.Turns, 1)
	assert.Equal(t, "Explain heaps", conv.Turns[0].Prompt)
	assert.Equal(t, "ok", conv.Turns[0].Reply)
	require.NotNil(t, conv.Turns[0].Structured)

	rec = doRequest(t, router, http.MethodPut, "/api/chat/sessions/"+sid+"/mode", "u1", `{"mode":"interview"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Interview", decodeBody[map[string]string](t, rec)["mode"])

	rec = doRequest(t, router, http.MethodPut, "/api/chat/sessions/"+sid+"/mode", "u1", `{"mode":"Pirate"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Foreign sessions look like missing ones.
	assert.Equal(t, http.StatusNotFound, doRequest(t, router, http.MethodGet, "/api/chat/sessions/"+sid, "u2", "").Code)
	assert.Equal(t, http.StatusNotFound, doRequest(t, router, http.MethodDelete, "/api/chat/sessions/"+sid, "u2", "").Code)
	assert.Equal(t, http.StatusNotFound,
		doRequest(t, router, http.MethodPut, "/api/chat/sessions/"+sid+"/mode", "u2", `{"mode":"Tutor"}`).Code)

	rec = doRequest(t, router, http.MethodDelete, "/api/chat/sessions/"+sid, "u1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, http.StatusNotFound, doRequest(t, router, http.MethodGet, "/api/chat/sessions/"+sid, "u1", "").Code)
}

func TestSessionRoutesRequireIdentity(t *testing.T) {
	t.Parallel()
	router, _, _ := newTestRouter(t, &fakeProvider{}, 10)

	assert.Equal(t, http.StatusUnauthorized, doRequest(t, router, http.MethodPost, "/api/chat/new", "", "").Code)
	assert.Equal(t, http.StatusUnauthorized, doRequest(t, router, http.MethodGet, "/api/chat/sessions", "", "").Code)
	assert.Equal(t, http.StatusUnauthorized, doRequest(t, router, http.MethodDelete, "/api/chat/sessions/x", "", "").Code)
}

func TestNewSessionUsesPreferredMode(t *testing.T) {
	t.Parallel()
	router, _, repo := newTestRouter(t, &fakeProvider{}, 10)
	seedUser(t, repo, "u1", domain.ModeAssistant)

	rec := doRequest(t, router, http.MethodPost, "/api/chat/new", "u1", "")
	require.Equal(t, http.StatusCreated, rec.Code)
	sid := decodeBody[map[string]string](t, rec)["session_id"]

	rec = doRequest(t, router, http.MethodGet, "/api/chat/sessions/"+sid, "u1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.ModeAssistant, decodeBody[Conversation](t, rec).Session.Mode)
}

func TestHandleChatOversizedSessionIDStartsFresh(t *testing.T) {
	t.Parallel()
	router, _, repo := newTestRouter(t, &fakeProvider{}, 10)

	long := strings.Repeat("x", 200)
	for _, path := range []string{"/api/chat/?sessionId=" + long, "/api/chat/"} {
		rec := doRequest(t, router, http.MethodPost, path, "u1", `{"prompt":"hi","session_id":"`+long+`"}`)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		resp := decodeBody[chatResponse](t, rec)
		assert.NotEqual(t, long, resp.SessionID)
		session, err := repo.GetSession(context.Background(), resp.SessionID)
		require.NoError(t, err)
		require.NotNil(t, session)
		assert.Equal(t, "u1", session.UserID)
	}
}
