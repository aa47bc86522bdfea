package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/ashureev/trax-tutor/internal/domain"
	"github.com/ashureev/trax-tutor/internal/llm"
	"github.com/ashureev/trax-tutor/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const binarySearchReply = `{"reply":"Explain the problem in your own words.","mode":"Tutor","step":"Concept",` +
	`"correct":null,"metadata":{"topic":"binary search","difficulty":"Easy"}}`

func storedReply(t *testing.T, repo store.Repository, sessionID string) []domain.StructuredReply {
	t.Helper()
	turns, err := repo.ListTurns(context.Background(), sessionID)
	require.NoError(t, err)

	out := make([]domain.StructuredReply, 0, len(turns))
	for _, turn := range turns {
		var reply domain.StructuredReply
		require.NoError(t, json.Unmarshal([]byte(turn.Response), &reply))
		out = append(out, reply)
	}
	return out
}

func TestSubmitTurnNewSessionStructuredReply(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	provider := &fakeProvider{turn: func(llm.Request) (string, error) { return binarySearchReply, nil }}
	svc, repo := newTestService(t, provider)

	result, err := svc.SubmitTurn(ctx, TurnInput{OwnerID: "u1", Prompt: "Explain binary search"})
	require.NoError(t, err)
	require.NotEmpty(t, result.SessionID)
	require.NotEmpty(t, result.TurnID)
	assert.False(t, result.Degraded)

	session, err := repo.GetSession(ctx, result.SessionID)
	require.NoError(t, err)
	require.NotNil(t, session)
	assert.Equal(t, domain.ModeTutor, session.Mode)

	replies := storedReply(t, repo, result.SessionID)
	require.Len(t, replies, 1)
	assert.Equal(t, session.Mode, replies[0].Mode)
	require.NotNil(t, replies[0].Step)
	assert.Equal(t, domain.StepConcept, *replies[0].Step)
	assert.Nil(t, replies[0].Correct)
	require.NotNil(t, replies[0].Metadata.Topic)
	assert.Equal(t, "binary search", *replies[0].Metadata.Topic)
	assert.Equal(t, result.Reply, replies[0])

	reqs := provider.turnRequests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "USER_MODE: Tutor", reqs[0].System[1])
	assert.Empty(t, reqs[0].History)
}

func TestSubmitTurnFencedOutput(t *testing.T) {
	t.Parallel()

	provider := &fakeProvider{turn: func(llm.Request) (string, error) {
		return "```json\n" + binarySearchReply + "\n```", nil
	}}
	svc, repo := newTestService(t, provider)

	result, err := svc.SubmitTurn(context.Background(), TurnInput{OwnerID: "u1", Prompt: "Explain binary search"})
	require.NoError(t, err)
	assert.False(t, result.Degraded)

	replies := storedReply(t, repo, result.SessionID)
	require.Len(t, replies, 1)
	assert.Equal(t, "Explain the problem in your own words.", replies[0].Reply)
	require.NotNil(t, replies[0].Step)
	assert.Equal(t, domain.StepConcept, *replies[0].Step)
}

func TestSubmitTurnProseOnInterviewSessionKeepsMode(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	var calls atomic.Int32
	provider := &fakeProvider{turn: func(llm.Request) (string, error) {
		if calls.Add(1) == 1 {
			return `{"reply":"Which language do you prefer?","mode":"Interview","step":null}`, nil
		}
		return "Great, let's begin with an easy array problem.", nil
	}}
	svc, repo := newTestService(t, provider)
	seedUser(t, repo, "u1", domain.ModeInterview)

	first, err := svc.SubmitTurn(ctx, TurnInput{OwnerID: "u1", Prompt: "Start an interview"})
	require.NoError(t, err)

	second, err := svc.SubmitTurn(ctx, TurnInput{OwnerID: "u1", SessionID: first.SessionID, Prompt: "Go"})
	require.NoError(t, err)
	assert.Equal(t, first.SessionID, second.SessionID)
	assert.True(t, second.Degraded)
	assert.Equal(t, domain.StructuredReply{
		Reply: "Great, let's begin with an easy array problem.",
		Mode:  domain.ModeInterview,
	}, second.Reply)

	replies := storedReply(t, repo, first.SessionID)
	require.Len(t, replies, 2)
	assert.Equal(t, domain.ModeInterview, replies[1].Mode)
	assert.Nil(t, replies[1].Step)
	assert.Nil(t, replies[1].Correct)
	assert.Nil(t, replies[1].Metadata.Topic)
	assert.Nil(t, replies[1].Metadata.Difficulty)

	// The second request carries the first turn as history.
	reqs := provider.turnRequests()
	require.Len(t, reqs, 2)
	assert.Equal(t, []domain.Message{
		{Role: domain.RoleUser, Content: "Start an interview"},
		{Role: domain.RoleAssistant, Content: "Which language do you prefer?"},
	}, reqs[1].History)
	assert.Equal(t, "USER_MODE: Interview", reqs[1].System[1])
}

func TestSubmitTurnForeignOrUnknownSessionStartsFresh(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	svc, repo := newTestService(t, &fakeProvider{})

	owned, err := svc.SubmitTurn(ctx, TurnInput{OwnerID: "alice", Prompt: "hi"})
	require.NoError(t, err)

	foreign, err := svc.SubmitTurn(ctx, TurnInput{OwnerID: "mallory", SessionID: owned.SessionID, Prompt: "hi"})
	require.NoError(t, err)
	assert.NotEqual(t, owned.SessionID, foreign.SessionID)

	unknown, err := svc.SubmitTurn(ctx, TurnInput{OwnerID: "mallory", SessionID: "does-not-exist", Prompt: "hi"})
	require.NoError(t, err)
	assert.NotEqual(t, "does-not-exist", unknown.SessionID)

	turns, err := repo.ListTurns(ctx, owned.SessionID)
	require.NoError(t, err)
	assert.Len(t, turns, 1)

	session, err := repo.GetSession(ctx, foreign.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "mallory", session.UserID)
}

func TestSubmitTurnGeneratesTitleOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	var titles atomic.Int32
	provider := &fakeProvider{title: func(llm.Request) (string, error) {
		if titles.Add(1) == 1 {
			return "Binary Search Basics", nil
		}
		return "Something Else Entirely", nil
	}}
	svc, repo := newTestService(t, provider)

	first, err := svc.SubmitTurn(ctx, TurnInput{OwnerID: "u1", Prompt: "Explain binary search"})
	require.NoError(t, err)
	svc.Close()

	session, err := repo.GetSession(ctx, first.SessionID)
	require.NoError(t, err)
	require.True(t, session.HasTitle())
	assert.Equal(t, "Binary Search Basics", *session.Title)

	_, err = svc.SubmitTurn(ctx, TurnInput{OwnerID: "u1", SessionID: first.SessionID, Prompt: "ok"})
	require.NoError(t, err)
	svc.Close()

	session, err = repo.GetSession(ctx, first.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "Binary Search Basics", *session.Title)
	assert.Equal(t, 1, provider.titleRequests())
}

func TestSubmitTurnTitleFallbackOnProviderError(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	provider := &fakeProvider{title: func(llm.Request) (string, error) { return "", errors.New("quota") }}
	svc, repo := newTestService(t, provider)

	result, err := svc.SubmitTurn(ctx, TurnInput{OwnerID: "u1", Prompt: "How do heaps work?"})
	require.NoError(t, err)
	svc.Close()

	session, err := repo.GetSession(ctx, result.SessionID)
	require.NoError(t, err)
	require.True(t, session.HasTitle())
	assert.Equal(t, "How do heaps work?", *session.Title)
}

func TestSubmitTurnRejectsBadInput(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	provider := &fakeProvider{}
	svc, repo := newTestService(t, provider)

	_, err := svc.SubmitTurn(ctx, TurnInput{Prompt: "hi"})
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = svc.SubmitTurn(ctx, TurnInput{OwnerID: "u1", Prompt: "   \n"})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = svc.SubmitTurn(ctx, TurnInput{OwnerID: "u1", Prompt: strings.Repeat("a", testConfig().MaxPromptBytes+1)})
	assert.ErrorIs(t, err, ErrInvalidInput)

	assert.Empty(t, provider.turnRequests())
	sessions, err := repo.ListSessions(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestSubmitTurnProviderFailurePersistsNothing(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	provider := &fakeProvider{turn: func(llm.Request) (string, error) { return "", errors.New("503") }}
	svc, repo := newTestService(t, provider)

	_, err := svc.SubmitTurn(ctx, TurnInput{OwnerID: "u1", Prompt: "hi"})
	require.ErrorIs(t, err, ErrProviderUnavailable)

	sessions, err := repo.ListSessions(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, sessions, 1, "the resolved session survives as an empty session")
	assert.Nil(t, sessions[0].LastResponse)
	assert.False(t, sessions[0].HasTitle())
	assert.Zero(t, provider.titleRequests())
}

// failingTurnRepo rejects every CreateTurn.
type failingTurnRepo struct {
	store.Repository
}

func (failingTurnRepo) CreateTurn(context.Context, *domain.Turn) error {
	return errors.New("disk I/O error")
}

func TestSubmitTurnStorageFailure(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	repo := newTestRepo(t)
	provider := &fakeProvider{}
	svc := NewService(failingTurnRepo{repo}, provider, testConfig(), nil)
	t.Cleanup(func() {
		svc.Close()
		_ = repo.Close()
	})

	_, err := svc.SubmitTurn(ctx, TurnInput{OwnerID: "u1", Prompt: "hi"})
	require.ErrorIs(t, err, ErrStorageUnavailable)
	assert.Zero(t, provider.titleRequests())
}

func TestSubmitTurnLogsConversation(t *testing.T) {
	t.Parallel()

	repo := newTestRepo(t)
	rec := &recordingLogger{}
	svc := NewService(repo, &fakeProvider{}, testConfig(), rec)
	t.Cleanup(func() {
		svc.Close()
		_ = repo.Close()
	})

	_, err := svc.SubmitTurn(context.Background(), TurnInput{OwnerID: "u1", Prompt: "hi", Channel: "chat_http", RequestID: "req-1"})
	require.NoError(t, err)

	events := rec.snapshot()
	require.Len(t, events, 2)
	assert.Equal(t, "chat_user_message", events[0].EventType)
	assert.Equal(t, "hi", events[0].ContentRaw)
	assert.Equal(t, "chat_assistant_message", events[1].EventType)
	assert.Equal(t, "ok", events[1].ContentRaw)
	assert.Equal(t, "req-1", events[1].Meta["request_id"])
	assert.Equal(t, "chat_http", events[1].Channel)
}

// recordingLogger keeps conversation events in memory.
type recordingLogger struct {
	mu     sync.Mutex
	events []ConversationLogEvent
}

func (r *recordingLogger) Log(event ConversationLogEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingLogger) Close() error { return nil }

func (r *recordingLogger) snapshot() []ConversationLogEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ConversationLogEvent(nil), r.events...)
}

func TestSubmitTurnBackToBackTurnsTitleOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	release := make(chan struct{})
	var titles atomic.Int32
	provider := &fakeProvider{title: func(llm.Request) (string, error) {
		<-release
		if titles.Add(1) == 1 {
			return "Binary Search Basics", nil
		}
		return "Something Else Entirely", nil
	}}
	svc, repo := newTestService(t, provider)

	first, err := svc.SubmitTurn(ctx, TurnInput{OwnerID: "u1", Prompt: "Explain binary search"})
	require.NoError(t, err)
	_, err = svc.SubmitTurn(ctx, TurnInput{OwnerID: "u1", SessionID: first.SessionID, Prompt: "ok"})
	require.NoError(t, err)

	close(release)
	svc.Close()

	assert.Equal(t, 1, provider.titleRequests())
	session, err := repo.GetSession(ctx, first.SessionID)
	require.NoError(t, err)
	require.True(t, session.HasTitle())
	assert.Equal(t, "Binary Search Basics", *session.Title)
}
