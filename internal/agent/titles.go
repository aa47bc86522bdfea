package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/trax-tutor/internal/domain"
	"github.com/ashureev/trax-tutor/internal/llm"
	"github.com/ashureev/trax-tutor/internal/store"
	"golang.org/x/sync/semaphore"
)

const (
	titlePersistTimeout = 5 * time.Second
	maxFallbackWords    = 6
	maxTitleLength      = 80
)

// TitleGenerator names sessions in the background after their first turn.
type TitleGenerator struct {
	provider  llm.Provider
	repo      store.Repository
	model     string
	maxTokens int
	timeout   time.Duration
	sem       *semaphore.Weighted
	wg        sync.WaitGroup

	mu       sync.Mutex
	inflight map[string]struct{}
}

// NewTitleGenerator creates a generator running at most concurrency jobs at once.
func NewTitleGenerator(provider llm.Provider, repo store.Repository, model string, maxTokens, concurrency int, timeout time.Duration) *TitleGenerator {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &TitleGenerator{
		provider:  provider,
		repo:      repo,
		model:     model,
		maxTokens: maxTokens,
		timeout:   timeout,
		sem:       semaphore.NewWeighted(int64(concurrency)),
		inflight:  make(map[string]struct{}),
	}
}

// MaybeGenerate starts a title job when the session has no title yet and no
// job is already running for it, and reports whether it did. The job
// outlives ctx.
func (g *TitleGenerator) MaybeGenerate(ctx context.Context, session *domain.Session, firstPrompt, firstReply string) bool {
	if session == nil || session.HasTitle() {
		return false
	}

	g.mu.Lock()
	if _, busy := g.inflight[session.ID]; busy {
		g.mu.Unlock()
		return false
	}
	g.inflight[session.ID] = struct{}{}
	g.mu.Unlock()

	detached := context.WithoutCancel(ctx)
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer func() {
			g.mu.Lock()
			delete(g.inflight, session.ID)
			g.mu.Unlock()
		}()
		g.run(detached, session.ID, firstPrompt, firstReply)
	}()
	return true
}

// Wait blocks until every started job has finished.
func (g *TitleGenerator) Wait() {
	g.wg.Wait()
}

func (g *TitleGenerator) run(ctx context.Context, sessionID, prompt, reply string) {
	jobCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	var title string
	if err := g.sem.Acquire(jobCtx, 1); err != nil {
		slog.Warn("Title job timed out waiting for a slot", "session_id", sessionID, "error", err)
		title = fallbackTitle(prompt)
		titlesTotal.WithLabelValues("fallback").Inc()
	} else {
		title = g.Generate(jobCtx, prompt, reply)
		g.sem.Release(1)
	}

	saveCtx, cancelSave := context.WithTimeout(ctx, titlePersistTimeout)
	defer cancelSave()
	stored, err := g.repo.SetSessionTitleIfUnset(saveCtx, sessionID, title)
	if err != nil {
		slog.Warn("Failed to store session title", "session_id", sessionID, "error", err)
		titlesTotal.WithLabelValues("store_error").Inc()
		return
	}
	if !stored {
		// Another instance titled it first, or the session was deleted.
		slog.Debug("Session already titled, discarding", "session_id", sessionID, "title", title)
		titlesTotal.WithLabelValues("discarded").Inc()
		return
	}
	slog.Debug("Session title stored", "session_id", sessionID, "title", title)
}

// Generate asks the provider for a short title. It always returns a
// non-empty title: empty output yields the default title and a provider
// failure yields one built from the prompt.
func (g *TitleGenerator) Generate(ctx context.Context, prompt, reply string) string {
	start := time.Now()
	raw, err := g.provider.Complete(ctx, llm.Request{
		System:    []string{titleSystemPrompt},
		User:      fmt.Sprintf(titlePromptFormat, prompt, reply),
		MaxTokens: g.maxTokens,
		Model:     g.model,
	})
	if err != nil {
		completionDuration.WithLabelValues("title", "error").Observe(time.Since(start).Seconds())
		titlesTotal.WithLabelValues("fallback").Inc()
		slog.Warn("Title generation failed, using prompt fallback", "error", err)
		return fallbackTitle(prompt)
	}
	completionDuration.WithLabelValues("title", "ok").Observe(time.Since(start).Seconds())

	title := cleanTitle(raw)
	if title == "" {
		titlesTotal.WithLabelValues("empty").Inc()
		return domain.DefaultSessionTitle
	}
	titlesTotal.WithLabelValues("generated").Inc()
	return title
}

// cleanTitle keeps the first line of the model output without quotes.
func cleanTitle(raw string) string {
	title := strings.TrimSpace(raw)
	if i := strings.IndexAny(title, "\r\n"); i >= 0 {
		title = title[:i]
	}
	title = strings.TrimPrefix(title, "Title:")
	title = strings.Trim(strings.TrimSpace(title), "\"'`*")
	title = strings.TrimSpace(title)
	return truncateRunes(title, maxTitleLength)
}

func fallbackTitle(prompt string) string {
	words := strings.Fields(prompt)
	if len(words) == 0 {
		return domain.DefaultSessionTitle
	}
	if len(words) > maxFallbackWords {
		words = words[:maxFallbackWords]
	}
	return truncateRunes(strings.Join(words, " "), maxTitleLength)
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return strings.TrimSpace(string(r[:n]))
}
