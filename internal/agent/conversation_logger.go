package agent

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"
)

// ConversationLogConfig controls the NDJSON conversation audit log.
type ConversationLogConfig struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
}

// ConversationLogEvent is one line of the conversation log.
type ConversationLogEvent struct {
	Timestamp  string         `json:"ts"`
	UserID     string         `json:"user_id"`
	SessionID  string         `json:"session_id"`
	Channel    string         `json:"channel"`
	Direction  string         `json:"direction"`
	EventType  string         `json:"event_type"`
	ContentRaw string         `json:"content_raw"`
	Content    string         `json:"content"`
	Meta       map[string]any `json:"meta,omitempty"`
}

// ConversationLogger records prompts and replies for later review.
type ConversationLogger interface {
	Log(event ConversationLogEvent)
	Close() error
}

type noopConversationLogger struct{}

func (noopConversationLogger) Log(ConversationLogEvent) {}
func (noopConversationLogger) Close() error             { return nil }

var (
	ansiPattern     = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]`)
	unsafePathChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)
)

// fileConversationLogger writes events asynchronously, one file per user
// session plus an optional global file. Events are dropped when the queue
// is full.
type fileConversationLogger struct {
	cfg    ConversationLogConfig
	logger *slog.Logger
	queue  chan ConversationLogEvent
	done   chan struct{}

	mu     sync.RWMutex
	closed bool

	files  map[string]*os.File
	global *os.File
}

// NewConversationLogger creates a logger from cfg. A disabled config yields a no-op logger.
func NewConversationLogger(cfg ConversationLogConfig, logger *slog.Logger) (ConversationLogger, error) {
	if !cfg.Enabled && !cfg.GlobalEnabled {
		return noopConversationLogger{}, nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}

	l := &fileConversationLogger{
		cfg:    cfg,
		logger: logger,
		queue:  make(chan ConversationLogEvent, cfg.QueueSize),
		done:   make(chan struct{}),
		files:  make(map[string]*os.File),
	}

	if cfg.Enabled {
		if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
			return nil, fmt.Errorf("create conversation log dir: %w", err)
		}
	}
	if cfg.GlobalEnabled {
		if err := os.MkdirAll(filepath.Dir(cfg.GlobalPath), 0755); err != nil {
			return nil, fmt.Errorf("create global conversation log dir: %w", err)
		}
		f, err := os.OpenFile(cfg.GlobalPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("open global conversation log: %w", err)
		}
		l.global = f
	}

	go l.run()
	return l, nil
}

// Log enqueues an event without blocking.
func (l *fileConversationLogger) Log(event ConversationLogEvent) {
	if event.Timestamp == "" {
		event.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if event.Content == "" {
		event.Content = cleanForReadability(event.ContentRaw)
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return
	}

	select {
	case l.queue <- event:
	default:
		l.logger.Warn("conversation log queue full, dropping event",
			"user_id", event.UserID,
			"session_id", event.SessionID,
			"event_type", event.EventType,
		)
	}
}

// Close drains pending events and closes all files.
func (l *fileConversationLogger) Close() error {
	l.mu.Lock()
	if !l.closed {
		l.closed = true
		close(l.queue)
	}
	l.mu.Unlock()
	<-l.done
	return nil
}

func (l *fileConversationLogger) run() {
	defer close(l.done)
	for event := range l.queue {
		l.write(event)
	}
	for path, f := range l.files {
		if err := f.Close(); err != nil {
			l.logger.Warn("failed to close conversation log", "path", path, "error", err)
		}
	}
	if l.global != nil {
		if err := l.global.Close(); err != nil {
			l.logger.Warn("failed to close global conversation log", "error", err)
		}
	}
}

func (l *fileConversationLogger) write(event ConversationLogEvent) {
	line, err := json.Marshal(event)
	if err != nil {
		l.logger.Warn("failed to marshal conversation event", "error", err)
		return
	}
	line = append(line, '\n')

	if l.cfg.Enabled {
		f, err := l.sessionFile(event.UserID, event.SessionID)
		if err != nil {
			l.logger.Warn("failed to open conversation log", "user_id", event.UserID, "error", err)
		} else if _, err := f.Write(line); err != nil {
			l.logger.Warn("failed to write conversation log", "user_id", event.UserID, "error", err)
		}
	}
	if l.global != nil {
		if _, err := l.global.Write(line); err != nil {
			l.logger.Warn("failed to write global conversation log", "error", err)
		}
	}
}

func (l *fileConversationLogger) sessionFile(userID, sessionID string) (*os.File, error) {
	dir := filepath.Join(l.cfg.Dir, pathSegment(userID, "unknown-user"))
	path := filepath.Join(dir, pathSegment(sessionID, "unknown-session")+".ndjson")
	if f, ok := l.files[path]; ok {
		return f, nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	l.files[path] = f
	return f, nil
}

func pathSegment(s, fallback string) string {
	s = unsafePathChars.ReplaceAllString(s, "_")
	if strings.Trim(s, "._") == "" {
		return fallback
	}
	return s
}

// cleanForReadability strips ANSI escapes and collapses whitespace runs.
func cleanForReadability(s string) string {
	s = ansiPattern.ReplaceAllString(s, "")
	return strings.Join(strings.Fields(s), " ")
}
