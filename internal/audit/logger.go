// Package audit records every command the bridge forwards to the extension.
//
// Entries are JSON lines on a dedicated writer (stderr by default) so an
// operator can reconstruct what a session was asked to do. Message text is
// never recorded, only its size.
package audit

import (
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Operation represents the type of auditable operation
type Operation string

const (
	OpNewTask     Operation = "task.new"
	OpAskResponse Operation = "task.ask_response"
	OpResume      Operation = "task.resume"
	OpCondense    Operation = "task.condense"
	OpSetMode     Operation = "mode.set"
	OpOther       Operation = "message.other"
)

// Event represents an audit log entry
type Event struct {
	Timestamp time.Time      `json:"timestamp"`
	Operation Operation      `json:"operation"`
	SessionID string         `json:"session_id,omitempty"`
	TaskID    string         `json:"task_id,omitempty"`
	Source    string         `json:"source,omitempty"` // jsonio or mcp
	Success   bool           `json:"success"`
	Error     string         `json:"error,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// Logger handles audit logging
type Logger struct {
	logger  *slog.Logger
	enabled bool
	mu      sync.RWMutex
}

var (
	defaultLogger *Logger
	once          sync.Once
)

// Default returns the process-wide audit logger. It starts disabled and
// writes to stderr once enabled.
func Default() *Logger {
	once.Do(func() {
		defaultLogger = New(os.Stderr, false)
	})
	return defaultLogger
}

// New creates an audit logger writing JSON lines to w
func New(w io.Writer, enabled bool) *Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	return &Logger{
		logger:  slog.New(handler),
		enabled: enabled,
	}
}

// SetEnabled enables or disables audit logging
func (l *Logger) SetEnabled(enabled bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = enabled
}

// Enabled reports whether entries are being written
func (l *Logger) Enabled() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.enabled
}

// Log records an audit event
func (l *Logger) Log(event *Event) {
	if !l.Enabled() {
		return
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	attrs := []any{
		slog.String("audit", "true"),
		slog.String("operation", string(event.Operation)),
		slog.Bool("success", event.Success),
	}

	if event.SessionID != "" {
		attrs = append(attrs, slog.String("session_id", event.SessionID))
	}
	if event.TaskID != "" {
		attrs = append(attrs, slog.String("task_id", event.TaskID))
	}
	if event.Source != "" {
		attrs = append(attrs, slog.String("source", event.Source))
	}
	if event.Error != "" {
		attrs = append(attrs, slog.String("error", event.Error))
	}
	if event.Details != nil {
		detailsJSON, _ := json.Marshal(event.Details)
		attrs = append(attrs, slog.String("details", string(detailsJSON)))
	}

	l.logger.Info("AUDIT", attrs...)
}

// Record logs op with its outcome; err == nil means success
func (l *Logger) Record(op Operation, sessionID string, details map[string]any, err error) {
	ev := &Event{
		Operation: op,
		SessionID: sessionID,
		Success:   err == nil,
		Details:   details,
	}
	if err != nil {
		ev.Error = err.Error()
	}
	l.Log(ev)
}

// Convenience functions using default logger

func Log(event *Event) {
	Default().Log(event)
}

func Record(op Operation, sessionID string, details map[string]any, err error) {
	Default().Record(op, sessionID, details, err)
}
