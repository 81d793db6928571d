// Package audit emits structured JSON audit events for security-relevant
// actions: authentication results, job submissions, webhook processing, and
// administrative key changes. Events carry record ids and backend tags but
// never secrets, tokens, file contents, or full phone numbers.
package audit

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType categorizes an audit event.
type EventType string

const (
	EventAuth    EventType = "AUTH"
	EventFax     EventType = "FAX"
	EventInbound EventType = "INBOUND"
	EventWebhook EventType = "WEBHOOK"
	EventAdmin   EventType = "ADMIN"
	EventSystem  EventType = "SYSTEM"
)

// Event is one structured audit record.
type Event struct {
	ID        string         `json:"id"`
	KeyID     string         `json:"key_id,omitempty"`
	Type      EventType      `json:"type"`
	Action    string         `json:"action"`
	Resource  string         `json:"resource,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Logger records audit events.
type Logger interface {
	Record(ctx context.Context, eventType EventType, keyID, action, resource string, metadata map[string]any)
}

// logger writes one JSON line per event, prefixed for easy filtering.
type logger struct {
	mu     sync.Mutex
	writer io.Writer
}

// NewLogger creates a Logger writing to os.Stdout.
func NewLogger() Logger {
	return NewLoggerWithWriter(os.Stdout)
}

// NewLoggerWithWriter creates a Logger writing to the given writer.
// This allows injection for testing and custom sinks.
func NewLoggerWithWriter(w io.Writer) Logger {
	if w == nil {
		w = os.Stdout
	}
	return &logger{writer: w}
}

func (l *logger) Record(ctx context.Context, eventType EventType, keyID, action, resource string, metadata map[string]any) {
	event := Event{
		ID:        uuid.New().String(),
		KeyID:     keyID,
		Type:      eventType,
		Action:    action,
		Resource:  resource,
		Timestamp: time.Now().UTC(),
		Metadata:  metadata,
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	b, err := json.Marshal(event)
	if err != nil {
		return
	}
	_, _ = l.writer.Write(append([]byte("AUDIT: "), append(b, '\n')...))
}

// nop discards every event; used when AUDIT_LOG_ENABLED is off.
type nop struct{}

func (nop) Record(context.Context, EventType, string, string, string, map[string]any) {}

// NewNopLogger returns a Logger that records nothing.
func NewNopLogger() Logger { return nop{} }
