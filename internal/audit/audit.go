// Package audit records one entry per license-authority request:
// who asked, over which route, and whether key material was released.
// Audit failures must never block or fail the response being audited.
package audit

import (
	"fmt"
	"sync"
	"time"

	"github.com/kenneth/clearkey-license-gateway/internal/config"
)

// EventType classifies an audit event.
type EventType string

const (
	// EventTypeLicense is a license issuance attempt.
	EventTypeLicense EventType = "license"
	// EventTypeStatus is a gated status query.
	EventTypeStatus EventType = "status"
	// EventTypeKeyReload is an administrative key store reload.
	EventTypeKeyReload EventType = "key_reload"
)

// Event is a single audit log entry. Client identifiers are truncated
// before they get here; key material never appears in an event.
type Event struct {
	Timestamp   time.Time     `json:"timestamp"`
	EventType   EventType     `json:"event_type"`
	Method      string        `json:"method,omitempty"`
	Path        string        `json:"path,omitempty"`
	Client      string        `json:"client,omitempty"`
	RequestID   string        `json:"request_id,omitempty"`
	AuthOutcome string        `json:"auth_outcome,omitempty"`
	Outcome     string        `json:"outcome"`
	Status      int           `json:"status,omitempty"`
	Reason      string        `json:"reason,omitempty"`
	Duration    time.Duration `json:"duration_ms,omitempty"`
}

// Logger records audit events.
type Logger interface {
	// Log records an event. Implementations must not fail the
	// caller's request path; sink errors are swallowed after a
	// best-effort write.
	Log(event *Event)

	// LogRequest records the outcome of one HTTP request.
	LogRequest(eventType EventType, method, path, client, requestID, authOutcome, outcome string, status int, reason string, duration time.Duration)

	// Events returns the in-memory event buffer, newest last.
	Events() []*Event

	// Close flushes and closes the underlying sink.
	Close() error
}

type auditLogger struct {
	mu        sync.Mutex
	events    []*Event
	maxEvents int
	writer    Writer
}

// NewLogger creates an audit logger writing through the given sink.
// A nil writer falls back to stdout.
func NewLogger(maxEvents int, writer Writer) Logger {
	if writer == nil {
		writer = &StdoutSink{}
	}
	if maxEvents <= 0 {
		maxEvents = 1000
	}
	return &auditLogger{
		events:    make([]*Event, 0, maxEvents),
		maxEvents: maxEvents,
		writer:    writer,
	}
}

// NewLoggerFromConfig builds a logger with the configured sink.
func NewLoggerFromConfig(cfg config.AuditConfig) (Logger, error) {
	var writer Writer

	switch cfg.Sink.Type {
	case "http":
		writer = NewHTTPSink(cfg.Sink.Endpoint, cfg.Sink.Headers)
	case "file":
		writer = NewFileSink(cfg.Sink.FilePath)
	case "stdout", "":
		writer = &StdoutSink{}
	default:
		return nil, fmt.Errorf("unknown sink type: %s", cfg.Sink.Type)
	}

	if cfg.Sink.BatchSize > 0 || cfg.Sink.FlushInterval > 0 {
		writer = NewBatchSink(writer, cfg.Sink.BatchSize, cfg.Sink.FlushInterval, cfg.Sink.RetryCount, cfg.Sink.RetryBackoff)
	}

	return NewLogger(cfg.MaxEvents, writer), nil
}

func (l *auditLogger) Log(event *Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	// Sink errors are deliberately dropped: the audit trail is
	// best-effort and must never fail a license response.
	_ = l.writer.Write(event)

	l.events = append(l.events, event)
	if len(l.events) > l.maxEvents {
		l.events = l.events[len(l.events)-l.maxEvents:]
	}
}

func (l *auditLogger) LogRequest(eventType EventType, method, path, client, requestID, authOutcome, outcome string, status int, reason string, duration time.Duration) {
	l.Log(&Event{
		Timestamp:   time.Now().UTC(),
		EventType:   eventType,
		Method:      method,
		Path:        path,
		Client:      TruncateClient(client),
		RequestID:   requestID,
		AuthOutcome: authOutcome,
		Outcome:     outcome,
		Status:      status,
		Reason:      reason,
		Duration:    duration,
	})
}

func (l *auditLogger) Events() []*Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	events := make([]*Event, len(l.events))
	copy(events, l.events)
	return events
}

func (l *auditLogger) Close() error {
	if closer, ok := l.writer.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

// TruncateClient shortens a client identifier (usually host:port) for
// the audit trail. Full addresses stay in the server log only.
func TruncateClient(client string) string {
	const max = 16
	if len(client) <= max {
		return client
	}
	return client[:max] + "..."
}
