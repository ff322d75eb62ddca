package audit

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// EventType classifies an audit event.
type EventType string

const (
	// EventTypeEncrypt is a file sealed into a container.
	EventTypeEncrypt EventType = "encrypt"
	// EventTypeDecrypt is a container opened back into a file.
	EventTypeDecrypt EventType = "decrypt"
	// EventTypeKey is a key lifecycle operation.
	EventTypeKey EventType = "key"
	// EventTypeUpload is a container replicated to remote storage.
	EventTypeUpload EventType = "upload"
	// EventTypeAccess is an API access.
	EventTypeAccess EventType = "access"
)

// Event is a single audit log entry.
type Event struct {
	Timestamp time.Time              `json:"timestamp"`
	EventType EventType              `json:"event_type"`
	Operation string                 `json:"operation"`
	File      string                 `json:"file,omitempty"`
	Container string                 `json:"container,omitempty"`
	Algorithm string                 `json:"algorithm,omitempty"`
	KeyID     string                 `json:"key_id,omitempty"`
	ClientIP  string                 `json:"client_ip,omitempty"`
	UserAgent string                 `json:"user_agent,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
	Success   bool                   `json:"success"`
	Error     string                 `json:"error,omitempty"`
	Duration  time.Duration          `json:"duration_ms"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Logger records security-relevant events.
type Logger interface {
	// Log records an event.
	Log(event *Event) error

	// LogEncrypt records a file sealed into the vault.
	LogEncrypt(file, containerName, algorithm, keyID string, success bool, err error, duration time.Duration)

	// LogDecrypt records a container restored from the vault.
	LogDecrypt(file, containerName, algorithm, keyID string, success bool, err error, duration time.Duration)

	// LogKeyOp records a key lifecycle operation.
	LogKeyOp(operation, keyID string, success bool, err error)

	// LogUpload records a replication attempt.
	LogUpload(containerName string, success bool, err error, duration time.Duration)

	// LogAccess records an API access.
	LogAccess(operation, path, clientIP, userAgent, requestID string, success bool, err error, duration time.Duration)

	// Events returns the buffered events, oldest first.
	Events() []*Event
}

// EventWriter receives every event as it is logged.
type EventWriter interface {
	WriteEvent(event *Event) error
}

// auditLogger keeps a bounded in-memory ring of events and forwards each
// one to the writer.
type auditLogger struct {
	mu        sync.Mutex
	events    []*Event
	maxEvents int
	writer    EventWriter
}

// NewLogger creates an audit logger retaining up to maxEvents entries.
func NewLogger(maxEvents int, writer EventWriter) Logger {
	if maxEvents <= 0 {
		maxEvents = 10000
	}
	if writer == nil {
		writer = &defaultWriter{}
	}

	return &auditLogger{
		events:    make([]*Event, 0, maxEvents),
		maxEvents: maxEvents,
		writer:    writer,
	}
}

// Log records an event. Writer failures never block the caller.
func (l *auditLogger) Log(event *Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	_ = l.writer.WriteEvent(event)

	l.events = append(l.events, event)
	if len(l.events) > l.maxEvents {
		l.events = l.events[len(l.events)-l.maxEvents:]
	}

	return nil
}

func (l *auditLogger) LogEncrypt(file, containerName, algorithm, keyID string, success bool, err error, duration time.Duration) {
	event := &Event{
		Timestamp: time.Now(),
		EventType: EventTypeEncrypt,
		Operation: "encrypt",
		File:      file,
		Container: containerName,
		Algorithm: algorithm,
		KeyID:     keyID,
		Success:   success,
		Duration:  duration,
	}
	if err != nil {
		event.Error = err.Error()
	}
	l.Log(event)
}

func (l *auditLogger) LogDecrypt(file, containerName, algorithm, keyID string, success bool, err error, duration time.Duration) {
	event := &Event{
		Timestamp: time.Now(),
		EventType: EventTypeDecrypt,
		Operation: "decrypt",
		File:      file,
		Container: containerName,
		Algorithm: algorithm,
		KeyID:     keyID,
		Success:   success,
		Duration:  duration,
	}
	if err != nil {
		event.Error = err.Error()
	}
	l.Log(event)
}

func (l *auditLogger) LogKeyOp(operation, keyID string, success bool, err error) {
	event := &Event{
		Timestamp: time.Now(),
		EventType: EventTypeKey,
		Operation: operation,
		KeyID:     keyID,
		Success:   success,
	}
	if err != nil {
		event.Error = err.Error()
	}
	l.Log(event)
}

func (l *auditLogger) LogUpload(containerName string, success bool, err error, duration time.Duration) {
	event := &Event{
		Timestamp: time.Now(),
		EventType: EventTypeUpload,
		Operation: "upload",
		Container: containerName,
		Success:   success,
		Duration:  duration,
	}
	if err != nil {
		event.Error = err.Error()
	}
	l.Log(event)
}

func (l *auditLogger) LogAccess(operation, path, clientIP, userAgent, requestID string, success bool, err error, duration time.Duration) {
	event := &Event{
		Timestamp: time.Now(),
		EventType: EventTypeAccess,
		Operation: operation,
		File:      path,
		ClientIP:  clientIP,
		UserAgent: userAgent,
		RequestID: requestID,
		Success:   success,
		Duration:  duration,
	}
	if err != nil {
		event.Error = err.Error()
	}
	l.Log(event)
}

// Events returns a copy of the buffered events.
func (l *auditLogger) Events() []*Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	events := make([]*Event, len(l.events))
	copy(events, l.events)
	return events
}

// defaultWriter emits events as JSON lines on stdout.
type defaultWriter struct{}

func (w *defaultWriter) WriteEvent(event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	fmt.Printf("%s\n", string(data))
	return nil
}

// Discard drops every event. Useful when only the in-memory buffer is
// wanted.
type Discard struct{}

func (Discard) WriteEvent(*Event) error { return nil }
