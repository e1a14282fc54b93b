// Package audit writes session events to a JSON-lines file.
package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event names.
const (
	EventSessionCreated = "session.created"
	EventSessionStarted = "session.started"
	EventSessionStopped = "session.stopped"
	EventSessionEnded   = "session.ended"
	EventExamExpired    = "exam.expired"
	EventRelayOpened    = "relay.opened"
	EventRelayClosed    = "relay.closed"
)

// Entry is a single audit record.
type Entry struct {
	ID          string `json:"id"`
	Timestamp   string `json:"timestamp"`
	Event       string `json:"event"`
	SessionKey  string `json:"session_key,omitempty"`
	Kind        string `json:"kind,omitempty"`
	BackingID   int64  `json:"backing_id,omitempty"`
	ContainerID string `json:"container_id,omitempty"`
	Actor       string `json:"actor,omitempty"`
	// Relay counters, set on relay.closed.
	Forwarded map[string]int64 `json:"forwarded,omitempty"`
	Dropped   map[string]int64 `json:"dropped,omitempty"`
	// DroppedBytes sums the declared clipboard text lengths per direction.
	DroppedBytes map[string]int64 `json:"dropped_bytes,omitempty"`
	Error        string           `json:"error,omitempty"`
}

// Recorder is implemented by Logger; components depend on it so tests can
// pass a fake.
type Recorder interface {
	Log(entry Entry) error
}

// Logger writes audit entries in JSON-lines format.
type Logger struct {
	writer io.WriteCloser
	mu     sync.Mutex
}

// NewLogger creates an audit logger writing to path.
// If path is empty, audit logging is disabled.
func NewLogger(path string) (*Logger, error) {
	if path == "" {
		return &Logger{writer: nopWriteCloser{}}, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create audit log directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0640)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}

	return &Logger{writer: file}, nil
}

// Log appends an entry, filling in its id and timestamp.
func (l *Logger) Log(entry Entry) error {
	if l == nil || l.writer == nil {
		return nil
	}

	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp == "" {
		entry.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.writer.Write(data); err != nil {
		return fmt.Errorf("write audit entry: %w", err)
	}
	return nil
}

// Close closes the audit log file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.writer != nil {
		return l.writer.Close()
	}
	return nil
}

// ReadLog reads audit entries from path, oldest first. When limit is
// positive only the newest limit entries are returned. A missing file
// yields no entries.
func ReadLog(path string, limit int) ([]Entry, error) {
	if path == "" {
		return nil, nil
	}

	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	defer file.Close()

	var entries []Entry
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		var entry Entry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			// Skip malformed lines
			continue
		}
		entries = append(entries, entry)
		if limit > 0 && len(entries) > 2*limit {
			entries = append(entries[:0], entries[len(entries)-limit:]...)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read audit log: %w", err)
	}

	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return entries, nil
}

// nopWriteCloser is a no-op io.WriteCloser for disabled audit logging.
type nopWriteCloser struct{}

func (nopWriteCloser) Write(p []byte) (int, error) { return len(p), nil }
func (nopWriteCloser) Close() error                { return nil }
