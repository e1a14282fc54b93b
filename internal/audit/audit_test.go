package audit

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

func TestLogger(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "audit.log")

	logger, err := NewLogger(logPath)
	if err != nil {
		t.Fatalf("create audit logger: %v", err)
	}

	entries := []Entry{
		{Event: EventSessionCreated, SessionKey: "lms-3-42", Kind: "regular", BackingID: 7, ContainerID: "abc"},
		{Event: EventRelayClosed, SessionKey: "lms-3-42", Forwarded: map[string]int64{"client_to_server": 10}, Dropped: map[string]int64{"client_to_server": 1}},
		{Event: EventExamExpired, SessionKey: "exam-9-42", Kind: "exam", BackingID: 11, Actor: "sweeper"},
	}
	for _, entry := range entries {
		if err := logger.Log(entry); err != nil {
			t.Fatalf("log entry: %v", err)
		}
	}
	logger.Close()

	read, err := ReadLog(logPath, 0)
	if err != nil {
		t.Fatalf("read audit log: %v", err)
	}
	if len(read) != len(entries) {
		t.Fatalf("expected %d entries, got %d", len(entries), len(read))
	}

	seen := make(map[string]bool)
	for i, entry := range read {
		if entry.Event != entries[i].Event {
			t.Errorf("entry %d: expected event %q, got %q", i, entries[i].Event, entry.Event)
		}
		if entry.Timestamp == "" {
			t.Errorf("entry %d: timestamp is empty", i)
		}
		if entry.ID == "" || seen[entry.ID] {
			t.Errorf("entry %d: id %q is empty or duplicated", i, entry.ID)
		}
		seen[entry.ID] = true
	}
	if read[1].Dropped["client_to_server"] != 1 {
		t.Errorf("dropped counter = %v, want 1", read[1].Dropped)
	}
}

func TestReadLogLimitAndMalformed(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "audit.log")
	logger, err := NewLogger(logPath)
	if err != nil {
		t.Fatalf("create audit logger: %v", err)
	}
	for i := 0; i < 10; i++ {
		if err := logger.Log(Entry{Event: EventSessionStarted, SessionKey: fmt.Sprintf("lms-1-%d", i)}); err != nil {
			t.Fatalf("log entry: %v", err)
		}
	}
	logger.Close()

	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_WRONLY, 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	f.WriteString("not json\n")
	f.Close()

	read, err := ReadLog(logPath, 3)
	if err != nil {
		t.Fatalf("read audit log: %v", err)
	}
	if len(read) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(read))
	}
	if read[2].SessionKey != "lms-1-9" || read[0].SessionKey != "lms-1-7" {
		t.Errorf("limit should keep the newest entries, got %q..%q", read[0].SessionKey, read[2].SessionKey)
	}
}

func TestLoggerDisabled(t *testing.T) {
	logger, err := NewLogger("")
	if err != nil {
		t.Fatalf("create disabled logger: %v", err)
	}
	defer logger.Close()

	if err := logger.Log(Entry{Event: EventSessionEnded}); err != nil {
		t.Errorf("log to disabled logger: %v", err)
	}
}

func TestReadLogNonexistent(t *testing.T) {
	entries, err := ReadLog("/nonexistent/path/audit.log", 0)
	if err != nil {
		t.Errorf("expected no error for nonexistent file, got: %v", err)
	}
	if entries != nil {
		t.Errorf("expected nil entries for nonexistent file, got: %v", entries)
	}
}

func TestLoggerCreatesDirectory(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "nested", "dir", "audit.log")

	logger, err := NewLogger(logPath)
	if err != nil {
		t.Fatalf("create audit logger with nested path: %v", err)
	}
	defer logger.Close()

	if _, err := os.Stat(filepath.Dir(logPath)); os.IsNotExist(err) {
		t.Error("audit log directory was not created")
	}
}
