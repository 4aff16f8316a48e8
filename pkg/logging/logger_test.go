package logging

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func readEvents(t *testing.T, path string) []Event {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("opening log: %v", err)
	}
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e Event
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			t.Fatalf("bad log line %q: %v", scanner.Text(), err)
		}
		events = append(events, e)
	}
	return events
}

func TestLoggerWritesJSONL(t *testing.T) {
	dir := t.TempDir()
	l, err := NewLogger(dir, "agent-7")
	if err != nil {
		t.Fatal(err)
	}

	if err := l.Info(CategorySession, "session_created", "created", map[string]any{"provider": "docker"}); err != nil {
		t.Fatal(err)
	}
	if err := l.Error(CategoryBudget, "reconcile_failed", "boom", nil); err != nil {
		t.Fatal(err)
	}
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}

	plane := readEvents(t, filepath.Join(dir, "plane.jsonl"))
	if len(plane) != 2 {
		t.Fatalf("plane log has %d events, want 2", len(plane))
	}
	if plane[0].Agent != "agent-7" {
		t.Errorf("agent = %q, want agent-7", plane[0].Agent)
	}
	if plane[0].Category != CategorySession || plane[0].EventType != "session_created" {
		t.Errorf("unexpected first event: %+v", plane[0])
	}
	if plane[0].Timestamp.IsZero() {
		t.Error("timestamp not filled in")
	}

	errs := readEvents(t, filepath.Join(dir, "errors.jsonl"))
	if len(errs) != 1 || errs[0].EventType != "reconcile_failed" {
		t.Errorf("error log = %+v, want the reconcile failure only", errs)
	}
}

func TestLoggerMinLevel(t *testing.T) {
	dir := t.TempDir()
	l, err := NewLogger(dir, "a")
	if err != nil {
		t.Fatal(err)
	}

	_ = l.Debug(CategoryWatch, "poll", "dropped by default", nil)
	l.SetMinLevel(LevelDebug)
	_ = l.Debug(CategoryWatch, "poll", "kept", nil)
	_ = l.Close()

	events := readEvents(t, filepath.Join(dir, "plane.jsonl"))
	if len(events) != 1 || events[0].Message != "kept" {
		t.Errorf("events = %+v, want only the post-SetMinLevel debug", events)
	}
}

func TestNilLoggerIsSafe(t *testing.T) {
	var l *Logger
	if err := l.Info(CategorySession, "x", "y", nil); err != nil {
		t.Errorf("nil logger Info = %v", err)
	}
	if err := l.Close(); err != nil {
		t.Errorf("nil logger Close = %v", err)
	}
}
