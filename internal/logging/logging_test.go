package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestNewLoggerTo_Level(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(&buf, "warn")

	logger.Info("hidden")
	logger.Warn("shown", "rep_count", 3)

	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("expected exactly one JSON line, got %q: %v", buf.String(), err)
	}
	if entry["msg"] != "shown" || entry["rep_count"] != float64(3) {
		t.Errorf("entry = %v", entry)
	}
}

func TestWithRunID(t *testing.T) {
	var buf bytes.Buffer
	WithRunID(WithComponent(NewLoggerTo(&buf, "info"), "analysis"), "run-1").Info("done")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatal(err)
	}
	if entry["run_id"] != "run-1" || entry["component"] != "analysis" {
		t.Errorf("entry = %v", entry)
	}
}

func TestSanitizeToken(t *testing.T) {
	if got := SanitizeToken("short"); got != "****" {
		t.Errorf("SanitizeToken(short) = %q", got)
	}
	if got := SanitizeToken("abcdefghijkl"); got != "abcd...ijkl" {
		t.Errorf("SanitizeToken() = %q", got)
	}
}

func TestSanitizePath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	got := SanitizePath(filepath.Join(home, "videos", "squat.mp4"))
	if got != "~"+string(filepath.Separator)+filepath.Join("videos", "squat.mp4") {
		t.Errorf("SanitizePath() = %q", got)
	}
	if got := SanitizePath("/srv/squat.mp4"); home != "/srv" && got != "/srv/squat.mp4" {
		t.Errorf("SanitizePath() = %q", got)
	}
}
