package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestSetup_ReturnsJSONLogger(t *testing.T) {
	var buf bytes.Buffer
	l := Setup(&buf)

	if l == nil {
		t.Fatal("expected non-nil logger")
	}

	l.Info("test message", slog.String("key", "value"))

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected valid JSON log output, got error: %v\nraw output: %s", err, buf.String())
	}

	if entry["msg"] != "test message" {
		t.Errorf("msg = %q, want %q", entry["msg"], "test message")
	}
	if entry["key"] != "value" {
		t.Errorf("key = %q, want %q", entry["key"], "value")
	}
}

func TestSetup_IncludesTimeField(t *testing.T) {
	var buf bytes.Buffer
	l := Setup(&buf)

	l.Info("test")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse JSON: %v", err)
	}

	if _, ok := entry["time"]; !ok {
		t.Error("expected 'time' field in JSON log output")
	}
}

func TestSetup_IncludesLevelField(t *testing.T) {
	var buf bytes.Buffer
	l := Setup(&buf)

	l.Warn("warning test")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse JSON: %v", err)
	}

	if entry["level"] != "WARN" {
		t.Errorf("level = %q, want %q", entry["level"], "WARN")
	}
}

func TestSetup_MultipleAttributes(t *testing.T) {
	var buf bytes.Buffer
	l := Setup(&buf)

	l.Info("投稿を送信しました",
		slog.String("post_id", "p-123"),
		slog.String("platform", "bluesky"),
		slog.String("remote_uri", "at://did:plc:abc/app.bsky.feed.post/1"),
		slog.Int("http_status", 200),
		slog.Int("attempt", 2),
	)

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse JSON: %v", err)
	}

	if entry["post_id"] != "p-123" {
		t.Errorf("post_id = %q, want %q", entry["post_id"], "p-123")
	}
	if entry["platform"] != "bluesky" {
		t.Errorf("platform = %q, want %q", entry["platform"], "bluesky")
	}
	if entry["remote_uri"] != "at://did:plc:abc/app.bsky.feed.post/1" {
		t.Errorf("remote_uri = %q", entry["remote_uri"])
	}
	if entry["http_status"] != float64(200) {
		t.Errorf("http_status = %v, want %v", entry["http_status"], 200)
	}
	if entry["attempt"] != float64(2) {
		t.Errorf("attempt = %v, want %v", entry["attempt"], 2)
	}
}

func TestSetupDefault_SetsGlobalLogger(t *testing.T) {
	var buf bytes.Buffer
	SetupDefault(&buf)

	slog.Default().Info("global test", slog.String("test_key", "test_val"))

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse JSON: %v\nraw: %s", err, buf.String())
	}

	if entry["msg"] != "global test" {
		t.Errorf("msg = %q, want %q", entry["msg"], "global test")
	}
	if entry["test_key"] != "test_val" {
		t.Errorf("test_key = %q, want %q", entry["test_key"], "test_val")
	}
}

func TestSetLevel_FiltersBelowLevel(t *testing.T) {
	t.Cleanup(func() { level.Set(slog.LevelInfo) })

	var buf bytes.Buffer
	l := Setup(&buf)

	if err := SetLevel("warn"); err != nil {
		t.Fatalf("SetLevel returned error: %v", err)
	}
	l.Info("hidden")
	if buf.Len() != 0 {
		t.Errorf("info log should be filtered at warn level, got %s", buf.String())
	}

	if err := SetLevel("DEBUG"); err != nil {
		t.Fatalf("SetLevel returned error: %v", err)
	}
	l.Debug("visible")
	if !bytes.Contains(buf.Bytes(), []byte("visible")) {
		t.Errorf("debug log should be written after SetLevel(DEBUG), got %s", buf.String())
	}
}

func TestSetLevel_InvalidName(t *testing.T) {
	if err := SetLevel("verbose"); err == nil {
		t.Error("expected error for unknown level")
	}
}
