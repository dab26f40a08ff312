package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := NewLoggerTo(&buf, "surge-dispatch", "WARN")
	log.Info("dropped")
	log.Warn("kept", "ride_id", "r1")

	var line map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line); err != nil {
		t.Fatalf("expected exactly one JSON line, got %q: %v", buf.String(), err)
	}
	if line["msg"] != "kept" || line["ride_id"] != "r1" || line["service"] != "surge-dispatch" {
		t.Fatalf("unexpected record: %v", line)
	}
}

func TestUnknownLevelFallsBackToInfo(t *testing.T) {
	if ParseLevel("chatty") != slog.LevelInfo {
		t.Fatalf("unknown level should map to info")
	}
	var buf bytes.Buffer
	NewLoggerTo(&buf, "", "chatty").Debug("hidden")
	if buf.Len() != 0 {
		t.Fatalf("debug should be filtered at info level")
	}
}

func TestContextLogger(t *testing.T) {
	var buf bytes.Buffer
	base := NewLoggerTo(&buf, "", "info")
	if FromContext(context.Background(), base) != base {
		t.Fatalf("empty context should return the fallback")
	}
	scoped := base.With("request_id", "abc")
	ctx := WithLogger(context.Background(), scoped)
	FromContext(ctx, base).Info("hello")

	var line map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if line["request_id"] != "abc" {
		t.Fatalf("scoped attrs missing: %v", line)
	}
}
