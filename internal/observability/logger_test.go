package observability_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"aieval/internal/observability"
)

func TestNew_JSONIncludesContextFields(t *testing.T) {
	var buf bytes.Buffer
	logger, err := observability.New(&buf, observability.Options{Level: "debug"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx := observability.WithRequestID(context.Background(), "req-1")
	ctx = observability.WithSessionID(ctx, "sess-1")
	observability.FromContext(ctx, logger).Debug("hello", "k", 1)

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("unmarshal %q: %v", buf.String(), err)
	}
	if rec["request_id"] != "req-1" || rec["session_id"] != "sess-1" {
		t.Errorf("missing context fields: %v", rec)
	}
	if rec["msg"] != "hello" {
		t.Errorf("msg = %v", rec["msg"])
	}
}

func TestNew_TextFormatAndLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	logger, err := observability.New(&buf, observability.Options{Level: "warn", Format: "text"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	logger.Info("dropped")
	logger.Warn("kept")
	out := buf.String()
	if strings.Contains(out, "dropped") {
		t.Errorf("info record should be filtered: %q", out)
	}
	if !strings.Contains(out, "msg=kept") {
		t.Errorf("expected text record, got %q", out)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"", slog.LevelInfo, false},
		{"DEBUG", slog.LevelDebug, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"loud", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		got, err := observability.ParseLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLevel(%q) err = %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNew_UnknownFormat(t *testing.T) {
	if _, err := observability.New(&bytes.Buffer{}, observability.Options{Format: "xml"}); err == nil {
		t.Fatal("expected error for unknown format")
	}
}

func TestFromContext_NilBaseUsesDefault(t *testing.T) {
	if observability.FromContext(context.Background(), nil) == nil {
		t.Fatal("FromContext returned nil")
	}
}
