package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}

	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNewWithWriter(t *testing.T) {
	t.Run("JSON", func(t *testing.T) {
		var buf bytes.Buffer
		logger := NewWithWriter(&buf, "info", "json")
		logger.Info("decision recorded", "tx_id", "abc", "sequence", 3)

		var line map[string]any
		if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
			t.Fatalf("expected JSON output, got %q: %v", buf.String(), err)
		}
		if line["tx_id"] != "abc" {
			t.Errorf("expected tx_id abc, got %v", line["tx_id"])
		}
	})

	t.Run("Text", func(t *testing.T) {
		var buf bytes.Buffer
		logger := NewWithWriter(&buf, "info", "text")
		logger.Info("decision recorded", "outcome", "HOLD")
		if !strings.Contains(buf.String(), "outcome=HOLD") {
			t.Errorf("expected text output, got %q", buf.String())
		}
	})

	t.Run("LevelFilters", func(t *testing.T) {
		var buf bytes.Buffer
		logger := NewWithWriter(&buf, "error", "json")
		if logger.Enabled(context.Background(), slog.LevelInfo) {
			t.Error("expected info to be disabled at error level")
		}
		logger.Info("dropped")
		if buf.Len() != 0 {
			t.Errorf("expected no output, got %q", buf.String())
		}
	})
}
