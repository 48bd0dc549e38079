package logging

import (
	"bytes"
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
		{" INFO ", slog.LevelInfo},
		{"warning", slog.LevelWarn},
		{"Error", slog.LevelError},
		{"verbose", slog.LevelInfo},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := parseLevel(tt.in); got != tt.want {
				t.Errorf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestSetupLoggerJSON(t *testing.T) {
	defer slog.SetDefault(slog.Default())

	var buf bytes.Buffer
	logger := SetupLogger(&buf, FormatJSON, "warn")
	logger.Info("hidden")
	WithComponent(logger, "helper").Warn("shown")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("got %d lines: %q", len(lines), buf.String())
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatal(err)
	}
	if rec["msg"] != "shown" || rec["component"] != "helper" {
		t.Errorf("record = %v", rec)
	}
	source, _ := rec["source"].(map[string]any)
	if file, _ := source["file"].(string); !strings.HasPrefix(file, "internal/logging/") {
		t.Errorf("source file = %q", file)
	}
}

func TestSetupLoggerText(t *testing.T) {
	defer slog.SetDefault(slog.Default())

	var buf bytes.Buffer
	SetupLogger(&buf, FormatText, "debug").Debug("hello", "pid", 42)
	if out := buf.String(); !strings.Contains(out, "msg=hello") || !strings.Contains(out, "pid=42") {
		t.Errorf("output = %q", out)
	}
}
