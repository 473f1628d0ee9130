package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestSetup(t *testing.T) {
	tests := []struct {
		name   string
		level  string
		format string
	}{
		{"debug level", "debug", "console"},
		{"info level", "info", "console"},
		{"warn level", "warn", "console"},
		{"error level", "error", "console"},
		{"json format", "info", "json"},
		{"uppercase level", "DEBUG", "console"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			Setup(tt.level, tt.format)
			if Log == nil {
				t.Error("expected Log to be initialized")
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		level  string
		expect zerolog.Level
	}{
		{"trace", zerolog.TraceLevel},
		{"debug", zerolog.DebugLevel},
		{"info", zerolog.InfoLevel},
		{"warn", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"unknown", zerolog.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			Setup(tt.level, "console")
			if got := zerolog.GlobalLevel(); got != tt.expect {
				t.Errorf("level %s: expected %v, got %v", tt.level, tt.expect, got)
			}
		})
	}
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]interface{}
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("invalid json line %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func TestJSONFields(t *testing.T) {
	var buf bytes.Buffer
	SetupWriter("debug", "json", &buf)

	Log.Info("multi-field test",
		"string_field", "value",
		"int_field", 42,
		"bool_field", true,
		123, "non-string key",
		"orphan_key",
	)

	lines := decodeLines(t, &buf)
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d", len(lines))
	}
	m := lines[0]
	if m["message"] != "multi-field test" {
		t.Errorf("expected message, got %v", m["message"])
	}
	if m["string_field"] != "value" {
		t.Errorf("expected string_field=value, got %v", m["string_field"])
	}
	if m["int_field"] != float64(42) {
		t.Errorf("expected int_field=42, got %v", m["int_field"])
	}
	if m["123"] != "non-string key" {
		t.Errorf("expected non-string key to be stringified, got %v", m["123"])
	}
	if _, ok := m["orphan_key"]; ok {
		t.Error("expected orphan key to be dropped")
	}
}

func TestWithChild(t *testing.T) {
	var buf bytes.Buffer
	SetupWriter("info", "json", &buf)

	child := Log.With("run_id", "abc", "scheduler", "ddim")
	child.Info("run started", "steps", 20)
	Log.Info("parent")

	lines := decodeLines(t, &buf)
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	if lines[0]["run_id"] != "abc" || lines[0]["scheduler"] != "ddim" {
		t.Errorf("expected child fields, got %v", lines[0])
	}
	if _, ok := lines[1]["run_id"]; ok {
		t.Error("expected parent logger without run_id")
	}
}

func TestErrorAttachesError(t *testing.T) {
	var buf bytes.Buffer
	SetupWriter("info", "json", &buf)

	Log.Error("step failed", errors.New("boom"), "step", 3)

	lines := decodeLines(t, &buf)
	if lines[0]["error"] != "boom" {
		t.Errorf("expected error field, got %v", lines[0]["error"])
	}
	if lines[0]["step"] != float64(3) {
		t.Errorf("expected step=3, got %v", lines[0]["step"])
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	SetupWriter("error", "json", &buf)

	Log.Debug("filtered")
	Log.Info("filtered")
	Log.Warn("filtered")
	Log.Error("kept")

	lines := decodeLines(t, &buf)
	if len(lines) != 1 {
		t.Fatalf("expected only the error line, got %d", len(lines))
	}
	if Log.DebugEnabled() {
		t.Error("expected debug disabled at error level")
	}
	Setup("info", "console")
}
