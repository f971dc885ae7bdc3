package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected Level
	}{
		{"debug", LevelDebug},
		{"info", LevelInfo},
		{"warn", LevelWarn},
		{"warning", LevelWarn},
		{"error", LevelError},
		{"invalid", LevelInfo},
	}

	for _, tc := range tests {
		t.Run(tc.input, func(t *testing.T) {
			if got := ParseLevel(tc.input); got != tc.expected {
				t.Errorf("ParseLevel(%q) = %v, want %v", tc.input, got, tc.expected)
			}
		})
	}
}

func TestLevelString(t *testing.T) {
	if got := Level(99).String(); got != "unknown" {
		t.Errorf("Level(99).String() = %q", got)
	}
	if got := LevelWarn.String(); got != "warn" {
		t.Errorf("LevelWarn.String() = %q", got)
	}
}

func TestParseFormat(t *testing.T) {
	if ParseFormat("text") != FormatText {
		t.Error("expected text format")
	}
	if ParseFormat("json") != FormatJSON || ParseFormat("bogus") != FormatJSON {
		t.Error("expected json format by default")
	}
}

func decode(t *testing.T, line string) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal([]byte(line), &m); err != nil {
		t.Fatalf("invalid JSON %q: %v", line, err)
	}
	return m
}

func TestLoggerJSONOutput(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: LevelInfo, Format: FormatJSON, Output: &buf})

	l.Infof("section cleaned", map[string]any{"section": 7})

	m := decode(t, strings.TrimSpace(buf.String()))
	if m["message"] != "section cleaned" {
		t.Errorf("message = %v", m["message"])
	}
	if m["level"] != "info" {
		t.Errorf("level = %v", m["level"])
	}
	if m["section"] != float64(7) {
		t.Errorf("section = %v", m["section"])
	}
	if _, ok := m["timestamp"]; !ok {
		t.Error("missing timestamp")
	}
}

func TestLoggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: LevelWarn, Output: &buf})

	l.Debug("hidden")
	l.Info("hidden")
	l.Warn("shown")
	l.Error("shown")

	if n := strings.Count(buf.String(), "\n"); n != 2 {
		t.Fatalf("expected 2 lines, got %d: %s", n, buf.String())
	}

	l.SetLevel(LevelDebug)
	if l.GetLevel() != LevelDebug {
		t.Errorf("GetLevel() = %v", l.GetLevel())
	}
	buf.Reset()
	l.Debug("now shown")
	if buf.Len() == 0 {
		t.Error("expected debug output after SetLevel")
	}
}

func TestLoggerWithKeepsParentFields(t *testing.T) {
	var buf bytes.Buffer
	parent := New(Config{Level: LevelDebug, Output: &buf}).With(map[string]any{"gcType": "background"})
	child := parent.With(map[string]any{"section": 3}).WithCorrelationID("round-1")

	child.Warnf("skipped", map[string]any{"reason": "atomic"})
	m := decode(t, strings.TrimSpace(buf.String()))
	for k, want := range map[string]any{
		"gcType":         "background",
		"section":        float64(3),
		"reason":         "atomic",
		CorrelationIDKey: "round-1",
	} {
		if m[k] != want {
			t.Errorf("%s = %v, want %v", k, m[k], want)
		}
	}

	buf.Reset()
	parent.Info("parent")
	m = decode(t, strings.TrimSpace(buf.String()))
	if _, ok := m["section"]; ok {
		t.Error("child fields leaked into parent")
	}
	if _, ok := m[CorrelationIDKey]; ok {
		t.Error("child correlation id leaked into parent")
	}
}

func TestLoggerTextOutput(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: LevelInfo, Format: FormatText, Output: &buf})
	l.Infof("round done", map[string]any{"freed": 2})

	out := buf.String()
	if !strings.Contains(out, `msg="round done"`) || !strings.Contains(out, "freed=2") {
		t.Errorf("unexpected text output: %s", out)
	}
}

func TestLoggerAddCaller(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: LevelInfo, Output: &buf, AddCaller: true})
	l.Info("where")

	m := decode(t, strings.TrimSpace(buf.String()))
	file, _ := m[FileKey].(string)
	if !strings.HasSuffix(file, "logger_test.go") {
		t.Errorf("file = %q", file)
	}
}

func TestGlobalLogger(t *testing.T) {
	prev := Global()
	defer SetGlobal(prev)

	var buf bytes.Buffer
	l := Configure("warn", "json", &buf)
	if Global() != l {
		t.Fatal("Configure did not install the logger")
	}
	Infof("hidden", nil)
	Warnf("shown", map[string]any{"k": "v"})
	m := decode(t, strings.TrimSpace(buf.String()))
	if m["message"] != "shown" || m["k"] != "v" {
		t.Errorf("unexpected entry %v", m)
	}
}

func TestContextLogger(t *testing.T) {
	var buf bytes.Buffer
	base := New(Config{Level: LevelInfo, Output: &buf})

	ctx := WithCorrelationIDCtx(context.Background(), "abc")
	if got := CorrelationIDFromCtx(ctx); got != "abc" {
		t.Fatalf("CorrelationIDFromCtx = %q", got)
	}
	ContextLogger(ctx, base).Info("tagged")
	m := decode(t, strings.TrimSpace(buf.String()))
	if m[CorrelationIDKey] != "abc" {
		t.Errorf("correlation id = %v", m[CorrelationIDKey])
	}

	attached := base.With(map[string]any{"attached": true})
	ctx = WithLoggerCtx(context.Background(), attached)
	if LoggerFromCtx(ctx) != attached || FromCtx(ctx) != attached {
		t.Error("expected attached logger")
	}
	if LoggerFromCtx(context.Background()) != nil {
		t.Error("expected nil logger for empty context")
	}
}
