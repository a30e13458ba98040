package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	line := strings.TrimSpace(buf.String())
	var m map[string]interface{}
	if err := json.Unmarshal([]byte(line), &m); err != nil {
		t.Fatalf("Expected JSON log line, got %q: %v", line, err)
	}
	return m
}

func TestLoggerKeyValues(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&Config{Level: "debug", JSONFormat: true}, &buf).WithComponent("history")

	l.Info("upsert done", "symbol", "BTCUSDT", "applied", 3, "err", errors.New("boom"))

	m := decodeLine(t, &buf)
	if m["message"] != "upsert done" {
		t.Fatalf("Expected message 'upsert done', got %v", m["message"])
	}
	if m["component"] != "history" {
		t.Fatalf("Expected component history, got %v", m["component"])
	}
	if m["symbol"] != "BTCUSDT" {
		t.Fatalf("Expected symbol field, got %v", m["symbol"])
	}
	if m["applied"] != float64(3) {
		t.Fatalf("Expected applied=3, got %v", m["applied"])
	}
	if m["err"] != "boom" {
		t.Fatalf("Expected err=boom, got %v", m["err"])
	}
}

func TestLoggerPrintfStyle(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&Config{Level: "info", JSONFormat: true}, &buf)

	l.Warn("fetched %d candles for %s", 12, "1h")

	m := decodeLine(t, &buf)
	if m["message"] != "fetched 12 candles for 1h" {
		t.Fatalf("Expected formatted message, got %v", m["message"])
	}
	if m["level"] != "warn" {
		t.Fatalf("Expected level warn, got %v", m["level"])
	}
}

func TestLoggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&Config{Level: "error", JSONFormat: true}, &buf)

	l.Info("ignored")
	l.Debug("ignored too")
	if buf.Len() != 0 {
		t.Fatalf("Expected nothing below error level, got %q", buf.String())
	}

	l.Error("kept")
	if !strings.Contains(buf.String(), "kept") {
		t.Fatalf("Expected error line, got %q", buf.String())
	}
}

func TestWithFieldsDoesNotLeak(t *testing.T) {
	var buf bytes.Buffer
	base := NewWithWriter(&Config{Level: "info", JSONFormat: true}, &buf)
	_ = base.WithField("cycle", 1)

	base.Info("plain")
	m := decodeLine(t, &buf)
	if _, ok := m["cycle"]; ok {
		t.Fatalf("Expected parent logger without child field, got %v", m)
	}
}

func TestTraceContext(t *testing.T) {
	var buf bytes.Buffer
	base := NewWithWriter(&Config{Level: "info", JSONFormat: true}, &buf)

	ctx, l := WithTraceContext(context.Background(), base)
	id := TraceIDFromContext(ctx)
	if id == "" {
		t.Fatal("Expected trace id in context")
	}
	if FromContext(ctx) != l {
		t.Fatal("Expected FromContext to return the trace logger")
	}

	l.Info("cycle start")
	m := decodeLine(t, &buf)
	if m["trace_id"] != id {
		t.Fatalf("Expected trace_id %s, got %v", id, m["trace_id"])
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]Level{
		"debug":   DEBUG,
		"WARNING": WARN,
		"error":   ERROR,
		"bogus":   INFO,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
