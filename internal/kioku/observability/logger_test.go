package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/bdobrica/kioku/common/trace"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"info":    slog.LevelInfo,
		"":        slog.LevelInfo,
		"chatty":  slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewLogger_JSONWithRun(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, "info", "json")
	ctx := trace.WithRunID(context.Background(), "run_abc")

	WithRun(ctx, logger).Info("hello", "n", 1)

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log line is not JSON: %v (%s)", err, buf.String())
	}
	if line["run_id"] != "run_abc" {
		t.Errorf("run_id: got %v", line["run_id"])
	}
	if line["msg"] != "hello" {
		t.Errorf("msg: got %v", line["msg"])
	}
}

func TestNewLogger_LevelFilters(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, "warn", "text")
	logger.Info("quiet")
	logger.Warn("loud")

	out := buf.String()
	if strings.Contains(out, "quiet") {
		t.Error("info line should be filtered at warn level")
	}
	if !strings.Contains(out, "loud") {
		t.Error("warn line missing")
	}
}

func TestWithRun_NoRunID(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, "info", "text")
	WithRun(context.Background(), logger).Info("x")
	if strings.Contains(buf.String(), "run_id") {
		t.Errorf("unexpected run_id in %q", buf.String())
	}
}

func TestRedactSecrets(t *testing.T) {
	got := RedactSecrets("key=sk-verysecret", "sk-verysecret")
	if strings.Contains(got, "sk-verysecret") {
		t.Errorf("secret not redacted: %q", got)
	}
}
