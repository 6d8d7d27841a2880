package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestPrettyHandler_WritesMessageAndFields(t *testing.T) {
	var buf bytes.Buffer
	opts := DefaultOptions()
	opts.UseColor = false
	opts.ShowSource = false

	logger := slog.New(NewPrettyHandler(&buf, &opts))
	logger.Info("peer connected", "addr", "127.0.0.1:6881")

	out := buf.String()
	if !strings.Contains(out, "peer connected") {
		t.Fatalf("output missing message: %q", out)
	}
	if !strings.Contains(out, "127.0.0.1:6881") {
		t.Fatalf("output missing field value: %q", out)
	}
}

func TestPrettyHandler_EnabledRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	opts := DefaultOptions()
	opts.SlogOpts.Level = slog.LevelWarn

	h := NewPrettyHandler(&buf, &opts)
	logger := slog.New(h)
	logger.Debug("should not appear")
	logger.Warn("should appear")

	out := buf.String()
	if strings.Contains(out, "should not appear") {
		t.Fatalf("debug message should have been filtered: %q", out)
	}
	if !strings.Contains(out, "should appear") {
		t.Fatalf("warn message missing: %q", out)
	}
}

func TestPrettyHandler_WithAttrsPersistsAcrossRecords(t *testing.T) {
	var buf bytes.Buffer
	opts := DefaultOptions()
	opts.UseColor = false

	logger := slog.New(NewPrettyHandler(&buf, &opts)).With("component", "swarm")
	logger.Info("tick")

	if !strings.Contains(buf.String(), "swarm") {
		t.Fatalf("persistent attr missing from output: %q", buf.String())
	}
}
