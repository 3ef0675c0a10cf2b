package app

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" Info ":  slog.LevelInfo,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"trace":   slog.LevelInfo,
		"":        slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLogLevel(in); got != want {
			t.Fatalf("parseLogLevel(%q)=%v want=%v", in, got, want)
		}
	}
}

func TestNewLogHandler_Formats(t *testing.T) {
	t.Parallel()

	t.Run("json", func(t *testing.T) {
		t.Parallel()
		var buf bytes.Buffer
		log := slog.New(newLogHandler(&buf, Config{LogFormat: "json", LogLevel: "info"}))
		log.Info("resync.done", "session_id", "01J0", "replayed", 3)

		var line map[string]any
		if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
			t.Fatalf("not JSON: %v (%q)", err, buf.String())
		}
		if line["msg"] != "resync.done" || line["session_id"] != "01J0" {
			t.Fatalf("line=%v", line)
		}
	})

	t.Run("text", func(t *testing.T) {
		t.Parallel()
		var buf bytes.Buffer
		log := slog.New(newLogHandler(&buf, Config{LogFormat: "TEXT", LogLevel: "info"}))
		log.Info("submit.store.fail", "seq", 7)

		out := buf.String()
		if !strings.Contains(out, "msg=submit.store.fail") || !strings.Contains(out, "seq=7") {
			t.Fatalf("out=%q", out)
		}
	})

	t.Run("pretty without color", func(t *testing.T) {
		t.Parallel()
		var buf bytes.Buffer
		log := slog.New(newLogHandler(&buf, Config{LogFormat: "pretty", LogLevel: "info"}))
		log.Info("server.start", "http_url", "http://localhost:8080")

		out := buf.String()
		if stripANSI(out) != out {
			t.Fatalf("color disabled but output has escapes: %q", out)
		}
		if !strings.Contains(out, "server.start") {
			t.Fatalf("out=%q", out)
		}
	})
}

func TestNewLogHandler_LevelFilters(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newLogHandler(&buf, Config{LogFormat: "json", LogLevel: "warn"}))
	log.Info("ws.accept")
	log.Debug("ws.frame")
	if buf.Len() != 0 {
		t.Fatalf("below-level records written: %q", buf.String())
	}
	log.Warn("ws.rate_limited")
	if !strings.Contains(buf.String(), "ws.rate_limited") {
		t.Fatalf("warn record missing: %q", buf.String())
	}
}
