package app

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func TestStripANSI(t *testing.T) {
	t.Parallel()

	in := ansiBlue + "INFO" + ansiReset + " plain " + ansiRed + "ERR" + ansiReset
	got := stripANSI(in)
	want := "INFO plain ERR"
	if got != want {
		t.Fatalf("stripANSI()=%q want=%q", got, want)
	}
}

func TestPrettyHandler_Line(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}, false))

	log.With("component", "hub").WithGroup("sess").Warn("hub.session.evict",
		"id", "01J0",
		"reason", "slow consumer",
		"seq", int64(42),
	)

	line := buf.String()
	for _, want := range []string{
		"lvl=[WARN]",
		"msg=hub.session.evict",
		" component=hub",
		"sess.id=01J0",
		`sess.reason="slow consumer"`,
		"sess.seq=42",
	} {
		if !strings.Contains(line, want) {
			t.Fatalf("line %q missing %q", line, want)
		}
	}
	if strings.Contains(line, "\x1b[") {
		t.Fatalf("color disabled but escape codes present: %q", line)
	}
}

func TestPrettyHandler_ColorAndLevel(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}, true))

	log.Debug("hidden")
	if buf.Len() != 0 {
		t.Fatalf("debug must be filtered at info level, got %q", buf.String())
	}

	log.Error("submit.store.fail", "err", errors.New("disk gone"), "session_id", "01J0")
	line := buf.String()
	if !strings.Contains(line, ansiRed) {
		t.Fatalf("expected colored output: %q", line)
	}
	plain := stripANSI(line)
	if !strings.Contains(plain, `err="disk gone"`) || !strings.Contains(plain, "session_id=01J0") {
		t.Fatalf("plain=%q", plain)
	}
}
