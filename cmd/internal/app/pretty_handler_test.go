package app

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func TestPrettyHandler_PlainOutput(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}, false))

	log.With("component", "realtime").Info("realtime.connected",
		"state", "connected",
		"topic", "/topic/conversation.7",
		"dur_ms", 12,
		"err", errors.New("late ack"),
	)

	got := buf.String()
	for _, want := range []string{
		"lvl=[INFO]",
		"msg=realtime.connected",
		"component=realtime",
		"state=connected",
		"topic=/topic/conversation.7",
		"duration=12ms",
		`err="late ack"`,
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("output %q missing %q", got, want)
		}
	}
	if strings.Contains(got, "\x1b[") {
		t.Fatalf("plain output contains ANSI codes: %q", got)
	}
}

func TestPrettyHandler_Groups(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, nil, false)).WithGroup("relay")
	log.Info("relay.publish.ok", slog.Group("nats", "subject", "chatsync.conversation.1"))

	if got := buf.String(); !strings.Contains(got, "relay.nats.subject=chatsync.conversation.1") {
		t.Fatalf("grouped key missing: %q", got)
	}
}

func TestPrettyHandler_LevelFilter(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}, false))
	log.Info("dropped")
	log.Warn("kept")

	got := buf.String()
	if strings.Contains(got, "dropped") || !strings.Contains(got, "lvl=[WARN]") {
		t.Fatalf("unexpected output %q", got)
	}
}

func TestColorizeState(t *testing.T) {
	t.Parallel()

	if got := colorizeState("connected", true); got != ansiGreen+"connected"+ansiReset {
		t.Fatalf("colorizeState(connected)=%q", got)
	}
	if got := colorizeState("errored", false); got != "errored" {
		t.Fatalf("colorizeState without color=%q", got)
	}
}

func TestColorizeStatusCode(t *testing.T) {
	t.Parallel()

	cases := []struct {
		code int
		want string
	}{
		{200, ansiGreen},
		{302, ansiCyan},
		{404, ansiYellow},
		{503, ansiRed},
	}
	for _, tc := range cases {
		got := colorizeStatusCode(tc.code, true)
		if !strings.HasPrefix(got, tc.want) {
			t.Fatalf("colorizeStatusCode(%d)=%q want prefix %q", tc.code, got, tc.want)
		}
	}
}
