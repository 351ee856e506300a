package logging

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tianpai/kairos-sub000/internal/config"
)

func TestLoggerWritesToProjectLogAndConsole(t *testing.T) {
	projectDir := t.TempDir()
	var console bytes.Buffer
	logger, err := New(projectDir, Options{Level: "debug", Console: &console})
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	logger.With("job", "job-1").Info("task dispatched", "task", "parse")
	logger.Printf("plain %d\n", 7)
	logger.Debug("noise")
	if err := logger.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(projectDir, config.KairosDir, "logs", "kairos.log"))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	text := string(data)
	for _, want := range []string{"task dispatched", "job=job-1", "task=parse", "plain 7", "noise"} {
		if !strings.Contains(text, want) {
			t.Fatalf("log file missing %q:\n%s", want, text)
		}
	}
	if strings.Contains(text, "\x1b[") {
		t.Fatalf("log file must not contain colour codes")
	}
	if !strings.Contains(console.String(), "task dispatched") {
		t.Fatalf("console should mirror log lines, got %q", console.String())
	}
}

func TestLoggerRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriter(&buf, "warn")
	logger.Info("hidden")
	logger.Warn("shown")
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "shown") {
		t.Fatalf("unexpected output %q", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" WARN ":  slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for input, want := range cases {
		if got := ParseLevel(input); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", input, got, want)
		}
	}
}
