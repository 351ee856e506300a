package logging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"

	"github.com/tianpai/kairos-sub000/internal/config"
)

// Options controls where log lines go.
type Options struct {
	// Level is one of debug, info, warn, error. Defaults to info.
	Level string
	// Console mirrors log lines to the writer when set, coloured only when it
	// is a terminal.
	Console io.Writer
}

// Logger appends structured lines to .kairos/logs/kairos.log so users can
// inspect failures after a run finishes.
type Logger struct {
	logger *slog.Logger
	file   *os.File
}

// New creates (or reuses) the log file for the given project directory.
func New(projectDir string, opts Options) (*Logger, error) {
	logDir := filepath.Join(projectDir, config.KairosDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("logging: ensure log dir: %w", err)
	}
	path := filepath.Join(logDir, "kairos.log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("logging: open log file: %w", err)
	}
	level := ParseLevel(opts.Level)
	handlers := []slog.Handler{tint.NewHandler(f, &tint.Options{
		NoColor:    true,
		TimeFormat: time.RFC3339,
		Level:      level,
	})}
	if opts.Console != nil {
		handlers = append(handlers, tint.NewHandler(opts.Console, &tint.Options{
			NoColor:    !isTerminal(opts.Console),
			TimeFormat: time.Kitchen,
			Level:      level,
		}))
	}
	return &Logger{logger: slog.New(fanout(handlers)), file: f}, nil
}

// NewWriter logs to w only. Used by tests and ephemeral commands.
func NewWriter(w io.Writer, level string) *Logger {
	handler := tint.NewHandler(w, &tint.Options{
		NoColor:    !isTerminal(w),
		TimeFormat: time.Kitchen,
		Level:      ParseLevel(level),
	})
	return &Logger{logger: slog.New(handler)}
}

// Discard returns a logger that drops everything.
func Discard() *Logger {
	return &Logger{logger: slog.New(slog.DiscardHandler)}
}

// ParseLevel maps a level name to a slog level, defaulting to info.
func ParseLevel(value string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Close releases the file handle.
func (l *Logger) Close() error {
	if l == nil || l.file == nil {
		return nil
	}
	return l.file.Close()
}

// Slog exposes the underlying structured logger.
func (l *Logger) Slog() *slog.Logger { return l.logger }

func (l *Logger) Debug(msg string, args ...any) { l.logger.Debug(msg, args...) }

func (l *Logger) Info(msg string, args ...any) { l.logger.Info(msg, args...) }

func (l *Logger) Warn(msg string, args ...any) { l.logger.Warn(msg, args...) }

func (l *Logger) Error(msg string, args ...any) { l.logger.Error(msg, args...) }

// With returns a logger that adds args to every line.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{logger: l.logger.With(args...), file: l.file}
}

// Printf writes a single info line for components that log format strings.
func (l *Logger) Printf(format string, args ...any) {
	if l == nil {
		return
	}
	l.logger.Info(strings.TrimRight(fmt.Sprintf(format, args...), "\n"))
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && isatty.IsTerminal(f.Fd())
}

// fanoutHandler sends each record to every handler that accepts its level.
type fanoutHandler []slog.Handler

func fanout(handlers []slog.Handler) slog.Handler {
	if len(handlers) == 1 {
		return handlers[0]
	}
	return fanoutHandler(handlers)
}

func (h fanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h fanoutHandler) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, handler := range h {
		if handler.Enabled(ctx, r.Level) {
			errs = append(errs, handler.Handle(ctx, r.Clone()))
		}
	}
	return errors.Join(errs...)
}

func (h fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(fanoutHandler, len(h))
	for i, handler := range h {
		out[i] = handler.WithAttrs(attrs)
	}
	return out
}

func (h fanoutHandler) WithGroup(name string) slog.Handler {
	out := make(fanoutHandler, len(h))
	for i, handler := range h {
		out[i] = handler.WithGroup(name)
	}
	return out
}
