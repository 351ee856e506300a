package logbook

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Level represents the severity of a log entry.
type Level string

const (
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// Logbook persists job progress to a simple text file.
type Logbook struct {
	path  string
	clock func() time.Time
	mu    sync.Mutex
}

// New creates a logbook that writes to the provided path.
func New(path string) (*Logbook, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("logbook: path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return &Logbook{path: path, clock: time.Now}, nil
}

// Path returns the file backing this logbook.
func (l *Logbook) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

// Append writes a single entry to the logbook.
func (l *Logbook) Append(level Level, message string) error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	line := fmt.Sprintf("%s %-5s %s\n",
		l.clock().UTC().Format(time.RFC3339),
		string(level),
		strings.TrimSpace(message),
	)
	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer file.Close()
	_, err = file.WriteString(line)
	return err
}

// Tail returns up to maxLines of the most recent entries along with the
// total number of entries in the file.
func (l *Logbook) Tail(maxLines int) ([]string, int) {
	if l == nil || maxLines <= 0 {
		return nil, 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return tailFile(l.path, maxLines)
}

// Info appends an informational entry.
func (l *Logbook) Info(format string, args ...any) error {
	return l.Append(LevelInfo, fmt.Sprintf(format, args...))
}

// Warn appends a warning entry.
func (l *Logbook) Warn(format string, args ...any) error {
	return l.Append(LevelWarn, fmt.Sprintf(format, args...))
}

// Error appends an error entry.
func (l *Logbook) Error(format string, args ...any) error {
	return l.Append(LevelError, fmt.Sprintf(format, args...))
}

func tailFile(path string, maxLines int) ([]string, int) {
	file, err := os.Open(path)
	if err != nil {
		return nil, 0
	}
	defer file.Close()

	var lines []string
	total := 0
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		total++
		lines = append(lines, scanner.Text())
		if len(lines) > maxLines {
			lines = lines[1:]
		}
	}
	if total == 0 {
		return nil, 0
	}
	return lines, total
}
