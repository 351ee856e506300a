// Package command runs a task as a local subprocess. The task input is written
// to stdin as JSON and exported as KAIROS_INPUT_<KEY> environment variables.
package command

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/tianpai/kairos-sub000/internal/task"
)

const (
	// OutputText returns trimmed stdout as a string.
	OutputText = "text"
	// OutputJSON decodes stdout as a JSON document.
	OutputJSON = "json"

	envPrefix     = "KAIROS_INPUT_"
	stderrTailLen = 2048
	waitDelay     = 5 * time.Second
)

var envKeyPattern = regexp.MustCompile(`[^A-Z0-9_]`)

// Executor runs Argv for every invocation.
type Executor struct {
	Argv []string
	// Dir is the working directory. Empty means the current directory.
	Dir string
	// Output is OutputText (default) or OutputJSON.
	Output string
	// Env adds variables on top of the inherited environment.
	Env map[string]string
}

// New validates argv and returns an executor.
func New(argv []string, output string) (*Executor, error) {
	if len(argv) == 0 || strings.TrimSpace(argv[0]) == "" {
		return nil, fmt.Errorf("command executor: command is required")
	}
	switch output {
	case "", OutputText, OutputJSON:
	default:
		return nil, fmt.Errorf("command executor: unknown output format %q", output)
	}
	return &Executor{Argv: append([]string(nil), argv...), Output: output}, nil
}

// Execute runs the command. When the task streams, the accumulated stdout is
// emitted after every line. A non-zero exit fails with the stderr tail.
func (e *Executor) Execute(ctx context.Context, input task.Input, meta task.Meta) (any, error) {
	payload, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("command executor: encode input: %w", err)
	}
	cmd := exec.CommandContext(ctx, e.Argv[0], e.Argv[1:]...)
	cmd.Dir = e.Dir
	cmd.Env = buildEnv(os.Environ(), e.Env, input, meta)
	cmd.Stdin = bytes.NewReader(payload)
	cmd.WaitDelay = waitDelay
	stderr := &tailBuffer{limit: stderrTailLen}
	cmd.Stderr = stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("command executor: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("command executor: start %s: %w", e.Argv[0], err)
	}

	var out strings.Builder
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		out.Write(scanner.Bytes())
		out.WriteByte('\n')
		if meta.Streaming() {
			meta.Emit(strings.TrimRight(out.String(), "\n"))
		}
	}
	scanErr := scanner.Err()
	if scanErr != nil {
		// The child blocks on a full pipe until stdout is read to EOF.
		_, _ = io.Copy(io.Discard, stdout)
		_ = cmd.Wait()
		return nil, fmt.Errorf("command executor: read stdout of %s: %w", e.Argv[0], scanErr)
	}
	if err := cmd.Wait(); err != nil {
		if tail := strings.TrimSpace(stderr.String()); tail != "" {
			return nil, fmt.Errorf("%s: %w: %s", e.Argv[0], err, tail)
		}
		return nil, fmt.Errorf("%s: %w", e.Argv[0], err)
	}
	return decode(e.Output, out.String())
}

func decode(format, stdout string) (any, error) {
	trimmed := strings.TrimSpace(stdout)
	if format != OutputJSON {
		return trimmed, nil
	}
	var value any
	if err := json.Unmarshal([]byte(trimmed), &value); err != nil {
		return nil, fmt.Errorf("command executor: decode json output: %w", err)
	}
	return value, nil
}

func buildEnv(base []string, extra map[string]string, input task.Input, meta task.Meta) []string {
	env := append([]string(nil), base...)
	keys := make([]string, 0, len(extra))
	for key := range extra {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		env = append(env, key+"="+extra[key])
	}
	env = append(env, "KAIROS_JOB_ID="+meta.JobID, "KAIROS_TASK="+meta.TaskName)
	names := make([]string, 0, len(input))
	for key := range input {
		names = append(names, key)
	}
	sort.Strings(names)
	for _, key := range names {
		env = append(env, EnvName(key)+"="+envValue(input[key]))
	}
	return env
}

// EnvName returns the environment variable that carries an input key.
func EnvName(key string) string {
	return envPrefix + envKeyPattern.ReplaceAllString(strings.ToUpper(key), "_")
}

func envValue(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(encoded)
	}
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	limit int
	buf   []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string { return string(t.buf) }
