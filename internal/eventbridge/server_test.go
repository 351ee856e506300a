package eventbridge

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/tianpai/kairos-sub000/internal/config"
	"github.com/tianpai/kairos-sub000/internal/eventbus"
	"github.com/tianpai/kairos-sub000/internal/persistence/memory"
	"github.com/tianpai/kairos-sub000/internal/task"
	"github.com/tianpai/kairos-sub000/internal/workflow"
	"github.com/tianpai/kairos-sub000/internal/workflow/engine"
)

type fixture struct {
	engine  *engine.Engine
	store   *memory.Store
	router  *eventbus.Router
	gate    chan struct{}
	server  *Server
	httpSrv *httptest.Server
}

// newFixture registers workflow "pipeline": fetch then summarize. summarize
// waits on gate and fails for url "bad".
func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{store: memory.New(), gate: make(chan struct{})}
	tasks := task.NewRegistry()
	tasks.MustRegister(task.Definition{
		Name:      "fetch",
		InputKeys: []string{"url"},
		Provides:  "page",
		Execute: func(_ context.Context, in task.Input, _ task.Meta) (any, error) {
			return "page:" + in["url"].(string), nil
		},
	})
	tasks.MustRegister(task.Definition{
		Name:      "summarize",
		InputKeys: []string{"page"},
		Provides:  "summary",
		Streaming: true,
		Execute: func(ctx context.Context, in task.Input, meta task.Meta) (any, error) {
			meta.Emit("draft")
			select {
			case <-f.gate:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			if in["page"] == "page:bad" {
				return nil, errors.New("unreadable page")
			}
			return "summary of " + in["page"].(string), nil
		},
	})
	workflows := workflow.NewRegistry(tasks)
	workflows.MustRegister(workflow.Definition{Name: "pipeline", Tasks: []workflow.TaskRef{
		{Name: "fetch"}, {Name: "summarize", After: []string{"fetch"}},
	}})
	bus := eventbus.New()
	f.router = eventbus.NewRouter()
	f.router.Attach(bus)
	eng, err := engine.New(tasks, workflows, f.store, bus)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	f.engine = eng
	settings := Settings{Enabled: true, Host: "127.0.0.1", MaxBodyBytes: 1024, Heartbeat: time.Hour}
	f.server = NewServer(settings, eng, f.store, f.router, WithJobIDs(func() string { return "generated" }))
	f.httpSrv = httptest.NewServer(f.server.Handler())
	t.Cleanup(func() {
		f.release()
		f.httpSrv.Close()
		f.engine.Wait()
	})
	return f
}

func (f *fixture) release() {
	select {
	case <-f.gate:
	default:
		close(f.gate)
	}
}

func (f *fixture) do(t *testing.T, method, path, body string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, f.httpSrv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	return resp, buf.Bytes()
}

func TestSettingsFromConfigUsesBridgeSection(t *testing.T) {
	for _, key := range []string{"KAIROS_LOG_LEVEL", "KAIROS_STORAGE_DRIVER", "KAIROS_POSTGRES_URL"} {
		t.Setenv(key, "")
	}
	t.Setenv("KAIROS_BRIDGE_PORT", "9001")
	t.Setenv("KAIROS_BRIDGE_HOST", "0.0.0.0")
	t.Setenv("KAIROS_BRIDGE_ENABLED", "false")
	t.Setenv("KAIROS_BRIDGE_HEARTBEAT", "2s")
	cfg, err := config.NewConfig(t.TempDir())
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	settings := SettingsFromConfig(cfg)
	if settings.Port != 9001 || settings.Host != "0.0.0.0" || settings.Enabled {
		t.Fatalf("bridge overrides not applied: %+v", settings)
	}
	if settings.Heartbeat != 2*time.Second {
		t.Fatalf("expected 2s heartbeat, got %s", settings.Heartbeat)
	}
	if settings.MaxBodyBytes != DefaultMaxBodyBytes {
		t.Fatalf("expected default body limit, got %d", settings.MaxBodyBytes)
	}
}

func TestSettingsDefaults(t *testing.T) {
	settings := SettingsFromConfig(nil)
	if !settings.Enabled || settings.Address() != "127.0.0.1:8765" || settings.Heartbeat != DefaultHeartbeat {
		t.Fatalf("unexpected defaults %+v", settings)
	}
	partial := Settings{Port: 70000}.withDefaults()
	if partial.Port != DefaultPort || partial.ReadTimeout <= 0 {
		t.Fatalf("out-of-range values should fall back, got %+v", partial)
	}
}

func TestServerHealth(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, http.MethodGet, "/health", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
	var health healthResponse
	if err := json.Unmarshal(body, &health); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if health.Version != ProtocolVersion || health.Status != string(StatusReady) {
		t.Fatalf("unexpected health %+v", health)
	}
}

func TestServerStartStepsAndList(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, http.MethodPost, "/jobs/job-1/workflows/pipeline", `{"url":"example.com"}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", resp.StatusCode, body)
	}
	var started workflow.Snapshot
	if err := json.Unmarshal(body, &started); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if started.JobID != "job-1" || started.Status != workflow.StatusRunning {
		t.Fatalf("unexpected snapshot %+v", started)
	}
	f.release()
	f.engine.Wait()

	resp, body = f.do(t, http.MethodGet, "/jobs/job-1/steps", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("steps status %d", resp.StatusCode)
	}
	var steps workflow.Snapshot
	if err := json.Unmarshal(body, &steps); err != nil {
		t.Fatalf("decode steps: %v", err)
	}
	if steps.Status != workflow.StatusCompleted || steps.Context["summary"] != "summary of page:example.com" {
		t.Fatalf("unexpected steps %+v", steps)
	}

	resp, body = f.do(t, http.MethodGet, "/jobs", "")
	var jobs []JobSummary
	if err := json.Unmarshal(body, &jobs); err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("list jobs: %d %v", resp.StatusCode, err)
	}
	if len(jobs) != 1 || jobs[0].JobID != "job-1" || jobs[0].Status != workflow.StatusCompleted {
		t.Fatalf("unexpected jobs %+v", jobs)
	}
}

func TestServerGeneratesJobID(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, http.MethodPost, "/workflows/pipeline", "")
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", resp.StatusCode, body)
	}
	var started workflow.Snapshot
	_ = json.Unmarshal(body, &started)
	if started.JobID != "generated" {
		t.Fatalf("expected generated job id, got %q", started.JobID)
	}
}

func TestServerErrorStatuses(t *testing.T) {
	f := newFixture(t)
	cases := []struct {
		method, path, body string
		status             int
	}{
		{http.MethodPost, "/jobs/job-1/workflows/missing", "", http.StatusNotFound},
		{http.MethodPost, "/jobs/job-1/workflows/pipeline", `[1,2]`, http.StatusBadRequest},
		{http.MethodPost, "/jobs/job-1/workflows/pipeline", `{"pad":"` + strings.Repeat("x", 2048) + `"}`, http.StatusRequestEntityTooLarge},
		{http.MethodPost, "/jobs/ghost/retry", "", http.StatusNotFound},
		{http.MethodGet, "/jobs/ghost/steps", "", http.StatusNotFound},
	}
	for _, tc := range cases {
		resp, body := f.do(t, tc.method, tc.path, tc.body)
		if resp.StatusCode != tc.status {
			t.Fatalf("%s %s: expected %d, got %d (%s)", tc.method, tc.path, tc.status, resp.StatusCode, body)
		}
	}
}

func TestServerRetryLifecycle(t *testing.T) {
	f := newFixture(t)
	f.release()
	resp, body := f.do(t, http.MethodPost, "/jobs/job-1/workflows/pipeline", `{"url":"bad"}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("start: %d %s", resp.StatusCode, body)
	}
	f.engine.Wait()

	resp, body = f.do(t, http.MethodPost, "/jobs/job-1/retry", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("retry: %d %s", resp.StatusCode, body)
	}
	var retried retryResponse
	if err := json.Unmarshal(body, &retried); err != nil || len(retried.Retried) != 1 || retried.Retried[0] != "summarize" {
		t.Fatalf("unexpected retry response %s", body)
	}
	f.engine.Wait()

	// Still failing, so retry is allowed again; a completed job is not.
	f.do(t, http.MethodPost, "/jobs/job-2/workflows/pipeline", `{"url":"ok"}`)
	f.engine.Wait()
	resp, _ = f.do(t, http.MethodPost, "/jobs/job-2/retry", "")
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("retry of completed job: expected 409, got %d", resp.StatusCode)
	}
}

func TestServerStreamsJobEvents(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, f.httpSrv.URL+"/jobs/job-1/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("unexpected content type %q", ct)
	}

	f.do(t, http.MethodPost, "/jobs/job-1/workflows/pipeline", `{"url":"example.com"}`)
	go func() {
		time.Sleep(50 * time.Millisecond)
		f.release()
	}()

	var seen []eventbus.Type
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var env Envelope
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &env); err != nil {
			t.Fatalf("decode envelope: %v", err)
		}
		if env.JobID != "job-1" {
			t.Fatalf("event for wrong job: %+v", env)
		}
		seen = append(seen, env.Type)
		if env.Type == eventbus.TypeWorkflowCompleted {
			break
		}
	}
	want := map[eventbus.Type]bool{
		eventbus.TypeStateChanged:      false,
		eventbus.TypeTaskCompleted:     false,
		eventbus.TypePartialUpdate:     false,
		eventbus.TypeWorkflowCompleted: false,
	}
	for _, kind := range seen {
		want[kind] = true
	}
	for kind, ok := range want {
		if !ok {
			t.Fatalf("missing %s in stream %v", kind, seen)
		}
	}
}
