package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/tianpai/kairos-sub000/internal/task"
)

type chatServer struct {
	mu      sync.Mutex
	chunks  []string
	status  int
	request map[string]any
}

func (s *chatServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	s.mu.Lock()
	_ = json.Unmarshal(body, &s.request)
	s.mu.Unlock()
	if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
		http.NotFound(w, r)
		return
	}
	if s.status != 0 {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(s.status)
		fmt.Fprint(w, `{"error":{"message":"quota exceeded","type":"insufficient_quota"}}`)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	flusher, _ := w.(http.Flusher)
	for i, chunk := range s.chunks {
		payload, _ := json.Marshal(map[string]any{
			"id":      "chatcmpl-1",
			"object":  "chat.completion.chunk",
			"created": 1,
			"model":   "test-model",
			"choices": []map[string]any{{
				"index":         0,
				"delta":         map[string]any{"content": chunk},
				"finish_reason": nil,
			}},
		})
		fmt.Fprintf(w, "data: %s\n\n", payload)
		if flusher != nil && i%2 == 0 {
			flusher.Flush()
		}
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
}

func (s *chatServer) sent() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.request
}

func newExecutor(t *testing.T, srv *httptest.Server, prompt string, opts ...Option) *Executor {
	t.Helper()
	opts = append([]Option{
		WithAPIKey("test-key"),
		WithBaseURL(srv.URL + "/v1/"),
		WithMaxRetries(0),
		WithModel("test-model"),
	}, opts...)
	exec, err := New("summarize", prompt, opts...)
	if err != nil {
		t.Fatalf("new executor: %v", err)
	}
	return exec
}

func TestExecutorStreamsAccumulatedText(t *testing.T) {
	backend := &chatServer{chunks: []string{"Go ", "is ", "fun"}}
	srv := httptest.NewServer(backend)
	defer srv.Close()
	exec := newExecutor(t, srv, "Summarize: {{ .document }}", WithSystem("Be terse."))

	stream := task.NewPartialStream()
	var partials []string
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case v := <-stream.Values():
				partials = append(partials, v.(string))
			case <-stream.Done():
				return
			}
		}
	}()
	out, err := exec.Execute(context.Background(), task.Input{"document": "a long text"}, task.NewMeta("job-1", "summarize", stream))
	stream.Close()
	<-done
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out != "Go is fun" {
		t.Fatalf("unexpected output %q", out)
	}
	want := []string{"Go ", "Go is ", "Go is fun"}
	if strings.Join(partials, "|") != strings.Join(want, "|") {
		t.Fatalf("unexpected partials %q", partials)
	}

	req := backend.sent()
	if req["model"] != "test-model" || req["stream"] != true {
		t.Fatalf("unexpected request %v", req)
	}
	messages, _ := req["messages"].([]any)
	if len(messages) != 2 {
		t.Fatalf("expected system and user messages, got %v", req["messages"])
	}
	user, _ := messages[1].(map[string]any)
	if user["content"] != "Summarize: a long text" {
		t.Fatalf("prompt not rendered: %v", user["content"])
	}
}

func TestExecutorDecodesJSONReply(t *testing.T) {
	srv := httptest.NewServer(&chatServer{chunks: []string{"```json\n{\"score\":", " 9}\n```"}})
	defer srv.Close()
	exec := newExecutor(t, srv, "Score {{ .resume }}", WithOutput(OutputJSON))
	out, err := exec.Execute(context.Background(), task.Input{"resume": "r"}, task.NewMeta("job-1", "score", nil))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	doc, ok := out.(map[string]any)
	if !ok || doc["score"] != float64(9) {
		t.Fatalf("unexpected decoded reply %#v", out)
	}
}

func TestExecutorSurfacesAPIErrors(t *testing.T) {
	srv := httptest.NewServer(&chatServer{status: http.StatusTooManyRequests})
	defer srv.Close()
	exec := newExecutor(t, srv, "hello")
	if _, err := exec.Execute(context.Background(), task.Input{}, task.NewMeta("job-1", "hello", nil)); err == nil {
		t.Fatalf("expected api error")
	}
}

func TestExecutorMissingPromptKey(t *testing.T) {
	srv := httptest.NewServer(&chatServer{})
	defer srv.Close()
	exec := newExecutor(t, srv, "{{ .absent }}")
	_, err := exec.Execute(context.Background(), task.Input{}, task.NewMeta("job-1", "x", nil))
	if err == nil || !strings.Contains(err.Error(), "render prompt") {
		t.Fatalf("expected render error, got %v", err)
	}
}

func TestNewValidates(t *testing.T) {
	if _, err := New("x", "  "); err == nil {
		t.Fatalf("expected error for empty prompt")
	}
	if _, err := New("x", "{{ .broken "); err == nil {
		t.Fatalf("expected template parse error")
	}
	if _, err := New("x", "ok", WithOutput("xml")); err == nil {
		t.Fatalf("expected unknown output error")
	}
}
