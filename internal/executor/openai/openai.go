// Package openai executes tasks as streamed chat completions.
package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"text/template"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/tianpai/kairos-sub000/internal/task"
)

const (
	DefaultModel     = "gpt-4o-mini"
	DefaultMaxTokens = 1024

	OutputText = "text"
	OutputJSON = "json"
)

// Executor renders a prompt template from the task input and streams the
// model's reply.
type Executor struct {
	client    openai.Client
	prompt    *template.Template
	system    string
	model     string
	maxTokens int
	output    string
	options   []option.RequestOption
}

// Option configures the Executor.
type Option func(*Executor)

func WithAPIKey(apiKey string) Option {
	return func(e *Executor) {
		if apiKey != "" {
			e.options = append(e.options, option.WithAPIKey(apiKey))
		}
	}
}

func WithBaseURL(baseURL string) Option {
	return func(e *Executor) {
		if baseURL != "" {
			e.options = append(e.options, option.WithBaseURL(baseURL))
		}
	}
}

func WithHTTPClient(client *http.Client) Option {
	return func(e *Executor) {
		e.options = append(e.options, option.WithHTTPClient(client))
	}
}

func WithMaxRetries(maxRetries int) Option {
	return func(e *Executor) {
		e.options = append(e.options, option.WithMaxRetries(maxRetries))
	}
}

func WithModel(model string) Option {
	return func(e *Executor) {
		if model != "" {
			e.model = model
		}
	}
}

func WithMaxTokens(maxTokens int) Option {
	return func(e *Executor) {
		if maxTokens > 0 {
			e.maxTokens = maxTokens
		}
	}
}

func WithSystem(system string) Option {
	return func(e *Executor) {
		e.system = system
	}
}

// WithOutput selects OutputText (default) or OutputJSON.
func WithOutput(output string) Option {
	return func(e *Executor) {
		e.output = output
	}
}

// New parses the prompt template. Missing input keys fail at execution time.
func New(name, prompt string, opts ...Option) (*Executor, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, fmt.Errorf("openai executor %s: prompt is required", name)
	}
	tmpl, err := template.New(name).Option("missingkey=error").Parse(prompt)
	if err != nil {
		return nil, fmt.Errorf("openai executor %s: parse prompt: %w", name, err)
	}
	e := &Executor{
		prompt:    tmpl,
		model:     DefaultModel,
		maxTokens: DefaultMaxTokens,
		output:    OutputText,
	}
	for _, opt := range opts {
		opt(e)
	}
	switch e.output {
	case "", OutputText:
		e.output = OutputText
	case OutputJSON:
	default:
		return nil, fmt.Errorf("openai executor %s: unknown output format %q", name, e.output)
	}
	e.client = openai.NewClient(e.options...)
	return e, nil
}

// Execute streams the completion, emitting the accumulated text after each
// chunk, and returns the final text (decoded when the output is JSON).
func (e *Executor) Execute(ctx context.Context, input task.Input, meta task.Meta) (any, error) {
	var rendered strings.Builder
	if err := e.prompt.Execute(&rendered, map[string]any(input)); err != nil {
		return nil, fmt.Errorf("render prompt: %w", err)
	}
	messages := []openai.ChatCompletionMessageParamUnion{}
	if e.system != "" {
		messages = append(messages, openai.SystemMessage(e.system))
	}
	messages = append(messages, openai.UserMessage(rendered.String()))
	params := openai.ChatCompletionNewParams{
		Model:               openai.ChatModel(e.model),
		Messages:            messages,
		MaxCompletionTokens: openai.Int(int64(e.maxTokens)),
	}

	stream := e.client.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()
	var text strings.Builder
	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		text.WriteString(delta)
		meta.Emit(text.String())
	}
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	return decode(e.output, text.String())
}

func decode(format, text string) (any, error) {
	if format != OutputJSON {
		return text, nil
	}
	trimmed := strings.TrimSpace(text)
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")
	var value any
	if err := json.Unmarshal([]byte(strings.TrimSpace(trimmed)), &value); err != nil {
		return nil, fmt.Errorf("decode json reply: %w", err)
	}
	return value, nil
}
