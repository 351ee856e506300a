// Package taskdef turns declarative YAML task files into task definitions
// backed by the command or openai executor.
package taskdef

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tianpai/kairos-sub000/internal/executor/command"
	"github.com/tianpai/kairos-sub000/internal/executor/openai"
	"github.com/tianpai/kairos-sub000/internal/task"
)

// DefaultTaskDir is where task files live relative to the project root.
const DefaultTaskDir = ".kairos/tasks"

// Supported executors.
const (
	ExecutorCommand = "command"
	ExecutorOpenAI  = "openai"
)

// Manifest is the on-disk task format.
type Manifest struct {
	Name      string            `yaml:"name"`
	Inputs    []string          `yaml:"inputs,omitempty"`
	Provides  string            `yaml:"provides,omitempty"`
	Streaming bool              `yaml:"streaming,omitempty"`
	Executor  string            `yaml:"executor"`
	Output    string            `yaml:"output,omitempty"`
	Prompt    string            `yaml:"prompt,omitempty"`
	System    string            `yaml:"system,omitempty"`
	Model     string            `yaml:"model,omitempty"`
	MaxTokens int               `yaml:"max_tokens,omitempty"`
	Command   []string          `yaml:"command,omitempty"`
	Dir       string            `yaml:"dir,omitempty"`
	Env       map[string]string `yaml:"env,omitempty"`
}

// ManifestFile pairs a parsed manifest with its on-disk source.
type ManifestFile struct {
	Manifest Manifest
	Path     string
}

// Validate ensures the manifest can be turned into a runnable task.
func (m Manifest) Validate() error {
	if strings.TrimSpace(m.Name) == "" {
		return fmt.Errorf("taskdef: name is required")
	}
	switch strings.ToLower(strings.TrimSpace(m.Executor)) {
	case ExecutorCommand:
		if len(m.Command) == 0 {
			return fmt.Errorf("taskdef %s: command executor requires command", m.Name)
		}
	case ExecutorOpenAI:
		if strings.TrimSpace(m.Prompt) == "" {
			return fmt.Errorf("taskdef %s: openai executor requires prompt", m.Name)
		}
	case "":
		return fmt.Errorf("taskdef %s: executor is required", m.Name)
	default:
		return fmt.Errorf("taskdef %s: unknown executor %q", m.Name, m.Executor)
	}
	switch strings.ToLower(strings.TrimSpace(m.Output)) {
	case "", "text", "json":
	default:
		return fmt.Errorf("taskdef %s: output must be text or json", m.Name)
	}
	return nil
}

// Normalized trims identifiers and lowercases enum fields.
func (m Manifest) Normalized() Manifest {
	m.Name = strings.TrimSpace(m.Name)
	m.Provides = strings.TrimSpace(m.Provides)
	m.Executor = strings.ToLower(strings.TrimSpace(m.Executor))
	m.Output = strings.ToLower(strings.TrimSpace(m.Output))
	inputs := make([]string, 0, len(m.Inputs))
	for _, key := range m.Inputs {
		if key = strings.TrimSpace(key); key != "" {
			inputs = append(inputs, key)
		}
	}
	m.Inputs = inputs
	return m
}

// ParseManifestYAML decodes and validates a single task file payload.
func ParseManifestYAML(data []byte) (Manifest, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return Manifest{}, fmt.Errorf("taskdef: definition payload is empty")
	}
	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return Manifest{}, fmt.Errorf("taskdef: decode definition: %w", err)
	}
	if err := manifest.Validate(); err != nil {
		return Manifest{}, err
	}
	return manifest.Normalized(), nil
}

// LoadManifestFile reads one task file from disk.
func LoadManifestFile(path string) (ManifestFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ManifestFile{}, fmt.Errorf("taskdef: read %s: %w", path, err)
	}
	manifest, err := ParseManifestYAML(data)
	if err != nil {
		return ManifestFile{}, fmt.Errorf("taskdef: %s: %w", path, err)
	}
	return ManifestFile{Manifest: manifest, Path: filepath.Clean(path)}, nil
}

// LoadManifestDir scans dir for *.yaml task files. A missing directory yields no
// tasks.
func LoadManifestDir(dir string) ([]ManifestFile, error) {
	trimmed := strings.TrimSpace(dir)
	if trimmed == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(trimmed)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("taskdef: read %s: %w", trimmed, err)
	}
	var files []ManifestFile
	for _, entry := range entries {
		if entry.IsDir() || !isYAMLFile(entry.Name()) {
			continue
		}
		file, err := LoadManifestFile(filepath.Join(trimmed, entry.Name()))
		if err != nil {
			return nil, err
		}
		files = append(files, file)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

// OutputSaver persists task results. persistence services satisfy it.
type OutputSaver interface {
	SaveTaskOutput(ctx context.Context, jobID, taskName string, output any) error
}

// OpenAIDefaults fills fields a manifest leaves empty.
type OpenAIDefaults struct {
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int
}

// Builder turns manifests into task definitions.
type Builder struct {
	// Outputs receives each successful result. Nil disables onSuccess.
	Outputs OutputSaver
	OpenAI  OpenAIDefaults
	// BaseDir resolves relative command working directories.
	BaseDir string
}

// Build wires the manifest's executor and the default onSuccess handler.
func (b Builder) Build(manifest Manifest) (task.Definition, error) {
	manifest = manifest.Normalized()
	if err := manifest.Validate(); err != nil {
		return task.Definition{}, err
	}
	def := task.Definition{
		Name:      manifest.Name,
		InputKeys: manifest.Inputs,
		Provides:  manifest.Provides,
		Streaming: manifest.Streaming,
	}
	switch manifest.Executor {
	case ExecutorCommand:
		exec, err := command.New(manifest.Command, manifest.Output)
		if err != nil {
			return task.Definition{}, fmt.Errorf("taskdef %s: %w", manifest.Name, err)
		}
		exec.Dir = b.resolveDir(manifest.Dir)
		exec.Env = manifest.Env
		def.Execute = exec.Execute
	case ExecutorOpenAI:
		model := manifest.Model
		if model == "" {
			model = b.OpenAI.Model
		}
		maxTokens := manifest.MaxTokens
		if maxTokens <= 0 {
			maxTokens = b.OpenAI.MaxTokens
		}
		exec, err := openai.New(manifest.Name, manifest.Prompt,
			openai.WithAPIKey(b.OpenAI.APIKey),
			openai.WithBaseURL(b.OpenAI.BaseURL),
			openai.WithModel(model),
			openai.WithMaxTokens(maxTokens),
			openai.WithSystem(manifest.System),
			openai.WithOutput(manifest.Output),
		)
		if err != nil {
			return task.Definition{}, err
		}
		def.Execute = exec.Execute
	}
	if b.Outputs != nil {
		outputs, name := b.Outputs, manifest.Name
		def.OnSuccess = func(ctx context.Context, jobID string, output any) error {
			return outputs.SaveTaskOutput(ctx, jobID, name, output)
		}
	}
	return def, nil
}

// RegisterDir loads every task file in dir into reg and returns the
// registered names.
func RegisterDir(reg *task.Registry, dir string, b Builder) ([]string, error) {
	files, err := LoadManifestDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(files))
	for _, file := range files {
		def, err := b.Build(file.Manifest)
		if err != nil {
			return nil, fmt.Errorf("taskdef: %s: %w", file.Path, err)
		}
		if err := reg.Register(def); err != nil {
			return nil, fmt.Errorf("taskdef: %s: %w", file.Path, err)
		}
		names = append(names, def.Name)
	}
	return names, nil
}

func (b Builder) resolveDir(dir string) string {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return b.BaseDir
	}
	if filepath.IsAbs(dir) || b.BaseDir == "" {
		return dir
	}
	return filepath.Join(b.BaseDir, dir)
}

func isYAMLFile(name string) bool {
	lower := strings.ToLower(strings.TrimSpace(name))
	return strings.HasSuffix(lower, ".yaml") || strings.HasSuffix(lower, ".yml")
}
