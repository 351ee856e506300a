package workflow

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultWorkflowDir points to the conventional location for YAML workflow
// definitions when loading from disk.
const DefaultWorkflowDir = "workflows"

// ParseDefinitionYAML decodes a workflow definition from YAML/JSON bytes.
func ParseDefinitionYAML(data []byte) (Definition, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return Definition{}, fmt.Errorf("workflow: definition payload is empty")
	}
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return Definition{}, fmt.Errorf("workflow: decode definition: %w", err)
	}
	return def.Normalized()
}

// LoadDefinitionReader reads workflow definition data from an io.Reader.
func LoadDefinitionReader(r io.Reader) (Definition, error) {
	content, err := io.ReadAll(r)
	if err != nil {
		return Definition{}, fmt.Errorf("workflow: read definition: %w", err)
	}
	return ParseDefinitionYAML(content)
}

// LoadDefinitionFile loads a workflow definition from an explicit file path.
func LoadDefinitionFile(path string) (Definition, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return Definition{}, fmt.Errorf("workflow: read %s: %w", path, err)
	}
	def, parseErr := ParseDefinitionYAML(content)
	if parseErr != nil {
		return Definition{}, fmt.Errorf("workflow: %s: %w", path, parseErr)
	}
	return def, nil
}

// LoadDefinitionDir parses every *.yaml/*.yml file in dir, ordered by path.
// A missing directory yields no definitions.
func LoadDefinitionDir(dir string) ([]Definition, error) {
	trimmed := strings.TrimSpace(dir)
	if trimmed == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(trimmed)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("workflow: read %s: %w", trimmed, err)
	}
	var paths []string
	for _, entry := range entries {
		if entry.IsDir() || !isYAMLFile(entry.Name()) {
			continue
		}
		paths = append(paths, filepath.Join(trimmed, entry.Name()))
	}
	sort.Strings(paths)
	defs := make([]Definition, 0, len(paths))
	for _, path := range paths {
		def, err := LoadDefinitionFile(path)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// RegisterDir loads a directory of definitions into the registry. The first
// failure aborts registration.
func RegisterDir(reg *Registry, dir string) ([]string, error) {
	defs, err := LoadDefinitionDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(defs))
	for _, def := range defs {
		if err := reg.Register(def); err != nil {
			return nil, err
		}
		names = append(names, def.Name)
	}
	return names, nil
}

func isYAMLFile(name string) bool {
	lower := strings.ToLower(strings.TrimSpace(name))
	return strings.HasSuffix(lower, ".yaml") || strings.HasSuffix(lower, ".yml")
}
