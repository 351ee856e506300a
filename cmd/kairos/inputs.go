package main

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// loadInputs builds the initial workflow context from an optional YAML or
// JSON file and key=value pairs. Pairs win over the file. Values are decoded
// as YAML scalars, so n=3 is a number and name=ada a string.
func loadInputs(path string, pairs []string) (map[string]any, error) {
	initial := map[string]any{}
	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read input file: %w", err)
		}
		if err := yaml.Unmarshal(data, &initial); err != nil {
			return nil, fmt.Errorf("parse input file %s: %w", path, err)
		}
		if initial == nil {
			initial = map[string]any{}
		}
	}
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --input %q, want key=value", pair)
		}
		initial[key] = scalar(raw)
	}
	return initial, nil
}

func scalar(raw string) any {
	if strings.TrimSpace(raw) == "" {
		return raw
	}
	var value any
	if err := yaml.Unmarshal([]byte(raw), &value); err != nil {
		return raw
	}
	switch value.(type) {
	case string, int, float64, bool:
		return value
	default:
		// Keep sequences, maps and nulls as the literal text.
		return raw
	}
}
