package workflow

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseDefinitionYAMLRejectsMissingTasks(t *testing.T) {
	const payload = `
name: empty
tasks: []
`
	_, err := ParseDefinitionYAML([]byte(payload))
	if err == nil {
		t.Fatalf("expected error when tasks are missing")
	}
	if !strings.Contains(err.Error(), "at least one task is required") {
		t.Fatalf("unexpected error for missing tasks: %v", err)
	}
}

func TestParseDefinitionYAMLCollapsesDuplicatePrerequisites(t *testing.T) {
	const payload = `
name: tailor
inputs: [resume, resume, " posting "]
tasks:
  - name: parse
  - name: analyze
  - name: tailor
    after: [parse, analyze, parse]
`
	def, err := ParseDefinitionYAML([]byte(payload))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	after := def.After("tailor")
	if len(after) != 2 || after[0] != "parse" || after[1] != "analyze" {
		t.Fatalf("unexpected prerequisites: %v", after)
	}
	if len(def.Inputs) != 2 || def.Inputs[1] != "posting" {
		t.Fatalf("unexpected inputs: %v", def.Inputs)
	}
	entries := def.EntryTasks()
	if len(entries) != 2 || entries[0] != "parse" || entries[1] != "analyze" {
		t.Fatalf("unexpected entry tasks: %v", entries)
	}
}

func TestPrerequisitesSatisfied(t *testing.T) {
	def := Definition{Name: "w", Tasks: []TaskRef{
		{Name: "a"}, {Name: "b"}, {Name: "c", After: []string{"a", "b"}},
	}}
	if !def.PrerequisitesSatisfied("a", nil) {
		t.Fatalf("entry task should always be satisfied")
	}
	if def.PrerequisitesSatisfied("c", map[string]bool{"a": true}) {
		t.Fatalf("c must wait for b")
	}
	if !def.PrerequisitesSatisfied("c", map[string]bool{"a": true, "b": true}) {
		t.Fatalf("c should be satisfied once a and b complete")
	}
	if def.PrerequisitesSatisfied("missing", map[string]bool{"a": true}) {
		t.Fatalf("unknown task should never be satisfied")
	}
}

func TestLoadDefinitionDirSkipsNonYAMLAndMissingDirs(t *testing.T) {
	defs, err := LoadDefinitionDir(filepath.Join(t.TempDir(), "nope"))
	if err != nil || len(defs) != 0 {
		t.Fatalf("missing dir should yield nothing, got %v %v", defs, err)
	}
	dir := t.TempDir()
	write := func(name, body string) {
		t.Helper()
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	write("b.yaml", "name: second\ntasks:\n  - name: x\n")
	write("a.yml", "name: first\ntasks:\n  - name: y\n")
	write("notes.txt", "ignored")
	defs, err = LoadDefinitionDir(dir)
	if err != nil {
		t.Fatalf("load dir: %v", err)
	}
	if len(defs) != 2 || defs[0].Name != "first" || defs[1].Name != "second" {
		t.Fatalf("unexpected definitions: %+v", defs)
	}
}
