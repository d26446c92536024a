package template

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/cruciblehq/pipelined/internal/pipeline"
)

const releaseYAML = `
name: release
version: 1.0.0
agent:
  containers:
    - name: builder
      image: python:3.12-slim
      default: true
stages:
  - name: install
    steps:
      - run: [git, clone, "${repoUrl}", /workspace/src]
  - name: build-push
    steps:
      - publish:
          image: "${imageName}"
          tag: "${imageTag}"
          dockerfile: "${dockerfilePath}"
          context: src
---
name: release
version: 1.1.0
agent:
  containers:
    - name: builder
      image: python:3.12-slim
stages:
  - name: install
    steps:
      - run: [git, clone, "${repoUrl}", /workspace/src]
`

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "release.yaml", releaseYAML)
	writeFile(t, dir, "README.md", "not a template")
	if err := os.Mkdir(filepath.Join(dir, "nested.yaml"), 0755); err != nil {
		t.Fatal(err)
	}

	tpls, err := LoadDir(dir)
	if err != nil {
		t.Fatalf("LoadDir: %v", err)
	}
	if len(tpls) != 2 {
		t.Fatalf("loaded %d templates, want 2", len(tpls))
	}

	first := tpls[0]
	if first.Ref() != "release@1.0.0" {
		t.Fatalf("first = %s, want release@1.0.0", first.Ref())
	}
	pub := first.Stages[1].Units[0].Publish
	if pub == nil || pub.Image != "${imageName}" || pub.Context != "src" {
		t.Fatalf("publish unit = %+v", pub)
	}
	if !first.Stages[0].AbortOnFailure {
		t.Fatal("AbortOnFailure should default to true")
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	doc := `
name: release
version: "1"
agnet: {}
stages: []
`
	if _, err := Parse([]byte(doc)); !errors.Is(err, pipeline.ErrTemplate) {
		t.Fatalf("err = %v, want ErrTemplate", err)
	}
}

func TestParseValidates(t *testing.T) {
	doc := `
name: release
version: "1"
agent:
  containers:
    - name: builder
      image: alpine
stages: []
`
	_, err := Parse([]byte(doc))
	var te *pipeline.TemplateError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want *TemplateError", err)
	}
}

func TestLoadShippedTemplates(t *testing.T) {
	tpls, err := LoadDir(filepath.Join("..", "..", "templates"))
	if err != nil {
		t.Fatalf("LoadDir: %v", err)
	}
	if len(tpls) == 0 {
		t.Fatal("no shipped templates found")
	}
	if err := NewRegistry(nil).Load(tpls...); err != nil {
		t.Fatalf("Load: %v", err)
	}
}
