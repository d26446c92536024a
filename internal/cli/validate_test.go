package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/cruciblehq/pipelined/internal"
	"github.com/cruciblehq/pipelined/internal/config"
	"github.com/cruciblehq/pipelined/internal/pipeline"
	"github.com/cruciblehq/pipelined/internal/publish"
	"github.com/cruciblehq/pipelined/internal/storage/sqlite"
	"github.com/cruciblehq/pipelined/internal/template"
	"github.com/cruciblehq/pipelined/internal/trigger"
)

const releaseYAML = `
name: release
version: 1.0.0
agent:
  containers:
    - name: builder
      image: python:3.12-slim
stages:
  - name: install
    steps:
      - run: [git, clone, "${repoUrl}"]
  - name: test
    steps:
      - run: [make, test, "PORT=${port}"]
`

func validateConfig(t *testing.T, bindings ...trigger.Binding) *config.Config {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "release.yaml"), []byte(releaseYAML), 0644); err != nil {
		t.Fatal(err)
	}
	return &config.Config{
		Templates: config.TemplatesConfig{Dir: dir},
		Storage:   config.StorageConfig{Path: "none"},
		Bindings:  bindings,
	}
}

func loggerConfig() map[string]any {
	return map[string]any{
		"imageName": "logger",
		"imageTag":  "20",
		"port":      5000,
		"repoUrl":   "https://github.com/acme/flaskapp-logger.git",
	}
}

func TestValidate(t *testing.T) {
	cfg := validateConfig(t, trigger.Binding{Repository: "acme/logger", Template: "release", Config: loggerConfig()})

	var out bytes.Buffer
	if err := validate(context.Background(), cfg, &out); err != nil {
		t.Fatalf("validate() error = %v", err)
	}
	if !strings.Contains(out.String(), "ok   acme/logger -> release@1.0.0 (2 stages)") {
		t.Errorf("output = %q", out.String())
	}
}

func TestValidateReportsEveryBinding(t *testing.T) {
	missingPort := loggerConfig()
	delete(missingPort, "port")

	cfg := validateConfig(t,
		trigger.Binding{Repository: "acme/a", Template: "release", Config: missingPort},
		trigger.Binding{Repository: "acme/b", Template: "deploy", Config: loggerConfig()},
		trigger.Binding{Repository: "acme/c", Template: "release", Config: loggerConfig()},
	)

	var out bytes.Buffer
	err := validate(context.Background(), cfg, &out)
	if !errors.Is(err, pipeline.ErrConfig) || !errors.Is(err, pipeline.ErrTemplateNotFound) {
		t.Fatalf("validate() error = %v", err)
	}

	for _, want := range []string{"FAIL acme/a", "FAIL acme/b", "ok   acme/c"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output lacks %q:\n%s", want, out.String())
		}
	}
}

func TestValidateMissingTemplateDir(t *testing.T) {
	cfg := &config.Config{
		Templates: config.TemplatesConfig{Dir: filepath.Join(t.TempDir(), "absent")},
		Storage:   config.StorageConfig{Path: "none"},
	}
	if err := validate(context.Background(), cfg, &bytes.Buffer{}); err != nil {
		t.Fatalf("validate() error = %v", err)
	}
}

func TestPrintVersion(t *testing.T) {
	var buf bytes.Buffer
	if err := printVersion(&buf, true); err != nil {
		t.Fatal(err)
	}
	var info internal.BuildInfo
	if err := json.Unmarshal(buf.Bytes(), &info); err != nil {
		t.Fatalf("invalid JSON %q: %v", buf.String(), err)
	}
	if info.Name != internal.Name {
		t.Errorf("name = %q", info.Name)
	}

	buf.Reset()
	if err := printVersion(&buf, false); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(buf.String(), internal.Name+" ") {
		t.Errorf("output = %q", buf.String())
	}
}

func TestLoadRegistryKeepsPublishedVersionLatest(t *testing.T) {
	ctx := context.Background()
	cfg := validateConfig(t)

	store, err := sqlite.New(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	for _, version := range []string{"1.1.0", "1.0.0"} {
		tpls, err := template.Parse([]byte(strings.Replace(releaseYAML, "version: 1.0.0", "version: "+version, 1)))
		if err != nil {
			t.Fatal(err)
		}
		if err := store.SaveTemplate(ctx, tpls[0]); err != nil {
			t.Fatal(err)
		}
	}

	// Loading twice stands in for a restart.
	for range 2 {
		registry, err := loadRegistry(ctx, cfg, store, true)
		if err != nil {
			t.Fatalf("loadRegistry: %v", err)
		}

		latest, err := registry.Resolve("release", "")
		if err != nil {
			t.Fatal(err)
		}
		if latest.Version != "1.1.0" {
			t.Fatalf("latest = %s, want the stored 1.1.0", latest.Version)
		}

		got := registry.List()
		if len(got) != 1 || !slices.Equal(got[0].Versions, []string{"1.0.0", "1.1.0"}) {
			t.Fatalf("List() = %+v", got)
		}
	}
}

func TestDaemonStopClosesPublisher(t *testing.T) {
	docker, err := publish.NewDocker("unix:///nonexistent/docker.sock")
	if err != nil {
		t.Fatal(err)
	}
	d := &daemon{docker: docker}
	if err := d.stop(context.Background()); err != nil {
		t.Fatalf("stop() = %v", err)
	}
}
