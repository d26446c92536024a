package bind

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"testing"

	"github.com/cruciblehq/pipelined/internal/pipeline"
)

// Four-stage release template: install, test, build+push, cleanup.
func releaseTemplate() pipeline.Template {
	return pipeline.Template{
		Name:    "container-release",
		Version: "1.0.0",
		Agent: pipeline.AgentSpec{
			Containers: []pipeline.ContainerSpec{{Name: "builder", Image: "python:3.12-slim", Default: true}},
			Mounts:     []pipeline.Mount{{Credential: "registry", Target: "/run/secrets/registry"}},
		},
		Stages: []pipeline.StageDefinition{
			{Name: "install", AbortOnFailure: true, Units: []pipeline.CommandUnit{
				{Args: []string{"git", "clone", "${repoUrl}", "/workspace/src"}},
				{Args: []string{"git", "-C", "/workspace/src", "checkout", "${commit}"}},
			}},
			{Name: "test", AbortOnFailure: true, Units: []pipeline.CommandUnit{
				{Workdir: "/workspace/src", Env: map[string]string{"PORT": "${port}"}},
				{Args: []string{"python", "-m", "pytest"}},
			}},
			{Name: "build-push", AbortOnFailure: true, Units: []pipeline.CommandUnit{
				{Publish: &pipeline.PublishUnit{Image: "${imageName}", Tag: "${imageTag}", Dockerfile: "${dockerfilePath}", Context: "src", Credential: "registry"}},
			}},
			{Name: "cleanup", AbortOnFailure: true, Units: []pipeline.CommandUnit{
				{Args: []string{"rm", "-rf", "/workspace/src"}},
			}},
		},
	}
}

func mustConfig(t *testing.T, raw map[string]any) pipeline.Configuration {
	t.Helper()
	cfg, err := ParseConfiguration(raw)
	if err != nil {
		t.Fatalf("ParseConfiguration: %v", err)
	}
	return cfg
}

func TestBind(t *testing.T) {
	b := New(&pipeline.Sequence{})
	origin := pipeline.Origin{Repository: "github.com/acme/flaskapp-logger", Ref: "refs/heads/main", Commit: "abc123"}

	run, err := b.Bind(releaseTemplate(), mustConfig(t, loggerConfig()), origin)
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}

	if run.Status != pipeline.StatusPending {
		t.Fatalf("Status = %s, want pending", run.Status)
	}
	if run.ID != 1 {
		t.Fatalf("ID = %d, want 1", run.ID)
	}
	if run.Template != "container-release" || run.Version != "1.0.0" {
		t.Fatalf("template ref = %s@%s", run.Template, run.Version)
	}

	clone := run.Stages[0].Units[0].Args
	if clone[2] != "https://github.com/acme/flaskapp-logger.git" {
		t.Fatalf("repoUrl not substituted: %v", clone)
	}
	if got := run.Stages[0].Units[1].Args[4]; got != "abc123" {
		t.Fatalf("commit not substituted: %q", got)
	}
	if got := run.Stages[1].Units[0].Env["PORT"]; got != "5000" {
		t.Fatalf("port not substituted: %q", got)
	}

	pub := run.Stages[2].Units[0].Publish
	if pub.Image != "logger" || pub.Tag != "20" || pub.Dockerfile != "./Dockerfile" {
		t.Fatalf("publish unit = %+v", pub)
	}
}

func TestBindPreservesStageOrder(t *testing.T) {
	b := New(&pipeline.Sequence{})
	tpl := releaseTemplate()

	configs := []map[string]any{
		loggerConfig(),
		{"imageName": "api", "imageTag": "v2", "port": 1, "repoUrl": "git@example.com:a/b.git"},
		{"imageName": "web", "imageTag": "latest", "port": 65535, "repoUrl": "https://x/y.git", "dockerfilePath": "Containerfile"},
		{"imageName": "job", "imageTag": "1", "port": 8080, "repoUrl": "https://x/z.git", "continueOnStageFailure": []any{"test", "cleanup"}},
	}

	for i, raw := range configs {
		run, err := b.Bind(tpl, mustConfig(t, raw), pipeline.Origin{})
		if err != nil {
			t.Fatalf("config %d: Bind: %v", i, err)
		}
		got := make([]string, len(run.Stages))
		for j, s := range run.Stages {
			got[j] = s.Name
		}
		if !slices.Equal(got, tpl.StageNames()) {
			t.Fatalf("config %d: stages = %v, want %v", i, got, tpl.StageNames())
		}
	}
}

func TestBindAbortPolicy(t *testing.T) {
	b := New(&pipeline.Sequence{})
	raw := loggerConfig()
	raw["continueOnStageFailure"] = []any{"test"}

	run, err := b.Bind(releaseTemplate(), mustConfig(t, raw), pipeline.Origin{})
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	for _, s := range run.Stages {
		want := s.Name != "test"
		if s.AbortOnFailure != want {
			t.Errorf("stage %s: AbortOnFailure = %v, want %v", s.Name, s.AbortOnFailure, want)
		}
	}
}

func TestBindUnsortedContinueSet(t *testing.T) {
	cfg := mustConfig(t, loggerConfig())
	cfg.ContinueOnStageFailure = []string{"test", "install", "test"}

	run, err := New(&pipeline.Sequence{}).Bind(releaseTemplate(), cfg, pipeline.Origin{})
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}

	want := map[string]bool{"install": false, "test": false, "build-push": true, "cleanup": true}
	for _, s := range run.Stages {
		if s.AbortOnFailure != want[s.Name] {
			t.Errorf("stage %s: AbortOnFailure = %v, want %v", s.Name, s.AbortOnFailure, want[s.Name])
		}
	}
	if got := run.Config.ContinueOnStageFailure; !slices.Equal(got, []string{"install", "test"}) {
		t.Errorf("ContinueOnStageFailure = %v, want [install test]", got)
	}
	if cfg.ContinueOnStageFailure[0] != "test" {
		t.Errorf("caller's set was reordered: %v", cfg.ContinueOnStageFailure)
	}
}

func TestBindUnknownContinueStage(t *testing.T) {
	seq := &pipeline.Sequence{}
	b := New(seq)
	raw := loggerConfig()
	raw["continueOnStageFailure"] = []any{"deploy"}

	_, err := b.Bind(releaseTemplate(), mustConfig(t, raw), pipeline.Origin{})
	var ce *pipeline.ConfigError
	if !errors.As(err, &ce) || ce.Key != pipeline.KeyContinueOnStageFailure {
		t.Fatalf("err = %v, want ConfigError on continueOnStageFailure", err)
	}
	if id := seq.Next(); id != 1 {
		t.Fatalf("rejected configuration consumed a run id (next = %d)", id)
	}
}

func TestBindUnresolvedPlaceholder(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*pipeline.Template)
		stage  string
	}{
		{"unknown arg", func(tp *pipeline.Template) { tp.Stages[1].Units[1].Args[2] = "${testRunner}" }, "test"},
		{"unterminated", func(tp *pipeline.Template) { tp.Stages[3].Units[0].Args[2] = "/workspace/${imageName" }, "cleanup"},
		{"unknown publish field", func(tp *pipeline.Template) { tp.Stages[2].Units[0].Publish.Tag = "${version}" }, "build-push"},
		{"unknown image", func(tp *pipeline.Template) { tp.Agent.Containers[0].Image = "python:${pyVersion}" }, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tpl := releaseTemplate()
			tt.mutate(&tpl)

			_, err := New(&pipeline.Sequence{}).Bind(tpl, mustConfig(t, loggerConfig()), pipeline.Origin{})
			if errors.Is(err, pipeline.ErrConfig) {
				t.Fatalf("template defect reported as configuration error: %v", err)
			}
			var te *pipeline.TemplateError
			if !errors.As(err, &te) {
				t.Fatalf("err = %v, want *TemplateError", err)
			}
			if te.Stage != tt.stage {
				t.Fatalf("Stage = %q, want %q", te.Stage, tt.stage)
			}
		})
	}
}

func TestBindDoesNotRescanValues(t *testing.T) {
	raw := loggerConfig()
	raw["imageTag"] = "${port}"
	raw["repoUrl"] = "https://x/y.git; rm -rf /"

	run, err := New(&pipeline.Sequence{}).Bind(releaseTemplate(), mustConfig(t, raw), pipeline.Origin{})
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if tag := run.Stages[2].Units[0].Publish.Tag; tag != "${port}" {
		t.Fatalf("value was rescanned: tag = %q", tag)
	}
	args := run.Stages[0].Units[0].Args
	if len(args) != 4 || args[2] != "https://x/y.git; rm -rf /" {
		t.Fatalf("value split into arguments: %v", args)
	}
}

func TestBindDoesNotAliasTemplate(t *testing.T) {
	tpl := releaseTemplate()
	run, err := New(&pipeline.Sequence{}).Bind(tpl, mustConfig(t, loggerConfig()), pipeline.Origin{})
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	run.Stages[1].Units[0].Env["PORT"] = "1"
	run.Agent.Containers[0].Image = "evil"

	if tpl.Stages[1].Units[0].Env["PORT"] != "${port}" {
		t.Fatal("run shares env map with template")
	}
	if tpl.Agent.Containers[0].Image != "python:3.12-slim" {
		t.Fatal("run shares agent spec with template")
	}
}

func TestBindMonotonicIDs(t *testing.T) {
	b := New(&pipeline.Sequence{})
	cfg := mustConfig(t, loggerConfig())

	var last pipeline.RunID
	for i := range 5 {
		run, err := b.Bind(releaseTemplate(), cfg, pipeline.Origin{})
		if err != nil {
			t.Fatalf("Bind %d: %v", i, err)
		}
		if run.ID <= last {
			t.Fatalf("id %d not greater than previous %d", run.ID, last)
		}
		last = run.ID
	}
}

func TestBindRunIDVariable(t *testing.T) {
	tpl := releaseTemplate()
	tpl.Stages[3].Units[0].Args = []string{"echo", "run-${runId}"}

	run, err := New(&pipeline.Sequence{}).Bind(tpl, mustConfig(t, loggerConfig()), pipeline.Origin{})
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if got := run.Stages[3].Units[0].Args[1]; got != fmt.Sprintf("run-%s", run.ID) {
		t.Fatalf("runId = %q", got)
	}
}

func TestVariables(t *testing.T) {
	vars := Variables()
	for _, want := range []string{"imageName", "imageTag", "port", "dockerfilePath", "repoUrl", "repository", "ref", "commit", "runId"} {
		if !slices.Contains(vars, want) {
			t.Errorf("Variables() missing %q", want)
		}
	}
	if strings.Join(vars, ",") != strings.Join(slices.Sorted(slices.Values(vars)), ",") {
		t.Error("Variables() not sorted")
	}
}
