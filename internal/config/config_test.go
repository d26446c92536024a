package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cruciblehq/pipelined/internal/paths"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "{}\n"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Address != DefaultAddress {
		t.Errorf("server.address = %q", cfg.Server.Address)
	}
	if cfg.Containerd.Namespace != DefaultContainerdNamespace {
		t.Errorf("containerd.namespace = %q", cfg.Containerd.Namespace)
	}
	if cfg.Storage.Path != paths.Database() || !cfg.Storage.Enabled() {
		t.Errorf("storage.path = %q", cfg.Storage.Path)
	}
	if cfg.Timeouts.Provision != 120*time.Second || cfg.Timeouts.Stage != 30*time.Minute {
		t.Errorf("timeouts = %+v", cfg.Timeouts)
	}
	if cfg.Publish.Attempts != 3 || cfg.Publish.Backoff != 2*time.Second {
		t.Errorf("publish = %+v", cfg.Publish)
	}
	if cfg.Report.Attempts != 3 || cfg.Report.Backoff != time.Second || cfg.Report.Timeout != 10*time.Second {
		t.Errorf("report = %+v", cfg.Report)
	}
	if cfg.Output.Limit != 64<<10 {
		t.Errorf("output.limit = %d", cfg.Output.Limit)
	}
	if cfg.Telemetry.Tracing || !cfg.Telemetry.Metrics {
		t.Errorf("telemetry = %+v", cfg.Telemetry)
	}
	if len(cfg.Bindings) != 0 {
		t.Errorf("bindings = %+v", cfg.Bindings)
	}
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
server:
  address: unix:///tmp/pipelined.sock
timeouts:
  provision: 45s
publish:
  attempts: 5
  backoff: 500ms
report:
  url: http://ci.example.com/status
storage:
  path: none
bindings:
  - repository: acme/flaskapp-logger
    template: container-release
    version: 1.0.0
    status_url: http://ci.example.com/logger
    config:
      imageName: logger
      imageTag: "20"
      port: 5000
      repoUrl: https://github.com/acme/flaskapp-logger.git
      continueOnStageFailure: [test]
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Address != "unix:///tmp/pipelined.sock" {
		t.Errorf("server.address = %q", cfg.Server.Address)
	}
	if cfg.Timeouts.Provision != 45*time.Second {
		t.Errorf("timeouts.provision = %s", cfg.Timeouts.Provision)
	}
	if cfg.Timeouts.Stage != 30*time.Minute {
		t.Errorf("timeouts.stage = %s, want default", cfg.Timeouts.Stage)
	}
	if cfg.Publish.Attempts != 5 || cfg.Publish.Backoff != 500*time.Millisecond {
		t.Errorf("publish = %+v", cfg.Publish)
	}
	if cfg.Storage.Enabled() {
		t.Error("storage should be disabled")
	}

	if len(cfg.Bindings) != 1 {
		t.Fatalf("bindings = %d, want 1", len(cfg.Bindings))
	}
	b := cfg.Bindings[0]
	if b.Repository != "acme/flaskapp-logger" || b.Template != "container-release" || b.Version != "1.0.0" {
		t.Errorf("binding = %+v", b)
	}
	if b.StatusURL != "http://ci.example.com/logger" {
		t.Errorf("status_url = %q", b.StatusURL)
	}
	if b.Config["imageName"] != "logger" || b.Config["imageTag"] != "20" {
		t.Errorf("config = %+v", b.Config)
	}
	if _, ok := b.Config["port"]; !ok {
		t.Error("config.port missing")
	}
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv("PIPELINED_SERVER__ADDRESS", "0.0.0.0:9000")
	t.Setenv("PIPELINED_TIMEOUTS__STAGE", "5m")
	t.Setenv("PIPELINED_REPORT__ATTEMPTS", "7")
	t.Setenv("PIPELINED_TELEMETRY__TRACING", "true")

	cfg, err := Load(writeConfig(t, "server:\n  address: 127.0.0.1:1\n"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Address != "0.0.0.0:9000" {
		t.Errorf("server.address = %q", cfg.Server.Address)
	}
	if cfg.Timeouts.Stage != 5*time.Minute {
		t.Errorf("timeouts.stage = %s", cfg.Timeouts.Stage)
	}
	if cfg.Report.Attempts != 7 {
		t.Errorf("report.attempts = %d", cfg.Report.Attempts)
	}
	if !cfg.Telemetry.Tracing {
		t.Error("telemetry.tracing = false")
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if !errors.Is(err, ErrLoad) {
		t.Fatalf("Load() error = %v, want ErrLoad", err)
	}
}

func TestLoadMalformedFile(t *testing.T) {
	_, err := Load(writeConfig(t, "server: [unterminated\n"))
	if !errors.Is(err, ErrLoad) {
		t.Fatalf("Load() error = %v, want ErrLoad", err)
	}
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"zero provision timeout", "timeouts:\n  provision: 0s\n"},
		{"negative stage timeout", "timeouts:\n  stage: -1m\n"},
		{"zero publish attempts", "publish:\n  attempts: 0\n"},
		{"negative report backoff", "report:\n  backoff: -1s\n"},
		{"zero output limit", "output:\n  limit: 0\n"},
		{"binding without template", "bindings:\n  - repository: acme/app\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			if !errors.Is(err, ErrInvalid) {
				t.Fatalf("Load() error = %v, want ErrInvalid", err)
			}
		})
	}
}
