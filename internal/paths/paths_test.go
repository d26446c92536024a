package paths

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestPathsUseDaemonName(t *testing.T) {
	tests := []struct {
		name string
		path string
		base string
	}{
		{"socket", Socket(), "pipelined.sock"},
		{"pid", PIDFile(), "pipelined.pid"},
		{"database", Database(), "pipelined.db"},
		{"workspaces", Workspaces(), "workspaces"},
		{"config file", ConfigFile(), "config.yaml"},
		{"templates", Templates(), "templates"},
		{"credentials", Credentials(), "credentials"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if filepath.Base(tt.path) != tt.base {
				t.Errorf("base = %q, want %q", filepath.Base(tt.path), tt.base)
			}
			if !strings.Contains(tt.path, daemonName) {
				t.Errorf("%q does not contain %q", tt.path, daemonName)
			}
		})
	}
}

func TestNestedPaths(t *testing.T) {
	if filepath.Dir(Socket()) != Runtime() {
		t.Errorf("socket %q is not under %q", Socket(), Runtime())
	}
	if filepath.Dir(Database()) != Data() {
		t.Errorf("database %q is not under %q", Database(), Data())
	}
	if filepath.Dir(Templates()) != Config() {
		t.Errorf("templates %q is not under %q", Templates(), Config())
	}
}
