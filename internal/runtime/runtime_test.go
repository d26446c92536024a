package runtime

import (
	"errors"
	"strings"
	"testing"

	"github.com/cruciblehq/pipelined/internal/pipeline"
)

func TestNormalizeRef(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"python:3.12-slim", "docker.io/library/python:3.12-slim"},
		{"alpine/git", "docker.io/alpine/git:latest"},
		{"registry.example.com/team/app:v1", "registry.example.com/team/app:v1"},
		{"ghcr.io/acme/tool@sha256:" + strings.Repeat("a", 64), "ghcr.io/acme/tool@sha256:" + strings.Repeat("a", 64)},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := normalizeRef(tt.in)
			if err != nil {
				t.Fatalf("normalizeRef: %v", err)
			}
			if got != tt.want {
				t.Fatalf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNormalizeRefInvalid(t *testing.T) {
	for _, in := range []string{"", "UPPER/case", "bad ref"} {
		if _, err := normalizeRef(in); !errors.Is(err, ErrInvalidImage) {
			t.Errorf("normalizeRef(%q) err = %v, want ErrInvalidImage", in, err)
		}
	}
}

func TestContainerID(t *testing.T) {
	if got := containerID("17", "builder"); got != "pipelined-17-builder" {
		t.Fatalf("containerID = %q", got)
	}
	if containerID("1", "a") == containerID("1", "b") {
		t.Fatal("containers of one agent share an id")
	}
}

func TestAgentMounts(t *testing.T) {
	spec := pipeline.AgentSpec{
		Mounts: []pipeline.Mount{{Credential: "registry", Target: "/run/secrets/registry", Source: "/creds/registry.json"}},
	}

	mounts := ociMounts(agentMounts("/ws/17", spec))
	if len(mounts) != 2 {
		t.Fatalf("len = %d, want 2", len(mounts))
	}

	ws := mounts[0]
	if ws.Source != "/ws/17" || ws.Destination != pipeline.WorkspaceMount || ws.Options[1] != "rw" {
		t.Fatalf("workspace mount = %+v", ws)
	}

	cred := mounts[1]
	if cred.Source != "/creds/registry.json" || cred.Destination != "/run/secrets/registry" || cred.Options[1] != "ro" {
		t.Fatalf("credential mount = %+v", cred)
	}
	if cred.Type != "bind" {
		t.Fatalf("credential mount type = %q", cred.Type)
	}
}

func TestDefaultPlatform(t *testing.T) {
	p := defaultPlatform()
	if !strings.HasPrefix(p, "linux/") {
		t.Fatalf("defaultPlatform = %q, want linux/<arch>", p)
	}
	parts := strings.Split(p, "/")
	if len(parts) != 2 || parts[1] == "" {
		t.Fatalf("defaultPlatform = %q, want linux/<arch>", p)
	}
}
