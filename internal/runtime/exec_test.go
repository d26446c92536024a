package runtime

import (
	"bytes"
	"slices"
	"strings"
	"sync"
	"testing"

	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/cruciblehq/pipelined/internal/pipeline"
)

func TestMergeEnv(t *testing.T) {
	tests := []struct {
		name      string
		base      []string
		overrides []string
		want      []string
	}{
		{"override keeps position", []string{"A=1", "B=2"}, []string{"A=override"}, []string{"A=override", "B=2"}},
		{"new keys appended in order", []string{"A=1"}, []string{"C=3", "B=2"}, []string{"A=1", "C=3", "B=2"}},
		{"empty base", nil, []string{"A=1"}, []string{"A=1"}},
		{"both empty", nil, nil, []string{}},
		{"value with equals sign", []string{"CMD=foo=bar"}, nil, []string{"CMD=foo=bar"}},
		{"malformed entries dropped", []string{"NOEQUALS", "=x", "A=1"}, []string{"ALSO_BAD", "B=2"}, []string{"A=1", "B=2"}},
		{"last override wins", nil, []string{"A=1", "A=2"}, []string{"A=2"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := mergeEnv(tt.base, tt.overrides)
			if !slices.Equal(got, tt.want) {
				t.Errorf("mergeEnv() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestUnitProcess(t *testing.T) {
	base := specs.Process{
		Terminal: true,
		Args:     []string{"sleep", "infinity"},
		Env:      []string{"PATH=/usr/bin", "HOME=/root"},
		Cwd:      "/",
		User:     specs.User{UID: 1000},
	}

	tests := []struct {
		name    string
		env     []string
		workdir string
		wantCwd string
		wantEnv []string
	}{
		{
			name:    "defaults to workspace",
			wantCwd: pipeline.WorkspaceMount,
			wantEnv: []string{"PATH=/usr/bin", "HOME=/root", workspaceEnv + "=" + pipeline.WorkspaceMount},
		},
		{
			name:    "explicit workdir and env",
			env:     []string{"PORT=5000", "HOME=/tmp"},
			workdir: "/workspace/src",
			wantCwd: "/workspace/src",
			wantEnv: []string{"PATH=/usr/bin", "HOME=/tmp", workspaceEnv + "=" + pipeline.WorkspaceMount, "PORT=5000"},
		},
		{
			name:    "unit env overrides workspace variable",
			env:     []string{workspaceEnv + "=/elsewhere"},
			wantCwd: pipeline.WorkspaceMount,
			wantEnv: []string{"PATH=/usr/bin", "HOME=/root", workspaceEnv + "=/elsewhere"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := []string{"make", "test"}
			p := unitProcess(base, args, tt.env, tt.workdir)

			if p.Terminal {
				t.Error("terminal should be disabled")
			}
			if !slices.Equal(p.Args, args) {
				t.Errorf("args = %v", p.Args)
			}
			if p.Cwd != tt.wantCwd {
				t.Errorf("cwd = %q, want %q", p.Cwd, tt.wantCwd)
			}
			if !slices.Equal(p.Env, tt.wantEnv) {
				t.Errorf("env = %v, want %v", p.Env, tt.wantEnv)
			}
			if p.User.UID != 1000 {
				t.Errorf("user = %+v, want base user", p.User)
			}

			args[0] = "mutated"
			if p.Args[0] != "make" {
				t.Error("process args alias the caller's slice")
			}
		})
	}

	if base.Cwd != "/" || len(base.Env) != 2 || !base.Terminal {
		t.Errorf("base process mutated: %+v", base)
	}
}

func TestNextExecID(t *testing.T) {
	seen := make(map[string]bool)
	for range 100 {
		id := nextExecID()
		if !strings.HasPrefix(id, "unit-") {
			t.Fatalf("id = %q", id)
		}
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}

func TestLockedWriter(t *testing.T) {
	var buf bytes.Buffer
	w := &lockedWriter{w: &buf}

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				w.Write([]byte("line\n"))
			}
		}()
	}
	wg.Wait()

	if got := strings.Count(buf.String(), "line\n"); got != 800 {
		t.Errorf("lines = %d, want 800", got)
	}
}
