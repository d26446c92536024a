package stage

import (
	"slices"
	"testing"

	"github.com/cruciblehq/pipelined/internal/pipeline"
)

func TestUnitStateApply(t *testing.T) {
	s := newUnitState()

	s.apply(pipeline.CommandUnit{Workdir: "/workspace/src"})
	if s.workdir != "/workspace/src" {
		t.Fatalf("workdir = %q, want /workspace/src", s.workdir)
	}

	s.apply(pipeline.CommandUnit{Env: map[string]string{"A": "1", "B": "2"}})
	s.apply(pipeline.CommandUnit{Env: map[string]string{"A": "override"}})
	if s.env["A"] != "override" || s.env["B"] != "2" {
		t.Fatalf("env = %v, want A=override B=2", s.env)
	}
	if s.workdir != "/workspace/src" {
		t.Fatalf("workdir changed to %q after env apply", s.workdir)
	}

	s.apply(pipeline.CommandUnit{})
	if s.workdir != "/workspace/src" || len(s.env) != 2 {
		t.Fatal("empty unit changed the state")
	}
}

func TestUnitStateResolve(t *testing.T) {
	s := newUnitState()
	s.apply(pipeline.CommandUnit{Workdir: "/app", Env: map[string]string{"A": "1", "K": "base"}})

	resolved := s.resolve(pipeline.CommandUnit{Workdir: "/tmp", Env: map[string]string{"B": "2", "K": "override"}})
	if resolved.workdir != "/tmp" {
		t.Fatalf("resolved.workdir = %q, want /tmp", resolved.workdir)
	}
	if resolved.env["A"] != "1" || resolved.env["B"] != "2" || resolved.env["K"] != "override" {
		t.Fatalf("resolved.env = %v", resolved.env)
	}

	// Original state is unchanged.
	if s.workdir != "/app" {
		t.Fatalf("original workdir mutated to %q", s.workdir)
	}
	if _, ok := s.env["B"]; ok {
		t.Fatal("original env mutated: B leaked in")
	}
	if s.env["K"] != "base" {
		t.Fatalf("original env[K] mutated to %q", s.env["K"])
	}

	inherited := s.resolve(pipeline.CommandUnit{Args: []string{"ls"}})
	if inherited.workdir != "/app" {
		t.Fatalf("inherited workdir = %q, want /app", inherited.workdir)
	}
}

func TestUnitStateEnviron(t *testing.T) {
	s := newUnitState()
	if len(s.environ()) != 0 {
		t.Fatal("empty state should produce no environ entries")
	}

	s.apply(pipeline.CommandUnit{Env: map[string]string{"PATH": "/usr/bin", "HOME": "/root"}})
	want := []string{"HOME=/root", "PATH=/usr/bin"}
	if got := s.environ(); !slices.Equal(got, want) {
		t.Fatalf("environ = %v, want %v", got, want)
	}
}

func TestTailBuffer(t *testing.T) {
	tests := []struct {
		name      string
		writes    []string
		want      string
		truncated bool
	}{
		{"under limit", []string{"ab", "cd"}, "abcd", false},
		{"exactly limit", []string{"abcdefgh"}, "abcdefgh", false},
		{"spills across writes", []string{"abcdef", "ghij"}, "cdefghij", true},
		{"single oversized write", []string{"0123456789"}, "23456789", true},
		{"limit write after data", []string{"x", "abcdefgh"}, "abcdefgh", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newTailBuffer(8)
			for _, w := range tt.writes {
				n, err := b.Write([]byte(w))
				if err != nil || n != len(w) {
					t.Fatalf("Write(%q) = %d, %v", w, n, err)
				}
			}
			got, truncated := b.contents()
			if got != tt.want || truncated != tt.truncated {
				t.Fatalf("contents = %q, %v; want %q, %v", got, truncated, tt.want, tt.truncated)
			}
		})
	}
}

func TestWorkspacePath(t *testing.T) {
	tests := []struct {
		rel     string
		want    string
		wantErr bool
	}{
		{"", "/ws", false},
		{".", "/ws", false},
		{"src", "/ws/src", false},
		{"src/app", "/ws/src/app", false},
		{"../etc", "", true},
		{"/etc", "", true},
	}

	for _, tt := range tests {
		got, err := workspacePath("/ws", tt.rel)
		if (err != nil) != tt.wantErr {
			t.Fatalf("workspacePath(%q) err = %v", tt.rel, err)
		}
		if got != tt.want {
			t.Fatalf("workspacePath(%q) = %q, want %q", tt.rel, got, tt.want)
		}
	}
}
