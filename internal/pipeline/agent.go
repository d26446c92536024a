package pipeline

import (
	"errors"
	"fmt"
	"slices"

	units "github.com/docker/go-units"
)

// Mount point of the per-run workspace inside every agent container.
const WorkspaceMount = "/workspace"

// Declarative description of an ephemeral execution environment.
//
// An agent has one or more containers sharing a workspace. Exactly one of
// them is the default execution target; when none is flagged, the first
// container is the default.
type AgentSpec struct {
	Containers []ContainerSpec `yaml:"containers" json:"containers"`
	Mounts     []Mount         `yaml:"mounts,omitempty" json:"mounts,omitempty"`
}

// One container of an agent.
type ContainerSpec struct {
	Name      string    `yaml:"name" json:"name"`
	Image     string    `yaml:"image" json:"image"`
	Default   bool      `yaml:"default,omitempty" json:"default,omitempty"`
	Resources Resources `yaml:"resources,omitempty" json:"resources,omitempty"`
}

// Resource requests for a container.
type Resources struct {
	CPUShares uint64 `yaml:"cpu_shares,omitempty" json:"cpu_shares,omitempty"` // Relative CPU weight.
	Memory    string `yaml:"memory,omitempty" json:"memory,omitempty"`         // Memory limit, e.g. "512m" or "2g".
}

// Returns the memory limit in bytes, or zero when no limit is set.
func (r Resources) MemoryBytes() (int64, error) {
	if r.Memory == "" {
		return 0, nil
	}
	return units.RAMInBytes(r.Memory)
}

// A read-only mount of credential material into every agent container.
//
// Credential is a reference resolved through the credential store; the
// provisioner replaces it with the host path before the agent spec reaches the
// platform. The credential contents never appear in the agent spec.
type Mount struct {
	Credential string `yaml:"credential" json:"credential"` // Credential reference.
	Target     string `yaml:"target" json:"target"`         // Path inside the containers.
	Source     string `yaml:"-" json:"source,omitempty"`    // Host path, filled in by the provisioner.
}

// Checks the agent for structural errors.
func (a AgentSpec) Validate() error {
	if len(a.Containers) == 0 {
		return errors.New("agent has no containers")
	}

	seen := make(map[string]bool, len(a.Containers))
	defaults := 0
	for i, c := range a.Containers {
		if c.Name == "" {
			return fmt.Errorf("container %d has no name", i+1)
		}
		if seen[c.Name] {
			return fmt.Errorf("duplicate container name %q", c.Name)
		}
		seen[c.Name] = true
		if c.Image == "" {
			return fmt.Errorf("container %q has no image", c.Name)
		}
		if _, err := c.Resources.MemoryBytes(); err != nil {
			return fmt.Errorf("container %q: %w", c.Name, err)
		}
		if c.Default {
			defaults++
		}
	}
	if defaults > 1 {
		return errors.New("more than one default container")
	}

	for _, m := range a.Mounts {
		if m.Credential == "" || m.Target == "" {
			return errors.New("mounts require credential and target")
		}
	}
	return nil
}

// Returns the name of the default execution container.
func (a AgentSpec) Default() string {
	for _, c := range a.Containers {
		if c.Default {
			return c.Name
		}
	}
	if len(a.Containers) == 0 {
		return ""
	}
	return a.Containers[0].Name
}

// Reports whether the agent has a container with the given name.
func (a AgentSpec) Has(name string) bool {
	return slices.ContainsFunc(a.Containers, func(c ContainerSpec) bool {
		return c.Name == name
	})
}

// Returns a deep copy of the agent spec.
func (a AgentSpec) Clone() AgentSpec {
	return AgentSpec{
		Containers: slices.Clone(a.Containers),
		Mounts:     slices.Clone(a.Mounts),
	}
}
