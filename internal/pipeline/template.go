package pipeline

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"

	"gopkg.in/yaml.v3"
)

// A named, versioned pipeline skeleton.
//
// Templates are immutable once published. Callers that receive a template
// from the registry get their own deep copy.
type Template struct {
	Name    string            `yaml:"name" json:"name"`
	Version string            `yaml:"version" json:"version"`
	Agent   AgentSpec         `yaml:"agent" json:"agent"`
	Stages  []StageDefinition `yaml:"stages" json:"stages"`
}

// Returns "name@version".
func (t Template) Ref() string {
	return t.Name + "@" + t.Version
}

// Checks the template for authoring defects.
//
// Stage names must be present and unique, every stage must have at least one
// command unit, and every unit must either run a command, publish an image,
// or carry modifiers. Units that target a named container must name one of
// the agent's containers.
func (t Template) Validate() error {
	if t.Name == "" {
		return &TemplateError{Template: t.Ref(), Reason: "name is required"}
	}
	if t.Version == "" {
		return &TemplateError{Template: t.Ref(), Reason: "version is required"}
	}
	if len(t.Stages) == 0 {
		return &TemplateError{Template: t.Ref(), Reason: "at least one stage is required"}
	}
	if err := t.Agent.Validate(); err != nil {
		return &TemplateError{Template: t.Ref(), Reason: err.Error()}
	}

	seen := make(map[string]bool, len(t.Stages))
	for i, stage := range t.Stages {
		if stage.Name == "" {
			return &TemplateError{Template: t.Ref(), Reason: fmt.Sprintf("stage %d has no name", i+1)}
		}
		if seen[stage.Name] {
			return &TemplateError{Template: t.Ref(), Stage: stage.Name, Reason: "duplicate stage name"}
		}
		seen[stage.Name] = true

		if len(stage.Units) == 0 {
			return &TemplateError{Template: t.Ref(), Stage: stage.Name, Reason: "stage has no steps"}
		}
		for j, unit := range stage.Units {
			if unit.Publish != nil && len(unit.Args) > 0 {
				return &TemplateError{Template: t.Ref(), Stage: stage.Name, Reason: fmt.Sprintf("step %d both runs and publishes", j+1)}
			}
			if unit.Container != "" && !t.Agent.Has(unit.Container) {
				return &TemplateError{Template: t.Ref(), Stage: stage.Name, Reason: fmt.Sprintf("step %d targets unknown container %q", j+1, unit.Container)}
			}
		}
	}

	return nil
}

// Returns the names of all stages in declaration order.
func (t Template) StageNames() []string {
	names := make([]string, len(t.Stages))
	for i, s := range t.Stages {
		names[i] = s.Name
	}
	return names
}

// Returns a deep copy of the template.
func (t Template) Clone() Template {
	c := t
	c.Agent = t.Agent.Clone()
	c.Stages = make([]StageDefinition, len(t.Stages))
	for i, s := range t.Stages {
		c.Stages[i] = s.Clone()
	}
	return c
}

// One ordered unit of work within a template.
type StageDefinition struct {
	Name           string        `yaml:"name" json:"name"`
	Units          []CommandUnit `yaml:"steps" json:"steps"`
	AbortOnFailure bool          `yaml:"abort_on_failure" json:"abort_on_failure"`
}

// Decodes a stage, defaulting AbortOnFailure to true when absent.
func (s *StageDefinition) UnmarshalYAML(value *yaml.Node) error {
	type plain StageDefinition
	p := plain{AbortOnFailure: true}
	if err := value.Decode(&p); err != nil {
		return err
	}
	*s = StageDefinition(p)
	return nil
}

// Decodes a stage, defaulting AbortOnFailure to true when absent.
func (s *StageDefinition) UnmarshalJSON(data []byte) error {
	type plain StageDefinition
	p := plain{AbortOnFailure: true}
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*s = StageDefinition(p)
	return nil
}

// Returns a deep copy of the stage.
func (s StageDefinition) Clone() StageDefinition {
	c := s
	c.Units = make([]CommandUnit, len(s.Units))
	for i, u := range s.Units {
		c.Units[i] = u.Clone()
	}
	return c
}

// A single instruction inside a stage.
//
// A unit with Args runs that argument list in the agent. A unit with Publish
// builds and pushes an image. A unit with neither only carries modifiers
// (Env, Workdir) that persist for the remaining units of the stage.
type CommandUnit struct {
	Args      []string          `yaml:"run,omitempty" json:"run,omitempty"`             // Command and arguments, executed without a shell.
	Container string            `yaml:"container,omitempty" json:"container,omitempty"` // Target container. Empty selects the default.
	Env       map[string]string `yaml:"env,omitempty" json:"env,omitempty"`             // Environment overrides.
	Workdir   string            `yaml:"workdir,omitempty" json:"workdir,omitempty"`     // Working directory inside the container.
	Publish   *PublishUnit      `yaml:"publish,omitempty" json:"publish,omitempty"`     // Image build and push.
}

// Reports whether the unit performs an operation rather than only setting
// modifiers.
func (u CommandUnit) IsOperation() bool {
	return len(u.Args) > 0 || u.Publish != nil
}

// Returns a deep copy of the unit.
func (u CommandUnit) Clone() CommandUnit {
	c := u
	c.Args = slices.Clone(u.Args)
	c.Env = maps.Clone(u.Env)
	if u.Publish != nil {
		p := *u.Publish
		c.Publish = &p
	}
	return c
}

// Parameters of an image build and push.
type PublishUnit struct {
	Image      string `yaml:"image" json:"image"`                               // Repository reference, e.g. "registry.example.com/team/app".
	Tag        string `yaml:"tag" json:"tag"`                                   // Image tag.
	Dockerfile string `yaml:"dockerfile" json:"dockerfile"`                     // Dockerfile path relative to the context.
	Context    string `yaml:"context,omitempty" json:"context,omitempty"`       // Build context relative to the run workspace.
	Credential string `yaml:"credential,omitempty" json:"credential,omitempty"` // Credential reference for the registry.
}
