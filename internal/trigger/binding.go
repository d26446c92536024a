package trigger

import (
	"fmt"

	"github.com/cruciblehq/pipelined/internal/pipeline"
)

// Associates an origin repository with the template and configuration its
// events run.
type Binding struct {
	Repository string         `koanf:"repository" json:"repository"`
	Template   string         `koanf:"template" json:"template"`
	Version    string         `koanf:"version" json:"version,omitempty"` // Empty selects the latest version.
	Config     map[string]any `koanf:"config" json:"config"`
	StatusURL  string         `koanf:"status_url" json:"statusUrl,omitempty"` // Overrides the default status URL.
}

// Inbound trigger event.
type Event struct {
	Repository string `json:"repository"`
	Ref        string `json:"ref"`
	Commit     string `json:"commit"`
}

// Returns the run origin for the event.
func (e Event) Origin() pipeline.Origin {
	return pipeline.Origin{Repository: e.Repository, Ref: e.Ref, Commit: e.Commit}
}

// Indexes bindings by repository. Bindings must name a repository and a
// template, and each repository may be bound once.
func indexBindings(bindings []Binding) (map[string]Binding, error) {
	out := make(map[string]Binding, len(bindings))
	for i, b := range bindings {
		if b.Repository == "" {
			return nil, fmt.Errorf("%w: bindings[%d]: repository is required", pipeline.ErrConfig, i)
		}
		if b.Template == "" {
			return nil, fmt.Errorf("%w: bindings[%d]: template is required", pipeline.ErrConfig, i)
		}
		if _, dup := out[b.Repository]; dup {
			return nil, fmt.Errorf("%w: repository %q is bound more than once", pipeline.ErrConfig, b.Repository)
		}
		out[b.Repository] = b
	}
	return out, nil
}
