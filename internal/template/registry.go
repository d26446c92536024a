package template

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/cruciblehq/pipelined/internal/pipeline"
)

// Durable storage for published templates.
type Persister interface {
	SaveTemplate(ctx context.Context, tpl pipeline.Template) error
}

// Name and published versions of one template family.
type Summary struct {
	Name     string   `json:"name"`
	Versions []string `json:"versions"` // Publish order, oldest first.
}

// All versions published under one name.
type family struct {
	mu       sync.RWMutex
	versions map[string]pipeline.Template
	order    []string // Publish order, oldest first.
}

// In-memory template registry with optional persistence.
type Registry struct {
	mu       sync.RWMutex       // Guards the families map only.
	families map[string]*family // Templates by name.
	persist  Persister          // Optional durable store, may be nil.
}

// Creates an empty registry. The persister may be nil.
func NewRegistry(persist Persister) *Registry {
	return &Registry{
		families: make(map[string]*family),
		persist:  persist,
	}
}

// Publishes a new template version.
//
// The template is validated, written to the persister when one is configured,
// and then made visible to Resolve. Publishing a (name, version) pair that
// already exists fails with [pipeline.ErrDuplicateVersion] and leaves the
// existing version untouched. The family lock is not held while persisting,
// so readers of other versions are never blocked by the write.
func (r *Registry) Publish(ctx context.Context, tpl pipeline.Template) error {
	if err := tpl.Validate(); err != nil {
		return err
	}

	f := r.family(tpl.Name)
	if f.has(tpl.Version) {
		return fmt.Errorf("%w: %s", pipeline.ErrDuplicateVersion, tpl.Ref())
	}

	if r.persist != nil {
		if err := r.persist.SaveTemplate(ctx, tpl); err != nil {
			return err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	// A concurrent publish of the same version may have won.
	if _, exists := f.versions[tpl.Version]; exists {
		return fmt.Errorf("%w: %s", pipeline.ErrDuplicateVersion, tpl.Ref())
	}
	f.versions[tpl.Version] = tpl.Clone()
	f.order = append(f.order, tpl.Version)

	slog.Info("template published", "template", tpl.Name, "version", tpl.Version)
	return nil
}

// Registers templates without persisting them.
//
// Used for templates loaded from disk or restored from the persister at
// start-up. Duplicates are rejected as with Publish.
func (r *Registry) Load(tpls ...pipeline.Template) error {
	for _, tpl := range tpls {
		if err := tpl.Validate(); err != nil {
			return err
		}

		f := r.family(tpl.Name)
		f.mu.Lock()
		_, exists := f.versions[tpl.Version]
		if !exists {
			f.versions[tpl.Version] = tpl.Clone()
			f.order = append(f.order, tpl.Version)
		}
		f.mu.Unlock()

		if exists {
			return fmt.Errorf("%w: %s", pipeline.ErrDuplicateVersion, tpl.Ref())
		}
		slog.Debug("template loaded", "template", tpl.Name, "version", tpl.Version)
	}
	return nil
}

// Returns a copy of the template with the given name and version.
//
// An empty version selects the most recently published version. Fails with
// [pipeline.ErrTemplateNotFound] when the name is unknown and with
// [pipeline.ErrVersionNotFound] when the name exists but the version does not.
func (r *Registry) Resolve(name, version string) (pipeline.Template, error) {
	r.mu.RLock()
	f, ok := r.families[name]
	r.mu.RUnlock()
	if !ok {
		return pipeline.Template{}, fmt.Errorf("%w: %s", pipeline.ErrTemplateNotFound, name)
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	if len(f.order) == 0 {
		return pipeline.Template{}, fmt.Errorf("%w: %s", pipeline.ErrTemplateNotFound, name)
	}
	if version == "" {
		version = f.order[len(f.order)-1]
	}

	tpl, ok := f.versions[version]
	if !ok {
		return pipeline.Template{}, fmt.Errorf("%w: %s@%s", pipeline.ErrVersionNotFound, name, version)
	}
	return tpl.Clone(), nil
}

// Returns a summary of every template family, sorted by name.
func (r *Registry) List() []Summary {
	r.mu.RLock()
	names := make([]string, 0, len(r.families))
	fams := make(map[string]*family, len(r.families))
	for name, f := range r.families {
		names = append(names, name)
		fams[name] = f
	}
	r.mu.RUnlock()

	slices.Sort(names)

	out := make([]Summary, 0, len(names))
	for _, name := range names {
		f := fams[name]
		f.mu.RLock()
		if len(f.order) > 0 {
			out = append(out, Summary{Name: name, Versions: slices.Clone(f.order)})
		}
		f.mu.RUnlock()
	}
	return out
}

func (f *family) has(version string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, ok := f.versions[version]
	return ok
}

// Returns the family for name, creating it if needed.
func (r *Registry) family(name string) *family {
	r.mu.RLock()
	f, ok := r.families[name]
	r.mu.RUnlock()
	if ok {
		return f
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if f, ok := r.families[name]; ok {
		return f
	}
	f = &family{versions: make(map[string]pipeline.Template)}
	r.families[name] = f
	return f
}
