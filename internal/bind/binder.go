package bind

import (
	"fmt"
	"maps"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/cruciblehq/pipelined/internal/pipeline"
)

// Variables contributed by the trigger origin and the run itself.
const (
	VarRepository = "repository"
	VarRef        = "ref"
	VarCommit     = "commit"
	VarRunID      = "runId"
)

// Matches a complete ${name} placeholder.
var placeholder = regexp.MustCompile(`\$\{([^}]*)\}`)

// Produces Pending runs from templates and configurations.
type Binder struct {
	seq *pipeline.Sequence // Source of run identities.
	now func() time.Time   // Clock, replaceable in tests.
}

// Creates a binder issuing ids from seq.
func New(seq *pipeline.Sequence) *Binder {
	return &Binder{seq: seq, now: time.Now}
}

// Binds a configuration into a template.
//
// The continueOnStageFailure set must name stages of the template. Every
// placeholder in the template's command units and agent spec is substituted
// from the configuration and the origin; an unknown or malformed placeholder
// fails with a [pipeline.TemplateError]. The run's continueOnStageFailure set is
// stored sorted and without duplicates. The returned run is Pending, has one
// bound stage per template stage in the same order, and owns deep copies of
// everything it references.
func (b *Binder) Bind(tpl pipeline.Template, cfg pipeline.Configuration, origin pipeline.Origin) (*pipeline.Run, error) {
	stageNames := tpl.StageNames()
	for _, name := range cfg.ContinueOnStageFailure {
		if !slices.Contains(stageNames, name) {
			return nil, &pipeline.ConfigError{
				Key:    pipeline.KeyContinueOnStageFailure,
				Reason: fmt.Sprintf("template %s has no stage %q", tpl.Ref(), name),
			}
		}
	}

	id := b.seq.Next()

	vars := cfg.Vars()
	vars[VarRepository] = origin.Repository
	vars[VarRef] = origin.Ref
	vars[VarCommit] = origin.Commit
	vars[VarRunID] = id.String()

	s := &substituter{vars: vars, template: tpl.Ref()}

	agent := tpl.Agent.Clone()
	for i := range agent.Containers {
		agent.Containers[i].Image = s.apply(agent.Containers[i].Image)
	}
	for i := range agent.Mounts {
		agent.Mounts[i].Target = s.apply(agent.Mounts[i].Target)
	}
	if err := s.err(""); err != nil {
		return nil, err
	}

	stages := make([]pipeline.BoundStage, len(tpl.Stages))
	for i, def := range tpl.Stages {
		units := make([]pipeline.CommandUnit, len(def.Units))
		for j, unit := range def.Units {
			units[j] = s.unit(unit)
		}
		if err := s.err(def.Name); err != nil {
			return nil, err
		}
		stages[i] = pipeline.BoundStage{
			Name:           def.Name,
			Units:          units,
			AbortOnFailure: def.AbortOnFailure && !cfg.Continues(def.Name),
		}
	}

	cfg.ContinueOnStageFailure = slices.Compact(slices.Sorted(slices.Values(cfg.ContinueOnStageFailure)))

	return &pipeline.Run{
		ID:        id,
		Template:  tpl.Name,
		Version:   tpl.Version,
		Origin:    origin,
		Config:    cfg,
		Agent:     agent,
		Stages:    stages,
		Status:    pipeline.StatusPending,
		Results:   make([]pipeline.StageResult, 0, len(stages)),
		CreatedAt: b.now().UTC(),
	}, nil
}

// Substitutes placeholders and collects the ones it could not resolve.
type substituter struct {
	vars       map[string]string
	template   string
	unresolved []string
}

// Returns a copy of the unit with every string field substituted.
func (s *substituter) unit(u pipeline.CommandUnit) pipeline.CommandUnit {
	out := u.Clone()
	for i, arg := range out.Args {
		out.Args[i] = s.apply(arg)
	}
	for k, v := range out.Env {
		out.Env[k] = s.apply(v)
	}
	out.Workdir = s.apply(out.Workdir)
	if out.Publish != nil {
		out.Publish.Image = s.apply(out.Publish.Image)
		out.Publish.Tag = s.apply(out.Publish.Tag)
		out.Publish.Dockerfile = s.apply(out.Publish.Dockerfile)
		out.Publish.Context = s.apply(out.Publish.Context)
	}
	return out
}

// Substitutes a single string.
//
// Known placeholders are replaced in one pass; replacement values are not
// rescanned. Unknown placeholders and a dangling "${" are recorded.
func (s *substituter) apply(in string) string {
	if !strings.Contains(in, "${") {
		return in
	}

	rest := placeholder.ReplaceAllString(in, "")
	if strings.Contains(rest, "${") {
		s.unresolved = append(s.unresolved, fmt.Sprintf("unterminated placeholder in %q", in))
	}

	return placeholder.ReplaceAllStringFunc(in, func(m string) string {
		name := m[2 : len(m)-1]
		if v, ok := s.vars[name]; ok {
			return v
		}
		s.unresolved = append(s.unresolved, m)
		return m
	})
}

// Returns a template error for the placeholders collected so far and resets
// the collection.
func (s *substituter) err(stage string) error {
	if len(s.unresolved) == 0 {
		return nil
	}
	names := slices.Compact(slices.Sorted(slices.Values(s.unresolved)))
	s.unresolved = nil
	return &pipeline.TemplateError{
		Template: s.template,
		Stage:    stage,
		Reason:   "unresolved placeholders: " + strings.Join(names, ", "),
	}
}

// Returns the names of the variables available to templates.
func Variables() []string {
	vars := pipeline.Configuration{}.Vars()
	vars[VarRepository] = ""
	vars[VarRef] = ""
	vars[VarCommit] = ""
	vars[VarRunID] = ""
	return slices.Sorted(maps.Keys(vars))
}
