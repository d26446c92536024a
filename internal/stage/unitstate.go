package stage

import (
	"maps"
	"slices"

	"github.com/cruciblehq/pipelined/internal/pipeline"
)

// Tracks accumulated modifiers during unit execution.
//
// State flows linearly through the unit list of a stage. Standalone modifiers
// update the state permanently via apply. Operations read the effective
// values for a single unit via resolve without modifying the persistent
// state.
type unitState struct {
	workdir string
	env     map[string]string
}

// Creates a new [unitState] with default values.
func newUnitState() *unitState {
	return &unitState{
		env: make(map[string]string),
	}
}

// Persists modifier fields from a unit into the state.
//
// Called for standalone modifier units. The state is mutated permanently,
// affecting all subsequent units of the stage.
func (s *unitState) apply(unit pipeline.CommandUnit) {
	if unit.Workdir != "" {
		s.workdir = unit.Workdir
	}
	maps.Copy(s.env, unit.Env)
}

// Returns a new [unitState] with unit-level modifiers overlaid on the
// persistent state. The receiver is not modified.
func (s *unitState) resolve(unit pipeline.CommandUnit) *unitState {
	resolved := &unitState{
		workdir: s.workdir,
		env:     make(map[string]string, len(s.env)+len(unit.Env)),
	}
	maps.Copy(resolved.env, s.env)
	maps.Copy(resolved.env, unit.Env)

	if unit.Workdir != "" {
		resolved.workdir = unit.Workdir
	}

	return resolved
}

// Formats the environment as a sorted list of "key=value" strings suitable
// for passing to container exec.
func (s *unitState) environ() []string {
	env := make([]string, 0, len(s.env))
	for _, k := range slices.Sorted(maps.Keys(s.env)) {
		env = append(env, k+"="+s.env[k])
	}
	return env
}
