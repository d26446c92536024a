package pipeline

import (
	"fmt"
	"slices"
	"strconv"
	"sync/atomic"
	"time"
)

// Lifecycle state of a run.
type Status string

const (
	StatusPending      Status = "pending"
	StatusProvisioning Status = "provisioning"
	StatusRunning      Status = "running"
	StatusSucceeded    Status = "succeeded"
	StatusFailed       Status = "failed"
	StatusAborted      Status = "aborted"
)

// Reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusAborted:
		return true
	}
	return false
}

// Allowed transitions of the run state machine.
var transitions = map[Status][]Status{
	StatusPending:      {StatusProvisioning, StatusFailed, StatusAborted},
	StatusProvisioning: {StatusRunning, StatusFailed, StatusAborted},
	StatusRunning:      {StatusSucceeded, StatusFailed, StatusAborted},
}

// Outcome of a single stage.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeSkipped Outcome = "skipped"
)

// Identity of a run. Assigned monotonically by a [Sequence].
type RunID uint64

// Returns the decimal form of the id.
func (id RunID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// Parses the decimal form produced by [RunID.String].
func ParseRunID(s string) (RunID, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil || v == 0 {
		return 0, fmt.Errorf("%w: %q", ErrRunNotFound, s)
	}
	return RunID(v), nil
}

// Issues monotonically increasing run ids. Safe for concurrent use.
type Sequence struct {
	last atomic.Uint64
}

// Returns the next id.
func (s *Sequence) Next() RunID {
	return RunID(s.last.Add(1))
}

// Ensures every id issued afterwards is greater than id.
func (s *Sequence) Seed(id RunID) {
	for {
		cur := s.last.Load()
		if cur >= uint64(id) || s.last.CompareAndSwap(cur, uint64(id)) {
			return
		}
	}
}

// Source of a triggered run.
type Origin struct {
	Repository string `json:"repository"`
	Ref        string `json:"ref,omitempty"`
	Commit     string `json:"commit,omitempty"`
}

// A stage of a bound run. Placeholders are already substituted.
type BoundStage struct {
	Name           string        `json:"name"`
	Units          []CommandUnit `json:"steps"`
	AbortOnFailure bool          `json:"abort_on_failure"`
}

// Recorded outcome of one stage.
type StageResult struct {
	Name      string        `json:"name"`
	Outcome   Outcome       `json:"outcome"`
	Reason    string        `json:"reason,omitempty"`    // Why the stage failed or was skipped.
	Output    string        `json:"output,omitempty"`    // Tail of the captured output.
	Truncated bool          `json:"truncated,omitempty"` // Whether Output was cut to the capture limit.
	Artifact  string        `json:"artifact,omitempty"`  // Pushed image reference with digest, for publish stages.
	Attempts  int           `json:"attempts,omitempty"`  // Publish attempts made, for publish stages.
	Duration  time.Duration `json:"duration"`
}

// One execution of a bound template.
//
// A run is created Pending by the binder and then owned by the stage runner,
// which is the only writer until the run is terminal. Other components work on
// copies obtained with [Run.Clone].
type Run struct {
	ID        RunID         `json:"id"`
	Template  string        `json:"template"`
	Version   string        `json:"version"`
	Origin    Origin        `json:"origin"`
	Config    Configuration `json:"config"`
	Agent     AgentSpec     `json:"agent"`
	Stages    []BoundStage  `json:"stages"`
	Status    Status        `json:"status"`
	Reason    string        `json:"reason,omitempty"`
	Results   []StageResult `json:"results"`
	CreatedAt time.Time     `json:"created_at"`
	StartedAt time.Time     `json:"started_at,omitzero"`
	EndedAt   time.Time     `json:"ended_at,omitzero"`
}

// Moves the run to a new status.
//
// Only the transitions of the run state machine are accepted; a terminal run
// rejects every transition. Entering Provisioning stamps StartedAt and
// entering a terminal state stamps EndedAt.
func (r *Run) Transition(to Status, reason string) error {
	if !slices.Contains(transitions[r.Status], to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, to)
	}

	now := time.Now().UTC()
	r.Status = to
	if to == StatusProvisioning {
		r.StartedAt = now
	}
	if to.Terminal() {
		r.Reason = reason
		r.EndedAt = now
	}
	return nil
}

// Appends the result of the next stage.
//
// Results must arrive in stage order; a result for any other stage, or for a
// terminal run, is rejected.
func (r *Run) Record(res StageResult) error {
	if r.Status.Terminal() {
		return fmt.Errorf("%w: run %s is %s", ErrInvalidTransition, r.ID, r.Status)
	}
	next := len(r.Results)
	if next >= len(r.Stages) || r.Stages[next].Name != res.Name {
		return fmt.Errorf("%w: unexpected result for stage %q", ErrInvalidTransition, res.Name)
	}
	r.Results = append(r.Results, res)
	return nil
}

// Records every stage without a result as skipped.
func (r *Run) SkipRemaining(reason string) {
	for i := len(r.Results); i < len(r.Stages); i++ {
		r.Results = append(r.Results, StageResult{
			Name:    r.Stages[i].Name,
			Outcome: OutcomeSkipped,
			Reason:  reason,
		})
	}
}

// Reports whether any recorded stage failed.
func (r *Run) AnyFailed() bool {
	return slices.ContainsFunc(r.Results, func(res StageResult) bool {
		return res.Outcome == OutcomeFailure
	})
}

// Returns the number of stages that reached the given outcome.
func (r *Run) Count(o Outcome) int {
	n := 0
	for _, res := range r.Results {
		if res.Outcome == o {
			n++
		}
	}
	return n
}

// Returns a deep copy of the run.
func (r *Run) Clone() Run {
	c := *r
	c.Agent = r.Agent.Clone()
	c.Config.ContinueOnStageFailure = slices.Clone(r.Config.ContinueOnStageFailure)
	c.Stages = make([]BoundStage, len(r.Stages))
	for i, s := range r.Stages {
		units := make([]CommandUnit, len(s.Units))
		for j, u := range s.Units {
			units[j] = u.Clone()
		}
		c.Stages[i] = BoundStage{Name: s.Name, Units: units, AbortOnFailure: s.AbortOnFailure}
	}
	c.Results = slices.Clone(r.Results)
	return c
}
