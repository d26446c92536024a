package report

import (
	"time"

	"github.com/cruciblehq/pipelined/internal/pipeline"
)

// Terminal status of one run, as delivered to the status sink.
type Notification struct {
	RunID      string          `json:"runId"`
	Repository string          `json:"repository"`
	Ref        string          `json:"ref,omitempty"`
	Commit     string          `json:"commit,omitempty"`
	Template   string          `json:"template"`
	Outcome    pipeline.Status `json:"outcome"`
	Reason     string          `json:"reason"`
	Stages     []StageSummary  `json:"stageSummaries"`
	StartedAt  time.Time       `json:"startedAt,omitzero"`
	EndedAt    time.Time       `json:"endedAt"`
}

// Outcome of one stage within a [Notification].
type StageSummary struct {
	Name       string           `json:"name"`
	Outcome    pipeline.Outcome `json:"outcome"`
	Reason     string           `json:"reason,omitempty"`
	DurationMS int64            `json:"durationMs"`
	Artifact   string           `json:"artifact,omitempty"`
}

// Builds the notification for a terminal run. Captured output is left out.
func FromRun(run pipeline.Run) Notification {
	stages := make([]StageSummary, len(run.Results))
	for i, res := range run.Results {
		stages[i] = StageSummary{
			Name:       res.Name,
			Outcome:    res.Outcome,
			Reason:     res.Reason,
			DurationMS: res.Duration.Milliseconds(),
			Artifact:   res.Artifact,
		}
	}

	return Notification{
		RunID:      run.ID.String(),
		Repository: run.Origin.Repository,
		Ref:        run.Origin.Ref,
		Commit:     run.Origin.Commit,
		Template:   run.Template + "@" + run.Version,
		Outcome:    run.Status,
		Reason:     run.Reason,
		Stages:     stages,
		StartedAt:  run.StartedAt,
		EndedAt:    run.EndedAt,
	}
}
