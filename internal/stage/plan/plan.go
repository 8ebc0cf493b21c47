// Package plan implements the first pipeline phase: turning the job's
// prompt into a validated Spec (duration + ordered beats) via the planner
// capability adapter. Grounded on the teacher's first DAG stage pattern —
// one capability call, one checkpoint snapshot — generalized from the
// teacher's single lip-sync call to the planner provider.
package plan

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"

	"github.com/kenji11/adforge/internal/capability"
	"github.com/kenji11/adforge/internal/domain"
	"github.com/kenji11/adforge/internal/orchestrator"
)

const (
	minPollInterval = 2 * time.Second
	maxPollInterval = 20 * time.Second
)

type Runner struct{}

func New() *Runner { return &Runner{} }

func (r *Runner) Name() string { return domain.StagePlan }

func (r *Runner) Run(rc *orchestrator.RunContext) (datatypes.JSON, error) {
	payload, err := rc.Job.DecodePayload()
	if err != nil {
		return nil, fmt.Errorf("plan: decode job payload: %w", err)
	}

	input := capability.PlannerInput{
		Prompt:          rc.Job.Prompt,
		DurationSeconds: payload.DurationSeconds,
	}

	res, err := capability.RunToCompletion(rc.Ctx, rc.Planner, input, minPollInterval, maxPollInterval)
	if err != nil {
		return nil, fmt.Errorf("plan: planner provider: %w", err)
	}

	var spec domain.Spec
	if err := json.Unmarshal([]byte(res.OutputURL), &spec); err != nil {
		return nil, fmt.Errorf("plan: parse planner output: %w", err)
	}

	truncateOverrun(rc, &spec)

	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}

	snapshot, err := json.Marshal(spec)
	if err != nil {
		return nil, fmt.Errorf("plan: marshal spec snapshot: %w", err)
	}
	return datatypes.JSON(snapshot), nil
}

// truncateOverrun implements spec.md §4.2.1's defensive truncation: if the
// planner returned beats summing to more than its own declared
// duration_seconds, drop the tail beats that don't fit rather than failing
// the stage, and record that it happened. A beat whose own duration falls
// outside {5,10,15} is left for Validate to reject as fatal — truncation
// only handles overrun, never a malformed individual beat.
func truncateOverrun(rc *orchestrator.RunContext, spec *domain.Spec) {
	if spec.DurationSeconds <= 0 {
		return
	}
	total := 0
	for _, b := range spec.Beats {
		total += b.EndSecond - b.StartSecond
	}
	if total <= spec.DurationSeconds {
		return
	}

	kept, cut := 0, len(spec.Beats)
	for i, b := range spec.Beats {
		d := b.EndSecond - b.StartSecond
		if kept+d > spec.DurationSeconds {
			cut = i
			break
		}
		kept += d
	}
	dropped := len(spec.Beats) - cut
	spec.Beats = spec.Beats[:cut]
	spec.DurationSeconds = kept

	if rc.Log != nil {
		rc.Log.Warn("plan: truncated tail beats to fit requested duration",
			"job_id", rc.Job.ID, "beats_dropped", dropped, "kept_seconds", kept)
	}
}
