package orchestrator

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/kenji11/adforge/internal/capability"
	"github.com/kenji11/adforge/internal/data/checkpointrepo"
	"github.com/kenji11/adforge/internal/data/jobrepo"
	"github.com/kenji11/adforge/internal/domain"
	"github.com/kenji11/adforge/internal/platform/dbctx"
	"github.com/kenji11/adforge/internal/platform/logger"
)

type RetryPolicy struct {
	MaxAttempts int
	MinBackoff  time.Duration
	MaxBackoff  time.Duration
	JitterFrac  float64
}

var DefaultRetryPolicy = RetryPolicy{MaxAttempts: 3, MinBackoff: time.Second, MaxBackoff: 30 * time.Second, JitterFrac: 0.2}

type Engine struct {
	log      *logger.Logger
	registry *Registry
	ckpts    checkpointrepo.Repo
	jobs     jobrepo.Repo
	retry    RetryPolicy
}

func NewEngine(log *logger.Logger, registry *Registry, ckpts checkpointrepo.Repo, jobs jobrepo.Repo) *Engine {
	return &Engine{
		log:      log.With("component", "Orchestrator"),
		registry: registry,
		ckpts:    ckpts,
		jobs:     jobs,
		retry:    DefaultRetryPolicy,
	}
}

// Tick advances the job by at most one phase transition: either running a
// phase's stage body to completion and opening its checkpoint, or
// discovering an approved checkpoint and unblocking the next phase. One
// worker claim maps to one Tick call, matching the teacher's one-claim
// one-stage-attempt discipline.
func (e *Engine) Tick(rc *RunContext) error {
	job := rc.Job
	state, err := loadState(job, rc.BranchID)
	if err != nil {
		return rc.Progress.Fail(rc.Ctx, job, "orchestrator", fmt.Errorf("load state: %w", err))
	}

	if e.globalWaitGate(rc, state) {
		return nil
	}

	phase := state.NextPhase()
	if phase == "" {
		return rc.Progress.Succeed(rc.Ctx, job, "done")
	}
	ps := state.EnsurePhase(phase)

	switch ps.Status {
	case PhaseWaitingCheckpoint:
		return e.checkCheckpoint(rc, state, ps)
	case PhaseFailed:
		if ps.NextRunAt != nil && time.Now().Before(*ps.NextRunAt) {
			return e.yield(rc, state, ps.NextRunAt.Sub(time.Now()))
		}
	}

	return e.runPhase(rc, state, phase, ps)
}

func (e *Engine) globalWaitGate(rc *RunContext, state *State) bool {
	if state.WaitUntil == nil || time.Now().After(*state.WaitUntil) {
		return false
	}
	wait := time.Until(*state.WaitUntil)
	_ = e.yield(rc, state, wait)
	return true
}

func (e *Engine) yield(rc *RunContext, state *State, wait time.Duration) error {
	if wait < 2*time.Second {
		wait = 2 * time.Second
	}
	when := time.Now().Add(wait)
	state.WaitUntil = &when
	return e.saveState(rc, state)
}

func (e *Engine) checkCheckpoint(rc *RunContext, state *State, ps *PhaseState) error {
	id, err := uuid.Parse(ps.CheckpointID)
	if err != nil {
		return rc.Progress.Fail(rc.Ctx, rc.Job, ps.Name, fmt.Errorf("invalid checkpoint id: %w", err))
	}
	ckpt, err := e.ckpts.GetByID(dbctx.Context{Ctx: rc.Ctx}, id)
	if err != nil {
		return rc.Progress.Fail(rc.Ctx, rc.Job, ps.Name, fmt.Errorf("load checkpoint: %w", err))
	}
	if ckpt.Status != domain.CheckpointStatusApproved {
		// Still pending client action; requeue without advancing.
		return rc.Progress.WaitCheckpoint(rc.Ctx, rc.Job, ps.Name, progressForPhase(ps.Name), "Waiting for checkpoint approval")
	}
	now := time.Now().UTC()
	ps.Status = PhaseSucceeded
	ps.FinishedAt = &now
	if err := e.saveState(rc, state); err != nil {
		return err
	}
	return rc.Progress.Update(rc.Ctx, rc.Job, ps.Name, progressForPhase(ps.Name), "Checkpoint approved")
}

func (e *Engine) runPhase(rc *RunContext, state *State, phase string, ps *PhaseState) error {
	runner, ok := e.registry.Get(phase)
	if !ok {
		return rc.Progress.Fail(rc.Ctx, rc.Job, phase, fmt.Errorf("no stage runner registered for phase %q", phase))
	}
	now := time.Now().UTC()
	if ps.StartedAt == nil {
		ps.StartedAt = &now
	}
	ps.Status = PhaseRunning
	if err := e.saveState(rc, state); err != nil {
		return err
	}
	if err := rc.Progress.Update(rc.Ctx, rc.Job, phase, progressForPhase(phase), "Running "+phase); err != nil {
		return err
	}

	ckpt, err := e.ckpts.CreatePending(dbctx.Context{Ctx: rc.Ctx}, rc.Job.ID, rc.BranchID, phase, datatypes.JSON(`{}`), nil)
	if err != nil {
		return e.handlePhaseError(rc, state, ps, fmt.Errorf("create checkpoint: %w", err))
	}
	rc.CheckpointID = ckpt.ID

	snapshot, runErr := runner.Run(rc)
	if runErr != nil {
		return e.handlePhaseError(rc, state, ps, runErr)
	}

	if err := e.ckpts.UpdateSnapshot(dbctx.Context{Ctx: rc.Ctx}, ckpt.ID, snapshot); err != nil {
		return e.handlePhaseError(rc, state, ps, fmt.Errorf("save checkpoint snapshot: %w", err))
	}
	ps.Status = PhaseWaitingCheckpoint
	ps.CheckpointID = ckpt.ID.String()
	finishedAt := time.Now().UTC()
	ps.FinishedAt = &finishedAt
	if err := e.saveState(rc, state); err != nil {
		return err
	}
	return rc.Progress.WaitCheckpoint(rc.Ctx, rc.Job, phase, progressForPhase(phase), "Awaiting checkpoint approval")
}

func (e *Engine) handlePhaseError(rc *RunContext, state *State, ps *PhaseState, err error) error {
	ps.Attempts++
	ps.LastError = err.Error()
	ps.Status = PhaseFailed
	now := time.Now().UTC()
	ps.FinishedAt = &now

	if e.shouldRetry(ps.Attempts, err) {
		delay := computeBackoff(e.retry, ps.Attempts)
		when := time.Now().Add(delay)
		ps.NextRunAt = &when
		_ = e.saveState(rc, state)
		return rc.Progress.Update(rc.Ctx, rc.Job, ps.Name, progressForPhase(ps.Name), "Retrying after error: "+err.Error())
	}
	_ = e.saveState(rc, state)
	return rc.Progress.Fail(rc.Ctx, rc.Job, ps.Name, err)
}

func (e *Engine) shouldRetry(attempts int, err error) bool {
	if attempts >= e.retry.MaxAttempts {
		return false
	}
	if capability.IsFatal(err) {
		return false
	}
	if errors.Is(err, domain.ErrValidation) || errors.Is(err, domain.ErrCanceled) {
		return false
	}
	return true
}

func computeBackoff(r RetryPolicy, attempts int) time.Duration {
	minB, maxB, j := r.MinBackoff, r.MaxBackoff, r.JitterFrac
	if minB <= 0 {
		minB = time.Second
	}
	if maxB <= 0 {
		maxB = 30 * time.Second
	}
	if j <= 0 {
		j = 0.2
	}
	d := time.Duration(float64(minB) * math.Pow(2, float64(attempts-1)))
	if d > maxB {
		d = maxB
	}
	delta := float64(d) * j
	low, high := float64(d)-delta, float64(d)+delta
	if low < 0 {
		low = 0
	}
	return time.Duration(low + rand.Float64()*(high-low))
}

func progressForPhase(phase string) int {
	switch phase {
	case domain.StagePlan:
		return 10
	case domain.StageStoryboard:
		return 35
	case domain.StageChunks:
		return 75
	case domain.StageRefine:
		return 95
	default:
		return 0
	}
}

func loadState(job *domain.Job, branchID uuid.UUID) (*State, error) {
	st := &State{Version: 1, BranchID: branchID.String(), Phases: map[string]*PhaseState{}}
	if len(job.Result) == 0 || string(job.Result) == "null" {
		return st, nil
	}
	if err := json.Unmarshal(job.Result, st); err != nil {
		return nil, fmt.Errorf("unmarshal orchestrator state: %w", err)
	}
	st.ensure()
	return st, nil
}

// saveState persists the orchestrator's phase-tracking state into the
// job's Result column so the next Tick (possibly in another process)
// resumes from where this one left off.
func (e *Engine) saveState(rc *RunContext, state *State) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal orchestrator state: %w", err)
	}
	rc.Job.Result = datatypes.JSON(raw)
	if err := e.jobs.UpdateFields(dbctx.Context{Ctx: rc.Ctx}, rc.Job.ID, map[string]any{
		"result":     datatypes.JSON(raw),
		"updated_at": time.Now().UTC(),
	}); err != nil {
		return fmt.Errorf("persist orchestrator state: %w", err)
	}
	return nil
}
