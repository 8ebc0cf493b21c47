// Package orchestrator implements the Pipeline Orchestrator (C9): a state
// machine that drives a job through its four phases, pausing at a
// checkpoint gate after each one. Grounded on the teacher's
// jobs/orchestrator/{state,engine}.go, generalized from an arbitrary
// resumable DAG to this pipeline's fixed phase sequence with a
// checkpoint-approval gate standing in for the teacher's waiting_child
// gate.
package orchestrator

import "time"

type PhaseStatus string

const (
	PhasePending            PhaseStatus = "pending"
	PhaseRunning             PhaseStatus = "running"
	PhaseWaitingCheckpoint   PhaseStatus = "waiting_checkpoint"
	PhaseSucceeded           PhaseStatus = "succeeded"
	PhaseFailed              PhaseStatus = "failed"
)

// Phases lists the fixed pipeline sequence; order matters.
var Phases = []string{"plan", "storyboard", "chunks", "refine"}

type PhaseState struct {
	Name       string      `json:"name"`
	Status     PhaseStatus `json:"status"`
	Attempts   int         `json:"attempts"`
	StartedAt  *time.Time  `json:"started_at,omitempty"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
	LastError  string      `json:"last_error,omitempty"`
	NextRunAt  *time.Time  `json:"next_run_at,omitempty"`
	CheckpointID string    `json:"checkpoint_id,omitempty"`
}

// State is the orchestrator's durable snapshot, persisted as JSON inside
// Job.Result the same way the teacher persists OrchestratorState — the
// job row remains the single source of truth, restartable with no
// in-memory assumptions.
type State struct {
	Version   int                    `json:"version"`
	BranchID  string                 `json:"branch_id"`
	Phases    map[string]*PhaseState `json:"phases"`
	WaitUntil *time.Time             `json:"wait_until,omitempty"`
}

func (s *State) ensure() {
	if s.Version <= 0 {
		s.Version = 1
	}
	if s.Phases == nil {
		s.Phases = map[string]*PhaseState{}
	}
}

func (s *State) EnsurePhase(name string) *PhaseState {
	s.ensure()
	ps := s.Phases[name]
	if ps == nil {
		ps = &PhaseState{Name: name, Status: PhasePending}
		s.Phases[name] = ps
	}
	return ps
}

// NextPhase returns the first phase not yet succeeded, or "" if the
// pipeline has completed every phase.
func (s *State) NextPhase() string {
	s.ensure()
	for _, name := range Phases {
		if ps := s.Phases[name]; ps == nil || ps.Status != PhaseSucceeded {
			return name
		}
	}
	return ""
}
