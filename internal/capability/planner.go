package capability

import "context"

// PlannerInput is the creative brief sent to the planner provider.
type PlannerInput struct {
	Prompt          string `json:"prompt"`
	DurationSeconds int    `json:"duration_seconds"`
}

type plannerAdapter struct{ *httpAdapter }

func NewPlannerAdapter(endpoint, apiKey string) Adapter {
	return &plannerAdapter{httpAdapter: newHTTPAdapter(endpoint, apiKey)}
}

func (p *plannerAdapter) Submit(ctx context.Context, input any) (SubmitResult, error) {
	var out struct {
		JobID string `json:"job_id"`
	}
	if err := p.postJSON(ctx, "/v1/plan", input, &out); err != nil {
		return SubmitResult{}, err
	}
	return SubmitResult{ProviderJobID: out.JobID}, nil
}

func (p *plannerAdapter) Poll(ctx context.Context, providerJobID string) (PollResult, error) {
	var out struct {
		Status string `json:"status"`
		Result struct {
			SpecJSON string `json:"spec_json"`
		} `json:"result"`
		Error string `json:"error"`
	}
	if err := p.getJSON(ctx, "/v1/plan/"+providerJobID, &out); err != nil {
		return PollResult{}, err
	}
	return PollResult{Status: mapStatus(out.Status), OutputURL: out.Result.SpecJSON, Error: out.Error}, nil
}

func mapStatus(s string) Status {
	switch s {
	case "completed", "succeeded", "COMPLETED":
		return StatusCompleted
	case "failed", "FAILED":
		return StatusFailed
	case "running", "RUNNING", "in_progress", "IN_QUEUE":
		return StatusRunning
	default:
		return StatusQueued
	}
}
