package capability

import "context"

type MusicInput struct {
	Prompt          string `json:"prompt"`
	DurationSeconds int    `json:"duration_seconds"`
}

type musicAdapter struct{ *httpAdapter }

func NewMusicAdapter(endpoint, apiKey string) Adapter {
	return &musicAdapter{httpAdapter: newHTTPAdapter(endpoint, apiKey)}
}

func (a *musicAdapter) Submit(ctx context.Context, input any) (SubmitResult, error) {
	var out struct {
		JobID string `json:"job_id"`
	}
	if err := a.postJSON(ctx, "/v1/music", input, &out); err != nil {
		return SubmitResult{}, err
	}
	return SubmitResult{ProviderJobID: out.JobID}, nil
}

func (a *musicAdapter) Poll(ctx context.Context, providerJobID string) (PollResult, error) {
	var out struct {
		Status   string `json:"status"`
		AudioURL string `json:"audio_url"`
		Error    string `json:"error"`
	}
	if err := a.getJSON(ctx, "/v1/music/"+providerJobID, &out); err != nil {
		return PollResult{}, err
	}
	return PollResult{Status: mapStatus(out.Status), OutputURL: out.AudioURL, Error: out.Error}, nil
}
