package capability

import "context"

// VideoInput requests one chunk. ReferenceImageURL seeds a reference
// chunk; ContinuationFromURL (a still frame) seeds a continuation chunk.
type VideoInput struct {
	Prompt               string `json:"prompt"`
	ReferenceImageURL    string `json:"reference_image_url,omitempty"`
	ContinuationFromURL  string `json:"continuation_from_url,omitempty"`
	DurationSeconds      int    `json:"duration_seconds"`
}

type videoAdapter struct{ *httpAdapter }

func NewVideoAdapter(endpoint, apiKey string) Adapter {
	return &videoAdapter{httpAdapter: newHTTPAdapter(endpoint, apiKey)}
}

func (a *videoAdapter) Submit(ctx context.Context, input any) (SubmitResult, error) {
	var out struct {
		JobID string `json:"job_id"`
	}
	if err := a.postJSON(ctx, "/v1/videos", input, &out); err != nil {
		return SubmitResult{}, err
	}
	return SubmitResult{ProviderJobID: out.JobID}, nil
}

func (a *videoAdapter) Poll(ctx context.Context, providerJobID string) (PollResult, error) {
	var out struct {
		Status   string `json:"status"`
		VideoURL string `json:"video_url"`
		Error    string `json:"error"`
	}
	if err := a.getJSON(ctx, "/v1/videos/"+providerJobID, &out); err != nil {
		return PollResult{}, err
	}
	return PollResult{Status: mapStatus(out.Status), OutputURL: out.VideoURL, Error: out.Error}, nil
}
