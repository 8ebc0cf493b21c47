package capability

import "context"

// ImageInput requests a single storyboard frame for one beat.
type ImageInput struct {
	Prompt     string `json:"prompt"`
	BeatIndex  int    `json:"beat_index"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
}

type imageAdapter struct{ *httpAdapter }

func NewImageAdapter(endpoint, apiKey string) Adapter {
	return &imageAdapter{httpAdapter: newHTTPAdapter(endpoint, apiKey)}
}

func (a *imageAdapter) Submit(ctx context.Context, input any) (SubmitResult, error) {
	var out struct {
		JobID string `json:"job_id"`
	}
	if err := a.postJSON(ctx, "/v1/images", input, &out); err != nil {
		return SubmitResult{}, err
	}
	return SubmitResult{ProviderJobID: out.JobID}, nil
}

func (a *imageAdapter) Poll(ctx context.Context, providerJobID string) (PollResult, error) {
	var out struct {
		Status    string `json:"status"`
		ImageURL  string `json:"image_url"`
		Error     string `json:"error"`
	}
	if err := a.getJSON(ctx, "/v1/images/"+providerJobID, &out); err != nil {
		return PollResult{}, err
	}
	return PollResult{Status: mapStatus(out.Status), OutputURL: out.ImageURL, Error: out.Error}, nil
}
