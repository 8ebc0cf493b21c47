package capability

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// httpAdapter is the shared transport behind planner/image/video/music —
// each provider exposes a bare "submit job" / "get job" REST pair, so one
// small client handles the HTTP mechanics and each adapter only supplies
// endpoint paths and payload shapes. No third-party HTTP client library is
// used by any example in the retrieved pack for outbound provider calls,
// so stdlib net/http is the grounded choice here.
type httpAdapter struct {
	client   *http.Client
	endpoint string
	apiKey   string
}

func newHTTPAdapter(endpoint, apiKey string) *httpAdapter {
	return &httpAdapter{
		client:   &http.Client{Timeout: 30 * time.Second},
		endpoint: endpoint,
		apiKey:   apiKey,
	}
}

func (h *httpAdapter) postJSON(ctx context.Context, path string, body any, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("capability: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint+path, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("capability: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if h.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.apiKey)
	}
	return h.do(req, out)
}

func (h *httpAdapter) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.endpoint+path, nil)
	if err != nil {
		return fmt.Errorf("capability: build request: %w", err)
	}
	if h.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.apiKey)
	}
	return h.do(req, out)
}

func (h *httpAdapter) do(req *http.Request, out any) error {
	resp, err := h.client.Do(req)
	if err != nil {
		return &TransientError{Cause: fmt.Errorf("capability: request failed: %w", err)}
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return &TransientError{Cause: fmt.Errorf("capability: status %d: %s", resp.StatusCode, string(body))}
	case resp.StatusCode >= 400:
		return &FatalError{Cause: fmt.Errorf("capability: status %d: %s", resp.StatusCode, string(body))}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("capability: decode response: %w", err)
	}
	return nil
}
