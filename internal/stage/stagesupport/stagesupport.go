// Package stagesupport holds the small helpers every stage runner needs:
// wrapping a context.Context as a dbctx.Context, fetching a capability
// provider's output artifact over HTTP, and building this job's blob path
// for a given checkpoint phase.
package stagesupport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/kenji11/adforge/internal/blob"
	"github.com/kenji11/adforge/internal/domain"
	"github.com/kenji11/adforge/internal/orchestrator"
	"github.com/kenji11/adforge/internal/platform/dbctx"
)

func DBCtx(ctx context.Context) dbctx.Context { return dbctx.Context{Ctx: ctx} }

// BlobPath builds this run's blob path for a checkpoint-scoped artifact.
// The engine creates the phase's checkpoint row before running the stage
// body (Engine.runPhase), so rc.CheckpointID is always set by the time a
// stage writes its first artifact.
func BlobPath(rc *orchestrator.RunContext, kind domain.ArtifactKind, key string, version int, ext string) string {
	return blob.Path(rc.Job.OwnerUserID, rc.Job.ID, rc.BranchID, rc.CheckpointID, kind, key, version, ext)
}

// FetchOutput retrieves a capability provider's output artifact (an image,
// video, or audio file addressed by URL) so it can be re-uploaded to this
// job's own blob store under its canonical path.
func FetchOutput(ctx context.Context, url string) (body []byte, contentType string, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("stagesupport: build fetch request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("%w: fetch output: %v", domain.ErrProviderTransient, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 400 {
		return nil, "", fmt.Errorf("%w: fetch output status %d", domain.ErrProviderTransient, resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("stagesupport: read output body: %w", err)
	}
	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		ct = "application/octet-stream"
	}
	return data, ct, nil
}

// LoadApprovedSnapshot finds the most recently approved checkpoint for the
// given phase on this job/branch and decodes its snapshot into T. Earlier
// phases' checkpoints are never pruned, so later phases can always look
// back at what was approved, even across retries of later phases.
func LoadApprovedSnapshot[T any](rc *orchestrator.RunContext, phase string) (T, error) {
	var out T
	rows, err := rc.Checkpoints.ListForBranch(DBCtx(rc.Ctx), rc.Job.ID, rc.BranchID)
	if err != nil {
		return out, fmt.Errorf("list checkpoints: %w", err)
	}
	for i := len(rows) - 1; i >= 0; i-- {
		if rows[i].Phase == phase && rows[i].Status == domain.CheckpointStatusApproved {
			if err := json.Unmarshal(rows[i].Snapshot, &out); err != nil {
				return out, fmt.Errorf("parse %s snapshot: %w", phase, err)
			}
			return out, nil
		}
	}
	return out, fmt.Errorf("no approved %s checkpoint found", phase)
}

// NewReader wraps a byte slice for a single Upload call.
func NewReader(b []byte) io.Reader { return bytes.NewReader(b) }

// WriteTemp writes b (which may be empty, e.g. to reserve a scratch path
// ffmpeg will write into) to a new temp file with the given extension and
// returns its path.
func WriteTemp(b []byte, ext string) (string, error) {
	f, err := os.CreateTemp("", "adforge-*."+ext)
	if err != nil {
		return "", fmt.Errorf("stagesupport: create temp file: %w", err)
	}
	defer func() { _ = f.Close() }()
	if len(b) > 0 {
		if _, err := f.Write(b); err != nil {
			return "", fmt.Errorf("stagesupport: write temp file: %w", err)
		}
	}
	return f.Name(), nil
}

// WriteTempFromReader drains r into a new temp file and returns its path.
func WriteTempFromReader(r io.Reader) (string, error) {
	f, err := os.CreateTemp("", "adforge-*.bin")
	if err != nil {
		return "", fmt.Errorf("stagesupport: create temp file: %w", err)
	}
	defer func() { _ = f.Close() }()
	if _, err := io.Copy(f, r); err != nil {
		return "", fmt.Errorf("stagesupport: write temp file: %w", err)
	}
	return f.Name(), nil
}
