package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/kenji11/adforge/internal/domain"
	"github.com/kenji11/adforge/internal/jobsvc"
	"github.com/kenji11/adforge/internal/platform/dbctx"
	"github.com/kenji11/adforge/internal/platform/logger"
	"github.com/kenji11/adforge/internal/sse"
)

func mustTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	t.Cleanup(log.Sync)
	return log
}

// fakeCheckpointRepo is an in-memory checkpointrepo.Repo sufficient to
// drive jobsvc.Service through the handler layer without a database.
type fakeCheckpointRepo struct {
	mu          sync.Mutex
	branches    map[uuid.UUID]*domain.Branch
	branchOrder []uuid.UUID
	checkpoints map[uuid.UUID]*domain.Checkpoint
	artifacts   map[uuid.UUID][]*domain.Artifact
	versions    map[string]int
}

func newFakeCheckpointRepo() *fakeCheckpointRepo {
	return &fakeCheckpointRepo{
		branches:    map[uuid.UUID]*domain.Branch{},
		checkpoints: map[uuid.UUID]*domain.Checkpoint{},
		artifacts:   map[uuid.UUID][]*domain.Artifact{},
		versions:    map[string]int{},
	}
}

func (f *fakeCheckpointRepo) CreateBranch(dbc dbctx.Context, b *domain.Branch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.branches[b.ID] = b
	f.branchOrder = append(f.branchOrder, b.ID)
	return nil
}
func (f *fakeCheckpointRepo) GetBranch(dbc dbctx.Context, id uuid.UUID) (*domain.Branch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.branches[id]
	if !ok {
		return nil, fmt.Errorf("%w: branch", domain.ErrNotFound)
	}
	return b, nil
}
func (f *fakeCheckpointRepo) ListBranchesForJob(dbc dbctx.Context, jobID uuid.UUID) ([]*domain.Branch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.Branch
	for _, id := range f.branchOrder {
		if b := f.branches[id]; b.JobID == jobID {
			out = append(out, b)
		}
	}
	return out, nil
}
func (f *fakeCheckpointRepo) CreatePending(dbc dbctx.Context, jobID, branchID uuid.UUID, phase string, snapshot datatypes.JSON, parent *uuid.UUID) (*domain.Checkpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ckpt := &domain.Checkpoint{
		ID: uuid.New(), JobID: jobID, BranchID: branchID, Phase: phase,
		Version: 1, Status: domain.CheckpointStatusPending, Snapshot: snapshot,
		ParentCheckpointID: parent, CreatedAt: time.Now().UTC(),
	}
	f.checkpoints[ckpt.ID] = ckpt
	return ckpt, nil
}
func (f *fakeCheckpointRepo) UpdateSnapshot(dbc dbctx.Context, checkpointID uuid.UUID, snapshot datatypes.JSON) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.checkpoints[checkpointID]
	if !ok {
		return fmt.Errorf("checkpoint %s not found", checkpointID)
	}
	c.Snapshot = snapshot
	return nil
}
func (f *fakeCheckpointRepo) HasBeenEdited(dbc dbctx.Context, checkpointID uuid.UUID) (bool, error) {
	return false, nil
}
func (f *fakeCheckpointRepo) GetPending(dbc dbctx.Context, jobID, branchID uuid.UUID, phase string) (*domain.Checkpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.checkpoints {
		if c.JobID == jobID && c.BranchID == branchID && c.Phase == phase && c.Status == domain.CheckpointStatusPending {
			return c, nil
		}
	}
	return nil, fmt.Errorf("%w: pending checkpoint", domain.ErrNotFound)
}
func (f *fakeCheckpointRepo) Approve(dbc dbctx.Context, checkpointID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ckpt, ok := f.checkpoints[checkpointID]
	if !ok {
		return fmt.Errorf("%w: checkpoint", domain.ErrNotFound)
	}
	ckpt.Status = domain.CheckpointStatusApproved
	now := time.Now().UTC()
	ckpt.ApprovedAt = &now
	return nil
}
func (f *fakeCheckpointRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.Checkpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.checkpoints[id]
	if !ok {
		return nil, fmt.Errorf("%w: checkpoint", domain.ErrNotFound)
	}
	return c, nil
}
func (f *fakeCheckpointRepo) ListForBranch(dbc dbctx.Context, jobID, branchID uuid.UUID) ([]*domain.Checkpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.Checkpoint
	for _, c := range f.checkpoints {
		if c.JobID == jobID && c.BranchID == branchID {
			out = append(out, c)
		}
	}
	return out, nil
}
func (f *fakeCheckpointRepo) CreateArtifact(dbc dbctx.Context, a *domain.Artifact) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if a.CheckpointID != nil {
		f.artifacts[*a.CheckpointID] = append(f.artifacts[*a.CheckpointID], a)
	}
	return nil
}
func (f *fakeCheckpointRepo) NextArtifactVersion(dbc dbctx.Context, jobID, branchID uuid.UUID, kind domain.ArtifactKind, key string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := fmt.Sprintf("%s/%s", kind, key)
	f.versions[k]++
	return f.versions[k], nil
}
func (f *fakeCheckpointRepo) ListArtifacts(dbc dbctx.Context, checkpointID uuid.UUID) ([]*domain.Artifact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.artifacts[checkpointID], nil
}
func (f *fakeCheckpointRepo) DeleteForJob(dbc dbctx.Context, jobID uuid.UUID) error { return nil }

type fakeBlobStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeBlobStore() *fakeBlobStore { return &fakeBlobStore{objects: map[string][]byte{}} }

func (s *fakeBlobStore) Upload(ctx context.Context, path, contentType string, r io.Reader) (int64, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[path] = b
	return int64(len(b)), nil
}
func (s *fakeBlobStore) Download(ctx context.Context, path string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.objects[path]
	if !ok {
		return nil, fmt.Errorf("no such blob: %s", path)
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}
func (s *fakeBlobStore) Delete(ctx context.Context, path string) error { return nil }
func (s *fakeBlobStore) DeletePrefix(ctx context.Context, prefix string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.objects {
		delete(s.objects, k)
	}
	return nil
}
func (s *fakeBlobStore) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	return nil, nil
}
func (s *fakeBlobStore) SignedURL(ctx context.Context, path string, ttl time.Duration) (string, error) {
	return "https://signed.example/" + path, nil
}

type noopCache struct{}

func (noopCache) SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error { return nil }
func (noopCache) GetJSON(ctx context.Context, key string, out any) (bool, error)          { return false, nil }
func (noopCache) Delete(ctx context.Context, key string) error                           { return nil }

type testHarness struct {
	router *gin.Engine
	jobs   *fakeJobRepo
	ckpts  *fakeCheckpointRepo
	blobs  *fakeBlobStore
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	log := mustTestLogger(t)
	jobs := &fakeJobRepo{jobs: map[uuid.UUID]*domain.Job{}}
	ckpts := newFakeCheckpointRepo()
	blobs := newFakeBlobStore()
	svc := jobsvc.New(log, jobs, ckpts, blobs, noopCache{})
	hub := sse.NewHub(log)
	handler := NewJobsHandler(log, jobs, ckpts, blobs, noopCache{}, svc, hub, nil, nil)

	r := gin.New()
	r.Use(func(c *gin.Context) { c.Set("owner_user_id", uuid.New()); c.Next() })
	r.POST("/generate", handler.Generate)
	r.GET("/status/:job", handler.Status)
	r.DELETE("/video/:job", handler.DeleteVideo)
	r.POST("/video/:job/continue", handler.Continue)
	r.GET("/video/:job/checkpoints", handler.ListCheckpoints)
	r.GET("/video/:job/checkpoints/:cp", handler.CheckpointDetail)
	r.GET("/video/:job/checkpoints/current", handler.CurrentCheckpoint)
	r.GET("/video/:job/checkpoints/tree", handler.CheckpointTree)
	r.GET("/video/:job/branches", handler.ListBranches)
	r.PATCH("/video/:job/checkpoints/:cp/spec", handler.EditSpec)

	return &testHarness{router: r, jobs: jobs, ckpts: ckpts, blobs: blobs}
}

func doJSON(t *testing.T, r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestGenerateCreatesQueuedJob(t *testing.T) {
	h := newTestHarness(t)
	w := doJSON(t, h.router, http.MethodPost, "/generate", map[string]any{"prompt": "a calm morning ad"})
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d, body=%s", w.Code, http.StatusAccepted, w.Body.String())
	}
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp["status"] != string(domain.JobStatusQueued) {
		t.Fatalf("status field = %v, want %q", resp["status"], domain.JobStatusQueued)
	}
	if len(h.jobs.jobs) != 1 {
		t.Fatalf("expected 1 job created, got %d", len(h.jobs.jobs))
	}
}

func TestGenerateRejectsMissingPrompt(t *testing.T) {
	h := newTestHarness(t)
	w := doJSON(t, h.router, http.MethodPost, "/generate", map[string]any{})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestStatusReturnsEnvelopeForExistingJob(t *testing.T) {
	h := newTestHarness(t)
	createResp := doJSON(t, h.router, http.MethodPost, "/generate", map[string]any{"prompt": "product hero shot"})
	var created map[string]any
	_ = json.Unmarshal(createResp.Body.Bytes(), &created)
	jobID := created["video_id"].(string)

	w := doJSON(t, h.router, http.MethodGet, "/status/"+jobID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d, body=%s", w.Code, http.StatusOK, w.Body.String())
	}
	var envelope map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if envelope["video_id"] != jobID {
		t.Fatalf("video_id = %v, want %s", envelope["video_id"], jobID)
	}
}

func TestStatusReturnsNotFoundForUnknownJob(t *testing.T) {
	h := newTestHarness(t)
	w := doJSON(t, h.router, http.MethodGet, "/status/"+uuid.New().String(), nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestContinueApprovesPendingCheckpointAndRequeuesJob(t *testing.T) {
	h := newTestHarness(t)
	createResp := doJSON(t, h.router, http.MethodPost, "/generate", map[string]any{"prompt": "studio product ad"})
	var created map[string]any
	_ = json.Unmarshal(createResp.Body.Bytes(), &created)
	jobID, err := uuid.Parse(created["video_id"].(string))
	if err != nil {
		t.Fatalf("parse job id: %v", err)
	}
	job := h.jobs.jobs[jobID]
	branchID := *job.CurrentBranchID

	spec := domain.Spec{DurationSeconds: 5, Beats: []domain.Beat{{Index: 0, StartSecond: 0, EndSecond: 5}}}
	raw, _ := json.Marshal(spec)
	ckpt, err := h.ckpts.CreatePending(dbctx.Context{Ctx: context.Background()}, jobID, branchID, domain.StagePlan, datatypes.JSON(raw), nil)
	if err != nil {
		t.Fatalf("CreatePending: %v", err)
	}

	w := doJSON(t, h.router, http.MethodPost, "/video/"+jobID.String()+"/continue", map[string]any{"checkpoint_id": ckpt.ID})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d, body=%s", w.Code, http.StatusOK, w.Body.String())
	}
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp["next_phase"] != domain.StageStoryboard {
		t.Fatalf("next_phase = %v, want %q", resp["next_phase"], domain.StageStoryboard)
	}
	if job.Status != domain.JobStatusQueued {
		t.Fatalf("job.Status = %q, want queued after approval", job.Status)
	}
}

func TestListBranchesReturnsRootBranch(t *testing.T) {
	h := newTestHarness(t)
	createResp := doJSON(t, h.router, http.MethodPost, "/generate", map[string]any{"prompt": "launch teaser"})
	var created map[string]any
	_ = json.Unmarshal(createResp.Body.Bytes(), &created)
	jobID := created["video_id"].(string)

	w := doJSON(t, h.router, http.MethodGet, "/video/"+jobID+"/branches", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var resp struct {
		Branches []domain.Branch `json:"branches"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if len(resp.Branches) != 1 || resp.Branches[0].Label != "main" {
		t.Fatalf("branches = %+v, want one branch labeled main", resp.Branches)
	}
}

func TestDeleteVideoRemovesJob(t *testing.T) {
	h := newTestHarness(t)
	createResp := doJSON(t, h.router, http.MethodPost, "/generate", map[string]any{"prompt": "seasonal promo"})
	var created map[string]any
	_ = json.Unmarshal(createResp.Body.Bytes(), &created)
	jobID := created["video_id"].(string)

	w := doJSON(t, h.router, http.MethodDelete, "/video/"+jobID, nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want %d, body=%s", w.Code, http.StatusNoContent, w.Body.String())
	}
	if len(h.jobs.jobs) != 0 {
		t.Fatalf("expected job removed, still have %d", len(h.jobs.jobs))
	}
}
