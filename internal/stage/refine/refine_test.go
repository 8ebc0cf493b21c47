package refine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/kenji11/adforge/internal/capability"
	"github.com/kenji11/adforge/internal/data/checkpointrepo"
	"github.com/kenji11/adforge/internal/domain"
	"github.com/kenji11/adforge/internal/media"
	"github.com/kenji11/adforge/internal/orchestrator"
	"github.com/kenji11/adforge/internal/platform/dbctx"
	"github.com/kenji11/adforge/internal/stage/chunks"
)

func skipIfNoFFmpeg(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		t.Skip("ffmpeg not found in PATH, skipping test")
	}
}

func createTestVideo(t *testing.T, path string, duration float64) {
	t.Helper()
	cmd := exec.Command("ffmpeg",
		"-y", "-f", "lavfi", "-i", fmt.Sprintf("color=c=red:s=64x64:d=%.1f", duration),
		"-f", "lavfi", "-i", fmt.Sprintf("anullsrc=r=44100:cl=mono:d=%.1f", duration),
		"-c:v", "libx264", "-preset", "ultrafast", "-c:a", "aac", "-shortest", path,
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("create test video: %v\n%s", err, out)
	}
}

func createTestAudio(t *testing.T, path string, duration float64) {
	t.Helper()
	cmd := exec.Command("ffmpeg",
		"-y", "-f", "lavfi", "-i", fmt.Sprintf("anullsrc=r=44100:cl=mono:d=%.1f", duration),
		"-c:a", "libmp3lame", path,
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("create test audio: %v\n%s", err, out)
	}
}

// fakeCheckpointRepo holds one approved checkpoint per phase.
type fakeCheckpointRepo struct {
	mu        sync.Mutex
	approved  []*domain.Checkpoint
	versions  map[string]int
	artifacts []*domain.Artifact
}

func newFakeCheckpointRepo(spec domain.Spec, rendered chunks.Snapshot) *fakeCheckpointRepo {
	specRaw, _ := json.Marshal(spec)
	renderedRaw, _ := json.Marshal(rendered)
	return &fakeCheckpointRepo{
		approved: []*domain.Checkpoint{
			{Phase: domain.StagePlan, Status: domain.CheckpointStatusApproved, Snapshot: datatypes.JSON(specRaw), CreatedAt: time.Now()},
			{Phase: domain.StageChunks, Status: domain.CheckpointStatusApproved, Snapshot: datatypes.JSON(renderedRaw), CreatedAt: time.Now()},
		},
		versions: map[string]int{},
	}
}

func (f *fakeCheckpointRepo) CreateBranch(dbc dbctx.Context, b *domain.Branch) error { panic("unused") }
func (f *fakeCheckpointRepo) GetBranch(dbc dbctx.Context, id uuid.UUID) (*domain.Branch, error) {
	panic("unused")
}
func (f *fakeCheckpointRepo) ListBranchesForJob(dbc dbctx.Context, jobID uuid.UUID) ([]*domain.Branch, error) {
	panic("unused")
}
func (f *fakeCheckpointRepo) CreatePending(dbc dbctx.Context, jobID, branchID uuid.UUID, phase string, snapshot datatypes.JSON, parent *uuid.UUID) (*domain.Checkpoint, error) {
	panic("unused")
}
func (f *fakeCheckpointRepo) UpdateSnapshot(dbc dbctx.Context, checkpointID uuid.UUID, snapshot datatypes.JSON) error {
	panic("unused")
}
func (f *fakeCheckpointRepo) HasBeenEdited(dbc dbctx.Context, checkpointID uuid.UUID) (bool, error) {
	panic("unused")
}
func (f *fakeCheckpointRepo) GetPending(dbc dbctx.Context, jobID, branchID uuid.UUID, phase string) (*domain.Checkpoint, error) {
	panic("unused")
}
func (f *fakeCheckpointRepo) Approve(dbc dbctx.Context, checkpointID uuid.UUID) error {
	panic("unused")
}
func (f *fakeCheckpointRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.Checkpoint, error) {
	panic("unused")
}
func (f *fakeCheckpointRepo) ListForBranch(dbc dbctx.Context, jobID, branchID uuid.UUID) ([]*domain.Checkpoint, error) {
	return f.approved, nil
}
func (f *fakeCheckpointRepo) CreateArtifact(dbc dbctx.Context, a *domain.Artifact) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.artifacts = append(f.artifacts, a)
	return nil
}
func (f *fakeCheckpointRepo) NextArtifactVersion(dbc dbctx.Context, jobID, branchID uuid.UUID, kind domain.ArtifactKind, key string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.versions[key]++
	return f.versions[key], nil
}
func (f *fakeCheckpointRepo) ListArtifacts(dbc dbctx.Context, checkpointID uuid.UUID) ([]*domain.Artifact, error) {
	return nil, nil
}
func (f *fakeCheckpointRepo) DeleteForJob(dbc dbctx.Context, jobID uuid.UUID) error { return nil }

var _ checkpointrepo.Repo = (*fakeCheckpointRepo)(nil)

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
	return io.NopCloser(newByteReader(b)), nil
}
func (s *fakeBlobStore) Delete(ctx context.Context, path string) error         { return nil }
func (s *fakeBlobStore) DeletePrefix(ctx context.Context, prefix string) error { return nil }
func (s *fakeBlobStore) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	return nil, nil
}
func (s *fakeBlobStore) SignedURL(ctx context.Context, path string, ttl time.Duration) (string, error) {
	return "", nil
}

func newByteReader(b []byte) io.Reader { return &sliceReader{b: b} }

type sliceReader struct {
	b []byte
	i int
}

func (r *sliceReader) Read(p []byte) (int, error) {
	if r.i >= len(r.b) {
		return 0, io.EOF
	}
	n := copy(p, r.b[r.i:])
	r.i += n
	return n, nil
}

type fakeMusicAdapter struct{ outputURL string }

func (a *fakeMusicAdapter) Submit(ctx context.Context, input any) (capability.SubmitResult, error) {
	return capability.SubmitResult{ProviderJobID: "music-1"}, nil
}
func (a *fakeMusicAdapter) Poll(ctx context.Context, providerJobID string) (capability.PollResult, error) {
	return capability.PollResult{Status: capability.StatusCompleted, OutputURL: a.outputURL}, nil
}

func TestRunMuxesMusicIntoApprovedRender(t *testing.T) {
	skipIfNoFFmpeg(t)
	tmpDir := t.TempDir()

	videoPath := tmpDir + "/render.mp4"
	audioPath := tmpDir + "/score.mp3"
	createTestVideo(t, videoPath, 1.0)
	createTestAudio(t, audioPath, 1.0)
	videoBytes, err := os.ReadFile(videoPath)
	if err != nil {
		t.Fatalf("read video: %v", err)
	}
	audioBytes, err := os.ReadFile(audioPath)
	if err != nil {
		t.Fatalf("read audio: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "audio/mpeg")
		_, _ = w.Write(audioBytes)
	}))
	defer srv.Close()

	spec := domain.Spec{DurationSeconds: 5, Beats: []domain.Beat{{Index: 0, StartSecond: 0, EndSecond: 5, Description: "a calm morning"}}}
	rendered := chunks.Snapshot{RenderKey: "videos/render-v1.mp4"}

	blobStore := newFakeBlobStore()
	blobStore.objects[rendered.RenderKey] = videoBytes

	rc := &orchestrator.RunContext{
		Ctx:         context.Background(),
		Job:         &domain.Job{ID: uuid.New(), Payload: datatypes.JSON(`{}`)},
		BranchID:    uuid.New(),
		Checkpoints: newFakeCheckpointRepo(spec, rendered),
		Blob:        blobStore,
		Music:       &fakeMusicAdapter{outputURL: srv.URL},
		Media:       media.NewProcessor("", ""),
	}

	raw, err := New().Run(rc)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	var snapshot Snapshot
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		t.Fatalf("unmarshal snapshot: %v", err)
	}
	if snapshot.FinalVideoKey == "" {
		t.Fatal("expected a non-empty final video key")
	}
	if snapshot.MusicKey == "" {
		t.Fatal("expected a non-empty music key")
	}
	if _, ok := blobStore.objects[snapshot.FinalVideoKey]; !ok {
		t.Fatal("expected the muxed final render to be uploaded")
	}
	if _, ok := blobStore.objects[snapshot.MusicKey]; !ok {
		t.Fatal("expected the music track to be uploaded")
	}
}

func TestRunErrorsWhenChunksCheckpointMissing(t *testing.T) {
	spec := domain.Spec{DurationSeconds: 5, Beats: []domain.Beat{{Index: 0, StartSecond: 0, EndSecond: 5}}}
	ckpts := &fakeCheckpointRepo{
		approved: []*domain.Checkpoint{{Phase: domain.StagePlan, Status: domain.CheckpointStatusApproved, Snapshot: mustMarshal(spec)}},
		versions: map[string]int{},
	}
	rc := &orchestrator.RunContext{
		Ctx:         context.Background(),
		Job:         &domain.Job{ID: uuid.New()},
		BranchID:    uuid.New(),
		Checkpoints: ckpts,
	}
	if _, err := New().Run(rc); err == nil {
		t.Fatal("expected error when no approved chunks checkpoint exists")
	}
}

func mustMarshal(v any) datatypes.JSON {
	raw, _ := json.Marshal(v)
	return datatypes.JSON(raw)
}
