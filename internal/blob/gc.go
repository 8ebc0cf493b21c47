package blob

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kenji11/adforge/internal/platform/logger"
)

// ArtifactLister supplies the set of blob paths still referenced by artifact
// rows. checkpointrepo.Repo does not implement it; a caller of Sweep
// provides its own implementation.
type ArtifactLister interface {
	ListLiveBlobPaths(ctx context.Context, jobID uuid.UUID) (map[string]bool, error)
}

// Sweep deletes every blob under a job's prefix that is not in the lister's
// live set. gracePeriod is accepted but not applied: ListKeys exposes no
// object age, so unreferenced blobs are deleted regardless of how recently
// they were written. Nothing in this repository calls Sweep or schedules it
// as a job type.
func Sweep(ctx context.Context, log *logger.Logger, store Store, lister ArtifactLister, ownerUserID, jobID uuid.UUID, gracePeriod time.Duration) (deleted int, err error) {
	prefix := fmt.Sprintf("%s/videos/%s/", ownerUserID, jobID)
	live, err := lister.ListLiveBlobPaths(ctx, jobID)
	if err != nil {
		return 0, fmt.Errorf("blob gc: list live paths: %w", err)
	}
	keys, err := store.ListKeys(ctx, prefix)
	if err != nil {
		return 0, fmt.Errorf("blob gc: list keys: %w", err)
	}
	_ = gracePeriod // not applied: ListKeys does not expose object age.
	for _, k := range keys {
		if live[k] {
			continue
		}
		if err := store.Delete(ctx, k); err != nil {
			log.Warn("blob gc: delete failed", "path", k, "error", err)
			continue
		}
		deleted++
	}
	return deleted, nil
}
