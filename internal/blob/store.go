// Package blob defines the content-addressed object storage contract used
// for every generated asset (storyboard images, video chunks, final
// renders) and the blob-path convention from spec.md §6:
//
//	{owner}/videos/{job}/{branch}/{checkpoint}/{kind}/{key}_v{version}.{ext}
package blob

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kenji11/adforge/internal/domain"
)

type Store interface {
	Upload(ctx context.Context, path string, contentType string, r io.Reader) (sizeBytes int64, err error)
	Download(ctx context.Context, path string) (io.ReadCloser, error)
	Delete(ctx context.Context, path string) error
	DeletePrefix(ctx context.Context, prefix string) error
	ListKeys(ctx context.Context, prefix string) ([]string, error)
	// SignedURL returns a time-limited URL a browser client can fetch the
	// object from directly, without exposing the storage credentials.
	SignedURL(ctx context.Context, path string, ttl time.Duration) (string, error)
}

// Path builds the canonical blob path for one artifact.
func Path(ownerUserID, jobID, branchID, checkpointID uuid.UUID, kind domain.ArtifactKind, key string, version int, ext string) string {
	ext = strings.TrimPrefix(ext, ".")
	return fmt.Sprintf("%s/videos/%s/%s/%s/%s/%s_v%d.%s",
		ownerUserID, jobID, branchID, checkpointID, kind, key, version, ext)
}
