package blob

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"

	"github.com/kenji11/adforge/internal/platform/logger"
)

type gcsStore struct {
	log       *logger.Logger
	client    *storage.Client
	bucket    string
	cdnDomain string

	signerEmail    string
	privateKeyPEM  []byte
}

type Config struct {
	Bucket        string
	CDNDomain     string
	SignerEmail   string
	PrivateKeyPEM []byte
}

func NewGCSStore(ctx context.Context, log *logger.Logger, cfg Config) (Store, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("blob: bucket name required")
	}
	client, err := storage.NewClient(ctx, storage.WithJSONReads())
	if err != nil {
		return nil, fmt.Errorf("blob: create storage client: %w", err)
	}
	return &gcsStore{
		log:           log.With("component", "BlobStore"),
		client:        client,
		bucket:        cfg.Bucket,
		cdnDomain:     cfg.CDNDomain,
		signerEmail:   cfg.SignerEmail,
		privateKeyPEM: cfg.PrivateKeyPEM,
	}, nil
}

func (s *gcsStore) Upload(ctx context.Context, path string, contentType string, r io.Reader) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()
	w := s.client.Bucket(s.bucket).Object(path).NewWriter(ctx)
	if contentType != "" {
		w.ContentType = contentType
	}
	n, err := io.Copy(w, r)
	if err != nil {
		_ = w.Close()
		return 0, fmt.Errorf("blob: write %q: %w", path, err)
	}
	if err := w.Close(); err != nil {
		return 0, fmt.Errorf("blob: close writer %q: %w", path, err)
	}
	return n, nil
}

func (s *gcsStore) Download(ctx context.Context, path string) (io.ReadCloser, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	r, err := s.client.Bucket(s.bucket).Object(path).NewReader(ctx)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("blob: open reader %q: %w", path, err)
	}
	return &readCloserWithCancel{ReadCloser: r, cancel: cancel}, nil
}

type readCloserWithCancel struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (r *readCloserWithCancel) Close() error {
	err := r.ReadCloser.Close()
	r.cancel()
	return err
}

func (s *gcsStore) Delete(ctx context.Context, path string) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := s.client.Bucket(s.bucket).Object(path).Delete(ctx); err != nil {
		return fmt.Errorf("blob: delete %q: %w", path, err)
	}
	return nil
}

func (s *gcsStore) DeletePrefix(ctx context.Context, prefix string) error {
	keys, err := s.ListKeys(ctx, prefix)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := s.Delete(ctx, k); err != nil {
			s.log.Warn("blob gc: failed to delete object", "path", k, "error", err)
		}
	}
	return nil
}

func (s *gcsStore) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	var out []string
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		out = append(out, attrs.Name)
	}
	return out, nil
}

// SignedURL is an addition beyond the teacher's BucketService, which only
// ever returns GetPublicURL; spec.md requires time-limited URLs so a
// client never gets a permanently-public link to an in-progress job's
// assets.
func (s *gcsStore) SignedURL(ctx context.Context, path string, ttl time.Duration) (string, error) {
	if len(s.privateKeyPEM) == 0 || s.signerEmail == "" {
		// Falls back to a CDN/public URL when no signer key is configured
		// (e.g. local dev against the storage emulator).
		if s.cdnDomain != "" {
			return fmt.Sprintf("https://%s/%s", s.cdnDomain, path), nil
		}
		return fmt.Sprintf("https://storage.googleapis.com/%s/%s", s.bucket, path), nil
	}
	opts := &storage.SignedURLOptions{
		GoogleAccessID: s.signerEmail,
		PrivateKey:     s.privateKeyPEM,
		Method:         "GET",
		Expires:        time.Now().Add(ttl),
		Scheme:         storage.SigningSchemeV4,
	}
	url, err := s.client.Bucket(s.bucket).SignedURL(path, opts)
	if err != nil {
		return "", fmt.Errorf("blob: sign url %q: %w", path, err)
	}
	return url, nil
}
