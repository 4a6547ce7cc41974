// Package gcs stores Progress blobs as JSON objects in a Google Cloud Storage
// bucket. Object generation preconditions make every write a compare-and-swap.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"

	"github.com/JakeFAU/xkcd-l10n-crawler/internal/crawler"
)

// Config selects the bucket and object prefix.
type Config struct {
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
}

// ProgressStore implements crawler.ProgressStore on GCS objects named
// <prefix>/<source>.json.
type ProgressStore struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewProgressStore returns a store writing to cfg.Bucket.
func NewProgressStore(client *storage.Client, cfg Config) (*ProgressStore, error) {
	if client == nil {
		return nil, errors.New("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("bucket name is required")
	}
	return &ProgressStore{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

func (s *ProgressStore) object(source string) *storage.ObjectHandle {
	return s.client.Bucket(s.bucket).Object(path.Join(s.prefix, source+".json"))
}

// Get implements crawler.ProgressStore.
func (s *ProgressStore) Get(ctx context.Context, source string) (crawler.Progress, bool, error) {
	p, _, ok, err := s.read(ctx, source)
	return p, ok, err
}

func (s *ProgressStore) read(ctx context.Context, source string) (crawler.Progress, int64, bool, error) {
	r, err := s.object(source).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return crawler.Progress{}, 0, false, nil
	}
	if err != nil {
		return crawler.Progress{}, 0, false, fmt.Errorf("open progress object for %s: %w", source, err)
	}
	defer func() { _ = r.Close() }()
	data, err := io.ReadAll(r)
	if err != nil {
		return crawler.Progress{}, 0, false, fmt.Errorf("read progress object for %s: %w", source, err)
	}
	p, err := crawler.DecodeProgress(data)
	if err != nil {
		return crawler.Progress{}, 0, false, err
	}
	return p, r.Attrs.Generation, true, nil
}

// Put implements crawler.ProgressStore. The stored revision is checked first,
// then the upload is conditioned on the generation that was read, so a writer
// racing between the two steps still loses.
func (s *ProgressStore) Put(ctx context.Context, source string, p crawler.Progress) error {
	current, gen, ok, err := s.read(ctx, source)
	if err != nil {
		return err
	}
	if p.Revision != current.Revision+1 {
		return fmt.Errorf("%w: source %s stored revision %d, write revision %d",
			crawler.ErrConcurrency, source, current.Revision, p.Revision)
	}
	data, err := crawler.EncodeProgress(p)
	if err != nil {
		return err
	}
	cond := storage.Conditions{DoesNotExist: true}
	if ok {
		cond = storage.Conditions{GenerationMatch: gen}
	}
	w := s.object(source).If(cond).NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("write progress object for %s: %w", source, err)
	}
	if err := w.Close(); err != nil {
		if preconditionFailed(err) {
			return fmt.Errorf("%w: source %s changed during write", crawler.ErrConcurrency, source)
		}
		return fmt.Errorf("close progress object for %s: %w", source, err)
	}
	return nil
}

func preconditionFailed(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed
}
