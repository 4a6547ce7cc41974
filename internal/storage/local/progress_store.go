// Package local stores Progress blobs as JSON files in a directory.
package local

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/JakeFAU/xkcd-l10n-crawler/internal/crawler"
)

// Config captures the directory for the store.
type Config struct {
	// BaseDir is where <source>.json files live.
	BaseDir string `mapstructure:"dir" yaml:"dir"`
}

// ProgressStore implements crawler.ProgressStore on the local filesystem.
// Writes go to a temp file that is renamed into place, so readers never see
// a partial blob. Compare-and-swap holds within one process only.
type ProgressStore struct {
	dir string
	mu  sync.Mutex
}

// New validates cfg.BaseDir, creating it when missing.
func New(cfg Config) (*ProgressStore, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, errors.New("base directory is required")
	}
	info, err := os.Stat(cfg.BaseDir)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if err := os.MkdirAll(cfg.BaseDir, 0o750); err != nil {
			return nil, fmt.Errorf("create base directory: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("stat base directory: %w", err)
	case !info.IsDir():
		return nil, fmt.Errorf("%s is not a directory", cfg.BaseDir)
	}
	return &ProgressStore{dir: cfg.BaseDir}, nil
}

func (s *ProgressStore) path(source string) (string, error) {
	if source == "" || strings.ContainsAny(source, `/\`) || source == "." || source == ".." {
		return "", fmt.Errorf("invalid source key %q", source)
	}
	return filepath.Join(s.dir, source+".json"), nil
}

// Get implements crawler.ProgressStore.
func (s *ProgressStore) Get(_ context.Context, source string) (crawler.Progress, bool, error) {
	name, err := s.path(source)
	if err != nil {
		return crawler.Progress{}, false, err
	}
	data, err := os.ReadFile(name)
	if errors.Is(err, fs.ErrNotExist) {
		return crawler.Progress{}, false, nil
	}
	if err != nil {
		return crawler.Progress{}, false, fmt.Errorf("read progress for %s: %w", source, err)
	}
	p, err := crawler.DecodeProgress(data)
	if err != nil {
		return crawler.Progress{}, false, err
	}
	return p, true, nil
}

// Put implements crawler.ProgressStore.
func (s *ProgressStore) Put(ctx context.Context, source string, p crawler.Progress) error {
	name, err := s.path(source)
	if err != nil {
		return err
	}
	data, err := crawler.EncodeProgress(p)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	current, _, err := s.Get(ctx, source)
	if err != nil {
		return err
	}
	if p.Revision != current.Revision+1 {
		return fmt.Errorf("%w: source %s stored revision %d, write revision %d",
			crawler.ErrConcurrency, source, current.Revision, p.Revision)
	}
	tmp, err := os.CreateTemp(s.dir, "."+source+"-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), name); err != nil {
		return fmt.Errorf("replace progress file: %w", err)
	}
	return nil
}
