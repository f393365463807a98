// Package export persists upstream result sets to local CSV artifacts and
// serves them back in bounded chunks.
package export

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrExportExpired = errors.New("export expired or unknown")
	ErrInvalidJobID  = errors.New("invalid export job id")
)

const artifactPrefix = "export-"

// ArtifactStore owns the CSV files backing export jobs. A file lives for ttl
// from its last write whether or not it is ever read.
type ArtifactStore struct {
	dir string
	ttl time.Duration
	now func() time.Time
}

func NewArtifactStore(dir string, ttl time.Duration) (*ArtifactStore, error) {
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create export dir: %w", err)
	}
	return &ArtifactStore{dir: dir, ttl: ttl, now: time.Now}, nil
}

func (s *ArtifactStore) TTL() time.Duration { return s.ttl }

func NewJobID() string { return uuid.NewString() }

// Path maps a job id to its file. Only canonical uuids are accepted so a
// caller cannot address files outside the export directory.
func (s *ArtifactStore) Path(jobID string) (string, error) {
	parsed, err := uuid.Parse(jobID)
	if err != nil || parsed.String() != strings.ToLower(jobID) {
		return "", ErrInvalidJobID
	}
	return filepath.Join(s.dir, artifactPrefix+parsed.String()+".csv"), nil
}

func (s *ArtifactStore) Create(jobID string) (*os.File, error) {
	path, err := s.Path(jobID)
	if err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
}

// Open returns the artifact for reading, or ErrExportExpired when it is gone
// or older than the ttl.
func (s *ArtifactStore) Open(jobID string) (*os.File, error) {
	path, err := s.Path(jobID)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrExportExpired
	}
	if err != nil {
		return nil, err
	}
	if s.expired(info) {
		_ = os.Remove(path)
		return nil, ErrExportExpired
	}
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrExportExpired
	}
	return f, err
}

func (s *ArtifactStore) Exists(jobID string) bool {
	path, err := s.Path(jobID)
	if err != nil {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && !s.expired(info)
}

// Remove deletes the artifact and reports whether a file was actually there.
func (s *ArtifactStore) Remove(jobID string) (bool, error) {
	path, err := s.Path(jobID)
	if err != nil {
		return false, err
	}
	err = os.Remove(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Sweep deletes every artifact older than the ttl.
func (s *ArtifactStore) Sweep(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("read export dir: %w", err)
	}
	removed := 0
	for _, entry := range entries {
		if ctx.Err() != nil {
			return removed, ctx.Err()
		}
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, artifactPrefix) || !strings.HasSuffix(name, ".csv") {
			continue
		}
		info, err := entry.Info()
		if err != nil || !s.expired(info) {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, name)); err == nil {
			removed++
		}
	}
	return removed, nil
}

// RunSweeper sweeps every interval until ctx is done.
func (s *ArtifactStore) RunSweeper(ctx context.Context, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.Sweep(ctx)
			if err != nil && ctx.Err() == nil {
				logger.Warn("export sweep failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Info("expired exports removed", "count", n)
			}
		}
	}
}

func (s *ArtifactStore) expired(info fs.FileInfo) bool {
	return s.ttl > 0 && s.now().Sub(info.ModTime()) > s.ttl
}
