package export

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/sandeepkv93/crm-export-proxy/internal/crm"
	"github.com/sandeepkv93/crm-export-proxy/internal/domain"
	"github.com/sandeepkv93/crm-export-proxy/internal/observability"
)

// JobStore indexes export artifacts; see service.ExportJobStore.
type JobStore interface {
	Save(ctx context.Context, job *domain.ExportJob, ttl time.Duration) error
	Get(ctx context.Context, id string) (*domain.ExportJob, error)
	Delete(ctx context.Context, id string) error
	BindQuery(ctx context.Context, sessionID, queryID, jobID string, ttl time.Duration) error
	LookupQuery(ctx context.Context, sessionID, queryID string) (string, error)
}

// PageWalker follows upstream pagination, yielding each page as it arrives.
type PageWalker interface {
	WalkPages(ctx context.Context, sessionID, startURL string, pageCap int, fn func(*crm.Page) error) (int, error)
}

type BulkResult struct {
	JobID string `json:"id"`
	Rows  int    `json:"rows"`
}

type BulkExporter struct {
	walker    PageWalker
	artifacts *ArtifactStore
	jobs      JobStore
	logger    *slog.Logger
	now       func() time.Time
}

func NewBulkExporter(walker PageWalker, artifacts *ArtifactStore, jobs JobStore, logger *slog.Logger) *BulkExporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &BulkExporter{
		walker:    walker,
		artifacts: artifacts,
		jobs:      jobs,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Start walks resource from startURL to exhaustion, writing each page to a
// fresh artifact as it arrives. The artifact is removed if the walk fails.
func (e *BulkExporter) Start(ctx context.Context, sessionID string, resource crm.Resource, startURL string) (*BulkResult, error) {
	jobID := NewJobID()
	f, err := e.artifacts.Create(jobID)
	if err != nil {
		return nil, fmt.Errorf("create export artifact: %w", err)
	}

	rows, pages, walkErr := e.write(ctx, f, sessionID, resource.Columns, startURL)
	closeErr := f.Close()
	observability.RecordPagesFetched(ctx, "bulk", pages)
	if err := errors.Join(walkErr, closeErr); err != nil {
		if _, rmErr := e.artifacts.Remove(jobID); rmErr != nil {
			e.logger.WarnContext(ctx, "remove failed export artifact", "job_id", jobID, "error", rmErr)
		}
		return nil, err
	}

	job := &domain.ExportJob{
		ID:        jobID,
		Kind:      domain.ExportKindBulk,
		SessionID: sessionID,
		Resource:  resource.Name,
		FilePath:  f.Name(),
		Columns:   resource.Columns,
		TotalRows: rows,
		CreatedAt: e.now(),
	}
	if err := e.jobs.Save(ctx, job, e.artifacts.TTL()); err != nil {
		_, _ = e.artifacts.Remove(jobID)
		return nil, fmt.Errorf("save export job: %w", err)
	}
	observability.RecordExportRows(ctx, string(domain.ExportKindBulk), rows)
	e.logger.InfoContext(ctx, "bulk export complete", "job_id", jobID, "resource", resource.Name, "rows", rows, "pages", pages)
	return &BulkResult{JobID: jobID, Rows: rows}, nil
}

func (e *BulkExporter) write(ctx context.Context, f *os.File, sessionID string, columns []string, startURL string) (int, int, error) {
	buf := bufio.NewWriterSize(f, 64<<10)
	w := csv.NewWriter(buf)
	if err := w.Write(columns); err != nil {
		return 0, 0, err
	}
	rows := 0
	pages, err := e.walker.WalkPages(ctx, sessionID, startURL, crm.Unlimited, func(p *crm.Page) error {
		for _, rec := range p.Records {
			if err := w.Write(project(rec, columns)); err != nil {
				return err
			}
		}
		rows += len(p.Records)
		w.Flush()
		if err := w.Error(); err != nil {
			return err
		}
		return buf.Flush()
	})
	if err != nil {
		return rows, pages, err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return rows, pages, err
	}
	return rows, pages, buf.Flush()
}

// ReadChunk serves one window of a bulk export owned by sessionID.
func (e *BulkExporter) ReadChunk(ctx context.Context, sessionID, jobID string, page, chunkSize int) (*Chunk, error) {
	if _, err := e.ownedJob(ctx, sessionID, jobID); err != nil {
		return nil, err
	}
	return readArtifactChunk(e.artifacts, jobID, page, chunkSize)
}

// Purge deletes the export. A second purge reports ErrExportExpired, which
// callers should treat as "already gone" rather than a failure.
func (e *BulkExporter) Purge(ctx context.Context, sessionID, jobID string) error {
	if _, err := e.artifacts.Path(jobID); err != nil {
		return err
	}
	job, err := e.jobs.Get(ctx, jobID)
	switch {
	case errors.Is(err, domain.ErrExportJobNotFound):
		job = nil
	case err != nil:
		return fmt.Errorf("load export job: %w", err)
	case job.SessionID != sessionID:
		return ErrExportExpired
	}

	removed, err := e.artifacts.Remove(jobID)
	if err != nil {
		return fmt.Errorf("remove export artifact: %w", err)
	}
	if job != nil {
		if err := e.jobs.Delete(ctx, jobID); err != nil {
			return fmt.Errorf("delete export job: %w", err)
		}
	}
	if !removed && job == nil {
		return ErrExportExpired
	}
	e.logger.InfoContext(ctx, "export purged", "job_id", jobID)
	return nil
}

func (e *BulkExporter) ownedJob(ctx context.Context, sessionID, jobID string) (*domain.ExportJob, error) {
	if _, err := e.artifacts.Path(jobID); err != nil {
		return nil, err
	}
	job, err := e.jobs.Get(ctx, jobID)
	if errors.Is(err, domain.ErrExportJobNotFound) {
		return nil, ErrExportExpired
	}
	if err != nil {
		return nil, fmt.Errorf("load export job: %w", err)
	}
	if job.SessionID != sessionID {
		return nil, ErrExportExpired
	}
	return job, nil
}

func readArtifactChunk(artifacts *ArtifactStore, jobID string, page, chunkSize int) (*Chunk, error) {
	f, err := artifacts.Open(jobID)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadChunk(f, page, chunkSize)
}
