package export

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/sandeepkv93/crm-export-proxy/internal/crm"
	"github.com/sandeepkv93/crm-export-proxy/internal/domain"
	"github.com/sandeepkv93/crm-export-proxy/internal/observability"
)

var (
	ErrJobFailed  = errors.New("query job failed")
	ErrJobTimeout = errors.New("query job did not finish in time")
)

// JobFailedError carries the upstream status payload of a failed job.
type JobFailedError struct {
	JobID   string
	Payload json.RawMessage
}

func (e *JobFailedError) Error() string {
	return fmt.Sprintf("query job %s failed: %s", e.JobID, string(e.Payload))
}

func (e *JobFailedError) Unwrap() error { return ErrJobFailed }

// JobAPI is the upstream asynchronous query surface.
type JobAPI interface {
	SubmitQueryJob(ctx context.Context, sessionID, queryID string) (*crm.Job, error)
	GetJobStatus(ctx context.Context, sessionID, jobID string) (*crm.Job, error)
	Download(ctx context.Context, downloadURL string, w io.Writer) (int64, error)
}

type QueryRunnerConfig struct {
	PollInterval time.Duration
	MaxPolls     int
}

// QueryRunner drives submit, poll and download for a saved query, then serves
// the header or row windows from the single downloaded artifact.
type QueryRunner struct {
	api       JobAPI
	artifacts *ArtifactStore
	jobs      JobStore
	cfg       QueryRunnerConfig
	logger    *slog.Logger

	flight singleflight.Group
	sleep  func(ctx context.Context, d time.Duration) error
	now    func() time.Time
}

func NewQueryRunner(api JobAPI, artifacts *ArtifactStore, jobs JobStore, cfg QueryRunnerConfig, logger *slog.Logger) *QueryRunner {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxPolls <= 0 {
		cfg.MaxPolls = 240
	}
	return &QueryRunner{
		api:       api,
		artifacts: artifacts,
		jobs:      jobs,
		cfg:       cfg,
		logger:    logger,
		sleep:     sleepCtx,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Schema returns the column names of the query result.
func (q *QueryRunner) Schema(ctx context.Context, sessionID, queryID string) ([]string, error) {
	job, err := q.Ensure(ctx, sessionID, queryID)
	if err != nil {
		return nil, err
	}
	return job.Columns, nil
}

// Rows returns one window of the query result.
func (q *QueryRunner) Rows(ctx context.Context, sessionID, queryID string, page, chunkSize int) (*Chunk, error) {
	job, err := q.Ensure(ctx, sessionID, queryID)
	if err != nil {
		return nil, err
	}
	return readArtifactChunk(q.artifacts, job.ID, page, chunkSize)
}

// Ensure returns the cached artifact for (sessionID, queryID), running the
// upstream job when there is none. Concurrent callers share one run.
func (q *QueryRunner) Ensure(ctx context.Context, sessionID, queryID string) (*domain.ExportJob, error) {
	if job, ok := q.cached(ctx, sessionID, queryID); ok {
		return job, nil
	}
	v, err, _ := q.flight.Do(sessionID+"|"+queryID, func() (any, error) {
		if job, ok := q.cached(ctx, sessionID, queryID); ok {
			return job, nil
		}
		return q.run(context.WithoutCancel(ctx), sessionID, queryID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.ExportJob), nil
}

func (q *QueryRunner) cached(ctx context.Context, sessionID, queryID string) (*domain.ExportJob, bool) {
	jobID, err := q.jobs.LookupQuery(ctx, sessionID, queryID)
	if err != nil {
		return nil, false
	}
	job, err := q.jobs.Get(ctx, jobID)
	if err != nil || job.SessionID != sessionID || !q.artifacts.Exists(job.ID) {
		return nil, false
	}
	return job, true
}

func (q *QueryRunner) run(ctx context.Context, sessionID, queryID string) (*domain.ExportJob, error) {
	submitted, err := q.api.SubmitQueryJob(ctx, sessionID, queryID)
	if err != nil {
		return nil, fmt.Errorf("submit query job: %w", err)
	}
	completed, err := q.await(ctx, sessionID, submitted.ID)
	if err != nil {
		return nil, err
	}
	downloadURL := completed.DownloadURL()
	if downloadURL == "" {
		return nil, fmt.Errorf("%w: completed job %s has no download url", crm.ErrMalformedResponse, submitted.ID)
	}

	jobID := NewJobID()
	columns, rows, err := q.download(ctx, jobID, downloadURL)
	if err != nil {
		_, _ = q.artifacts.Remove(jobID)
		return nil, err
	}
	path, _ := q.artifacts.Path(jobID)
	job := &domain.ExportJob{
		ID:        jobID,
		Kind:      domain.ExportKindQuery,
		SessionID: sessionID,
		QueryID:   queryID,
		FilePath:  path,
		Columns:   columns,
		TotalRows: rows,
		CreatedAt: q.now(),
	}
	ttl := q.artifacts.TTL()
	if err := q.jobs.Save(ctx, job, ttl); err != nil {
		_, _ = q.artifacts.Remove(jobID)
		return nil, fmt.Errorf("save export job: %w", err)
	}
	if err := q.jobs.BindQuery(ctx, sessionID, queryID, jobID, ttl); err != nil {
		return nil, fmt.Errorf("bind query artifact: %w", err)
	}
	observability.RecordExportRows(ctx, string(domain.ExportKindQuery), rows)
	q.logger.InfoContext(ctx, "query export cached", "upstream_job_id", submitted.ID, "job_id", jobID, "rows", rows)
	return job, nil
}

// await checks the job right after submit and sleeps only between checks that
// report it still running, up to MaxPolls checks.
func (q *QueryRunner) await(ctx context.Context, sessionID, upstreamJobID string) (*crm.Job, error) {
	for polls := 1; ; polls++ {
		status, err := q.api.GetJobStatus(ctx, sessionID, upstreamJobID)
		if err != nil {
			return nil, fmt.Errorf("poll query job: %w", err)
		}
		observability.RecordJobPoll(ctx, status.Status)
		switch status.Status {
		case crm.JobStatusCompleted:
			return status, nil
		case crm.JobStatusFailed:
			q.logger.WarnContext(ctx, "query job failed", "upstream_job_id", upstreamJobID)
			return nil, &JobFailedError{JobID: upstreamJobID, Payload: status.Raw}
		}
		if polls >= q.cfg.MaxPolls {
			return nil, fmt.Errorf("%w: %s still %q after %d checks", ErrJobTimeout, upstreamJobID, status.Status, polls)
		}
		if err := q.sleep(ctx, q.cfg.PollInterval); err != nil {
			return nil, err
		}
	}
}

func (q *QueryRunner) download(ctx context.Context, jobID, downloadURL string) ([]string, int, error) {
	f, err := q.artifacts.Create(jobID)
	if err != nil {
		return nil, 0, fmt.Errorf("create export artifact: %w", err)
	}
	buf := bufio.NewWriterSize(f, 64<<10)
	_, dlErr := q.api.Download(ctx, downloadURL, buf)
	flushErr := buf.Flush()
	closeErr := f.Close()
	if err := errors.Join(dlErr, flushErr, closeErr); err != nil {
		return nil, 0, err
	}

	rf, err := os.Open(f.Name())
	if err != nil {
		return nil, 0, err
	}
	defer rf.Close()
	return countRows(rf)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
