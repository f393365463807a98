package crm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

const (
	JobStatusInProgress = "InProgress"
	JobStatusCompleted  = "Completed"
	JobStatusFailed     = "Failed"
)

// Job is the upstream view of an asynchronous query execution.
type Job struct {
	ID      string `json:"id"`
	Status  string `json:"status"`
	SASURI  string `json:"sas_uri,omitempty"`
	ReadURL string `json:"read_url,omitempty"`

	// Raw is the status payload as returned, surfaced verbatim on failure.
	Raw json.RawMessage `json:"-"`
}

// DownloadURL is the presigned result location, present once completed.
func (j *Job) DownloadURL() string {
	if j.ReadURL != "" {
		return j.ReadURL
	}
	return j.SASURI
}

type submitQueryRequest struct {
	ID           string `json:"id"`
	UXMode       string `json:"ux_mode"`
	OutputFormat string `json:"output_format"`
}

func (c *Client) SubmitQueryJob(ctx context.Context, sessionID, queryID string) (*Job, error) {
	body, err := json.Marshal(submitQueryRequest{ID: queryID, UXMode: "Asynchronous", OutputFormat: "Csv"})
	if err != nil {
		return nil, err
	}
	var job Job
	raw, err := c.doJSON(ctx, sessionID, http.MethodPost, c.baseURL+"/query/queries/executebyid", body, &job)
	if err != nil {
		return nil, err
	}
	if job.ID == "" {
		return nil, fmt.Errorf("%w: submit response has no job id", ErrMalformedResponse)
	}
	job.Raw = raw
	return &job, nil
}

func (c *Client) GetJobStatus(ctx context.Context, sessionID, jobID string) (*Job, error) {
	statusURL := fmt.Sprintf("%s/query/jobs/%s?include_read_url=true", c.baseURL, url.PathEscape(jobID))
	var job Job
	raw, err := c.doJSON(ctx, sessionID, http.MethodGet, statusURL, nil, &job)
	if err != nil {
		return nil, err
	}
	job.Raw = raw
	return &job, nil
}

// Download streams a presigned result file into w. Presigned URLs carry their
// own authorization, so no bearer token or subscription key is attached.
func (c *Client) Download(ctx context.Context, downloadURL string, w io.Writer) (int64, error) {
	resp, err := c.sender.Send(ctx, func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	})
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, upstreamError(resp, downloadURL)
	}
	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, fmt.Errorf("download %s: %w", redactURL(downloadURL), err)
	}
	return n, nil
}
