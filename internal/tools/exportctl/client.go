package exportctl

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sandeepkv93/crm-export-proxy/internal/export"
	"github.com/sandeepkv93/crm-export-proxy/internal/http/response"
	"github.com/sandeepkv93/crm-export-proxy/internal/service"
)

// proxyClient talks to a running proxy on behalf of one session.
type proxyClient struct {
	baseURL string
	uid     string
	http    *http.Client
}

func newProxyClient(baseURL, uid string, timeout time.Duration) *proxyClient {
	return &proxyClient{baseURL: baseURL, uid: uid, http: &http.Client{Timeout: timeout}}
}

func (c *proxyClient) status(ctx context.Context) (service.SessionStatus, error) {
	var out service.SessionStatus
	err := c.do(ctx, http.MethodGet, "/status", nil, &out)
	return out, err
}

func (c *proxyClient) startBulk(ctx context.Context, resource string, filters url.Values) (export.BulkResult, error) {
	var out export.BulkResult
	err := c.do(ctx, http.MethodGet, "/bulk/"+url.PathEscape(resource), filters, &out)
	return out, err
}

func (c *proxyClient) bulkChunk(ctx context.Context, resource, jobID string, page, size int) (export.Chunk, error) {
	var out export.Chunk
	q := url.Values{"id": {jobID}, "page": {strconv.Itoa(page)}, "chunkSize": {strconv.Itoa(size)}}
	err := c.do(ctx, http.MethodGet, "/bulk/"+url.PathEscape(resource)+"/chunk", q, &out)
	return out, err
}

func (c *proxyClient) purge(ctx context.Context, resource, jobID string) error {
	var out map[string]string
	return c.do(ctx, http.MethodDelete, "/bulk/"+url.PathEscape(resource)+"/"+url.PathEscape(jobID), nil, &out)
}

func (c *proxyClient) querySchema(ctx context.Context, queryID string) ([]string, error) {
	var out struct {
		Columns []string `json:"columns"`
	}
	q := url.Values{"endpoint": {"query"}, "query_id": {queryID}, "schemaOnly": {"1"}}
	err := c.do(ctx, http.MethodGet, "/data", q, &out)
	return out.Columns, err
}

func (c *proxyClient) queryChunk(ctx context.Context, queryID string, page, size int) (export.Chunk, error) {
	var out export.Chunk
	q := url.Values{"endpoint": {"query"}, "query_id": {queryID}, "page": {strconv.Itoa(page)}, "chunkSize": {strconv.Itoa(size)}}
	err := c.do(ctx, http.MethodGet, "/data", q, &out)
	return out, err
}

func (c *proxyClient) do(ctx context.Context, method, path string, query url.Values, dst any) error {
	if query == nil {
		query = url.Values{}
	}
	if c.uid != "" {
		query.Set("uid", c.uid)
	}
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	var env response.Envelope[json.RawMessage]
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("%s %s: %s: undecodable body: %w", method, path, resp.Status, err)
	}
	if !env.Success {
		if env.Error != nil {
			return fmt.Errorf("%s %s: %w", method, path, env.Error)
		}
		return fmt.Errorf("%s %s: %s", method, path, resp.Status)
	}
	if dst == nil || len(env.Data) == 0 {
		return nil
	}
	return json.Unmarshal(env.Data, dst)
}
