// Package httpretry sends upstream requests under a retry policy that honours
// server supplied Retry-After hints.
package httpretry

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sandeepkv93/crm-export-proxy/internal/observability"
)

// Policy bounds the retry loop. Attempts are numbered from zero, so a request
// is sent at most MaxRetries+1 times.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
}

func DefaultPolicy() Policy {
	return Policy{MaxRetries: 5, BaseDelay: 500 * time.Millisecond}
}

// RequestBuilder returns a fresh request for every attempt, since a request
// body can only be read once.
type RequestBuilder func(ctx context.Context) (*http.Request, error)

type Client struct {
	httpClient *http.Client
	policy     Policy
	logger     *slog.Logger

	// sleepFunc waits between attempts. Tests replace it to record delays.
	sleepFunc func(ctx context.Context, d time.Duration) error
}

func NewClient(httpClient *http.Client, policy Policy, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		httpClient: httpClient,
		policy:     policy,
		logger:     logger,
		sleepFunc:  timeSleep,
	}
}

// SetSleepFunc replaces the wait used between attempts.
func (c *Client) SetSleepFunc(fn func(ctx context.Context, d time.Duration) error) {
	if fn != nil {
		c.sleepFunc = fn
	}
}

// Send performs the request, retrying on 429 and 5xx until the policy is
// exhausted. Non-2xx responses are returned, not converted to errors; the
// caller owns the body. Transport errors are returned immediately.
func (c *Client) Send(ctx context.Context, build RequestBuilder) (*http.Response, error) {
	for attempt := 0; ; attempt++ {
		req, err := build(ctx)
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("request canceled: %w", ctx.Err())
			}
			return nil, fmt.Errorf("%s %s: %w", req.Method, redact(req), err)
		}
		observability.RecordUpstreamRequest(ctx, req.Method, resp.StatusCode)

		if !Retryable(resp.StatusCode) || attempt >= c.policy.MaxRetries {
			if attempt > 0 && resp.StatusCode >= http.StatusBadRequest {
				c.logger.WarnContext(ctx, "upstream request failed after retries",
					slog.String("method", req.Method),
					slog.String("url", redact(req)),
					slog.Int("status", resp.StatusCode),
					slog.Int("attempts", attempt+1),
				)
			}
			return resp, nil
		}

		delay := c.Delay(resp, attempt)
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		_ = resp.Body.Close()

		c.logger.WarnContext(ctx, "retrying upstream request",
			slog.String("method", req.Method),
			slog.String("url", redact(req)),
			slog.Int("status", resp.StatusCode),
			slog.Int("attempt", attempt+1),
			slog.Duration("backoff", delay),
		)
		observability.RecordUpstreamRetry(ctx, resp.StatusCode, delay)
		if err := c.sleepFunc(ctx, delay); err != nil {
			return nil, fmt.Errorf("request canceled: %w", err)
		}
	}
}

// Delay is the wait before the next attempt: the server's Retry-After hint
// (delta seconds or an HTTP date in the future) when present, otherwise
// BaseDelay * 2^attempt.
func (c *Client) Delay(resp *http.Response, attempt int) time.Duration {
	if resp != nil {
		if d, ok := retryAfter(resp.Header.Get("Retry-After"), time.Now()); ok {
			return d
		}
	}
	return time.Duration(float64(c.policy.BaseDelay) * math.Pow(2, float64(attempt)))
}

func retryAfter(raw string, now time.Time) (time.Duration, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, false
	}
	if seconds, err := strconv.Atoi(raw); err == nil {
		return time.Duration(seconds) * time.Second, seconds > 0
	}
	at, err := http.ParseTime(raw)
	if err != nil {
		return 0, false
	}
	d := at.Sub(now)
	return d, d > 0
}

func Retryable(status int) bool {
	return status == http.StatusTooManyRequests || (status >= 500 && status <= 599)
}

// redact drops the query string, which carries presigned signatures on
// download URLs.
func redact(req *http.Request) string {
	if req.URL == nil {
		return ""
	}
	u := *req.URL
	u.RawQuery = ""
	return u.String()
}

func timeSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
