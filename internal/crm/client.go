// Package crm talks to the upstream CRM REST API on behalf of a session.
package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/sandeepkv93/crm-export-proxy/internal/httpretry"
)

const (
	subscriptionKeyHeader = "Bb-Api-Subscription-Key"
	maxErrorBody          = 4 << 10
	recordMissTTL         = 2 * time.Minute
)

// TokenProvider returns a usable bearer token for a session.
type TokenProvider interface {
	AccessToken(ctx context.Context, sessionID string) (string, error)
}

// Sender issues a request under a retry policy and returns the final response.
type Sender interface {
	Send(ctx context.Context, build httpretry.RequestBuilder) (*http.Response, error)
}

// RecordMissCache remembers single-record lookups the API answered with 404.
type RecordMissCache interface {
	Get(ctx context.Context, namespace, key string) (bool, error)
	Set(ctx context.Context, namespace, key string, ttl time.Duration) error
	InvalidateNamespace(ctx context.Context, namespace string) error
}

type Client struct {
	baseURL         string
	subscriptionKey string
	tokens          TokenProvider
	sender          Sender
	misses          RecordMissCache
	logger          *slog.Logger
}

func NewClient(baseURL, subscriptionKey string, tokens TokenProvider, sender Sender, misses RecordMissCache, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:         baseURL,
		subscriptionKey: subscriptionKey,
		tokens:          tokens,
		sender:          sender,
		misses:          misses,
		logger:          logger,
	}
}

func (c *Client) BaseURL() string { return c.baseURL }

// send issues an authenticated request. The token is resolved per attempt so a
// retry after a long Retry-After wait does not reuse a token that lapsed.
func (c *Client) send(ctx context.Context, sessionID, method, rawURL string, body []byte) (*http.Response, error) {
	return c.sender.Send(ctx, func(ctx context.Context) (*http.Request, error) {
		token, err := c.tokens.AccessToken(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Accept", "application/json")
		if c.subscriptionKey != "" {
			req.Header.Set(subscriptionKeyHeader, c.subscriptionKey)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		return req, nil
	})
}

// doJSON sends the request and decodes a 200 body into dst. The raw body is
// returned alongside for callers that surface it verbatim.
func (c *Client) doJSON(ctx context.Context, sessionID, method, rawURL string, body []byte, dst any) ([]byte, error) {
	resp, err := c.send(ctx, sessionID, method, rawURL, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, upstreamError(resp, rawURL)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", redactURL(rawURL), err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(dst); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ErrMalformedResponse, redactURL(rawURL), err)
	}
	return raw, nil
}

func upstreamError(resp *http.Response, rawURL string) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &UpstreamError{StatusCode: resp.StatusCode, Body: string(body), URL: redactURL(rawURL)}
}

func redactURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "invalid-url"
	}
	u.RawQuery = ""
	u.User = nil
	return u.String()
}
