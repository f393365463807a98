package crm

import (
	"errors"
	"fmt"
)

var (
	ErrUpstream          = errors.New("upstream request failed")
	ErrMalformedResponse = errors.New("malformed upstream response")
)

// UpstreamError is a non-200 answer from the CRM API, after retries.
type UpstreamError struct {
	StatusCode int
	Body       string
	URL        string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream %s returned %d: %s", e.URL, e.StatusCode, e.Body)
}

func (e *UpstreamError) Unwrap() error { return ErrUpstream }
