package httpretry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingSleep captures requested delays without waiting.
type recordingSleep struct {
	delays []time.Duration
}

func (r *recordingSleep) sleep(_ context.Context, d time.Duration) error {
	r.delays = append(r.delays, d)
	return nil
}

func newTestClient(t *testing.T, policy Policy) (*Client, *recordingSleep) {
	t.Helper()

	rec := &recordingSleep{}
	c := NewClient(http.DefaultClient, policy, slog.New(slog.NewTextHandler(io.Discard, nil)))
	c.SetSleepFunc(rec.sleep)

	return c, rec
}

func getBuilder(url string) RequestBuilder {
	return func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	}
}

func TestSend_HonoursRetryAfter(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "2")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c, rec := newTestClient(t, Policy{MaxRetries: 5, BaseDelay: 500 * time.Millisecond})
	resp, err := c.Send(context.Background(), getBuilder(srv.URL))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(2), calls.Load())
	require.Len(t, rec.delays, 1)
	assert.GreaterOrEqual(t, rec.delays[0], 2*time.Second)
}

func TestSend_ExponentialBackoffThenReturnsLastFailure(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("busy"))
	}))
	defer srv.Close()

	c, rec := newTestClient(t, Policy{MaxRetries: 3, BaseDelay: 100 * time.Millisecond})
	resp, err := c.Send(context.Background(), getBuilder(srv.URL))
	require.NoError(t, err, "non-2xx must be returned, not raised")
	defer resp.Body.Close()

	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "busy", string(body))
	assert.Equal(t, int32(4), calls.Load())
	assert.Equal(t, []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
	}, rec.delays)
}

func TestSend_DoesNotRetryClientErrors(t *testing.T) {
	for _, status := range []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound} {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			calls.Add(1)
			w.WriteHeader(status)
		}))

		c, rec := newTestClient(t, DefaultPolicy())
		resp, err := c.Send(context.Background(), getBuilder(srv.URL))
		require.NoError(t, err)
		resp.Body.Close()
		srv.Close()

		assert.Equal(t, status, resp.StatusCode)
		assert.Equal(t, int32(1), calls.Load(), "status %d", status)
		assert.Empty(t, rec.delays)
	}
}

func TestSend_NetworkErrorIsNotRetried(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	c, rec := newTestClient(t, DefaultPolicy())
	resp, err := c.Send(context.Background(), getBuilder(url))
	require.Error(t, err)
	assert.Nil(t, resp)
	assert.Empty(t, rec.delays)
}

func TestSend_RebuildsRequestBodyPerAttempt(t *testing.T) {
	var bodies []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		bodies = append(bodies, string(b))
		if len(bodies) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c, _ := newTestClient(t, DefaultPolicy())
	resp, err := c.Send(context.Background(), func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodPost, srv.URL, strings.NewReader(`{"id":1}`))
	})
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, []string{`{"id":1}`, `{"id":1}`, `{"id":1}`}, bodies)
}

func TestSend_SleepCancellationAborts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(http.DefaultClient, DefaultPolicy(), nil)
	c.SetSleepFunc(func(context.Context, time.Duration) error { return context.Canceled })

	_, err := c.Send(context.Background(), getBuilder(srv.URL))
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestDelay(t *testing.T) {
	c := NewClient(nil, Policy{MaxRetries: 5, BaseDelay: 500 * time.Millisecond}, nil)

	cases := []struct {
		name       string
		retryAfter string
		attempt    int
		want       time.Duration
	}{
		{name: "no header attempt 0", attempt: 0, want: 500 * time.Millisecond},
		{name: "no header attempt 3", attempt: 3, want: 4 * time.Second},
		{name: "retry-after wins", retryAfter: "7", attempt: 3, want: 7 * time.Second},
		{name: "zero retry-after ignored", retryAfter: "0", attempt: 1, want: time.Second},
		{name: "garbage retry-after ignored", retryAfter: "soon", attempt: 1, want: time.Second},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := &http.Response{Header: http.Header{}}
			if tc.retryAfter != "" {
				resp.Header.Set("Retry-After", tc.retryAfter)
			}
			assert.Equal(t, tc.want, c.Delay(resp, tc.attempt))
		})
	}
}

func TestRetryAfterHTTPDate(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	d, ok := retryAfter(now.Add(90*time.Second).Format(http.TimeFormat), now)
	require.True(t, ok)
	assert.Equal(t, 90*time.Second, d)

	_, ok = retryAfter(now.Add(-time.Minute).Format(http.TimeFormat), now)
	assert.False(t, ok, "a date in the past falls back to backoff")

	_, ok = retryAfter("-3", now)
	assert.False(t, ok)
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(http.StatusTooManyRequests))
	assert.True(t, Retryable(http.StatusInternalServerError))
	assert.True(t, Retryable(599))
	assert.False(t, Retryable(http.StatusOK))
	assert.False(t, Retryable(http.StatusConflict))
	assert.False(t, Retryable(600))
}
