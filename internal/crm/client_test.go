package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandeepkv93/crm-export-proxy/internal/domain"
	"github.com/sandeepkv93/crm-export-proxy/internal/httpretry"
)

type staticTokens string

func (s staticTokens) AccessToken(context.Context, string) (string, error) {
	return string(s), nil
}

type failingTokens struct{ err error }

func (f failingTokens) AccessToken(context.Context, string) (string, error) {
	return "", f.err
}

type mapMissCache struct {
	entries map[string]bool
}

func (m *mapMissCache) Get(_ context.Context, ns, key string) (bool, error) {
	return m.entries[ns+"/"+key], nil
}

func (m *mapMissCache) Set(_ context.Context, ns, key string, _ time.Duration) error {
	m.entries[ns+"/"+key] = true
	return nil
}

func (m *mapMissCache) InvalidateNamespace(context.Context, string) error {
	m.entries = map[string]bool{}
	return nil
}

func newTestClient(t *testing.T, baseURL string, tokens TokenProvider, misses RecordMissCache) *Client {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sender := httpretry.NewClient(http.DefaultClient, httpretry.Policy{MaxRetries: 2, BaseDelay: time.Millisecond}, logger)
	sender.SetSleepFunc(func(context.Context, time.Duration) error { return nil })

	return NewClient(baseURL, "sub-key", tokens, sender, misses, logger)
}

// pagedServer serves pages 1..total under /items?page=N. Each page holds
// perPage records tagged with their page number.
func pagedServer(t *testing.T, total, perPage int, hits *atomic.Int32, nextFor func(base string, page int) string) *httptest.Server {
	t.Helper()

	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "sub-key", r.Header.Get(subscriptionKeyHeader))

		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		records := make([]map[string]any, 0, perPage)
		for i := 0; i < perPage; i++ {
			records = append(records, map[string]any{"id": fmt.Sprintf("p%d-r%d", page, i)})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"value":     records,
			"next_link": nextFor(srv.URL, page),
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func ids(records []domain.Record) []string {
	out := make([]string, 0, len(records))
	for _, r := range records {
		out = append(out, r["id"].(string))
	}
	return out
}

func TestFetchPages_StopsOnRepeatedLink(t *testing.T) {
	const k = 4
	var hits atomic.Int32
	srv := pagedServer(t, k, 2, &hits, func(base string, page int) string {
		if page >= k {
			return fmt.Sprintf("%s/items?page=%d", base, page)
		}
		return fmt.Sprintf("%s/items?page=%d", base, page+1)
	})

	c := newTestClient(t, srv.URL, staticTokens("tok"), nil)
	records, err := c.FetchPages(context.Background(), "s", srv.URL+"/items?page=1", Unlimited)
	require.NoError(t, err)

	assert.LessOrEqual(t, int(hits.Load()), k+1)
	want := []string{}
	for p := 1; p <= k; p++ {
		want = append(want, fmt.Sprintf("p%d-r0", p), fmt.Sprintf("p%d-r1", p))
	}
	assert.Equal(t, want, ids(records))
}

func TestFetchPages_RespectsPageCap(t *testing.T) {
	var hits atomic.Int32
	srv := pagedServer(t, 5, 3, &hits, func(base string, page int) string {
		if page >= 5 {
			return ""
		}
		return fmt.Sprintf("%s/items?page=%d", base, page+1)
	})

	c := newTestClient(t, srv.URL, staticTokens("tok"), nil)
	records, err := c.FetchPages(context.Background(), "s", srv.URL+"/items?page=1", 2)
	require.NoError(t, err)

	assert.Equal(t, int32(2), hits.Load())
	assert.Equal(t, []string{"p1-r0", "p1-r1", "p1-r2", "p2-r0", "p2-r1", "p2-r2"}, ids(records))
}

func TestFetchPages_UnlimitedWalksToEnd(t *testing.T) {
	var hits atomic.Int32
	srv := pagedServer(t, 5, 1, &hits, func(base string, page int) string {
		if page >= 5 {
			return ""
		}
		return fmt.Sprintf("/items?page=%d", page+1)
	})

	c := newTestClient(t, srv.URL, staticTokens("tok"), nil)
	records, err := c.FetchPages(context.Background(), "s", srv.URL+"/items?page=1", Unlimited)
	require.NoError(t, err)

	assert.Equal(t, int32(5), hits.Load(), "relative next links resolve against the current page")
	assert.Len(t, records, 5)
}

func TestFetchPages_EmptyPageStopsWalk(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := hits.Add(1)
		if n == 1 {
			_, _ = w.Write([]byte(`{"value":[{"id":"a"}],"next_link":"` + "http://" + r.Host + `/items?page=2"}`))
			return
		}
		_, _ = w.Write([]byte(`{"value":[],"next_link":"http://` + r.Host + `/items?page=3"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, staticTokens("tok"), nil)
	records, err := c.FetchPages(context.Background(), "s", srv.URL+"/items?page=1", Unlimited)
	require.NoError(t, err)

	assert.Equal(t, int32(2), hits.Load())
	assert.Len(t, records, 1)
}

func TestFetchPages_UpstreamErrorCarriesStatusAndBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"message":"quota"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, staticTokens("tok"), nil)
	_, err := c.FetchPages(context.Background(), "s", srv.URL+"/items", Unlimited)
	require.Error(t, err)

	var upErr *UpstreamError
	require.True(t, errors.As(err, &upErr))
	assert.Equal(t, http.StatusForbidden, upErr.StatusCode)
	assert.Equal(t, `{"message":"quota"}`, upErr.Body)
	assert.True(t, errors.Is(err, ErrUpstream))
}

func TestFetchPages_ServerErrorsRetriedThenSurfaced(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, staticTokens("tok"), nil)
	_, err := c.FetchPages(context.Background(), "s", srv.URL+"/items", Unlimited)

	var upErr *UpstreamError
	require.True(t, errors.As(err, &upErr))
	assert.Equal(t, http.StatusBadGateway, upErr.StatusCode)
	assert.Equal(t, int32(3), hits.Load())
}

func TestFetchPages_MalformedBodyNotRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(`{"value": [`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, staticTokens("tok"), nil)
	_, err := c.FetchPages(context.Background(), "s", srv.URL+"/items", Unlimited)
	require.ErrorIs(t, err, ErrMalformedResponse)
	assert.Equal(t, int32(1), hits.Load())
}

func TestFetchPages_TokenFailureAbortsBeforeRequest(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { hits.Add(1) }))
	defer srv.Close()

	tokenErr := errors.New("not authenticated")
	c := newTestClient(t, srv.URL, failingTokens{err: tokenErr}, nil)
	_, err := c.FetchPages(context.Background(), "s", srv.URL+"/items", Unlimited)
	require.ErrorIs(t, err, tokenErr)
	assert.Zero(t, hits.Load())
}

func TestGetRecord_CachesMisses(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path == "/gift/v1/gifts/42" {
			_, _ = w.Write([]byte(`{"id":"42","amount":{"value":12.5}}`))
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	misses := &mapMissCache{entries: map[string]bool{}}
	c := newTestClient(t, srv.URL, staticTokens("tok"), misses)
	gifts, _ := LookupResource("gifts")

	rec, err := c.GetRecord(context.Background(), "s", gifts, "42")
	require.NoError(t, err)
	assert.Equal(t, "42", rec["id"])

	for i := 0; i < 3; i++ {
		_, err = c.GetRecord(context.Background(), "s", gifts, "missing")
		var upErr *UpstreamError
		require.True(t, errors.As(err, &upErr))
		assert.Equal(t, http.StatusNotFound, upErr.StatusCode)
	}
	assert.Equal(t, int32(2), hits.Load(), "second and third miss served from cache")

	require.NoError(t, c.ForgetMisses(context.Background(), "gifts"))
	_, _ = c.GetRecord(context.Background(), "s", gifts, "missing")
	assert.Equal(t, int32(3), hits.Load())
}

func TestQueryJobLifecycle(t *testing.T) {
	var submitted map[string]any
	var downloadAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/query/queries/executebyid":
			_ = json.NewDecoder(r.Body).Decode(&submitted)
			_, _ = w.Write([]byte(`{"id":"job-7"}`))
		case r.URL.Path == "/query/jobs/job-7":
			assert.Equal(t, "true", r.URL.Query().Get("include_read_url"))
			_, _ = w.Write([]byte(`{"id":"job-7","status":"Completed","sas_uri":"http://` + r.Host + `/files/out.csv?sig=abc"}`))
		case r.URL.Path == "/files/out.csv":
			downloadAuth = r.Header.Get("Authorization")
			_, _ = w.Write([]byte("a,b\n1,2\n"))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, staticTokens("tok"), nil)
	job, err := c.SubmitQueryJob(context.Background(), "s", "123")
	require.NoError(t, err)
	assert.Equal(t, "job-7", job.ID)
	assert.Equal(t, "123", submitted["id"])

	status, err := c.GetJobStatus(context.Background(), "s", job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusCompleted, status.Status)
	require.NotEmpty(t, status.DownloadURL())

	var buf bytes.Buffer
	n, err := c.Download(context.Background(), status.DownloadURL(), &buf)
	require.NoError(t, err)
	assert.Equal(t, int64(8), n)
	assert.Equal(t, "a,b\n1,2\n", buf.String())
	assert.Empty(t, downloadAuth, "presigned download must not carry a bearer token")
}

func TestJobDownloadURLPrefersReadURL(t *testing.T) {
	j := &Job{SASURI: "sas", ReadURL: "read"}
	assert.Equal(t, "read", j.DownloadURL())
	j.ReadURL = ""
	assert.Equal(t, "sas", j.DownloadURL())
}

func TestResourceListURL(t *testing.T) {
	r, ok := LookupResource("constituents")
	require.True(t, ok)

	q := url.Values{}
	q.Set("search_text", "smith")
	q.Set("uid", "session-should-not-leak")
	q.Set("offset", "500")

	raw := r.ListURL("https://api.example.com", q, 250)
	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "/constituent/v1/constituents", u.Path)
	assert.Equal(t, "smith", u.Query().Get("search_text"))
	assert.Equal(t, "250", u.Query().Get("limit"))
	assert.Equal(t, "500", u.Query().Get("offset"))
	assert.Empty(t, u.Query().Get("uid"))

	assert.Equal(t, "https://api.example.com/gift/v1/gifts/a%2Fb", mustResource(t, "gifts").RecordURL("https://api.example.com", "a/b"))

	_, ok = LookupResource("unknown")
	assert.False(t, ok)
	assert.Contains(t, ResourceNames(), "events")
}

func mustResource(t *testing.T, name string) Resource {
	t.Helper()
	r, ok := LookupResource(name)
	require.True(t, ok)
	return r
}
