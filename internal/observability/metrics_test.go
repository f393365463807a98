package observability

import (
	"context"
	"testing"
	"time"
)

func TestStatusClass(t *testing.T) {
	cases := map[int]string{
		200: "2xx",
		204: "2xx",
		302: "3xx",
		401: "4xx",
		429: "4xx",
		503: "5xx",
		0:   "other",
		700: "other",
	}
	for status, want := range cases {
		if got := StatusClass(status); got != want {
			t.Fatalf("StatusClass(%d)=%q want %q", status, got, want)
		}
	}
}

func TestRecordersAreNoopWithoutInit(t *testing.T) {
	ctx := context.Background()
	RecordAuthCallback(ctx, "success")
	RecordTokenRefresh(ctx, "refreshed")
	RecordRefreshLock(ctx, "acquired")
	RecordUpstreamRequest(ctx, "GET", 200)
	RecordUpstreamRetry(ctx, 429, time.Second)
	RecordPagesFetched(ctx, "bulk", 3)
	RecordExportRows(ctx, "bulk", 10)
	RecordJobPoll(ctx, "Completed")
	RecordRepositoryOperation(ctx, "session", "get", "success")
	RecordRateLimitDecision(ctx, "api", "allowed", "local", "ip")
	RecordRateLimitRetryAfter(ctx, "api", "limited", time.Second)
	RecordSecurityBypassEvent(ctx, "health", "api")
}

func TestParseLevel(t *testing.T) {
	if parseLevel("DEBUG").String() != "DEBUG" {
		t.Fatal("expected debug level")
	}
	if parseLevel("warning").String() != "WARN" {
		t.Fatal("expected warn level")
	}
	if parseLevel("nonsense").String() != "INFO" {
		t.Fatal("expected info fallback")
	}
}
