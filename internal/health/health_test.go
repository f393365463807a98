package health

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type countingChecker struct {
	calls   atomic.Int32
	healthy bool
}

func (c *countingChecker) Check(context.Context) CheckResult {
	c.calls.Add(1)
	if c.healthy {
		return CheckResult{Name: "fake", Healthy: true}
	}
	return CheckResult{Name: "fake", Healthy: false, Error: "down"}
}

func TestProbeRunnerAggregates(t *testing.T) {
	up := &countingChecker{healthy: true}
	down := &countingChecker{}
	ready, results := NewProbeRunner(time.Second, 0, up, down).Ready(context.Background())
	if ready {
		t.Fatal("expected not ready with one failing check")
	}
	if len(results) != 2 || results[1].Error != "down" {
		t.Fatalf("unexpected results %+v", results)
	}
}

func TestProbeRunnerCachesVerdict(t *testing.T) {
	c := &countingChecker{healthy: true}
	p := NewProbeRunner(time.Second, time.Minute, c)
	for i := 0; i < 3; i++ {
		if ready, _ := p.Ready(context.Background()); !ready {
			t.Fatal("expected ready")
		}
	}
	if c.calls.Load() != 1 {
		t.Fatalf("expected cached verdict, checker ran %d times", c.calls.Load())
	}
}

func TestRedisAndDirCheckers(t *testing.T) {
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	if res := (RedisChecker{Client: client}).Check(context.Background()); !res.Healthy {
		t.Fatalf("expected redis healthy, got %+v", res)
	}
	unreachable := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 100 * time.Millisecond, MaxRetries: -1})
	t.Cleanup(func() { _ = unreachable.Close() })
	if res := (RedisChecker{Client: unreachable}).Check(context.Background()); res.Healthy {
		t.Fatal("expected unreachable redis to be unhealthy")
	}

	if res := (ExportDirChecker{Dir: t.TempDir()}).Check(context.Background()); !res.Healthy {
		t.Fatalf("expected dir healthy, got %+v", res)
	}
	if res := (ExportDirChecker{Dir: "/nonexistent/crm-export"}).Check(context.Background()); res.Healthy {
		t.Fatal("expected missing dir unhealthy")
	}
}
