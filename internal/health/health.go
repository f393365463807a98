package health

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

type CheckResult struct {
	Name      string `json:"name"`
	Healthy   bool   `json:"healthy"`
	Error     string `json:"error,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
}

type Checker interface {
	Check(ctx context.Context) CheckResult
}

// ProbeRunner runs readiness checks concurrently, each bounded by timeout.
// With a positive cacheTTL the last verdict is reused so aggressive probes
// do not hammer the backends.
type ProbeRunner struct {
	timeout  time.Duration
	cacheTTL time.Duration
	checkers []Checker

	mu       sync.Mutex
	cachedAt time.Time
	ready    bool
	results  []CheckResult
}

func NewProbeRunner(timeout, cacheTTL time.Duration, checkers ...Checker) *ProbeRunner {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &ProbeRunner{timeout: timeout, cacheTTL: cacheTTL, checkers: checkers}
}

func (p *ProbeRunner) Ready(ctx context.Context) (bool, []CheckResult) {
	if p.cacheTTL > 0 {
		p.mu.Lock()
		if !p.cachedAt.IsZero() && time.Since(p.cachedAt) < p.cacheTTL {
			ready, results := p.ready, p.results
			p.mu.Unlock()
			return ready, results
		}
		p.mu.Unlock()
	}

	results := make([]CheckResult, len(p.checkers))
	var wg sync.WaitGroup
	for i, c := range p.checkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, p.timeout)
			defer cancel()
			start := time.Now()
			res := c.Check(cctx)
			res.LatencyMS = time.Since(start).Milliseconds()
			results[i] = res
		}()
	}
	wg.Wait()

	ready := true
	for _, r := range results {
		if !r.Healthy {
			ready = false
		}
	}
	if p.cacheTTL > 0 {
		p.mu.Lock()
		p.cachedAt, p.ready, p.results = time.Now(), ready, results
		p.mu.Unlock()
	}
	return ready, results
}

type RedisChecker struct{ Client redis.UniversalClient }

func (c RedisChecker) Check(ctx context.Context) CheckResult {
	return result("redis", c.Client.Ping(ctx).Err())
}

type SQLChecker struct{ DB *gorm.DB }

func (c SQLChecker) Check(ctx context.Context) CheckResult {
	sqlDB, err := c.DB.DB()
	if err != nil {
		return result("sql", err)
	}
	return result("sql", sqlDB.PingContext(ctx))
}

// ExportDirChecker verifies the artifact directory exists and is a directory.
type ExportDirChecker struct{ Dir string }

func (c ExportDirChecker) Check(context.Context) CheckResult {
	info, err := os.Stat(c.Dir)
	if err == nil && !info.IsDir() {
		err = fmt.Errorf("%s is not a directory", c.Dir)
	}
	return result("export_dir", err)
}

func result(name string, err error) CheckResult {
	if err != nil {
		return CheckResult{Name: name, Healthy: false, Error: err.Error()}
	}
	return CheckResult{Name: name, Healthy: true}
}
