package http

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// ══════════════════════════════════════════════════════════════════════════════
// HEALTH CHECKS
// ══════════════════════════════════════════════════════════════════════════════

// HealthCheckFunc performs one check and returns an error when it fails.
type HealthCheckFunc func(ctx context.Context) error

// Pinger is anything with a connectivity check: the Postgres pool, the
// Redis client, the SQLite handle.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingCheck adapts a Pinger.
func PingCheck(p Pinger) HealthCheckFunc {
	return p.Ping
}

// HealthStatus is the aggregated readiness report.
type HealthStatus struct {
	Healthy bool   `json:"healthy"`
	Message string `json:"message,omitempty"`

	Checks map[string]CheckResult `json:"checks,omitempty"`

	// Degraded lists soft checks that failed. They do not fail readiness.
	Degraded []string `json:"degraded,omitempty"`

	Uptime    string    `json:"uptime,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version,omitempty"`
}

// CheckResult is the outcome of one check.
type CheckResult struct {
	Healthy  bool   `json:"healthy"`
	Soft     bool   `json:"soft,omitempty"`
	Message  string `json:"message,omitempty"`
	Duration string `json:"duration,omitempty"`
}

type registeredCheck struct {
	fn   HealthCheckFunc
	soft bool
}

// HealthChecker runs named checks concurrently. Hard checks gate readiness;
// soft checks only show up as degraded.
type HealthChecker struct {
	mu        sync.RWMutex
	checks    map[string]registeredCheck
	startTime time.Time
	version   string
	timeout   time.Duration
}

// NewHealthChecker creates an empty checker.
func NewHealthChecker(version string) *HealthChecker {
	return &HealthChecker{
		checks:    make(map[string]registeredCheck),
		startTime: time.Now(),
		version:   version,
		timeout:   3 * time.Second,
	}
}

// SetTimeout bounds each individual check.
func (c *HealthChecker) SetTimeout(timeout time.Duration) {
	if timeout > 0 {
		c.timeout = timeout
	}
}

// AddCheck registers a hard check.
func (c *HealthChecker) AddCheck(name string, check HealthCheckFunc) {
	c.add(name, check, false)
}

// AddSoftCheck registers a check that reports degradation without failing
// readiness, such as an open provider breaker.
func (c *HealthChecker) AddSoftCheck(name string, check HealthCheckFunc) {
	c.add(name, check, true)
}

func (c *HealthChecker) add(name string, check HealthCheckFunc, soft bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = registeredCheck{fn: check, soft: soft}
}

// Uptime is the time since the checker was created.
func (c *HealthChecker) Uptime() time.Duration {
	return time.Since(c.startTime)
}

// Check runs every registered check.
func (c *HealthChecker) Check(ctx context.Context) HealthStatus {
	c.mu.RLock()
	checks := make(map[string]registeredCheck, len(c.checks))
	for name, check := range c.checks {
		checks[name] = check
	}
	c.mu.RUnlock()

	status := HealthStatus{
		Healthy:   true,
		Checks:    make(map[string]CheckResult, len(checks)),
		Uptime:    c.Uptime().Round(time.Second).String(),
		Timestamp: time.Now().UTC(),
		Version:   c.version,
	}
	if len(checks) == 0 {
		status.Message = "no checks registered"
		return status
	}

	type named struct {
		name   string
		result CheckResult
	}
	results := make(chan named, len(checks))
	var wg sync.WaitGroup
	for name, check := range checks {
		wg.Add(1)
		go func(name string, check registeredCheck) {
			defer wg.Done()
			checkCtx, cancel := context.WithTimeout(ctx, c.timeout)
			defer cancel()

			start := time.Now()
			err := check.fn(checkCtx)
			result := CheckResult{
				Healthy:  err == nil,
				Soft:     check.soft,
				Message:  "OK",
				Duration: time.Since(start).Round(time.Millisecond).String(),
			}
			if err != nil {
				result.Message = err.Error()
			}
			results <- named{name, result}
		}(name, check)
	}
	wg.Wait()
	close(results)

	var failed []string
	for r := range results {
		status.Checks[r.name] = r.result
		if r.result.Healthy {
			continue
		}
		if r.result.Soft {
			status.Degraded = append(status.Degraded, r.name)
			continue
		}
		status.Healthy = false
		failed = append(failed, r.name)
	}
	sort.Strings(failed)
	sort.Strings(status.Degraded)

	switch {
	case !status.Healthy:
		status.Message = "failing: " + strings.Join(failed, ", ")
	case len(status.Degraded) > 0:
		status.Message = "degraded: " + strings.Join(status.Degraded, ", ")
	default:
		status.Message = "all checks passed"
	}
	return status
}
