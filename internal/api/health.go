package api

import (
	"context"
	"database/sql"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const checkTimeout = 3 * time.Second

// HealthChecker probes one storage dependency for /health/ready.
type HealthChecker interface {
	Check(ctx context.Context) error
	Name() string
}

type pingChecker struct {
	name string
	ping func(context.Context) error
}

func (c pingChecker) Name() string                    { return c.name }
func (c pingChecker) Check(ctx context.Context) error { return c.ping(ctx) }

func NewRedisHealthChecker(client *redis.Client) HealthChecker {
	return pingChecker{name: "redis", ping: func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}}
}

func NewPostgresHealthChecker(db *sql.DB) HealthChecker {
	return pingChecker{name: "postgres", ping: db.PingContext}
}

// ReadinessReport is the /health/ready body.
type ReadinessReport struct {
	Status  string                     `json:"status"`
	Version string                     `json:"version,omitempty"`
	Checks  map[string]DependencyCheck `json:"checks,omitempty"`
}

type DependencyCheck struct {
	Status    string `json:"status"`
	LatencyMS int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

type upstreamReport struct {
	Status          string            `json:"status"`
	Version         string            `json:"version,omitempty"`
	Providers       map[string]string `json:"providers"`
	CircuitBreakers map[string]string `json:"circuit_breakers"`
}

// probeAll runs every checker in parallel and reports whether all passed.
func probeAll(ctx context.Context, checkers []HealthChecker) (map[string]DependencyCheck, bool) {
	checks := make([]DependencyCheck, len(checkers))
	var wg sync.WaitGroup
	for i, c := range checkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			start := time.Now()
			err := c.Check(ctx)
			checks[i] = DependencyCheck{Status: "ok", LatencyMS: time.Since(start).Milliseconds()}
			if err != nil {
				checks[i].Status = "error"
				checks[i].Error = err.Error()
			}
		}()
	}
	wg.Wait()

	out := make(map[string]DependencyCheck, len(checkers))
	healthy := true
	for i, c := range checkers {
		out[c.Name()] = checks[i]
		healthy = healthy && checks[i].Status == "ok"
	}
	return out, healthy
}

// handleHealth always answers 200; unreachable upstreams only degrade the body.
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
	defer cancel()

	report := upstreamReport{
		Status:          "healthy",
		Version:         h.version,
		Providers:       make(map[string]string),
		CircuitBreakers: h.router.BreakerStates(ctx),
	}
	for id, err := range h.router.HealthCheck(ctx) {
		if err != nil {
			report.Providers[id] = "unhealthy"
			report.Status = "degraded"
			continue
		}
		report.Providers[id] = "ok"
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *Handler) handleHealthLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleHealthReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
	defer cancel()

	checks, ok := probeAll(ctx, h.checkers)
	report := ReadinessReport{Status: "ready", Version: h.version, Checks: checks}
	code := http.StatusOK
	if !ok {
		report.Status = "not_ready"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, report)
}
