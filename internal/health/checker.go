// Package health aggregates component health checks behind HTTP probe
// endpoints.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// Checker is implemented by every component that can report its health.
type Checker interface {
	HealthCheck(ctx context.Context) error
}

// Config holds health checker configuration.
type Config struct {
	ServiceName    string
	ServiceVersion string
	CheckTimeout   time.Duration
}

// check pairs a Checker with its criticality. The bridge keeps running
// with the broker or the link down, so those checks degrade the service
// instead of failing it.
type check struct {
	checker  Checker
	critical bool
}

// CheckStatus is the result of a single health check.
type CheckStatus struct {
	Name      string    `json:"name"`
	Status    string    `json:"status"` // healthy, unhealthy, degraded
	Critical  bool      `json:"critical"`
	Error     string    `json:"error,omitempty"`
	LastCheck time.Time `json:"last_check"`
}

// Response is the aggregate health report.
type Response struct {
	Status    string                  `json:"status"`
	Service   string                  `json:"service"`
	Version   string                  `json:"version"`
	Timestamp time.Time               `json:"timestamp"`
	Uptime    string                  `json:"uptime"`
	Checks    map[string]*CheckStatus `json:"checks,omitempty"`
}

const (
	statusHealthy   = "healthy"
	statusDegraded  = "degraded"
	statusUnhealthy = "unhealthy"
)

// HealthChecker runs registered checks concurrently and serves the probe
// endpoints.
type HealthChecker struct {
	config  Config
	started time.Time

	mu     sync.RWMutex
	checks map[string]check
}

// NewChecker creates a health checker.
func NewChecker(config Config) *HealthChecker {
	if config.CheckTimeout == 0 {
		config.CheckTimeout = 5 * time.Second
	}
	return &HealthChecker{
		config:  config,
		started: time.Now(),
		checks:  make(map[string]check),
	}
}

// AddCheck registers a check whose failure makes the whole service
// unhealthy.
func (h *HealthChecker) AddCheck(name string, checker Checker) {
	h.add(name, checker, true)
}

// AddOptionalCheck registers a check whose failure only degrades the
// service; readiness is unaffected.
func (h *HealthChecker) AddOptionalCheck(name string, checker Checker) {
	h.add(name, checker, false)
}

func (h *HealthChecker) add(name string, checker Checker, critical bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = check{checker: checker, critical: critical}
}

// Check runs all checks concurrently and aggregates the verdict: any
// failing critical check makes the service unhealthy, any failing optional
// check degrades it.
func (h *HealthChecker) Check(ctx context.Context) *Response {
	h.mu.RLock()
	checks := make(map[string]check, len(h.checks))
	for name, c := range h.checks {
		checks[name] = c
	}
	h.mu.RUnlock()

	response := &Response{
		Status:    statusHealthy,
		Service:   h.config.ServiceName,
		Version:   h.config.ServiceVersion,
		Timestamp: time.Now(),
		Uptime:    time.Since(h.started).Round(time.Second).String(),
		Checks:    make(map[string]*CheckStatus, len(checks)),
	}

	var wg sync.WaitGroup
	var mu sync.Mutex

	for name, c := range checks {
		wg.Add(1)
		go func(name string, c check) {
			defer wg.Done()

			checkCtx, cancel := context.WithTimeout(ctx, h.config.CheckTimeout)
			defer cancel()

			status := &CheckStatus{
				Name:      name,
				Status:    statusHealthy,
				Critical:  c.critical,
				LastCheck: time.Now(),
			}
			if err := c.checker.HealthCheck(checkCtx); err != nil {
				status.Error = err.Error()
				if c.critical {
					status.Status = statusUnhealthy
				} else {
					status.Status = statusDegraded
				}
			}

			mu.Lock()
			response.Checks[name] = status
			switch status.Status {
			case statusUnhealthy:
				response.Status = statusUnhealthy
			case statusDegraded:
				if response.Status == statusHealthy {
					response.Status = statusDegraded
				}
			}
			mu.Unlock()
		}(name, c)
	}

	wg.Wait()
	return response
}

// IsHealthy reports whether no check at all is failing.
func (h *HealthChecker) IsHealthy(ctx context.Context) bool {
	return h.Check(ctx).Status == statusHealthy
}

// HealthHandler serves the full aggregate report. Degraded still returns
// 200; only unhealthy flips to 503.
func (h *HealthChecker) HealthHandler(w http.ResponseWriter, r *http.Request) {
	response := h.Check(r.Context())

	code := http.StatusOK
	if response.Status == statusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	h.write(w, code, response)
}

// LivenessHandler answers 200 whenever the process is running.
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	h.write(w, http.StatusOK, &Response{
		Status:    statusHealthy,
		Service:   h.config.ServiceName,
		Version:   h.config.ServiceVersion,
		Timestamp: time.Now(),
		Uptime:    time.Since(h.started).Round(time.Second).String(),
	})
}

// ReadinessHandler answers 503 only when a critical dependency is down.
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	response := h.Check(r.Context())

	code := http.StatusOK
	if response.Status == statusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	h.write(w, code, response)
}

func (h *HealthChecker) write(w http.ResponseWriter, code int, response *Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(response)
}
