package http

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"callpilot/pkg/version"

	"github.com/sirupsen/logrus"
)

const healthCheckTimeout = 2 * time.Second

// HealthStatus represents the health status of the service
type HealthStatus struct {
	Status    string                 `json:"status"`
	Timestamp string                 `json:"timestamp"`
	Uptime    string                 `json:"uptime"`
	Version   string                 `json:"version"`
	Checks    map[string]CheckResult `json:"checks"`
	System    SystemInfo             `json:"system"`
}

// CheckResult represents an individual health check result
type CheckResult struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// SystemInfo contains system resource information
type SystemInfo struct {
	GoRoutines int    `json:"goroutines"`
	MemoryMB   uint64 `json:"memory_mb"`
	CPUCount   int    `json:"cpu_count"`
	LiveCalls  int    `json:"live_calls"`
}

type healthCheck struct {
	name     string
	critical bool
	check    func(ctx context.Context) error
}

// AddHealthCheck registers a dependency check. A failing critical check marks
// the service unhealthy and not ready; other failures only degrade it.
func (s *Server) AddHealthCheck(name string, critical bool, check func(ctx context.Context) error) {
	s.checksMu.Lock()
	defer s.checksMu.Unlock()
	s.checks = append(s.checks, healthCheck{name: name, critical: critical, check: check})
}

// runChecks evaluates every registered check and returns the overall status
func (s *Server) runChecks(ctx context.Context) (string, map[string]CheckResult) {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	s.checksMu.RLock()
	checks := append([]healthCheck(nil), s.checks...)
	s.checksMu.RUnlock()

	status := "healthy"
	results := make(map[string]CheckResult, len(checks))
	for _, c := range checks {
		if err := c.check(ctx); err != nil {
			result := CheckResult{Status: "degraded", Message: err.Error()}
			if c.critical {
				result.Status = "unhealthy"
				status = "unhealthy"
			} else if status == "healthy" {
				status = "degraded"
			}
			results[c.name] = result
			continue
		}
		results[c.name] = CheckResult{Status: "healthy"}
	}
	return status, results
}

// HealthHandler handles health check requests
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	status, checks := s.runChecks(r.Context())
	health := HealthStatus{
		Status:    status,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
		Version:   version.Version,
		Checks:    checks,
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	health.System.GoRoutines = runtime.NumGoroutine()
	health.System.MemoryMB = m.Alloc / 1024 / 1024
	health.System.CPUCount = runtime.NumCPU()
	if count, err := s.liveCalls(r.Context()); err == nil {
		health.System.LiveCalls = count
	}

	if r.URL.Query().Get("detailed") == "true" {
		s.logger.WithFields(logrus.Fields{
			"status":   health.Status,
			"checks":   health.Checks,
			"duration": time.Since(startTime),
		}).Debug("Health check performed")
	}

	statusCode := http.StatusOK
	if health.Status == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, health)
}

// LivenessHandler handles the liveness probe
func (s *Server) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// ReadinessHandler reports ready while every critical check passes
func (s *Server) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	status, _ := s.runChecks(r.Context())
	if status == "unhealthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("not ready"))
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ready"))
}
