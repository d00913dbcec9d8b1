package http

import (
	"net/http"
	"runtime"
	"sort"
	"time"

	"voice-companion/pkg/version"
)

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
}

// runChecks evaluates every registered check in name order
func (s *Server) runChecks() (map[string]CheckResult, bool) {
	s.checksMu.RLock()
	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	checks := make(map[string]HealthCheck, len(s.checks))
	for name, check := range s.checks {
		checks[name] = check
	}
	s.checksMu.RUnlock()
	sort.Strings(names)

	results := make(map[string]CheckResult, len(names))
	healthy := true
	for _, name := range names {
		if err := checks[name](); err != nil {
			results[name] = CheckResult{Status: "unhealthy", Message: err.Error()}
			healthy = false
			continue
		}
		results[name] = CheckResult{Status: "healthy"}
	}
	return results, healthy
}

// HealthHandler handles health check requests
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	checks, healthy := s.runChecks()

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	health := HealthStatus{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
		Version:   version.Version,
		Checks:    checks,
		System: SystemInfo{
			GoRoutines: runtime.NumGoroutine(),
			MemoryMB:   mem.Alloc / 1024 / 1024,
			CPUCount:   runtime.NumCPU(),
		},
	}

	status := http.StatusOK
	if !healthy {
		health.Status = "unhealthy"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

// LivenessHandler reports that the process is serving requests
func (s *Server) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// ReadinessHandler reports whether every dependency check passes
func (s *Server) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	checks, healthy := s.runChecks()
	if !healthy {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status": "not_ready",
			"checks": checks,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ready",
		"checks": checks,
	})
}
