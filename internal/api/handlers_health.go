package api

import (
	"context"
	"net/http"
	"os"
	"runtime"
	"time"
)

// HealthStatus represents the overall health status.
type HealthStatus struct {
	Status       string                 `json:"status"`
	Modules      []string               `json:"modules"`
	Timestamp    time.Time              `json:"timestamp"`
	InstanceID   string                 `json:"instance_id,omitempty"`
	Uptime       int64                  `json:"uptime_seconds"`
	Version      string                 `json:"version,omitempty"`
	Sessions     int                    `json:"sessions"`
	Dependencies map[string]DepHealth   `json:"dependencies,omitempty"`
	Metrics      map[string]interface{} `json:"metrics,omitempty"`
}

// DepHealth represents the health of a dependency.
type DepHealth struct {
	Status  string `json:"status"` // "healthy", "unhealthy", "unknown"
	Message string `json:"message,omitempty"`
	Latency int64  `json:"latency_ms,omitempty"`
}

const (
	statusHealthy   = "healthy"
	statusUnhealthy = "unhealthy"
	statusUnknown   = "unknown"
)

var (
	startTime  = time.Now()
	instanceID = getInstanceID()
)

// handleHealth handles GET /health: process status and the active modules.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	metrics := map[string]interface{}{
		"goroutines":   runtime.NumGoroutine(),
		"memory_alloc": mem.Alloc,
		"gc_runs":      mem.NumGC,
	}
	if s.opts.Cache != nil {
		stats := s.opts.Cache.GetStats(ctx)
		metrics["cache_hits"] = stats.Hits
		metrics["cache_misses"] = stats.Misses
		metrics["cache_hit_rate"] = stats.HitRate
	}

	status := HealthStatus{
		Status:     "ok",
		Modules:    s.moduleNames(),
		Timestamp:  time.Now(),
		InstanceID: instanceID,
		Uptime:     int64(time.Since(startTime).Seconds()),
		Version:    s.opts.Version,
		Metrics:    metrics,
	}
	if s.opts.Sessions != nil {
		status.Sessions = s.opts.Sessions.SessionCount()
	}
	s.respondJSON(w, http.StatusOK, status)
}

// handleHealthLive handles GET /health/live. Returns 200 while the process
// is running.
func (s *Server) handleHealthLive(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "alive",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

// handleHealthReady handles GET /health/ready. Only the store is critical;
// the resolver, bus and cache degrade gracefully.
func (s *Server) handleHealthReady(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	deps := s.checkDependencies(ctx)
	ready := deps["database"].Status != statusUnhealthy

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	s.respondJSON(w, status, map[string]interface{}{
		"ready":        ready,
		"timestamp":    time.Now().Format(time.RFC3339),
		"dependencies": deps,
	})
}

// checkDependencies checks the health of all dependencies.
func (s *Server) checkDependencies(ctx context.Context) map[string]DepHealth {
	deps := map[string]DepHealth{
		"database": s.checkDatabase(ctx),
		"resolver": s.checkResolver(),
	}
	if s.opts.Bus != nil {
		deps["nats"] = timed(func() error { return s.opts.Bus.Health() })
	}
	if s.opts.Cache != nil {
		deps["cache"] = timed(func() error { return s.opts.Cache.Ping(ctx) })
	}
	return deps
}

// checkDatabase checks database connectivity.
func (s *Server) checkDatabase(ctx context.Context) DepHealth {
	if s.opts.Store == nil {
		return DepHealth{Status: statusUnknown, Message: "database not configured"}
	}
	return timed(func() error { return s.opts.Store.Ping(ctx) })
}

// checkResolver reports the watchdog's last observation rather than
// probing the model runtime on every request.
func (s *Server) checkResolver() DepHealth {
	if s.opts.Watchdog == nil {
		return DepHealth{Status: statusUnknown, Message: "escalation disabled"}
	}
	st := s.opts.Watchdog.Status()
	if st.CheckedAt.IsZero() {
		return DepHealth{Status: statusUnknown, Message: "not checked yet"}
	}
	if !st.Healthy {
		return DepHealth{Status: statusUnhealthy, Message: st.Error}
	}
	return DepHealth{Status: statusHealthy, Latency: st.Latency.Milliseconds()}
}

func timed(check func() error) DepHealth {
	start := time.Now()
	if err := check(); err != nil {
		return DepHealth{Status: statusUnhealthy, Message: err.Error()}
	}
	return DepHealth{Status: statusHealthy, Latency: time.Since(start).Milliseconds()}
}

func getInstanceID() string {
	if id := os.Getenv("NYX_INSTANCE_ID"); id != "" {
		return id
	}
	if host, err := os.Hostname(); err == nil {
		return host
	}
	return ""
}
