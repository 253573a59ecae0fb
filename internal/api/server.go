package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/jordanhubbard/nyx/internal/auth"
	"github.com/jordanhubbard/nyx/internal/cache"
	"github.com/jordanhubbard/nyx/internal/feedback"
	"github.com/jordanhubbard/nyx/internal/logging"
	"github.com/jordanhubbard/nyx/internal/messagebus"
	"github.com/jordanhubbard/nyx/internal/metrics"
	"github.com/jordanhubbard/nyx/internal/plugin"
	"github.com/jordanhubbard/nyx/internal/provider"
	"github.com/jordanhubbard/nyx/pkg/models"
)

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// SessionCounter reports connected websocket sessions.
type SessionCounter interface {
	SessionCount() int
}

// SessionInspector reports the live state of connected sessions.
type SessionInspector interface {
	Sessions() []models.SessionStatus
}

// Options carry the server's collaborators. Registry and Loop are required;
// the rest are optional and their routes or health checks degrade when nil.
type Options struct {
	Registry *plugin.Registry
	Loop     *feedback.Loop
	Store    Pinger
	Cache    cache.CacheBackend
	Bus      messagebus.Bus
	Watchdog *provider.HealthWatchdog
	Logs     *logging.Manager
	Auth     *auth.Authenticator
	Metrics  *metrics.Metrics

	// Gateway is mounted at /ws.
	Gateway    http.Handler
	Sessions   SessionCounter
	Dispatcher SessionInspector

	AllowedOrigins []string
	Version        string
}

// Server represents the HTTP API server
type Server struct {
	opts Options
	log  zerolog.Logger
}

// NewServer creates a new API server
func NewServer(opts Options) *Server {
	return &Server{opts: opts, log: logging.Component("api")}
}

// SetupRoutes configures HTTP routes
func (s *Server) SetupRoutes() http.Handler {
	mux := http.NewServeMux()

	// Health
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/health/live", s.handleHealthLive)
	mux.HandleFunc("/health/ready", s.handleHealthReady)

	// Modules
	mux.HandleFunc("/api/v1/modules", s.handleModules)
	mux.HandleFunc("/api/v1/modules/", s.handleModule)

	// Learning state
	mux.HandleFunc("/api/v1/stats", s.handleStats)
	mux.HandleFunc("/api/v1/weights", s.handleWeights)
	if s.opts.Dispatcher != nil {
		mux.HandleFunc("/api/v1/sessions", s.handleSessions)
	}
	if s.opts.Cache != nil {
		mux.HandleFunc("/api/v1/cache", s.handleCache)
	}

	// Logs
	if s.opts.Logs != nil {
		mux.HandleFunc("/api/v1/logs", s.handleLogsRecent)
	}

	if s.opts.Metrics != nil {
		mux.Handle("/metrics", promhttp.Handler())
	}

	// Apply middleware; CORS is outermost so preflights skip auth.
	var handler http.Handler = mux
	handler = s.metricsMiddleware(handler)
	if s.opts.Auth != nil {
		handler = s.opts.Auth.Middleware(isPublic)(handler)
	}
	handler = s.corsMiddleware(handler)

	if s.opts.Gateway == nil {
		return handler
	}

	// The upgrade hijacks the connection, so /ws bypasses the middleware
	// that wraps the ResponseWriter. The gateway authorizes on its own.
	root := http.NewServeMux()
	root.Handle("/ws", s.opts.Gateway)
	root.Handle("/", handler)
	return root
}

func isPublic(path string) bool {
	return path == "/health" || strings.HasPrefix(path, "/health/") || path == "/metrics"
}

// Middleware

// metricsMiddleware records request counts and latency.
func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	if s.opts.Metrics == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.opts.Metrics.RecordHTTPRequest(r.Method, routeLabel(r.URL.Path), strconv.Itoa(rec.status), time.Since(start).Seconds())
	})
}

// routeLabel collapses per-module paths to keep label cardinality bounded.
func routeLabel(path string) string {
	if strings.HasPrefix(path, "/api/v1/modules/") {
		return "/api/v1/modules/{name}"
	}
	return path
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// corsMiddleware handles CORS headers
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.opts.AllowedOrigins) > 0 {
			origin := r.Header.Get("Origin")
			for _, allowedOrigin := range s.opts.AllowedOrigins {
				if allowedOrigin == "*" || allowedOrigin == origin {
					w.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
					break
				}
			}
		}

		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Helper functions

// respondJSON writes a JSON response
func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Debug().Err(err).Msg("failed to encode response")
	}
}

// respondError writes an error response
func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}

// extractID extracts ID from URL path
func (s *Server) extractID(path, prefix string) (string, string) {
	rest := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	id, action, _ := strings.Cut(rest, "/")
	return id, action
}
