package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/jordanhubbard/nyx/internal/escalation"
	"github.com/jordanhubbard/nyx/internal/logging"
	"github.com/jordanhubbard/nyx/internal/plugin"
	"github.com/jordanhubbard/nyx/pkg/messages"
	"github.com/jordanhubbard/nyx/pkg/models"
)

// ModuleInfo describes one active module.
type ModuleInfo struct {
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Version     int       `json:"version"`
	Position    int       `json:"position"`
	Streaming   bool      `json:"streaming"`
	LoadedAt    time.Time `json:"loadedAt"`
}

func (s *Server) moduleNames() []string {
	names := s.opts.Registry.List()
	if names == nil {
		names = []string{}
	}
	return names
}

// handleModules handles GET /api/v1/modules
func (s *Server) handleModules(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	instances := s.opts.Registry.Snapshot()
	modules := make([]ModuleInfo, 0, len(instances))
	for _, inst := range instances {
		modules = append(modules, moduleInfo(inst))
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"modules": modules,
		"count":   len(modules),
	})
}

// handleModule handles GET /api/v1/modules/{name} and
// POST /api/v1/modules/{name}/reload
func (s *Server) handleModule(w http.ResponseWriter, r *http.Request) {
	name, action := s.extractID(r.URL.Path, "/api/v1/modules")
	if name == "" {
		s.respondError(w, http.StatusNotFound, "module name required")
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		inst, err := s.opts.Registry.Get(name)
		if err != nil {
			s.respondError(w, http.StatusNotFound, err.Error())
			return
		}
		s.respondJSON(w, http.StatusOK, moduleInfo(inst))

	case action == "reload" && r.Method == http.MethodPost:
		s.reloadModule(w, r, name)

	case action == "" || action == "reload":
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)

	default:
		s.respondError(w, http.StatusNotFound, "unknown action: "+action)
	}
}

// reloadModule publishes a reload request so every instance sharing the bus
// reloads the module. Without a bus the local registry reloads directly.
func (s *Server) reloadModule(w http.ResponseWriter, r *http.Request, name string) {
	if !s.opts.Registry.Has(name) {
		s.respondError(w, http.StatusNotFound, "module not found: "+name)
		return
	}

	if s.opts.Bus != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := s.opts.Bus.PublishEvent(ctx, messages.ReloadRequested("api", name)); err != nil {
			s.log.Warn().Err(err).Str("module", name).Msg("failed to publish reload request")
			s.respondError(w, http.StatusBadGateway, "failed to publish reload request")
			return
		}
		s.respondJSON(w, http.StatusAccepted, map[string]string{"module": name, "status": "reload requested"})
		return
	}

	inst, err := s.opts.Registry.Reload(name)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, plugin.ErrModuleNotFound) {
			status = http.StatusNotFound
		}
		s.respondError(w, status, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, moduleInfo(inst))
}

func moduleInfo(inst *plugin.Instance) ModuleInfo {
	_, streaming := inst.Module.(plugin.Streamer)
	return ModuleInfo{
		Name:        inst.Name(),
		Description: inst.Module.Description(),
		Version:     inst.Version,
		Position:    inst.Position,
		Streaming:   streaming,
		LoadedAt:    inst.LoadedAt,
	}
}

// handleStats handles GET /api/v1/stats
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	totals := s.opts.Loop.Totals()
	stats := map[string]interface{}{
		"totalCommands":  totals.TotalCommands,
		"mostUsedModule": totals.LastModule,
		"activeSessions": s.opts.Loop.ActiveSessions(),
	}
	if !totals.LastExecutedAt.IsZero() {
		stats["lastExecutedAt"] = totals.LastExecutedAt
	}
	if s.opts.Cache != nil {
		stats["cache"] = s.opts.Cache.GetStats(r.Context())
	}
	s.respondJSON(w, http.StatusOK, stats)
}

// handleSessions handles GET /api/v1/sessions
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	sessions := s.opts.Dispatcher.Sessions()
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

// handleCache handles GET /api/v1/cache and DELETE /api/v1/cache[?model=name].
// A delete without a model drops every cached resolver result.
func (s *Server) handleCache(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	switch r.Method {
	case http.MethodGet:
		s.respondJSON(w, http.StatusOK, s.opts.Cache.GetStats(ctx))

	case http.MethodDelete:
		var removed int
		if model := r.URL.Query().Get("model"); model != "" {
			removed = s.opts.Cache.InvalidateByModel(ctx, model)
		} else {
			removed = s.opts.Cache.InvalidateByPattern(ctx, escalation.CacheNamespace+":")
		}
		s.log.Info().Int("removed", removed).Str("model", r.URL.Query().Get("model")).Msg("escalation cache invalidated")
		s.respondJSON(w, http.StatusOK, map[string]int{"removed": removed})

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleWeights handles GET /api/v1/weights[?module=name]
func (s *Server) handleWeights(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	module := r.URL.Query().Get("module")
	all := s.opts.Loop.Weights()
	weights := make([]models.ConfidenceWeight, 0, len(all))
	for _, cw := range all {
		if module == "" || cw.ModuleName == module {
			weights = append(weights, cw)
		}
	}

	tuning := s.opts.Loop.Tuning()
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"weights": weights,
		"count":   len(weights),
		"step":    tuning.Step,
		"bound":   tuning.Bound,
	})
}

// handleLogsRecent handles GET /api/v1/logs?limit=&level=&component=
func (s *Server) handleLogsRecent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit := 100
	if l, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && l > 0 {
		limit = l
	}
	level := r.URL.Query().Get("level")
	component := r.URL.Query().Get("component")

	logs := s.opts.Logs.Recent(limit, level, component)
	if logs == nil {
		logs = []logging.LogEntry{}
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"logs":  logs,
		"count": len(logs),
	})
}
