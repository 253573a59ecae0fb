package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/jordanhubbard/nyx/internal/api"
	"github.com/jordanhubbard/nyx/internal/arbiter"
	"github.com/jordanhubbard/nyx/internal/auth"
	"github.com/jordanhubbard/nyx/internal/cache"
	"github.com/jordanhubbard/nyx/internal/database"
	"github.com/jordanhubbard/nyx/internal/dispatch"
	"github.com/jordanhubbard/nyx/internal/escalation"
	"github.com/jordanhubbard/nyx/internal/executor"
	"github.com/jordanhubbard/nyx/internal/feedback"
	"github.com/jordanhubbard/nyx/internal/gateway"
	"github.com/jordanhubbard/nyx/internal/logging"
	"github.com/jordanhubbard/nyx/internal/matcher"
	"github.com/jordanhubbard/nyx/internal/messagebus"
	"github.com/jordanhubbard/nyx/internal/metrics"
	"github.com/jordanhubbard/nyx/internal/modules"
	"github.com/jordanhubbard/nyx/internal/plugin"
	"github.com/jordanhubbard/nyx/internal/provider"
	"github.com/jordanhubbard/nyx/internal/stream"
	"github.com/jordanhubbard/nyx/internal/telemetry"
	"github.com/jordanhubbard/nyx/pkg/config"
	"github.com/jordanhubbard/nyx/pkg/messages"
)

const defaultConfigPath = "nyx.yaml"

func newServeCommand() *cobra.Command {
	var (
		configPath string
		port       int
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the nyx server",
		Example: `  nyx serve
  nyx serve --config /etc/nyx/nyx.yaml --port 8080`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath, cmd.Flags().Changed("config"))
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("port") {
				cfg.Server.HTTPPort = port
			}
			return runServer(cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to the YAML configuration file")
	cmd.Flags().IntVarP(&port, "port", "p", 3000, "HTTP port (overrides the configuration)")
	return cmd
}

// loadConfig reads path. A missing default file falls back to built-in
// defaults; a missing file named on the command line is an error.
func loadConfig(path string, explicit bool) (*config.Config, error) {
	if _, err := os.Stat(path); err != nil {
		if explicit || !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		cfg := config.DefaultConfig()
		cfg.ApplyEnv()
		return cfg, cfg.Validate()
	}
	return config.LoadConfigFromFile(path)
}

func runServer(cfg *config.Config) error {
	logs, closeLog, err := logging.Setup(cfg.Logging)
	if err != nil {
		return err
	}
	defer closeLog()
	log := logging.Component("server")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.NewMetrics()

	if cfg.Telemetry.Enabled {
		shutdownTelemetry, err := telemetry.Setup(ctx, cfg.Telemetry, version)
		if err != nil {
			log.Warn().Err(err).Msg("telemetry disabled")
		} else {
			defer func() {
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = shutdownTelemetry(sctx)
			}()
		}
	}

	store, err := database.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to open %s store: %w", cfg.Database.Type, err)
	}
	defer store.Close()

	// Model runtime. Left nil when escalation is disabled so the ai module
	// and the resolver both see "no runtime".
	var (
		chat     provider.StreamingChatter
		watchdog *provider.HealthWatchdog
	)
	if cfg.Escalation.Enabled {
		ollama := provider.NewOllamaClient(cfg.Escalation.Endpoint)
		chat = ollama
		watchdog = provider.NewHealthWatchdog(ollama, cfg.Escalation.HealthInterval)
		watchdog.Start()
		defer watchdog.Stop()
	}

	registry, err := buildRegistry(ctx, cfg, chat, log)
	if err != nil {
		return err
	}

	match := matcher.New(registry, matcher.Options{
		DefaultConfidence: cfg.Arbiter.DefaultConfidence,
		ClaimTimeout:      cfg.Arbiter.ClaimTimeout,
		ExecuteTimeout:    cfg.Arbiter.ModuleTimeout,
		OnFault: func(module string, err error) {
			m.ModuleFaults.WithLabelValues(module).Inc()
		},
	})

	loop, err := feedback.NewLoop(ctx, store, feedback.Options{
		Tuning: feedback.Tuning{Step: cfg.Arbiter.WeightStep, Bound: cfg.Arbiter.WeightBound},
		Resolve: func(ctx context.Context, intent string) (string, bool) {
			inst, ok := match.Resolve(ctx, intent)
			if !ok {
				return "", false
			}
			return inst.Name(), true
		},
	})
	if err != nil {
		return fmt.Errorf("failed to load learning state: %w", err)
	}

	escalationCache := openCache(cfg.Cache, log)
	if escalationCache != nil {
		defer escalationCache.Close()
	}

	var resolver dispatch.Resolver
	if chat != nil {
		resolver = escalation.New(chat, escalation.Options{
			Model:         cfg.Escalation.Model,
			Timeout:       cfg.Escalation.Timeout,
			Temperature:   cfg.Escalation.Temperature,
			MinConfidence: cfg.Escalation.MinConfidence,
			Catalog:       catalog(registry),
			Cache:         escalationCache,
			CacheTTL:      cfg.Cache.DefaultTTL,
			Metrics:       m,
		})
	}

	bus := openBus(cfg.NATS, log)
	defer bus.Close()

	d := dispatch.New(match, loop, stream.NewEmitter(m), arbiter.NewPolicy(cfg.Arbiter), dispatch.Options{
		Resolver: resolver,
		Bus:      bus,
		Metrics:  m,
	})

	authn := auth.New(cfg.Security)
	gw := gateway.New(d, gateway.Options{
		Modules:        registry.List,
		Authorize:      authn.Authenticate,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Metrics:        m,
	})

	registry.OnChange(func(c plugin.Change) {
		m.ModuleReloads.WithLabelValues(c.Name, string(c.Kind)).Inc()
		m.ModulesActive.Set(float64(len(registry.List())))
		gw.ModuleChanged(c)

		// The resolver prompt lists the modules, so cached answers go stale
		// when the set changes.
		if escalationCache != nil && c.Kind != plugin.ChangeReloaded {
			n := escalationCache.InvalidateByPattern(ctx, escalation.CacheNamespace+":")
			log.Debug().Int("removed", n).Str("module", c.Name).Msg("escalation cache invalidated")
		}
		if c.Kind == plugin.ChangeReloaded {
			pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			if err := bus.PublishEvent(pctx, messages.ModuleReloaded("registry", c.Name, c.Version)); err != nil {
				log.Debug().Err(err).Str("module", c.Name).Msg("failed to publish module.reloaded")
			}
		}
	})
	m.ModulesActive.Set(float64(len(registry.List())))

	if err := bus.SubscribeReloads(func(ev *messages.EventMessage) {
		if _, err := registry.Reload(ev.EntityID); err != nil {
			log.Warn().Err(err).Str("module", ev.EntityID).Str("source", ev.Source).Msg("reload request failed")
		}
	}); err != nil {
		log.Warn().Err(err).Msg("failed to subscribe to reload requests")
	}

	srv := api.NewServer(api.Options{
		Registry:       registry,
		Loop:           loop,
		Store:          store,
		Cache:          escalationCache,
		Bus:            bus,
		Watchdog:       watchdog,
		Logs:           logs,
		Auth:           authn,
		Metrics:        m,
		Gateway:        gw,
		Sessions:       gw,
		Dispatcher:     d,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Version:        version,
	})

	handler := otelhttp.NewHandler(srv.SetupRoutes(), "nyx-http-server")

	httpSrv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().
			Int("port", cfg.Server.HTTPPort).
			Strs("modules", registry.List()).
			Bool("escalation", resolver != nil).
			Bool("auth", authn.Enabled()).
			Msg("nyx listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)

	// Hijacked websocket connections are not covered by Shutdown.
	gw.Close()
	d.Wait()
	return nil
}

// buildRegistry registers the configured built-ins, then the manifest
// modules, and starts the hot-reload watcher.
func buildRegistry(ctx context.Context, cfg *config.Config, chat provider.StreamingChatter, log zerolog.Logger) (*plugin.Registry, error) {
	runner := executor.NewCommandRunner(cfg.Arbiter.ModuleTimeout, cfg.Modules.AllowedCommands...)

	chatModel := cfg.Escalation.ChatModel
	if chatModel == "" {
		chatModel = cfg.Escalation.Model
	}
	factories, err := modules.Builtins(cfg.Modules.Builtins, modules.Deps{
		Runner:      runner,
		Chat:        chat,
		ChatModel:   chatModel,
		Temperature: cfg.Escalation.Temperature,
	})
	if err != nil {
		return nil, err
	}

	registry := plugin.NewRegistry()
	for _, f := range factories {
		if err := registry.RegisterFactory(f); err != nil {
			return nil, err
		}
	}

	if cfg.Modules.ManifestDir == "" {
		return registry, nil
	}
	loader := plugin.NewLoader(cfg.Modules.ManifestDir, registry, modules.ManifestBuilder(runner))
	if faults := loader.LoadAll(); len(faults) > 0 {
		log.Warn().Int("faults", len(faults)).Str("dir", loader.Dir()).Msg("some module manifests were skipped")
	}

	if cfg.Modules.HotReload {
		w, err := plugin.NewWatcher(loader)
		if err != nil {
			log.Warn().Err(err).Msg("hot reload disabled")
			return registry, nil
		}
		if err := w.Start(ctx); err != nil {
			log.Warn().Err(err).Str("dir", loader.Dir()).Msg("hot reload disabled")
			return registry, nil
		}
		go func() {
			<-ctx.Done()
			w.Stop()
		}()
	}
	return registry, nil
}

func catalog(registry *plugin.Registry) escalation.Catalog {
	return func() []escalation.Capability {
		instances := registry.Snapshot()
		caps := make([]escalation.Capability, 0, len(instances))
		for _, inst := range instances {
			caps = append(caps, escalation.Capability{Name: inst.Name(), Description: inst.Module.Description()})
		}
		return caps
	}
}

// openCache returns nil when caching is disabled. An unreachable Redis
// degrades to the in-process cache.
func openCache(cfg config.CacheConfig, log zerolog.Logger) cache.CacheBackend {
	if !cfg.Enabled {
		return nil
	}
	cc := &cache.Config{
		Enabled:       true,
		DefaultTTL:    cfg.DefaultTTL,
		MaxSize:       cfg.MaxSize,
		CleanupPeriod: cfg.CleanupPeriod,
	}
	if cfg.Backend == "redis" {
		rc, err := cache.NewRedisCache(cfg.RedisURL, cc)
		if err == nil {
			return cache.NewFromRedis(rc)
		}
		log.Warn().Err(err).Msg("redis unavailable, using in-memory cache")
	}
	return cache.New(cc)
}

// openBus connects to NATS when enabled and falls back to an in-process bus,
// which still delivers reload requests to this instance.
func openBus(cfg config.NATSConfig, log zerolog.Logger) messagebus.Bus {
	if cfg.Enabled {
		nb, err := messagebus.NewNatsMessageBus(messagebus.Config{
			URL:        cfg.URL,
			StreamName: cfg.StreamName,
			Timeout:    cfg.Timeout,
		})
		if err == nil {
			return nb
		}
		log.Warn().Err(err).Str("url", cfg.URL).Msg("NATS unavailable, using in-process bus")
	}
	return messagebus.NewMemoryBus(100)
}
