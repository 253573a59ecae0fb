package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the main configuration for the nyx service.
type Config struct {
	Server     ServerConfig     `yaml:"server" json:"server"`
	Arbiter    ArbiterConfig    `yaml:"arbiter" json:"arbiter"`
	Escalation EscalationConfig `yaml:"escalation" json:"escalation"`
	Modules    ModulesConfig    `yaml:"modules" json:"modules"`
	Database   DatabaseConfig   `yaml:"database" json:"database"`
	Cache      CacheConfig      `yaml:"cache" json:"cache"`
	NATS       NATSConfig       `yaml:"nats" json:"nats"`
	Security   SecurityConfig   `yaml:"security" json:"security"`
	Logging    LoggingConfig    `yaml:"logging" json:"logging"`
	Telemetry  TelemetryConfig  `yaml:"telemetry" json:"telemetry"`
}

// ServerConfig configures the HTTP server that carries both the health
// surface and the websocket gateway.
type ServerConfig struct {
	HTTPPort       int           `yaml:"http_port" json:"http_port"`
	ReadTimeout    time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout" json:"write_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
	AllowedOrigins []string      `yaml:"allowed_origins" json:"allowed_origins,omitempty"`
}

// ArbiterConfig holds the confidence bands and the learning step.
// All values are on the 0-100 confidence scale.
type ArbiterConfig struct {
	AutoExecuteThreshold int           `yaml:"auto_execute_threshold" json:"auto_execute_threshold"`
	ConfirmThreshold     int           `yaml:"confirm_threshold" json:"confirm_threshold"`
	WeightStep           int           `yaml:"weight_step" json:"weight_step"`
	WeightBound          int           `yaml:"weight_bound" json:"weight_bound"`
	DefaultConfidence    int           `yaml:"default_confidence" json:"default_confidence"`
	ModuleTimeout        time.Duration `yaml:"module_timeout" json:"module_timeout"` // bounds one Execute
	ClaimTimeout         time.Duration `yaml:"claim_timeout" json:"claim_timeout"`   // bounds CanHandle plus Estimate
}

// EscalationConfig configures the secondary language-model resolver.
type EscalationConfig struct {
	Enabled        bool          `yaml:"enabled" json:"enabled"`
	Endpoint       string        `yaml:"endpoint" json:"endpoint"`
	Model          string        `yaml:"model" json:"model"`
	ChatModel      string        `yaml:"chat_model" json:"chat_model,omitempty"` // model for the streaming ai module; defaults to Model
	Timeout        time.Duration `yaml:"timeout" json:"timeout"`
	Temperature    float64       `yaml:"temperature" json:"temperature"`
	MinConfidence  int           `yaml:"min_confidence" json:"min_confidence"`
	HealthInterval time.Duration `yaml:"health_interval" json:"health_interval"`
}

// ModulesConfig configures which modules are loaded and how.
type ModulesConfig struct {
	ManifestDir string   `yaml:"manifest_dir" json:"manifest_dir"`
	Builtins    []string `yaml:"builtins" json:"builtins"`
	HotReload   bool     `yaml:"hot_reload" json:"hot_reload"`
	// AllowedCommands extends the executor allowlist for manifest modules.
	AllowedCommands []string `yaml:"allowed_commands" json:"allowed_commands,omitempty"`
}

// DatabaseConfig configures the feedback/weight/stats store.
type DatabaseConfig struct {
	Type string `yaml:"type" json:"type"` // "memory", "sqlite", "postgres"
	Path string `yaml:"path" json:"path"` // For SQLite
	DSN  string `yaml:"dsn" json:"dsn"`   // For Postgres
}

// CacheConfig configures the escalation result cache.
type CacheConfig struct {
	Enabled       bool          `yaml:"enabled" json:"enabled"`
	Backend       string        `yaml:"backend" json:"backend"` // "memory" or "redis"
	DefaultTTL    time.Duration `yaml:"default_ttl" json:"default_ttl"`
	MaxSize       int           `yaml:"max_size" json:"max_size"`
	CleanupPeriod time.Duration `yaml:"cleanup_period" json:"cleanup_period"`
	RedisURL      string        `yaml:"redis_url" json:"redis_url,omitempty"`
}

// NATSConfig configures the event bus.
type NATSConfig struct {
	Enabled    bool          `yaml:"enabled" json:"enabled"`
	URL        string        `yaml:"url" json:"url"`
	StreamName string        `yaml:"stream_name" json:"stream_name"`
	Timeout    time.Duration `yaml:"timeout" json:"timeout"`
}

// SecurityConfig configures authentication for the admin API and gateway.
type SecurityConfig struct {
	EnableAuth bool     `yaml:"enable_auth" json:"enable_auth"`
	APIKeys    []string `yaml:"api_keys,omitempty" json:"-"`
	JWTSecret  string   `yaml:"jwt_secret" json:"-"`
}

// LoggingConfig configures zerolog output.
type LoggingConfig struct {
	Level      string `yaml:"level" json:"level"`
	Format     string `yaml:"format" json:"format"` // "json" or "console"
	File       string `yaml:"file" json:"file,omitempty"`
	BufferSize int    `yaml:"buffer_size" json:"buffer_size"`
}

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled" json:"enabled"`
	Endpoint    string `yaml:"endpoint" json:"endpoint"`
	ServiceName string `yaml:"service_name" json:"service_name"`
	// SampleRatio is the fraction of root traces kept; 0 or 1 keeps all.
	SampleRatio float64 `yaml:"sample_ratio" json:"sample_ratio"`
}

// LoadConfigFromFile loads configuration from a YAML file at the specified
// path. Values not present in the file keep their defaults.
func LoadConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables (e.g. ${NYX_DATABASE_DSN}) before parsing YAML
	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	cfg.ApplyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides selected settings from the environment.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("NYX_OLLAMA_ENDPOINT"); v != "" {
		c.Escalation.Endpoint = v
	}
	if v := os.Getenv("NYX_DATABASE_DSN"); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		c.Telemetry.Endpoint = v
	}
}

// Validate checks for values that would make the arbiter or the stores
// misbehave.
func (c *Config) Validate() error {
	a := c.Arbiter
	if a.ConfirmThreshold < 0 || a.ConfirmThreshold > 100 {
		return fmt.Errorf("arbiter.confirm_threshold must be within [0,100], got %d", a.ConfirmThreshold)
	}
	if a.AutoExecuteThreshold < 0 || a.AutoExecuteThreshold > 100 {
		return fmt.Errorf("arbiter.auto_execute_threshold must be within [0,100], got %d", a.AutoExecuteThreshold)
	}
	if a.ConfirmThreshold > a.AutoExecuteThreshold {
		return fmt.Errorf("arbiter.confirm_threshold (%d) exceeds auto_execute_threshold (%d)", a.ConfirmThreshold, a.AutoExecuteThreshold)
	}
	if a.WeightStep <= 0 {
		return fmt.Errorf("arbiter.weight_step must be positive")
	}
	if a.WeightBound <= 0 {
		return fmt.Errorf("arbiter.weight_bound must be positive")
	}
	if a.DefaultConfidence < 0 || a.DefaultConfidence > 100 {
		return fmt.Errorf("arbiter.default_confidence must be within [0,100], got %d", a.DefaultConfidence)
	}
	if a.ModuleTimeout < 0 || a.ClaimTimeout < 0 {
		return fmt.Errorf("arbiter timeouts must not be negative")
	}

	switch c.Database.Type {
	case "memory", "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported database type: %s", c.Database.Type)
	}
	if c.Database.Type == "postgres" && c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required for postgres")
	}

	switch c.Cache.Backend {
	case "", "memory", "redis":
	default:
		return fmt.Errorf("unsupported cache backend: %s", c.Cache.Backend)
	}
	if c.Cache.Enabled && c.Cache.Backend == "redis" && c.Cache.RedisURL == "" {
		return fmt.Errorf("cache.redis_url is required for the redis backend")
	}
	if r := c.Telemetry.SampleRatio; r < 0 || r > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be within [0,1], got %g", r)
	}
	return nil
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:       3000,
			ReadTimeout:    30 * time.Second,
			WriteTimeout:   30 * time.Second,
			IdleTimeout:    120 * time.Second,
			AllowedOrigins: []string{"*"},
		},
		Arbiter: ArbiterConfig{
			AutoExecuteThreshold: 90,
			ConfirmThreshold:     70,
			WeightStep:           10,
			WeightBound:          30,
			DefaultConfidence:    100,
			ModuleTimeout:        5 * time.Second,
			ClaimTimeout:         2 * time.Second,
		},
		Escalation: EscalationConfig{
			Enabled:        true,
			Endpoint:       "http://localhost:11434",
			Model:          "llama3.2",
			Timeout:        30 * time.Second,
			Temperature:    0.2,
			MinConfidence:  40,
			HealthInterval: time.Minute,
		},
		Modules: ModulesConfig{
			ManifestDir: "./modules",
			Builtins:    []string{"system", "notes", "ai"},
			HotReload:   true,
		},
		Database: DatabaseConfig{
			Type: "sqlite",
			Path: "./nyx.db",
		},
		Cache: CacheConfig{
			Enabled:       true,
			Backend:       "memory",
			DefaultTTL:    time.Hour,
			MaxSize:       1000,
			CleanupPeriod: 5 * time.Minute,
		},
		NATS: NATSConfig{
			Enabled:    false,
			URL:        "nats://localhost:4222",
			StreamName: "NYX",
			Timeout:    10 * time.Second,
		},
		Security: SecurityConfig{
			EnableAuth: false,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "console",
			BufferSize: 1000,
		},
		Telemetry: TelemetryConfig{
			Enabled:     false,
			Endpoint:    "localhost:4317",
			ServiceName: "nyx",
			SampleRatio: 1,
		},
	}
}
