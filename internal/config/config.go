package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Executor ExecutorConfig `yaml:"executor"`
	Database DatabaseConfig `yaml:"database"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Security SecurityConfig `yaml:"security"`
	TLS      TLSConfig      `yaml:"tls"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxRequestBody  int64         `yaml:"max_request_body_bytes"`
}

// ExecutorConfig controls how scripts are materialized, spawned and stopped.
type ExecutorConfig struct {
	Shell            string        `yaml:"shell"`         // interpreter name or path, "bash" by default
	LineBuffered     bool          `yaml:"line_buffered"` // wrap the shell in stdbuf -oL -eL when available
	ArtifactDir      string        `yaml:"artifact_dir"`  // where script_<id>.sh files live; empty means $TMPDIR/scriptd
	StopGrace        time.Duration `yaml:"stop_grace"`
	WaitDelay        time.Duration `yaml:"wait_delay"`
	SinkWriteTimeout time.Duration `yaml:"sink_write_timeout"`
	MaxOutputBytes   int64         `yaml:"max_output_bytes"` // per stream, 0 means unlimited
	ReconcileOnStart bool          `yaml:"reconcile_on_start"`
}

type DatabaseConfig struct {
	Driver          string        `yaml:"driver"` // "postgres" or "sqlite"
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type SecurityConfig struct {
	APIKeyHeader         string   `yaml:"api_key_header"`
	AllowedKeys          []string `yaml:"allowed_keys"`
	AllowUnauthenticated bool     `yaml:"allow_unauthenticated"`
	RateLimitRPS         float64  `yaml:"rate_limit_rps"`
	RateLimitBurst       int      `yaml:"rate_limit_burst"`
	AllowedOrigins       []string `yaml:"allowed_origins"`
}

// TLSConfig controls HTTPS/TLS termination.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path)) // #nosec G304 -- path comes from env or hardcoded default
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault loads path if it exists and falls back to DefaultConfig otherwise.
// Environment overrides are applied in both cases.
func LoadOrDefault(path string) (*Config, error) {
	var cfg *Config
	if _, err := os.Stat(path); err == nil {
		cfg, err = Load(path)
		if err != nil {
			return nil, err
		}
	} else {
		log.Info().Str("path", path).Msg("config file not found, using defaults")
		cfg = DefaultConfig()
	}

	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides selected settings from the environment.
// DATABASE_URL selects postgres unless it points at a sqlite file.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if v := getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PORT: %w", err)
		}
		c.Server.Port = port
	}
	if v := getenv("DATABASE_URL"); v != "" {
		switch {
		case strings.HasPrefix(v, "sqlite://"):
			c.Database.Driver = "sqlite"
			c.Database.DSN = strings.TrimPrefix(v, "sqlite://")
		case strings.HasPrefix(v, "file:"):
			c.Database.Driver = "sqlite"
			c.Database.DSN = v
		default:
			c.Database.Driver = "postgres"
			c.Database.DSN = v
		}
	}
	if v := getenv("SCRIPTD_ARTIFACT_DIR"); v != "" {
		c.Executor.ArtifactDir = v
	}
	return nil
}

// DefaultConfig returns sensible defaults for all configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8000,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second, // streaming handlers clear their own deadline
			ShutdownTimeout: 30 * time.Second,
			MaxRequestBody:  1 << 20, // 1MB
		},
		Executor: ExecutorConfig{
			Shell:            "bash",
			LineBuffered:     true,
			StopGrace:        5 * time.Second,
			WaitDelay:        2 * time.Second,
			SinkWriteTimeout: 10 * time.Second,
			ReconcileOnStart: true,
		},
		Database: DatabaseConfig{
			Driver:          "sqlite",
			DSN:             "scriptd.db",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Security: SecurityConfig{
			APIKeyHeader:   "X-API-Key",
			RateLimitRPS:   100,
			RateLimitBurst: 200,
			AllowedOrigins: []string{"http://localhost:5173", "http://localhost:3000"},
		},
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("database.driver must be postgres or sqlite, got %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if c.Executor.Shell == "" {
		return fmt.Errorf("executor.shell is required")
	}
	if c.Executor.StopGrace < 0 {
		return fmt.Errorf("executor.stop_grace must be >= 0")
	}
	if c.Executor.WaitDelay < 0 {
		return fmt.Errorf("executor.wait_delay must be >= 0")
	}
	if c.Executor.MaxOutputBytes < 0 {
		return fmt.Errorf("executor.max_output_bytes must be >= 0")
	}
	if c.Executor.ArtifactDir != "" && !filepath.IsAbs(c.Executor.ArtifactDir) {
		return fmt.Errorf("executor.artifact_dir: %q must be an absolute path", c.Executor.ArtifactDir)
	}
	if c.TLS.Enabled {
		if c.TLS.CertFile == "" || c.TLS.KeyFile == "" {
			return fmt.Errorf("tls.cert_file and tls.key_file are required when TLS is enabled")
		}
	}
	if c.Database.Driver == "postgres" && strings.Contains(c.Database.DSN, "sslmode=disable") {
		log.Warn().Msg("database DSN has sslmode=disable, connections to Postgres are unencrypted")
	}
	return nil
}

// Address returns the listen address string.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// ArtifactDir returns the configured artifact directory or a scriptd
// directory under the OS temp dir.
func (c *Config) ArtifactDir() string {
	if c.Executor.ArtifactDir != "" {
		return c.Executor.ArtifactDir
	}
	return filepath.Join(os.TempDir(), "scriptd")
}
