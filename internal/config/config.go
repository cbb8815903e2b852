package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the engine and tracking services.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Tracking TrackingConfig `yaml:"tracking"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Engine   EngineConfig   `yaml:"engine"`
	Watchdog WatchdogConfig `yaml:"watchdog"`
}

// ServerConfig holds the engine API listener settings.
type ServerConfig struct {
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// TrackingConfig holds the tracking service settings. BaseURL is what gets
// baked into outgoing mail as the pixel and click-link host.
type TrackingConfig struct {
	Port            int    `yaml:"port"`
	BaseURL         string `yaml:"base_url"`
	DefaultRedirect string `yaml:"default_redirect"`
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL                    string `yaml:"url"`
	MaxOpenConns           int    `yaml:"max_open_conns"`
	MaxIdleConns           int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeMinutes int    `yaml:"conn_max_lifetime_minutes"`
}

// RedisConfig holds the optional Redis connection for send pacing. The
// engine runs without it, degrading to fixed inter-send delays.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// EngineConfig tunes the batch-send loop.
type EngineConfig struct {
	Secret                  string `yaml:"secret"`
	ContinueEndpoint        string `yaml:"continue_endpoint"`
	BatchSize               int    `yaml:"batch_size"`
	TimeBudgetSeconds       int    `yaml:"time_budget_seconds"`
	SafetyMarginSeconds     int    `yaml:"safety_margin_seconds"`
	MaxRetries              int    `yaml:"max_retries"`
	SendTimeoutSeconds      int    `yaml:"send_timeout_seconds"`
	LockStalenessMinutes    int    `yaml:"lock_staleness_minutes"`
	RatePerMinute           int    `yaml:"rate_per_minute"`
	InterSendDelayMillis    int    `yaml:"inter_send_delay_ms"`
	ContinuationDelayMillis int    `yaml:"continuation_delay_ms"`
}

func (e EngineConfig) TimeBudget() time.Duration {
	return time.Duration(e.TimeBudgetSeconds) * time.Second
}

func (e EngineConfig) SafetyMargin() time.Duration {
	return time.Duration(e.SafetyMarginSeconds) * time.Second
}

func (e EngineConfig) SendTimeout() time.Duration {
	return time.Duration(e.SendTimeoutSeconds) * time.Second
}

func (e EngineConfig) LockStaleness() time.Duration {
	return time.Duration(e.LockStalenessMinutes) * time.Minute
}

func (e EngineConfig) InterSendDelay() time.Duration {
	return time.Duration(e.InterSendDelayMillis) * time.Millisecond
}

func (e EngineConfig) ContinuationDelay() time.Duration {
	return time.Duration(e.ContinuationDelayMillis) * time.Millisecond
}

// WatchdogConfig tunes the stall scan. Enabled turns on the in-process
// ticker; the /engine/scan endpoint works either way.
type WatchdogConfig struct {
	Enabled          bool `yaml:"enabled"`
	IntervalSeconds  int  `yaml:"interval_seconds"`
	StalenessMinutes int  `yaml:"staleness_minutes"`
}

func (w WatchdogConfig) Interval() time.Duration {
	return time.Duration(w.IntervalSeconds) * time.Second
}

func (w WatchdogConfig) Staleness() time.Duration {
	return time.Duration(w.StalenessMinutes) * time.Minute
}

// Load reads configuration from a YAML file. An empty path yields a config
// of pure defaults, for setups driven entirely by environment variables.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, err
		}
	}

	// Set defaults
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Tracking.Port == 0 {
		cfg.Tracking.Port = 8081
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetimeMinutes == 0 {
		cfg.Database.ConnMaxLifetimeMinutes = 5
	}
	if cfg.Engine.BatchSize == 0 {
		cfg.Engine.BatchSize = 5
	}
	if cfg.Engine.TimeBudgetSeconds == 0 {
		cfg.Engine.TimeBudgetSeconds = 25
	}
	if cfg.Engine.SafetyMarginSeconds == 0 {
		cfg.Engine.SafetyMarginSeconds = 5
	}
	if cfg.Engine.MaxRetries == 0 {
		cfg.Engine.MaxRetries = 3
	}
	if cfg.Engine.SendTimeoutSeconds == 0 {
		cfg.Engine.SendTimeoutSeconds = 15
	}
	if cfg.Engine.LockStalenessMinutes == 0 {
		cfg.Engine.LockStalenessMinutes = 5
	}
	if cfg.Engine.InterSendDelayMillis == 0 {
		cfg.Engine.InterSendDelayMillis = 200
	}
	if cfg.Watchdog.IntervalSeconds == 0 {
		cfg.Watchdog.IntervalSeconds = 300
	}
	if cfg.Watchdog.StalenessMinutes == 0 {
		cfg.Watchdog.StalenessMinutes = 10
	}

	return &cfg, nil
}

// LoadFromEnv loads the YAML config, then applies environment overrides.
// A .env file in the working directory is honored when present.
func LoadFromEnv(path string) (*Config, error) {
	// Load .env file if it exists (no error if missing)
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	// Override with environment variables if present
	if host := os.Getenv("SERVER_HOST"); host != "" {
		cfg.Server.Host = host
	}
	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = p
		}
	}
	if port := os.Getenv("TRACKING_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Tracking.Port = p
		}
	}
	if baseURL := os.Getenv("TRACKING_BASE_URL"); baseURL != "" {
		cfg.Tracking.BaseURL = baseURL
	}
	if redirect := os.Getenv("TRACKING_DEFAULT_REDIRECT"); redirect != "" {
		cfg.Tracking.DefaultRedirect = redirect
	}
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		cfg.Database.URL = dbURL
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Redis.Enabled = true
		cfg.Redis.Addr = addr
	}
	if pass := os.Getenv("REDIS_PASSWORD"); pass != "" {
		cfg.Redis.Password = pass
	}
	if secret := os.Getenv("ENGINE_SECRET"); secret != "" {
		cfg.Engine.Secret = secret
	}
	if endpoint := os.Getenv("ENGINE_CONTINUE_ENDPOINT"); endpoint != "" {
		cfg.Engine.ContinueEndpoint = endpoint
	}

	return cfg, nil
}
