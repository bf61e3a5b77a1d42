/*
Package config loads the service configuration.

LAYERS (later wins):
  1. Struct defaults (defaultConfig)
  2. YAML file: --config flag, else REWARDS_CONFIG, else ./config.yaml if present
  3. Environment: REWARDS_<SECTION>_<KEY>, e.g. REWARDS_ENGINE_STORE_TIMEOUT=3s

  A .env file in the working directory is loaded into the environment
  before layer 3. Variables already set in the environment win over it.

EXAMPLE (config.yaml):
  server:
    addr: ":8080"
    cors_origins: ["https://app.example.org"]
  database:
    path: ./data/rewards.db
  engine:
    store_timeout: 5s
    referrer_bonus: 100
  scheduler:
    redrive_spec: "@every 5m"
*/
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/lamplight/rewards-engine/generic"
	"github.com/lamplight/rewards-engine/logging"
	"github.com/lamplight/rewards-engine/store/sqlite"
)

const (
	EnvPrefix     = "REWARDS_"
	ConfigPathEnv = "REWARDS_CONFIG"
)

var DefaultConfigPaths = []string{"config.yaml", "config.yml"}

type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Database  DatabaseConfig  `koanf:"database"`
	Engine    EngineConfig    `koanf:"engine"`
	Scheduler SchedulerConfig `koanf:"scheduler"`
	Log       logging.Config  `koanf:"log"`
	Breaker   BreakerConfig   `koanf:"breaker"`
}

type ServerConfig struct {
	Addr               string        `koanf:"addr" validate:"required"`
	ReadTimeout        time.Duration `koanf:"read_timeout" validate:"gt=0"`
	WriteTimeout       time.Duration `koanf:"write_timeout" validate:"gt=0"`
	ShutdownTimeout    time.Duration `koanf:"shutdown_timeout" validate:"gt=0"`
	CORSOrigins        []string      `koanf:"cors_origins"`
	RateLimitPerMinute int           `koanf:"rate_limit_per_minute" validate:"gte=0"` // 0 disables
}

type DatabaseConfig struct {
	Path        string        `koanf:"path" validate:"required"`
	BusyTimeout time.Duration `koanf:"busy_timeout" validate:"gte=0"`
}

type EngineConfig struct {
	StoreTimeout       time.Duration `koanf:"store_timeout" validate:"gt=0"`
	ReferrerBonus      int64         `koanf:"referrer_bonus" validate:"gte=0"`
	ReferredBonus      int64         `koanf:"referred_bonus" validate:"gte=0"`
	ReferralMinLogins  int64         `koanf:"referral_min_logins" validate:"gte=0"`
	ReferralMinActions int64         `koanf:"referral_min_actions" validate:"gte=0"`
	CatalogPath        string        `koanf:"catalog_path"` // empty: built-in catalog
}

// BreakerConfig mirrors sqlite.BreakerConfig field for field; the two convert
// directly.
type BreakerConfig struct {
	MaxRequests  uint32        `koanf:"max_requests" validate:"gte=1"`
	Interval     time.Duration `koanf:"interval" validate:"gte=0"`
	Timeout      time.Duration `koanf:"timeout" validate:"gt=0"`
	FailureRatio float64       `koanf:"failure_ratio" validate:"gt=0,lte=1"`
	MinRequests  uint32        `koanf:"min_requests" validate:"gte=1"`
}

type SchedulerConfig struct {
	Enabled     bool   `koanf:"enabled"`
	RedriveSpec string `koanf:"redrive_spec" validate:"required_if=Enabled true"`
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:               ":8080",
			ReadTimeout:        10 * time.Second,
			WriteTimeout:       15 * time.Second,
			ShutdownTimeout:    10 * time.Second,
			CORSOrigins:        []string{"*"},
			RateLimitPerMinute: 120,
		},
		Database: DatabaseConfig{
			Path:        "./data/rewards.db",
			BusyTimeout: 5 * time.Second,
		},
		Engine: EngineConfig{
			StoreTimeout:       generic.DefaultStoreTimeout,
			ReferrerBonus:      100,
			ReferredBonus:      50,
			ReferralMinLogins:  1,
			ReferralMinActions: 1,
		},
		Scheduler: SchedulerConfig{
			Enabled:     true,
			RedriveSpec: "@every 5m",
		},
		Log:     logging.DefaultConfig(),
		Breaker: BreakerConfig(sqlite.DefaultBreakerConfig()),
	}
}

// Load builds the configuration from defaults, an optional YAML file and
// the environment. path may be empty.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	k := koanf.New(".")

	// Layer 1: defaults
	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	// Layer 2: config file
	if path = findConfigFile(path); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	// Layer 3: environment
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	// Comma-separated lists arrive from env as a single string.
	if raw, ok := k.Get("server.cors_origins").(string); ok {
		if err := k.Set("server.cors_origins", splitList(raw)); err != nil {
			return nil, err
		}
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// envKey maps REWARDS_ENGINE_STORE_TIMEOUT to engine.store_timeout.
// Variables without a section are dropped.
func envKey(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
	if key == "config" {
		return ""
	}
	section, rest, ok := strings.Cut(key, "_")
	if !ok || rest == "" {
		return ""
	}
	return section + "." + rest
}

func findConfigFile(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if p := os.Getenv(ConfigPathEnv); p != "" {
		return p
	}
	for _, p := range DefaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate checks struct tags on every section.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		return err
	}
	if c.Engine.ReferralMinLogins == 0 && c.Engine.ReferralMinActions == 0 {
		return fmt.Errorf("engine: referral thresholds cannot both be zero")
	}
	return nil
}

// EngineConfig converts the engine section for generic.NewEngine.
func (c *Config) EngineConfig() generic.EngineConfig {
	return generic.EngineConfig{
		StoreTimeout: c.Engine.StoreTimeout,
		Referral: generic.ReferralConfig{
			ReferrerBonus: c.Engine.ReferrerBonus,
			ReferredBonus: c.Engine.ReferredBonus,
			MinLogins:     c.Engine.ReferralMinLogins,
			MinActions:    c.Engine.ReferralMinActions,
		},
		Clock: generic.SystemClock,
	}
}

// StoreConfig converts the database and breaker sections for sqlite.Open.
func (c *Config) StoreConfig() sqlite.Config {
	return sqlite.Config{
		Path:        c.Database.Path,
		BusyTimeout: c.Database.BusyTimeout,
		Breaker:     sqlite.BreakerConfig(c.Breaker),
	}
}
