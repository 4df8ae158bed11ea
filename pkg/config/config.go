// Package config loads the process configuration from an optional YAML file
// and RAE_-prefixed environment variables. Per-tenant behavior lives in
// models.TenantConfig; this package only covers backend wiring.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the complete process configuration.
type Config struct {
	Environment string         `mapstructure:"environment"`
	Database    DatabaseConfig `mapstructure:"database"`
	Cache       CacheConfig    `mapstructure:"cache"`
	Blob        BlobConfig     `mapstructure:"blob"`
	Gateway     GatewayConfig  `mapstructure:"gateway"`
	Metrics     MetricsConfig  `mapstructure:"metrics"`
	Workers     WorkersConfig  `mapstructure:"workers"`
}

// DatabaseConfig selects the record/vector/graph backend. Driver "memory"
// runs without external services; "postgres" requires a DSN.
type DatabaseConfig struct {
	Driver  string `mapstructure:"driver"`
	DSN     string `mapstructure:"dsn"`
	Migrate bool   `mapstructure:"migrate"`
}

// CacheConfig selects the cache backend. Type "memory" or "redis".
type CacheConfig struct {
	Type         string        `mapstructure:"type"`
	Address      string        `mapstructure:"address"`
	Password     string        `mapstructure:"password"`
	Database     int           `mapstructure:"database"`
	MaxRetries   int           `mapstructure:"max_retries"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
}

// BlobConfig selects the artifact store. Type "memory" or "s3".
type BlobConfig struct {
	Type   string `mapstructure:"type"`
	Bucket string `mapstructure:"bucket"`
	Region string `mapstructure:"region"`
}

// GatewayConfig selects the LLM provider chain. Provider "mock" needs no
// credentials; "openai" needs an API key.
type GatewayConfig struct {
	Provider string `mapstructure:"provider"`
	BaseURL  string `mapstructure:"base_url"`
	APIKey   string `mapstructure:"api_key"`
}

// MetricsConfig controls the Prometheus exposition endpoint.
type MetricsConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	ListenAddress string `mapstructure:"listen_address"`
}

// WorkersConfig controls the background cycle cadence.
type WorkersConfig struct {
	Enabled                bool          `mapstructure:"enabled"`
	DecayInterval          time.Duration `mapstructure:"decay_interval"`
	SummarizationInterval  time.Duration `mapstructure:"summarization_interval"`
	DreamingInterval       time.Duration `mapstructure:"dreaming_interval"`
	ReconciliationInterval time.Duration `mapstructure:"reconciliation_interval"`
}

// Load reads configuration from the file named by RAE_CONFIG_FILE (default
// configs/config.yaml) and from RAE_-prefixed environment variables. A
// missing file is not an error; environment variables alone are enough.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	configFile := os.Getenv("RAE_CONFIG_FILE")
	if configFile == "" {
		configFile = "configs/config.yaml"
	}
	v.SetConfigFile(configFile)

	v.SetEnvPrefix("RAE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if !os.IsNotExist(err) {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate rejects configurations that cannot be wired.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "memory":
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required with the postgres driver")
		}
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}

	switch c.Cache.Type {
	case "memory":
	case "redis":
		if c.Cache.Address == "" {
			return fmt.Errorf("cache.address is required with the redis cache")
		}
	default:
		return fmt.Errorf("unknown cache type %q", c.Cache.Type)
	}

	switch c.Blob.Type {
	case "memory":
	case "s3":
		if c.Blob.Bucket == "" {
			return fmt.Errorf("blob.bucket is required with the s3 store")
		}
	default:
		return fmt.Errorf("unknown blob store type %q", c.Blob.Type)
	}

	switch c.Gateway.Provider {
	case "mock":
	case "openai":
		if c.Gateway.APIKey == "" {
			return fmt.Errorf("gateway.api_key is required with the openai provider")
		}
	default:
		return fmt.Errorf("unknown gateway provider %q", c.Gateway.Provider)
	}
	return nil
}

// IsProduction reports whether the process runs with the production profile.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")

	v.SetDefault("database.driver", "memory")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.migrate", true)

	// Empty-string defaults register the keys so AutomaticEnv can bind them
	// during Unmarshal.
	v.SetDefault("cache.type", "memory")
	v.SetDefault("cache.address", "")
	v.SetDefault("cache.password", "")
	v.SetDefault("cache.database", 0)
	v.SetDefault("cache.max_retries", 3)
	v.SetDefault("cache.dial_timeout", 5*time.Second)
	v.SetDefault("cache.read_timeout", 3*time.Second)
	v.SetDefault("cache.write_timeout", 3*time.Second)
	v.SetDefault("cache.pool_size", 10)
	v.SetDefault("cache.min_idle_conns", 2)

	v.SetDefault("blob.type", "memory")
	v.SetDefault("blob.bucket", "")
	v.SetDefault("blob.region", "")

	v.SetDefault("gateway.provider", "mock")
	v.SetDefault("gateway.base_url", "")
	v.SetDefault("gateway.api_key", "")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.listen_address", ":9090")

	v.SetDefault("workers.enabled", true)
	v.SetDefault("workers.decay_interval", 24*time.Hour)
	v.SetDefault("workers.summarization_interval", time.Hour)
	v.SetDefault("workers.dreaming_interval", 24*time.Hour)
	v.SetDefault("workers.reconciliation_interval", 6*time.Hour)
}
