package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Store backends the daemon can run against.
const (
	BackendMemory    = "memory"
	BackendAppStore  = "appstore"
	BackendPlayStore = "playstore"
)

// Config holds all daemon configuration
type Config struct {
	Server ServerConfig
	Redis  RedisConfig
	JWT    JWTConfig
	Store  StoreConfig
	IAP    IAPConfig
	Sentry SentryConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// RedisConfig holds Redis configuration (rate limiting, token blocklist)
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// JWTConfig holds JWT configuration. Auth is enabled only when a secret is
// configured.
type JWTConfig struct {
	Secret    string
	AccessTTL time.Duration
	Issuer    string
}

// StoreConfig selects the payment backend and, for catalog-driven backends,
// the products on sale.
type StoreConfig struct {
	Backend     string
	LoadTimeout time.Duration
	Products    []ProductConfig
}

// ProductConfig describes one purchasable product for the memory and
// appstore backends.
type ProductConfig struct {
	ID       string  `mapstructure:"id"`
	Title    string  `mapstructure:"title"`
	Price    float64 `mapstructure:"price"`
	Currency string  `mapstructure:"currency"`
	Locale   string  `mapstructure:"locale"`
}

// IAPConfig holds platform credentials and webhook secrets
type IAPConfig struct {
	AppleSharedSecret  string
	AppleWebhookSecret string

	GooglePackageName        string
	GoogleServiceAccountJSON string
	GoogleWebhookSecret      string
}

// SentryConfig holds Sentry configuration
type SentryConfig struct {
	DSN         string
	Environment string
	Release     string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	viper.SetConfigName(".env")
	viper.SetConfigType("env")
	viper.AddConfigPath(".")
	viper.AddConfigPath("..")
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		// .env file is optional for production (env vars are used)
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults() {
	// Server defaults
	viper.SetDefault("server_port", 8080)
	viper.SetDefault("server_read_timeout", 10*time.Second)
	viper.SetDefault("server_write_timeout", 10*time.Second)
	viper.SetDefault("server_shutdown_timeout", 30*time.Second)

	// JWT defaults
	viper.SetDefault("jwt_access_ttl", 15*time.Minute)
	viper.SetDefault("jwt_issuer", "storebroker")

	// Redis defaults
	viper.SetDefault("redis_pool_size", 10)
	viper.SetDefault("redis_min_idle_conns", 3)
	viper.SetDefault("redis_dial_timeout", 5*time.Second)
	viper.SetDefault("redis_read_timeout", 3*time.Second)
	viper.SetDefault("redis_write_timeout", 3*time.Second)

	// Store defaults
	viper.SetDefault("store_backend", BackendMemory)
	viper.SetDefault("store_load_timeout", 10*time.Second)
}

func validate(cfg *Config) error {
	switch cfg.Store.Backend {
	case BackendMemory, BackendAppStore, BackendPlayStore:
	default:
		return fmt.Errorf("STORE_BACKEND must be one of %s, %s, %s",
			BackendMemory, BackendAppStore, BackendPlayStore)
	}
	if cfg.Store.Backend == BackendPlayStore {
		if cfg.IAP.GooglePackageName == "" {
			return fmt.Errorf("GOOGLE_PACKAGE_NAME is required for the playstore backend")
		}
		if cfg.IAP.GoogleServiceAccountJSON == "" {
			return fmt.Errorf("GOOGLE_SERVICE_ACCOUNT_JSON is required for the playstore backend")
		}
	}
	if cfg.JWT.Secret != "" && len(cfg.JWT.Secret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 characters")
	}
	if cfg.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}
	return nil
}
