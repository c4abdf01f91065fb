package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the complete application configuration
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Tracking    TrackingConfig    `mapstructure:"tracking"`
	Bridge      BridgeConfig      `mapstructure:"bridge"`
	Mint        MintConfig        `mapstructure:"mint"`
	ObjectStore ObjectStoreConfig `mapstructure:"object_store"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Wallet      WalletConfig      `mapstructure:"wallet"`
	RateLimit   RateLimitConfig   `mapstructure:"ratelimit"`
}

// ServerConfig defines server ports and addresses
type ServerConfig struct {
	HTTPPort    int    `mapstructure:"http_port"`
	MetricsPort int    `mapstructure:"metrics_port"`
	BindAddress string `mapstructure:"bind_address"`
}

// StorageConfig defines storage backend settings
type StorageConfig struct {
	Redis RedisConfig `mapstructure:"redis"`
}

// RedisConfig defines the Redis connection used for durable state
type RedisConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
	DialTimeout  string `mapstructure:"dial_timeout"`
	ReadTimeout  string `mapstructure:"read_timeout"`
	WriteTimeout string `mapstructure:"write_timeout"`
	Namespace    string `mapstructure:"namespace"` // key prefix, e.g. "mediabadge:ext:"
}

// LoggingConfig defines logging behavior
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TrackingConfig defines session tracking and coordinator timing
type TrackingConfig struct {
	PollInterval        string   `mapstructure:"poll_interval"`
	CompletionThreshold float64  `mapstructure:"completion_threshold"` // percent
	HiddenGrace         string   `mapstructure:"hidden_grace"`
	SilenceMultiplier   int      `mapstructure:"silence_multiplier"` // silence timeout = N x poll interval
	GCInterval          string   `mapstructure:"gc_interval"`
	PolicyDir           string   `mapstructure:"policy_dir"` // optional rego overrides
	ExcludedHosts       []string `mapstructure:"excluded_hosts"`
	RecentCompletions   int      `mapstructure:"recent_completions"`
}

// BridgeConfig defines session sync bridge settings
type BridgeConfig struct {
	AckTimeout string `mapstructure:"ack_timeout"`
}

// MintConfig defines the on-chain minting endpoint
type MintConfig struct {
	Endpoint string `mapstructure:"endpoint"`
	Timeout  string `mapstructure:"timeout"`
	Retries  int    `mapstructure:"retries"`
	ClaimTTL string `mapstructure:"claim_ttl"` // how long a stuck mint blocks a retry
}

// ObjectStoreConfig defines where completion metadata is uploaded
type ObjectStoreConfig struct {
	Bucket        string `mapstructure:"bucket"`
	Region        string `mapstructure:"region"`
	Endpoint      string `mapstructure:"endpoint"`
	PublicBaseURL string `mapstructure:"public_base_url"`
}

// DatabaseConfig defines the profile and wallet database
type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

// WalletConfig defines custodial wallet generation
type WalletConfig struct {
	Network   string `mapstructure:"network"`
	KeySecret string `mapstructure:"key_secret"` // seals private keys at rest
}

// RateLimitConfig defines per-page inbound message limits
type RateLimitConfig struct {
	Requests int    `mapstructure:"requests"`
	Window   string `mapstructure:"window"`
	Burst    int    `mapstructure:"burst"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Configure viper
	v.SetConfigFile(configPath)
	v.SetEnvPrefix("MEDIABADGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, use defaults and environment variables
	}

	// Unmarshal config
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate config
	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// Defaults returns the configuration used when nothing is overridden.
func Defaults() *Config {
	v := viper.New()
	setDefaults(v)

	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.metrics_port", 9090)
	v.SetDefault("server.bind_address", "0.0.0.0")

	// Storage defaults
	v.SetDefault("storage.redis.host", "localhost")
	v.SetDefault("storage.redis.port", 6379)
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.pool_size", 10)
	v.SetDefault("storage.redis.min_idle_conns", 2)
	v.SetDefault("storage.redis.dial_timeout", "5s")
	v.SetDefault("storage.redis.read_timeout", "3s")
	v.SetDefault("storage.redis.write_timeout", "3s")
	v.SetDefault("storage.redis.namespace", "mediabadge:")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Tracking defaults
	v.SetDefault("tracking.poll_interval", "30s")
	v.SetDefault("tracking.completion_threshold", 90.0)
	v.SetDefault("tracking.hidden_grace", "2m")
	v.SetDefault("tracking.silence_multiplier", 3)
	v.SetDefault("tracking.gc_interval", "1m")
	v.SetDefault("tracking.policy_dir", "")
	v.SetDefault("tracking.excluded_hosts", []string{})
	v.SetDefault("tracking.recent_completions", 1024)

	// Bridge defaults
	v.SetDefault("bridge.ack_timeout", "5s")

	// Mint defaults
	v.SetDefault("mint.endpoint", "")
	v.SetDefault("mint.timeout", "30s")
	v.SetDefault("mint.retries", 3)
	v.SetDefault("mint.claim_ttl", "2m")

	// Object store defaults
	v.SetDefault("object_store.region", "us-east-1")

	// Wallet defaults
	v.SetDefault("wallet.network", "testnet")

	// Rate limit defaults
	v.SetDefault("ratelimit.requests", 60)
	v.SetDefault("ratelimit.window", "1m")
	v.SetDefault("ratelimit.burst", 10)
}

// validate validates the configuration
func validate(cfg *Config) error {
	if cfg.Server.HTTPPort <= 0 || cfg.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", cfg.Server.HTTPPort)
	}
	if cfg.Server.MetricsPort < 0 || cfg.Server.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d", cfg.Server.MetricsPort)
	}

	if cfg.Storage.Redis.Host == "" {
		return fmt.Errorf("storage.redis.host is required")
	}
	if cfg.Storage.Redis.Namespace == "" {
		cfg.Storage.Redis.Namespace = "mediabadge:"
	}

	durations := map[string]string{
		"tracking.poll_interval": cfg.Tracking.PollInterval,
		"tracking.hidden_grace":  cfg.Tracking.HiddenGrace,
		"tracking.gc_interval":   cfg.Tracking.GCInterval,
		"bridge.ack_timeout":     cfg.Bridge.AckTimeout,
		"mint.timeout":           cfg.Mint.Timeout,
		"mint.claim_ttl":         cfg.Mint.ClaimTTL,
		"ratelimit.window":       cfg.RateLimit.Window,
	}
	for name, value := range durations {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}

	if cfg.Tracking.CompletionThreshold <= 0 || cfg.Tracking.CompletionThreshold > 100 {
		return fmt.Errorf("tracking.completion_threshold must be in (0, 100]: %v", cfg.Tracking.CompletionThreshold)
	}
	if cfg.Tracking.SilenceMultiplier < 1 {
		return fmt.Errorf("tracking.silence_multiplier must be at least 1")
	}
	if cfg.Database.URL != "" && cfg.Wallet.KeySecret == "" {
		return fmt.Errorf("wallet.key_secret is required when database.url is set")
	}
	if cfg.RateLimit.Requests <= 0 {
		return fmt.Errorf("ratelimit.requests must be positive")
	}

	return nil
}

// MustDuration parses a duration already checked by validate.
func MustDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		panic(fmt.Sprintf("config: unvalidated duration %q: %v", s, err))
	}
	return d
}
