package server

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

// Fan-out backends selectable with FANOUT_BACKEND.
const (
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendMemory   = "memory"
)

// RateLimitConfig defines the parameters for per-connection message rate limiting.
type RateLimitConfig struct {
	Burst          int           `env:"RATE_LIMIT_BURST,default=50"`
	RefillInterval time.Duration `env:"RATE_LIMIT_REFILL_INTERVAL,default=1s"`
}

// DatabaseConfig describes the PostgreSQL pool backing the fan-out channel.
type DatabaseConfig struct {
	ConnString string `env:"SH_CONNECTION_STRING"`
	SearchPath string `env:"DB_SEARCH_PATH,default=sync"`
	MaxConns   int    `env:"DB_MAX_CONNS,default=10"`
	MinConns   int    `env:"DB_MIN_CONNS,default=2"`
}

// FanoutConfig selects and tunes the cross-process channel.
type FanoutConfig struct {
	Backend           string        `env:"FANOUT_BACKEND,default=postgres"`
	Channel           string        `env:"FANOUT_CHANNEL,default=sync_relay"`
	Table             string        `env:"FANOUT_TABLE,default=relay_attachments"`
	PayloadThreshold  int           `env:"FANOUT_PAYLOAD_THRESHOLD,default=8000"`
	CleanupInterval   time.Duration `env:"FANOUT_CLEANUP_INTERVAL,default=30s"`
	QueueSize         int           `env:"FANOUT_QUEUE_SIZE,default=1024"`
	HeartbeatInterval time.Duration `env:"FANOUT_HEARTBEAT_INTERVAL,default=5s"`
	HeartbeatTimeout  time.Duration `env:"FANOUT_HEARTBEAT_TIMEOUT,default=10s"`
	RedisURL          string        `env:"REDIS_URL,default=redis://localhost:6379/0"`
}

// Config holds the relay configuration. Values come from the environment,
// optionally seeded from a .env file.
type Config struct {
	Host            string        `env:"HOST"`
	Port            string        `env:"PORT,default=8080"`
	CORSOrigins     string        `env:"CORS_ORIGINS,default=*"`
	MaxMessageSize  int64         `env:"MAX_MESSAGE_SIZE,default=1048576"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT,default=10s"`
	AdminEnabled    bool          `env:"ADMIN_ENABLED,default=true"`
	AdminDir        string        `env:"ADMIN_DIR,default=dist"`
	LogLevel        string        `env:"LOG_LEVEL,default=info"`
	LogFormat       string        `env:"LOG_FORMAT,default=console"`

	RateLimit RateLimitConfig
	Database  DatabaseConfig
	Fanout    FanoutConfig

	// AllowedOrigins is CORSOrigins split and normalized by sanitizeConfig.
	AllowedOrigins []string
}

func defaultConfig() Config {
	return Config{
		Port:            "8080",
		CORSOrigins:     "*",
		MaxMessageSize:  1 << 20,
		ShutdownTimeout: 10 * time.Second,
		AdminEnabled:    true,
		AdminDir:        "dist",
		LogLevel:        "info",
		LogFormat:       "console",
		RateLimit: RateLimitConfig{
			Burst:          50,
			RefillInterval: time.Second,
		},
		Database: DatabaseConfig{
			SearchPath: "sync",
			MaxConns:   10,
			MinConns:   2,
		},
		Fanout: FanoutConfig{
			Backend:           BackendPostgres,
			Channel:           "sync_relay",
			Table:             "relay_attachments",
			PayloadThreshold:  8000,
			CleanupInterval:   30 * time.Second,
			QueueSize:         1024,
			HeartbeatInterval: 5 * time.Second,
			HeartbeatTimeout:  10 * time.Second,
			RedisURL:          "redis://localhost:6379/0",
		},
	}
}

// sanitizeConfig replaces zero values with defaults and derives the origin
// list. It lets callers build a partial Config by hand.
func sanitizeConfig(cfg Config) Config {
	def := defaultConfig()

	if cfg.Port == "" {
		cfg.Port = def.Port
	}
	if cfg.CORSOrigins == "" && len(cfg.AllowedOrigins) == 0 {
		cfg.CORSOrigins = def.CORSOrigins
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
	if cfg.AdminDir == "" {
		cfg.AdminDir = def.AdminDir
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = def.RateLimit.Burst
	}
	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = def.RateLimit.RefillInterval
	}
	if cfg.Database.SearchPath == "" {
		cfg.Database.SearchPath = def.Database.SearchPath
	}
	if cfg.Database.MaxConns <= 0 {
		cfg.Database.MaxConns = def.Database.MaxConns
	}
	if cfg.Database.MinConns < 0 {
		cfg.Database.MinConns = 0
	}
	if cfg.Fanout.Backend == "" {
		cfg.Fanout.Backend = def.Fanout.Backend
	}
	cfg.Fanout.Backend = strings.ToLower(strings.TrimSpace(cfg.Fanout.Backend))
	if cfg.Fanout.Channel == "" {
		cfg.Fanout.Channel = def.Fanout.Channel
	}
	if cfg.Fanout.Table == "" {
		cfg.Fanout.Table = def.Fanout.Table
	}
	if cfg.Fanout.PayloadThreshold <= 0 {
		cfg.Fanout.PayloadThreshold = def.Fanout.PayloadThreshold
	}
	if cfg.Fanout.CleanupInterval <= 0 {
		cfg.Fanout.CleanupInterval = def.Fanout.CleanupInterval
	}
	if cfg.Fanout.QueueSize <= 0 {
		cfg.Fanout.QueueSize = def.Fanout.QueueSize
	}
	if cfg.Fanout.HeartbeatInterval <= 0 {
		cfg.Fanout.HeartbeatInterval = def.Fanout.HeartbeatInterval
	}
	if cfg.Fanout.HeartbeatTimeout <= 0 {
		cfg.Fanout.HeartbeatTimeout = def.Fanout.HeartbeatTimeout
	}
	if cfg.Fanout.RedisURL == "" {
		cfg.Fanout.RedisURL = def.Fanout.RedisURL
	}

	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = parseOrigins(cfg.CORSOrigins)
	}

	return cfg
}

// NewConfig creates a Config instance populated with default values for all settings.
func NewConfig() *Config {
	cfg := sanitizeConfig(defaultConfig())
	return &cfg
}

// NewConfigFromEnv loads envFile when it exists, decodes the environment and
// validates the result. Variables already set in the environment win over the
// file.
func NewConfigFromEnv(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode environment: %w", err)
	}

	cfg = sanitizeConfig(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// maxNotifyPayload is PostgreSQL's NOTIFY payload limit; inline payloads must
// be shorter.
const maxNotifyPayload = 8000

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error

	if port, err := strconv.Atoi(c.Port); err != nil || port < 0 || port > 65535 {
		errs = append(errs, fmt.Errorf("PORT %q is not a valid port", c.Port))
	}

	switch c.Fanout.Backend {
	case BackendPostgres:
		if c.Database.ConnString == "" {
			errs = append(errs, errors.New("SH_CONNECTION_STRING is required for the postgres fanout backend"))
		}
		if c.Fanout.PayloadThreshold > maxNotifyPayload {
			errs = append(errs, fmt.Errorf("FANOUT_PAYLOAD_THRESHOLD must not exceed %d", maxNotifyPayload))
		}
		// LISTEN holds one pooled connection for the life of the subscription.
		if c.Database.MaxConns < 2 {
			errs = append(errs, errors.New("DB_MAX_CONNS must be at least 2 for the postgres fanout backend"))
		}
	case BackendRedis:
		if c.Fanout.RedisURL == "" {
			errs = append(errs, errors.New("REDIS_URL is required for the redis fanout backend"))
		}
	case BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("FANOUT_BACKEND %q must be one of postgres, redis, memory", c.Fanout.Backend))
	}

	if c.Fanout.HeartbeatTimeout <= c.Fanout.HeartbeatInterval {
		errs = append(errs, errors.New("FANOUT_HEARTBEAT_TIMEOUT must be greater than FANOUT_HEARTBEAT_INTERVAL"))
	}
	if c.Database.MinConns > c.Database.MaxConns {
		errs = append(errs, errors.New("DB_MIN_CONNS must not exceed DB_MAX_CONNS"))
	}
	if len(c.AllowedOrigins) == 0 {
		errs = append(errs, errors.New("CORS_ORIGINS must name at least one origin"))
	}

	return errors.Join(errs...)
}

// Addr is the listen address built from HOST and PORT.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, c.Port)
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
