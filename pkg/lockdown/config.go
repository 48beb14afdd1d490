// Package lockdown provides configuration and wiring for the exam lockdown
// coordinator daemon.
package lockdown

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/examlock/examlockd/pkg/kvstore"
)

// Config holds the complete daemon configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	Store     StoreConfig     `yaml:"store"`
	Session   SessionConfig   `yaml:"session"`
	Monitor   MonitorConfig   `yaml:"monitor"`
	Sink      SinkConfig      `yaml:"sink"`
	Clearance ClearanceConfig `yaml:"clearance"`
	Database  DatabaseConfig  `yaml:"database"`
	Admin     AdminConfig     `yaml:"admin"`
}

// ServerConfig configures the HTTP message API.
type ServerConfig struct {
	Address string    `yaml:"address"`
	TLS     TLSConfig `yaml:"tls"`
}

// TLSConfig configures TLS.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
	Format string `yaml:"format"` // "text", "json"
}

// StoreConfig configures the key-value persistence backend.
type StoreConfig struct {
	// Backend selects the store: "memory", "file", "redis", "sqlite",
	// "postgres".
	Backend string `yaml:"backend"`

	// Path is the data file for the file and sqlite backends.
	Path string `yaml:"path"`

	// DSN is the connection string for the postgres backend.
	DSN string `yaml:"dsn"`

	Redis RedisConfig `yaml:"redis"`
}

// RedisConfig configures the redis backend.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// SessionConfig configures the authoritative session store.
type SessionConfig struct {
	TTL          time.Duration `yaml:"ttl"`
	HistoryLimit int           `yaml:"history_limit"`
	MaxCountJump int           `yaml:"max_count_jump"`
	StorageKey   string        `yaml:"storage_key"`
}

// MonitorConfig carries the monitor policy the daemon hands to page clients.
type MonitorConfig struct {
	MaxViolations      int           `yaml:"max_violations"`
	HeartbeatInterval  time.Duration `yaml:"heartbeat_interval"`
	HeartbeatMissLimit int           `yaml:"heartbeat_miss_limit"`

	// ClearancePoll selects the clearance polling schedule: "fixed" or
	// "backoff".
	ClearancePoll     string        `yaml:"clearance_poll"`
	ClearanceInterval time.Duration `yaml:"clearance_interval"`
}

// SinkConfig configures the remote violation sink.
type SinkConfig struct {
	Endpoint     string        `yaml:"endpoint"`
	MaxRetries   int           `yaml:"max_retries"`
	InitialDelay time.Duration `yaml:"initial_delay"`

	Thresholds ThresholdsConfig `yaml:"thresholds"`
}

// ThresholdsConfig maps violation counts to severity/status grades.
type ThresholdsConfig struct {
	Critical int `yaml:"critical"`
	High     int `yaml:"high"`
	Medium   int `yaml:"medium"`
}

// ClearanceConfig selects the clearance provider strategy.
type ClearanceConfig struct {
	// Provider is "record" (database lookup), "webhook" (sink round-trip)
	// or empty (clearance disabled).
	Provider string `yaml:"provider"`
}

// DatabaseConfig configures the relational database used by the record
// clearance provider and the postgres store backend.
type DatabaseConfig struct {
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

// AdminConfig configures the clearance admin API.
type AdminConfig struct {
	Enabled bool `yaml:"enabled"`

	// SigningKey is the base64 or raw HMAC key for admin JWTs.
	SigningKey string `yaml:"signing_key"`

	// APIKeys are bcrypt hashes of accepted admin API keys.
	APIKeys []AdminAPIKey `yaml:"api_keys"`
}

// AdminAPIKey is one accepted admin credential.
type AdminAPIKey struct {
	Name string `yaml:"name"`
	Hash string `yaml:"hash"`
}

// DefaultConfig returns a configuration with all defaults applied: memory
// store, no sink, no clearance provider.
func DefaultConfig() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// LoadConfig loads configuration from a file.
// The path is expected to come from command line arguments, controlled by the administrator.
func LoadConfig(path string) (*Config, error) {
	// #nosec G304 -- path is from CLI args, controlled by admin
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	data = []byte(expandEnvVars(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	applyDefaults(&cfg)

	return &cfg, nil
}

// expandEnvVars expands ${VAR} patterns in the string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := match[2 : len(match)-1]
		return os.Getenv(varName)
	})
}

// applyDefaults applies default values to the config.
func applyDefaults(cfg *Config) {
	if cfg.Server.Address == "" {
		cfg.Server.Address = ":8080"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = "memory"
	}
	if cfg.Session.TTL == 0 {
		cfg.Session.TTL = 60 * time.Minute
	}
	if cfg.Session.HistoryLimit == 0 {
		cfg.Session.HistoryLimit = 50
	}
	if cfg.Monitor.MaxViolations == 0 {
		cfg.Monitor.MaxViolations = 4
	}
	if cfg.Monitor.HeartbeatInterval == 0 {
		cfg.Monitor.HeartbeatInterval = 5 * time.Second
	}
	if cfg.Monitor.HeartbeatMissLimit == 0 {
		cfg.Monitor.HeartbeatMissLimit = 2
	}
	if cfg.Monitor.ClearancePoll == "" {
		cfg.Monitor.ClearancePoll = "fixed"
	}
	if cfg.Monitor.ClearanceInterval == 0 {
		cfg.Monitor.ClearanceInterval = 30 * time.Second
	}
	if cfg.Sink.MaxRetries == 0 {
		cfg.Sink.MaxRetries = 3
	}
	if cfg.Sink.InitialDelay == 0 {
		cfg.Sink.InitialDelay = time.Second
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
}

// StoreOptions maps the store section onto the key-value store factory.
func (c *Config) StoreOptions() kvstore.Config {
	dsn := c.Store.DSN
	if c.Store.Backend == "postgres" && dsn == "" {
		dsn = c.Database.DSN
	}
	return kvstore.Config{
		Backend: c.Store.Backend,
		Path:    c.Store.Path,
		DSN:     dsn,
		Redis: kvstore.RedisConfig{
			Addr:     c.Store.Redis.Addr,
			Username: c.Store.Redis.Username,
			Password: c.Store.Redis.Password,
			DB:       c.Store.Redis.DB,
		},
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []string

	switch c.Store.Backend {
	case "memory", "file", "redis", "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Sprintf("store.backend %q is not supported", c.Store.Backend))
	}
	if (c.Store.Backend == "file" || c.Store.Backend == "sqlite") && c.Store.Path == "" {
		errs = append(errs, "store.path is required for the file and sqlite backends")
	}
	if c.Store.Backend == "redis" && c.Store.Redis.Addr == "" {
		errs = append(errs, "store.redis.addr is required for the redis backend")
	}
	if c.Store.Backend == "postgres" && c.Store.DSN == "" && c.Database.DSN == "" {
		errs = append(errs, "store.dsn or database.dsn is required for the postgres backend")
	}

	switch c.Clearance.Provider {
	case "":
	case "record":
		if c.Database.DSN == "" {
			errs = append(errs, "database.dsn is required for the record clearance provider")
		}
	case "webhook":
		if c.Sink.Endpoint == "" {
			errs = append(errs, "sink.endpoint is required for the webhook clearance provider")
		}
	default:
		errs = append(errs, fmt.Sprintf("clearance.provider %q is not supported (use \"record\" or \"webhook\")", c.Clearance.Provider))
	}

	switch c.Monitor.ClearancePoll {
	case "fixed", "backoff":
	default:
		errs = append(errs, fmt.Sprintf("monitor.clearance_poll %q is not supported", c.Monitor.ClearancePoll))
	}

	if c.Admin.Enabled {
		if c.Admin.SigningKey == "" {
			errs = append(errs, "admin.signing_key is required when the admin API is enabled")
		}
		if len(c.Admin.APIKeys) == 0 {
			errs = append(errs, "admin.api_keys must list at least one key when the admin API is enabled")
		}
	}

	if c.Server.TLS.Enabled && (c.Server.TLS.CertFile == "" || c.Server.TLS.KeyFile == "") {
		errs = append(errs, "server.tls.cert_file and server.tls.key_file are required when TLS is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}
