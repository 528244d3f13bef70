package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/kz-records/internal/domain"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Redis     RedisConfig     `yaml:"redis"`
	Cache     CacheConfig     `yaml:"cache"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Display   DisplayConfig   `yaml:"display"`
	Security  SecurityConfig  `yaml:"security"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Warmer    WarmerConfig    `yaml:"warmer"`
	Admin     AdminConfig     `yaml:"admin"`
	Log       LogConfig       `yaml:"log"`
}

// Provider exposes the typed configuration to components that need it
type Provider interface {
	Config() *Config
}

// Config implements Provider
func (c *Config) Config() *Config {
	return c
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// PostgresConfig holds connection settings for the records database
type PostgresConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"ssl_mode"`
	MaxConnections  int           `yaml:"max_connections"`
	MinConnections  int           `yaml:"min_connections"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `yaml:"max_conn_idle_time"`
	QueryTimeout    time.Duration `yaml:"query_timeout"`
	RunMigrations   bool          `yaml:"run_migrations"`
}

// ConnectionString returns the PostgreSQL connection string
func (c *PostgresConfig) ConnectionString() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, sslMode,
	)
}

// RedisConfig holds Redis connection configuration for the redis cache backend
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	PoolSize     int           `yaml:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	Namespace    string        `yaml:"namespace"`
}

// Cache backends
const (
	CacheBackendFile  = "file"
	CacheBackendRedis = "redis"
)

// CacheConfig holds cache configuration. TTLs are per key class.
type CacheConfig struct {
	Enabled    *bool         `yaml:"enabled"`
	Backend    string        `yaml:"backend"`
	Dir        string        `yaml:"dir"`
	DefaultTTL time.Duration `yaml:"time"`
	MapsTTL    time.Duration `yaml:"maps_cache_time"`
	StatsTTL   time.Duration `yaml:"stats_cache_time"`
	RecordsTTL time.Duration `yaml:"records_cache_time"`
}

// IsEnabled reports whether caching is on; unset means on
func (c *CacheConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// Budget is a request allowance over a trailing window
type Budget struct {
	MaxRequests int           `yaml:"max_requests"`
	Window      time.Duration `yaml:"window"`
}

// RateLimitConfig holds the budgets of each boundary
type RateLimitConfig struct {
	API        Budget `yaml:"api"`
	Store      Budget `yaml:"store"`
	Page       Budget `yaml:"page"`
	MaxClients int    `yaml:"max_clients"`
}

// DisplayConfig holds leaderboard display settings
type DisplayConfig struct {
	DefaultMap     string `yaml:"default_map"`
	RecordsPerPage int    `yaml:"records_per_page"`
	MapPrefix      string `yaml:"map_prefix"`
	MaxMaps        int    `yaml:"max_maps"`
}

// SecurityConfig holds audit log settings
type SecurityConfig struct {
	AuditLog string `yaml:"audit_log"`
}

// KafkaConfig holds run-event consumer configuration
type KafkaConfig struct {
	Brokers      []string      `yaml:"brokers"`
	Topic        string        `yaml:"topic"`
	GroupID      string        `yaml:"group_id"`
	Enabled      bool          `yaml:"enabled"`
	BatchSize    int           `yaml:"batch_size"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
}

// WarmerConfig holds cache warmer configuration
type WarmerConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

// AdminConfig holds administrative endpoint settings
type AdminConfig struct {
	Token string `yaml:"token"`
}

// LogConfig holds logging settings
type LogConfig struct {
	Level string `yaml:"level"`
}

// SlogLevel maps the configured level name to a slog level
func (c *LogConfig) SlogLevel() slog.Level {
	switch strings.ToLower(c.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Load reads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// Validate checks settings the service cannot run without
func (c *Config) Validate() error {
	var missing []string
	if c.Postgres.Host == "" {
		missing = append(missing, "postgres.host")
	}
	if c.Postgres.User == "" {
		missing = append(missing, "postgres.user")
	}
	if c.Postgres.Password == "" {
		missing = append(missing, "postgres.password")
	}
	if c.Postgres.Database == "" {
		missing = append(missing, "postgres.database")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", domain.ErrInvalidConfig, strings.Join(missing, ", "))
	}

	switch c.Cache.Backend {
	case CacheBackendFile, CacheBackendRedis:
	default:
		return fmt.Errorf("%w: unknown cache backend %q", domain.ErrInvalidConfig, c.Cache.Backend)
	}
	return nil
}

// applyDefaults sets default values for missing configuration
func (c *Config) applyDefaults() {
	// Server defaults
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 5 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 10 * time.Second
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = 120 * time.Second
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30 * time.Second
	}

	// PostgreSQL defaults
	if c.Postgres.Port == 0 {
		c.Postgres.Port = 5432
	}
	if c.Postgres.MaxConnections == 0 {
		c.Postgres.MaxConnections = 20
	}
	if c.Postgres.MinConnections == 0 {
		c.Postgres.MinConnections = 2
	}
	if c.Postgres.MaxConnLifetime == 0 {
		c.Postgres.MaxConnLifetime = 1 * time.Hour
	}
	if c.Postgres.MaxConnIdleTime == 0 {
		c.Postgres.MaxConnIdleTime = 30 * time.Minute
	}
	if c.Postgres.QueryTimeout == 0 {
		c.Postgres.QueryTimeout = 5 * time.Second
	}

	// Redis defaults
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Redis.PoolSize == 0 {
		c.Redis.PoolSize = 20
	}
	if c.Redis.MinIdleConns == 0 {
		c.Redis.MinIdleConns = 2
	}
	if c.Redis.DialTimeout == 0 {
		c.Redis.DialTimeout = 5 * time.Second
	}
	if c.Redis.ReadTimeout == 0 {
		c.Redis.ReadTimeout = 3 * time.Second
	}
	if c.Redis.WriteTimeout == 0 {
		c.Redis.WriteTimeout = 3 * time.Second
	}
	if c.Redis.Namespace == "" {
		c.Redis.Namespace = "kz_records"
	}

	// Cache defaults
	if c.Cache.Backend == "" {
		c.Cache.Backend = CacheBackendFile
	}
	if c.Cache.Dir == "" {
		c.Cache.Dir = "storage/modules_cache/kz_records"
	}
	if c.Cache.DefaultTTL == 0 {
		c.Cache.DefaultTTL = 30 * time.Minute
	}
	if c.Cache.MapsTTL == 0 {
		c.Cache.MapsTTL = 1 * time.Hour
	}
	if c.Cache.StatsTTL == 0 {
		c.Cache.StatsTTL = 15 * time.Minute
	}
	if c.Cache.RecordsTTL == 0 {
		c.Cache.RecordsTTL = 10 * time.Minute
	}

	// Rate limit defaults
	c.RateLimit.API.applyDefaults(100, time.Minute)
	c.RateLimit.Store.applyDefaults(60, time.Minute)
	c.RateLimit.Page.applyDefaults(30, time.Minute)
	if c.RateLimit.MaxClients == 0 {
		c.RateLimit.MaxClients = 10000
	}

	// Display defaults
	if c.Display.DefaultMap == "" {
		c.Display.DefaultMap = "kz_grotto"
	}
	if c.Display.RecordsPerPage == 0 {
		c.Display.RecordsPerPage = 50
	}
	if c.Display.MapPrefix == "" {
		c.Display.MapPrefix = "kz_"
	}
	if c.Display.MaxMaps == 0 {
		c.Display.MaxMaps = 1000
	}

	// Security defaults
	if c.Security.AuditLog == "" {
		c.Security.AuditLog = "storage/security/injection_attempts.log"
	}

	// Kafka defaults
	if len(c.Kafka.Brokers) == 0 {
		c.Kafka.Brokers = []string{"localhost:9092"}
	}
	if c.Kafka.Topic == "" {
		c.Kafka.Topic = "kz-runs"
	}
	if c.Kafka.GroupID == "" {
		c.Kafka.GroupID = "kz-records"
	}
	if c.Kafka.BatchSize == 0 {
		c.Kafka.BatchSize = 50
	}
	if c.Kafka.BatchTimeout == 0 {
		c.Kafka.BatchTimeout = 1 * time.Second
	}

	// Warmer defaults
	if c.Warmer.Interval == 0 {
		c.Warmer.Interval = 5 * time.Minute
	}
}

func (b *Budget) applyDefaults(maxRequests int, window time.Duration) {
	if b.MaxRequests == 0 {
		b.MaxRequests = maxRequests
	}
	if b.Window == 0 {
		b.Window = window
	}
}

// DefaultConfig returns a configuration with all defaults
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.Warmer.Enabled = true
	return cfg
}
