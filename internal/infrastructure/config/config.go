package config

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Cache         CacheConfig         `mapstructure:"cache"`
	Order         OrderConfig         `mapstructure:"order"`
	Reconcile     ReconcileConfig     `mapstructure:"reconcile"`
	Notify        NotifyConfig        `mapstructure:"notify"`
	Provider      ProviderConfig      `mapstructure:"provider"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	InstanceID    string              `mapstructure:"instance_id"`
}

type ServerConfig struct {
	Port            int             `mapstructure:"port"`
	ReadTimeout     time.Duration   `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration   `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration   `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration   `mapstructure:"shutdown_timeout"`
	PublicURL       string          `mapstructure:"public_url"` // base URL providers post callbacks to
	CORS            CORSConfig      `mapstructure:"cors"`
	RateLimit       RateLimitConfig `mapstructure:"rate_limit"`
	// TrustedProxies lists the addresses or CIDRs whose X-Forwarded-For and
	// X-Real-IP headers are believed. Empty means the peer address is the client.
	TrustedProxies []string `mapstructure:"trusted_proxies"`
	// OpsAllowedIPs restricts /ops to these addresses or CIDRs. Authentication
	// of operators is left to whatever fronts the service; empty opens /ops.
	OpsAllowedIPs []string `mapstructure:"ops_allowed_ips"`
}

// RateLimitConfig caps inbound requests per client IP and minute; 0 disables.
type RateLimitConfig struct {
	API       int `mapstructure:"api"`
	Callbacks int `mapstructure:"callbacks"`
}

type CORSConfig struct {
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
}

type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	MaxConnections  int           `mapstructure:"max_connections"`
	MinConnections  int           `mapstructure:"min_connections"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	SSLMode         string        `mapstructure:"ssl_mode"`
}

type RedisConfig struct {
	Host              string        `mapstructure:"host"`
	Port              int           `mapstructure:"port"`
	DB                int           `mapstructure:"db"`
	Password          string        `mapstructure:"password"`
	KeyPrefix         string        `mapstructure:"key_prefix"`
	ConnectRetries    int           `mapstructure:"connect_retries"`
	ConnectRetryDelay time.Duration `mapstructure:"connect_retry_delay"`
}

// CacheConfig sets per-level TTLs of the read-through cache.
type CacheConfig struct {
	L1TTL      time.Duration `mapstructure:"l1_ttl"`
	L2TTL      time.Duration `mapstructure:"l2_ttl"`
	L1Cleanup  time.Duration `mapstructure:"l1_cleanup"`
	OrderL2TTL time.Duration `mapstructure:"order_l2_ttl"` // orders change during reconciliation
}

type OrderConfig struct {
	LockTTL        time.Duration `mapstructure:"lock_ttl"`
	ValidityWindow time.Duration `mapstructure:"validity_window"`
	BloomCapacity  uint          `mapstructure:"bloom_capacity"`
	BloomFPRate    float64       `mapstructure:"bloom_fp_rate"`
	BloomWarmup    time.Duration `mapstructure:"bloom_warmup"`
	NodeID         int64         `mapstructure:"node_id"`
}

type ReconcileConfig struct {
	Interval     time.Duration `mapstructure:"interval"`
	ForceTimeout time.Duration `mapstructure:"force_timeout"`
	BatchSize    int           `mapstructure:"batch_size"`
	Concurrency  int           `mapstructure:"concurrency"`
}

type NotifyConfig struct {
	PendingInterval  time.Duration   `mapstructure:"pending_interval"`
	RetryInterval    time.Duration   `mapstructure:"retry_interval"`
	DelayedInterval  time.Duration   `mapstructure:"delayed_interval"`
	SweepInterval    time.Duration   `mapstructure:"sweep_interval"`
	BatchSize        int             `mapstructure:"batch_size"`
	MaxAttempts      int             `mapstructure:"max_attempts"`
	MaxAge           time.Duration   `mapstructure:"max_age"`
	Backoff          []time.Duration `mapstructure:"backoff"`
	PendingRetention time.Duration   `mapstructure:"pending_retention"`
	RetryRetention   time.Duration   `mapstructure:"retry_retention"`
	DelayedRetention time.Duration   `mapstructure:"delayed_retention"`
	HTTPTimeout      time.Duration   `mapstructure:"http_timeout"`
	RatePerHost      float64         `mapstructure:"rate_per_host"`
	SignHeader       string          `mapstructure:"sign_header"`
	// LeaseTimeout is how long a claimed item stays invisible to other
	// workers before it is delivered again.
	LeaseTimeout time.Duration `mapstructure:"lease_timeout"`
	// RecoverAfter is how long an undelivered paid order may sit outside every
	// lane before the sweep queues it again.
	RecoverAfter time.Duration `mapstructure:"recover_after"`
}

type ProviderConfig struct {
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	QueryRetries    uint          `mapstructure:"query_retries"`
	BreakerRequests uint32        `mapstructure:"breaker_requests"`
	BreakerInterval time.Duration `mapstructure:"breaker_interval"`
	BreakerTimeout  time.Duration `mapstructure:"breaker_timeout"`
}

type ObservabilityConfig struct {
	LogLevel       string `mapstructure:"log_level"`
	LogFormat      string `mapstructure:"log_format"` // json or console
	JaegerEndpoint string `mapstructure:"jaeger_endpoint"`
	EnableMetrics  bool   `mapstructure:"enable_metrics"`
	EnableTracing  bool   `mapstructure:"enable_tracing"`
}

func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("PAYGATE")
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/paygate")

	// Config file is optional
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port))
	}
	if c.Server.ReadTimeout <= 0 {
		errs = append(errs, fmt.Errorf("server.read_timeout must be positive"))
	}
	if c.Server.WriteTimeout <= 0 {
		errs = append(errs, fmt.Errorf("server.write_timeout must be positive"))
	}
	if c.Server.PublicURL == "" {
		errs = append(errs, fmt.Errorf("server.public_url is required"))
	}
	if c.Server.RateLimit.API < 0 || c.Server.RateLimit.Callbacks < 0 {
		errs = append(errs, fmt.Errorf("server.rate_limit values must not be negative"))
	}
	if c.Database.Host == "" {
		errs = append(errs, fmt.Errorf("database.host is required"))
	}
	if c.Database.Port <= 0 {
		errs = append(errs, fmt.Errorf("database.port must be positive"))
	}
	if c.Redis.Port <= 0 {
		errs = append(errs, fmt.Errorf("redis.port must be positive"))
	}
	if c.Cache.L1TTL <= 0 || c.Cache.L2TTL <= 0 {
		errs = append(errs, fmt.Errorf("cache.l1_ttl and cache.l2_ttl must be positive"))
	}
	if c.Cache.L1TTL > c.Cache.L2TTL {
		errs = append(errs, fmt.Errorf("cache.l1_ttl must not exceed cache.l2_ttl"))
	}
	if c.Order.LockTTL <= 0 {
		errs = append(errs, fmt.Errorf("order.lock_ttl must be positive"))
	}
	if c.Order.BloomFPRate <= 0 || c.Order.BloomFPRate >= 1 {
		errs = append(errs, fmt.Errorf("order.bloom_fp_rate must be in (0, 1)"))
	}
	if c.Order.NodeID < 0 || c.Order.NodeID > 1023 {
		errs = append(errs, fmt.Errorf("order.node_id must be between 0 and 1023"))
	}
	if c.Reconcile.Interval <= 0 {
		errs = append(errs, fmt.Errorf("reconcile.interval must be positive"))
	}
	if c.Reconcile.ForceTimeout <= c.Order.ValidityWindow {
		errs = append(errs, fmt.Errorf("reconcile.force_timeout must exceed order.validity_window"))
	}
	if c.Reconcile.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("reconcile.batch_size must be positive"))
	}
	if c.Notify.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("notify.batch_size must be positive"))
	}
	if c.Notify.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("notify.max_attempts must be positive"))
	}
	if c.Notify.PendingInterval <= 0 || c.Notify.RetryInterval <= 0 || c.Notify.DelayedInterval <= 0 {
		errs = append(errs, fmt.Errorf("notify lane intervals must be positive"))
	}
	if c.Notify.LeaseTimeout > 0 && c.Notify.LeaseTimeout <= c.Notify.HTTPTimeout {
		errs = append(errs, fmt.Errorf("notify.lease_timeout must exceed notify.http_timeout"))
	}
	if c.Provider.ConnectTimeout <= 0 || c.Provider.RequestTimeout <= 0 {
		errs = append(errs, fmt.Errorf("provider.connect_timeout and provider.request_timeout must be positive"))
	}
	errs = append(errs, checkAddrList("server.trusted_proxies", c.Server.TrustedProxies)...)
	errs = append(errs, checkAddrList("server.ops_allowed_ips", c.Server.OpsAllowedIPs)...)

	env := os.Getenv("ENV")
	if env == "production" || env == "prod" {
		if c.Database.Password == "" {
			errs = append(errs, fmt.Errorf("database.password required in production"))
		}
	}

	return errors.Join(errs...)
}

func checkAddrList(key string, entries []string) []error {
	var errs []error
	for _, p := range entries {
		if _, err := netip.ParsePrefix(p); err != nil {
			if _, err := netip.ParseAddr(p); err != nil {
				errs = append(errs, fmt.Errorf("%s: %q is not an address or CIDR", key, p))
			}
		}
	}
	return errs
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.public_url", "http://localhost:8080")
	v.SetDefault("server.cors.allowed_origins", []string{"*"})
	v.SetDefault("server.cors.allow_credentials", false)
	v.SetDefault("server.rate_limit.api", 600)
	v.SetDefault("server.rate_limit.callbacks", 1200)
	v.SetDefault("server.trusted_proxies", []string{})
	v.SetDefault("server.ops_allowed_ips", []string{"127.0.0.1", "::1"})

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "paygate")
	v.SetDefault("database.database", "paygate")
	v.SetDefault("database.max_connections", 25)
	v.SetDefault("database.min_connections", 5)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.ssl_mode", "disable")

	// Redis defaults
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "paygate:")
	v.SetDefault("redis.connect_retries", 5)
	v.SetDefault("redis.connect_retry_delay", "1s")

	// Cache defaults
	v.SetDefault("cache.l1_ttl", "20s")
	v.SetDefault("cache.l2_ttl", "5m")
	v.SetDefault("cache.l1_cleanup", "1m")
	v.SetDefault("cache.order_l2_ttl", "30s")

	// Order defaults
	v.SetDefault("order.lock_ttl", "10s")
	v.SetDefault("order.validity_window", "10m")
	v.SetDefault("order.bloom_capacity", 1000000)
	v.SetDefault("order.bloom_fp_rate", 0.001)
	v.SetDefault("order.bloom_warmup", "24h")
	v.SetDefault("order.node_id", 1)

	// Reconcile defaults
	v.SetDefault("reconcile.interval", "10s")
	v.SetDefault("reconcile.force_timeout", "30m")
	v.SetDefault("reconcile.batch_size", 200)
	v.SetDefault("reconcile.concurrency", 8)

	// Notify defaults
	v.SetDefault("notify.pending_interval", "500ms")
	v.SetDefault("notify.retry_interval", "10s")
	v.SetDefault("notify.delayed_interval", "10s")
	v.SetDefault("notify.sweep_interval", "10m")
	v.SetDefault("notify.batch_size", 50)
	v.SetDefault("notify.max_attempts", 15)
	v.SetDefault("notify.max_age", "26h")
	v.SetDefault("notify.pending_retention", "1h")
	v.SetDefault("notify.retry_retention", "48h")
	v.SetDefault("notify.delayed_retention", "48h")
	v.SetDefault("notify.http_timeout", "10s")
	v.SetDefault("notify.rate_per_host", 20)
	v.SetDefault("notify.sign_header", "X-Paygate-Signature")
	v.SetDefault("notify.lease_timeout", "2m")
	v.SetDefault("notify.recover_after", "10m")

	// Provider defaults
	v.SetDefault("provider.connect_timeout", "3s")
	v.SetDefault("provider.request_timeout", "10s")
	v.SetDefault("provider.query_retries", 2)
	v.SetDefault("provider.breaker_requests", 10)
	v.SetDefault("provider.breaker_interval", "60s")
	v.SetDefault("provider.breaker_timeout", "30s")

	// Observability defaults
	v.SetDefault("observability.log_level", "info")
	v.SetDefault("observability.log_format", "json")
	v.SetDefault("observability.jaeger_endpoint", "http://localhost:14268/api/traces")
	v.SetDefault("observability.enable_metrics", true)
	v.SetDefault("observability.enable_tracing", false)

	// Instance ID
	v.SetDefault("instance_id", "paygate-1")
}

func (c *DatabaseConfig) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// MigrateURL is the postgres:// form golang-migrate expects.
func (c *DatabaseConfig) MigrateURL() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
		Path:     "/" + c.Database,
		RawQuery: url.Values{"sslmode": {c.SSLMode}}.Encode(),
	}
	return u.String()
}

func (c *RedisConfig) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
