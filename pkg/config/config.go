// pkg/config/config.go
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the top-level runtime configuration. Field names and defaults
// follow the recognized environment variables of the request-processing core.
type Config struct {
	App       AppConfig       `koanf:"app"`
	Runtime   RuntimeConfig   `koanf:"runtime"`
	GRPC      GRPCConfig      `koanf:"grpc"`
	HTTP      HTTPConfig      `koanf:"http"`
	Ingress   IngressConfig   `koanf:"ingress"`
	Queue     QueueConfig     `koanf:"queue"`
	Handler   HandlerConfig   `koanf:"handler"`
	Hook      HookConfig      `koanf:"hook"`
	Cleanup   CleanupConfig   `koanf:"cleanup"`
	Module    ModuleConfig    `koanf:"module"`
	Version   VersionConfig   `koanf:"version"`
	Log       LogConfig       `koanf:"log"`
	Metrics   MetricsConfig   `koanf:"metrics"`
	Tracing   TracingConfig   `koanf:"tracing"`
	Database  DatabaseConfig  `koanf:"database"`
	Cache     CacheConfig     `koanf:"cache"`
	RateLimit RateLimitConfig `koanf:"rate_limit"`
	Audit     AuditConfig     `koanf:"audit"`
	RouteMgr  RouteMgrConfig  `koanf:"route_manager"`
	Modules   map[string]ServiceEndpoint `koanf:"modules"`
}

// AppConfig carries process identity used in logs, traces, and response headers.
type AppConfig struct {
	Name        string `koanf:"name"`
	Version     string `koanf:"version"`
	Environment string `koanf:"environment"` // development, staging, production
	Debug       bool   `koanf:"debug"`
}

// RuntimeConfig maps to RUNTIME_WORKERS.
type RuntimeConfig struct {
	Workers int `koanf:"workers"`
}

// GRPCConfig configures the Route Manager's remote-mode gRPC listener.
type GRPCConfig struct {
	Port              int             `koanf:"port"`
	MaxRecvMsgSize    int             `koanf:"max_recv_msg_size"` // bytes
	MaxSendMsgSize    int             `koanf:"max_send_msg_size"` // bytes
	MaxConcurrentConn int             `koanf:"max_concurrent_conn"`
	KeepAlive         KeepAliveConfig `koanf:"keepalive"`
	TLS               TLSConfig       `koanf:"tls"`
}

// KeepAliveConfig bounds gRPC connection lifetimes.
type KeepAliveConfig struct {
	MaxConnectionIdle     time.Duration `koanf:"max_connection_idle"`
	MaxConnectionAge      time.Duration `koanf:"max_connection_age"`
	MaxConnectionAgeGrace time.Duration `koanf:"max_connection_age_grace"`
	Time                  time.Duration `koanf:"time"`
	Timeout               time.Duration `koanf:"timeout"`
}

// TLSConfig configures transport security for the gRPC listener.
type TLSConfig struct {
	Enabled  bool   `koanf:"enabled"`
	CertFile string `koanf:"cert_file"`
	KeyFile  string `koanf:"key_file"`
	CAFile   string `koanf:"ca_file"`
}

// HTTPConfig configures the ingress HTTP listener.
type HTTPConfig struct {
	Port            int           `koanf:"port"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// IngressConfig maps to INGRESS_BODY_MAX_BYTES and the request-id/auth surface.
type IngressConfig struct {
	BodyMaxBytes      int64         `koanf:"body_max_bytes"`
	RequestIDHeader   string        `koanf:"request_id_header"`
	VersionHeader     string        `koanf:"version_header"`
	VersionQueryKey   string        `koanf:"version_query_key"`
	PriorityHeader    string        `koanf:"priority_header"`
	AuthMethod        string        `koanf:"auth_method"` // none, api_key, bearer
	APIKeyHeader      string        `koanf:"api_key_header"`
	APIKeyHash        string        `koanf:"api_key_hash"`   // argon2id hash of the shared secret
	APIKeySecret      string        `koanf:"api_key_secret"` // plain fallback for development
	JWTSecret         string        `koanf:"jwt_secret"`
	JWTIssuer         string        `koanf:"jwt_issuer"`
	MaxHeaderCount    int           `koanf:"max_header_count"`
	RequestTimeout    time.Duration `koanf:"request_timeout"`
	CorrelationHeader string        `koanf:"correlation_header"`
}

// QueueConfig maps to QUEUE_MAX_DEPTH and QUEUE_BACKPRESSURE_LOW_WATERMARK.
type QueueConfig struct {
	MaxDepth               int     `koanf:"max_depth"`
	BackpressureLowWater   float64 `koanf:"backpressure_low_watermark"`
	ExactlyOnceRingSize    int     `koanf:"exactly_once_ring_size"`
	ExactlyOnceBackend     string  `koanf:"exactly_once_backend"` // memory, redis
	WorkerPoolSize         int     `koanf:"worker_pool_size"`
	AtLeastOnceMaxAttempts int     `koanf:"at_least_once_max_attempts"`
}

// HandlerConfig maps to HANDLER_TIMEOUT_MS.
type HandlerConfig struct {
	TimeoutMS int `koanf:"timeout_ms"`
	GuardMS   int `koanf:"guard_ms"`
}

// HookConfig maps to HOOK_TIMEOUT_MS.
type HookConfig struct {
	TimeoutMS int `koanf:"timeout_ms"`
}

// CleanupConfig maps to CLEANUP_TIMEOUT_MS.
type CleanupConfig struct {
	TimeoutMS      int `koanf:"timeout_ms"`
	SettleMS       int `koanf:"settle_ms"`
	MaxSnapshots   int `koanf:"max_snapshots"`
}

// ModuleConfig maps to the MODULE_RPC_* and MODULE_POOL_* variables.
type ModuleConfig struct {
	RPCTimeoutMS       int     `koanf:"rpc_timeout_ms"`
	RPCMaxRetries      int     `koanf:"rpc_max_retries"`
	BackoffInitialMS   int     `koanf:"backoff_initial_ms"`
	BackoffMultiplier  float64 `koanf:"backoff_mult"`
	BackoffMaxMS       int     `koanf:"backoff_max_ms"`
	PoolMax            int     `koanf:"pool_max"`
	PoolMin            int     `koanf:"pool_min"`
	IdleTimeout        time.Duration `koanf:"idle_timeout"`
	MaxConnLifetime    time.Duration `koanf:"max_conn_lifetime"`
	ConnectTimeout     time.Duration `koanf:"connect_timeout"`
}

// VersionConfig maps to TRANSFORMER_CHAIN_MAX.
type VersionConfig struct {
	TransformerChainMax int `koanf:"transformer_chain_max"`
}

// RouteMgrConfig configures the Route Manager's local/remote mode and canary policy.
type RouteMgrConfig struct {
	Mode                 string  `koanf:"mode"` // local, remote
	RemoteAddr           string  `koanf:"remote_addr"`
	CanaryHealthWindow   time.Duration `koanf:"canary_health_window"`
	CanaryHealthFloor    float64 `koanf:"canary_health_floor"`
}

// LogConfig configures the slog-backed logger.
type LogConfig struct {
	Level      string `koanf:"level"`
	Format     string `koanf:"format"`
	Output     string `koanf:"output"`
	FilePath   string `koanf:"file_path"`
	MaxSize    int    `koanf:"max_size"`
	MaxBackups int    `koanf:"max_backups"`
	MaxAge     int    `koanf:"max_age"`
	Compress   bool   `koanf:"compress"`
}

// MetricsConfig maps to METRICS_ENABLED.
type MetricsConfig struct {
	Enabled   bool   `koanf:"enabled"`
	Port      int    `koanf:"port"`
	Path      string `koanf:"path"`
	Namespace string `koanf:"namespace"`
	Subsystem string `koanf:"subsystem"`
}

// TracingConfig configures the OpenTelemetry exporter.
type TracingConfig struct {
	Enabled     bool    `koanf:"enabled"`
	Endpoint    string  `koanf:"endpoint"`
	ServiceName string  `koanf:"service_name"`
	SampleRate  float64 `koanf:"sample_rate"`
}

// ServiceEndpoint addresses a dialable peer (a module, or the remote Route Manager).
type ServiceEndpoint struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	Timeout         time.Duration `koanf:"timeout"`
	MaxRetries      int           `koanf:"max_retries"`
	RetryBackoff    time.Duration `koanf:"retry_backoff"`
	TLS             bool          `koanf:"tls"`
	HealthCheckPath string        `koanf:"health_check_path"`
}

// Address returns the dialable host:port pair.
func (s ServiceEndpoint) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DatabaseConfig configures the optional durable manifest store backend.
type DatabaseConfig struct {
	Driver          string        `koanf:"driver"`
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	Database        string        `koanf:"database"`
	Username        string        `koanf:"username"`
	Password        string        `koanf:"password"`
	SSLMode         string        `koanf:"ssl_mode"`
	MaxOpenConns    int           `koanf:"max_open_conns"`
	MaxIdleConns    int           `koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `koanf:"conn_max_idle_time"`
	MigrationsPath  string        `koanf:"migrations_path"`
	AutoMigrate     bool          `koanf:"auto_migrate"`
}

// DSN returns the driver-appropriate connection string.
func (d DatabaseConfig) DSN() string {
	switch strings.ToLower(d.Driver) {
	case "postgres", "postgresql":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.Username, d.Password, d.Database, d.SSLMode,
		)
	default:
		return ""
	}
}

// CacheConfig configures the runtime cache (in-memory or Redis) that backs
// the Global Context's secrets lookups.
type CacheConfig struct {
	Enabled    bool          `koanf:"enabled"`
	Driver     string        `koanf:"driver"` // redis, memory
	Host       string        `koanf:"host"`
	Port       int           `koanf:"port"`
	Password   string        `koanf:"password"`
	DB         int           `koanf:"db"`
	DefaultTTL time.Duration `koanf:"default_ttl"`
	MaxEntries int           `koanf:"max_entries"`
}

// Address returns the cache backend's dialable address.
func (c CacheConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// RateLimitConfig configures the policy rate-limit token bucket the Route
// Manager consults (it is consulted, not implemented, by the core).
type RateLimitConfig struct {
	Enabled         bool          `koanf:"enabled"`
	Requests        int           `koanf:"requests"`
	Window          time.Duration `koanf:"window"`
	Strategy        string        `koanf:"strategy"`
	Backend         string        `koanf:"backend"`
	BurstSize       int           `koanf:"burst_size"`
	CleanupInterval time.Duration `koanf:"cleanup_interval"`
	RedisAddr       string        `koanf:"redis_addr"`
}

// AuditConfig configures the audit trail for admission and routing decisions.
type AuditConfig struct {
	Enabled         bool          `koanf:"enabled"`
	Backend         string        `koanf:"backend"`
	FilePath        string        `koanf:"file_path"`
	BufferSize      int           `koanf:"buffer_size"`
	FlushPeriod     time.Duration `koanf:"flush_period"`
	ExcludeMethods  []string      `koanf:"exclude_methods"`
	IncludeRequest  bool          `koanf:"include_request"`
	IncludeResponse bool          `koanf:"include_response"`
}

// Validate checks the loaded configuration for internal consistency.
func (c *Config) Validate() error {
	var errs []string

	if c.App.Name == "" {
		errs = append(errs, "app.name is required")
	}

	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		errs = append(errs, fmt.Sprintf("http.port must be between 1 and 65535, got %d", c.HTTP.Port))
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Log.Level)] {
		errs = append(errs, fmt.Sprintf("log.level must be one of: debug, info, warn, error, got %s", c.Log.Level))
	}

	if c.Queue.MaxDepth <= 0 {
		errs = append(errs, "queue.max_depth must be positive")
	}

	if c.Queue.BackpressureLowWater <= 0 || c.Queue.BackpressureLowWater >= 1 {
		errs = append(errs, "queue.backpressure_low_watermark must be in (0, 1)")
	}

	if c.Module.PoolMin > c.Module.PoolMax {
		errs = append(errs, "module.pool_min must not exceed module.pool_max")
	}

	if c.Version.TransformerChainMax < 0 {
		errs = append(errs, "version.transformer_chain_max must be non-negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}

	return nil
}

// IsDevelopment reports whether the runtime is configured for local development.
func (c *Config) IsDevelopment() bool {
	return c.App.Environment == "development" || c.App.Environment == "dev"
}

// IsProduction reports whether the runtime is configured for production.
func (c *Config) IsProduction() bool {
	return c.App.Environment == "production" || c.App.Environment == "prod"
}
