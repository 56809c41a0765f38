// pkg/config/loader.go
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const (
	envPrefix    = "GATI_"
	configEnvVar = "CONFIG_PATH"
)

// Loader загружает конфигурацию из разных источников
type Loader struct {
	k           *koanf.Koanf
	configPaths []string
	envPrefix   string
}

// NewLoader создаёт новый загрузчик конфигурации
func NewLoader(opts ...LoaderOption) *Loader {
	l := &Loader{
		k: koanf.New("."),
		configPaths: []string{
			"config.yaml",
			"config/config.yaml",
			"/etc/gati/config.yaml",
		},
		envPrefix: envPrefix,
	}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

// LoaderOption - опция для конфигурации загрузчика
type LoaderOption func(*Loader)

// WithConfigPaths устанавливает пути поиска конфигурации
func WithConfigPaths(paths ...string) LoaderOption {
	return func(l *Loader) {
		l.configPaths = paths
	}
}

// WithEnvPrefix устанавливает префикс переменных окружения
func WithEnvPrefix(prefix string) LoaderOption {
	return func(l *Loader) {
		l.envPrefix = prefix
	}
}

// Load загружает конфигурацию с приоритетом:
// 1. Defaults (самый низкий)
// 2. Config file (yaml)
// 3. Environment variables (самый высокий)
func (l *Loader) Load() (*Config, error) {
	if err := l.loadDefaults(); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if err := l.loadConfigFile(); err != nil {
		// Файл не обязателен, логируем warning
		fmt.Printf("Warning: %v\n", err)
	}

	if err := l.loadEnv(); err != nil {
		return nil, fmt.Errorf("failed to load env: %w", err)
	}

	if err := l.loadRecognizedEnv(); err != nil {
		return nil, fmt.Errorf("failed to load recognized env: %w", err)
	}

	var cfg Config
	if err := l.k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// loadDefaults загружает значения по умолчанию. Keys correspond to the
// environment variables recognized by the runtime, expressed in koanf's
// dotted notation (RUNTIME_WORKERS -> runtime.workers, and so on).
func (l *Loader) loadDefaults() error {
	defaults := map[string]any{
		// App
		"app.name":        "gati",
		"app.version":     "0.1.0",
		"app.environment": "development",
		"app.debug":       false,

		// Runtime — RUNTIME_WORKERS
		"runtime.workers": runtime.NumCPU(),

		// GRPC (Route Manager remote mode)
		"grpc.port":                8090,
		"grpc.max_recv_msg_size":   4 * 1024 * 1024,
		"grpc.max_send_msg_size":   4 * 1024 * 1024,
		"grpc.max_concurrent_conn": 1000,
		"grpc.keepalive.max_connection_idle":      5 * time.Minute,
		"grpc.keepalive.max_connection_age":       30 * time.Minute,
		"grpc.keepalive.max_connection_age_grace": 5 * time.Minute,
		"grpc.keepalive.time":                     2 * time.Minute,
		"grpc.keepalive.timeout":                  20 * time.Second,

		// HTTP (ingress listener)
		"http.port":            8080,
		"http.read_timeout":    30 * time.Second,
		"http.write_timeout":   30 * time.Second,
		"http.shutdown_timeout": 10 * time.Second,

		// Ingress — INGRESS_BODY_MAX_BYTES
		"ingress.body_max_bytes":    1048576,
		"ingress.request_id_header": "X-Request-Id",
		"ingress.version_header":   "X-Gati-Version",
		"ingress.version_query_key": "version",
		"ingress.priority_header":  "X-Gati-Priority",
		"ingress.auth_method":      "none",
		"ingress.api_key_header":   "X-Api-Key",
		"ingress.max_header_count": 100,
		"ingress.request_timeout":  30 * time.Second,
		"ingress.correlation_header": "X-Request-Id",

		// Queue — QUEUE_MAX_DEPTH, QUEUE_BACKPRESSURE_LOW_WATERMARK
		"queue.max_depth":                  10000,
		"queue.backpressure_low_watermark": 0.8,
		"queue.exactly_once_ring_size":     50000,
		"queue.exactly_once_backend":       "memory",
		"queue.worker_pool_size":           16,
		"queue.at_least_once_max_attempts": 3,

		// Handler — HANDLER_TIMEOUT_MS
		"handler.timeout_ms": 30000,
		"handler.guard_ms":   500,

		// Hook — HOOK_TIMEOUT_MS
		"hook.timeout_ms": 5000,

		// Cleanup — CLEANUP_TIMEOUT_MS
		"cleanup.timeout_ms":    1000,
		"cleanup.settle_ms":     1000,
		"cleanup.max_snapshots": 32,

		// Module — MODULE_RPC_*, MODULE_POOL_*
		"module.rpc_timeout_ms":      10000,
		"module.rpc_max_retries":     3,
		"module.backoff_initial_ms":  100,
		"module.backoff_mult":        2.0,
		"module.backoff_max_ms":      10000,
		"module.pool_max":            10,
		"module.pool_min":            1,
		"module.idle_timeout":        5 * time.Minute,
		"module.max_conn_lifetime":   30 * time.Minute,
		"module.connect_timeout":     5 * time.Second,

		// Version — TRANSFORMER_CHAIN_MAX
		"version.transformer_chain_max": 10,

		// Route Manager
		"route_manager.mode":                "local",
		"route_manager.remote_addr":         "localhost:50051",
		"route_manager.canary_health_window": time.Minute,
		"route_manager.canary_health_floor":  0.95,

		// Log — LOG_LEVEL
		"log.level":       "info",
		"log.format":      "json",
		"log.output":      "stdout",
		"log.max_size":    100,
		"log.max_backups": 3,
		"log.max_age":     7,
		"log.compress":    true,

		// Metrics — METRICS_ENABLED
		"metrics.enabled":   true,
		"metrics.port":      9090,
		"metrics.path":      "/metrics",
		"metrics.namespace": "gati",
		"metrics.subsystem": "",

		// Tracing
		"tracing.enabled":      false,
		"tracing.endpoint":     "localhost:4317",
		"tracing.service_name": "gati",
		"tracing.sample_rate":  0.1,

		// Database — optional durable manifest store
		"database.driver":             "postgres",
		"database.host":               "localhost",
		"database.port":               5432,
		"database.database":           "gati",
		"database.username":           "postgres",
		"database.password":           "",
		"database.ssl_mode":           "disable",
		"database.max_open_conns":     25,
		"database.max_idle_conns":     5,
		"database.conn_max_lifetime":  5 * time.Minute,
		"database.conn_max_idle_time": 5 * time.Minute,
		"database.migrations_path":    "migrations",
		"database.auto_migrate":       false,

		// Cache — backs the Global Context's secrets lookups
		"cache.enabled":     false,
		"cache.driver":      "memory",
		"cache.host":        "localhost",
		"cache.port":        6379,
		"cache.db":          0,
		"cache.default_ttl": 5 * time.Minute,
		"cache.max_entries": 10000,

		// Rate Limit — consulted by Route Manager, not enforced by the core
		"rate_limit.enabled":          true,
		"rate_limit.requests":         100,
		"rate_limit.window":           time.Minute,
		"rate_limit.strategy":         "sliding_window",
		"rate_limit.backend":          "memory",
		"rate_limit.burst_size":       10,
		"rate_limit.cleanup_interval": 5 * time.Minute,

		// Audit
		"audit.enabled":          true,
		"audit.backend":          "stdout",
		"audit.buffer_size":      1000,
		"audit.flush_period":     5 * time.Second,
		"audit.include_request":  false,
		"audit.include_response": false,
	}

	return l.k.Load(confmap.Provider(defaults, "."), nil)
}

// loadConfigFile загружает конфигурацию из файла
func (l *Loader) loadConfigFile() error {
	if configPath := os.Getenv(configEnvVar); configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			return l.k.Load(file.Provider(configPath), yaml.Parser())
		}
	}

	for _, path := range l.configPaths {
		absPath, err := filepath.Abs(path)
		if err != nil {
			continue
		}

		if _, err := os.Stat(absPath); err == nil {
			return l.k.Load(file.Provider(absPath), yaml.Parser())
		}
	}

	return fmt.Errorf("config file not found in paths: %v", l.configPaths)
}

// loadEnv загружает конфигурацию из переменных окружения
func (l *Loader) loadEnv() error {
	return l.k.Load(env.Provider(l.envPrefix, ".", func(s string) string {
		// GATI_QUEUE_MAX_DEPTH -> queue.max_depth
		return strings.ReplaceAll(
			strings.ToLower(
				strings.TrimPrefix(s, l.envPrefix),
			),
			"_", ".",
		)
	}), nil)
}

// recognizedEnv maps the documented bare environment variable names to
// their koanf keys. These take precedence over the GATI_-prefixed forms.
var recognizedEnv = map[string]string{
	"RUNTIME_WORKERS":                  "runtime.workers",
	"INGRESS_BODY_MAX_BYTES":           "ingress.body_max_bytes",
	"QUEUE_MAX_DEPTH":                  "queue.max_depth",
	"QUEUE_BACKPRESSURE_LOW_WATERMARK": "queue.backpressure_low_watermark",
	"HANDLER_TIMEOUT_MS":               "handler.timeout_ms",
	"HOOK_TIMEOUT_MS":                  "hook.timeout_ms",
	"CLEANUP_TIMEOUT_MS":               "cleanup.timeout_ms",
	"MODULE_RPC_TIMEOUT_MS":            "module.rpc_timeout_ms",
	"MODULE_RPC_MAX_RETRIES":           "module.rpc_max_retries",
	"MODULE_RPC_BACKOFF_INITIAL_MS":    "module.backoff_initial_ms",
	"MODULE_RPC_BACKOFF_MULT":          "module.backoff_mult",
	"MODULE_RPC_BACKOFF_MAX_MS":        "module.backoff_max_ms",
	"MODULE_POOL_MAX":                  "module.pool_max",
	"MODULE_POOL_MIN":                  "module.pool_min",
	"TRANSFORMER_CHAIN_MAX":            "version.transformer_chain_max",
	"LOG_LEVEL":                        "log.level",
	"METRICS_ENABLED":                  "metrics.enabled",
}

// loadRecognizedEnv загружает документированные имена без префикса
func (l *Loader) loadRecognizedEnv() error {
	values := map[string]any{}
	for name, key := range recognizedEnv {
		if v, ok := os.LookupEnv(name); ok {
			values[key] = v
		}
	}
	if len(values) == 0 {
		return nil
	}
	return l.k.Load(confmap.Provider(values, "."), nil)
}

// MustLoad загружает конфигурацию или паникует
func MustLoad(opts ...LoaderOption) *Config {
	cfg, err := NewLoader(opts...).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// Load - удобная функция для загрузки с дефолтными настройками
func Load() (*Config, error) {
	return NewLoader().Load()
}

// LoadWithServiceDefaults загружает конфигурацию с переопределением для конкретного процесса
// (ingress runtime vs. standalone route manager vs. example module)
func LoadWithServiceDefaults(serviceName string, defaultPort int) (*Config, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}

	if cfg.HTTP.Port == 8080 && defaultPort != 0 {
		cfg.HTTP.Port = defaultPort
	}

	if cfg.App.Name == "gati" {
		cfg.App.Name = serviceName
	}

	return cfg, nil
}
