package config

import (
	"testing"
	"time"
)

func validConfig() Config {
	var cfg Config
	cfg.App = AppConfig{Name: "test-service"}
	cfg.HTTP = HTTPConfig{Port: 8080}
	cfg.Log = LogConfig{Level: "info"}
	cfg.Queue = QueueConfig{MaxDepth: 1000, BackpressureLowWater: 0.8}
	cfg.Module = ModuleConfig{PoolMin: 1, PoolMax: 10}
	cfg.Version = VersionConfig{TransformerChainMax: 10}
	return cfg
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid config", func(*Config) {}, false},
		{"missing app name", func(c *Config) { c.App.Name = "" }, true},
		{"invalid port - zero", func(c *Config) { c.HTTP.Port = 0 }, true},
		{"invalid port - too high", func(c *Config) { c.HTTP.Port = 70000 }, true},
		{"invalid log level", func(c *Config) { c.Log.Level = "invalid" }, true},
		{"valid debug level", func(c *Config) { c.Log.Level = "debug" }, false},
		{"empty log level defaults to info", func(c *Config) { c.Log.Level = "" }, false},
		{"non-positive queue depth", func(c *Config) { c.Queue.MaxDepth = 0 }, true},
		{"low watermark out of range", func(c *Config) { c.Queue.BackpressureLowWater = 1.5 }, true},
		{"pool min above max", func(c *Config) { c.Module.PoolMin = 20 }, true},
		{"negative transformer chain max", func(c *Config) { c.Version.TransformerChainMax = -1 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_IsDevelopment(t *testing.T) {
	tests := []struct {
		env  string
		want bool
	}{
		{"development", true},
		{"dev", true},
		{"production", false},
		{"staging", false},
	}

	for _, tt := range tests {
		cfg := &Config{App: AppConfig{Environment: tt.env}}
		if got := cfg.IsDevelopment(); got != tt.want {
			t.Errorf("IsDevelopment() for %s = %v, want %v", tt.env, got, tt.want)
		}
	}
}

func TestConfig_IsProduction(t *testing.T) {
	tests := []struct {
		env  string
		want bool
	}{
		{"production", true},
		{"prod", true},
		{"development", false},
		{"staging", false},
	}

	for _, tt := range tests {
		cfg := &Config{App: AppConfig{Environment: tt.env}}
		if got := cfg.IsProduction(); got != tt.want {
			t.Errorf("IsProduction() for %s = %v, want %v", tt.env, got, tt.want)
		}
	}
}

func TestServiceEndpoint_Address(t *testing.T) {
	endpoint := ServiceEndpoint{
		Host: "localhost",
		Port: 50051,
	}

	addr := endpoint.Address()
	if addr != "localhost:50051" {
		t.Errorf("expected 'localhost:50051', got %s", addr)
	}
}

func TestDatabaseConfig_DSN(t *testing.T) {
	tests := []struct {
		name   string
		cfg    DatabaseConfig
		expect string
	}{
		{
			name: "postgres",
			cfg: DatabaseConfig{
				Driver:   "postgres",
				Host:     "localhost",
				Port:     5432,
				Database: "testdb",
				Username: "user",
				Password: "pass",
				SSLMode:  "disable",
			},
			expect: "host=localhost port=5432 user=user password=pass dbname=testdb sslmode=disable",
		},
		{
			name: "unknown",
			cfg: DatabaseConfig{
				Driver: "unknown",
			},
			expect: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dsn := tt.cfg.DSN()
			if dsn != tt.expect {
				t.Errorf("expected DSN %s, got %s", tt.expect, dsn)
			}
		})
	}
}

func TestCacheConfig_Address(t *testing.T) {
	cfg := CacheConfig{
		Host: "redis.local",
		Port: 6379,
	}

	addr := cfg.Address()
	if addr != "redis.local:6379" {
		t.Errorf("expected 'redis.local:6379', got %s", addr)
	}
}

func TestKeepAliveConfig(t *testing.T) {
	cfg := KeepAliveConfig{
		MaxConnectionIdle:     15 * time.Minute,
		MaxConnectionAge:      30 * time.Minute,
		MaxConnectionAgeGrace: 5 * time.Minute,
		Time:                  5 * time.Minute,
		Timeout:               20 * time.Second,
	}

	if cfg.MaxConnectionIdle != 15*time.Minute {
		t.Errorf("unexpected MaxConnectionIdle: %v", cfg.MaxConnectionIdle)
	}
}


