// Command gati runs the request-processing runtime: the ingress HTTP front
// door, the queue fabric, the Route Manager (local mode by default, remote
// over gRPC when configured), the LCC execution plane, and the module RPC
// clients.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/gati-run/gati/pkg/audit"
	"github.com/gati-run/gati/pkg/cache"
	"github.com/gati-run/gati/pkg/config"
	"github.com/gati-run/gati/pkg/database"
	"github.com/gati-run/gati/pkg/gctx"
	"github.com/gati-run/gati/pkg/logger"
	"github.com/gati-run/gati/pkg/manifest"
	"github.com/gati-run/gati/pkg/metrics"
	"github.com/gati-run/gati/pkg/modulerpc"
	"github.com/gati-run/gati/pkg/ratelimit"
	"github.com/gati-run/gati/pkg/routemanager"
	"github.com/gati-run/gati/pkg/runtime"
	"github.com/gati-run/gati/pkg/telemetry"
)

func main() {
	configPath := flag.String("config", "", "path to the configuration file")
	flag.Parse()

	var loaderOpts []config.LoaderOption
	if *configPath != "" {
		loaderOpts = append(loaderOpts, config.WithConfigPaths(*configPath))
	}
	cfg, err := config.NewLoader(loaderOpts...).Load()
	if err != nil {
		logger.Init("error")
		logger.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	logger.InitWithConfig(logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		FilePath:   cfg.Log.FilePath,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
		Compress:   cfg.Log.Compress,
	})

	logger.Log.Info("Starting gati runtime",
		"version", cfg.App.Version,
		"environment", cfg.App.Environment,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.InitMetrics(cfg.Metrics.Namespace, cfg.Metrics.Subsystem)
		m.SetServiceInfo(cfg.App.Version, cfg.App.Environment)
		go func() {
			logger.Log.Info("Starting metrics server", "port", cfg.Metrics.Port)
			if err := metrics.StartMetricsServer(cfg.Metrics.Port); err != nil {
				logger.Log.Error("Metrics server failed", "error", err)
			}
		}()
	}

	var tracer gctx.Tracer
	if cfg.Tracing.Enabled {
		tp, err := telemetry.Init(ctx, telemetry.Config{
			Enabled:     cfg.Tracing.Enabled,
			Endpoint:    cfg.Tracing.Endpoint,
			ServiceName: cfg.Tracing.ServiceName,
			Version:     cfg.App.Version,
			Environment: cfg.App.Environment,
			SampleRate:  cfg.Tracing.SampleRate,
		})
		if err != nil {
			logger.Log.Warn("Failed to init telemetry", "error", err)
		} else {
			tracer = tp
			defer func() {
				shutdownCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
				defer c()
				_ = tp.Shutdown(shutdownCtx)
			}()
		}
	}

	var auditLogger audit.Logger
	if cfg.Audit.Enabled {
		auditLogger, err = audit.New(&audit.Config{
			Enabled:     cfg.Audit.Enabled,
			Backend:     cfg.Audit.Backend,
			FilePath:    cfg.Audit.FilePath,
			BufferSize:  cfg.Audit.BufferSize,
			FlushPeriod: cfg.Audit.FlushPeriod,
		})
		if err != nil {
			logger.Log.Warn("Failed to create audit logger, continuing without it", "error", err)
		} else {
			audit.SetGlobal(auditLogger)
			defer auditLogger.Close()
		}
	}

	var limiter ratelimit.Limiter
	if cfg.RateLimit.Enabled {
		limiter, err = ratelimit.New(&ratelimit.Config{
			Requests:        cfg.RateLimit.Requests,
			Window:          cfg.RateLimit.Window,
			Strategy:        cfg.RateLimit.Strategy,
			Backend:         cfg.RateLimit.Backend,
			BurstSize:       cfg.RateLimit.BurstSize,
			CleanupInterval: cfg.RateLimit.CleanupInterval,
			RedisAddr:       cfg.RateLimit.RedisAddr,
		})
		if err != nil {
			logger.Log.Warn("Failed to create rate limiter, continuing without it", "error", err)
		} else {
			defer limiter.Close()
		}
	}

	var secretsCache cache.Cache
	if cfg.Cache.Enabled {
		secretsCache, err = cache.New(cache.FromConfig(&cfg.Cache))
		if err != nil {
			logger.Log.Warn("Failed to create cache, secrets resolve uncached", "error", err)
		} else {
			defer secretsCache.Close()
		}
	}

	modules, err := buildModuleRegistry(ctx, cfg, m)
	if err != nil {
		logger.Error("Failed to initialize module clients", "error", err)
		os.Exit(1)
	}

	engineOpts := runtime.Options{
		Config:      cfg,
		Metrics:     m,
		Logger:      logger.Log,
		Audit:       auditLogger,
		RateLimiter: limiter,
		Modules:     modules,
		Secrets:     gctx.NewEnvSecrets("GATI_SECRET_", secretsCache, cfg.Cache.DefaultTTL),
		Tracer:      tracer,
	}

	if cfg.RouteMgr.Mode == "remote" {
		conn, err := grpc.NewClient(cfg.RouteMgr.RemoteAddr,
			grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			logger.Error("Failed to dial remote route manager", "addr", cfg.RouteMgr.RemoteAddr, "error", err)
			os.Exit(1)
		}
		defer conn.Close()
		engineOpts.Router = routemanager.NewClient(conn, time.Duration(cfg.Module.RPCTimeoutMS)*time.Millisecond)
		logger.Log.Info("Route manager in remote mode", "addr", cfg.RouteMgr.RemoteAddr)
	}

	engine := runtime.New(engineOpts)

	if err := loadManifests(ctx, cfg, engine.Store()); err != nil {
		logger.Error("Failed to load manifests", "error", err)
		os.Exit(1)
	}

	engine.Start()

	mux := http.NewServeMux()
	mux.Handle("/", engine.HTTPHandler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      mux,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	go func() {
		logger.Log.Info("Ingress listening", "port", cfg.HTTP.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server failed", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer shutdownCancel()

	// Stop accepting ingress first, then drain the fabric.
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Log.Error("Server shutdown error", "error", err)
	}
	engine.Shutdown(shutdownCtx)

	logger.Log.Info("Server stopped")
}

// buildModuleRegistry dials every configured module endpoint and builds its
// pooled RPC client.
func buildModuleRegistry(ctx context.Context, cfg *config.Config, m *metrics.Metrics) (*modulerpc.Registry, error) {
	registry := modulerpc.NewRegistry()
	for moduleID, endpoint := range cfg.Modules {
		pool, err := modulerpc.NewPool(ctx, modulerpc.PoolConfig{
			Min:             cfg.Module.PoolMin,
			Max:             cfg.Module.PoolMax,
			IdleTimeout:     cfg.Module.IdleTimeout,
			MaxConnLifetime: cfg.Module.MaxConnLifetime,
			ConnectTimeout:  cfg.Module.ConnectTimeout,
			Address:         endpoint.Address(),
			TLS:             endpoint.TLS,
		})
		if err != nil {
			return nil, fmt.Errorf("module %q: %w", moduleID, err)
		}

		var clientMetrics modulerpc.Metrics
		if m != nil {
			clientMetrics = m
		}
		client := modulerpc.NewClient(moduleID, pool, modulerpc.RetryPolicy{
			MaxRetries:   cfg.Module.RPCMaxRetries,
			InitialDelay: time.Duration(cfg.Module.BackoffInitialMS) * time.Millisecond,
			Multiplier:   cfg.Module.BackoffMultiplier,
			MaxDelay:     time.Duration(cfg.Module.BackoffMaxMS) * time.Millisecond,
		}, time.Duration(cfg.Module.RPCTimeoutMS)*time.Millisecond, clientMetrics)

		registry.Register(moduleID, &modulerpc.RegistryEntry{Pool: pool, Client: client})
		logger.Log.Info("Module client initialized", "module", moduleID, "addr", endpoint.Address())
	}
	return registry, nil
}

// loadManifests ingests the manifest bundle from the configured durable
// store at startup. An unresolved dependency here is fatal by design.
func loadManifests(ctx context.Context, cfg *config.Config, store *manifest.Store) error {
	if cfg.Database.Driver == "" || cfg.Database.Host == "" {
		return nil
	}
	db, err := database.NewPostgresDB(ctx, &cfg.Database)
	if err != nil {
		logger.Log.Warn("Manifest database unavailable, starting with an empty store", "error", err)
		return nil
	}
	defer db.Close()

	if cfg.Database.AutoMigrate {
		if err := database.RunMigrations(ctx, db.Pool(), &cfg.Database, manifest.Migrations, manifest.MigrationsDir); err != nil {
			return fmt.Errorf("running migrations: %w", err)
		}
	}

	loader := manifest.NewPostgresLoader(db)
	loaded, err := loader.LoadAll(ctx, store)
	if err != nil {
		return err
	}
	logger.Log.Info("Manifests loaded", "handlers", loaded.Handlers, "modules", loaded.Modules, "edges", loaded.Edges)
	return nil
}
