// Command gati-routemanager runs the Route Manager as a standalone gRPC
// service (remote mode). Runtimes configured with route_manager.mode=remote
// dial it instead of deciding in-process; the wire contract is identical.
package main

import (
	"context"
	"flag"
	"os"

	"github.com/gati-run/gati/pkg/config"
	"github.com/gati-run/gati/pkg/database"
	"github.com/gati-run/gati/pkg/logger"
	"github.com/gati-run/gati/pkg/manifest"
	"github.com/gati-run/gati/pkg/routemanager"
	"github.com/gati-run/gati/pkg/routematcher"
	"github.com/gati-run/gati/pkg/server"
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
	cfg.App.Name = "gati-routemanager"

	logger.InitWithConfig(logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})

	ctx := context.Background()

	store := manifest.NewStore()
	matcher := routematcher.New()
	if err := loadManifests(ctx, cfg, store, matcher); err != nil {
		logger.Error("Failed to load manifests", "error", err)
		os.Exit(1)
	}

	endpoints := make(map[string]string, len(cfg.Modules))
	for id, ep := range cfg.Modules {
		endpoints[id] = ep.Address()
	}

	srv := server.New(cfg)
	manager := routemanager.New(store, matcher, nil, nil, routemanager.Options{
		TransformerChainMax: cfg.Version.TransformerChainMax,
		CanaryHealthFloor:   cfg.RouteMgr.CanaryHealthFloor,
		Audit:               srv.GetAuditLogger(),
		Logger:              logger.Log,
		ModuleEndpoints:     endpoints,
	})
	srv.GetEngine().RegisterService(&routemanager.ServiceDesc, routemanager.NewWireServer(manager))

	if err := srv.Run(); err != nil {
		logger.Error("Server failed", "error", err)
		os.Exit(1)
	}
}

func loadManifests(ctx context.Context, cfg *config.Config, store *manifest.Store, matcher *routematcher.Matcher) error {
	if cfg.Database.Driver == "" || cfg.Database.Host == "" {
		return nil
	}
	db, err := database.NewPostgresDB(ctx, &cfg.Database)
	if err != nil {
		logger.Log.Warn("Manifest database unavailable, starting with an empty store", "error", err)
		return nil
	}
	defer db.Close()

	stats, err := manifest.NewPostgresLoader(db).LoadAll(ctx, store)
	if err != nil {
		return err
	}
	seen := map[string]bool{}
	for _, h := range store.AllHandlers() {
		key := h.Method + " " + h.Path
		if seen[key] {
			continue
		}
		seen[key] = true
		matcher.Register(h.Method, h.Path, h.ID)
	}
	logger.Log.Info("Manifests loaded", "handlers", stats.Handlers, "modules", stats.Modules, "edges", stats.Edges)
	return nil
}
