package database

import (
	"context"
	"embed"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/gati-run/gati/pkg/config"
	"github.com/gati-run/gati/pkg/logger"
)

// RunMigrations приводит схему каталога манифестов к актуальной. Файлы
// миграций вшиты в pkg/manifest (manifest.Migrations); вызывается из
// launcher-а до первой загрузки манифестов, когда включён auto_migrate.
func RunMigrations(ctx context.Context, pool *pgxpool.Pool, cfg *config.DatabaseConfig, migrations embed.FS, dir string) error {
	if !cfg.AutoMigrate {
		logger.Log.Info("Auto-migration is disabled")
		return nil
	}
	return gooseRun(ctx, pool, migrations, dir, gooseUp)
}

// RollbackLastMigration откатывает одну миграцию; инструмент для деплоя,
// рантайм его не зовёт.
func RollbackLastMigration(ctx context.Context, pool *pgxpool.Pool, migrations embed.FS, dir string) error {
	return gooseRun(ctx, pool, migrations, dir, gooseDown)
}

type gooseOp int

const (
	gooseUp gooseOp = iota
	gooseDown
)

// gooseRun — общий каркас: goose работает через database/sql, поэтому пул
// pgx оборачивается stdlib-адаптером на время прогона.
func gooseRun(ctx context.Context, pool *pgxpool.Pool, migrations embed.FS, dir string, op gooseOp) error {
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("goose dialect: %w", err)
	}

	switch op {
	case gooseDown:
		if err := goose.DownContext(ctx, db, dir); err != nil {
			return fmt.Errorf("rolling back manifest schema: %w", err)
		}
		logger.Log.Info("Manifest schema rolled back one migration")
	default:
		if err := goose.UpContext(ctx, db, dir); err != nil {
			return fmt.Errorf("migrating manifest schema: %w", err)
		}
		logger.Log.Info("Manifest schema is up to date")
	}
	return nil
}
