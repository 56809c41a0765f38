// Package database — pgx-обёртка для долговременного хранилища манифестов.
// База участвует только на старте (загрузка каталога манифестов) и в
// деплой-инструментах (запись); горячий путь запросов её не видит,
// каталог живёт в памяти за snapshot-указателем manifest.Store.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gati-run/gati/pkg/config"
	"github.com/gati-run/gati/pkg/logger"
)

// DB — поверхность, которую видят загрузчик и Saver манифестов.
// Query читает каталог, Exec/BeginTx нужны пишущей половине.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
	Close()
	Ping(ctx context.Context) error
}

// PostgresDB держит pgxpool и конфигурацию, из которой он собран.
type PostgresDB struct {
	pool *pgxpool.Pool
	cfg  *config.DatabaseConfig
}

// NewPostgresDB собирает пул по секции database конфигурации и проверяет
// доступность базы до того, как рантайм начнёт грузить манифесты.
func NewPostgresDB(ctx context.Context, cfg *config.DatabaseConfig) (*PostgresDB, error) {
	poolConfig, err := pgxpool.ParseConfig(connString(cfg))
	if err != nil {
		return nil, fmt.Errorf("parsing manifest store dsn: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	poolConfig.MinConns = int32(cfg.MaxIdleConns)
	poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	poolConfig.MaxConnIdleTime = cfg.ConnMaxIdleTime
	poolConfig.ConnConfig.ConnectTimeout = 10 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("creating manifest store pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("manifest store unreachable: %w", err)
	}

	logger.Log.Info("Manifest store connected",
		"host", cfg.Host,
		"database", cfg.Database,
		"max_conns", cfg.MaxOpenConns,
	)
	return &PostgresDB{pool: pool, cfg: cfg}, nil
}

func connString(cfg *config.DatabaseConfig) string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.Username, cfg.Password, cfg.Host, cfg.Port, cfg.Database, cfg.SSLMode,
	)
}

// Exec реализует DB.
func (db *PostgresDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return db.pool.Exec(ctx, sql, args...)
}

// Query реализует DB.
func (db *PostgresDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return db.pool.Query(ctx, sql, args...)
}

// QueryRow реализует DB.
func (db *PostgresDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return db.pool.QueryRow(ctx, sql, args...)
}

// BeginTx реализует DB. Saver манифестов оборачивает запись манифеста и его
// version edges в одну транзакцию через WithTransaction.
func (db *PostgresDB) BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error) {
	return db.pool.BeginTx(ctx, txOptions)
}

// Close закрывает пул.
func (db *PostgresDB) Close() {
	db.pool.Close()
	logger.Log.Info("Manifest store pool closed")
}

// Ping реализует DB.
func (db *PostgresDB) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

// Pool отдаёт нижележащий пул: его требует goose-мигратор.
func (db *PostgresDB) Pool() *pgxpool.Pool {
	return db.pool
}

// HealthCheck — быстрый smoke-запрос для стартовой диагностики.
func (db *PostgresDB) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var one int
	if err := db.pool.QueryRow(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("manifest store health check: %w", err)
	}
	return nil
}
